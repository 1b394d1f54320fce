package cli

import (
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

func newReportCmd() *cobra.Command {
	var (
		scopeID string
		pid     int
		uid     uint32
		name    string
	)

	cmd := &cobra.Command{
		Use:   "report <path>",
		Short: "Report a segfault of the binary at <path>",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				name = args[0]
			}
			c := newClient(serverAddr(cmd))
			var out map[string]any
			status, err := c.do(http.MethodPost, "/api/v1/scopes/"+scopeID+"/segfault",
				map[string]any{"pid": pid, "uid": uid, "path": args[0], "name": name}, &out)
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				return fmt.Errorf("server returned %d: %v", status, out["error"])
			}
			printJSON(cmd.OutOrStdout(), out)
			return nil
		},
	}

	cmd.Flags().StringVar(&scopeID, "scope", "root", "Scope id")
	cmd.Flags().IntVar(&pid, "pid", 0, "Crashing process id")
	cmd.Flags().Uint32Var(&uid, "uid", uint32(os.Getuid()), "Real uid of the crashing process")
	cmd.Flags().StringVar(&name, "name", "", "Display name (defaults to the path)")
	return cmd
}

func newCheckCmd() *cobra.Command {
	var (
		scopeID string
		uid     uint32
		name    string
	)

	cmd := &cobra.Command{
		Use:   "check <path>",
		Short: "Check whether the binary at <path> may execute",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				name = args[0]
			}
			c := newClient(serverAddr(cmd))
			var out map[string]any
			status, err := c.do(http.MethodPost, "/api/v1/scopes/"+scopeID+"/exec-check",
				map[string]any{"uid": uid, "path": args[0], "name": name}, &out)
			if err != nil {
				return err
			}
			switch status {
			case http.StatusOK:
				printJSON(cmd.OutOrStdout(), out)
				return nil
			case http.StatusForbidden:
				printJSON(cmd.OutOrStdout(), out)
				return &ExitError{code: 1, message: "execution denied"}
			default:
				return fmt.Errorf("server returned %d: %v", status, out["error"])
			}
		},
	}

	cmd.Flags().StringVar(&scopeID, "scope", "root", "Scope id")
	cmd.Flags().Uint32Var(&uid, "uid", uint32(os.Getuid()), "Real uid of the executing user")
	cmd.Flags().StringVar(&name, "name", "", "Display name (defaults to the path)")
	return cmd
}

func newRecordsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "records",
		Short: "List live crash records",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(serverAddr(cmd))
			var out map[string]any
			status, err := c.do(http.MethodGet, "/api/v1/records", nil, &out)
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				return fmt.Errorf("server returned %d", status)
			}
			printJSON(cmd.OutOrStdout(), out)
			return nil
		},
	}
}

func newEventsCmd() *cobra.Command {
	var (
		scopeID   string
		eventType string
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Search the audit trail",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(serverAddr(cmd))
			path := fmt.Sprintf("/api/v1/events/search?scope=%s&type=%s&limit=%d", scopeID, eventType, limit)
			var out map[string]any
			status, err := c.do(http.MethodGet, path, nil, &out)
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				return fmt.Errorf("server returned %d: %v", status, out["error"])
			}
			printJSON(cmd.OutOrStdout(), out)
			return nil
		},
	}

	cmd.Flags().StringVar(&scopeID, "scope", "", "Filter by scope id")
	cmd.Flags().StringVar(&eventType, "type", "", "Filter by event type")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum events returned")
	return cmd
}
