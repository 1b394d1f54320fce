package cli

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

func newScopeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scope",
		Short: "Inspect and configure guard scopes",
	}
	cmd.AddCommand(newScopeListCmd())
	cmd.AddCommand(newScopeCreateCmd())
	cmd.AddCommand(newScopeGetCmd())
	cmd.AddCommand(newScopeSetCmd())
	return cmd
}

func newScopeListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List scopes",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(serverAddr(cmd))
			var out map[string]any
			status, err := c.do(http.MethodGet, "/api/v1/scopes", nil, &out)
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

func newScopeCreateCmd() *cobra.Command {
	var parentID string

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a child scope (inherits the parent's guard config)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(serverAddr(cmd))
			var out map[string]any
			status, err := c.do(http.MethodPost, "/api/v1/scopes",
				map[string]any{"parent_id": parentID, "name": args[0]}, &out)
			if err != nil {
				return err
			}
			if status != http.StatusCreated {
				return fmt.Errorf("server returned %d: %v", status, out["error"])
			}
			printJSON(cmd.OutOrStdout(), out)
			return nil
		},
	}

	cmd.Flags().StringVar(&parentID, "parent", "root", "Parent scope id")
	return cmd
}

func newScopeGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <scope-id>",
		Short: "Show a scope's guard tunables",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(serverAddr(cmd))
			var out map[string]any
			status, err := c.do(http.MethodGet, "/api/v1/scopes/"+args[0]+"/guard", nil, &out)
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
}

func newScopeSetCmd() *cobra.Command {
	var (
		mode       string
		expiry     string
		suspension string
		maxCrashes int64
	)

	cmd := &cobra.Command{
		Use:   "set <scope-id>",
		Short: "Update a scope's guard tunables",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]any{}
			if cmd.Flags().Changed("mode") {
				req["mode"] = mode
			}
			if cmd.Flags().Changed("expiry") {
				req["expiry"] = expiry
			}
			if cmd.Flags().Changed("suspension") {
				req["suspension"] = suspension
			}
			if cmd.Flags().Changed("max-crashes") {
				req["max_crashes"] = maxCrashes
			}
			if len(req) == 0 {
				return fmt.Errorf("nothing to set")
			}

			c := newClient(serverAddr(cmd))
			var out map[string]any
			status, err := c.do(http.MethodPatch, "/api/v1/scopes/"+args[0]+"/guard", req, &out)
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				return fmt.Errorf("server returned %d: %v", status, out["error"])
			}
			if out["coerced"] == true {
				fmt.Fprintln(cmd.ErrOrStderr(), "warning: requested mode was invalid, coerced to forced")
			}
			printJSON(cmd.OutOrStdout(), out)
			return nil
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "", "Guard mode: disabled, opt_in, opt_out, forced")
	cmd.Flags().StringVar(&expiry, "expiry", "", "Record expiry duration, e.g. 2m")
	cmd.Flags().StringVar(&suspension, "suspension", "", "Suspension duration, e.g. 10m")
	cmd.Flags().Int64Var(&maxCrashes, "max-crashes", 0, "Crash threshold")
	return cmd
}
