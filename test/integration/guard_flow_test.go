//go:build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentsh/crashguard/internal/config"
	"github.com/agentsh/crashguard/internal/server"
)

func startServer(t *testing.T) (base string, cancel context.CancelFunc) {
	t.Helper()

	dir := t.TempDir()
	cfg := config.Default()
	cfg.Server.HTTP.Addr = "127.0.0.1:0"
	cfg.Audit.Storage.SQLitePath = filepath.Join(dir, "events.db")
	cfg.Audit.Output = filepath.Join(dir, "audit.jsonl")
	cfg.Metrics.Enabled = true

	s, err := server.New(cfg, "")
	if err != nil {
		t.Fatalf("server.New failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = s.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for s.Addr() == "" {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("server did not start listening")
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Cleanup(cancel)
	return "http://" + s.Addr(), cancel
}

func postJSON(t *testing.T, url string, body any) (int, map[string]any) {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.StatusCode, out
}

func patchJSON(t *testing.T, url string, body any) (int, map[string]any) {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(http.MethodPatch, url, bytes.NewReader(b))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PATCH %s: %v", url, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.StatusCode, out
}

// TestCrashToDenialFlow drives the full path over HTTP: configure the root
// scope, report crashes of a real binary, and watch the exec check flip
// from allow to deny.
func TestCrashToDenialFlow(t *testing.T) {
	base, _ := startServer(t)

	bin := filepath.Join(t.TempDir(), "crashy")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\nexit 139\n"), 0o755); err != nil {
		t.Fatalf("write binary: %v", err)
	}

	status, _ := patchJSON(t, base+"/api/v1/scopes/root/guard", map[string]any{
		"mode":        "forced",
		"max_crashes": 2,
	})
	if status != http.StatusOK {
		t.Fatalf("guard patch returned %d", status)
	}

	th := map[string]any{"pid": 4242, "uid": 1000, "path": bin, "name": "crashy"}

	status, out := postJSON(t, base+"/api/v1/scopes/root/exec-check", th)
	if status != http.StatusOK || out["decision"] != "allow" {
		t.Fatalf("pre-crash check: status=%d decision=%v", status, out["decision"])
	}

	for i := 0; i < 2; i++ {
		status, _ = postJSON(t, base+"/api/v1/scopes/root/segfault", th)
		if status != http.StatusOK {
			t.Fatalf("segfault report %d returned %d", i+1, status)
		}
	}

	status, out = postJSON(t, base+"/api/v1/scopes/root/exec-check", th)
	if status != http.StatusForbidden || out["decision"] != "deny" {
		t.Fatalf("post-crash check: status=%d decision=%v", status, out["decision"])
	}

	resp, err := http.Get(base + "/api/v1/events/search?type=exec_denied")
	if err != nil {
		t.Fatalf("event search: %v", err)
	}
	defer resp.Body.Close()
	var search map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&search); err != nil {
		t.Fatalf("decode search: %v", err)
	}
	evs, _ := search["events"].([]any)
	if len(evs) != 1 {
		t.Fatalf("expected one exec_denied audit event, got %d", len(evs))
	}
}

// TestScopeIsolationOverHTTP verifies a child scope tracks crashes
// independently of the root.
func TestScopeIsolationOverHTTP(t *testing.T) {
	base, _ := startServer(t)

	bin := filepath.Join(t.TempDir(), "crashy")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\nexit 139\n"), 0o755); err != nil {
		t.Fatalf("write binary: %v", err)
	}

	status, out := postJSON(t, base+"/api/v1/scopes", map[string]any{"name": "jail"})
	if status != http.StatusCreated {
		t.Fatalf("scope create returned %d", status)
	}
	childID, _ := out["id"].(string)
	if childID == "" {
		t.Fatal("scope create returned no id")
	}

	status, _ = patchJSON(t, base+fmt.Sprintf("/api/v1/scopes/%s/guard", childID), map[string]any{
		"mode":        "forced",
		"max_crashes": 1,
	})
	if status != http.StatusOK {
		t.Fatalf("child guard patch returned %d", status)
	}

	th := map[string]any{"pid": 1, "uid": 1000, "path": bin, "name": "crashy"}
	status, _ = postJSON(t, base+fmt.Sprintf("/api/v1/scopes/%s/segfault", childID), th)
	if status != http.StatusOK {
		t.Fatalf("child segfault returned %d", status)
	}

	status, out = postJSON(t, base+fmt.Sprintf("/api/v1/scopes/%s/exec-check", childID), th)
	if status != http.StatusForbidden {
		t.Fatalf("child check: status=%d decision=%v", status, out["decision"])
	}

	// The root scope still runs opt_in with threshold 5; the same record
	// is below its threshold and root execs stay allowed.
	status, out = postJSON(t, base+"/api/v1/scopes/root/exec-check",
		map[string]any{"pid": 1, "uid": 1000, "path": bin, "name": "crashy", "flags": []string{"guard"}})
	if status != http.StatusOK || out["decision"] != "allow" {
		t.Fatalf("root check: status=%d decision=%v", status, out["decision"])
	}
}
