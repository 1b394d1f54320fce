package jsonl

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsh/crashguard/internal/store"
	"github.com/agentsh/crashguard/pkg/types"
)

func TestAppendWritesOneLinePerEvent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	s, err := New(path, 1, 1)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.AppendEvent(ctx, types.Event{
			ID:        id,
			Timestamp: time.Now().UTC(),
			Type:      types.EventCrashRecorded,
			ScopeID:   "root",
		}))
	}

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var ids []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev types.Event
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		ids = append(ids, ev.ID)
	}
	require.NoError(t, sc.Err())
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestQueryNotSupported(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "audit.jsonl"), 1, 1)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.QueryEvents(context.Background(), types.EventQuery{})
	assert.ErrorIs(t, err, store.ErrNotQueryable)
}

func TestRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	s, err := New(path, 1, 2)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	// Push the file past 1MB so the next append rotates it out.
	big := types.Event{
		ID:      "big",
		Type:    types.EventCrashRecorded,
		ScopeID: "root",
		Fields:  map[string]any{"pad": strings.Repeat("x", 2<<20)},
	}
	require.NoError(t, s.AppendEvent(ctx, big))
	require.NoError(t, s.AppendEvent(ctx, types.Event{ID: "after", Type: types.EventExecDenied, ScopeID: "root"}))

	_, err = os.Stat(path + ".1")
	require.NoError(t, err, "oversized file should move to .1")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"after"`)
	assert.NotContains(t, string(data), `"big"`)
}
