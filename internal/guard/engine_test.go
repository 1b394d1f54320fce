package guard

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsh/crashguard/internal/identity"
	"github.com/agentsh/crashguard/internal/scope"
	"github.com/agentsh/crashguard/pkg/types"
)

type stubImage struct {
	attr identity.Attr
	err  error
	path string
}

func (s stubImage) Attr(context.Context) (identity.Attr, error) { return s.attr, s.err }
func (s stubImage) Path() string                                { return s.path }

type captureSink struct {
	mu     sync.Mutex
	events []types.Event
}

func (c *captureSink) Publish(ev types.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureSink) byType(t string) []types.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []types.Event
	for _, ev := range c.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func testScope(cfg scope.GuardConfig) *scope.Scope {
	return scope.NewRoot(scope.NewDefaults(cfg), nil)
}

func newTestEngine(t *testing.T, cfg scope.GuardConfig) (*Engine, *scope.Scope, *captureSink) {
	t.Helper()
	sink := &captureSink{}
	tbl := NewTable(64, sink, nil)
	eng := NewEngine(tbl, sink, nil)
	return eng, testScope(cfg), sink
}

func guardedThread(s *scope.Scope, img identity.Image) Thread {
	return Thread{PID: 1234, UID: 1000, Flags: types.FlagGuard, Scope: s, Image: img}
}

func TestRecordSegfaultInactiveFlagsNoop(t *testing.T) {
	eng, s, sink := newTestEngine(t, scope.DefaultGuardConfig())
	th := guardedThread(s, stubImage{attr: identity.Attr{Serial: 1, Mount: "/"}})
	th.Flags = types.FlagNoGuard

	require.NoError(t, eng.RecordSegfault(context.Background(), th, "a.out"))
	assert.Equal(t, 0, eng.Table().Len())
	assert.Empty(t, sink.events)
}

func TestRecordSegfaultNoImage(t *testing.T) {
	eng, s, _ := newTestEngine(t, scope.DefaultGuardConfig())
	th := guardedThread(s, nil)

	err := eng.RecordSegfault(context.Background(), th, "a.out")
	assert.ErrorIs(t, err, identity.ErrNoImage)
}

func TestRecordSegfaultIdentityFailureDegrades(t *testing.T) {
	eng, s, sink := newTestEngine(t, scope.DefaultGuardConfig())
	th := guardedThread(s, stubImage{err: errors.New("attr failed")})

	require.NoError(t, eng.RecordSegfault(context.Background(), th, "a.out"))
	assert.Equal(t, 0, eng.Table().Len(), "crash must not be tracked without an identity")
	assert.Len(t, sink.byType(types.EventIdentityFailure), 1)
}

func TestRepeatedCrashesIncrementSameRecord(t *testing.T) {
	eng, s, sink := newTestEngine(t, scope.DefaultGuardConfig())
	img := stubImage{attr: identity.Attr{Serial: 42, Mount: "/usr"}}
	th := guardedThread(s, img)

	require.NoError(t, eng.RecordSegfault(context.Background(), th, "a.out"))
	require.NoError(t, eng.RecordSegfault(context.Background(), th, "a.out"))

	require.Equal(t, 1, eng.Table().Len(), "two crashes of one identity must share a record")
	crashes := sink.byType(types.EventCrashRecorded)
	require.Len(t, crashes, 2)
	assert.Equal(t, uint64(1), crashes[0].Count)
	assert.Equal(t, uint64(2), crashes[1].Count)
}

func TestCheckExecAllowsBelowThreshold(t *testing.T) {
	eng, s, _ := newTestEngine(t, scope.DefaultGuardConfig())
	img := stubImage{attr: identity.Attr{Serial: 7, Mount: "/"}}
	th := guardedThread(s, img)

	for i := 0; i < 4; i++ {
		require.NoError(t, eng.RecordSegfault(context.Background(), th, "a.out"))
		require.NoError(t, eng.CheckExec(context.Background(), th, img, "a.out"),
			"check %d below threshold must allow", i+1)
	}
}

func TestCheckExecDeniesAtThreshold(t *testing.T) {
	eng, s, sink := newTestEngine(t, scope.DefaultGuardConfig())
	img := stubImage{attr: identity.Attr{Serial: 7, Mount: "/"}}
	th := guardedThread(s, img)

	for i := 0; i < 5; i++ {
		require.NoError(t, eng.RecordSegfault(context.Background(), th, "a.out"))
	}

	err := eng.CheckExec(context.Background(), th, img, "a.out")
	require.ErrorIs(t, err, ErrDenied)
	require.ErrorIs(t, err, os.ErrPermission, "denial must surface as a standard permission failure")
	assert.Len(t, sink.byType(types.EventExecDenied), 1)
	assert.Len(t, sink.byType(types.EventSuspensionArmed), 1)
}

func TestCheckExecUnknownIdentityAllows(t *testing.T) {
	eng, s, _ := newTestEngine(t, scope.DefaultGuardConfig())
	th := guardedThread(s, nil)

	assert.NoError(t, eng.CheckExec(context.Background(), th, nil, "a.out"), "missing image must allow")
	assert.NoError(t, eng.CheckExec(context.Background(), th,
		stubImage{err: errors.New("attr failed")}, "a.out"), "identity failure must allow")
	assert.NoError(t, eng.CheckExec(context.Background(), th,
		stubImage{attr: identity.Attr{Serial: 99, Mount: "/"}}, "a.out"), "untracked identity must allow")
}

func TestCheckExecInactiveFlagsAllowRegardless(t *testing.T) {
	eng, s, _ := newTestEngine(t, scope.DefaultGuardConfig())
	img := stubImage{attr: identity.Attr{Serial: 7, Mount: "/"}}
	th := guardedThread(s, img)

	for i := 0; i < 10; i++ {
		require.NoError(t, eng.RecordSegfault(context.Background(), th, "a.out"))
	}

	inactive := th
	inactive.Flags = types.FlagNoGuard
	assert.NoError(t, eng.CheckExec(context.Background(), inactive, img, "a.out"))
}

func TestSuspensionLapseStartsFresh(t *testing.T) {
	cfg := scope.GuardConfig{
		Mode:       types.ModeForced,
		Expiry:     50 * time.Millisecond,
		Suspension: 150 * time.Millisecond,
		MaxCrashes: 2,
	}
	eng, s, sink := newTestEngine(t, cfg)
	img := stubImage{attr: identity.Attr{Serial: 11, Mount: "/"}}
	th := guardedThread(s, img)

	require.NoError(t, eng.RecordSegfault(context.Background(), th, "a.out"))
	require.NoError(t, eng.RecordSegfault(context.Background(), th, "a.out"))
	require.ErrorIs(t, eng.CheckExec(context.Background(), th, img, "a.out"), ErrDenied)

	// The suspension outlives the original expiry; the record must still
	// be denied after the expiry duration has passed.
	time.Sleep(80 * time.Millisecond)
	require.ErrorIs(t, eng.CheckExec(context.Background(), th, img, "a.out"), ErrDenied)

	// Once the suspension fires, the identity starts over.
	require.Eventually(t, func() bool {
		return eng.CheckExec(context.Background(), th, img, "a.out") == nil
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, 0, eng.Table().Len())

	require.NoError(t, eng.RecordSegfault(context.Background(), th, "a.out"))
	crashes := sink.byType(types.EventCrashRecorded)
	assert.Equal(t, uint64(1), crashes[len(crashes)-1].Count, "post-suspension crash must start a fresh record")
}

func TestExpiryForgetsIdentity(t *testing.T) {
	cfg := scope.DefaultGuardConfig()
	cfg.Expiry = 40 * time.Millisecond
	eng, s, _ := newTestEngine(t, cfg)
	img := stubImage{attr: identity.Attr{Serial: 21, Mount: "/"}}
	th := guardedThread(s, img)

	require.NoError(t, eng.RecordSegfault(context.Background(), th, "a.out"))
	require.Eventually(t, func() bool { return eng.Table().Len() == 0 },
		time.Second, 5*time.Millisecond)

	require.NoError(t, eng.RecordSegfault(context.Background(), th, "a.out"))
	snap := eng.Table().Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, uint64(1), snap[0].Count, "crash after expiry must start at count 1")
}

func TestScenarioThresholdSuspensionCycle(t *testing.T) {
	// Threshold 5; four crashes allow, the fifth suspends, the lapse
	// resets. Durations scaled down from the 120s/600s defaults.
	cfg := scope.GuardConfig{
		Mode:       types.ModeForced,
		Expiry:     200 * time.Millisecond,
		Suspension: 400 * time.Millisecond,
		MaxCrashes: 5,
	}
	eng, s, sink := newTestEngine(t, cfg)
	img := stubImage{attr: identity.Attr{Serial: 55, Mount: "/home"}}
	th := guardedThread(s, img)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, eng.RecordSegfault(ctx, th, "exploit"))
		require.NoError(t, eng.CheckExec(ctx, th, img, "exploit"), "check between crash %d must allow", i+1)
	}

	require.NoError(t, eng.RecordSegfault(ctx, th, "exploit"))
	require.ErrorIs(t, eng.CheckExec(ctx, th, img, "exploit"), ErrDenied)
	require.Len(t, sink.byType(types.EventSuspensionArmed), 1)

	require.Eventually(t, func() bool {
		return eng.CheckExec(ctx, th, img, "exploit") == nil
	}, 2*time.Second, 20*time.Millisecond, "suspension must lapse")

	require.NoError(t, eng.RecordSegfault(ctx, th, "exploit"))
	snap := eng.Table().Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, uint64(1), snap[0].Count)
}

func TestConcurrentReportAndCheck(t *testing.T) {
	cfg := scope.DefaultGuardConfig()
	cfg.MaxCrashes = 1 << 60 // keep the record out of suspension
	eng, s, _ := newTestEngine(t, cfg)
	img := stubImage{attr: identity.Attr{Serial: 5, Mount: "/"}}
	th := guardedThread(s, img)
	ctx := context.Background()

	require.NoError(t, eng.RecordSegfault(ctx, th, "a.out"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = eng.RecordSegfault(ctx, th, "a.out")
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = eng.CheckExec(ctx, th, img, "a.out")
			}
		}()
	}
	wg.Wait()

	snap := eng.Table().Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, uint64(1+8*100), snap[0].Count, "concurrent counts must not tear")
}
