package guard

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/agentsh/crashguard/internal/identity"
	"github.com/agentsh/crashguard/internal/scope"
	"github.com/agentsh/crashguard/pkg/types"
)

// ErrDenied is returned by CheckExec when the identity is at or above its
// scope's crash threshold. It wraps os.ErrPermission so the execution
// subsystem can surface it as a standard permission failure.
var ErrDenied = fmt.Errorf("execution suspended after repeated crashes: %w", os.ErrPermission)

// Thread is the execution context the host subsystem supplies with each
// call: the process identity, its resolved guard flags, its scope, and the
// backing image of its program text.
type Thread struct {
	PID   int
	UID   uint32
	Flags types.Flags
	Scope *scope.Scope
	Image identity.Image
}

// Engine composes the record table with identity derivation and per-scope
// configuration. One engine serves the whole process.
type Engine struct {
	table  *Table
	sink   Sink
	logger *slog.Logger
}

func NewEngine(table *Table, sink Sink, logger *slog.Logger) *Engine {
	if sink == nil {
		sink = nopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{table: table, sink: sink, logger: logger}
}

// Table exposes the underlying record table for snapshots.
func (e *Engine) Table() *Table { return e.table }

// RecordSegfault books a crash for the thread's program identity. It never
// blocks or penalizes the already-crashing process itself; only future
// executions of the same identity are affected. Returns identity.ErrNoImage
// when the process has no backing image, nil otherwise: bookkeeping
// failures degrade to "crash not tracked".
func (e *Engine) RecordSegfault(ctx context.Context, th Thread, name string) error {
	if !th.Flags.Active() {
		return nil
	}
	if th.Image == nil {
		return identity.ErrNoImage
	}

	key, err := identity.FromImage(ctx, th.Image, th.UID)
	if err != nil {
		e.logger.Warn("crash not tracked: identity derivation failed",
			"name", name, "pid", th.PID, "error", err)
		e.sink.Publish(types.Event{
			Timestamp: time.Now().UTC(),
			Type:      types.EventIdentityFailure,
			ScopeID:   th.Scope.ID(),
			PID:       th.PID,
			UID:       th.UID,
			Name:      name,
		})
		return nil
	}

	cfg := th.Scope.Guard()

	rec, h, created := e.table.upsert(key, th.Scope.ID(), cfg.Expiry)
	if created {
		h.Release()
		e.publishCrash(th, key, name, 1)
		return nil
	}

	rec.ncrashes++
	count := rec.ncrashes
	suspended := count >= cfg.MaxCrashes
	if suspended {
		// Replace the pending expiry with the longer suspension
		// countdown; the identity stays denied until it fires.
		e.table.armLocked(h.b, rec, th.Scope.ID(), cfg.Suspension)
	}
	h.Release()

	e.publishCrash(th, key, name, count)
	if suspended {
		e.logger.Warn("suspending execution after repeated crashes",
			"name", name, "pid", th.PID, "crashes", count,
			"suspension", cfg.Suspension)
		e.sink.Publish(types.Event{
			Timestamp: time.Now().UTC(),
			Type:      types.EventSuspensionArmed,
			ScopeID:   th.Scope.ID(),
			PID:       th.PID,
			UID:       key.UID,
			Serial:    key.Serial,
			Mount:     key.Mount,
			Name:      name,
			Count:     count,
			Fields:    map[string]any{"suspension_seconds": cfg.Suspension.Seconds()},
		})
	}
	return nil
}

// CheckExec decides whether an execution of img may proceed. Missing image
// or failed identity derivation always allow; denial is reserved for an
// identity at or above its scope's crash threshold.
func (e *Engine) CheckExec(ctx context.Context, th Thread, img identity.Image, name string) error {
	if !th.Flags.Active() {
		return nil
	}
	if img == nil {
		return nil
	}

	key, err := identity.FromImage(ctx, img, th.UID)
	if err != nil {
		e.logger.Warn("exec check skipped: identity derivation failed",
			"name", name, "pid", th.PID, "error", err)
		return nil
	}

	rec, h := e.table.lookup(key)
	if rec == nil {
		return nil
	}
	count := rec.ncrashes
	h.Release()

	if count >= th.Scope.Guard().MaxCrashes {
		e.logger.Warn("preventing execution due to repeated segfaults",
			"name", name, "pid", th.PID, "crashes", count)
		e.sink.Publish(types.Event{
			Timestamp: time.Now().UTC(),
			Type:      types.EventExecDenied,
			ScopeID:   th.Scope.ID(),
			PID:       th.PID,
			UID:       key.UID,
			Serial:    key.Serial,
			Mount:     key.Mount,
			Name:      name,
			Count:     count,
			Decision:  types.DecisionDeny,
		})
		return ErrDenied
	}
	return nil
}

func (e *Engine) publishCrash(th Thread, key identity.Key, name string, count uint64) {
	e.sink.Publish(types.Event{
		Timestamp: time.Now().UTC(),
		Type:      types.EventCrashRecorded,
		ScopeID:   th.Scope.ID(),
		PID:       th.PID,
		UID:       key.UID,
		Serial:    key.Serial,
		Mount:     key.Mount,
		Name:      name,
		Count:     count,
	})
}
