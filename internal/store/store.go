// Package store defines the audit event sink and its composition. Guard
// state itself is never persisted; the stores hold the append-only audit
// trail of crashes, suspensions, denials and config changes.
package store

import (
	"context"
	"errors"

	"github.com/agentsh/crashguard/pkg/types"
)

type EventStore interface {
	AppendEvent(ctx context.Context, ev types.Event) error
	QueryEvents(ctx context.Context, q types.EventQuery) ([]types.Event, error)
	Close() error
}

// ErrNotQueryable is returned by write-only stores.
var ErrNotQueryable = errors.New("store does not support queries")

// Multi fans appends out to every store and queries the first store that
// supports it.
type Multi struct {
	stores []EventStore
}

func NewMulti(stores ...EventStore) *Multi {
	return &Multi{stores: stores}
}

func (m *Multi) AppendEvent(ctx context.Context, ev types.Event) error {
	var firstErr error
	for _, s := range m.stores {
		if err := s.AppendEvent(ctx, ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Multi) QueryEvents(ctx context.Context, q types.EventQuery) ([]types.Event, error) {
	for _, s := range m.stores {
		evs, err := s.QueryEvents(ctx, q)
		if errors.Is(err, ErrNotQueryable) {
			continue
		}
		return evs, err
	}
	return nil, ErrNotQueryable
}

func (m *Multi) Close() error {
	var firstErr error
	for _, s := range m.stores {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
