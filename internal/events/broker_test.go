package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsh/crashguard/pkg/types"
)

func TestBrokerPublishSubscribe(t *testing.T) {
	b := NewBroker(nil)
	ch := b.Subscribe("scope-1", 10)
	defer b.Unsubscribe("scope-1", ch)

	b.Publish(types.Event{Type: types.EventCrashRecorded, ScopeID: "scope-1"})

	select {
	case ev := <-ch:
		assert.Equal(t, types.EventCrashRecorded, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBrokerScopeIsolation(t *testing.T) {
	b := NewBroker(nil)
	ch := b.Subscribe("scope-1", 10)
	defer b.Unsubscribe("scope-1", ch)

	b.Publish(types.Event{Type: types.EventCrashRecorded, ScopeID: "scope-2"})

	select {
	case ev := <-ch:
		t.Fatalf("unexpected event for other scope: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBrokerWildcardSubscriber(t *testing.T) {
	b := NewBroker(nil)
	all := b.Subscribe("", 10)
	defer b.Unsubscribe("", all)

	b.Publish(types.Event{Type: types.EventExecDenied, ScopeID: "scope-9"})

	select {
	case ev := <-all:
		assert.Equal(t, "scope-9", ev.ScopeID)
	case <-time.After(time.Second):
		t.Fatal("wildcard subscriber missed event")
	}
}

func TestBrokerDropsOnSlowSubscriber(t *testing.T) {
	b := NewBroker(nil)
	ch := b.Subscribe("s", 1)
	defer b.Unsubscribe("s", ch)

	b.Publish(types.Event{ScopeID: "s"})
	b.Publish(types.Event{ScopeID: "s"})
	b.Publish(types.Event{ScopeID: "s"})

	require.Equal(t, int64(2), b.DroppedCount())
}
