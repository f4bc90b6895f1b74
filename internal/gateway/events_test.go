// ABOUTME: Tests for event subscription fan-out and reconnect callbacks.
// ABOUTME: Covers ordering, mid-stream unsubscribe, queue overflow, and panic isolation.

package gateway

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchFanOut(t *testing.T) {
	link := newIdleLink()

	a := link.Subscribe("chat")
	b := link.Subscribe("chat")
	other := link.Subscribe("presence")
	require.Equal(t, 2, link.SubscriberCount("chat"))

	link.dispatch("chat", json.RawMessage(`{"n":1}`))
	link.dispatch("chat", json.RawMessage(`{"n":2}`))

	for _, sub := range []*Subscription{a, b} {
		assert.JSONEq(t, `{"n":1}`, string(<-sub.C))
		assert.JSONEq(t, `{"n":2}`, string(<-sub.C))
	}
	assert.Len(t, other.C, 0)
}

func TestUnsubscribeMidStream(t *testing.T) {
	link := newIdleLink()

	a := link.Subscribe("chat")
	b := link.Subscribe("chat")

	link.dispatch("chat", json.RawMessage(`{"n":1}`))
	link.Unsubscribe(a)

	link.dispatch("chat", json.RawMessage(`{"n":2}`))

	assert.Equal(t, 1, link.SubscriberCount("chat"))
	// Events queued before removal stay readable.
	assert.JSONEq(t, `{"n":1}`, string(<-a.C))
	assert.Len(t, a.C, 0)

	assert.JSONEq(t, `{"n":1}`, string(<-b.C))
	assert.JSONEq(t, `{"n":2}`, string(<-b.C))
}

func TestDispatchDropsWhenQueueFull(t *testing.T) {
	link := newIdleLink()
	sub := link.Subscribe("chat")

	for i := 0; i < subscriptionBuffer+5; i++ {
		link.dispatch("chat", json.RawMessage(`{}`))
	}
	// Overflow is dropped, never blocking dispatch.
	assert.Len(t, sub.ch, subscriptionBuffer)
}

func TestReconnectCallbacks(t *testing.T) {
	link := newIdleLink()

	calls := 0
	handle := link.OnReconnect(func() { calls++ })

	link.notifyReconnected()
	assert.Equal(t, 1, calls)

	link.RemoveReconnectCallback(handle)
	link.notifyReconnected()
	assert.Equal(t, 1, calls)
}

func TestReconnectCallbackPanicIsolated(t *testing.T) {
	link := newIdleLink()

	link.OnReconnect(func() { panic("boom") })
	ran := false
	link.OnReconnect(func() { ran = true })

	link.notifyReconnected()
	assert.True(t, ran)
}
