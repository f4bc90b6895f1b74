// ABOUTME: Tests for pending-request slots.
// ABOUTME: Covers resolve-once semantics and bulk failure on link loss.

package gateway

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIdleLink() *Link {
	return NewLink(LinkParams{ID: "gw-pending", URL: "ws://127.0.0.1:1/ws"})
}

func TestPendingResolveOnce(t *testing.T) {
	link := newIdleLink()
	call := link.registerPending("r1")

	link.resolvePending("r1", &Response{OK: true, Payload: json.RawMessage(`{"n":1}`)})
	// Second resolution for the same id must not deliver.
	call.resolve(&Response{OK: true, Payload: json.RawMessage(`{"n":2}`)})

	res := <-call.ch
	require.NotNil(t, res)
	assert.JSONEq(t, `{"n":1}`, string(res.Payload))

	select {
	case extra := <-call.ch:
		t.Fatalf("unexpected second delivery: %+v", extra)
	default:
	}
}

func TestPendingUnknownIDIgnored(t *testing.T) {
	link := newIdleLink()
	// Must not panic or block.
	link.resolvePending("never-registered", &Response{OK: true})
}

func TestFailAllPending(t *testing.T) {
	link := newIdleLink()
	a := link.registerPending("r1")
	b := link.registerPending("r2")

	link.failAllPending()

	assert.Nil(t, <-a.ch)
	assert.Nil(t, <-b.ch)

	// Slots are gone; a late response is discarded.
	link.resolvePending("r1", &Response{OK: true})
}
