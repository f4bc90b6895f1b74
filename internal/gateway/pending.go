// ABOUTME: Pending-request bookkeeping for in-flight gateway calls.
// ABOUTME: Each request resolves exactly once: response, timeout, or link failure.

package gateway

import "sync"

// pendingCall is the resolution slot for one in-flight request. The channel
// holds at most one value; a nil value signals link failure rather than a
// gateway response.
type pendingCall struct {
	ch   chan *Response
	once sync.Once
}

// resolve delivers the outcome. Later calls for the same slot are no-ops, so
// a response racing a timeout cannot deliver twice.
func (c *pendingCall) resolve(res *Response) {
	c.once.Do(func() {
		c.ch <- res
	})
}

func (l *Link) registerPending(id string) *pendingCall {
	call := &pendingCall{ch: make(chan *Response, 1)}
	l.pendingMu.Lock()
	l.pending[id] = call
	l.pendingMu.Unlock()
	return call
}

func (l *Link) dropPending(id string) {
	l.pendingMu.Lock()
	delete(l.pending, id)
	l.pendingMu.Unlock()
}

// resolvePending routes a response frame to its waiting caller. Responses for
// unknown ids are logged and discarded; the caller may have timed out already.
func (l *Link) resolvePending(id string, res *Response) {
	l.pendingMu.Lock()
	call, ok := l.pending[id]
	if ok {
		delete(l.pending, id)
	}
	l.pendingMu.Unlock()

	if !ok {
		l.logger.Warn("response for unknown request", "request_id", id)
		return
	}
	call.resolve(res)
}

// failAllPending resolves every outstanding request with the failure sentinel.
// Called when the connection drops or the link stops.
func (l *Link) failAllPending() {
	l.pendingMu.Lock()
	calls := make([]*pendingCall, 0, len(l.pending))
	for id, call := range l.pending {
		calls = append(calls, call)
		delete(l.pending, id)
	}
	l.pendingMu.Unlock()

	for _, call := range calls {
		call.resolve(nil)
	}
}
