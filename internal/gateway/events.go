// ABOUTME: Named-event subscription registry and fan-out dispatch for a Link.
// ABOUTME: Supports multiple subscribers per event and reconnect notification callbacks.

package gateway

import "encoding/json"

// subscriptionBuffer is the depth of each subscriber queue. Dispatch never
// blocks the read loop; a full queue drops the event with a warning.
const subscriptionBuffer = 64

// Subscription is a private queue attached to one event name on a Link.
// Events are delivered in wire arrival order. A subscriber added mid-stream
// starts receiving from the next event.
type Subscription struct {
	Event string
	C     <-chan json.RawMessage

	id uint64
	ch chan json.RawMessage
}

// Subscribe registers a new queue for the given event name. The caller must
// eventually call Unsubscribe; the channel is never closed.
func (l *Link) Subscribe(event string) *Subscription {
	sub := &Subscription{
		Event: event,
		id:    l.subSeq.Add(1),
		ch:    make(chan json.RawMessage, subscriptionBuffer),
	}
	sub.C = sub.ch

	l.subsMu.Lock()
	l.subs[event] = append(l.subs[event], sub)
	l.subsMu.Unlock()
	return sub
}

// Unsubscribe removes a subscription. Safe to call concurrently with in-flight
// dispatch; events already queued remain readable on sub.C.
func (l *Link) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	l.subsMu.Lock()
	defer l.subsMu.Unlock()

	list := l.subs[sub.Event]
	for i, s := range list {
		if s.id == sub.id {
			l.subs[sub.Event] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// SubscriberCount reports how many queues are attached to an event name.
func (l *Link) SubscriberCount(event string) int {
	l.subsMu.RLock()
	defer l.subsMu.RUnlock()
	return len(l.subs[event])
}

// dispatch fans one inbound event out to every current subscriber. The
// subscriber list is snapshotted so removal during dispatch is safe, and a
// slow subscriber is skipped rather than stalling delivery to the others.
func (l *Link) dispatch(event string, payload json.RawMessage) {
	l.subsMu.RLock()
	snapshot := append([]*Subscription(nil), l.subs[event]...)
	l.subsMu.RUnlock()

	for _, sub := range snapshot {
		select {
		case sub.ch <- payload:
		default:
			l.logger.Warn("subscriber queue full, dropping event",
				"gateway_id", l.ID,
				"event", event,
			)
		}
	}
}

// ReconnectHandle identifies a registered reconnect callback for removal.
type ReconnectHandle struct {
	id uint64
}

type reconnectCallback struct {
	id uint64
	fn func()
}

// OnReconnect registers a callback invoked after every successful reconnect.
func (l *Link) OnReconnect(fn func()) *ReconnectHandle {
	h := &ReconnectHandle{id: l.subSeq.Add(1)}
	l.callbackMu.Lock()
	l.callbacks = append(l.callbacks, reconnectCallback{id: h.id, fn: fn})
	l.callbackMu.Unlock()
	return h
}

// RemoveReconnectCallback deregisters a callback. Unknown handles are ignored.
func (l *Link) RemoveReconnectCallback(h *ReconnectHandle) {
	if h == nil {
		return
	}
	l.callbackMu.Lock()
	defer l.callbackMu.Unlock()

	for i, cb := range l.callbacks {
		if cb.id == h.id {
			l.callbacks = append(l.callbacks[:i:i], l.callbacks[i+1:]...)
			return
		}
	}
}

// notifyReconnected invokes every registered callback. Each invocation is
// isolated so one misbehaving callback cannot break the rest or the link.
func (l *Link) notifyReconnected() {
	l.callbackMu.Lock()
	snapshot := append([]reconnectCallback(nil), l.callbacks...)
	l.callbackMu.Unlock()

	for _, cb := range snapshot {
		l.invokeCallback(cb)
	}
}

func (l *Link) invokeCallback(cb reconnectCallback) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Warn("reconnect callback panicked", "gateway_id", l.ID, "panic", r)
		}
	}()
	cb.fn()
}
