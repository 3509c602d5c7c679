package hmr

import (
	"context"
	"slices"
)

// ListenerFunc handles a custom event. data is whatever the emitter passed:
// json.RawMessage for events that arrived from the server.
type ListenerFunc func(ctx context.Context, data any) error

// Listener is a registered event handler. The pointer is its identity, so the
// value returned by On is what Off needs to remove it.
type Listener struct {
	fn ListenerFunc
}

// NewListener wraps fn in a listener handle.
func NewListener(fn ListenerFunc) *Listener {
	return &Listener{fn: fn}
}

// listenerMap maps an event name to its listeners in registration order.
// Events with no listeners have no key.
type listenerMap map[string][]*Listener

func (m listenerMap) add(event string, l *Listener) {
	m[event] = append(m[event], l)
}

func (m listenerMap) remove(event string, l *Listener) {
	existing, ok := m[event]
	if !ok {
		return
	}
	pruned := slices.DeleteFunc(slices.Clone(existing), func(x *Listener) bool { return x == l })
	if len(pruned) == 0 {
		delete(m, event)
		return
	}
	m[event] = pruned
}

// removeAll drops every listener of stale from m.
func (m listenerMap) removeAll(stale listenerMap) {
	for event, staleFns := range stale {
		existing, ok := m[event]
		if !ok {
			continue
		}
		pruned := slices.DeleteFunc(slices.Clone(existing), func(x *Listener) bool {
			return slices.Contains(staleFns, x)
		})
		if len(pruned) == 0 {
			delete(m, event)
			continue
		}
		m[event] = pruned
	}
}
