// Package hmr implements the client side of hot module replacement: per-module
// accept/dispose/prune registrations, custom event listeners, and the coordinator
// that turns server update records into ordered callback invocations.
package hmr

import (
	"slices"
	"sort"
	"sync"
)

// Namespace is the evaluated exports of a module instance. nil means absent.
type Namespace map[string]any

// Data is the per-path state handed from one module instance to the next.
type Data map[string]any

// AcceptFunc receives one namespace per accepted dependency, positionally.
type AcceptFunc func(mods []Namespace)

// HotCallback is one accept registration.
type HotCallback struct {
	Deps []string
	Fn   AcceptFunc
}

func (cb HotCallback) accepts(path string) bool {
	return slices.Contains(cb.Deps, path)
}

// HotModule holds the accept registrations of the current instance of a module path.
type HotModule struct {
	ID        string
	Callbacks []HotCallback
}

// Session owns every registry of a running client. All contexts and the
// coordinator of one client share one Session; separate Sessions are isolated.
type Session struct {
	mu        sync.Mutex
	modules   map[string]*HotModule
	disposers map[string]DisposeFunc
	pruners   map[string]PruneFunc
	data      map[string]Data
	listeners listenerMap            // every live listener
	owned     map[string]listenerMap // owner path -> listeners registered by its current context
}

// NewSession creates an empty session.
func NewSession() *Session {
	return &Session{
		modules:   make(map[string]*HotModule),
		disposers: make(map[string]DisposeFunc),
		pruners:   make(map[string]PruneFunc),
		data:      make(map[string]Data),
		listeners: make(listenerMap),
		owned:     make(map[string]listenerMap),
	}
}

// Module returns a snapshot of the hot module registered for path.
func (s *Session) Module(path string) (HotModule, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mod, ok := s.modules[path]
	if !ok {
		return HotModule{}, false
	}
	return HotModule{ID: mod.ID, Callbacks: slices.Clone(mod.Callbacks)}, true
}

// Paths returns the sorted paths that have a hot module record.
func (s *Session) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	paths := make([]string, 0, len(s.modules))
	for p := range s.modules {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Data returns the persisted data for path, or nil if no context was ever created for it.
func (s *Session) Data(path string) Data {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[path]
}

// HasListeners reports whether any listener is registered for event.
func (s *Session) HasListeners(event string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.listeners[event]
	return ok
}

// reset prepares the registries for a new instance of owner and returns its fresh listener map.
// Stale accept callbacks and listeners of the previous instance are dropped here,
// before the new evaluation can register anything.
func (s *Session) reset(owner string) listenerMap {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[owner]; !ok {
		s.data[owner] = Data{}
	}
	if mod, ok := s.modules[owner]; ok {
		mod.Callbacks = nil
	}
	if stale, ok := s.owned[owner]; ok {
		s.listeners.removeAll(stale)
	}
	fresh := make(listenerMap)
	s.owned[owner] = fresh
	return fresh
}

func (s *Session) addCallback(owner string, cb HotCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mod, ok := s.modules[owner]
	if !ok {
		mod = &HotModule{ID: owner}
		s.modules[owner] = mod
	}
	mod.Callbacks = append(mod.Callbacks, cb)
}

func (s *Session) setDisposer(path string, fn DisposeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disposers[path] = fn
}

func (s *Session) disposer(path string) DisposeFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposers[path]
}

func (s *Session) setPruner(path string, fn PruneFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruners[path] = fn
}

func (s *Session) pruner(path string) PruneFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pruners[path]
}

func (s *Session) addListener(owned listenerMap, event string, l *Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners.add(event, l)
	owned.add(event, l)
}

func (s *Session) removeListener(owned listenerMap, event string, l *Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners.remove(event, l)
	owned.remove(event, l)
}

func (s *Session) listenersFor(event string) []*Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.listeners[event])
}

// clear drops everything except persisted data.
func (s *Session) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.modules)
	clear(s.disposers)
	clear(s.pruners)
	clear(s.listeners)
	clear(s.owned)
}
