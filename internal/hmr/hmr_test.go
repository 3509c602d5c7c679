package hmr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zot/hmr/internal/protocol"
)

// recordLogger captures log lines
type recordLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordLogger) Log(level int, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf("%d %s", level, fmt.Sprintf(format, args...)))
}

func (l *recordLogger) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

func (l *recordLogger) contains(s string) bool {
	for _, line := range l.all() {
		if strings.Contains(line, s) {
			return true
		}
	}
	return false
}

// bufferMessenger collects flushed messages
type bufferMessenger struct {
	mu      sync.Mutex
	pending [][]byte
	sent    [][]byte
}

func (m *bufferMessenger) AddBuffer(msg []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, msg)
}

func (m *bufferMessenger) Send() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, m.pending...)
	m.pending = nil
}

func (m *bufferMessenger) payloads(t *testing.T) []*protocol.Payload {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*protocol.Payload
	for _, raw := range m.sent {
		p, err := protocol.ParsePayload(raw)
		require.NoError(t, err)
		result = append(result, p)
	}
	return result
}

// stubImporter returns canned namespaces and records the order of events
type stubImporter struct {
	mu      sync.Mutex
	modules map[string]Namespace
	fail    map[string]error
	events  *[]string
	calls   int
}

func (s *stubImporter) ImportUpdatedModule(ctx context.Context, u protocol.Update) (Namespace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.events != nil {
		*s.events = append(*s.events, "import "+u.AcceptedPath)
	}
	if err := s.fail[u.AcceptedPath]; err != nil {
		return nil, err
	}
	return s.modules[u.AcceptedPath], nil
}

func newTestClient(importer Importer) (*Client, *recordLogger, *bufferMessenger) {
	logger := &recordLogger{}
	messenger := &bufferMessenger{}
	return NewClient(NewSession(), logger, messenger, importer), logger, messenger
}

func selfUpdate(path string) protocol.Update {
	return protocol.Update{Type: protocol.UpdateLua, Path: path, AcceptedPath: path, Timestamp: 1}
}

// TestNewContextDiscardsPreviousInstance verifies a second context for a path
// leaves the first one's callbacks and listeners unreachable
func TestNewContextDiscardsPreviousInstance(t *testing.T) {
	c, _, _ := newTestClient(&stubImporter{})
	ctx := context.Background()

	var oldFired, newFired atomic.Int32
	first := c.NewContext("/p.lua")
	first.Accept(SelfAccept{})
	first.On("tick", func(context.Context, any) error { oldFired.Add(1); return nil })

	mod, ok := c.Session().Module("/p.lua")
	require.True(t, ok)
	require.Len(t, mod.Callbacks, 1)

	second := c.NewContext("/p.lua")
	mod, ok = c.Session().Module("/p.lua")
	require.True(t, ok)
	assert.Empty(t, mod.Callbacks)
	assert.False(t, c.Session().HasListeners("tick"))

	second.On("tick", func(context.Context, any) error { newFired.Add(1); return nil })
	c.NotifyListeners(ctx, "tick", nil)
	assert.Equal(t, int32(0), oldFired.Load())
	assert.Equal(t, int32(1), newFired.Load())
}

// TestNewContextKeepsOtherOwnersListeners verifies cleanup only touches the owner's listeners
func TestNewContextKeepsOtherOwnersListeners(t *testing.T) {
	c, _, _ := newTestClient(&stubImporter{})

	var other atomic.Int32
	c.NewContext("/a.lua").On("tick", func(context.Context, any) error { return nil })
	c.NewContext("/b.lua").On("tick", func(context.Context, any) error { other.Add(1); return nil })

	c.NewContext("/a.lua")
	c.NotifyListeners(context.Background(), "tick", nil)
	assert.Equal(t, int32(1), other.Load())
}

// TestDataPersistsAcrossInstances verifies data survives re-evaluation and Clear
func TestDataPersistsAcrossInstances(t *testing.T) {
	c, _, _ := newTestClient(&stubImporter{})

	first := c.NewContext("/a.lua")
	require.NotNil(t, first.Data())
	first.Data()["count"] = 3

	second := c.NewContext("/a.lua")
	assert.Equal(t, 3, second.Data()["count"])

	c.Clear()
	third := c.NewContext("/a.lua")
	assert.Equal(t, 3, third.Data()["count"])
	assert.Empty(t, c.Session().Paths())
}

// TestSelfAcceptReceivesFetchedModule verifies a bare accept gets the new namespace
func TestSelfAcceptReceivesFetchedModule(t *testing.T) {
	ns := Namespace{"x": 1}
	c, _, _ := newTestClient(&stubImporter{modules: map[string]Namespace{"/p.lua": ns}})

	var calls [][]Namespace
	c.NewContext("/p.lua").AcceptDeps([]string{"/p.lua"}, func(mods []Namespace) {
		calls = append(calls, mods)
	})

	p, err := c.FetchUpdate(context.Background(), selfUpdate("/p.lua"))
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Empty(t, calls, "callbacks must wait for Invoke")

	p.Invoke()
	require.Len(t, calls, 1)
	assert.Equal(t, []Namespace{ns}, calls[0])
}

// TestSelfAcceptFetchFailureYieldsAbsent verifies a failed fetch still invokes with nil
func TestSelfAcceptFetchFailureYieldsAbsent(t *testing.T) {
	imp := &stubImporter{fail: map[string]error{"/p.lua": errors.New("syntax error near 'end'")}}
	c, logger, _ := newTestClient(imp)

	var got []Namespace
	called := 0
	c.NewContext("/p.lua").Accept(SelfAccept{Fn: func(mod Namespace) {
		called++
		got = append(got, mod)
	}})

	p, err := c.FetchUpdate(context.Background(), selfUpdate("/p.lua"))
	require.NoError(t, err)
	p.Invoke()

	assert.Equal(t, 1, called)
	assert.Nil(t, got[0])
	assert.True(t, logger.contains("syntax error near 'end'"))
	assert.True(t, logger.contains("Failed to reload /p.lua"))
}

// TestFetchErrorLoggedTersely verifies network failures skip the raw error line
func TestFetchErrorLoggedTersely(t *testing.T) {
	imp := &stubImporter{fail: map[string]error{"/p.lua": &FetchError{Path: "/p.lua", Err: errors.New("connection refused")}}}
	c, logger, _ := newTestClient(imp)
	c.NewContext("/p.lua").Accept(SelfAccept{})

	_, err := c.FetchUpdate(context.Background(), selfUpdate("/p.lua"))
	require.NoError(t, err)
	assert.False(t, logger.contains("connection refused"))
	assert.True(t, logger.contains("Failed to reload /p.lua"))
}

// TestMultiDepPositionalNamespaces verifies non-matching deps receive nil
func TestMultiDepPositionalNamespaces(t *testing.T) {
	nsB := Namespace{"b": true}
	c, _, _ := newTestClient(&stubImporter{modules: map[string]Namespace{"/b.lua": nsB}})

	var got []Namespace
	c.NewContext("/p.lua").AcceptDeps([]string{"/a.lua", "/b.lua"}, func(mods []Namespace) { got = mods })

	p, err := c.FetchUpdate(context.Background(), protocol.Update{Path: "/p.lua", AcceptedPath: "/b.lua"})
	require.NoError(t, err)
	p.Invoke()
	assert.Equal(t, []Namespace{nil, nsB}, got)
}

// TestFetchUpdateWithoutModuleIsSkipped verifies unknown paths do nothing
func TestFetchUpdateWithoutModuleIsSkipped(t *testing.T) {
	imp := &stubImporter{}
	c, logger, _ := newTestClient(imp)

	p, err := c.FetchUpdate(context.Background(), selfUpdate("/never-loaded.lua"))
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.Equal(t, 0, imp.calls)
	assert.Empty(t, logger.all())
}

// TestUnqualifiedUpdateDoesNotFetch verifies a boundary that does not accept the path skips fetching
func TestUnqualifiedUpdateDoesNotFetch(t *testing.T) {
	imp := &stubImporter{}
	c, _, _ := newTestClient(imp)
	c.NewContext("/p.lua").Accept(SingleDep{Dep: "/other.lua"})
	disposed := false
	c.NewContext("/c.lua").Dispose(func(context.Context, Data) error { disposed = true; return nil })

	p, err := c.FetchUpdate(context.Background(), protocol.Update{Path: "/p.lua", AcceptedPath: "/c.lua"})
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Nil(t, p.Module)
	assert.Equal(t, 0, imp.calls)
	assert.False(t, disposed)
}

// TestOffKeepsMapsSparse verifies removing a listener keeps the others in order
// and removing the last one deletes the event key
func TestOffKeepsMapsSparse(t *testing.T) {
	c, _, _ := newTestClient(&stubImporter{})
	hot := c.NewContext("/p.lua")

	var order []string
	var mu sync.Mutex
	record := func(name string) ListenerFunc {
		return func(context.Context, any) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		}
	}
	l1 := hot.On("evt", record("one"))
	l2 := hot.On("evt", record("two"))
	l3 := hot.On("evt", record("three"))

	hot.Off("evt", l2)
	listeners := c.Session().listenersFor("evt")
	assert.Equal(t, []*Listener{l1, l3}, listeners)
	assert.Equal(t, []*Listener{l1, l3}, hot.owned["evt"])

	c.NotifyListeners(context.Background(), "evt", nil)
	assert.ElementsMatch(t, []string{"one", "three"}, order)

	hot.Off("missing", l1)
	hot.Off("evt", l1)
	hot.Off("evt", l3)
	assert.False(t, c.Session().HasListeners("evt"))
	assert.NotContains(t, hot.owned, "evt")
}

// TestNotifyListenersIsolatesFailures verifies a failing listener does not block the others
func TestNotifyListenersIsolatesFailures(t *testing.T) {
	c, logger, _ := newTestClient(&stubImporter{})
	hot := c.NewContext("/p.lua")

	var ok atomic.Bool
	hot.On("evt", func(context.Context, any) error { return errors.New("rejected") })
	hot.On("evt", func(context.Context, any) error { panic("exploded") })
	hot.On("evt", func(_ context.Context, data any) error {
		ok.Store(data == "payload")
		return nil
	})

	c.NotifyListeners(context.Background(), "evt", "payload")
	assert.True(t, ok.Load())
	assert.True(t, logger.contains("rejected"))
	assert.True(t, logger.contains("exploded"))
}

// TestSelfUpdateEndToEnd verifies the full self-accept flow and its log line
func TestSelfUpdateEndToEnd(t *testing.T) {
	ns := Namespace{"x": 1}
	c, logger, _ := newTestClient(&stubImporter{modules: map[string]Namespace{"/a.lua": ns}})

	var got Namespace
	c.NewContext("/a.lua").Accept(SelfAccept{Fn: func(mod Namespace) { got = mod }})

	p, err := c.FetchUpdate(context.Background(), selfUpdate("/a.lua"))
	require.NoError(t, err)
	p.Invoke()

	assert.Equal(t, ns, got)
	assert.True(t, logger.contains("hot updated: /a.lua"))
}

// TestDepUpdateEndToEnd verifies dispose runs before import and the via log line
func TestDepUpdateEndToEnd(t *testing.T) {
	var events []string
	ns := Namespace{"c": 2}
	imp := &stubImporter{modules: map[string]Namespace{"/c.lua": ns}, events: &events}
	c, logger, _ := newTestClient(imp)

	var got []Namespace
	c.NewContext("/b.lua").Accept(MultiDep{Deps: []string{"/c.lua"}, Fn: func(mods []Namespace) {
		events = append(events, "accept")
		got = mods
	}})
	cHot := c.NewContext("/c.lua")
	cHot.Data()["state"] = "kept"
	cHot.Dispose(func(_ context.Context, data Data) error {
		events = append(events, "dispose "+data["state"].(string))
		return nil
	})

	p, err := c.FetchUpdate(context.Background(), protocol.Update{Path: "/b.lua", AcceptedPath: "/c.lua"})
	require.NoError(t, err)
	p.Invoke()

	assert.Equal(t, []string{"dispose kept", "import /c.lua", "accept"}, events)
	assert.Equal(t, []Namespace{ns}, got)
	assert.True(t, logger.contains("hot updated: /c.lua via /b.lua"))
}

// TestQueueUpdatesFetchesAllBeforeInvoking verifies the two-phase batch
func TestQueueUpdatesFetchesAllBeforeInvoking(t *testing.T) {
	var mu sync.Mutex
	var events []string
	imp := ImporterFunc(func(_ context.Context, u protocol.Update) (Namespace, error) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, "import "+u.AcceptedPath)
		return Namespace{"path": u.AcceptedPath}, nil
	})
	c, _, _ := newTestClient(imp)
	for _, path := range []string{"/a.lua", "/b.lua"} {
		c.NewContext(path).Accept(SelfAccept{Fn: func(Namespace) {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, "accept "+path)
		}})
	}

	err := c.QueueUpdates(context.Background(), []protocol.Update{selfUpdate("/a.lua"), selfUpdate("/b.lua"), selfUpdate("/unknown.lua")})
	require.NoError(t, err)

	require.Len(t, events, 4)
	assert.ElementsMatch(t, []string{"import /a.lua", "import /b.lua"}, events[:2])
	assert.Equal(t, []string{"accept /a.lua", "accept /b.lua"}, events[2:])
}

// TestQueueUpdatesDisposeFailureAbortsBatch verifies a failed dispose stops the
// batch before anything is imported, so no module is left half replaced
func TestQueueUpdatesDisposeFailureAbortsBatch(t *testing.T) {
	imp := &stubImporter{}
	c, logger, _ := newTestClient(imp)
	accepted := false
	c.NewContext("/a.lua").Accept(SelfAccept{Fn: func(Namespace) { accepted = true }})
	bad := c.NewContext("/b.lua")
	bad.Accept(SelfAccept{})
	bad.Dispose(func(context.Context, Data) error { return errors.New("cleanup failed") })

	err := c.QueueUpdates(context.Background(), []protocol.Update{selfUpdate("/a.lua"), selfUpdate("/b.lua")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dispose /b.lua")
	assert.False(t, accepted)
	assert.True(t, logger.contains("update batch aborted"))
	assert.Zero(t, imp.calls)

	mod, ok := c.Session().Module("/a.lua")
	require.True(t, ok)
	assert.Len(t, mod.Callbacks, 1)
}

// TestQueueUpdatesSharedDependency verifies two boundaries accepting the same
// module get one instance from one dispose and one import
func TestQueueUpdatesSharedDependency(t *testing.T) {
	var events []string
	ns := Namespace{"c": 3}
	imp := &stubImporter{modules: map[string]Namespace{"/c.lua": ns}, events: &events}
	c, _, _ := newTestClient(imp)

	got := map[string]Namespace{}
	for _, boundary := range []string{"/a.lua", "/b.lua"} {
		c.NewContext(boundary).Accept(SingleDep{Dep: "/c.lua", Fn: func(mod Namespace) {
			events = append(events, "accept "+boundary)
			got[boundary] = mod
		}})
	}
	c.NewContext("/c.lua").Dispose(func(context.Context, Data) error {
		events = append(events, "dispose /c.lua")
		return nil
	})

	err := c.QueueUpdates(context.Background(), []protocol.Update{
		{Path: "/a.lua", AcceptedPath: "/c.lua", Timestamp: 4},
		{Path: "/b.lua", AcceptedPath: "/c.lua", Timestamp: 4},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"dispose /c.lua", "import /c.lua", "accept /a.lua", "accept /b.lua"}, events)
	assert.Equal(t, 1, imp.calls)
	assert.Equal(t, map[string]Namespace{"/a.lua": ns, "/b.lua": ns}, got)
}

// TestPrunePathsRunsPruneOnly verifies prune callbacks get data and disposers are not run
func TestPrunePathsRunsPruneOnly(t *testing.T) {
	c, _, _ := newTestClient(&stubImporter{})
	hot := c.NewContext("/gone.lua")
	hot.Data()["id"] = 7

	var pruned Data
	disposed := false
	hot.Dispose(func(context.Context, Data) error { disposed = true; return nil })
	hot.Prune(func(_ context.Context, data Data) error { pruned = data; return nil })

	c.PrunePaths(context.Background(), []string{"/gone.lua", "/no-pruner.lua"})
	assert.Equal(t, 7, pruned["id"])
	assert.False(t, disposed)
}

// TestDisposeLastRegistrationWins verifies dispose slots are overwritten
func TestDisposeLastRegistrationWins(t *testing.T) {
	c, _, _ := newTestClient(&stubImporter{})
	hot := c.NewContext("/a.lua")
	hot.Accept(SelfAccept{})

	var which string
	hot.Dispose(func(context.Context, Data) error { which = "first"; return nil })
	hot.Dispose(func(context.Context, Data) error { which = "second"; return nil })

	_, err := c.FetchUpdate(context.Background(), selfUpdate("/a.lua"))
	require.NoError(t, err)
	assert.Equal(t, "second", which)
}

// TestInvalidateNotifiesAndSends verifies the invalidate event reaches listeners and the server
func TestInvalidateNotifiesAndSends(t *testing.T) {
	c, logger, messenger := newTestClient(&stubImporter{})
	hot := c.NewContext("/a.lua")

	var seen protocol.InvalidateData
	hot.On(protocol.EventInvalidate, func(_ context.Context, data any) error {
		seen = data.(protocol.InvalidateData)
		return nil
	})

	hot.Invalidate(context.Background(), "shape changed")

	assert.Equal(t, protocol.InvalidateData{Path: "/a.lua", Message: "shape changed"}, seen)
	payloads := messenger.payloads(t)
	require.Len(t, payloads, 1)
	assert.Equal(t, protocol.TypeCustom, payloads[0].Type)
	assert.Equal(t, protocol.EventInvalidate, payloads[0].Event)
	var sent protocol.InvalidateData
	require.NoError(t, payloads[0].DecodeData(&sent))
	assert.Equal(t, seen, sent)
	assert.True(t, logger.contains("invalidate /a.lua: shape changed"))
}

// TestSendWrapsCustomEnvelope verifies Send produces {type: custom, event, data}
func TestSendWrapsCustomEnvelope(t *testing.T) {
	c, _, messenger := newTestClient(&stubImporter{})
	require.NoError(t, c.NewContext("/a.lua").Send("my:event", map[string]int{"n": 1}))

	payloads := messenger.payloads(t)
	require.Len(t, payloads, 1)
	assert.Equal(t, "my:event", payloads[0].Event)
	assert.JSONEq(t, `{"n":1}`, string(payloads[0].Data))
}

// TestHandlePayloadDispatch verifies custom, update and full-reload payloads
func TestHandlePayloadDispatch(t *testing.T) {
	ns := Namespace{"v": 2}
	c, _, _ := newTestClient(&stubImporter{modules: map[string]Namespace{"/a.lua": ns}})
	ctx := context.Background()
	hot := c.NewContext("/a.lua")

	var got Namespace
	hot.Accept(SelfAccept{Fn: func(mod Namespace) { got = mod }})

	var mu sync.Mutex
	var events []string
	for _, event := range []string{protocol.EventBeforeUpdate, protocol.EventAfterUpdate, "app:hello"} {
		hot.On(event, func(_ context.Context, data any) error {
			mu.Lock()
			defer mu.Unlock()
			if raw, ok := data.(json.RawMessage); ok {
				events = append(events, event+" "+string(raw))
			} else {
				events = append(events, event)
			}
			return nil
		})
	}

	require.NoError(t, c.HandlePayload(ctx, protocol.NewUpdate([]protocol.Update{selfUpdate("/a.lua")})))
	assert.Equal(t, ns, got)

	custom, err := protocol.NewCustom("app:hello", "world")
	require.NoError(t, err)
	require.NoError(t, c.HandlePayload(ctx, custom))

	assert.Equal(t, []string{protocol.EventBeforeUpdate, protocol.EventAfterUpdate, `app:hello "world"`}, events)

	var reloaded string
	c.SetReloadHandler(func(_ context.Context, path string) error { reloaded = path; return nil })
	require.NoError(t, c.HandlePayload(ctx, protocol.NewFullReload("/main.lua")))
	assert.Equal(t, "/main.lua", reloaded)

	assert.Error(t, c.HandlePayload(ctx, &protocol.Payload{Type: "bogus"}))
}

// TestHandlePayloadPrune verifies prune payloads reach prune callbacks
func TestHandlePayloadPrune(t *testing.T) {
	c, _, _ := newTestClient(&stubImporter{})
	pruned := false
	c.NewContext("/x.lua").Prune(func(context.Context, Data) error { pruned = true; return nil })

	require.NoError(t, c.HandlePayload(context.Background(), protocol.NewPrune([]string{"/x.lua"})))
	assert.True(t, pruned)
}

// TestParseAccept verifies every supported call shape and the invalid ones
func TestParseAccept(t *testing.T) {
	self := func(Namespace) {}
	multi := func([]Namespace) {}

	tests := []struct {
		name    string
		deps    any
		cb      any
		want    []string
		wantErr bool
	}{
		{"none", nil, nil, []string{"/owner.lua"}, false},
		{"callback only", self, nil, []string{"/owner.lua"}, false},
		{"single dep", "/dep.lua", self, []string{"/dep.lua"}, false},
		{"single dep no callback", "/dep.lua", nil, []string{"/dep.lua"}, false},
		{"multi dep", []string{"/a.lua", "/b.lua"}, multi, []string{"/a.lua", "/b.lua"}, false},
		{"multi dep AcceptFunc", []string{"/a.lua"}, AcceptFunc(multi), []string{"/a.lua"}, false},
		{"number", 42, nil, nil, true},
		{"callback without deps", nil, self, nil, true},
		{"wrong callback for single", "/dep.lua", multi, nil, true},
		{"wrong callback for multi", []string{"/a.lua"}, self, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			intent, err := ParseAccept(tt.deps, tt.cb)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidAccept)
				return
			}
			require.NoError(t, err)
			deps, fn := intent.reduce("/owner.lua")
			assert.Equal(t, tt.want, deps)
			assert.NotPanics(t, func() {
				if fn != nil {
					fn(make([]Namespace, len(deps)))
				}
			})
		})
	}
}
