// Package lua hosts HMR modules in a gopher-lua VM. It is the module importer
// of the hmr client and exposes each module's update context as the hot global.
package lua

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/zot/hmr/internal/hmr"
	"github.com/zot/hmr/internal/protocol"
)

// DefaultExport is the namespace key holding the value a module returns.
const DefaultExport = "default"

// callToken marks one running Lua call. Calls started on behalf of it,
// from any goroutine, take its mutex so they run one at a time while it waits.
type callToken struct {
	mu sync.Mutex
}

type tokenKey struct{}

// Host evaluates modules in a single Lua state.
type Host struct {
	L      *lua.LState
	client *hmr.Client
	source Source
	logger hmr.Logger

	mu  sync.Mutex      // held by the outermost Lua call
	ctx context.Context // context of the running call, for Go functions called from Lua

	modules map[string]hmr.Namespace
	loading map[string]bool
}

// NewHost creates a host that evaluates modules from source and registers
// itself as the importer of client.
func NewHost(client *hmr.Client, source Source, logger hmr.Logger) *Host {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	h := &Host{
		L:       L,
		client:  client,
		source:  source,
		logger:  logger,
		ctx:     context.Background(),
		modules: make(map[string]hmr.Namespace),
		loading: make(map[string]bool),
	}
	L.SetGlobal("import", L.NewFunction(h.luaImport))
	client.SetImporter(h)
	return h
}

// Close releases the Lua state.
func (h *Host) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.L.Close()
}

// run executes fn with exclusive use of the Lua state. A call made on behalf
// of a running Lua call (its token is in ctx) is nested under that call.
func (h *Host) run(ctx context.Context, fn func() error) error {
	if parent, ok := ctx.Value(tokenKey{}).(*callToken); ok {
		parent.mu.Lock()
		defer parent.mu.Unlock()
	} else {
		h.mu.Lock()
		defer h.mu.Unlock()
	}
	prev := h.ctx
	h.ctx = context.WithValue(ctx, tokenKey{}, &callToken{})
	defer func() { h.ctx = prev }()
	return fn()
}

// call invokes a Lua function, discarding its results.
func (h *Host) call(ctx context.Context, fn *lua.LFunction, args ...lua.LValue) error {
	return h.run(ctx, func() error {
		return h.L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, args...)
	})
}

// Import returns the namespace of path, evaluating it on first use.
func (h *Host) Import(ctx context.Context, path string) (hmr.Namespace, error) {
	var ns hmr.Namespace
	var cached bool
	h.run(ctx, func() error {
		ns, cached = h.modules[path]
		return nil
	})
	if cached {
		return ns, nil
	}
	return h.evaluate(ctx, path, 0)
}

// ImportUpdatedModule evaluates a fresh instance of the accepted module of update.
func (h *Host) ImportUpdatedModule(ctx context.Context, update protocol.Update) (hmr.Namespace, error) {
	return h.evaluate(ctx, update.AcceptedPath, update.Timestamp)
}

// Reset forgets every evaluated module so the next Import evaluates again.
func (h *Host) Reset(ctx context.Context) {
	h.run(ctx, func() error {
		clear(h.modules)
		clear(h.loading)
		return nil
	})
}

// Loaded returns the sorted paths of evaluated modules.
func (h *Host) Loaded(ctx context.Context) []string {
	var paths []string
	h.run(ctx, func() error {
		for p := range h.modules {
			paths = append(paths, p)
		}
		return nil
	})
	sort.Strings(paths)
	return paths
}

// CallExport calls the function a module exports under name and returns its results as Go values.
func (h *Host) CallExport(ctx context.Context, path, name string, args ...any) ([]any, error) {
	var results []any
	err := h.run(ctx, func() error {
		ns, ok := h.modules[path]
		if !ok {
			return fmt.Errorf("module %s is not loaded", path)
		}
		fn, ok := ns[name].(*lua.LFunction)
		if !ok {
			return fmt.Errorf("module %s has no function %s", path, name)
		}
		top := h.L.GetTop()
		largs := make([]lua.LValue, len(args))
		for i, a := range args {
			largs[i] = GoToLua(h.L, a)
		}
		if err := h.L.CallByParam(lua.P{Fn: fn, NRet: lua.MultRet, Protect: true}, largs...); err != nil {
			return err
		}
		for i := top + 1; i <= h.L.GetTop(); i++ {
			results = append(results, LuaToGo(h.L.Get(i)))
		}
		h.L.SetTop(top)
		return nil
	})
	return results, err
}

func (h *Host) evaluate(ctx context.Context, path string, timestamp int64) (hmr.Namespace, error) {
	code, err := h.source.Fetch(ctx, path, timestamp)
	if err != nil {
		return nil, err
	}

	var ns hmr.Namespace
	err = h.run(ctx, func() error {
		L := h.L
		chunk, err := L.Load(strings.NewReader(code), path)
		if err != nil {
			return err
		}

		h.loading[path] = true
		defer delete(h.loading, path)

		env := L.NewTable()
		meta := L.NewTable()
		L.SetField(meta, "__index", L.G.Global)
		L.SetMetatable(env, meta)
		L.SetField(env, "hot", h.newHotTable(h.client.NewContext(path)))
		L.SetFEnv(chunk, env)

		top := L.GetTop()
		if err := L.CallByParam(lua.P{Fn: chunk, NRet: 1, Protect: true}); err != nil {
			L.SetTop(top)
			return err
		}
		ret := L.Get(-1)
		L.SetTop(top)

		ns = namespaceOf(ret)
		h.modules[path] = ns
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("evaluate %s: %w", path, err)
	}
	h.logger.Log(hmr.LogDebug, "[lua] evaluated %s", path)
	return ns, nil
}

// luaImport implements import(path) for Lua code.
func (h *Host) luaImport(L *lua.LState) int {
	path := L.CheckString(1)
	if ns, ok := h.modules[path]; ok {
		L.Push(defaultExport(ns))
		return 1
	}
	if h.loading[path] {
		// circular import: the module is still evaluating
		L.Push(lua.LNil)
		return 1
	}
	ns, err := h.evaluate(h.ctx, path, 0)
	if err != nil {
		L.RaiseError("import %s: %v", path, err)
		return 0
	}
	L.Push(defaultExport(ns))
	return 1
}

// namespaceOf builds a namespace from a module's return value: the value is
// the default export and the string keys of a returned table are named exports.
func namespaceOf(ret lua.LValue) hmr.Namespace {
	ns := hmr.Namespace{}
	if ret == lua.LNil {
		return ns
	}
	ns[DefaultExport] = ret
	if tbl, ok := ret.(*lua.LTable); ok {
		tbl.ForEach(func(k, v lua.LValue) {
			if key, ok := k.(lua.LString); ok && string(key) != DefaultExport {
				ns[string(key)] = v
			}
		})
	}
	return ns
}

func defaultExport(ns hmr.Namespace) lua.LValue {
	if ns == nil {
		return lua.LNil
	}
	if v, ok := ns[DefaultExport].(lua.LValue); ok {
		return v
	}
	return lua.LNil
}
