package lua

import (
	"context"

	lua "github.com/yuin/gopher-lua"

	"github.com/zot/hmr/internal/hmr"
)

// dataKey holds the Lua table behind hot.data inside the persisted hmr.Data.
const dataKey = "lua"

// listenerKey identifies a Lua listener so hot.off can find its handle.
type listenerKey struct {
	event string
	fn    *lua.LFunction
}

// newHotTable exposes hot to Lua code evaluated for the context's module.
func (h *Host) newHotTable(hot *hmr.Context) *lua.LTable {
	L := h.L
	listeners := make(map[listenerKey][]*hmr.Listener)
	tbl := L.NewTable()

	L.SetField(tbl, "data", h.dataTable(hot.Data()))
	L.SetField(tbl, "path", lua.LString(hot.Path()))

	L.SetField(tbl, "accept", L.NewFunction(func(L *lua.LState) int {
		intent, err := h.parseAccept(L)
		if err != nil {
			L.RaiseError("%v", err)
			return 0
		}
		hot.Accept(intent)
		return 0
	}))

	L.SetField(tbl, "acceptExports", L.NewFunction(func(L *lua.LState) int {
		var names []string
		if t, ok := L.Get(1).(*lua.LTable); ok {
			names, _ = stringList(t)
		} else if s, ok := L.Get(1).(lua.LString); ok {
			names = []string{string(s)}
		}
		var fn func(hmr.Namespace)
		if cb, ok := L.Get(2).(*lua.LFunction); ok {
			fn = h.namespaceCallback(cb)
		}
		hot.AcceptExports(names, fn)
		return 0
	}))

	L.SetField(tbl, "dispose", L.NewFunction(func(L *lua.LState) int {
		cb := L.CheckFunction(1)
		hot.Dispose(func(ctx context.Context, data hmr.Data) error {
			return h.callWithData(ctx, cb, data)
		})
		return 0
	}))

	L.SetField(tbl, "prune", L.NewFunction(func(L *lua.LState) int {
		cb := L.CheckFunction(1)
		hot.Prune(func(ctx context.Context, data hmr.Data) error {
			return h.callWithData(ctx, cb, data)
		})
		return 0
	}))

	L.SetField(tbl, "decline", L.NewFunction(func(L *lua.LState) int {
		hot.Decline()
		return 0
	}))

	L.SetField(tbl, "invalidate", L.NewFunction(func(L *lua.LState) int {
		hot.Invalidate(h.ctx, L.OptString(1, ""))
		return 0
	}))

	L.SetField(tbl, "on", L.NewFunction(func(L *lua.LState) int {
		event := L.CheckString(1)
		cb := L.CheckFunction(2)
		l := hot.On(event, func(ctx context.Context, data any) error {
			return h.run(ctx, func() error {
				return h.L.CallByParam(lua.P{Fn: cb, NRet: 0, Protect: true}, GoToLua(h.L, data))
			})
		})
		key := listenerKey{event: event, fn: cb}
		listeners[key] = append(listeners[key], l)
		return 0
	}))

	L.SetField(tbl, "off", L.NewFunction(func(L *lua.LState) int {
		key := listenerKey{event: L.CheckString(1), fn: L.CheckFunction(2)}
		handles := listeners[key]
		if len(handles) == 0 {
			return 0
		}
		hot.Off(key.event, handles[0])
		if len(handles) == 1 {
			delete(listeners, key)
		} else {
			listeners[key] = handles[1:]
		}
		return 0
	}))

	L.SetField(tbl, "send", L.NewFunction(func(L *lua.LState) int {
		event := L.CheckString(1)
		if err := hot.Send(event, LuaToGo(L.Get(2))); err != nil {
			L.RaiseError("send %s: %v", event, err)
		}
		return 0
	}))

	return tbl
}

// parseAccept maps the Lua arguments of hot.accept onto an accept intent.
func (h *Host) parseAccept(L *lua.LState) (hmr.AcceptIntent, error) {
	var cb any
	switch raw := L.Get(2).(type) {
	case *lua.LNilType:
	case *lua.LFunction:
		cb = raw
	default:
		// not a callback: let ParseAccept reject the shape
		return hmr.ParseAccept(LuaToGo(L.Get(1)), raw)
	}

	switch arg := L.Get(1).(type) {
	case *lua.LNilType:
		return hmr.ParseAccept(nil, cb)
	case *lua.LFunction:
		return hmr.ParseAccept(h.namespaceCallback(arg), nil)
	case lua.LString:
		if fn, ok := cb.(*lua.LFunction); ok {
			return hmr.ParseAccept(string(arg), h.namespaceCallback(fn))
		}
		return hmr.ParseAccept(string(arg), nil)
	case *lua.LTable:
		deps, ok := stringList(arg)
		if !ok {
			return hmr.ParseAccept(LuaToGo(arg), nil)
		}
		if fn, ok := cb.(*lua.LFunction); ok {
			return hmr.ParseAccept(deps, h.namespacesCallback(fn))
		}
		return hmr.ParseAccept(deps, nil)
	default:
		return hmr.ParseAccept(LuaToGo(arg), cb)
	}
}

// namespaceCallback wraps a Lua function taking one module.
// Accept callbacks run outside any Lua call, from the update batch.
func (h *Host) namespaceCallback(fn *lua.LFunction) func(hmr.Namespace) {
	return func(ns hmr.Namespace) {
		if err := h.call(context.Background(), fn, defaultExport(ns)); err != nil {
			panic(err)
		}
	}
}

// namespacesCallback wraps a Lua function taking a list of modules.
func (h *Host) namespacesCallback(fn *lua.LFunction) hmr.AcceptFunc {
	return func(mods []hmr.Namespace) {
		err := h.run(context.Background(), func() error {
			list := h.L.NewTable()
			for i, ns := range mods {
				h.L.RawSetInt(list, i+1, defaultExport(ns))
			}
			return h.L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, list)
		})
		if err != nil {
			panic(err)
		}
	}
}

// callWithData calls fn with the hot.data table persisted in data.
func (h *Host) callWithData(ctx context.Context, fn *lua.LFunction, data hmr.Data) error {
	return h.run(ctx, func() error {
		return h.L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, h.dataTable(data))
	})
}

// dataTable returns the Lua table persisted in data, creating it on first use.
// Callers hold the Lua state.
func (h *Host) dataTable(data hmr.Data) *lua.LTable {
	if tbl, ok := data[dataKey].(*lua.LTable); ok {
		return tbl
	}
	tbl := h.L.NewTable()
	if data != nil {
		data[dataKey] = tbl
	}
	return tbl
}
