package lua

import (
	"encoding/json"
	"fmt"
	"sort"

	lua "github.com/yuin/gopher-lua"
)

// LuaToGo converts a Lua value to plain Go data: tables with only positive
// integer keys become slices, other tables become maps with string keys.
// Functions and userdata have no Go form and convert to nil.
func LuaToGo(val lua.LValue) interface{} {
	switch v := val.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		return float64(v)
	case lua.LString:
		return string(v)
	case *lua.LTable:
		// Count numeric and string keys to determine if array or map
		hasNumericKeys := false
		hasStringKeys := false
		maxN := 0
		v.ForEach(func(key, _ lua.LValue) {
			if n, ok := key.(lua.LNumber); ok {
				hasNumericKeys = true
				if int(n) > maxN {
					maxN = int(n)
				}
			} else if _, ok := key.(lua.LString); ok {
				hasStringKeys = true
			}
		})

		if hasNumericKeys && !hasStringKeys && maxN > 0 {
			arr := make([]interface{}, maxN)
			for i := 1; i <= maxN; i++ {
				arr[i-1] = LuaToGo(v.RawGetInt(i))
			}
			return arr
		}

		m := make(map[string]interface{})
		v.ForEach(func(key, value lua.LValue) {
			if ks, ok := key.(lua.LString); ok {
				m[string(ks)] = LuaToGo(value)
			}
		})
		return m
	default:
		return nil
	}
}

// GoToLua converts Go data to a Lua value. Lua values pass through unchanged;
// values without a direct Lua form round-trip through JSON.
func GoToLua(L *lua.LState, val any) lua.LValue {
	switch v := val.(type) {
	case nil:
		return lua.LNil
	case lua.LValue:
		return v
	case bool:
		return lua.LBool(v)
	case int:
		return lua.LNumber(float64(v))
	case int64:
		return lua.LNumber(float64(v))
	case float64:
		return lua.LNumber(v)
	case string:
		return lua.LString(v)
	case json.RawMessage:
		if len(v) == 0 {
			return lua.LNil
		}
		var decoded any
		if err := json.Unmarshal(v, &decoded); err != nil {
			return lua.LString(string(v))
		}
		return GoToLua(L, decoded)
	case []any:
		tbl := L.NewTable()
		for i, item := range v {
			L.RawSetInt(tbl, i+1, GoToLua(L, item))
		}
		return tbl
	case []string:
		tbl := L.NewTable()
		for i, item := range v {
			L.RawSetInt(tbl, i+1, lua.LString(item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			L.SetField(tbl, k, GoToLua(L, v[k]))
		}
		return tbl
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return lua.LString(fmt.Sprintf("%v", v))
		}
		return GoToLua(L, json.RawMessage(data))
	}
}

// stringList reads a Lua array of strings.
func stringList(tbl *lua.LTable) ([]string, bool) {
	var result []string
	ok := true
	n := tbl.Len()
	for i := 1; i <= n; i++ {
		s, isString := tbl.RawGetInt(i).(lua.LString)
		if !isString {
			ok = false
			break
		}
		result = append(result, string(s))
	}
	return result, ok
}
