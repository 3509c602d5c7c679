package plugin

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func named(name string, enforce Order, hooks map[string]Hook) *Plugin {
	return &Plugin{Name: name, Enforce: enforce, Hooks: hooks}
}

func noopTransform(ctx context.Context, r Resolver, code, id string) (string, error) {
	return code, nil
}

func TestResolvePluginsOrder(t *testing.T) {
	pre, normal, post := SortUserPlugins([]*Plugin{
		named("user-post", OrderPost, nil),
		named("user-a", OrderNormal, nil),
		named("user-pre", OrderPre, nil),
		named("user-b", OrderNormal, nil),
	})

	dev := Names(ResolvePlugins(Options{}, pre, normal, post))
	want := []string{
		"hmr:alias", "user-pre", "hmr:resolve", "hmr:json", "user-a", "user-b",
		"hmr:define", "hmr:dynamic-import", "user-post", "hmr:import-analysis",
	}
	if diff := cmp.Diff(want, dev); diff != "" {
		t.Errorf("dev pipeline mismatch (-want +got):\n%s", diff)
	}

	prod := Names(ResolvePlugins(Options{Production: true}, pre, normal, post))
	if diff := cmp.Diff(want[:len(want)-1], prod); diff != "" {
		t.Errorf("production pipeline mismatch (-want +got):\n%s", diff)
	}
}

func TestSortPluginsByHookIsStable(t *testing.T) {
	hook := func(order Order) map[string]Hook {
		return map[string]Hook{HookTransform: {Order: order, Fn: TransformFunc(noopTransform)}}
	}
	plugins := []*Plugin{
		named("n1", "", hook(OrderNormal)),
		named("post1", "", hook(OrderPost)),
		named("none", "", nil),
		named("pre1", "", hook(OrderPre)),
		named("n2", "", hook(OrderNormal)),
		named("pre2", "", hook(OrderPre)),
		named("post2", "", hook(OrderPost)),
	}

	got := Names(SortPluginsByHook(HookTransform, plugins))
	want := []string{"pre1", "pre2", "n1", "n2", "post1", "post2"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("sort mismatch (-want +got):\n%s", diff)
	}
	assert.Empty(t, SortPluginsByHook(HookLoad, plugins))
}

func TestContainerCachesSortedHooks(t *testing.T) {
	a := named("a", "", map[string]Hook{HookTransform: {Fn: TransformFunc(noopTransform)}})
	b := named("b", "", map[string]Hook{HookTransform: {Fn: TransformFunc(noopTransform)}})
	c := NewContainer([]*Plugin{a, b})

	first := c.GetSortedPluginsByHook(HookTransform)
	require.Len(t, first, 2)
	require.Contains(t, c.sorted, HookTransform)
	cached := c.sorted[HookTransform]

	// callers own the returned slice
	first[0], first[1] = first[1], first[0]

	second := c.GetSortedPluginsByHook(HookTransform)
	assert.Equal(t, []string{"a", "b"}, Names(second))
	assert.Same(t, &cached[0], &c.sorted[HookTransform][0])
}

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	return root
}

func TestContainerResolveAndLoad(t *testing.T) {
	root := writeFiles(t, map[string]string{
		"main.lua":            `return {}`,
		"lib/util.lua":        `return {}`,
		"lib/widget/init.lua": `return {}`,
	})
	c := NewContainer(ResolvePlugins(Options{Root: root, Alias: map[string]string{"@lib": "/lib"}}, nil, nil, nil))
	ctx := context.Background()

	tests := []struct {
		id, importer, want string
	}{
		{"/main.lua", "", "/main.lua"},
		{"main", "", "/main.lua"},
		{"./util", "/lib/other.lua", "/lib/util.lua"},
		{"../main.lua", "/lib/util.lua", "/main.lua"},
		{"@lib/util", "/main.lua", "/lib/util.lua"},
		{"@lib/widget", "/main.lua", "/lib/widget/init.lua"},
		{"/main.lua?t=123", "", "/main.lua"},
	}
	for _, tt := range tests {
		got, err := c.ResolveID(ctx, tt.id, tt.importer)
		require.NoError(t, err, tt.id)
		assert.Equal(t, tt.want, got, tt.id)
	}

	_, err := c.ResolveID(ctx, "./missing", "/main.lua")
	assert.ErrorIs(t, err, ErrNotFound)

	code, err := c.Load(ctx, "/lib/util.lua")
	require.NoError(t, err)
	assert.Equal(t, "return {}", code)

	_, err = c.Load(ctx, "/nope.lua")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestJSONModulesBecomeLuaTables(t *testing.T) {
	root := writeFiles(t, map[string]string{
		"data.json": `{"name": "demo", "tags": ["a", "b\n"], "size": 3.5, "on": true, "none": null}`,
	})
	c := NewContainer(ResolvePlugins(Options{Root: root}, nil, nil, nil))

	code, err := c.Request(context.Background(), "/data.json")
	require.NoError(t, err)
	assert.Equal(t, `return {["name"] = "demo", ["none"] = nil, ["on"] = true, ["size"] = 3.5, ["tags"] = {"a", "b\n"}}`+"\n", code)

	bad := writeFiles(t, map[string]string{"bad.json": `{`})
	c = NewContainer(ResolvePlugins(Options{Root: bad}, nil, nil, nil))
	_, err = c.Request(context.Background(), "/bad.json")
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "hmr:json", perr.Plugin)
	assert.Equal(t, "/bad.json", perr.ID)
}

func TestDefineAndDynamicImportRewrite(t *testing.T) {
	root := writeFiles(t, map[string]string{
		"app/main.lua": `local dep = import("./dep")
hot.accept({"./dep", "/app/other.lua"}, function(mods) end)
if __DEV__ then print("dev") end
local __DEV__X = 1`,
		"app/dep.lua":   `return {}`,
		"app/other.lua": `return {}`,
	})
	var infos []ModuleInfo
	opts := Options{
		Root:      root,
		Define:    map[string]string{"__DEV__": "true"},
		OnAnalyze: func(info ModuleInfo) { infos = append(infos, info) },
	}
	c := NewContainer(ResolvePlugins(opts, nil, nil, nil))

	code, err := c.Request(context.Background(), "/app/main.lua")
	require.NoError(t, err)
	assert.Equal(t, `local dep = import("/app/dep.lua")
hot.accept({"/app/dep.lua", "/app/other.lua"}, function(mods) end)
if true then print("dev") end
local __DEV__X = 1`, code)

	require.Len(t, infos, 1)
	want := ModuleInfo{
		Path:         "/app/main.lua",
		Imports:      []string{"/app/dep.lua"},
		AcceptedDeps: []string{"/app/dep.lua", "/app/other.lua"},
	}
	if diff := cmp.Diff(want, infos[0]); diff != "" {
		t.Errorf("analysis mismatch (-want +got):\n%s", diff)
	}
}

func TestAnalyzeModule(t *testing.T) {
	code := `
-- import("./commented")
--[[ hot.accept("/nope.lua") ]]
local s = "import('/in-string.lua')"
local long = [==[ hot.accept() ]==]
local a = import "/a.lua"
local b = import('/b.lua')
local c = obj.import("/not-an-import.lua")
hot.accept("/dep.lua", function(mod) end)
hot.accept(function(mod) end)
`
	info := AnalyzeModule("/m.lua", code)
	assert.Equal(t, []string{"/a.lua", "/b.lua"}, info.Imports)
	assert.Equal(t, []string{"/dep.lua"}, info.AcceptedDeps)
	assert.True(t, info.SelfAccepting)

	info = AnalyzeModule("/m.lua", `hot.acceptExports({"render"})`)
	assert.True(t, info.SelfAccepting)
	assert.Empty(t, info.AcceptedDeps)

	info = AnalyzeModule("/m.lua", `return { value = 1 }`)
	assert.False(t, info.SelfAccepting)
	assert.Empty(t, info.Imports)
}

func TestHotUpdateStopsWhenHandled(t *testing.T) {
	var calls []string
	handler := func(name string, handle bool) *Plugin {
		fn := func(ctx context.Context, u *HotUpdate) error {
			calls = append(calls, name)
			if handle {
				u.Modules = nil
			}
			return nil
		}
		return named(name, "", map[string]Hook{HookHandleHotUpdate: {Fn: fn}})
	}
	c := NewContainer([]*Plugin{handler("first", false), handler("second", true), handler("third", false)})

	u := &HotUpdate{File: "/a.lua", Modules: []string{"/a.lua"}}
	require.NoError(t, c.HotUpdate(context.Background(), u))
	assert.Equal(t, []string{"first", "second"}, calls)
	assert.Empty(t, u.Modules)
}

func TestHookErrorsAreWrapped(t *testing.T) {
	boom := errors.New("boom")
	c := NewContainer([]*Plugin{
		named("broken", "", map[string]Hook{HookTransform: {Fn: func(ctx context.Context, r Resolver, code, id string) (string, error) {
			return "", boom
		}}}),
	})
	_, err := c.Transform(context.Background(), "x", "/x.lua")
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "broken", perr.Plugin)
	assert.Equal(t, HookTransform, perr.Hook)
	assert.ErrorIs(t, err, boom)

	c = NewContainer([]*Plugin{named("wrong", "", map[string]Hook{HookLoad: {Fn: "not a func"}})})
	_, err = c.Load(context.Background(), "/x.lua")
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "wrong", perr.Plugin)
}
