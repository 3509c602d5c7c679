package plugin

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// Container runs the hooks of an ordered plugin list.
type Container struct {
	plugins []*Plugin

	mu     sync.Mutex
	sorted map[string][]*Plugin
}

// NewContainer creates a container over the resolved plugin list.
func NewContainer(plugins []*Plugin) *Container {
	return &Container{
		plugins: plugins,
		sorted:  make(map[string][]*Plugin),
	}
}

// Plugins returns the plugin list in pipeline order.
func (c *Container) Plugins() []*Plugin {
	return c.plugins
}

// GetSortedPluginsByHook returns the plugins implementing hook in hook order.
// Results are cached per hook name; callers get their own copy.
func (c *Container) GetSortedPluginsByHook(hook string) []*Plugin {
	c.mu.Lock()
	defer c.mu.Unlock()
	sorted, ok := c.sorted[hook]
	if !ok {
		sorted = SortPluginsByHook(hook, c.plugins)
		c.sorted[hook] = sorted
	}
	return slices.Clone(sorted)
}

// ResolveID returns the first id produced by a resolveId hook.
func (c *Container) ResolveID(ctx context.Context, id, importer string) (string, error) {
	for _, p := range c.GetSortedPluginsByHook(HookResolveID) {
		fn, ok := asResolveID(p.Hooks[HookResolveID].Fn)
		if !ok {
			return "", hookTypeError(p, HookResolveID)
		}
		resolved, err := fn(ctx, id, importer)
		if err != nil {
			return "", &Error{Plugin: p.Name, Hook: HookResolveID, ID: id, Err: err}
		}
		if resolved != "" {
			return resolved, nil
		}
	}
	return "", fmt.Errorf("resolve %q from %q: %w", id, importer, ErrNotFound)
}

// Load returns the source produced by the first load hook that accepts id.
func (c *Container) Load(ctx context.Context, id string) (string, error) {
	for _, p := range c.GetSortedPluginsByHook(HookLoad) {
		fn, ok := asLoad(p.Hooks[HookLoad].Fn)
		if !ok {
			return "", hookTypeError(p, HookLoad)
		}
		code, handled, err := fn(ctx, id)
		if err != nil {
			return "", &Error{Plugin: p.Name, Hook: HookLoad, ID: id, Err: err}
		}
		if handled {
			return code, nil
		}
	}
	return "", fmt.Errorf("load %q: %w", id, ErrNotFound)
}

// Transform threads code through every transform hook.
func (c *Container) Transform(ctx context.Context, code, id string) (string, error) {
	for _, p := range c.GetSortedPluginsByHook(HookTransform) {
		fn, ok := asTransform(p.Hooks[HookTransform].Fn)
		if !ok {
			return "", hookTypeError(p, HookTransform)
		}
		out, err := fn(ctx, c, code, id)
		if err != nil {
			return "", &Error{Plugin: p.Name, Hook: HookTransform, ID: id, Err: err}
		}
		code = out
	}
	return code, nil
}

// HotUpdate runs the handleHotUpdate hooks until one empties update.Modules.
func (c *Container) HotUpdate(ctx context.Context, update *HotUpdate) error {
	for _, p := range c.GetSortedPluginsByHook(HookHandleHotUpdate) {
		fn, ok := asHotUpdate(p.Hooks[HookHandleHotUpdate].Fn)
		if !ok {
			return hookTypeError(p, HookHandleHotUpdate)
		}
		if err := fn(ctx, update); err != nil {
			return &Error{Plugin: p.Name, Hook: HookHandleHotUpdate, ID: update.File, Err: err}
		}
		if len(update.Modules) == 0 {
			return nil
		}
	}
	return nil
}

// Request loads and transforms a resolved module id.
func (c *Container) Request(ctx context.Context, id string) (string, error) {
	code, err := c.Load(ctx, id)
	if err != nil {
		return "", err
	}
	return c.Transform(ctx, code, id)
}

func hookTypeError(p *Plugin, hook string) error {
	return &Error{Plugin: p.Name, Hook: hook, Err: fmt.Errorf("hook has type %T", p.Hooks[hook].Fn)}
}
