// Package plugin assembles the module pipeline of the dev server: built-in
// stages interleaved with user plugins, hook sorting, and the container that
// resolves, loads and transforms module sources through the sorted hooks.
package plugin

import (
	"context"
	"errors"
	"fmt"
)

// Order places a plugin or one of its hooks in the pre, normal or post bucket.
type Order string

const (
	OrderPre    Order = "pre"
	OrderNormal Order = ""
	OrderPost   Order = "post"
)

// Hook names.
const (
	HookResolveID       = "resolveId"
	HookLoad            = "load"
	HookTransform       = "transform"
	HookHandleHotUpdate = "handleHotUpdate"
)

// ErrNotFound is returned when no plugin resolves or loads an id.
var ErrNotFound = errors.New("module not found")

// Resolver resolves an import specifier relative to an importer.
type Resolver interface {
	ResolveID(ctx context.Context, id, importer string) (string, error)
}

// ResolveIDFunc returns the resolved id, or "" to let the next plugin try.
type ResolveIDFunc func(ctx context.Context, id, importer string) (string, error)

// LoadFunc returns the source of id; ok is false to let the next plugin try.
type LoadFunc func(ctx context.Context, id string) (code string, ok bool, err error)

// TransformFunc returns code, changed or not. r resolves specifiers found in code.
type TransformFunc func(ctx context.Context, r Resolver, code, id string) (string, error)

// HotUpdateFunc may narrow or replace update.Modules. Emptying it marks the
// change as handled.
type HotUpdateFunc func(ctx context.Context, update *HotUpdate) error

// HotUpdate describes a changed file on its way to boundary propagation.
type HotUpdate struct {
	File      string   // module path of the changed file
	Timestamp int64    // unix millis of the change
	Modules   []string // module paths affected by the change
}

// Hook is one hook implementation. Fn holds the func type of the hook name.
type Hook struct {
	Order Order
	Fn    any
}

// Plugin is a named set of hooks.
type Plugin struct {
	Name    string
	Enforce Order
	Hooks   map[string]Hook
}

// Error reports a failing hook together with the plugin and the module id.
type Error struct {
	Plugin string
	Hook   string
	ID     string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("[plugin %s] %s %s: %v", e.Plugin, e.Hook, e.ID, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// hook returns the hook for name, if the plugin has one.
func (p *Plugin) hook(name string) (Hook, bool) {
	h, ok := p.Hooks[name]
	return h, ok && h.Fn != nil
}

// SortUserPlugins splits plugins into pre, normal and post groups by Enforce,
// keeping the input order inside each group.
func SortUserPlugins(plugins []*Plugin) (pre, normal, post []*Plugin) {
	for _, p := range plugins {
		switch p.Enforce {
		case OrderPre:
			pre = append(pre, p)
		case OrderPost:
			post = append(post, p)
		default:
			normal = append(normal, p)
		}
	}
	return pre, normal, post
}

// SortPluginsByHook returns the plugins that implement hook, pre-ordered hooks
// first and post-ordered hooks last. Relative order within a bucket is kept.
func SortPluginsByHook(hook string, plugins []*Plugin) []*Plugin {
	var pre, normal, post []*Plugin
	for _, p := range plugins {
		h, ok := p.hook(hook)
		if !ok {
			continue
		}
		switch h.Order {
		case OrderPre:
			pre = append(pre, p)
		case OrderPost:
			post = append(post, p)
		default:
			normal = append(normal, p)
		}
	}
	sorted := make([]*Plugin, 0, len(pre)+len(normal)+len(post))
	sorted = append(sorted, pre...)
	sorted = append(sorted, normal...)
	return append(sorted, post...)
}

// Names returns the plugin names in order.
func Names(plugins []*Plugin) []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// asResolveID and its siblings accept the named hook types and plain func literals.
func asResolveID(fn any) (ResolveIDFunc, bool) {
	switch f := fn.(type) {
	case ResolveIDFunc:
		return f, true
	case func(context.Context, string, string) (string, error):
		return f, true
	}
	return nil, false
}

func asLoad(fn any) (LoadFunc, bool) {
	switch f := fn.(type) {
	case LoadFunc:
		return f, true
	case func(context.Context, string) (string, bool, error):
		return f, true
	}
	return nil, false
}

func asTransform(fn any) (TransformFunc, bool) {
	switch f := fn.(type) {
	case TransformFunc:
		return f, true
	case func(context.Context, Resolver, string, string) (string, error):
		return f, true
	}
	return nil, false
}

func asHotUpdate(fn any) (HotUpdateFunc, bool) {
	switch f := fn.(type) {
	case HotUpdateFunc:
		return f, true
	case func(context.Context, *HotUpdate) error:
		return f, true
	}
	return nil, false
}
