// Package cli provides the command-line interface for hmr.
// This file re-exports internal packages for projects that embed hmr.
package cli

import (
	"github.com/zot/hmr/internal/hmr"
	"github.com/zot/hmr/internal/plugin"
	"github.com/zot/hmr/internal/runtime"
	"github.com/zot/hmr/internal/server"
)

// Re-export plugin types so wrapper projects can write plugins
type (
	Plugin        = plugin.Plugin
	Hook          = plugin.Hook
	HotUpdate     = plugin.HotUpdate
	Resolver      = plugin.Resolver
	ResolveIDFunc = plugin.ResolveIDFunc
	LoadFunc      = plugin.LoadFunc
	TransformFunc = plugin.TransformFunc
	HotUpdateFunc = plugin.HotUpdateFunc
)

// Re-export plugin orders and hook names
const (
	OrderPre            = plugin.OrderPre
	OrderNormal         = plugin.OrderNormal
	OrderPost           = plugin.OrderPost
	HookResolveID       = plugin.HookResolveID
	HookLoad            = plugin.HookLoad
	HookTransform       = plugin.HookTransform
	HookHandleHotUpdate = plugin.HookHandleHotUpdate
)

// Re-export server and client types
type (
	Server    = server.Server
	Runtime   = runtime.Runtime
	Client    = hmr.Client
	Namespace = hmr.Namespace
)

// Re-export constructors
var (
	NewServer  = server.New
	NewRuntime = runtime.New
)
