// Package cli provides the command-line interface for hmr.
// It exports Run() and RunWithHooks() to allow extension by wrapper projects.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/zot/hmr/internal/config"
	"github.com/zot/hmr/internal/mcp"
	"github.com/zot/hmr/internal/plugin"
	"github.com/zot/hmr/internal/runtime"
	"github.com/zot/hmr/internal/server"
)

// Version is the hmr release.
const Version = "0.1.0"

// Hooks allows extending the CLI with additional commands and plugins.
type Hooks struct {
	// BeforeDispatch is called before command dispatch.
	// Return (handled=true, exitCode) to skip normal dispatch.
	BeforeDispatch func(command string, args []string) (handled bool, exitCode int)

	// Plugins are added to the dev server pipeline by their Enforce order.
	Plugins []*plugin.Plugin

	// CustomHelp returns additional help text to append.
	CustomHelp func() string

	// CustomVersion returns version info to append (optional).
	CustomVersion func() string
}

func (h *Hooks) plugins() []*plugin.Plugin {
	if h == nil {
		return nil
	}
	return h.Plugins
}

// Run executes the CLI with the given arguments.
// Returns exit code (0 = success, non-zero = error).
func Run(args []string) int {
	return RunWithHooks(args, nil)
}

// RunWithHooks executes CLI with extension hooks.
func RunWithHooks(args []string, hooks *Hooks) int {
	if len(args) < 1 {
		return runServe(args, hooks)
	}

	command := args[0]
	cmdArgs := args[1:]

	// Let hooks intercept first
	if hooks != nil && hooks.BeforeDispatch != nil {
		if handled, code := hooks.BeforeDispatch(command, cmdArgs); handled {
			return code
		}
	}

	switch command {
	case "serve":
		return runServe(cmdArgs, hooks)
	case "run":
		return runClient(cmdArgs)
	case "plugins":
		return runPlugins(cmdArgs, hooks)
	case "help", "-h", "--help":
		printHelp(hooks)
		return 0
	case "version", "--version":
		printVersion(hooks)
		return 0
	default:
		// Check if it's a flag (starts with -)
		if len(command) > 0 && command[0] == '-' {
			return runServe(args, hooks)
		}
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printHelp(hooks)
		return 1
	}
}

func runServe(args []string, hooks *Hooks) int {
	cfg, err := config.Load(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	srv := server.New(cfg, hooks.plugins()...)
	url, err := srv.StartHTTP(cfg.Server.Port)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		return 1
	}
	if err := srv.StartWatching(); err != nil {
		fmt.Fprintf(os.Stderr, "Watch error: %v\n", err)
		srv.Shutdown(context.Background())
		return 1
	}
	cfg.Log(0, "Dev server ready at %s (root %s)", url, cfg.Server.Root)

	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}

	if cfg.MCP.Enabled {
		// ServeStdio blocks until stdin closes
		err := mcp.NewServer(cfg, srv, Version).ServeStdio()
		shutdown()
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		return 0
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("Shutting down...")
	shutdown()
	return 0
}

func runClient(args []string) int {
	cfg, err := config.Load(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	rt, err := runtime.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Client error: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	cfg.Log(1, "Running %s from %s", cfg.Client.Entry, cfg.Client.URL)
	if err := rt.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Client error: %v\n", err)
		return 1
	}
	return 0
}

// runPlugins prints the pipeline, or the plugins of one hook: plugins [hook] [options]
func runPlugins(args []string, hooks *Hooks) int {
	var hook string
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		hook, args = args[0], args[1:]
	}
	cfg, err := config.Load(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	container := server.New(cfg, hooks.plugins()...).Container()
	plugins := container.Plugins()
	if hook != "" {
		plugins = container.GetSortedPluginsByHook(hook)
	}
	for i, name := range plugin.Names(plugins) {
		fmt.Printf("%2d  %s\n", i+1, name)
	}
	return 0
}

func printHelp(hooks *Hooks) {
	fmt.Println(`hmr - hot module replacement for Lua modules

Usage: hmr [command] [options]

Commands:
  serve           Start the dev server (default)
  run             Run an HMR client against a dev server
  plugins [hook]  Show the plugin pipeline, or the plugins of one hook
  help            Show this help
  version         Show the version

Options:
  --config        TOML config file (default: <root>/config/config.toml)
  --host          Dev server listen address (default: 127.0.0.1)
  --port          Dev server listen port (default: 5173)
  --root          Module root directory (default: .)
  --url           Dev server URL for the client (default: http://127.0.0.1:5173)
  --entry         Entry module path (default: /main.lua)
  --production    Drop dev-only pipeline stages
  --debounce      File change debounce interval (default: 100ms)
  --mcp           Serve the MCP inspector on stdio
  --log-level     Log level: error, warn, info, debug
  -v, -vv, -vvv   Increase verbosity

Examples:
  hmr serve --root app/ --port 5173
  hmr run --url http://127.0.0.1:5173 --entry /main.lua
  hmr plugins transform`)

	if hooks != nil && hooks.CustomHelp != nil {
		fmt.Println(hooks.CustomHelp())
	}
}

func printVersion(hooks *Hooks) {
	fmt.Println("hmr v" + Version)
	if hooks != nil && hooks.CustomVersion != nil {
		fmt.Println(hooks.CustomVersion())
	}
}
