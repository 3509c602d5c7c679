package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/zot/hmr/internal/config"
	"github.com/zot/hmr/internal/plugin"
	"github.com/zot/hmr/internal/protocol"
)

// CustomHandler receives a custom event sent by a client.
type CustomHandler func(clientID string, data json.RawMessage)

// ChangeResult is what a file change turned into.
type ChangeResult struct {
	Modules    []string          `json:"modules"`
	Updates    []protocol.Update `json:"updates,omitempty"`
	FullReload bool              `json:"fullReload,omitempty"`
}

// Server is the HMR dev server.
type Server struct {
	config       *config.Config
	container    *plugin.Container
	graph        *ModuleGraph
	hub          *Hub
	batcher      *UpdateBatcher
	metrics      *Metrics
	httpEndpoint *HTTPEndpoint
	httpServer   *http.Server
	hotLoader    *HotLoader

	mu       sync.RWMutex
	handlers map[string][]CustomHandler
}

// New creates a server for cfg. User plugins are placed in the pipeline by their Enforce order.
func New(cfg *config.Config, plugins ...*plugin.Plugin) *Server {
	s := &Server{
		config:   cfg,
		graph:    NewModuleGraph(),
		metrics:  NewMetrics(),
		handlers: make(map[string][]CustomHandler),
	}
	pre, normal, post := plugin.SortUserPlugins(plugins)
	s.container = plugin.NewContainer(plugin.ResolvePlugins(plugin.Options{
		Root:       cfg.Server.Root,
		Production: cfg.Build.Production,
		Alias:      cfg.Alias,
		Define:     cfg.Define,
		OnAnalyze:  s.recordModule,
	}, pre, normal, post))
	s.hub = NewHub(cfg, s.metrics)
	s.hub.OnMessage(s.handleClientMessage)
	s.batcher = NewUpdateBatcher(10*time.Millisecond, s.hub.Broadcast, cfg)
	s.httpEndpoint = NewHTTPEndpoint(cfg, s.container, s.graph, s.hub, s.metrics, cfg.Server.Root)
	return s
}

// Container returns the plugin container.
func (s *Server) Container() *plugin.Container {
	return s.container
}

// Graph returns the module graph.
func (s *Server) Graph() *ModuleGraph {
	return s.graph
}

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Metrics returns the server's collectors.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.httpEndpoint
}

// On registers a handler for a custom event sent by clients.
func (s *Server) On(event string, fn CustomHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[event] = append(s.handlers[event], fn)
}

// StartHTTP starts the HTTP server on port and returns its base URL.
// Port 0 picks a free port.
func (s *Server) StartHTTP(port int) (string, error) {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	if port == 0 {
		addr = listener.Addr().String()
		_, portStr, _ := net.SplitHostPort(addr)
		s.config.Server.Port, _ = strconv.Atoi(portStr)
	}

	s.httpServer = &http.Server{Handler: s.httpEndpoint}
	go func() {
		s.config.Log(0, "HTTP server listening on %s", addr)
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.config.Log(0, "HTTP server error: %v", err)
		}
	}()

	host := s.config.Server.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, s.config.Server.Port), nil
}

// StartWatching starts the hot loader on the module root.
func (s *Server) StartWatching() error {
	hl, err := NewHotLoader(s.config, s.config.Server.Root, s.config.Watch.Extensions, s.config.Watch.Debounce.Duration(), func(modulePath string) {
		s.HandleFileChange(context.Background(), modulePath)
	})
	if err != nil {
		return err
	}
	if err := hl.Start(); err != nil {
		hl.Stop()
		return err
	}
	s.hotLoader = hl
	return nil
}

// Shutdown stops watching, disconnects clients and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.hotLoader != nil {
		s.hotLoader.Stop()
	}
	s.batcher.Clear()
	s.hub.Close()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// HandleFileChange runs the handleHotUpdate hooks for a changed module and
// queues the resulting updates, or a full reload when nothing accepts the change.
func (s *Server) HandleFileChange(ctx context.Context, modulePath string) (ChangeResult, error) {
	s.metrics.FileChanges.Inc()
	timestamp := time.Now().UnixMilli()

	update := &plugin.HotUpdate{File: modulePath, Timestamp: timestamp}
	if s.graph.Has(modulePath) {
		update.Modules = []string{modulePath}
	}
	if err := s.container.HotUpdate(ctx, update); err != nil {
		s.config.Log(0, "[hmr] %s: %v", modulePath, err)
		s.hub.Broadcast(protocol.NewError(err, pluginOf(err), modulePath))
		return ChangeResult{}, err
	}

	result := ChangeResult{Modules: update.Modules}
	if len(update.Modules) == 0 {
		s.config.Log(2, "[hmr] no modules matched %s", modulePath)
		return result, nil
	}

	result.Updates, result.FullReload = s.graph.Propagate(update.Modules, timestamp)
	s.queue(modulePath, result.Updates, result.FullReload)
	return result, nil
}

func (s *Server) queue(trigger string, updates []protocol.Update, fullReload bool) {
	if fullReload {
		s.batcher.QueueFullReload(trigger)
		return
	}
	for _, u := range updates {
		if u.IsSelfUpdate() {
			s.config.Log(1, "[hmr] hot updated: %s", u.Path)
		} else {
			s.config.Log(1, "[hmr] hot updated: %s via %s", u.AcceptedPath, u.Path)
		}
	}
	s.batcher.Queue(updates)
}

// Flush sends queued updates without waiting for the debounce.
func (s *Server) Flush() {
	s.batcher.FlushNow()
}

// recordModule receives the analysis of each served module.
func (s *Server) recordModule(info plugin.ModuleInfo) {
	if pruned := s.graph.Record(info); len(pruned) > 0 {
		s.config.Log(1, "[hmr] prune %v", pruned)
		s.hub.Broadcast(protocol.NewPrune(pruned))
	}
}

func (s *Server) handleClientMessage(clientID string, p *protocol.Payload) {
	if p.Type != protocol.TypeCustom {
		s.config.Log(2, "[hmr] ignoring %s payload from %s", p.Type, clientID)
		return
	}
	if p.Event == protocol.EventInvalidate {
		s.invalidate(clientID, p)
	}

	s.mu.RLock()
	handlers := s.handlers[p.Event]
	s.mu.RUnlock()
	for _, fn := range handlers {
		fn(clientID, p.Data)
	}
}

func (s *Server) invalidate(clientID string, p *protocol.Payload) {
	var data protocol.InvalidateData
	if err := p.DecodeData(&data); err != nil {
		s.config.Log(0, "[hmr] bad invalidate from %s: %v", clientID, err)
		return
	}
	if data.Message != "" {
		s.config.Log(1, "[hmr] invalidate %s: %s", data.Path, data.Message)
	} else {
		s.config.Log(1, "[hmr] invalidate %s", data.Path)
	}
	updates, fullReload, ok := s.graph.Invalidate(data.Path)
	if !ok {
		return
	}
	s.queue(data.Path, updates, fullReload)
}

func pluginOf(err error) string {
	var perr *plugin.Error
	if errors.As(err, &perr) {
		return perr.Plugin
	}
	return ""
}
