package server

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/zot/hmr/internal/plugin"
	"github.com/zot/hmr/internal/protocol"
)

// ModulePrefix is the URL prefix modules are served under.
const ModulePrefix = "/@modules"

// HTTPEndpoint routes dev server requests.
type HTTPEndpoint struct {
	container *plugin.Container
	graph     *ModuleGraph
	hub       *Hub
	metrics   *Metrics
	logger    Logger
	staticDir string
	mux       *http.ServeMux
}

// NewHTTPEndpoint creates the endpoint. Files under staticDir that are not
// requested as modules are served as they are.
func NewHTTPEndpoint(logger Logger, container *plugin.Container, graph *ModuleGraph, hub *Hub, metrics *Metrics, staticDir string) *HTTPEndpoint {
	h := &HTTPEndpoint{
		container: container,
		graph:     graph,
		hub:       hub,
		metrics:   metrics,
		logger:    logger,
		staticDir: staticDir,
		mux:       http.NewServeMux(),
	}
	h.setupRoutes()
	return h
}

func (h *HTTPEndpoint) setupRoutes() {
	h.mux.HandleFunc(ModulePrefix+"/", h.handleModule)
	h.mux.Handle("/@hmr", h.hub)
	h.mux.HandleFunc("/@graph", h.handleGraph)
	h.mux.Handle("/metrics", h.metrics.Handler())
	h.mux.HandleFunc("/", h.serveStatic)
}

// ServeHTTP implements http.Handler.
func (h *HTTPEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// handleModule resolves, loads and transforms one module. A failing
// transform is also broadcast to clients as an error payload.
func (h *HTTPEndpoint) handleModule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	specifier := strings.TrimPrefix(r.URL.Path, ModulePrefix)

	id, err := h.container.ResolveID(ctx, specifier, "")
	if err != nil {
		h.moduleError(w, specifier, err)
		return
	}

	start := time.Now()
	code, err := h.container.Request(ctx, id)
	h.metrics.Transform.Observe(time.Since(start).Seconds())
	if err != nil {
		h.moduleError(w, id, err)
		return
	}

	h.metrics.ModuleRequests.WithLabelValues("ok").Inc()
	h.logger.Log(2, "[http] served %s", id)
	w.Header().Set("Content-Type", "text/x-lua; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write([]byte(code))
}

func (h *HTTPEndpoint) moduleError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, plugin.ErrNotFound) {
		h.metrics.ModuleRequests.WithLabelValues("not_found").Inc()
		h.logger.Log(1, "[http] module not found: %s", id)
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	h.metrics.ModuleRequests.WithLabelValues("error").Inc()
	h.logger.Log(0, "[http] %s: %v", id, err)
	h.hub.Broadcast(protocol.NewError(err, pluginOf(err), id))
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

// GraphEntry is the JSON form of a module node.
type GraphEntry struct {
	Path          string   `json:"path"`
	Imports       []string `json:"imports,omitempty"`
	Importers     []string `json:"importers,omitempty"`
	AcceptedDeps  []string `json:"acceptedDeps,omitempty"`
	SelfAccepting bool     `json:"selfAccepting,omitempty"`
	LastUpdate    int64    `json:"lastUpdate,omitempty"`
}

// GraphEntries returns every known module ordered by path.
func GraphEntries(g *ModuleGraph) []GraphEntry {
	var entries []GraphEntry
	for _, p := range g.Paths() {
		n, ok := g.Node(p)
		if !ok {
			continue
		}
		entries = append(entries, GraphEntry{
			Path:          n.Path,
			Imports:       n.Imports,
			Importers:     sortedKeys(n.Importers),
			AcceptedDeps:  sortedKeys(n.AcceptedDeps),
			SelfAccepting: n.SelfAccepting,
			LastUpdate:    n.LastHMRTimestamp,
		})
	}
	return entries
}

func (h *HTTPEndpoint) handleGraph(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(GraphEntries(h.graph))
}

func (h *HTTPEndpoint) serveStatic(w http.ResponseWriter, r *http.Request) {
	p := strings.TrimPrefix(r.URL.Path, "/")
	if p == "" {
		p = "index.html"
	}
	if h.staticDir == "" {
		http.NotFound(w, r)
		return
	}
	if ct := mime.TypeByExtension(filepath.Ext(p)); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	http.ServeFile(w, r, filepath.Join(h.staticDir, filepath.FromSlash(p)))
}
