// Package server implements the HMR dev server: module serving through the
// plugin pipeline, the websocket hub, file watching and update propagation.
package server

import (
	"path"
	"slices"
	"sort"
	"sync"

	"github.com/zot/hmr/internal/plugin"
	"github.com/zot/hmr/internal/protocol"
)

// ModuleNode is one served module and its edges.
type ModuleNode struct {
	Path             string
	Imports          []string
	Importers        map[string]bool
	AcceptedDeps     map[string]bool
	SelfAccepting    bool
	LastHMRTimestamp int64

	invalidated bool // an hmr:invalidate arrived since the last update
}

// ModuleGraph tracks the import graph of served modules and chooses update boundaries.
type ModuleGraph struct {
	mu    sync.RWMutex
	nodes map[string]*ModuleNode
}

// NewModuleGraph creates an empty graph.
func NewModuleGraph() *ModuleGraph {
	return &ModuleGraph{nodes: make(map[string]*ModuleNode)}
}

func (g *ModuleGraph) nodeLocked(p string) *ModuleNode {
	n, ok := g.nodes[p]
	if !ok {
		n = &ModuleNode{Path: p, Importers: make(map[string]bool), AcceptedDeps: make(map[string]bool)}
		g.nodes[p] = n
	}
	return n
}

// Record stores the analysis of a served module. It returns the modules that
// lost their last importer because this module stopped importing them.
func (g *ModuleGraph) Record(info plugin.ModuleInfo) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := g.nodeLocked(info.Path)
	old := n.Imports
	n.Imports = slices.Clone(info.Imports)
	n.SelfAccepting = info.SelfAccepting
	clear(n.AcceptedDeps)
	for _, dep := range info.AcceptedDeps {
		n.AcceptedDeps[dep] = true
	}
	for _, imp := range n.Imports {
		g.nodeLocked(imp).Importers[info.Path] = true
	}

	var pruned []string
	for _, imp := range old {
		if slices.Contains(n.Imports, imp) {
			continue
		}
		dep := g.nodes[imp]
		if dep == nil {
			continue
		}
		delete(dep.Importers, info.Path)
		if len(dep.Importers) == 0 {
			pruned = append(pruned, imp)
		}
	}
	sort.Strings(pruned)
	return pruned
}

// Node returns a copy of the node for p.
func (g *ModuleGraph) Node(p string) (ModuleNode, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[p]
	if !ok {
		return ModuleNode{}, false
	}
	cp := *n
	cp.Imports = slices.Clone(n.Imports)
	cp.Importers = make(map[string]bool, len(n.Importers))
	for k := range n.Importers {
		cp.Importers[k] = true
	}
	cp.AcceptedDeps = make(map[string]bool, len(n.AcceptedDeps))
	for k := range n.AcceptedDeps {
		cp.AcceptedDeps[k] = true
	}
	return cp, true
}

// Paths returns the sorted paths of every known module.
func (g *ModuleGraph) Paths() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	paths := make([]string, 0, len(g.nodes))
	for p := range g.nodes {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Has reports whether p has been served or imported.
func (g *ModuleGraph) Has(p string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.nodes[p]
	return ok
}

// Propagate computes the update records for a change to the modules in paths.
// fullReload is true when some change reaches a module nothing accepts.
func (g *ModuleGraph) Propagate(paths []string, timestamp int64) (updates []protocol.Update, fullReload bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	b := &boundaries{seen: make(map[[2]string]bool)}
	for _, p := range paths {
		n, ok := g.nodes[p]
		if !ok {
			continue
		}
		n.LastHMRTimestamp = timestamp
		n.invalidated = false
		if g.propagateLocked(n, b, []string{n.Path}) {
			return nil, true
		}
	}
	return b.updates(timestamp), false
}

// Invalidate re-propagates an update that the module at p could not accept
// from its importers. ok is false when p was not hot updated or was already
// invalidated since its last update.
func (g *ModuleGraph) Invalidate(p string) (updates []protocol.Update, fullReload, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, found := g.nodes[p]
	if !found || n.LastHMRTimestamp == 0 || n.invalidated {
		return nil, false, false
	}
	n.invalidated = true
	b := &boundaries{seen: make(map[[2]string]bool)}
	if len(n.Importers) == 0 {
		return nil, true, true
	}
	for _, imp := range sortedKeys(n.Importers) {
		importer := g.nodes[imp]
		if g.propagateLocked(importer, b, []string{n.Path, importer.Path}) {
			return nil, true, true
		}
	}
	return b.updates(n.LastHMRTimestamp), false, true
}

// propagateLocked walks importers until every path reaches an accepting
// module. It returns true on a dead end or an import cycle.
func (g *ModuleGraph) propagateLocked(n *ModuleNode, b *boundaries, chain []string) bool {
	if n.SelfAccepting {
		b.add(n.Path, n.Path)
		return false
	}
	if len(n.Importers) == 0 {
		return true
	}
	for _, imp := range sortedKeys(n.Importers) {
		importer := g.nodes[imp]
		if importer.AcceptedDeps[n.Path] {
			b.add(importer.Path, n.Path)
			continue
		}
		if slices.Contains(chain, importer.Path) {
			return true
		}
		if g.propagateLocked(importer, b, append(slices.Clone(chain), importer.Path)) {
			return true
		}
	}
	return false
}

type boundaries struct {
	seen  map[[2]string]bool
	pairs [][2]string
}

func (b *boundaries) add(boundary, via string) {
	key := [2]string{boundary, via}
	if b.seen[key] {
		return
	}
	b.seen[key] = true
	b.pairs = append(b.pairs, key)
}

func (b *boundaries) updates(timestamp int64) []protocol.Update {
	updates := make([]protocol.Update, 0, len(b.pairs))
	for _, pair := range b.pairs {
		updates = append(updates, protocol.Update{
			Type:         updateType(pair[1]),
			Path:         pair[0],
			AcceptedPath: pair[1],
			Timestamp:    timestamp,
		})
	}
	return updates
}

func updateType(p string) protocol.UpdateType {
	if path.Ext(p) == ".json" {
		return protocol.UpdateJSON
	}
	return protocol.UpdateLua
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
