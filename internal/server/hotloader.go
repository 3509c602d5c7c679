package server

import (
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// HotLoader watches the module root for file changes and reports the module
// path of each changed file once its events settle.
type HotLoader struct {
	logger     Logger
	root       string
	extensions []string
	watcher    *fsnotify.Watcher
	onChange   func(modulePath string)

	// Symlink tracking
	symlinkTargets map[string]string // module file path -> resolved target dir
	watchedDirs    map[string]int    // dir path -> reference count
	mu             sync.Mutex

	// Debouncing
	pendingReloads map[string]time.Time
	debounceMu     sync.Mutex
	debounceDelay  time.Duration

	done chan struct{}
}

// NewHotLoader creates a hot loader for root. Only files with one of the
// extensions are reported.
func NewHotLoader(logger Logger, root string, extensions []string, debounce time.Duration, onChange func(modulePath string)) (*HotLoader, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &HotLoader{
		logger:         logger,
		root:           abs,
		extensions:     extensions,
		watcher:        watcher,
		onChange:       onChange,
		symlinkTargets: make(map[string]string),
		watchedDirs:    make(map[string]int),
		pendingReloads: make(map[string]time.Time),
		debounceDelay:  debounce,
		done:           make(chan struct{}),
	}, nil
}

// Start begins watching for file changes.
func (h *HotLoader) Start() error {
	if err := h.watchTree(h.root); err != nil {
		return err
	}

	go h.eventLoop()
	go h.debounceLoop()

	h.logger.Log(1, "HotLoader: watching %s for changes", h.root)
	return nil
}

// Stop stops the hot loader.
func (h *HotLoader) Stop() error {
	close(h.done)
	return h.watcher.Close()
}

// watchTree watches dir and every directory below it, and the target
// directories of symlinked module files.
func (h *HotLoader) watchTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return h.addWatch(p)
		}
		if h.watched(p) {
			h.updateSymlinkWatch(p)
		}
		return nil
	})
}

func (h *HotLoader) watched(p string) bool {
	return slices.Contains(h.extensions, filepath.Ext(p))
}

// updateSymlinkWatch checks if a file is a symlink and updates watches accordingly.
func (h *HotLoader) updateSymlinkWatch(filePath string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	info, err := os.Lstat(filePath)
	if err != nil {
		return
	}

	if oldTarget, ok := h.symlinkTargets[filePath]; ok {
		h.removeWatchLocked(oldTarget)
		delete(h.symlinkTargets, filePath)
	}

	if info.Mode()&os.ModeSymlink != 0 {
		target, err := filepath.EvalSymlinks(filePath)
		if err != nil {
			h.logger.Log(2, "HotLoader: cannot resolve symlink %s: %v", filePath, err)
			return
		}

		targetDir := filepath.Dir(target)
		h.symlinkTargets[filePath] = targetDir
		h.addWatchLocked(targetDir)
		h.logger.Log(2, "HotLoader: watching symlink target dir %s for %s", targetDir, filePath)
	}
}

// removeSymlinkWatch removes the watch for a symlink's target directory.
func (h *HotLoader) removeSymlinkWatch(filePath string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if targetDir, ok := h.symlinkTargets[filePath]; ok {
		h.removeWatchLocked(targetDir)
		delete(h.symlinkTargets, filePath)
	}
}

func (h *HotLoader) addWatch(dir string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.addWatchLocked(dir)
}

func (h *HotLoader) addWatchLocked(dir string) error {
	h.watchedDirs[dir]++
	if h.watchedDirs[dir] == 1 {
		if err := h.watcher.Add(dir); err != nil {
			h.watchedDirs[dir]--
			return err
		}
		h.logger.Log(2, "HotLoader: added watch for %s", dir)
	}
	return nil
}

func (h *HotLoader) removeWatchLocked(dir string) {
	h.watchedDirs[dir]--
	if h.watchedDirs[dir] <= 0 {
		h.watcher.Remove(dir)
		delete(h.watchedDirs, dir)
		h.logger.Log(2, "HotLoader: removed watch for %s", dir)
	}
}

func (h *HotLoader) eventLoop() {
	for {
		select {
		case <-h.done:
			return
		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			h.handleEvent(event)
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.Log(1, "HotLoader: watcher error: %v", err)
		}
	}
}

func (h *HotLoader) handleEvent(event fsnotify.Event) {
	if event.Op&fsnotify.Create != 0 && h.insideRoot(event.Name) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := h.watchTree(event.Name); err != nil {
				h.logger.Log(1, "HotLoader: cannot watch %s: %v", event.Name, err)
			}
			return
		}
	}
	if !h.watched(event.Name) {
		return
	}

	h.logger.Log(3, "HotLoader: event %s on %s", event.Op, event.Name)

	if h.insideRoot(event.Name) {
		switch {
		case event.Op&fsnotify.Create != 0:
			h.updateSymlinkWatch(event.Name)
		case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
			h.removeSymlinkWatch(event.Name)
		}
	}

	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
		h.queueReload(event.Name)
	}
}

func (h *HotLoader) queueReload(filePath string) {
	h.debounceMu.Lock()
	h.pendingReloads[filePath] = time.Now()
	h.debounceMu.Unlock()
}

func (h *HotLoader) debounceLoop() {
	ticker := time.NewTicker(h.debounceDelay / 2)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.processPendingReloads()
		}
	}
}

// processPendingReloads reports files that have been quiet for at least debounceDelay.
func (h *HotLoader) processPendingReloads() {
	h.debounceMu.Lock()
	now := time.Now()
	var ready []string
	for p, queuedAt := range h.pendingReloads {
		if now.Sub(queuedAt) >= h.debounceDelay {
			ready = append(ready, p)
			delete(h.pendingReloads, p)
		}
	}
	h.debounceMu.Unlock()

	slices.Sort(ready)
	for _, p := range ready {
		h.report(p)
	}
}

// report calls onChange with panic recovery so a failing update cannot stop the watcher.
func (h *HotLoader) report(filePath string) {
	modulePath := h.resolveModulePath(filePath)
	if modulePath == "" {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			h.logger.Log(0, "HotLoader: PANIC handling %s: %v", modulePath, r)
		}
	}()
	h.logger.Log(1, "HotLoader: changed %s", modulePath)
	h.onChange(modulePath)
}

func (h *HotLoader) insideRoot(p string) bool {
	rel, err := filepath.Rel(h.root, p)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// resolveModulePath maps a changed file onto its module path. A file outside
// the root is reported through the symlink that points at it.
func (h *HotLoader) resolveModulePath(changedPath string) string {
	if h.insideRoot(changedPath) {
		return h.modulePath(changedPath)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	changedDir := filepath.Dir(changedPath)
	changedBase := filepath.Base(changedPath)

	for link, targetDir := range h.symlinkTargets {
		if targetDir == changedDir {
			target, err := filepath.EvalSymlinks(link)
			if err == nil && filepath.Base(target) == changedBase {
				return h.modulePath(link)
			}
		}
	}

	return ""
}

func (h *HotLoader) modulePath(file string) string {
	rel, err := filepath.Rel(h.root, file)
	if err != nil {
		return ""
	}
	return "/" + filepath.ToSlash(rel)
}
