// Package watcher follows a session's working directory and reports every
// changed text file as a diff against the last content it saw.
package watcher

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"claude-bridge/internal/diff"
	"claude-bridge/internal/protocol"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

const (
	debounceInterval = 300 * time.Millisecond
	maxTreeDepth     = 3

	// Snapshot limits keep memory bounded for large trees.
	maxSnapshotFiles = 2000
	maxFileSize      = 256 * 1024
)

// excludedDirs are directories excluded from snapshots and tree generation.
var excludedDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"vendor":       true,
}

// DiffCallback receives one diff per changed file.
type DiffCallback func(sessionID string, file diff.File)

// Watcher monitors working directories for file changes.
type Watcher struct {
	mu       sync.RWMutex
	watchers map[string]*sessionWatcher // sessionID → watcher
	context  int
	callback DiffCallback
}

type sessionWatcher struct {
	sessionID string
	workDir   string
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}

	mu       sync.Mutex
	snapshot map[string]string // relative path → last seen content
	pending  map[string]bool
	timer    *time.Timer
}

// New creates a watcher producing diffs with the given number of context
// lines per hunk.
func New(context int, callback DiffCallback) *Watcher {
	return &Watcher{
		watchers: make(map[string]*sessionWatcher),
		context:  context,
		callback: callback,
	}
}

// Watch starts watching workDir on behalf of a session. Watching the same
// session again replaces the previous watch.
func (w *Watcher) Watch(sessionID, workDir string) error {
	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	if err := addDirsRecursive(fsW, workDir); err != nil {
		fsW.Close()
		return err
	}

	sw := &sessionWatcher{
		sessionID: sessionID,
		workDir:   workDir,
		fsWatcher: fsW,
		cancel:    make(chan struct{}),
		snapshot:  takeSnapshot(workDir),
		pending:   make(map[string]bool),
	}

	w.Unwatch(sessionID)

	w.mu.Lock()
	w.watchers[sessionID] = sw
	w.mu.Unlock()

	go w.watchLoop(sw)

	log.Debug("watching workdir", "session", sessionID, "dir", workDir, "files", len(sw.snapshot))
	return nil
}

// Unwatch stops watching a session's directory.
func (w *Watcher) Unwatch(sessionID string) {
	w.mu.Lock()
	sw, ok := w.watchers[sessionID]
	if ok {
		delete(w.watchers, sessionID)
	}
	w.mu.Unlock()

	if ok {
		close(sw.cancel)
		sw.fsWatcher.Close()
	}
}

// Watching reports whether a session's directory is being watched.
func (w *Watcher) Watching(sessionID string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.watchers[sessionID]
	return ok
}

// Shutdown stops all watchers.
func (w *Watcher) Shutdown() {
	w.mu.Lock()
	ids := make([]string, 0, len(w.watchers))
	for id := range w.watchers {
		ids = append(ids, id)
	}
	w.mu.Unlock()

	for _, id := range ids {
		w.Unwatch(id)
	}
}

// watchLoop collects fsnotify events and flushes them after a quiet period.
func (w *Watcher) watchLoop(sw *sessionWatcher) {
	for {
		select {
		case <-sw.cancel:
			sw.mu.Lock()
			if sw.timer != nil {
				sw.timer.Stop()
			}
			sw.mu.Unlock()
			return

		case event, ok := <-sw.fsWatcher.Events:
			if !ok {
				return
			}
			w.handleEvent(sw, event)

		case err, ok := <-sw.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Warn("watcher error", "session", sw.sessionID, "err", err)
		}
	}
}

func (w *Watcher) handleEvent(sw *sessionWatcher, event fsnotify.Event) {
	rel, err := filepath.Rel(sw.workDir, event.Name)
	if err != nil || skipPath(rel) {
		return
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			addDirsRecursive(sw.fsWatcher, event.Name)
			return
		}
	}
	if event.Op == fsnotify.Chmod {
		return
	}

	sw.mu.Lock()
	defer sw.mu.Unlock()

	sw.pending[rel] = true
	if sw.timer != nil {
		sw.timer.Stop()
	}
	sw.timer = time.AfterFunc(debounceInterval, func() {
		w.flush(sw)
	})
}

// flush diffs every pending path against the snapshot and reports changes.
func (w *Watcher) flush(sw *sessionWatcher) {
	sw.mu.Lock()
	paths := make([]string, 0, len(sw.pending))
	for p := range sw.pending {
		paths = append(paths, p)
	}
	sw.pending = make(map[string]bool)
	sort.Strings(paths)

	var changes []diff.File
	for _, rel := range paths {
		if f, ok := sw.update(rel, w.context); ok {
			changes = append(changes, f)
		}
	}
	sw.mu.Unlock()

	select {
	case <-sw.cancel:
		return
	default:
	}

	for _, f := range changes {
		if w.callback != nil {
			w.callback(sw.sessionID, f)
		}
	}
}

// update refreshes the snapshot entry for rel. Callers hold sw.mu.
func (sw *sessionWatcher) update(rel string, context int) (diff.File, bool) {
	newText, exists := readText(filepath.Join(sw.workDir, rel))
	oldText, had := sw.snapshot[rel]

	switch {
	case !had && !exists:
		return diff.File{}, false
	case !had:
		if len(sw.snapshot) >= maxSnapshotFiles {
			return diff.File{}, false
		}
		sw.snapshot[rel] = newText
		return diff.Compare("", rel, "", newText, context), true
	case !exists:
		delete(sw.snapshot, rel)
		return diff.Compare(rel, "", oldText, "", context), true
	case oldText == newText:
		return diff.File{}, false
	default:
		sw.snapshot[rel] = newText
		return diff.Compare(rel, rel, oldText, newText, context), true
	}
}

// readText returns the content of a regular, reasonably small, UTF-8 file.
func readText(path string) (string, bool) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() || info.Size() > maxFileSize {
		return "", false
	}
	data, err := os.ReadFile(path)
	if err != nil || bytes.IndexByte(data, 0) >= 0 || !utf8.Valid(data) {
		return "", false
	}
	return string(data), true
}

func takeSnapshot(dir string) map[string]string {
	snap := make(map[string]string)
	filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // Skip inaccessible paths.
		}
		if path == dir {
			return nil
		}
		rel, _ := filepath.Rel(dir, path)
		if skipPath(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if len(snap) >= maxSnapshotFiles {
			return filepath.SkipAll
		}
		if text, ok := readText(path); ok {
			snap[rel] = text
		}
		return nil
	})
	return snap
}

// skipPath reports whether any element of a relative path is excluded or
// hidden. The .claude directory is the one hidden entry that is followed.
func skipPath(rel string) bool {
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if excludedDirs[part] {
			return true
		}
		if isHidden(part) && part != ".claude" {
			return true
		}
	}
	return false
}

// BuildFileTree generates a FileNode tree for a directory up to maxDepth levels.
func BuildFileTree(dir string, maxDepth int) []protocol.FileNode {
	if maxDepth <= 0 {
		maxDepth = maxTreeDepth
	}
	return buildTreeRecursive(dir, dir, 0, maxDepth)
}

func buildTreeRecursive(rootDir, currentDir string, depth, maxDepth int) []protocol.FileNode {
	if depth >= maxDepth {
		return nil
	}

	entries, err := os.ReadDir(currentDir)
	if err != nil {
		return nil
	}

	// Dirs first, then files; each group keeps ReadDir's name order.
	var dirs, files []os.DirEntry
	for _, entry := range entries {
		name := entry.Name()
		if excludedDirs[name] || (isHidden(name) && name != ".claude") {
			continue
		}
		if entry.IsDir() {
			dirs = append(dirs, entry)
		} else {
			files = append(files, entry)
		}
	}

	nodes := make([]protocol.FileNode, 0, len(dirs)+len(files))
	for _, d := range dirs {
		fullPath := filepath.Join(currentDir, d.Name())
		relPath, _ := filepath.Rel(rootDir, fullPath)
		nodes = append(nodes, protocol.FileNode{
			Name:     d.Name(),
			Path:     relPath,
			IsDir:    true,
			Children: buildTreeRecursive(rootDir, fullPath, depth+1, maxDepth),
		})
	}
	for _, f := range files {
		fullPath := filepath.Join(currentDir, f.Name())
		relPath, _ := filepath.Rel(rootDir, fullPath)
		var size int64
		if info, err := f.Info(); err == nil {
			size = info.Size()
		}
		nodes = append(nodes, protocol.FileNode{
			Name: f.Name(),
			Path: relPath,
			Size: size,
		})
	}

	return nodes
}

// addDirsRecursive adds a directory and its subdirectories to an fsnotify watcher.
func addDirsRecursive(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}

		name := d.Name()
		if path != dir && (excludedDirs[name] || (isHidden(name) && name != ".claude")) {
			return filepath.SkipDir
		}

		return w.Add(path)
	})
}

func isHidden(name string) bool {
	return len(name) > 0 && name[0] == '.'
}
