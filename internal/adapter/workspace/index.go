package workspace

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"coderelay/internal/domain"
)

const (
	// DefaultLimit caps how many files one listing returns.
	DefaultLimit = 100
	// DefaultMaxScan caps how many files a walk collects before stopping.
	DefaultMaxScan = 20000
)

// FileEntry is one indexed file.
type FileEntry struct {
	Path        string `json:"path"`
	FullPath    string `json:"full_path"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	IsDirectory bool   `json:"is_directory"`
}

// IndexConfig configures an Index.
type IndexConfig struct {
	Limit   int
	MaxScan int
	Watch   bool
	Extra   []string // ignore patterns on top of the defaults
}

// Index lists workspace files, caching each root's walk until a filesystem
// change under it is observed.
type Index struct {
	cfg    IndexConfig
	logger *slog.Logger

	mu      sync.Mutex
	cache   map[string][]FileEntry
	watcher *fsnotify.Watcher
	watched map[string]string // watched dir -> root
	done    chan struct{}
}

// NewIndex creates an Index. With cfg.Watch the cache is invalidated by an
// fsnotify watcher; without it every call walks the tree.
func NewIndex(cfg IndexConfig, logger *slog.Logger) (*Index, error) {
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	if cfg.MaxScan <= 0 {
		cfg.MaxScan = DefaultMaxScan
	}
	ix := &Index{
		cfg:     cfg,
		logger:  logger,
		cache:   make(map[string][]FileEntry),
		watched: make(map[string]string),
		done:    make(chan struct{}),
	}
	if cfg.Watch {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, domain.WrapOp("workspace.NewIndex", err)
		}
		ix.watcher = w
		go ix.watch()
	}
	return ix, nil
}

// Files returns up to the configured limit of files under root, sorted by
// relative path. A non-empty search keeps only paths containing it,
// case-insensitively.
func (ix *Index) Files(ctx context.Context, root, search string) ([]FileEntry, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, domain.NewDomainError("Index.Files", domain.ErrInvalidInput, err.Error())
	}

	all, err := ix.entries(ctx, root)
	if err != nil {
		return nil, err
	}

	needle := strings.ToLower(search)
	out := make([]FileEntry, 0, min(len(all), ix.cfg.Limit))
	for _, e := range all {
		if needle != "" && !strings.Contains(strings.ToLower(e.Path), needle) {
			continue
		}
		out = append(out, e)
		if len(out) == ix.cfg.Limit {
			break
		}
	}
	return out, nil
}

// Close stops the watcher.
func (ix *Index) Close() error {
	if ix.watcher == nil {
		return nil
	}
	close(ix.done)
	return ix.watcher.Close()
}

func (ix *Index) entries(ctx context.Context, root string) ([]FileEntry, error) {
	if ix.watcher != nil {
		ix.mu.Lock()
		cached, ok := ix.cache[root]
		ix.mu.Unlock()
		if ok {
			return cached, nil
		}
	}

	entries, dirs, err := ix.walk(ctx, root)
	if err != nil {
		return nil, err
	}

	if ix.watcher != nil {
		ix.mu.Lock()
		ix.cache[root] = entries
		for _, d := range dirs {
			if _, ok := ix.watched[d]; ok {
				continue
			}
			if err := ix.watcher.Add(d); err != nil {
				ix.logger.Debug("workspace watch failed", "dir", d, "error", err)
				continue
			}
			ix.watched[d] = root
		}
		ix.mu.Unlock()
	}
	return entries, nil
}

func (ix *Index) walk(ctx context.Context, root string) ([]FileEntry, []string, error) {
	matcher := NewIgnoreMatcher(root, ix.cfg.Extra)
	var (
		entries []FileEntry
		dirs    []string
	)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, _ := filepath.Rel(root, path)
		if matcher.Match(rel) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			dirs = append(dirs, path)
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		entries = append(entries, FileEntry{
			Path:     filepath.ToSlash(rel),
			FullPath: path,
			Name:     d.Name(),
			Size:     info.Size(),
		})
		if len(entries) >= ix.cfg.MaxScan {
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return nil, nil, domain.NewDomainError("Index.Files", domain.ErrNotFound, err.Error())
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, dirs, nil
}

func (ix *Index) watch() {
	for {
		select {
		case <-ix.done:
			return
		case ev, ok := <-ix.watcher.Events:
			if !ok {
				return
			}
			if ev.Op == fsnotify.Chmod {
				continue
			}
			ix.invalidate(ev.Name)
		case err, ok := <-ix.watcher.Errors:
			if !ok {
				return
			}
			ix.logger.Warn("workspace watcher error", "error", err)
		}
	}
}

// invalidate drops the cached walk of the root containing path.
func (ix *Index) invalidate(path string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	root, ok := ix.watched[filepath.Dir(path)]
	if !ok {
		root, ok = ix.watched[path]
	}
	if !ok {
		return
	}
	delete(ix.cache, root)
	if _, isDir := ix.watched[path]; isDir {
		delete(ix.watched, path)
	}
	ix.logger.Debug("workspace index invalidated", "root", root, "path", path)
}
