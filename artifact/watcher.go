package artifact

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"impractical.co/strata"
)

// Redeployer is the part of a strata.Registry the Watcher uses.
type Redeployer interface {
	Get(contextPath string) (*strata.App, bool)
	Redeploy(ctx context.Context, contextPath string) (*strata.App, error)
}

// Watcher redeploys apps when the files in their directories change. Only
// apps that are already published are redeployed; the rest are deployed when
// they're first requested.
type Watcher struct {
	root     string
	registry Redeployer
	watcher  *fsnotify.Watcher
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]time.Time
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// WatcherOption customizes a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets how long an app's files need to stay unchanged before
// it's redeployed. It defaults to 250ms.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// NewWatcher returns a Watcher for the apps in the root directory.
func NewWatcher(root string, registry Redeployer, opts ...WatcherOption) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	w := &Watcher{
		root:     filepath.Clean(root),
		registry: registry,
		watcher:  watcher,
		debounce: 250 * time.Millisecond,
		pending:  map[string]time.Time{},
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start watches every directory under the root and redeploys in the
// background until Stop is called or ctx is done.
//
// If Start fails, nothing runs in the background and Stop only releases the
// underlying watcher.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	// fsnotify doesn't watch recursively
	err := filepath.WalkDir(w.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.IsDir() {
			return nil
		}
		return w.watcher.Add(path)
	})
	if err != nil {
		return fmt.Errorf("watching %s: %w", w.root, err)
	}
	w.running = true
	strata.Logger(ctx).InfoContext(ctx, "watching apps for changes", "root", w.root)
	go w.run(ctx)
	return nil
}

// Stop stops watching and waits for any redeploy in progress to finish.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return w.watcher.Close()
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	return w.watcher.Close()
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(max(w.debounce/2, 10*time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			strata.Logger(ctx).ErrorContext(ctx, "error watching apps", "error", err)
		case <-ticker.C:
			w.redeploySettled(ctx)
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	app, ok := w.appOf(event.Name)
	if !ok {
		return
	}
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.watcher.Add(event.Name); err != nil {
				strata.Logger(ctx).WarnContext(ctx, "can't watch new directory", "path", event.Name, "error", err)
			}
		}
	}
	strata.Logger(ctx).DebugContext(ctx, "app file changed", "app", app, "path", event.Name, "op", event.Op.String())
	w.mu.Lock()
	w.pending[app] = time.Now()
	w.mu.Unlock()
}

// appOf returns the name of the app a changed path belongs to.
func (w *Watcher) appOf(path string) (string, bool) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	app, _, _ := strings.Cut(filepath.ToSlash(rel), "/")
	return app, true
}

func (w *Watcher) redeploySettled(ctx context.Context) {
	w.mu.Lock()
	now := time.Now()
	var settled []string
	for app, changed := range w.pending {
		if now.Sub(changed) >= w.debounce {
			settled = append(settled, app)
			delete(w.pending, app)
		}
	}
	w.mu.Unlock()

	for _, app := range settled {
		contextPath := "/" + app
		if _, ok := w.registry.Get(contextPath); !ok {
			continue
		}
		if _, err := w.registry.Redeploy(ctx, contextPath); err != nil {
			// the old version stays published
			strata.Logger(ctx).ErrorContext(ctx, "error redeploying changed app", "app", app, "error", err)
			continue
		}
		strata.Logger(ctx).InfoContext(ctx, "redeployed changed app", "app", app)
	}
}
