package workspace

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/maanworks/coedit/src/coedit/gateway/client"
	"github.com/maanworks/coedit/src/coedit/internal/protocol"
)

// WatcherModule provides the workspace watcher.
var WatcherModule = fx.Provide(NewWatcher)

// Watcher observes workspace directories for changes made outside the editor
// surface and re-broadcasts them as file tree changes.
type Watcher interface {
	// Watch starts observing a session's workspace root recursively.
	Watch(ctx context.Context, sessionID uuid.UUID, root string) error
	// Stop ends observation for a session.
	Stop(sessionID uuid.UUID)
}

// WatcherParams are inbound parameters to construct the watcher.
type WatcherParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Gateway   client.Gateway
	Logger    *zap.SugaredLogger
}

type sessionWatch struct {
	watcher *fsnotify.Watcher
	done    chan struct{}
}

type watcher struct {
	gateway client.Gateway
	logger  *zap.SugaredLogger

	mu      sync.Mutex
	watches map[uuid.UUID]*sessionWatch
}

// NewWatcher creates the watcher; all observation stops on fx shutdown.
func NewWatcher(p WatcherParams) Watcher {
	w := &watcher{
		gateway: p.Gateway,
		logger:  p.Logger.With("plugin", "workspace-watcher"),
		watches: make(map[uuid.UUID]*sessionWatch),
	}
	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			w.stopAll()
			return nil
		},
	})
	return w
}

func (w *watcher) Watch(ctx context.Context, sessionID uuid.UUID, root string) error {
	w.mu.Lock()
	_, exists := w.watches[sessionID]
	w.mu.Unlock()
	if exists {
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// fsnotify is not recursive; seed it with every non-hidden directory.
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if name := d.Name(); strings.HasPrefix(name, ".") && path != root {
			return filepath.SkipDir
		}
		return fsw.Add(path)
	})
	if err != nil {
		fsw.Close()
		return err
	}

	sw := &sessionWatch{watcher: fsw, done: make(chan struct{})}
	w.mu.Lock()
	if prior, ok := w.watches[sessionID]; ok {
		prior.watcher.Close()
		<-prior.done
	}
	w.watches[sessionID] = sw
	w.mu.Unlock()

	go w.run(sessionID, root, sw)
	return nil
}

func (w *watcher) Stop(sessionID uuid.UUID) {
	w.mu.Lock()
	sw, ok := w.watches[sessionID]
	if ok {
		delete(w.watches, sessionID)
	}
	w.mu.Unlock()
	if ok {
		sw.watcher.Close()
		<-sw.done
	}
}

func (w *watcher) stopAll() {
	w.mu.Lock()
	watches := w.watches
	w.watches = make(map[uuid.UUID]*sessionWatch)
	w.mu.Unlock()
	for _, sw := range watches {
		sw.watcher.Close()
		<-sw.done
	}
}

func (w *watcher) run(sessionID uuid.UUID, root string, sw *sessionWatch) {
	defer close(sw.done)
	for {
		select {
		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			w.handle(sessionID, root, sw, event)
		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warnw("watch error", "session", sessionID, "error", err)
		}
	}
}

func (w *watcher) handle(sessionID uuid.UUID, root string, sw *sessionWatch, event fsnotify.Event) {
	rel, err := filepath.Rel(root, event.Name)
	if err != nil || hidden(rel) {
		return
	}

	// New directories need their own watch to keep recursion alive.
	if event.Op.Has(fsnotify.Create) {
		if info, statErr := os.Stat(event.Name); statErr == nil && info.IsDir() {
			if addErr := sw.watcher.Add(event.Name); addErr != nil {
				w.logger.Debugw("adding watch", "path", event.Name, "error", addErr)
			}
		}
	}

	w.gateway.Broadcast(context.Background(), sessionID, protocol.MustEvent(protocol.TypeFileTreeChanged, protocol.FileTreeChanged{
		Change: TreeExternal,
		Path:   filepath.ToSlash(rel),
	}))
}

func hidden(rel string) bool {
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if strings.HasPrefix(part, ".") && part != "." {
			return true
		}
	}
	return false
}
