package policy

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ErrWatcherFailed indicates the filesystem watcher failed to initialize.
var ErrWatcherFailed = errors.New("failed to initialize policy watcher")

const reloadDebounce = 100 * time.Millisecond

// Watcher reloads a Gateway when its policy file changes on disk.
// A file that fails to parse or compile is logged and ignored, so the
// previous policy keeps serving.
type Watcher struct {
	gw      *Gateway
	path    string
	watcher *fsnotify.Watcher
	logger  *zap.Logger
	reloads chan error
	stop    chan struct{}
}

// NewWatcher watches path on behalf of gw.
func NewWatcher(gw *Gateway, path string, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving policy path: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	return &Watcher{
		gw:      gw,
		path:    abs,
		watcher: fw,
		logger:  logger,
		reloads: make(chan error, 10),
		stop:    make(chan struct{}),
	}, nil
}

// Start watches the policy's directory so editors that replace the
// file by rename are still seen.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(w.path), err)
	}
	go w.processEvents(ctx)
	return nil
}

// Stop stops the watcher. Safe to call more than once.
func (w *Watcher) Stop() {
	select {
	case <-w.stop:
		return
	default:
		close(w.stop)
		_ = w.watcher.Close()
	}
}

// Reloads reports the outcome of each reload attempt. Sends never block;
// outcomes are dropped when nobody reads.
func (w *Watcher) Reloads() <-chan error {
	return w.reloads
}

func (w *Watcher) processEvents(ctx context.Context) {
	var pending <-chan time.Time
	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(reloadDebounce)
		case <-pending:
			pending = nil
			w.report(w.reload())
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("policy watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() error {
	p, err := Load(w.path)
	if err != nil {
		w.logger.Warn("policy reload skipped", zap.String("path", w.path), zap.Error(err))
		return err
	}
	if err := w.gw.Replace(p); err != nil {
		w.logger.Warn("policy reload rejected", zap.String("path", w.path), zap.Error(err))
		return err
	}
	w.logger.Info("policy reloaded", zap.String("path", w.path))
	return nil
}

func (w *Watcher) report(err error) {
	select {
	case w.reloads <- err:
	default:
	}
}
