package config

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ChangeHandler is called with the freshly loaded config after the
// watched file changes. Handlers must not block.
type ChangeHandler func(cfg *Config)

// Manager holds the live config and hot-reloads it when the config
// file changes on disk. Only tunables read through Current() pick up
// changes; connection-level settings require a restart.
type Manager struct {
	mu       sync.RWMutex
	current  *Config
	handlers []ChangeHandler
	watcher  *fsnotify.Watcher
	logger   *zap.Logger
	stopCh   chan struct{}
}

// NewManager wraps an already loaded config. Watching starts only when
// Watch is called with a real file path.
func NewManager(cfg *Config, logger *zap.Logger) *Manager {
	return &Manager{current: cfg, logger: logger, stopCh: make(chan struct{})}
}

// Current returns the live config snapshot.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnChange registers a reload handler.
func (m *Manager) OnChange(h ChangeHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// Watch begins watching configPath for writes and renames. Editors
// replace files on save, so the parent directory is watched and events
// are filtered by name.
func (m *Manager) Watch(configPath string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(configPath)); err != nil {
		w.Close()
		return err
	}
	m.watcher = w

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(configPath) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				m.reload()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				m.logger.Warn("Config watcher error", zap.Error(err))
			case <-m.stopCh:
				return
			}
		}
	}()
	return nil
}

func (m *Manager) reload() {
	cfg, err := Load()
	if err != nil {
		m.logger.Warn("Config reload failed, keeping previous", zap.Error(err))
		return
	}
	m.mu.Lock()
	m.current = cfg
	handlers := append([]ChangeHandler(nil), m.handlers...)
	m.mu.Unlock()

	m.logger.Info("Config reloaded")
	for _, h := range handlers {
		h(cfg)
	}
}

// Close stops the watcher.
func (m *Manager) Close() error {
	close(m.stopCh)
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}
