// Package watcher watches the config file and the persisted token file and triggers hot
// reloads. It supports cross-platform fsnotify event handling.
package watcher

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/specflow/specflow/internal/config"
	"gopkg.in/yaml.v3"
)

// Watcher manages file watching for the configuration file and the token file.
type Watcher struct {
	configPath        string
	tokenPath         string
	config            *config.Config
	stateMu           sync.RWMutex
	configReloadMu    sync.Mutex
	configReloadTimer *time.Timer
	reloadCallback    func(*config.Config)
	tokenCallback     func(path string)
	watcher           *fsnotify.Watcher
	lastConfigHash    string
	lastTokenHash     string
	oldConfigYaml     []byte
}

const (
	// replaceCheckDelay lets an atomic replace (rename) settle before the file is read.
	replaceCheckDelay    = 50 * time.Millisecond
	configReloadDebounce = 150 * time.Millisecond
)

// NewWatcher creates a new file watcher instance. reloadCallback receives every
// successfully reloaded configuration.
func NewWatcher(configPath string, reloadCallback func(*config.Config)) (*Watcher, error) {
	watcher, errNewWatcher := fsnotify.NewWatcher()
	if errNewWatcher != nil {
		return nil, errNewWatcher
	}
	return &Watcher{
		configPath:     configPath,
		reloadCallback: reloadCallback,
		watcher:        watcher,
	}, nil
}

// WatchTokenFile registers the persisted token file. onChange runs when another process
// rewrites it, e.g. a CLI login while the server is running. Call before Start.
func (w *Watcher) WatchTokenFile(path string, onChange func(path string)) {
	w.stateMu.Lock()
	w.tokenPath = filepath.Clean(path)
	w.tokenCallback = onChange
	w.stateMu.Unlock()
}

// Start begins watching the configuration file and, when registered, the token directory.
func (w *Watcher) Start(ctx context.Context) error {
	return w.start(ctx)
}

// Stop stops the file watcher
func (w *Watcher) Stop() error {
	w.stopConfigReloadTimer()
	return w.watcher.Close()
}

// SetConfig updates the current configuration
func (w *Watcher) SetConfig(cfg *config.Config) {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	w.config = cfg
	w.oldConfigYaml, _ = yaml.Marshal(cfg)
}

// Config returns the most recently loaded configuration.
func (w *Watcher) Config() *config.Config {
	w.stateMu.RLock()
	defer w.stateMu.RUnlock()
	return w.config
}

func (w *Watcher) tokenTarget() (string, func(string)) {
	w.stateMu.RLock()
	defer w.stateMu.RUnlock()
	return w.tokenPath, w.tokenCallback
}

