// events.go implements fsnotify event handling for config and token file changes.
// It normalizes paths, deduplicates by content hash, and triggers reload logic.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

func (w *Watcher) start(ctx context.Context) error {
	if errAddConfig := w.watcher.Add(w.configPath); errAddConfig != nil {
		log.Errorf("failed to watch config file %s: %v", w.configPath, errAddConfig)
		return errAddConfig
	}
	log.Debugf("watching config file: %s", w.configPath)
	if data, errRead := os.ReadFile(w.configPath); errRead == nil && len(data) > 0 {
		w.stateMu.Lock()
		w.lastConfigHash = hashBytes(data)
		w.stateMu.Unlock()
	}

	if tokenPath, _ := w.tokenTarget(); tokenPath != "" {
		dir := filepath.Dir(tokenPath)
		if errMk := os.MkdirAll(dir, 0o700); errMk != nil {
			log.Warnf("failed to create token directory %s: %v", dir, errMk)
		} else if errAddDir := w.watcher.Add(dir); errAddDir != nil {
			log.Warnf("failed to watch token directory %s: %v", dir, errAddDir)
		} else {
			log.Debugf("watching token directory: %s", dir)
		}
		if data, errRead := os.ReadFile(tokenPath); errRead == nil && len(data) > 0 {
			w.stateMu.Lock()
			w.lastTokenHash = hashBytes(data)
			w.stateMu.Unlock()
		}
	}

	go w.processEvents(ctx)
	return nil
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case errWatch, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("file watcher error: %v", errWatch)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	changeOps := fsnotify.Write | fsnotify.Create | fsnotify.Rename
	if event.Op&changeOps == 0 {
		return
	}
	name := normalizePath(event.Name)
	tokenPath, onToken := w.tokenTarget()

	switch {
	case name == normalizePath(w.configPath):
		log.Debugf("config file change details - operation: %s, timestamp: %s", event.Op.String(), time.Now().Format("2006-01-02 15:04:05.000"))
		w.scheduleConfigReload()
	case tokenPath != "" && name == normalizePath(tokenPath):
		if event.Op&fsnotify.Rename != 0 {
			time.Sleep(replaceCheckDelay)
		}
		if w.tokenFileUnchanged(tokenPath) {
			log.Debugf("token file unchanged (hash match), skipping reload: %s", filepath.Base(tokenPath))
			return
		}
		log.Infof("token file changed (%s): %s", event.Op.String(), filepath.Base(tokenPath))
		if onToken != nil {
			onToken(tokenPath)
		}
	}
}

// tokenFileUnchanged records the current hash and reports whether it matches the last one.
// Missing or empty files count as unchanged so half-written replaces are ignored.
func (w *Watcher) tokenFileUnchanged(path string) bool {
	data, errRead := os.ReadFile(path)
	if errRead != nil || len(data) == 0 {
		return true
	}
	curHash := hashBytes(data)
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	if w.lastTokenHash == curHash {
		return true
	}
	w.lastTokenHash = curHash
	return false
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func normalizePath(path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return ""
	}
	cleaned := filepath.Clean(trimmed)
	if runtime.GOOS == "windows" {
		cleaned = strings.TrimPrefix(cleaned, `\\?\`)
		cleaned = strings.ToLower(cleaned)
	}
	return cleaned
}
