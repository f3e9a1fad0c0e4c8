package resilience

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// LoadConfigFile reads a YAML config file, layered over Defaults().
func LoadConfigFile(path string) (Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// ConfigWatcher hot-reloads the config file and notifies on changes. Only
// writes that change the file's checksum fire the callback.
type ConfigWatcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onChange func(Config)

	mu       sync.Mutex
	checksum string
	stopCh   chan struct{}
	done     sync.WaitGroup
}

// WatchConfigFile starts watching path, invoking onChange with each newly
// parsed config. Close releases the watcher.
func WatchConfigFile(path string, onChange func(Config)) (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	w := &ConfigWatcher{
		path:     path,
		watcher:  watcher,
		onChange: onChange,
		stopCh:   make(chan struct{}),
	}
	if data, err := os.ReadFile(path); err == nil {
		w.checksum = checksumOf(data)
	}
	w.done.Add(1)
	go w.loop()
	return w, nil
}

func (w *ConfigWatcher) loop() {
	defer w.done.Done()
	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != w.path || (!ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create)) {
				continue
			}
			w.reload()
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (w *ConfigWatcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return
	}
	sum := checksumOf(data)
	w.mu.Lock()
	unchanged := sum == w.checksum
	w.checksum = sum
	w.mu.Unlock()
	if unchanged {
		return
	}
	cfg, err := LoadConfigFile(w.path)
	if err != nil {
		return
	}
	if w.onChange != nil {
		w.onChange(cfg)
	}
}

// Close stops the watcher.
func (w *ConfigWatcher) Close() error {
	close(w.stopCh)
	err := w.watcher.Close()
	w.done.Wait()
	return err
}

func checksumOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
