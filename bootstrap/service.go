// Package bootstrap implements the initial-services lookup every resolver
// consults first. It maps well-known keys to stringified references.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Well-known keys bound by the daemon.
const (
	KeyServerActivator  = "ServerActivator"
	KeyServerLocator    = "ServerLocator"
	KeyServerRepository = "ServerRepository"
	KeyNameService      = "NameService"
)

// FileName is the file saved entries persist to inside the storage directory.
const FileName = "bootstrap.yaml"

// reloadDelay lets bursts of write events settle before the file is re-read.
const reloadDelay = 100 * time.Millisecond

// ErrNotFound is returned by Get for an unknown key.
var ErrNotFound = errors.New("bootstrap key not found")

type bootstrapFile struct {
	Services map[string]string `yaml:"services"`
}

// Service is a synchronized key to reference map. Transient entries live only
// in memory; saved entries are written to the file and are reloaded when the
// file changes on disk.
type Service struct {
	path   string
	logger *slog.Logger

	mu        sync.RWMutex
	transient map[string]string
	saved     map[string]string
}

// NewService loads the saved entries from <dir>/bootstrap.yaml. A missing
// file is treated as empty.
func NewService(dir string, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		path:      filepath.Join(dir, FileName),
		logger:    logger.With("component", "Bootstrap"),
		transient: make(map[string]string),
		saved:     make(map[string]string),
	}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the location of the saved-entries file.
func (s *Service) Path() string {
	return s.path
}

func (s *Service) reload() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", s.path, err)
	}
	var file bootstrapFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse %s: %w", s.path, err)
	}
	saved := file.Services
	if saved == nil {
		saved = make(map[string]string)
	}

	s.mu.Lock()
	s.saved = saved
	s.mu.Unlock()
	return nil
}

// Get returns the reference bound to key. Transient entries shadow saved ones.
func (s *Service) Get(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.transient[key]; ok {
		return v, nil
	}
	if v, ok := s.saved[key]; ok {
		return v, nil
	}
	return "", fmt.Errorf("%q: %w", key, ErrNotFound)
}

// Put binds key to ref and returns the previous value. With save the entry
// is written to the file.
func (s *Service) Put(key, ref string, save bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !save {
		prev := s.transient[key]
		s.transient[key] = ref
		return prev, nil
	}

	prev := s.saved[key]
	s.saved[key] = ref
	data, err := yaml.Marshal(bootstrapFile{Services: s.saved})
	if err != nil {
		return prev, err
	}
	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return prev, fmt.Errorf("save %s: %w", s.path, err)
	}
	s.logger.Info("Saved bootstrap entry", "key", key)
	return prev, nil
}

// Keys returns every bound key in sorted order.
func (s *Service) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool, len(s.transient)+len(s.saved))
	keys := make([]string, 0, len(s.transient)+len(s.saved))
	for _, m := range []map[string]string{s.transient, s.saved} {
		for k := range m {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)
	return keys
}

// Watch reloads the saved entries whenever the file is edited on disk, until
// ctx is done. The directory is watched so the file may be created later.
func (s *Service) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create bootstrap watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("failed to watch %q: %w", filepath.Dir(s.path), err)
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != s.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDelay, func() {
				if err := s.reload(); err != nil {
					s.logger.Error("Failed to reload bootstrap file", "error", err)
					return
				}
				s.logger.Info("Reloaded bootstrap file")
			})
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Error("Bootstrap watcher failed", "error", err)
		}
	}
}
