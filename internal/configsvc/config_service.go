// Package configsvc watches yaml configuration files and notifies
// registered clients when they change on disk.
package configsvc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/ghodss/yaml"
	"go.uber.org/zap"
)

type listener func(event fsnotify.Event)

type Service struct {
	log *zap.Logger

	watcher   *fsnotify.Watcher
	mu        sync.Mutex
	listeners []listener
	ready     chan struct{}
}

func New(log *zap.Logger) *Service {
	return &Service{
		log:   log,
		ready: make(chan struct{}),
	}
}

func (s *Service) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	s.watcher = watcher
	defer s.watcher.Close()
	close(s.ready)
	s.log.Info("Config service started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-s.watcher.Events:
			if !ok {
				return nil
			}
			s.mu.Lock()
			for _, fn := range s.listeners {
				fn(event)
			}
			s.mu.Unlock()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Error("Watcher error", zap.Error(err))
		}
	}
}

func (s *Service) Ready() <-chan struct{} {
	return s.ready
}

// Register starts watching path and calls fn with the re-read
// configuration on every write. It returns the initial configuration.
// A missing file is not an error: the defaults are returned and the
// file is picked up once created. Service is a parameter rather than
// the receiver to allow a generic config type.
func Register[T any](s *Service, path string, def T, fn func(config T, err error)) (T, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return def, fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	config, err := readConfig(absPath, def)
	if err != nil && !os.IsNotExist(err) {
		return def, fmt.Errorf("failed to read config: %w", err)
	}

	if err := s.watcher.Add(filepath.Dir(absPath)); err != nil {
		return def, fmt.Errorf("failed to watch %s: %w", path, err)
	}

	s.mu.Lock()
	s.listeners = append(s.listeners, func(event fsnotify.Event) {
		if event.Name != absPath {
			return
		}
		if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
			return
		}
		newConfig, err := readConfig(absPath, def)
		fn(newConfig, err)
	})
	s.mu.Unlock()

	return config, nil
}

func readConfig[T any](path string, def T) (T, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return def, err
	}
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return def, fmt.Errorf("failed to unmarshal %s: %w", path, err)
	}
	return def, nil
}
