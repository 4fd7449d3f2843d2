// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package credentials

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// DefaultReloadDelay is the debounce delay applied to file change events.
const DefaultReloadDelay = 100 * time.Millisecond

var _ Store = (*FileStore)(nil)

type document struct {
	Credentials []Credentials `yaml:"credentials"`
}

// FileStore serves credentials from a YAML file and reloads it on change.
//
// File format:
//
//	credentials:
//	  - tenant: DEFAULT_TENANT
//	    auth-id: sensor1
//	    device-id: "4711"
//	    secret: hunter2
//	  - tenant: DEFAULT_TENANT
//	    auth-id: retired
//	    device-id: "4712"
//	    enabled: false
type FileStore struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]Credentials
}

// NewFileStore loads the credentials file at path.
func NewFileStore(path string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	s := &FileStore{path: abs, logger: logger}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Get implements Store.
func (s *FileStore) Get(ctx context.Context, tenantID, authID string) (Credentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.entries[key(tenantID, authID)]
	if !ok {
		return Credentials{}, ErrNotFound
	}
	return c, nil
}

// Len returns the number of loaded credentials.
func (s *FileStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Reload re-reads the credentials file. On error the previous content is kept.
func (s *FileStore) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read credentials file %s: %w", s.path, err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse credentials file %s: %w", s.path, err)
	}

	entries := make(map[string]Credentials, len(doc.Credentials))
	for i, c := range doc.Credentials {
		if c.TenantID == "" || c.AuthID == "" || c.DeviceID == "" {
			return fmt.Errorf("credentials entry %d in %s: tenant, auth-id and device-id are required", i, s.path)
		}
		entries[key(c.TenantID, c.AuthID)] = c
	}

	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()

	s.logger.Info("credentials loaded",
		slog.String("path", s.path),
		slog.Int("count", len(entries)))
	return nil
}

// Watch reloads the file whenever it changes and blocks until ctx is cancelled.
// The parent directory is watched so editors that replace the file are handled.
func (s *FileStore) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", s.path, err)
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
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(DefaultReloadDelay, func() {
				if err := s.Reload(); err != nil {
					s.logger.Error("credentials reload failed", slog.String("error", err.Error()))
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("credentials watcher error", slog.String("error", err.Error()))
		}
	}
}
