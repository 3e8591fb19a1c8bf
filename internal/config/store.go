package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// Store owns the on-disk Config document: loading it at startup, handing out
// cheap snapshots to the scheduler, and performing the sole durable write
// (atomic temp-file + fsync + rename) per spec §4.2.
type Store struct {
	mu       sync.RWMutex
	path     string
	current  Config
	version  uint64
	log      *zap.Logger
}

// NewStore loads path and returns a Store primed with its contents. The
// returned error is a *ConfigError for a validation failure, or a plain I/O
// error for anything else (see validate-config's exit code contract).
func NewStore(path string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{path: path, log: log}
	cfg, err := s.readFile()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s.current = cfg
	s.version = 1
	return s, nil
}

func (s *Store) readFile() (Config, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", s.path, err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", s.path, err)
	}
	return cfg, nil
}

// Snapshot returns an immutable copy of the current config and its version.
// Cheap to call once per scheduler tick.
func (s *Store) Snapshot() (Config, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, s.version
}

// Version returns the current version counter without copying the config.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Save validates cfg, then atomically writes it to disk: a temp file in the
// same directory, fsynced, then renamed over the target. On any failure the
// temp file is removed and the pre-existing file is untouched. On success
// the version counter is incremented so the scheduler picks it up next tick.
func (s *Store) Save(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshaling: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".brain.config.*.tmp")
	if err != nil {
		return fmt.Errorf("config: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("config: writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("config: fsyncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("config: closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("config: renaming into place: %w", err)
	}
	cleanup = false

	s.mu.Lock()
	s.current = cfg
	s.version++
	s.mu.Unlock()

	if s.log != nil {
		s.log.Info("config saved", zap.String("path", s.path), zap.Uint64("version", s.version))
	}
	return nil
}

// Reload re-reads the config file from disk, validates it, adopts it and
// bumps the version counter, whether or not its content changed.
// Used by operators that edit the file directly rather than going through
// Save.
func (s *Store) Reload() error {
	cfg, err := s.readFile()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = cfg
	s.version++
	return nil
}
