package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

const (
	fileName   = "config.json"
	backupName = "config.bak"
)

// ErrNoBackup is returned by Restore when no backup file exists.
var ErrNoBackup = errors.New("no settings backup")

// Store persists Settings as config.json with a config.bak sibling kept
// from the previous successful save.
type Store struct {
	dir    string
	logger *slog.Logger
}

// NewStore creates the settings directory if needed.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create settings dir: %w", err)
	}
	return &Store{
		dir:    dir,
		logger: logger.With("component", "settings"),
	}, nil
}

// Path returns the primary settings file.
func (s *Store) Path() string { return filepath.Join(s.dir, fileName) }

// BackupPath returns the backup file.
func (s *Store) BackupPath() string { return filepath.Join(s.dir, backupName) }

// Load reads the settings file. It never leaves the caller without usable
// settings: a missing file yields defaults, which are written back, and an
// unreadable or corrupt file yields defaults together with the error.
func (s *Store) Load() (Settings, error) {
	cfg := Defaults()

	data, err := os.ReadFile(s.Path())
	if errors.Is(err, fs.ErrNotExist) {
		s.logger.Info("settings file missing, writing defaults", "path", s.Path())
		if err := s.Save(cfg); err != nil {
			s.logger.Warn("write default settings failed", "err", err)
		}
		return cfg, nil
	}
	if err != nil {
		return Defaults(), fmt.Errorf("read settings: %w", err)
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return Defaults(), fmt.Errorf("parse settings: %w", err)
	}
	cfg.Normalize()
	return cfg, nil
}

// Save writes cfg. The current file is first moved to the backup path; if
// the write or the read-back verification fails the backup is moved back.
func (s *Store) Save(cfg Settings) error {
	cfg.Normalize()
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	hadPrimary := true
	if err := os.Rename(s.Path(), s.BackupPath()); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("backup settings: %w", err)
		}
		hadPrimary = false
	}

	if err := os.WriteFile(s.Path(), data, 0o644); err != nil {
		s.rollback(hadPrimary)
		return fmt.Errorf("write settings: %w", err)
	}

	if err := s.verify(); err != nil {
		s.rollback(hadPrimary)
		return fmt.Errorf("verify settings: %w", err)
	}

	s.logger.Debug("settings saved", "path", s.Path())
	return nil
}

// Restore replaces the primary file with the backup. The backup is kept.
func (s *Store) Restore() error {
	data, err := os.ReadFile(s.BackupPath())
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNoBackup
	}
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	var probe Settings
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("parse backup: %w", err)
	}
	if err := os.WriteFile(s.Path(), data, 0o644); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	s.logger.Info("settings restored from backup")
	return nil
}

func (s *Store) verify() error {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		return err
	}
	var probe Settings
	return json.Unmarshal(data, &probe)
}

func (s *Store) rollback(hadPrimary bool) {
	if !hadPrimary {
		os.Remove(s.Path())
		return
	}
	if err := os.Rename(s.BackupPath(), s.Path()); err != nil {
		s.logger.Error("restore settings backup failed", "err", err)
	}
}
