package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mbarlow/sitekit/internal/domain"
)

const recordName = "site.json"

// FileStore keeps each site's record at <root>/site.json. Records written by
// older versions must still load, so unknown fields are ignored and missing
// optional fields default sanely.
type FileStore struct {
	sitesDir string
	logger   *slog.Logger
}

// NewFileStore returns a store scanning sitesDir for site records.
func NewFileStore(sitesDir string, logger *slog.Logger) *FileStore {
	return &FileStore{sitesDir: sitesDir, logger: logger}
}

// Save writes the record atomically into the site's root directory.
func (s *FileStore) Save(site *domain.Site) error {
	if site.Root == "" {
		return fmt.Errorf("store: site %s has no root path", site.ID)
	}
	if err := os.MkdirAll(site.Root, 0o755); err != nil {
		return fmt.Errorf("store: create site dir: %w", err)
	}
	data, err := json.MarshalIndent(site, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encode site %s: %w", site.ID, err)
	}
	path := filepath.Join(site.Root, recordName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("store: write site record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("store: replace site record: %w", err)
	}
	return nil
}

// LoadAll walks the sites directory and loads every record it can read.
// Damaged records are logged and skipped rather than failing the whole load.
func (s *FileStore) LoadAll() ([]*domain.Site, error) {
	entries, err := os.ReadDir(s.sitesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: read sites dir: %w", err)
	}
	var sites []*domain.Site
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(s.sitesDir, entry.Name(), recordName)
		site, err := s.loadRecord(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			s.logger.Warn("skipping unreadable site record", "path", path, "error", err)
			continue
		}
		sites = append(sites, site)
	}
	return sites, nil
}

// Delete removes the record file. The directory tree itself is the
// orchestrator's to remove.
func (s *FileStore) Delete(site *domain.Site) error {
	path := filepath.Join(site.Root, recordName)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: delete site record: %w", err)
	}
	return nil
}

func (s *FileStore) loadRecord(path string) (*domain.Site, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var site domain.Site
	if err := json.Unmarshal(data, &site); err != nil {
		return nil, fmt.Errorf("parse record: %w", err)
	}
	applyDefaults(&site, filepath.Dir(path))
	return &site, nil
}

// applyDefaults backfills fields older record versions did not carry.
func applyDefaults(site *domain.Site, root string) {
	if site.Root == "" {
		site.Root = root
	}
	if site.Name == "" {
		site.Name = filepath.Base(root)
	}
	if site.Status == "" {
		site.Status = domain.StatusStopped
	}
	if site.Backend == "" {
		site.Backend = domain.BackendNative
	}
	if site.Database.Engine == "" {
		site.Database.Engine = domain.EngineSQLite
	}
	if site.Database.Name == "" {
		site.Database.Name = site.Name
	}
}
