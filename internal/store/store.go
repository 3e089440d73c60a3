// Package store persists site records as one JSON document per site
// directory, written after every state transition.
package store

import "github.com/mbarlow/sitekit/internal/domain"

// SiteStore is the persistence contract the orchestrator writes through.
type SiteStore interface {
	// Save writes the record into the site's own directory.
	Save(site *domain.Site) error
	// LoadAll scans for persisted records, skipping unreadable ones.
	LoadAll() ([]*domain.Site, error)
	// Delete removes the persisted record. Removing an absent record is a no-op.
	Delete(site *domain.Site) error
}
