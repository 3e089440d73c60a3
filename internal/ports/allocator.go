// Package ports implements the persisted, sticky site-to-port registry.
package ports

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/mbarlow/sitekit/internal/domain"
)

// Allocation records one site's port reservation. The mapping survives
// release: a released port stays reserved to its site until reconciliation or
// deletion, so a stop/start cycle gets the same port back.
type Allocation struct {
	SiteID      string    `json:"siteId"`
	Port        int       `json:"port"`
	AllocatedAt time.Time `json:"allocatedAt"`
	InUse       bool      `json:"inUse"`
}

type table struct {
	Allocations map[string]Allocation `json:"allocations"`
	LastScanned int                   `json:"lastScanned"`
}

// Allocator hands out conflict-free TCP ports from a fixed range. Table
// membership alone is never trusted: a live bind test is the definitive
// availability check, since the persisted table can go stale across restarts.
type Allocator struct {
	mu       sync.Mutex
	path     string
	min, max int
	reserved map[int]struct{}
	logger   *slog.Logger
	tbl      table

	// bindCheck reports whether the OS would let us bind the port right now.
	// Replaced in tests.
	bindCheck func(port int) bool
}

// New loads (or initializes) the persisted port table at path.
func New(path string, min, max int, reserved []int, logger *slog.Logger) (*Allocator, error) {
	if min <= 0 || max < min {
		return nil, fmt.Errorf("ports: invalid range %d-%d", min, max)
	}
	a := &Allocator{
		path:      path,
		min:       min,
		max:       max,
		reserved:  make(map[int]struct{}, len(reserved)),
		logger:    logger,
		tbl:       table{Allocations: make(map[string]Allocation)},
		bindCheck: defaultBindCheck,
	}
	for _, p := range reserved {
		a.reserved[p] = struct{}{}
	}
	if err := a.load(); err != nil {
		return nil, err
	}
	return a, nil
}

// Allocate reserves a port for the site and marks it in use. A prior
// allocation is reused when the OS still reports it bindable; otherwise the
// range is scanned once, starting after the last scanned port.
func (a *Allocator) Allocate(siteID string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if alloc, ok := a.tbl.Allocations[siteID]; ok {
		if alloc.InUse {
			// Retry of an operation that already acquired: do not double-acquire.
			return alloc.Port, nil
		}
		if a.bindCheck(alloc.Port) {
			alloc.InUse = true
			a.tbl.Allocations[siteID] = alloc
			if err := a.save(); err != nil {
				return 0, err
			}
			return alloc.Port, nil
		}
		a.logger.Warn("sticky port no longer bindable, rescanning", "site_id", siteID, "port", alloc.Port)
	}

	port, err := a.scanLocked(siteID)
	if err != nil {
		return 0, err
	}
	a.tbl.Allocations[siteID] = Allocation{
		SiteID:      siteID,
		Port:        port,
		AllocatedAt: time.Now().UTC(),
		InUse:       true,
	}
	a.tbl.LastScanned = port
	if err := a.save(); err != nil {
		return 0, err
	}
	return port, nil
}

// scanLocked walks the range once, wrapping around from the cursor, and
// returns the first port that is not reserved, not marked in use by any site,
// and currently bindable.
func (a *Allocator) scanLocked(siteID string) (int, error) {
	inUse := make(map[int]struct{}, len(a.tbl.Allocations))
	sticky := make(map[int]string, len(a.tbl.Allocations))
	for id, alloc := range a.tbl.Allocations {
		if alloc.InUse {
			inUse[alloc.Port] = struct{}{}
		} else {
			sticky[alloc.Port] = id
		}
	}

	size := a.max - a.min + 1
	start := a.tbl.LastScanned + 1
	if start < a.min || start > a.max {
		start = a.min
	}
	for i := 0; i < size; i++ {
		port := a.min + (start-a.min+i)%size
		if _, ok := a.reserved[port]; ok {
			continue
		}
		if _, ok := inUse[port]; ok {
			continue
		}
		if !a.bindCheck(port) {
			continue
		}
		// Stealing another site's released sticky port: drop its mapping so
		// the table never holds one port under two sites.
		if owner, ok := sticky[port]; ok && owner != siteID {
			delete(a.tbl.Allocations, owner)
		}
		return port, nil
	}
	return 0, domain.ErrNoAvailablePorts
}

// Release clears the in-use flag but keeps the site-to-port mapping sticky.
func (a *Allocator) Release(siteID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	alloc, ok := a.tbl.Allocations[siteID]
	if !ok || !alloc.InUse {
		return nil
	}
	alloc.InUse = false
	a.tbl.Allocations[siteID] = alloc
	return a.save()
}

// Forget removes the mapping entirely. Called on site deletion.
func (a *Allocator) Forget(siteID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.tbl.Allocations[siteID]; !ok {
		return nil
	}
	delete(a.tbl.Allocations, siteID)
	return a.save()
}

// Lookup returns the current allocation for a site, if any.
func (a *Allocator) Lookup(siteID string) (Allocation, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	alloc, ok := a.tbl.Allocations[siteID]
	return alloc, ok
}

// Reconcile shrinks the table by dropping entries that are not in use and
// whose port is currently bindable (confirming nothing else claimed it).
// Returns the number of entries dropped.
func (a *Allocator) Reconcile() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	dropped := 0
	for id, alloc := range a.tbl.Allocations {
		if alloc.InUse {
			continue
		}
		if a.bindCheck(alloc.Port) {
			delete(a.tbl.Allocations, id)
			dropped++
		}
	}
	if dropped == 0 {
		return 0, nil
	}
	return dropped, a.save()
}

func (a *Allocator) load() error {
	data, err := os.ReadFile(a.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("ports: read table: %w", err)
	}
	var tbl table
	if err := json.Unmarshal(data, &tbl); err != nil {
		return fmt.Errorf("ports: parse table %s: %w", a.path, err)
	}
	if tbl.Allocations == nil {
		tbl.Allocations = make(map[string]Allocation)
	}
	a.tbl = tbl
	return nil
}

func (a *Allocator) save() error {
	data, err := json.MarshalIndent(a.tbl, "", "  ")
	if err != nil {
		return fmt.Errorf("ports: encode table: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(a.path), 0o755); err != nil {
		return fmt.Errorf("ports: create state dir: %w", err)
	}
	tmp := a.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("ports: write table: %w", err)
	}
	if err := os.Rename(tmp, a.path); err != nil {
		return fmt.Errorf("ports: replace table: %w", err)
	}
	return nil
}

func defaultBindCheck(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
