// Package site implements the top-level lifecycle state machine composing
// port allocation, database provisioning, execution backends, readiness
// probing and installation into create/start/stop/delete operations.
package site

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mbarlow/sitekit/internal/backend"
	"github.com/mbarlow/sitekit/internal/dbengine"
	"github.com/mbarlow/sitekit/internal/domain"
	"github.com/mbarlow/sitekit/internal/hosts"
	"github.com/mbarlow/sitekit/internal/poll"
	"github.com/mbarlow/sitekit/internal/store"
	"github.com/mbarlow/sitekit/pkg/config"
)

// PortAllocator is the slice of the port registry the orchestrator drives.
type PortAllocator interface {
	Allocate(siteID string) (int, error)
	Release(siteID string) error
	Forget(siteID string) error
	Reconcile() (int, error)
}

// DatabaseProvisioner resolves a site's database requirement, downgrading to
// the file-based engine instead of failing when a server engine is
// unreachable.
type DatabaseProvisioner interface {
	EnsureAvailable(ctx context.Context, req dbengine.Request) (dbengine.Result, error)
}

// ReadinessProbe confirms a started backend accepts connections.
type ReadinessProbe interface {
	WaitUntilReady(ctx context.Context, url string, spec poll.Spec) error
}

// AppInstaller performs the one-time application bootstrap.
type AppInstaller interface {
	Run(ctx context.Context, baseURL string, site *domain.Site) error
}

// Orchestrator owns the process-wide site registry. Per-site lifecycle
// operations are serialized by a per-site lock; distinct sites proceed in
// parallel.
type Orchestrator struct {
	cfg       config.Config
	store     store.SiteStore
	ports     PortAllocator
	db        DatabaseProvisioner
	backends  map[domain.BackendKind]backend.Backend
	prober    ReadinessProbe
	installer AppInstaller
	hosts     hosts.Registrar
	logger    *slog.Logger

	mu        sync.RWMutex
	sites     map[string]*domain.Site
	handles   map[string]backend.Handle
	locks     map[string]*sync.Mutex
	stopFlags map[string]*atomic.Bool
}

// New wires the orchestrator. All collaborators are constructed once at
// process start and injected; the orchestrator holds the only mutable state.
func New(cfg config.Config, st store.SiteStore, ports PortAllocator, db DatabaseProvisioner,
	backends map[domain.BackendKind]backend.Backend, prober ReadinessProbe,
	installer AppInstaller, registrar hosts.Registrar, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		store:     st,
		ports:     ports,
		db:        db,
		backends:  backends,
		prober:    prober,
		installer: installer,
		hosts:     registrar,
		logger:    logger,
		sites:     make(map[string]*domain.Site),
		handles:   make(map[string]backend.Handle),
		locks:     make(map[string]*sync.Mutex),
		stopFlags: make(map[string]*atomic.Bool),
	}
}

// Restore loads persisted site records and reconciles them with reality: no
// backend handle survives a restart, so records stuck mid-transition or
// running are brought back to stopped, and their port reservations released.
func (o *Orchestrator) Restore(ctx context.Context) error {
	sites, err := o.store.LoadAll()
	if err != nil {
		return fmt.Errorf("restore sites: %w", err)
	}
	o.mu.Lock()
	for _, s := range sites {
		o.sites[s.ID] = s
	}
	o.mu.Unlock()

	for _, s := range sites {
		switch s.Status {
		case domain.StatusStarting, domain.StatusRunning, domain.StatusStopping:
			o.logger.Warn("reconciling stale site status after restart", "site_id", s.ID, "was", s.Status)
			lock := o.siteLock(s.ID)
			lock.Lock()
			if err := o.ports.Release(s.ID); err != nil {
				o.logger.Warn("release stale port reservation failed", "site_id", s.ID, "error", err)
			}
			if err := o.transition(s, domain.StatusStopped, nil); err != nil {
				o.logger.Warn("persist reconciled status failed", "site_id", s.ID, "error", err)
			}
			lock.Unlock()
		}
	}

	if dropped, err := o.ports.Reconcile(); err != nil {
		o.logger.Warn("port table reconciliation failed", "error", err)
	} else if dropped > 0 {
		o.logger.Info("port table reconciled", "dropped", dropped)
	}
	return nil
}

// siteLock returns the per-site operation lock, creating it on first use.
func (o *Orchestrator) siteLock(id string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	lock, ok := o.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		o.locks[id] = lock
	}
	return lock
}

func (o *Orchestrator) stopFlag(id string) *atomic.Bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	flag, ok := o.stopFlags[id]
	if !ok {
		flag = &atomic.Bool{}
		o.stopFlags[id] = flag
	}
	return flag
}

// mutate applies fn under the registry lock so copies handed out by Get and
// List never observe a half-written record.
func (o *Orchestrator) mutate(fn func()) {
	o.mu.Lock()
	fn()
	o.mu.Unlock()
}

// transition is the single place a site's status is written. It persists
// immediately, so a crash mid-operation leaves the on-disk status matching
// the last completed step. The caller must hold the site's operation lock
// (or be the exit watcher, which acquires it).
func (o *Orchestrator) transition(site *domain.Site, to domain.Status, cause error) error {
	from := site.Status
	o.mutate(func() {
		site.Status = to
		if cause != nil {
			site.LastError = cause.Error()
		} else if to != domain.StatusError {
			site.LastError = ""
		}
	})
	if err := o.store.Save(site); err != nil {
		return fmt.Errorf("persist transition %s->%s: %w", from, to, err)
	}
	o.logger.Info("site status changed", "site_id", site.ID, "from", from, "to", to)
	return nil
}

// Create validates the request, allocates the site's directory and sticky
// port, and persists the initial stopped record. It never starts a backend.
func (o *Orchestrator) Create(ctx context.Context, req domain.CreateRequest) (*domain.Site, error) {
	name := sanitizeName(req.Name)
	if name == "" {
		return nil, fmt.Errorf("site: invalid name %q", req.Name)
	}
	siteDomain := req.Domain
	if siteDomain == "" {
		siteDomain = name + o.cfg.DomainSuffix
	}
	root := filepath.Join(o.cfg.SitesDir, name)

	o.mu.Lock()
	for _, s := range o.sites {
		if s.Name == name {
			o.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", domain.ErrNameConflict, name)
		}
	}
	o.mu.Unlock()
	if _, err := os.Stat(root); err == nil {
		return nil, fmt.Errorf("%w: directory %s already exists", domain.ErrNameConflict, root)
	}

	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, &domain.StepError{SiteID: name, Step: "create root", Err: err}
	}

	id := uuid.NewString()
	port, err := o.ports.Allocate(id)
	if err != nil {
		_ = os.RemoveAll(root)
		return nil, &domain.StepError{SiteID: id, Step: "allocate port", Err: err}
	}
	// The port stays reserved to the site but is only marked in-use while a
	// lifecycle operation holds it.
	if err := o.ports.Release(id); err != nil {
		o.logger.Warn("release fresh allocation failed", "site_id", id, "error", err)
	}

	admin := req.Admin
	if admin.User == "" {
		admin.User = "admin"
	}
	if admin.Password == "" {
		admin.Password = randomPassword()
	}
	if admin.Email == "" {
		admin.Email = "admin@" + siteDomain
	}

	engine := req.Engine
	if engine == "" {
		engine = domain.EngineMySQL
	}
	backendKind := req.Backend
	if backendKind == "" {
		backendKind = domain.BackendNative
	}
	if _, ok := o.backends[backendKind]; !ok {
		_ = o.ports.Forget(id)
		_ = os.RemoveAll(root)
		return nil, fmt.Errorf("site: backend %q not available", backendKind)
	}

	site := &domain.Site{
		ID:         id,
		Name:       name,
		Title:      req.Title,
		Domain:     siteDomain,
		Root:       root,
		Port:       port,
		PHPVersion: req.PHPVersion,
		AppVersion: req.AppVersion,
		Backend:    backendKind,
		Database: domain.Database{
			Engine:        engine,
			EngineVersion: req.EngineVersion,
			Name:          name,
			User:          o.cfg.EngineUser,
			Password:      o.cfg.EnginePassword,
		},
		Status:    domain.StatusStopped,
		Admin:     admin,
		CreatedAt: time.Now().UTC(),
	}
	if site.Backend == domain.BackendContainer && site.Database.Password == "" {
		site.Database.Password = randomPassword()
	}

	if err := o.store.Save(site); err != nil {
		_ = o.ports.Forget(id)
		_ = os.RemoveAll(root)
		return nil, &domain.StepError{SiteID: id, Step: "persist record", Err: err}
	}

	o.mu.Lock()
	o.sites[id] = site
	o.mu.Unlock()

	if err := o.hosts.AddEntry(id, siteDomain, o.cfg.LoopbackIP); err != nil {
		o.logger.Warn("hosts entry registration failed", "site_id", id, "domain", siteDomain, "error", err)
	}

	o.logger.Info("site created", "site_id", id, "name", name, "port", port, "backend", backendKind)
	return copySite(site), nil
}

// Start brings a site to running: database, runtime config, backend,
// readiness, first-run installation. Each acquired resource is paired with a
// release on the failure path, and a pending stop request aborts the start at
// the next suspension point.
func (o *Orchestrator) Start(ctx context.Context, id string) error {
	flag := o.stopFlag(id)
	lock := o.siteLock(id)
	lock.Lock()
	defer lock.Unlock()
	flag.Store(false)

	site, err := o.lookup(id)
	if err != nil {
		return err
	}
	if site.Status == domain.StatusRunning {
		return nil
	}
	if err := o.transition(site, domain.StatusStarting, nil); err != nil {
		return err
	}

	fail := func(step string, cause error) error {
		stepErr := &domain.StepError{SiteID: id, Step: step, Err: cause}
		if err := o.transition(site, domain.StatusError, stepErr); err != nil {
			o.logger.Error("persist error status failed", "site_id", id, "error", err)
		}
		return stepErr
	}

	port, err := o.ports.Allocate(id)
	if err != nil {
		return fail("allocate port", err)
	}
	o.mutate(func() { site.Port = port })

	abort := func(undo func()) error {
		if undo != nil {
			undo()
		}
		if err := o.ports.Release(id); err != nil {
			o.logger.Warn("release port on abort failed", "site_id", id, "error", err)
		}
		if err := o.transition(site, domain.StatusStopped, nil); err != nil {
			return err
		}
		o.logger.Info("start aborted by stop request", "site_id", id)
		return domain.ErrStopRequested
	}

	if flag.Load() {
		return abort(nil)
	}

	// Container-backed server engines are provisioned by the backend itself;
	// everything else goes through the provisioner, including the downgrade.
	if site.Backend == domain.BackendNative || !site.Database.Engine.IsServer() {
		res, err := o.db.EnsureAvailable(ctx, dbengine.Request{
			Engine:   site.Database.Engine,
			Version:  site.Database.EngineVersion,
			Name:     site.Database.Name,
			SiteRoot: site.Root,
		})
		if err != nil {
			_ = o.ports.Release(id)
			return fail("provision database", err)
		}
		o.mutate(func() {
			site.Database = res.Database()
			site.Notice = res.Notice
		})
		if res.Degraded {
			o.logger.Warn("site degraded to file-based database", "site_id", id, "notice", res.Notice)
		}
	} else {
		// The database runs in a container on the site's network; the app
		// reaches it through the "db" alias on the engine's canonical port.
		o.mutate(func() {
			site.Database.Host = "db"
			site.Database.Port = site.Database.Engine.DefaultPort()
		})
	}

	if err := writeRuntimeConfig(site); err != nil {
		_ = o.ports.Release(id)
		return fail("write runtime config", err)
	}

	if flag.Load() {
		return abort(nil)
	}

	be, err := o.backendFor(site)
	if err != nil {
		_ = o.ports.Release(id)
		return fail("resolve backend", err)
	}
	handle, err := be.Start(ctx, site)
	if err != nil {
		_ = o.ports.Release(id)
		return fail("start backend", err)
	}
	o.mu.Lock()
	o.handles[id] = handle
	o.mu.Unlock()
	go o.watchExit(id, handle)

	stopBackend := func() {
		if err := be.Stop(context.Background(), site, handle); err != nil {
			o.logger.Warn("backend stop during unwind failed", "site_id", id, "error", err)
		}
		o.dropHandle(id, handle)
	}

	if err := o.prober.WaitUntilReady(ctx, site.URL(), poll.Spec{
		MaxAttempts:  o.cfg.ProbeAttempts,
		Interval:     o.cfg.ProbeInterval,
		InitialDelay: o.cfg.ProbeInitialDelay,
	}); err != nil {
		stopBackend()
		_ = o.ports.Release(id)
		return fail("readiness probe", err)
	}

	if flag.Load() {
		return abort(stopBackend)
	}

	if !site.Installed {
		if err := o.installer.Run(ctx, site.URL(), site); err != nil {
			// Installation is retried on demand; the site still runs.
			o.logger.Warn("installer failed, site remains running", "site_id", id, "error", err)
		} else {
			o.mutate(func() { site.Installed = true })
		}
	}

	o.mutate(func() { site.AccessedAt = time.Now().UTC() })
	if err := o.transition(site, domain.StatusRunning, nil); err != nil {
		stopBackend()
		_ = o.ports.Release(id)
		return err
	}

	if err := o.hosts.AddEntry(id, site.Domain, o.cfg.LoopbackIP); err != nil {
		o.logger.Warn("hosts entry registration failed", "site_id", id, "error", err)
	}
	o.logger.Info("site running", "site_id", id, "url", site.URL(), "engine", site.Database.Engine)
	return nil
}

// Stop tears the backend down and releases the port's in-use flag, keeping
// the number reserved to the site. Stopping an already stopped site is a
// no-op, and stopping a site mid-start aborts that start.
func (o *Orchestrator) Stop(ctx context.Context, id string) error {
	o.requestStopIfStarting(id)

	lock := o.siteLock(id)
	lock.Lock()
	defer lock.Unlock()
	o.stopFlag(id).Store(false)

	site, err := o.lookup(id)
	if err != nil {
		return err
	}
	return o.stopLocked(ctx, site)
}

// stopLocked performs the stop under an already-held site lock.
func (o *Orchestrator) stopLocked(ctx context.Context, site *domain.Site) error {
	if site.Status == domain.StatusStopped {
		return nil
	}
	if err := o.transition(site, domain.StatusStopping, nil); err != nil {
		return err
	}

	o.mu.Lock()
	handle := o.handles[site.ID]
	delete(o.handles, site.ID)
	o.mu.Unlock()

	if handle != nil {
		if be, ok := o.backends[site.Backend]; ok {
			if err := be.Stop(ctx, site, handle); err != nil {
				o.logger.Warn("backend stop reported error", "site_id", site.ID, "error", err)
			}
		}
	}
	if err := o.ports.Release(site.ID); err != nil {
		o.logger.Warn("port release failed", "site_id", site.ID, "error", err)
	}
	return o.transition(site, domain.StatusStopped, nil)
}

// requestStopIfStarting flags a pending stop so an in-flight Start aborts at
// its next suspension point, then lets the caller take the lock normally.
func (o *Orchestrator) requestStopIfStarting(id string) {
	o.mu.RLock()
	site, ok := o.sites[id]
	starting := ok && site.Status == domain.StatusStarting
	o.mu.RUnlock()
	if starting {
		o.stopFlag(id).Store(true)
	}
}

// Delete stops the site if needed, then removes backend remains, hosts
// entries, the directory tree and the port mapping. The site record goes
// last, so a crash mid-delete is recovered by running delete again.
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	o.requestStopIfStarting(id)

	lock := o.siteLock(id)
	lock.Lock()
	defer lock.Unlock()
	o.stopFlag(id).Store(false)

	site, err := o.lookup(id)
	if err != nil {
		if errors.Is(err, domain.ErrSiteNotFound) {
			return nil
		}
		return err
	}

	// Without the backend there is no way to remove what it left behind, so
	// the delete fails typed instead of orphaning containers silently.
	be, err := o.backendFor(site)
	if err != nil {
		return &domain.StepError{SiteID: id, Step: "resolve backend", Err: err}
	}

	if site.Status != domain.StatusStopped {
		if err := o.stopLocked(ctx, site); err != nil {
			return &domain.StepError{SiteID: id, Step: "stop before delete", Err: err}
		}
	}

	if err := be.Cleanup(ctx, site); err != nil {
		o.logger.Warn("backend cleanup reported failures", "site_id", id, "error", err)
	}
	if err := o.hosts.RemoveEntriesForSite(id); err != nil {
		o.logger.Warn("hosts entry removal failed", "site_id", id, "error", err)
	}

	if err := os.RemoveAll(site.Root); err != nil {
		stepErr := &domain.StepError{SiteID: id, Step: "remove directory", Err: err}
		if terr := o.transition(site, domain.StatusError, stepErr); terr != nil {
			o.logger.Error("persist error status failed", "site_id", id, "error", terr)
		}
		return stepErr
	}
	if err := o.ports.Forget(id); err != nil {
		o.logger.Warn("port mapping removal failed", "site_id", id, "error", err)
	}
	if err := o.store.Delete(site); err != nil {
		return &domain.StepError{SiteID: id, Step: "delete record", Err: err}
	}

	o.mu.Lock()
	delete(o.sites, id)
	delete(o.handles, id)
	o.mu.Unlock()

	o.logger.Info("site deleted", "site_id", id, "name", site.Name)
	return nil
}

// SetURLMode toggles between loopback (admin) and hostname URLs, rewriting
// only the URL-bearing fields of the runtime configuration.
func (o *Orchestrator) SetURLMode(ctx context.Context, id string, admin bool) error {
	lock := o.siteLock(id)
	lock.Lock()
	defer lock.Unlock()

	site, err := o.lookup(id)
	if err != nil {
		return err
	}
	o.mutate(func() { site.AdminURLs = admin })
	if err := setURLMode(site, admin); err != nil {
		return err
	}
	return o.store.Save(site)
}

// Get returns a copy of the site record.
func (o *Orchestrator) Get(id string) (*domain.Site, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	site, ok := o.sites[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrSiteNotFound, id)
	}
	return copySite(site), nil
}

// GetByName resolves a site by its sanitized name.
func (o *Orchestrator) GetByName(name string) (*domain.Site, error) {
	name = sanitizeName(name)
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, site := range o.sites {
		if site.Name == name {
			return copySite(site), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrSiteNotFound, name)
}

// List returns copies of all site records, sorted by name.
func (o *Orchestrator) List() []*domain.Site {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*domain.Site, 0, len(o.sites))
	for _, site := range o.sites {
		out = append(out, copySite(site))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// watchExit routes a backend's exit through the same locked transition path
// the orchestrator's own operations use. Exits observed during an
// orchestrated stop are ignored; the stop path owns those transitions.
func (o *Orchestrator) watchExit(id string, handle backend.Handle) {
	exit, ok := <-handle.Exited()
	if !ok {
		return
	}

	lock := o.siteLock(id)
	lock.Lock()
	defer lock.Unlock()

	o.mu.Lock()
	current, tracked := o.handles[id]
	site := o.sites[id]
	o.mu.Unlock()

	if site == nil || !tracked || current != handle {
		// A stop or delete already took ownership of this handle.
		return
	}
	if site.Status == domain.StatusStopping || site.Status == domain.StatusStopped {
		return
	}

	o.mu.Lock()
	delete(o.handles, id)
	o.mu.Unlock()

	if err := o.ports.Release(id); err != nil {
		o.logger.Warn("port release after backend exit failed", "site_id", id, "error", err)
	}

	if exit.Abnormal {
		o.logger.Error("backend exited unexpectedly", "site_id", id, "error", exit.Err)
		if err := o.transition(site, domain.StatusError, exit.Err); err != nil {
			o.logger.Error("persist error status failed", "site_id", id, "error", err)
		}
		return
	}
	o.logger.Info("backend exited, marking site stopped", "site_id", id)
	if err := o.transition(site, domain.StatusStopped, nil); err != nil {
		o.logger.Error("persist stopped status failed", "site_id", id, "error", err)
	}
}

func (o *Orchestrator) dropHandle(id string, handle backend.Handle) {
	o.mu.Lock()
	if o.handles[id] == handle {
		delete(o.handles, id)
	}
	o.mu.Unlock()
}

// backendFor resolves the site's execution backend. A restored record can
// name a backend that was disabled at startup, such as the container backend
// without a reachable daemon.
func (o *Orchestrator) backendFor(site *domain.Site) (backend.Backend, error) {
	be, ok := o.backends[site.Backend]
	if !ok {
		return nil, fmt.Errorf("backend %q not available", site.Backend)
	}
	return be, nil
}

func (o *Orchestrator) lookup(id string) (*domain.Site, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	site, ok := o.sites[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrSiteNotFound, id)
	}
	return site, nil
}

func copySite(site *domain.Site) *domain.Site {
	dup := *site
	return &dup
}
