package site

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mbarlow/sitekit/internal/backend"
	"github.com/mbarlow/sitekit/internal/dbengine"
	"github.com/mbarlow/sitekit/internal/domain"
	"github.com/mbarlow/sitekit/internal/hosts"
	"github.com/mbarlow/sitekit/internal/poll"
	"github.com/mbarlow/sitekit/internal/store"
	"github.com/mbarlow/sitekit/pkg/config"
	"github.com/mbarlow/sitekit/pkg/logger"
)

type fakeAllocator struct {
	mu    sync.Mutex
	next  int
	ports map[string]int
	inUse map[string]bool
}

func newFakeAllocator() *fakeAllocator {
	return &fakeAllocator{next: 8000, ports: map[string]int{}, inUse: map[string]bool{}}
}

func (a *fakeAllocator) Allocate(siteID string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.ports[siteID]; ok {
		a.inUse[siteID] = true
		return p, nil
	}
	p := a.next
	a.next++
	a.ports[siteID] = p
	a.inUse[siteID] = true
	return p, nil
}

func (a *fakeAllocator) Release(siteID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.inUse[siteID] = false
	return nil
}

func (a *fakeAllocator) Forget(siteID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.ports, siteID)
	delete(a.inUse, siteID)
	return nil
}

func (a *fakeAllocator) Reconcile() (int, error) { return 0, nil }

func (a *fakeAllocator) portOf(siteID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ports[siteID]
}

func (a *fakeAllocator) busy(siteID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse[siteID]
}

type fakeProvisioner struct {
	mu       sync.Mutex
	requests []dbengine.Request
	err      error
	degrade  bool
}

func (p *fakeProvisioner) EnsureAvailable(_ context.Context, req dbengine.Request) (dbengine.Result, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()
	if p.err != nil {
		return dbengine.Result{}, p.err
	}
	if p.degrade || req.Engine == domain.EngineSQLite {
		return dbengine.Result{
			Engine:   domain.EngineSQLite,
			Name:     req.Name,
			Path:     dbengine.SQLitePath(req.SiteRoot, req.Name),
			Degraded: p.degrade,
			Notice:   "database engine unreachable, using file-based database",
		}, nil
	}
	return dbengine.Result{
		Engine:   req.Engine,
		Version:  req.Version,
		Host:     "127.0.0.1",
		Port:     10005,
		Name:     req.Name,
		User:     "root",
		Password: "secret",
	}, nil
}

type fakeHandle struct {
	exited chan backend.Exit
	once   sync.Once
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{exited: make(chan backend.Exit, 1)}
}

func (h *fakeHandle) Exited() <-chan backend.Exit { return h.exited }

func (h *fakeHandle) exit(e backend.Exit) {
	h.once.Do(func() {
		h.exited <- e
		close(h.exited)
	})
}

type fakeBackend struct {
	mu       sync.Mutex
	starts   atomic.Int32
	stops    atomic.Int32
	cleanups atomic.Int32
	startErr error
	handles  map[string]*fakeHandle
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{handles: map[string]*fakeHandle{}}
}

func (b *fakeBackend) Kind() domain.BackendKind { return domain.BackendNative }

func (b *fakeBackend) Start(_ context.Context, site *domain.Site) (backend.Handle, error) {
	b.starts.Add(1)
	if b.startErr != nil {
		return nil, b.startErr
	}
	h := newFakeHandle()
	b.mu.Lock()
	b.handles[site.ID] = h
	b.mu.Unlock()
	return h, nil
}

func (b *fakeBackend) Stop(_ context.Context, _ *domain.Site, h backend.Handle) error {
	b.stops.Add(1)
	h.(*fakeHandle).exit(backend.Exit{})
	return nil
}

func (b *fakeBackend) Cleanup(_ context.Context, _ *domain.Site) error {
	b.cleanups.Add(1)
	return nil
}

func (b *fakeBackend) handleOf(siteID string) *fakeHandle {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handles[siteID]
}

type fakeProbe struct {
	err  error
	hits atomic.Int32
}

func (p *fakeProbe) WaitUntilReady(context.Context, string, poll.Spec) error {
	p.hits.Add(1)
	return p.err
}

// blockingProbe parks the start sequence mid-probe so a concurrent stop can
// be issued deterministically.
type blockingProbe struct {
	entered chan struct{}
	release chan struct{}
}

func (p *blockingProbe) WaitUntilReady(context.Context, string, poll.Spec) error {
	close(p.entered)
	<-p.release
	return nil
}

type fakeInstaller struct {
	err  error
	runs atomic.Int32
}

func (i *fakeInstaller) Run(context.Context, string, *domain.Site) error {
	i.runs.Add(1)
	return i.err
}

type fixture struct {
	orch      *Orchestrator
	alloc     *fakeAllocator
	db        *fakeProvisioner
	backend   *fakeBackend
	probe     *fakeProbe
	installer *fakeInstaller
	store     *store.FileStore
	cfg       config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Config{
		DataDir:           dir,
		SitesDir:          filepath.Join(dir, "sites"),
		DomainSuffix:      ".local",
		LoopbackIP:        "127.0.0.1",
		EngineUser:        "root",
		EnginePassword:    "secret",
		ProbeAttempts:     3,
		ProbeInterval:     time.Millisecond,
		StopTimeout:       time.Second,
		DBConnectAttempts: 2,
		DBConnectBackoff:  time.Millisecond,
	}
	require.NoError(t, os.MkdirAll(cfg.SitesDir, 0o755))

	f := &fixture{
		alloc:     newFakeAllocator(),
		db:        &fakeProvisioner{},
		backend:   newFakeBackend(),
		probe:     &fakeProbe{},
		installer: &fakeInstaller{},
		store:     store.NewFileStore(cfg.SitesDir, logger.Discard()),
		cfg:       cfg,
	}
	f.orch = New(cfg, f.store, f.alloc, f.db,
		map[domain.BackendKind]backend.Backend{domain.BackendNative: f.backend},
		f.probe, f.installer, hosts.Noop{}, logger.Discard())
	return f
}

func (f *fixture) create(t *testing.T, name string) *domain.Site {
	t.Helper()
	site, err := f.orch.Create(context.Background(), domain.CreateRequest{Name: name})
	require.NoError(t, err)
	return site
}

func TestCreateAssignsPortAndPersistsStopped(t *testing.T) {
	f := newFixture(t)
	site := f.create(t, "My Blog")

	require.Equal(t, "my-blog", site.Name)
	require.Equal(t, "my-blog.local", site.Domain)
	require.Equal(t, 8000, site.Port)
	require.Equal(t, domain.StatusStopped, site.Status)
	require.NotEmpty(t, site.Admin.Password)
	require.False(t, f.alloc.busy(site.ID), "port should be reserved but not in use")

	persisted, err := f.store.LoadAll()
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	require.Equal(t, site.ID, persisted[0].ID)
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	f := newFixture(t)
	f.create(t, "blog")
	_, err := f.orch.Create(context.Background(), domain.CreateRequest{Name: "blog"})
	require.ErrorIs(t, err, domain.ErrNameConflict)
}

func TestStartRunsFullSequence(t *testing.T) {
	f := newFixture(t)
	site := f.create(t, "blog")

	require.NoError(t, f.orch.Start(context.Background(), site.ID))

	got, err := f.orch.Get(site.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusRunning, got.Status)
	require.True(t, got.Installed)
	require.Equal(t, int32(1), f.backend.starts.Load())
	require.Equal(t, int32(1), f.probe.hits.Load())
	require.Equal(t, int32(1), f.installer.runs.Load())
	require.True(t, f.alloc.busy(site.ID))

	// Runtime config points at the provisioned database.
	raw, err := os.ReadFile(filepath.Join(got.Root, "site-config.php"))
	require.NoError(t, err)
	require.Contains(t, string(raw), "127.0.0.1:10005")
}

func TestStartIsIdempotentWhileRunning(t *testing.T) {
	f := newFixture(t)
	site := f.create(t, "blog")

	require.NoError(t, f.orch.Start(context.Background(), site.ID))
	require.NoError(t, f.orch.Start(context.Background(), site.ID))
	require.Equal(t, int32(1), f.backend.starts.Load())
}

func TestConcurrentStartsSpawnOneBackend(t *testing.T) {
	f := newFixture(t)
	site := f.create(t, "blog")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.orch.Start(context.Background(), site.ID)
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), f.backend.starts.Load())
	got, err := f.orch.Get(site.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusRunning, got.Status)
}

func TestConcurrentCreatesGetUniquePorts(t *testing.T) {
	f := newFixture(t)

	const n = 12
	var wg sync.WaitGroup
	results := make(chan *domain.Site, n)
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			site, err := f.orch.Create(context.Background(), domain.CreateRequest{Name: fmt.Sprintf("site-%d", i)})
			if err == nil {
				results <- site
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := map[int]bool{}
	count := 0
	for site := range results {
		require.False(t, seen[site.Port], "port %d assigned twice", site.Port)
		seen[site.Port] = true
		count++
	}
	require.Equal(t, n, count)
}

func TestContainerSiteConfigPointsAtNetworkAlias(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	orch := New(f.cfg, f.store, f.alloc, f.db,
		map[domain.BackendKind]backend.Backend{
			domain.BackendNative:    f.backend,
			domain.BackendContainer: f.backend,
		},
		f.probe, f.installer, hosts.Noop{}, logger.Discard())

	site, err := orch.Create(ctx, domain.CreateRequest{
		Name:    "blog",
		Backend: domain.BackendContainer,
		Engine:  domain.EngineMySQL,
	})
	require.NoError(t, err)
	require.NoError(t, orch.Start(ctx, site.ID))

	raw, err := os.ReadFile(filepath.Join(site.Root, "site-config.php"))
	require.NoError(t, err)
	require.Contains(t, string(raw), "define('DB_HOST', 'db:3306');")
	require.Empty(t, f.db.requests, "container server engines are not provisioned locally")

	got, err := orch.Get(site.ID)
	require.NoError(t, err)
	require.Equal(t, "db", got.Database.Host)
	require.Equal(t, 3306, got.Database.Port)
}

func TestDowngradeIsPersisted(t *testing.T) {
	f := newFixture(t)
	f.db.degrade = true
	site := f.create(t, "blog")

	require.NoError(t, f.orch.Start(context.Background(), site.ID))

	got, err := f.orch.Get(site.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusRunning, got.Status)
	require.Equal(t, domain.EngineSQLite, got.Database.Engine)
	require.NotEmpty(t, got.Database.Path)
	require.NotEmpty(t, got.Notice)

	// The persisted record carries the downgraded engine too.
	persisted, err := f.store.LoadAll()
	require.NoError(t, err)
	require.Equal(t, domain.EngineSQLite, persisted[0].Database.Engine)
}

func TestStartFailureReleasesPortAndSetsError(t *testing.T) {
	f := newFixture(t)
	f.backend.startErr = domain.ErrBackendSpawn
	site := f.create(t, "blog")

	err := f.orch.Start(context.Background(), site.ID)
	require.ErrorIs(t, err, domain.ErrBackendSpawn)
	var stepErr *domain.StepError
	require.ErrorAs(t, err, &stepErr)
	require.Equal(t, "start backend", stepErr.Step)

	got, _ := f.orch.Get(site.ID)
	require.Equal(t, domain.StatusError, got.Status)
	require.NotEmpty(t, got.LastError)
	require.False(t, f.alloc.busy(site.ID))
}

func TestProbeFailureStopsBackend(t *testing.T) {
	f := newFixture(t)
	f.probe.err = domain.ErrBackendUnresponsive
	site := f.create(t, "blog")

	err := f.orch.Start(context.Background(), site.ID)
	require.ErrorIs(t, err, domain.ErrBackendUnresponsive)
	require.Equal(t, int32(1), f.backend.stops.Load())
	require.False(t, f.alloc.busy(site.ID))

	got, _ := f.orch.Get(site.ID)
	require.Equal(t, domain.StatusError, got.Status)
}

func TestInstallerFailureKeepsSiteRunning(t *testing.T) {
	f := newFixture(t)
	f.installer.err = errors.New("install step rejected")
	site := f.create(t, "blog")

	require.NoError(t, f.orch.Start(context.Background(), site.ID))

	got, _ := f.orch.Get(site.ID)
	require.Equal(t, domain.StatusRunning, got.Status)
	require.False(t, got.Installed)
}

func TestInstallerRunsOnlyOnce(t *testing.T) {
	f := newFixture(t)
	site := f.create(t, "blog")

	require.NoError(t, f.orch.Start(context.Background(), site.ID))
	require.NoError(t, f.orch.Stop(context.Background(), site.ID))
	require.NoError(t, f.orch.Start(context.Background(), site.ID))
	require.Equal(t, int32(1), f.installer.runs.Load())
}

func TestStopDuringStartAbortsStart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bp := &blockingProbe{entered: make(chan struct{}), release: make(chan struct{})}
	orch := New(f.cfg, f.store, f.alloc, f.db,
		map[domain.BackendKind]backend.Backend{domain.BackendNative: f.backend},
		bp, f.installer, hosts.Noop{}, logger.Discard())

	site, err := orch.Create(ctx, domain.CreateRequest{Name: "blog"})
	require.NoError(t, err)

	startErr := make(chan error, 1)
	go func() { startErr <- orch.Start(ctx, site.ID) }()
	<-bp.entered

	stopErr := make(chan error, 1)
	go func() { stopErr <- orch.Stop(ctx, site.ID) }()
	// Let the stop request flag the in-flight start before unblocking it.
	time.Sleep(50 * time.Millisecond)
	close(bp.release)

	require.ErrorIs(t, <-startErr, domain.ErrStopRequested)
	require.NoError(t, <-stopErr)

	got, err := orch.Get(site.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusStopped, got.Status)
	require.False(t, f.alloc.busy(site.ID), "aborted start must release the port")
	require.Equal(t, int32(1), f.backend.stops.Load(), "the spawned backend must be torn down once")
	require.Equal(t, int32(0), f.installer.runs.Load(), "installation must not run after an aborted start")
}

func TestStopIsIdempotent(t *testing.T) {
	f := newFixture(t)
	site := f.create(t, "blog")

	require.NoError(t, f.orch.Start(context.Background(), site.ID))
	require.NoError(t, f.orch.Stop(context.Background(), site.ID))
	require.NoError(t, f.orch.Stop(context.Background(), site.ID))
	require.Equal(t, int32(1), f.backend.stops.Load())

	got, _ := f.orch.Get(site.ID)
	require.Equal(t, domain.StatusStopped, got.Status)
	require.False(t, f.alloc.busy(site.ID))
}

func TestStopKeepsPortSticky(t *testing.T) {
	f := newFixture(t)
	site := f.create(t, "blog")

	require.NoError(t, f.orch.Start(context.Background(), site.ID))
	firstPort := f.alloc.portOf(site.ID)
	require.NoError(t, f.orch.Stop(context.Background(), site.ID))
	require.NoError(t, f.orch.Start(context.Background(), site.ID))
	require.Equal(t, firstPort, f.alloc.portOf(site.ID))
}

func TestAbnormalExitMovesSiteToError(t *testing.T) {
	f := newFixture(t)
	site := f.create(t, "blog")
	require.NoError(t, f.orch.Start(context.Background(), site.ID))

	f.backend.handleOf(site.ID).exit(backend.Exit{Abnormal: true, Err: errors.New("exit status 7")})

	require.Eventually(t, func() bool {
		got, err := f.orch.Get(site.ID)
		return err == nil && got.Status == domain.StatusError
	}, 2*time.Second, 5*time.Millisecond)

	got, _ := f.orch.Get(site.ID)
	require.Contains(t, got.LastError, "exit status 7")
	require.False(t, f.alloc.busy(site.ID))
}

func TestCleanExitMovesSiteToStopped(t *testing.T) {
	f := newFixture(t)
	site := f.create(t, "blog")
	require.NoError(t, f.orch.Start(context.Background(), site.ID))

	f.backend.handleOf(site.ID).exit(backend.Exit{})

	require.Eventually(t, func() bool {
		got, err := f.orch.Get(site.ID)
		return err == nil && got.Status == domain.StatusStopped
	}, 2*time.Second, 5*time.Millisecond)
	require.Empty(t, mustGet(t, f, site.ID).LastError)
}

func TestExitDuringStopDoesNotFlipStatus(t *testing.T) {
	f := newFixture(t)
	site := f.create(t, "blog")
	require.NoError(t, f.orch.Start(context.Background(), site.ID))
	require.NoError(t, f.orch.Stop(context.Background(), site.ID))

	// Give any stray watcher a moment; the status must remain stopped.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, domain.StatusStopped, mustGet(t, f, site.ID).Status)
}

func TestDeleteRemovesEverything(t *testing.T) {
	f := newFixture(t)
	site := f.create(t, "blog")
	require.NoError(t, f.orch.Start(context.Background(), site.ID))

	require.NoError(t, f.orch.Delete(context.Background(), site.ID))

	_, err := f.orch.Get(site.ID)
	require.ErrorIs(t, err, domain.ErrSiteNotFound)
	_, err = os.Stat(site.Root)
	require.True(t, os.IsNotExist(err))
	require.Equal(t, int32(1), f.backend.cleanups.Load())
	require.Equal(t, 0, f.alloc.portOf(site.ID))

	persisted, err := f.store.LoadAll()
	require.NoError(t, err)
	require.Empty(t, persisted)
}

func TestDeleteOfUnknownSiteIsNoop(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.orch.Delete(context.Background(), "no-such-site"))
}

func TestDeleteStopsRunningSiteFirst(t *testing.T) {
	f := newFixture(t)
	site := f.create(t, "blog")
	require.NoError(t, f.orch.Start(context.Background(), site.ID))

	require.NoError(t, f.orch.Delete(context.Background(), site.ID))
	require.Equal(t, int32(1), f.backend.stops.Load())
}

func TestRestoreReconcilesStaleStatuses(t *testing.T) {
	f := newFixture(t)
	site := f.create(t, "blog")

	// Simulate a crash mid-start by persisting a starting record directly.
	stored := *site
	stored.Status = domain.StatusStarting
	require.NoError(t, f.store.Save(&stored))

	fresh := New(f.cfg, f.store, f.alloc, f.db,
		map[domain.BackendKind]backend.Backend{domain.BackendNative: f.backend},
		f.probe, f.installer, hosts.Noop{}, logger.Discard())
	require.NoError(t, fresh.Restore(context.Background()))

	got, err := fresh.Get(site.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusStopped, got.Status)
}

func TestRestoredSiteWithUnavailableBackendFailsTyped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A record created while the container backend was available, restored
	// into a process where it is not (daemon unreachable at startup).
	record := &domain.Site{
		ID:      "shop-id",
		Name:    "shop",
		Domain:  "shop.local",
		Root:    filepath.Join(f.cfg.SitesDir, "shop"),
		Port:    8100,
		Backend: domain.BackendContainer,
		Database: domain.Database{
			Engine: domain.EngineMySQL,
			Name:   "shop",
		},
		Status: domain.StatusStopped,
	}
	require.NoError(t, f.store.Save(record))
	require.NoError(t, f.orch.Restore(ctx))

	var stepErr *domain.StepError
	err := f.orch.Start(ctx, "shop-id")
	require.ErrorAs(t, err, &stepErr)
	require.Equal(t, "resolve backend", stepErr.Step)
	require.False(t, f.alloc.busy("shop-id"), "failed start must release the port")

	err = f.orch.Delete(ctx, "shop-id")
	require.ErrorAs(t, err, &stepErr)
	require.Equal(t, "resolve backend", stepErr.Step)

	// The record survives the refused delete; nothing was half-removed.
	_, err = f.orch.Get("shop-id")
	require.NoError(t, err)
}

func TestGetByName(t *testing.T) {
	f := newFixture(t)
	site := f.create(t, "My Blog")

	got, err := f.orch.GetByName("My Blog")
	require.NoError(t, err)
	require.Equal(t, site.ID, got.ID)

	_, err = f.orch.GetByName("nope")
	require.ErrorIs(t, err, domain.ErrSiteNotFound)
}

func TestListSortsByName(t *testing.T) {
	f := newFixture(t)
	f.create(t, "zeta")
	f.create(t, "alpha")

	sites := f.orch.List()
	require.Len(t, sites, 2)
	require.Equal(t, "alpha", sites[0].Name)
	require.Equal(t, "zeta", sites[1].Name)
}

func TestFullLifecycleScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	site, err := f.orch.Create(ctx, domain.CreateRequest{
		Name:   "blog",
		Engine: domain.EngineMySQL,
		Title:  "My Blog",
	})
	require.NoError(t, err)

	require.NoError(t, f.orch.Start(ctx, site.ID))
	running := mustGet(t, f, site.ID)
	require.Equal(t, domain.StatusRunning, running.Status)
	require.True(t, strings.HasPrefix(running.URL(), "http://127.0.0.1:"))

	require.NoError(t, f.orch.Stop(ctx, site.ID))
	require.NoError(t, f.orch.Start(ctx, site.ID))
	require.Equal(t, running.Port, mustGet(t, f, site.ID).Port)

	require.NoError(t, f.orch.Delete(ctx, site.ID))
	_, err = f.orch.Get(site.ID)
	require.ErrorIs(t, err, domain.ErrSiteNotFound)
}

func mustGet(t *testing.T, f *fixture, id string) *domain.Site {
	t.Helper()
	site, err := f.orch.Get(id)
	require.NoError(t, err)
	return site
}
