package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"

	"github.com/mbarlow/sitekit/internal/backend"
	"github.com/mbarlow/sitekit/internal/dbengine"
	"github.com/mbarlow/sitekit/internal/domain"
	"github.com/mbarlow/sitekit/internal/poll"
	"github.com/mbarlow/sitekit/pkg/config"
)

// siteLabel tags every container and network with its owning site id so
// discovery never depends on name parsing.
const siteLabel = "sitekit.site"

const (
	roleLabel = "sitekit.role"
	roleApp   = "app"
	roleDB    = "db"
)

// Backend serves a site from a database container plus an application
// container joined on a dedicated network.
type Backend struct {
	cli    api
	cfg    config.Config
	logger *slog.Logger

	// dbPing checks database readiness over its own protocol, not just
	// process-alive. Replaced in tests.
	dbPing func(ctx context.Context, engine domain.EngineKind, dsn string) error
}

// New returns a container backend talking to the given Docker client.
func New(cli api, cfg config.Config, logger *slog.Logger) *Backend {
	return &Backend{cli: cli, cfg: cfg, logger: logger, dbPing: dbengine.Ping}
}

func (b *Backend) Kind() domain.BackendKind { return domain.BackendContainer }

func networkName(siteID string) string { return "sitekit-" + siteID }
func dbName(siteID string) string      { return "sitekit-" + siteID + "-db" }
func appName(siteID string) string     { return "sitekit-" + siteID + "-app" }

func labels(siteID, role string) map[string]string {
	return map[string]string{siteLabel: siteID, roleLabel: role}
}

func siteFilter(siteID string) filters.Args {
	return filters.NewArgs(filters.Arg("label", siteLabel+"="+siteID))
}

// handle supervises the application container.
type handle struct {
	appID    string
	exited   chan backend.Exit
	stopping atomic.Bool
}

func (h *handle) Exited() <-chan backend.Exit { return h.exited }

// Start builds the site's environment: network, database container,
// application container. The database must answer its own protocol before the
// application is started.
func (b *Backend) Start(ctx context.Context, site *domain.Site) (backend.Handle, error) {
	if err := b.pullImages(ctx, site); err != nil {
		// Pull failures for locally cached images are tolerable; container
		// create will fail loudly if the image truly is absent.
		b.logger.Warn("image pull failed, trying cached images", "site_id", site.ID, "error", err)
	}

	netID, err := b.ensureNetwork(ctx, site.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: create network: %v", domain.ErrBackendSpawn, err)
	}

	withDB := site.Database.Engine.IsServer()
	if withDB {
		if err := b.startDatabase(ctx, site); err != nil {
			return nil, err
		}
	}

	appID, err := b.createApp(ctx, site)
	if err != nil {
		return nil, fmt.Errorf("%w: create app container: %v", domain.ErrBackendSpawn, err)
	}
	if err := b.cli.ContainerStart(ctx, appID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("%w: start app container: %v", domain.ErrBackendSpawn, err)
	}
	b.logger.Info("container environment started",
		"site_id", site.ID, "network", netID, "app", appID, "with_db", withDB)

	h := &handle{appID: appID, exited: make(chan backend.Exit, 1)}
	go b.supervise(site.ID, h)
	return h, nil
}

// supervise emits one Exit when the app container leaves the running state.
// It deliberately outlives the Start call's context.
func (b *Backend) supervise(siteID string, h *handle) {
	statusCh, errCh := b.cli.ContainerWait(context.Background(), h.appID, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		abnormal := status.StatusCode != 0 && !h.stopping.Load()
		var err error
		if abnormal {
			err = fmt.Errorf("app container exited with status %d", status.StatusCode)
			b.logger.Error("app container exited abnormally", "site_id", siteID, "status", status.StatusCode)
		}
		h.exited <- backend.Exit{Abnormal: abnormal, Err: err}
	case err := <-errCh:
		if h.stopping.Load() {
			h.exited <- backend.Exit{}
		} else {
			h.exited <- backend.Exit{Abnormal: true, Err: fmt.Errorf("container wait: %w", err)}
		}
	}
	close(h.exited)
}

func (b *Backend) pullImages(ctx context.Context, site *domain.Site) error {
	images := []string{b.cfg.AppImage}
	if site.Database.Engine.IsServer() {
		images = append(images, b.engineImage(site.Database.Engine))
	}
	for _, ref := range images {
		reader, err := b.cli.ImagePull(ctx, ref, image.PullOptions{})
		if err != nil {
			return fmt.Errorf("pull %s: %w", ref, err)
		}
		_, _ = io.Copy(io.Discard, reader)
		reader.Close()
	}
	return nil
}

func (b *Backend) engineImage(engine domain.EngineKind) string {
	if engine == domain.EnginePostgres {
		return b.cfg.PostgresImage
	}
	return b.cfg.MySQLImage
}

// findContainer returns the site's container with the given role, running or
// not, so start retries reuse what an earlier attempt left behind.
func (b *Backend) findContainer(ctx context.Context, siteID, role string) (*types.Container, error) {
	f := filters.NewArgs(
		filters.Arg("label", siteLabel+"="+siteID),
		filters.Arg("label", roleLabel+"="+role),
	)
	list, err := b.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return &list[0], nil
}

// ensureNetwork creates the per-site network unless a labeled one exists.
func (b *Backend) ensureNetwork(ctx context.Context, siteID string) (string, error) {
	existing, err := b.cli.NetworkList(ctx, types.NetworkListOptions{Filters: siteFilter(siteID)})
	if err != nil {
		return "", err
	}
	if len(existing) > 0 {
		return existing[0].ID, nil
	}
	resp, err := b.cli.NetworkCreate(ctx, networkName(siteID), types.NetworkCreate{
		Driver: "bridge",
		Labels: labels(siteID, "network"),
	})
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// startDatabase ensures the database container exists and is running, then
// waits for it to answer its own protocol on the host-mapped port. An
// existing container is reused rather than recreated: it holds the site's
// data volume, and a retried start must not double-acquire it.
func (b *Backend) startDatabase(ctx context.Context, site *domain.Site) error {
	engine := site.Database.Engine
	internalPort := engine.DefaultPort()
	exposed := nat.Port(strconv.Itoa(internalPort) + "/tcp")

	var containerID string
	existing, err := b.findContainer(ctx, site.ID, roleDB)
	if err != nil {
		return fmt.Errorf("%w: list db containers: %v", domain.ErrBackendSpawn, err)
	}
	if existing != nil {
		containerID = existing.ID
	} else {
		cfg := &container.Config{
			Image:        b.engineImage(engine),
			Env:          b.databaseEnv(site),
			Labels:       labels(site.ID, roleDB),
			ExposedPorts: nat.PortSet{exposed: struct{}{}},
		}
		hostCfg := &container.HostConfig{
			// Host port 0: let the OS pick; we only need it for the health wait.
			PortBindings: nat.PortMap{exposed: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: "0"}}},
			RestartPolicy: container.RestartPolicy{
				Name: container.RestartPolicyUnlessStopped,
			},
		}
		netCfg := &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				networkName(site.ID): {Aliases: []string{"db"}},
			},
		}
		resp, err := b.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, dbName(site.ID))
		if err != nil {
			return fmt.Errorf("%w: create db container: %v", domain.ErrBackendSpawn, err)
		}
		containerID = resp.ID
	}
	// Starting an already running container is a no-op for the daemon.
	if err := b.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("%w: start db container: %v", domain.ErrBackendSpawn, err)
	}

	hostPort, err := b.mappedHostPort(ctx, containerID, exposed)
	if err != nil {
		return fmt.Errorf("%w: resolve db host port: %v", domain.ErrBackendSpawn, err)
	}

	dsn := dbengine.ServerDSN(engine, site.Database.User, site.Database.Password, "127.0.0.1", hostPort, site.Database.Name)
	err = poll.Until(ctx, poll.Spec{
		MaxAttempts: b.cfg.ContainerHealthAttempts,
		Interval:    b.cfg.ContainerHealthInterval,
	}, func(ctx context.Context) error {
		return b.dbPing(ctx, engine, dsn)
	})
	if err != nil {
		return fmt.Errorf("%w: database container never became ready: %v", domain.ErrEngineUnreachable, err)
	}
	return nil
}

// mappedHostPort polls inspect until the dynamic host binding appears.
func (b *Backend) mappedHostPort(ctx context.Context, containerID string, port nat.Port) (int, error) {
	var hostPort int
	err := poll.Until(ctx, poll.Spec{MaxAttempts: 10, Interval: 200 * time.Millisecond}, func(ctx context.Context) error {
		inspect, err := b.cli.ContainerInspect(ctx, containerID)
		if err != nil {
			return err
		}
		if inspect.NetworkSettings == nil {
			return errors.New("no network settings yet")
		}
		for _, binding := range inspect.NetworkSettings.Ports[port] {
			if binding.HostPort != "" {
				p, err := strconv.Atoi(binding.HostPort)
				if err != nil {
					return err
				}
				hostPort = p
				return nil
			}
		}
		return errors.New("host port not bound yet")
	})
	return hostPort, err
}

func (b *Backend) databaseEnv(site *domain.Site) []string {
	db := site.Database
	if db.Engine == domain.EnginePostgres {
		return []string{
			"POSTGRES_USER=" + db.User,
			"POSTGRES_PASSWORD=" + db.Password,
			"POSTGRES_DB=" + db.Name,
		}
	}
	env := []string{
		"MYSQL_DATABASE=" + db.Name,
	}
	if db.User == "root" || db.User == "" {
		env = append(env, "MYSQL_ROOT_PASSWORD="+db.Password)
	} else {
		env = append(env,
			"MYSQL_USER="+db.User,
			"MYSQL_PASSWORD="+db.Password,
			"MYSQL_RANDOM_ROOT_PASSWORD=yes",
		)
	}
	return env
}

func (b *Backend) createApp(ctx context.Context, site *domain.Site) (string, error) {
	// A leftover app container from a stop or a failed start is removed and
	// recreated: its content lives in the site root bind mount, and the
	// published host port must match the current allocation.
	existing, err := b.findContainer(ctx, site.ID, roleApp)
	if err != nil {
		return "", fmt.Errorf("list app containers: %w", err)
	}
	if existing != nil {
		if err := b.cli.ContainerRemove(ctx, existing.ID, container.RemoveOptions{Force: true}); err != nil {
			return "", fmt.Errorf("remove stale app container: %w", err)
		}
	}

	exposed := nat.Port("80/tcp")
	env := []string{
		"SITE_URL=" + site.URL(),
	}
	if site.Database.Engine.IsServer() {
		env = append(env,
			fmt.Sprintf("WORDPRESS_DB_HOST=db:%d", site.Database.Engine.DefaultPort()),
			"WORDPRESS_DB_NAME="+site.Database.Name,
			"WORDPRESS_DB_USER="+site.Database.User,
			"WORDPRESS_DB_PASSWORD="+site.Database.Password,
		)
	}

	cfg := &container.Config{
		Image:        b.cfg.AppImage,
		Env:          env,
		Labels:       labels(site.ID, roleApp),
		ExposedPorts: nat.PortSet{exposed: struct{}{}},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{exposed: []nat.PortBinding{{
			HostIP:   "127.0.0.1",
			HostPort: strconv.Itoa(site.Port),
		}}},
		Binds: []string{site.Root + ":/var/www/html"},
	}
	netCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			networkName(site.ID): {},
		},
	}

	resp, err := b.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, appName(site.ID))
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// Stop stops the site's containers by label. The supervision goroutine sees
// the app container leave the running state and completes the handle.
func (b *Backend) Stop(ctx context.Context, site *domain.Site, bh backend.Handle) error {
	if h, ok := bh.(*handle); ok {
		h.stopping.Store(true)
	}
	containers, err := b.cli.ContainerList(ctx, container.ListOptions{All: false, Filters: siteFilter(site.ID)})
	if err != nil {
		return fmt.Errorf("list site containers: %w", err)
	}
	timeout := int(b.cfg.StopTimeout / time.Second)
	var errs []error
	for _, c := range containers {
		if err := b.cli.ContainerStop(ctx, c.ID, container.StopOptions{Timeout: &timeout}); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", c.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Cleanup removes the site's containers, their volumes and the network.
// Every removal is attempted even when earlier ones fail; the combined
// failures are reported as one teardown error.
func (b *Backend) Cleanup(ctx context.Context, site *domain.Site) error {
	var errs []error

	containers, err := b.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: siteFilter(site.ID)})
	if err != nil {
		errs = append(errs, fmt.Errorf("list containers: %w", err))
	}
	for _, c := range containers {
		if err := b.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
			errs = append(errs, fmt.Errorf("remove container %s: %w", c.ID, err))
		}
	}

	networks, err := b.cli.NetworkList(ctx, types.NetworkListOptions{Filters: siteFilter(site.ID)})
	if err != nil {
		errs = append(errs, fmt.Errorf("list networks: %w", err))
	}
	for _, n := range networks {
		if err := b.cli.NetworkRemove(ctx, n.ID); err != nil {
			errs = append(errs, fmt.Errorf("remove network %s: %w", n.ID, err))
		}
	}

	if len(errs) > 0 {
		return &domain.TeardownError{SiteID: site.ID, Errs: errs}
	}
	return nil
}
