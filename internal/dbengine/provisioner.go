// Package dbengine manages the lifecycle of local database engines: install
// detection, shared server instances, connectability checks, schema creation,
// and the automatic downgrade to the embedded file-based engine.
package dbengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/mbarlow/sitekit/internal/domain"
	"github.com/mbarlow/sitekit/internal/poll"
	"github.com/mbarlow/sitekit/pkg/config"
)

// Request asks for a database for one site's logical schema.
type Request struct {
	Engine   domain.EngineKind
	Version  string
	Name     string
	SiteRoot string
}

// Result describes the database that was actually provisioned. Engine may
// differ from the request after a downgrade; the caller must persist this,
// not the original preference.
type Result struct {
	Engine   domain.EngineKind
	Version  string
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	Path     string
	Degraded bool
	Notice   string
}

// Database converts the result into the site record's database block.
func (r Result) Database() domain.Database {
	return domain.Database{
		Engine:        r.Engine,
		EngineVersion: r.Version,
		Host:          r.Host,
		Port:          r.Port,
		Name:          r.Name,
		User:          r.User,
		Password:      r.Password,
		Path:          r.Path,
	}
}

// Provisioner drives the ordered list of provisioning strategies: the
// requested server engine first, then the file-based fallback. One running
// server instance per engine+version serves every site requesting it.
type Provisioner struct {
	cfg    config.Config
	logger *slog.Logger

	mu        sync.Mutex
	instances map[string]*instance

	conn     connector
	lookPath func(file string) (string, error)
	spawn    func(name string, args ...string) *exec.Cmd
}

// New returns a Provisioner with no running instances.
func New(cfg config.Config, logger *slog.Logger) *Provisioner {
	return &Provisioner{
		cfg:       cfg,
		logger:    logger,
		instances: make(map[string]*instance),
		conn:      sqlConnector{},
		lookPath:  exec.LookPath,
		spawn:     exec.Command,
	}
}

// EnsureAvailable resolves the site's database requirement. The requested
// server engine being unreachable is absorbed by downgrading to the
// file-based engine; only a missing engine installation or a broken fallback
// is surfaced as an error.
func (p *Provisioner) EnsureAvailable(ctx context.Context, req Request) (Result, error) {
	if req.Name == "" {
		return Result{}, fmt.Errorf("dbengine: request has no database name")
	}

	var notice string
	for _, strat := range p.strategies(req) {
		res, err := strat.provision(ctx, req)
		if err == nil {
			if notice != "" {
				res.Degraded = true
				res.Notice = notice
			}
			return res, nil
		}
		if errors.Is(err, domain.ErrEngineUnreachable) {
			p.logger.Warn("engine unreachable, falling back",
				"engine", req.Engine, "version", req.Version, "db", req.Name, "error", err)
			notice = fmt.Sprintf("%s unreachable, downgraded to %s", req.Engine, domain.EngineSQLite)
			continue
		}
		return Result{}, err
	}
	return Result{}, fmt.Errorf("dbengine: all provisioning strategies failed for %s", req.Name)
}

// strategies returns the ordered provisioning attempts for the request.
func (p *Provisioner) strategies(req Request) []strategy {
	if !req.Engine.IsServer() {
		return []strategy{fileStrategy{p}}
	}
	return []strategy{serverStrategy{p}, fileStrategy{p}}
}

type strategy interface {
	provision(ctx context.Context, req Request) (Result, error)
}

// serverStrategy provisions against a locally installed server engine.
type serverStrategy struct{ p *Provisioner }

func (s serverStrategy) provision(ctx context.Context, req Request) (Result, error) {
	p := s.p

	if _, err := p.enginePath(req.Engine); err != nil {
		return Result{}, fmt.Errorf("%w: %s %s (install it explicitly first): %v",
			domain.ErrEngineNotInstalled, req.Engine, req.Version, err)
	}

	port, err := p.ensureInstance(ctx, req.Engine, req.Version)
	if err != nil {
		// A spawn failure behaves like unreachability: the fallback applies.
		return Result{}, fmt.Errorf("%w: start %s: %v", domain.ErrEngineUnreachable, req.Engine, err)
	}

	dsn := p.serverDSN(req.Engine, port, "")
	err = poll.Until(ctx, poll.Spec{
		MaxAttempts: p.cfg.DBConnectAttempts,
		Interval:    p.cfg.DBConnectBackoff,
	}, func(ctx context.Context) error {
		return p.conn.Ping(ctx, req.Engine, dsn)
	})
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, fmt.Errorf("%w: %s on port %d: %v", domain.ErrEngineUnreachable, req.Engine, port, err)
	}

	if err := p.conn.EnsureSchema(ctx, req.Engine, dsn, req.Name); err != nil {
		return Result{}, fmt.Errorf("dbengine: ensure schema %s: %w", req.Name, err)
	}

	return Result{
		Engine:   req.Engine,
		Version:  req.Version,
		Host:     "127.0.0.1",
		Port:     port,
		Name:     req.Name,
		User:     p.cfg.EngineUser,
		Password: p.cfg.EnginePassword,
	}, nil
}

// fileStrategy provisions the embedded file-based engine under the site root.
// It needs no external process, so it either works or the site is unusable.
type fileStrategy struct{ p *Provisioner }

func (s fileStrategy) provision(ctx context.Context, req Request) (Result, error) {
	path := SQLitePath(req.SiteRoot, req.Name)
	if err := s.p.conn.EnsureFile(ctx, path); err != nil {
		return Result{}, fmt.Errorf("dbengine: create sqlite database: %w", err)
	}
	return Result{
		Engine: domain.EngineSQLite,
		Name:   req.Name,
		Path:   path,
	}, nil
}

// SQLitePath returns the file-based database location inside a site root.
func SQLitePath(siteRoot, name string) string {
	return filepath.Join(siteRoot, "database", name+".sqlite")
}

// enginePath resolves the engine's server binary, preferring an explicit
// configured path over PATH lookup.
func (p *Provisioner) enginePath(engine domain.EngineKind) (string, error) {
	var bin string
	switch engine {
	case domain.EngineMySQL:
		bin = p.cfg.MySQLBinary
	case domain.EnginePostgres:
		bin = p.cfg.PostgresBinary
	default:
		return "", fmt.Errorf("dbengine: %s is not a server engine", engine)
	}
	if filepath.IsAbs(bin) {
		return bin, nil
	}
	return p.lookPath(bin)
}

func (p *Provisioner) serverDSN(engine domain.EngineKind, port int, dbName string) string {
	return ServerDSN(engine, p.cfg.EngineUser, p.cfg.EnginePassword, "127.0.0.1", port, dbName)
}
