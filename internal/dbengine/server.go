package dbengine

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/mbarlow/sitekit/internal/domain"
)

// instance is one running server engine process. Instances are shared: one
// engine+version serves the logical databases of every site requesting it.
type instance struct {
	engine  domain.EngineKind
	version string
	port    int
	cmd     *exec.Cmd
}

func instanceKey(engine domain.EngineKind, version string) string {
	return string(engine) + ":" + version
}

// ensureInstance starts the shared engine instance unless one is already
// running for this engine+version. Returns the port it listens on.
func (p *Provisioner) ensureInstance(ctx context.Context, engine domain.EngineKind, version string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := instanceKey(engine, version)
	if inst, ok := p.instances[key]; ok {
		return inst.port, nil
	}

	port := p.enginePort(engine)
	cmd, err := p.buildServerCommand(engine, version, port)
	if err != nil {
		return 0, err
	}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("spawn %s: %w", engine, err)
	}
	inst := &instance{engine: engine, version: version, port: port, cmd: cmd}
	p.instances[key] = inst
	// Reap the process and drop the registration when it dies, so a later
	// EnsureAvailable restarts it instead of assuming it is up.
	go func() {
		_ = cmd.Wait()
		p.mu.Lock()
		if cur, ok := p.instances[key]; ok && cur == inst {
			delete(p.instances, key)
		}
		p.mu.Unlock()
		p.logger.Warn("database engine exited", "engine", engine, "version", version)
	}()
	p.logger.Info("database engine started", "engine", engine, "version", version, "port", port)
	return port, nil
}

// buildServerCommand prepares the engine server process.
func (p *Provisioner) buildServerCommand(engine domain.EngineKind, version string, port int) (*exec.Cmd, error) {
	bin, err := p.enginePath(engine)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrEngineNotInstalled, engine, err)
	}
	dataDir := filepath.Join(p.cfg.DataDir, "engines", instanceKey(engine, version))
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create engine data dir: %w", err)
	}

	switch engine {
	case domain.EngineMySQL:
		cmd := p.spawn(bin,
			"--datadir="+filepath.Join(dataDir, "data"),
			"--port="+strconv.Itoa(port),
			"--socket="+filepath.Join(dataDir, "mysql.sock"),
			"--skip-networking=0",
			"--bind-address=127.0.0.1",
		)
		return cmd, nil
	case domain.EnginePostgres:
		cmd := p.spawn(bin,
			"-D", filepath.Join(dataDir, "data"),
			"-p", strconv.Itoa(port),
			"-k", dataDir,
			"-h", "127.0.0.1",
		)
		return cmd, nil
	default:
		return nil, fmt.Errorf("dbengine: %s is not a server engine", engine)
	}
}

func (p *Provisioner) enginePort(engine domain.EngineKind) int {
	if engine == domain.EnginePostgres {
		return p.cfg.PostgresPort
	}
	return p.cfg.MySQLPort
}

// StopAll terminates every server instance this process started. Used on
// shutdown; engines started externally are left alone.
func (p *Provisioner) StopAll(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, inst := range p.instances {
		if inst.cmd != nil && inst.cmd.Process != nil {
			if err := inst.cmd.Process.Kill(); err != nil {
				p.logger.Warn("failed to stop engine", "engine", inst.engine, "error", err)
			}
		}
		delete(p.instances, key)
	}
}

// InstallEngine is the explicit install operation the start path never runs.
// For native engines it only verifies the binary is present; fetching engine
// container images is the container backend's install concern.
func (p *Provisioner) InstallEngine(ctx context.Context, engine domain.EngineKind, version string) error {
	if !engine.IsServer() {
		return nil
	}
	if _, err := p.enginePath(engine); err != nil {
		return fmt.Errorf("%w: %s %s: install the server binary and point SITEKIT_%s_BINARY at it",
			domain.ErrEngineNotInstalled, engine, version, installEnvName(engine))
	}
	return nil
}

func installEnvName(engine domain.EngineKind) string {
	if engine == domain.EnginePostgres {
		return "POSTGRES"
	}
	return "MYSQL"
}
