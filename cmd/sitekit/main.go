package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mbarlow/sitekit/internal/backend"
	"github.com/mbarlow/sitekit/internal/backend/docker"
	"github.com/mbarlow/sitekit/internal/backend/native"
	"github.com/mbarlow/sitekit/internal/cli"
	"github.com/mbarlow/sitekit/internal/dbengine"
	"github.com/mbarlow/sitekit/internal/domain"
	"github.com/mbarlow/sitekit/internal/hosts"
	"github.com/mbarlow/sitekit/internal/installer"
	"github.com/mbarlow/sitekit/internal/ports"
	"github.com/mbarlow/sitekit/internal/probe"
	"github.com/mbarlow/sitekit/internal/site"
	"github.com/mbarlow/sitekit/internal/store"
	"github.com/mbarlow/sitekit/pkg/config"
	"github.com/mbarlow/sitekit/pkg/logger"
)

func main() {
	cfg := config.Load()
	if path := os.Getenv("SITEKIT_CONFIG"); path != "" {
		if err := config.LoadFile(&cfg, path); err != nil {
			logger.New("sitekit", slog.LevelInfo).Error("failed to load config file", "path", path, "error", err)
			os.Exit(1)
		}
	}
	level := logger.ParseLevel(cfg.LogLevel)
	log := logger.New("sitekit", level)
	if cfg.LogText {
		log = logger.NewText("sitekit", level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for _, dir := range []string{cfg.DataDir, cfg.SitesDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Error("failed to create data directory", "dir", dir, "error", err)
			os.Exit(1)
		}
	}

	alloc, err := ports.New(filepath.Join(cfg.DataDir, "ports.json"),
		cfg.PortRangeMin, cfg.PortRangeMax, cfg.ReservedPorts, log)
	if err != nil {
		log.Error("failed to open port table", "error", err)
		os.Exit(1)
	}

	st := store.NewFileStore(cfg.SitesDir, log)

	engines := dbengine.New(cfg, log)
	defer engines.StopAll(context.Background())

	backends := map[domain.BackendKind]backend.Backend{
		domain.BackendNative: native.New(cfg.PHPBinary, log),
	}
	if dockerCli, err := docker.NewClient(ctx, cfg.DockerHost); err != nil {
		log.Warn("docker unavailable, container backend disabled", "error", err)
	} else {
		backends[domain.BackendContainer] = docker.New(dockerCli, cfg, log)
	}

	var registrar hosts.Registrar = hosts.Noop{}
	if cfg.HostsFilePath != "" {
		registrar = hosts.NewFile(cfg.HostsFilePath)
	}

	httpClient := &http.Client{Timeout: 10 * time.Second}
	prober := probe.New(httpClient, log)
	install := installer.New(httpClient, cfg.SetupPath, log)

	orch := site.New(cfg, st, alloc, engines, backends, prober, install, registrar, log)
	if err := orch.Restore(ctx); err != nil {
		log.Error("failed to restore site registry", "error", err)
		os.Exit(1)
	}

	app := &cli.App{Cfg: cfg, Orch: orch, Engines: engines, Logger: log}
	if err := cli.Execute(ctx, app); err != nil {
		log.Error("command failed", "error", err)
		os.Exit(1)
	}
}
