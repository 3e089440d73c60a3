// Package native runs a site with a plain per-site OS process bound to
// localhost, serving the site's document root.
package native

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"syscall"

	"github.com/mbarlow/sitekit/internal/backend"
	"github.com/mbarlow/sitekit/internal/domain"
)

const pidFileName = ".sitekit.pid"

// Backend spawns the PHP built-in server per site.
type Backend struct {
	phpBinary string
	logger    *slog.Logger

	// newCommand builds the runtime process for a site. Replaced in tests.
	newCommand func(site *domain.Site) *exec.Cmd
}

// New returns a native process backend using the given PHP binary.
func New(phpBinary string, logger *slog.Logger) *Backend {
	b := &Backend{phpBinary: phpBinary, logger: logger}
	b.newCommand = b.defaultCommand
	return b
}

func (b *Backend) Kind() domain.BackendKind { return domain.BackendNative }

func (b *Backend) defaultCommand(site *domain.Site) *exec.Cmd {
	cmd := exec.Command(b.phpBinary,
		"-S", fmt.Sprintf("127.0.0.1:%d", site.Port),
		"-t", site.Root,
	)
	cmd.Dir = site.Root
	return cmd
}

// handle supervises one spawned runtime process.
type handle struct {
	cmd      *exec.Cmd
	exited   chan backend.Exit
	stopping atomic.Bool
}

func (h *handle) Exited() <-chan backend.Exit { return h.exited }

// Start verifies the document root, spawns the runtime, attaches output
// handlers and begins exit supervision.
func (b *Backend) Start(ctx context.Context, site *domain.Site) (backend.Handle, error) {
	info, err := os.Stat(site.Root)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", domain.ErrRootMissing, site.Root)
	}

	cmd := b.newCommand(site)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", domain.ErrBackendSpawn, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr pipe: %v", domain.ErrBackendSpawn, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBackendSpawn, err)
	}
	b.logger.Info("runtime process started", "site_id", site.ID, "pid", cmd.Process.Pid, "port", site.Port)

	if err := b.writePIDFile(site, cmd.Process.Pid); err != nil {
		b.logger.Warn("could not write pid file", "site_id", site.ID, "error", err)
	}

	go b.streamOutput(site.ID, "stdout", stdout)
	go b.streamOutput(site.ID, "stderr", stderr)

	h := &handle{cmd: cmd, exited: make(chan backend.Exit, 1)}
	go b.supervise(site, h)
	return h, nil
}

// supervise waits for process exit and emits exactly one Exit. An exit after
// our own stop signal, or with status zero, is a normal stop.
func (b *Backend) supervise(site *domain.Site, h *handle) {
	err := h.cmd.Wait()
	_ = b.removePIDFile(site.Root)

	abnormal := err != nil && !h.stopping.Load()
	if abnormal {
		b.logger.Error("runtime process exited abnormally", "site_id", site.ID, "error", err)
	} else {
		b.logger.Info("runtime process exited", "site_id", site.ID)
		err = nil
	}
	h.exited <- backend.Exit{Abnormal: abnormal, Err: err}
	close(h.exited)
}

// Stop sends a termination signal and returns without blocking on exit; the
// supervision goroutine completes the cleanup.
func (b *Backend) Stop(ctx context.Context, site *domain.Site, bh backend.Handle) error {
	h, ok := bh.(*handle)
	if !ok || h.cmd.Process == nil {
		return nil
	}
	h.stopping.Store(true)
	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil && !isProcessDone(err) {
		return fmt.Errorf("signal runtime process: %w", err)
	}
	return nil
}

// Cleanup kills any leftover runtime process recorded in the site's pid
// file. Covers processes spawned by a previous lifetime of this program,
// where no live handle exists.
func (b *Backend) Cleanup(ctx context.Context, site *domain.Site) error {
	root := site.Root
	data, err := os.ReadFile(filepath.Join(root, pidFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read pid file: %w", err)
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return b.removePIDFile(root)
	}
	if proc, err := os.FindProcess(pid); err == nil {
		_ = proc.Signal(syscall.SIGTERM)
	}
	return b.removePIDFile(root)
}

func (b *Backend) writePIDFile(site *domain.Site, pid int) error {
	return os.WriteFile(filepath.Join(site.Root, pidFileName), []byte(strconv.Itoa(pid)), 0o644)
}

func (b *Backend) removePIDFile(root string) error {
	err := os.Remove(filepath.Join(root, pidFileName))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (b *Backend) streamOutput(siteID, stream string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		b.logger.Debug("runtime output", "site_id", siteID, "stream", stream, "line", scanner.Text())
	}
}

func isProcessDone(err error) bool {
	return errors.Is(err, os.ErrProcessDone)
}
