package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/phrazzld/banksync/internal/config"
	"github.com/phrazzld/banksync/internal/redact"
)

// Launcher makes sure a worker is available for a task kind.
type Launcher interface {
	Ensure(ctx context.Context, kind string) error
}

// Supervisor starts the configured worker command for a kind when none is
// running. A worker that exits is started again on the next Ensure.
// Kinds without a configured command are assumed to be served externally.
type Supervisor struct {
	mu       sync.Mutex
	workers  map[string]config.WorkerConfig
	running  map[string]*worker
	env      []string
	logger   *slog.Logger
	stopping bool
}

type worker struct {
	cmd  *exec.Cmd
	done chan struct{}
}

var _ Launcher = (*Supervisor)(nil)

// NewSupervisor creates a Supervisor. env is appended to the worker's
// inherited environment.
func NewSupervisor(workers map[string]config.WorkerConfig, env []string, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		workers: workers,
		running: make(map[string]*worker),
		env:     env,
		logger:  logger.With("component", "worker_supervisor"),
	}
}

// Ensure implements Launcher.
func (s *Supervisor) Ensure(_ context.Context, kind string) error {
	wc, ok := s.workers[kind]
	if !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping {
		return errors.New("supervisor is stopping")
	}
	if _, ok := s.running[kind]; ok {
		return nil
	}

	cmd := exec.Command(wc.Command, wc.Args...)
	cmd.Dir = wc.Dir
	cmd.Env = append(os.Environ(), s.env...)
	cmd.Env = append(cmd.Env, "BANKSYNC_WORKER_KIND="+kind)
	log := s.logger.With("kind", kind)
	cmd.Stdout = lineLogger{log: log, stream: "stdout"}
	cmd.Stderr = lineLogger{log: log, stream: "stderr"}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start worker for %s: %w", kind, err)
	}

	w := &worker{cmd: cmd, done: make(chan struct{})}
	s.running[kind] = w
	log.Info("worker started", "pid", cmd.Process.Pid)

	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		if s.running[kind] == w {
			delete(s.running, kind)
		}
		s.mu.Unlock()
		close(w.done)
		log.Info("worker exited", "pid", cmd.Process.Pid, "error", err)
	}()
	return nil
}

// Running reports whether a worker process for kind is alive.
func (s *Supervisor) Running(kind string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[kind]
	return ok
}

// Stop interrupts every worker and waits for them to exit. Workers still
// alive when ctx ends are killed.
func (s *Supervisor) Stop(ctx context.Context) {
	s.mu.Lock()
	s.stopping = true
	workers := make([]*worker, 0, len(s.running))
	for _, w := range s.running {
		workers = append(workers, w)
	}
	s.mu.Unlock()

	for _, w := range workers {
		_ = w.cmd.Process.Signal(os.Interrupt)
	}
	for _, w := range workers {
		select {
		case <-w.done:
		case <-ctx.Done():
			_ = w.cmd.Process.Kill()
			<-w.done
		}
	}
}

// lineLogger forwards worker output to the structured log with secrets redacted.
type lineLogger struct {
	log    *slog.Logger
	stream string
}

func (l lineLogger) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if line != "" {
			l.log.Info("worker output", "stream", l.stream, "line", redact.String(line))
		}
	}
	return len(p), nil
}
