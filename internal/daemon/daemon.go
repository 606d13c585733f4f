// Package daemon supervises long-lived helper processes: the tunnel
// that exposes the webhook endpoint and the memory daemon. Children run
// in their own process groups, restart on exit within a budget, and get
// a readiness probe before they count as up.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"
)

const (
	// restartBudget and restartWindow bound crash loops: a child that
	// exits more than restartBudget times inside restartWindow stays
	// down.
	restartBudget = 3
	restartWindow = 300 * time.Second
	// readyTimeout bounds how long a readiness probe may take.
	readyTimeout = 30 * time.Second
	// stopGrace is how long a child gets between SIGTERM and SIGKILL.
	stopGrace = 10 * time.Second
)

// Child describes one supervised process.
type Child struct {
	Name    string
	Command []string
	Env     []string

	// Ready blocks until the child is usable. Nil means ready at start.
	Ready func(ctx context.Context) error
}

// Supervisor keeps one child running.
type Supervisor struct {
	child   Child
	log     *slog.Logger
	limiter *rate.Limiter

	mu  sync.Mutex
	cmd *exec.Cmd
}

func New(child Child, log *slog.Logger) *Supervisor {
	return &Supervisor{
		child:   child,
		log:     log,
		limiter: rate.NewLimiter(rate.Every(restartWindow/restartBudget), restartBudget),
	}
}

// Run starts the child and restarts it on exit until the context ends or
// the restart budget runs out.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if !s.limiter.Allow() {
			return fmt.Errorf("%s: restart budget exhausted (%d in %s)",
				s.child.Name, restartBudget, restartWindow)
		}

		cmd, err := s.start()
		if err != nil {
			s.log.Error("daemon.start_failed", "child", s.child.Name, "error", err)
			continue
		}
		s.log.Info("daemon.started", "child", s.child.Name, "pid", cmd.Process.Pid)

		if s.child.Ready != nil {
			rctx, cancel := context.WithTimeout(ctx, readyTimeout)
			err := s.child.Ready(rctx)
			cancel()
			if err != nil {
				s.log.Warn("daemon.not_ready", "child", s.child.Name, "error", err)
				s.terminate(cmd)
				_ = cmd.Wait()
				continue
			}
			s.log.Info("daemon.ready", "child", s.child.Name)
		}

		exited := make(chan error, 1)
		go func() { exited <- cmd.Wait() }()

		select {
		case <-ctx.Done():
			s.terminate(cmd)
			<-exited
			s.log.Info("daemon.stopped", "child", s.child.Name)
			return nil
		case err := <-exited:
			s.log.Warn("daemon.exited", "child", s.child.Name, "error", err)
		}
	}
}

func (s *Supervisor) start() (*exec.Cmd, error) {
	if len(s.child.Command) == 0 {
		return nil, errors.New("empty command")
	}
	cmd := exec.Command(s.child.Command[0], s.child.Command[1:]...)
	cmd.Env = append(os.Environ(), s.child.Env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.cmd = cmd
	s.mu.Unlock()
	return cmd, nil
}

// terminate signals the child's whole process group, escalating to
// SIGKILL after the grace period.
func (s *Supervisor) terminate(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid := -cmd.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGTERM)

	deadline := time.After(stopGrace)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline:
			_ = syscall.Kill(pgid, syscall.SIGKILL)
			return
		case <-tick.C:
			// Signal 0 probes for liveness.
			if syscall.Kill(pgid, 0) != nil {
				return
			}
		}
	}
}

// SocketReady returns a readiness probe that waits for a unix socket
// file to appear.
func SocketReady(path string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		tick := time.NewTicker(100 * time.Millisecond)
		defer tick.Stop()
		for {
			if _, err := os.Stat(path); err == nil {
				return nil
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("socket %s: %w", path, ctx.Err())
			case <-tick.C:
			}
		}
	}
}
