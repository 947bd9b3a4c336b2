// Package actuator terminates the guarded process after a KILL decision.
package actuator

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
)

// ErrSelf is returned when the target pid is the kernel's own.
var ErrSelf = errors.New("actuator: refusing to terminate own process")

// Terminator forcibly ends a process.
type Terminator interface {
	Terminate(pid int) error
}

// ProcessKiller sends SIGKILL on unix and calls TerminateProcess on Windows.
type ProcessKiller struct{}

func (ProcessKiller) Terminate(pid int) error {
	if pid == os.Getpid() {
		return ErrSelf
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := p.Kill(); err != nil {
		return fmt.Errorf("kill process %d: %w", pid, err)
	}
	return nil
}

// Actuator fires a Terminator in the background so decision processing
// never waits on the operating system.
type Actuator struct {
	term   Terminator
	pid    int
	logger *zap.Logger
	wg     sync.WaitGroup
}

// New returns an Actuator for pid. A pid of zero or less disables it.
func New(term Terminator, pid int, logger *zap.Logger) *Actuator {
	if term == nil {
		term = ProcessKiller{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Actuator{term: term, pid: pid, logger: logger}
}

// Armed reports whether a target pid is configured.
func (a *Actuator) Armed() bool {
	return a.pid > 0
}

// PID returns the target pid.
func (a *Actuator) PID() int {
	return a.pid
}

// Fire terminates the target asynchronously and reports whether an attempt
// was started. The outcome is only logged.
func (a *Actuator) Fire(decisionID uint64) bool {
	if !a.Armed() {
		return false
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		log := a.logger.With(zap.Int("pid", a.pid), zap.Uint64("decision_id", decisionID))
		if err := a.term.Terminate(a.pid); err != nil {
			log.Error("failed to terminate target process", zap.Error(err))
			return
		}
		log.Info("target process terminated")
	}()
	return true
}

// Wait blocks until every started termination has finished.
func (a *Actuator) Wait() {
	a.wg.Wait()
}
