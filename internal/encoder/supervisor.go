package encoder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"stream-rotator/internal/platform/metrics"
)

// ErrSpawn is returned by Start when the external encoder binary cannot be
// launched. The caller aborts the session attempt and retries after a
// cooldown.
var ErrSpawn = errors.New("encoder spawn failed")

// State is the supervisor lifecycle state.
type State int

const (
	Idle State = iota
	Running
	Stopped
)

// DefaultPollInterval is the liveness polling interval during supervision.
const DefaultPollInterval = 20 * time.Second

// DefaultStopGrace is how long a graceful stop waits before escalating to a
// forced kill.
const DefaultStopGrace = 10 * time.Second

// Supervisor owns one external encoder process for the duration of one
// session. It restarts the process on unexpected exit, enforces the session
// deadline, and guarantees at most one live process at any instant: a
// restart only ever happens after the previous instance has exited.
type Supervisor struct {
	runner       Runner
	log          *slog.Logger
	metrics      *metrics.Metrics
	pollInterval time.Duration
	stopGrace    time.Duration

	mu    sync.Mutex
	state State
	proc  Process
	args  []string
}

// NewSupervisor returns an idle Supervisor using the given runner. Metrics
// may be nil to disable metric recording (e.g. in tests).
func NewSupervisor(runner Runner, log *slog.Logger, m *metrics.Metrics) *Supervisor {
	return &Supervisor{
		runner:       runner,
		log:          log,
		metrics:      m,
		pollInterval: DefaultPollInterval,
		stopGrace:    DefaultStopGrace,
	}
}

// SetPollInterval overrides the liveness polling interval. Intended for tests.
func (s *Supervisor) SetPollInterval(d time.Duration) { s.pollInterval = d }

// SetStopGrace overrides the graceful-stop window. Intended for tests.
func (s *Supervisor) SetStopGrace(d time.Duration) { s.stopGrace = d }

// Start spawns the external encoder streaming video+audio to output. It can
// only be called on an idle supervisor. Launch failure wraps ErrSpawn.
func (s *Supervisor) Start(video, audio, output string, profile Profile, maxDuration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Idle {
		return fmt.Errorf("supervisor already used (state %d)", s.state)
	}

	args := BuildArgs(video, audio, output, profile, maxDuration)
	proc, err := s.runner.Start(args)
	if err != nil {
		s.state = Stopped
		return fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	s.args = args
	s.proc = proc
	s.state = Running
	s.log.Info("encoder started",
		slog.String("video", video),
		slog.String("audio", audio),
		slog.String("output", output))
	return nil
}

// Alive reports whether the supervised process is currently running.
// Non-blocking.
func (s *Supervisor) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == Running && s.proc != nil && s.proc.Alive()
}

// SuperviseUntil blocks until deadline, restarting the encoder with
// identical parameters whenever it exits early. The session must keep
// producing output for its full nominal duration regardless of transient
// encoder failures. At the deadline (or on context cancellation) the
// process is stopped gracefully and SuperviseUntil returns.
func (s *Supervisor) SuperviseUntil(ctx context.Context, deadline time.Time) error {
	deadlineTimer := time.NewTimer(time.Until(deadline))
	defer deadlineTimer.Stop()

	for {
		s.mu.Lock()
		proc := s.proc
		state := s.state
		s.mu.Unlock()
		if state != Running || proc == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			s.Stop()
			return ctx.Err()
		case <-deadlineTimer.C:
			s.Stop()
			return nil
		case <-proc.Done():
			if err := s.restart(proc); err != nil {
				s.log.Error("encoder restart failed", slog.String("error", err.Error()))
				select {
				case <-ctx.Done():
					s.Stop()
					return ctx.Err()
				case <-deadlineTimer.C:
					s.Stop()
					return nil
				case <-time.After(s.pollInterval):
				}
			}
		}
	}
}

// restart replaces an exited process with a fresh one using the same argv.
// exited must already be done; this preserves the one-live-process guarantee.
func (s *Supervisor) restart(exited Process) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Running || s.proc != exited {
		return nil
	}

	exitErr := exited.Err()
	s.log.Warn("encoder exited unexpectedly, restarting",
		slog.String("error", fmt.Sprintf("%v", exitErr)))

	proc, err := s.runner.Start(s.args)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	s.proc = proc
	if s.metrics != nil {
		s.metrics.IncEncoderRestarts()
	}
	return nil
}

// Stop terminates the encoder process (graceful signal, then forced kill
// after the grace window) and marks the supervisor stopped. Idempotent.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	proc := s.proc
	alreadyStopped := s.state == Stopped
	s.state = Stopped
	s.mu.Unlock()

	if alreadyStopped || proc == nil {
		return
	}
	if err := proc.Stop(s.stopGrace); err != nil {
		s.log.Error("encoder stop failed", slog.String("error", err.Error()))
		return
	}
	s.log.Info("encoder stopped")
}
