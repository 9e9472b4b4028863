package encoder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeProcess struct {
	mu       sync.Mutex
	done     chan struct{}
	err      error
	stopped  bool
	exitOnce sync.Once
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{done: make(chan struct{})}
}

func (p *fakeProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *fakeProcess) Stop(time.Duration) error {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.exit(nil)
	return nil
}

func (p *fakeProcess) exit(err error) {
	p.exitOnce.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *fakeProcess) wasStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

type fakeRunner struct {
	mu       sync.Mutex
	procs    []*fakeProcess
	startErr error
	overlap  bool
}

func (r *fakeRunner) Start([]string) (Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return nil, r.startErr
	}
	// A restart must never run two instances concurrently for one handle.
	for _, p := range r.procs {
		if p.Alive() {
			r.overlap = true
		}
	}
	p := newFakeProcess()
	r.procs = append(r.procs, p)
	return p, nil
}

func (r *fakeRunner) starts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.procs)
}

func (r *fakeRunner) proc(i int) *fakeProcess {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.procs[i]
}

func newTestSupervisor(r Runner) *Supervisor {
	s := NewSupervisor(r, testLogger(), nil)
	s.SetPollInterval(5 * time.Millisecond)
	s.SetStopGrace(5 * time.Millisecond)
	return s
}

func TestSupervisor_Start_spawn_error(t *testing.T) {
	runner := &fakeRunner{startErr: fmt.Errorf("no such binary")}
	s := newTestSupervisor(runner)

	err := s.Start("v", "a", "out", DefaultProfile(), time.Minute)
	if !errors.Is(err, ErrSpawn) {
		t.Errorf("expected ErrSpawn, got %v", err)
	}
	if s.Alive() {
		t.Error("supervisor should not be alive after spawn failure")
	}
}

func TestSupervisor_restart_on_unexpected_exit(t *testing.T) {
	runner := &fakeRunner{}
	s := newTestSupervisor(runner)

	if err := s.Start("v", "a", "out", DefaultProfile(), time.Minute); err != nil {
		t.Fatalf("Start: %v", err)
	}

	superviseDone := make(chan error, 1)
	go func() {
		superviseDone <- s.SuperviseUntil(context.Background(), time.Now().Add(300*time.Millisecond))
	}()

	runner.proc(0).exit(fmt.Errorf("exit status 1"))

	deadline := time.Now().Add(200 * time.Millisecond)
	for runner.starts() < 2 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if runner.starts() < 2 {
		t.Fatal("encoder was not restarted after unexpected exit")
	}

	if err := <-superviseDone; err != nil {
		t.Fatalf("SuperviseUntil: %v", err)
	}
	if runner.overlap {
		t.Error("two encoder instances were alive simultaneously")
	}
	if s.Alive() {
		t.Error("supervisor should be stopped after the deadline")
	}
}

func TestSupervisor_deadline_stops_process(t *testing.T) {
	runner := &fakeRunner{}
	s := newTestSupervisor(runner)

	if err := s.Start("v", "a", "out", DefaultProfile(), time.Minute); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := s.SuperviseUntil(context.Background(), time.Now().Add(20*time.Millisecond)); err != nil {
		t.Fatalf("SuperviseUntil: %v", err)
	}
	if !runner.proc(0).wasStopped() {
		t.Error("process should be stopped gracefully at the deadline")
	}
	if runner.starts() != 1 {
		t.Errorf("expected no restarts, got %d starts", runner.starts())
	}
}

func TestSupervisor_context_cancel(t *testing.T) {
	runner := &fakeRunner{}
	s := newTestSupervisor(runner)

	if err := s.Start("v", "a", "out", DefaultProfile(), time.Minute); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	superviseDone := make(chan error, 1)
	go func() {
		superviseDone <- s.SuperviseUntil(ctx, time.Now().Add(time.Hour))
	}()

	cancel()
	if err := <-superviseDone; !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if !runner.proc(0).wasStopped() {
		t.Error("process should be stopped on cancellation")
	}
}

func TestSupervisor_external_stop_ends_supervision(t *testing.T) {
	runner := &fakeRunner{}
	s := newTestSupervisor(runner)

	if err := s.Start("v", "a", "out", DefaultProfile(), time.Minute); err != nil {
		t.Fatalf("Start: %v", err)
	}

	superviseDone := make(chan error, 1)
	go func() {
		superviseDone <- s.SuperviseUntil(context.Background(), time.Now().Add(time.Hour))
	}()

	s.Stop()
	select {
	case err := <-superviseDone:
		if err != nil {
			t.Fatalf("SuperviseUntil: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("SuperviseUntil did not return after Stop")
	}
	if runner.starts() != 1 {
		t.Errorf("stopped encoder must not be restarted, got %d starts", runner.starts())
	}
}
