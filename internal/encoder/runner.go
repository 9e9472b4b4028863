package encoder

import (
	"bytes"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Process is one running external encoder instance.
type Process interface {
	// Alive reports whether the process is still running. Non-blocking.
	Alive() bool
	// Done is closed when the process has exited for any reason.
	Done() <-chan struct{}
	// Err returns the exit error after Done is closed, nil for a clean exit.
	Err() error
	// Stop sends a graceful termination signal, escalating to a forced kill
	// after the grace window, and waits for the process to exit.
	Stop(grace time.Duration) error
}

// Runner spawns external encoder processes.
type Runner interface {
	Start(args []string) (Process, error)
}

// ExecRunner runs the encoder binary via os/exec. Encoder output lines are
// forwarded to the logger at debug level.
type ExecRunner struct {
	// Path is the encoder binary; defaults to "ffmpeg" when empty.
	Path string
	Log  *slog.Logger
}

// Start implements Runner.
func (r *ExecRunner) Start(args []string) (Process, error) {
	path := r.Path
	if path == "" {
		path = "ffmpeg"
	}

	cmd := exec.Command(path, args...)
	if r.Log != nil {
		w := &lineWriter{log: r.Log, binary: path}
		cmd.Stdout = w
		cmd.Stderr = w
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error

	stopOnce sync.Once
}

func (p *execProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

func (p *execProcess) Stop(grace time.Duration) error {
	if !p.Alive() {
		return nil
	}
	p.stopOnce.Do(func() {
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
	})
	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
	}
	_ = p.cmd.Process.Kill()
	<-p.done
	return nil
}

// lineWriter splits encoder output into lines and logs each one.
type lineWriter struct {
	log    *slog.Logger
	binary string
}

func (w *lineWriter) Write(b []byte) (int, error) {
	total := len(b)
	for len(b) > 0 {
		idx := bytes.IndexByte(b, '\n')
		var line []byte
		if idx == -1 {
			line = b
			b = nil
		} else {
			line = b[:idx]
			b = b[idx+1:]
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		w.log.Debug("encoder output", slog.String("binary", w.binary), slog.String("line", string(line)))
	}
	return total, nil
}
