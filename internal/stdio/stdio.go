// Package stdio spawns a subprocess and exposes its stdin/stdout as
// the bidirectional byte pipe the control plane runs over.
package stdio

import (
	"bufio"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/agentpipe/agentpipe/internal/perr"
)

// maxStderrBuffer caps captured diagnostic output. The stderr reader
// keeps draining past the cap so the pipe never backs up, but the
// buffer stops growing.
const maxStderrBuffer = 1 * 1024 * 1024

// Config describes the subprocess to spawn.
type Config struct {
	Path string
	Args []string
	Env  []string
	Dir  string

	// Stderr, when set, receives each diagnostic line as it arrives.
	Stderr func(line string)
}

// Transport runs one subprocess and serializes writes to its stdin.
type Transport struct {
	log *slog.Logger
	cfg Config

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	mu          sync.Mutex
	closing     bool
	stdinClosed bool

	stderrMu  sync.Mutex
	stderrBuf strings.Builder
	stderrWg  sync.WaitGroup

	waitOnce sync.Once
	waitErr  error
}

// New creates an unstarted transport.
func New(log *slog.Logger, cfg Config) *Transport {
	return &Transport{
		log: log.With("component", "stdio"),
		cfg: cfg,
	}
}

// Start spawns the subprocess and wires up its pipes.
func (t *Transport) Start(ctx context.Context) error {
	if t.cfg.Path == "" {
		return &perr.ConnectionError{Err: stderrors.New("no command configured")}
	}

	//nolint:gosec // G204: spawning a caller-configured command is the point
	cmd := exec.CommandContext(ctx, t.cfg.Path, t.cfg.Args...)
	cmd.Dir = t.cfg.Dir
	cmd.Env = t.cfg.Env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &perr.ConnectionError{Err: fmt.Errorf("stdin pipe: %w", err)}
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &perr.ConnectionError{Err: fmt.Errorf("stdout pipe: %w", err)}
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &perr.ConnectionError{Err: fmt.Errorf("stderr pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		return &perr.ConnectionError{Err: fmt.Errorf("start process: %w", err)}
	}

	t.cmd = cmd
	t.stdin = stdin
	t.stdout = stdout
	t.stderr = stderr

	t.stderrWg.Add(1)

	go t.drainStderr()

	t.log.Debug("Subprocess started", "pid", cmd.Process.Pid, "path", t.cfg.Path)

	return nil
}

// drainStderr captures diagnostic output for error reporting. Relies
// on process kill closing the pipe to unblock the scan.
func (t *Transport) drainStderr() {
	defer t.stderrWg.Done()

	scanner := bufio.NewScanner(t.stderr)
	for scanner.Scan() {
		line := scanner.Text()

		t.stderrMu.Lock()

		if t.stderrBuf.Len() < maxStderrBuffer {
			if t.stderrBuf.Len() > 0 {
				t.stderrBuf.WriteString("\n")
			}

			t.stderrBuf.WriteString(line)
		}

		t.stderrMu.Unlock()

		if t.cfg.Stderr != nil {
			t.cfg.Stderr(line)
		}
	}
}

// Reader returns the subprocess stdout for the framer to consume.
func (t *Transport) Reader() io.Reader {
	return t.stdout
}

// Write sends one framed message to the subprocess stdin, appending
// the trailing newline if missing. Safe for concurrent use. A write
// blocked past context cancellation closes stdin to unblock it.
func (t *Transport) Write(ctx context.Context, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stdin == nil {
		return perr.ErrNotConnected
	}

	if t.stdinClosed {
		return perr.ErrStdinClosed
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if len(data) == 0 || data[len(data)-1] != '\n' {
		framed := make([]byte, len(data)+1)
		copy(framed, data)
		framed[len(data)] = '\n'
		data = framed
	}

	done := make(chan error, 1)

	go func() {
		_, err := t.stdin.Write(data)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("write to stdin: %w", err)
		}

		return nil

	case <-ctx.Done():
		_ = t.stdin.Close()
		t.stdinClosed = true

		select {
		case <-done:
		case <-time.After(time.Second):
			t.log.Warn("Write did not unblock after stdin close")
		}

		return ctx.Err()
	}
}

// CloseInput closes stdin to signal end of input. The subprocess keeps
// running until it finishes processing.
func (t *Transport) CloseInput() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stdin == nil || t.stdinClosed {
		return nil
	}

	t.stdinClosed = true
	err := t.stdin.Close()
	t.stdin = nil

	return err
}

// Alive reports whether the process has been started and stdin is
// still usable.
func (t *Transport) Alive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.cmd != nil && t.cmd.Process != nil && !t.stdinClosed
}

// ExitStatus blocks until the process exits and reports how. A
// non-zero exit becomes a ProcessError carrying the exit code and
// captured stderr; an exit during intentional shutdown reports nil.
func (t *Transport) ExitStatus() error {
	if t.cmd == nil {
		return nil
	}

	t.waitOnce.Do(func() {
		t.stderrWg.Wait()

		err := t.cmd.Wait()
		if err == nil {
			return
		}

		t.mu.Lock()
		closing := t.closing
		t.mu.Unlock()

		if closing {
			return
		}

		exitCode := 0
		if exitErr, ok := err.(*exec.ExitError); ok { //nolint:errorlint // Wait returns the error directly
			exitCode = exitErr.ExitCode()
		}

		t.stderrMu.Lock()
		diagnostic := t.stderrBuf.String()
		t.stderrMu.Unlock()

		t.waitErr = &perr.ProcessError{
			ExitCode: exitCode,
			Stderr:   diagnostic,
			Err:      err,
		}
	})

	return t.waitErr
}

// Close kills the subprocess. Idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closing = true
	t.stdinClosed = true

	if t.cmd != nil && t.cmd.Process != nil {
		if err := t.cmd.Process.Kill(); err != nil && !stderrors.Is(err, exec.ErrWaitDelay) {
			// Already-finished processes report an error from Kill;
			// that is expected on double Close.
			t.log.Debug("Process kill", "error", err)
		}
	}

	return nil
}
