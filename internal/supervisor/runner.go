package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap"

	"github.com/swarmd/swarmd/internal/common/logger"
	v1 "github.com/swarmd/swarmd/pkg/api/v1"
)

// errorWrapper wraps an error so it can be stored in atomic.Value (which
// cannot store nil).
type errorWrapper struct {
	err error
}

// runner owns one worker's child process: the command, its input stream, and
// the goroutines draining its output into the ring buffer.
type runner struct {
	logger *logger.Logger

	mode        v1.SpawnMode
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	ptmx        *os.File
	tmuxSession string

	buffer   *OutputBuffer
	onLine   func(line v1.OutputLine)
	exitCode atomic.Int32
	exitErr  atomic.Value // errorWrapper

	sendMu   sync.Mutex
	wg       sync.WaitGroup
	doneCh   chan struct{}
	doneOnce sync.Once
	onExit   func(exitCode int, err error)
}

// markDone closes doneCh exactly once. Both the exit reaper and the tmux
// watcher can race here.
func (r *runner) markDone() {
	r.doneOnce.Do(func() { close(r.doneCh) })
}

// runnerSpec describes the child to launch.
type runnerSpec struct {
	Mode       v1.SpawnMode
	Command    string
	Args       []string
	WorkingDir string
	Env        []string
	Handle     string
}

// startRunner launches the child according to the spawn mode and begins
// draining its output. onLine fires for every captured line; onExit fires
// once when the child is gone.
func startRunner(spec runnerSpec, buffer *OutputBuffer, log *logger.Logger,
	onLine func(v1.OutputLine), onExit func(exitCode int, err error)) (*runner, error) {

	if spec.Command == "" {
		return nil, fmt.Errorf("no child command configured")
	}

	r := &runner{
		logger: log.WithFields(zap.String("component", "runner"), zap.String("handle", spec.Handle)),
		mode:   spec.Mode,
		buffer: buffer,
		onLine: onLine,
		doneCh: make(chan struct{}),
		onExit: onExit,
	}
	r.exitCode.Store(-1)
	r.exitErr.Store(errorWrapper{})

	switch spec.Mode {
	case v1.SpawnModeProcess:
		if err := r.startProcess(spec); err != nil {
			return nil, err
		}
	case v1.SpawnModePty:
		if err := r.startPty(spec); err != nil {
			return nil, err
		}
	case v1.SpawnModeTmux:
		if err := r.startTmux(spec); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported spawn mode: %s", spec.Mode)
	}

	return r, nil
}

// startProcess launches the child with plain pipes.
//
// NOTE: exec.Command rather than exec.CommandContext on purpose — the
// spawning request's context must not kill the worker when the request ends.
func (r *runner) startProcess(spec runnerSpec) error {
	r.cmd = exec.Command(spec.Command, spec.Args...)
	r.cmd.Dir = spec.WorkingDir
	r.cmd.Env = spec.Env

	var err error
	r.stdin, err = r.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := r.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := r.cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := r.cmd.Start(); err != nil {
		return fmt.Errorf("start child: %w", err)
	}

	r.wg.Add(2)
	go r.readLines(stdout, "stdout")
	go r.readLines(stderr, "stderr")
	go r.waitForExit()

	r.logger.Info("child process started", zap.Int("pid", r.cmd.Process.Pid))
	return nil
}

// startPty launches the child under a pseudo-terminal. Input and output share
// the single pty descriptor; all output is labelled stdout.
func (r *runner) startPty(spec runnerSpec) error {
	r.cmd = exec.Command(spec.Command, spec.Args...)
	r.cmd.Dir = spec.WorkingDir
	r.cmd.Env = spec.Env

	ptmx, err := pty.Start(r.cmd)
	if err != nil {
		return fmt.Errorf("start pty: %w", err)
	}
	r.ptmx = ptmx
	r.stdin = ptmx

	r.wg.Add(1)
	go r.readLines(ptmx, "stdout")
	go r.waitForExit()

	r.logger.Info("pty child started", zap.Int("pid", r.cmd.Process.Pid))
	return nil
}

// startTmux runs the child inside a detached tmux session named after the
// handle. Input goes through send-keys; output stays in the tmux scrollback
// and is not streamed.
func (r *runner) startTmux(spec runnerSpec) error {
	r.tmuxSession = "swarmd-" + spec.Handle

	args := []string{"new-session", "-d", "-s", r.tmuxSession}
	if spec.WorkingDir != "" {
		args = append(args, "-c", spec.WorkingDir)
	}
	args = append(args, spec.Command)
	args = append(args, spec.Args...)

	r.cmd = exec.Command("tmux", args...)
	r.cmd.Env = spec.Env
	if out, err := r.cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("tmux new-session: %w: %s", err, out)
	}

	go r.watchTmux()

	r.logger.Info("tmux session started", zap.String("session", r.tmuxSession))
	return nil
}

// Send writes a message line to the child's input stream.
func (r *runner) Send(message string, timeout time.Duration) error {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	if r.mode == v1.SpawnModeTmux {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		cmd := exec.CommandContext(ctx, "tmux", "send-keys", "-t", r.tmuxSession, message, "Enter")
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("tmux send-keys: %w: %s", err, out)
		}
		return nil
	}

	if r.stdin == nil {
		return fmt.Errorf("child has no input stream")
	}

	type deadliner interface{ SetWriteDeadline(time.Time) error }
	if d, ok := r.stdin.(deadliner); ok {
		_ = d.SetWriteDeadline(time.Now().Add(timeout))
		defer d.SetWriteDeadline(time.Time{})
	}

	if _, err := io.WriteString(r.stdin, message+"\n"); err != nil {
		return fmt.Errorf("write to child: %w", err)
	}
	return nil
}

// Alive reports whether the child is still running.
func (r *runner) Alive() bool {
	if r.mode == v1.SpawnModeTmux {
		return exec.Command("tmux", "has-session", "-t", r.tmuxSession).Run() == nil
	}
	select {
	case <-r.doneCh:
		return false
	default:
		return true
	}
}

// ExitCode returns the child's exit code (-1 while running).
func (r *runner) ExitCode() int {
	return int(r.exitCode.Load())
}

// Stop terminates the child: SIGTERM, wait up to grace, then SIGKILL.
func (r *runner) Stop(ctx context.Context, grace time.Duration) error {
	if r.mode == v1.SpawnModeTmux {
		cmd := exec.Command("tmux", "kill-session", "-t", r.tmuxSession)
		if err := cmd.Run(); err != nil {
			r.logger.Debug("tmux kill-session failed", zap.Error(err))
		}
		r.markDone()
		return nil
	}

	if r.cmd != nil && r.cmd.Process != nil {
		if err := r.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			r.logger.Debug("SIGTERM failed", zap.Error(err))
		}
	}
	if r.stdin != nil {
		_ = r.stdin.Close()
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-r.doneCh:
		r.logger.Info("child stopped gracefully")
	case <-timer.C:
		if r.cmd != nil && r.cmd.Process != nil {
			r.logger.Warn("grace period expired, killing child")
			_ = r.cmd.Process.Kill()
		}
		select {
		case <-r.doneCh:
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-ctx.Done():
		if r.cmd != nil && r.cmd.Process != nil {
			_ = r.cmd.Process.Kill()
		}
		return ctx.Err()
	}
	return nil
}

// readLines drains one output stream into the ring buffer.
func (r *runner) readLines(src io.Reader, stream string) {
	defer r.wg.Done()

	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := v1.OutputLine{
			Timestamp: time.Now().UnixMilli(),
			Stream:    stream,
			Content:   scanner.Text(),
		}
		r.buffer.Add(line)
		if r.onLine != nil {
			r.onLine(line)
		}
	}
	// Pty reads end with EIO when the child exits; not worth surfacing.
	if err := scanner.Err(); err != nil {
		r.logger.Debug("output reader stopped", zap.String("stream", stream), zap.Error(err))
	}
}

// waitForExit reaps the child and records how it went.
func (r *runner) waitForExit() {
	r.wg.Wait()

	err := r.cmd.Wait()
	if err != nil {
		r.exitErr.Store(errorWrapper{err: err})
		if exitErr, ok := err.(*exec.ExitError); ok {
			r.exitCode.Store(int32(exitErr.ExitCode()))
		}
		r.logger.Info("child exited with error", zap.Error(err))
	} else {
		r.exitCode.Store(0)
		r.logger.Info("child exited")
	}

	r.markDone()
	if r.onExit != nil {
		r.onExit(r.ExitCode(), err)
	}
}

// watchTmux polls the detached session until it disappears.
func (r *runner) watchTmux() {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		select {
		case <-r.doneCh:
			return
		default:
		}
		if exec.Command("tmux", "has-session", "-t", r.tmuxSession).Run() != nil {
			r.exitCode.Store(0)
			r.markDone()
			if r.onExit != nil {
				r.onExit(0, nil)
			}
			return
		}
	}
}
