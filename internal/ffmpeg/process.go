package ffmpeg

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"time"
)

// StartOptions controls the pipes of a long-lived ffmpeg process.
type StartOptions struct {
	Stdin  bool      // expose a stdin pipe for rawvideo input or the "q" command
	Stdout io.Writer // receives stdout; nil discards it
}

// Process is a running ffmpeg invocation.
type Process struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stderr  *tailBuffer
	started time.Time

	done   chan struct{}
	result RunResult
}

// Start launches ffmpeg without waiting for it to exit.
func (r *SubprocessRunner) Start(ctx context.Context, opts StartOptions, args ...string) (*Process, error) {
	cmdArgs := append([]string{"-hide_banner", "-loglevel", "error", "-y"}, args...)
	cmd := exec.CommandContext(ctx, r.ffmpeg, cmdArgs...)

	p := &Process{
		cmd:    cmd,
		stderr: &tailBuffer{limit: maxStderrBytes},
		done:   make(chan struct{}),
	}
	cmd.Stderr = p.stderr
	if opts.Stdout != nil {
		cmd.Stdout = opts.Stdout
	} else {
		cmd.Stdout = io.Discard
	}
	if opts.Stdin {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("ffmpeg stdin pipe: %w", err)
		}
		p.stdin = stdin
	}

	r.cfg.Logger.Debug("starting ffmpeg process", "args", r.safeArgs(cmdArgs))

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}
	p.started = time.Now()

	go func() {
		err := cmd.Wait()
		p.result = RunResult{
			ExitCode:   exitCode(err),
			StderrTail: p.stderr.String(),
			Duration:   time.Since(p.started),
		}
		if err != nil && p.result.StderrTail == "" {
			p.result.StderrTail = err.Error()
		}
		close(p.done)
	}()

	return p, nil
}

// Stdin returns the stdin pipe, or nil if StartOptions.Stdin was false.
func (p *Process) Stdin() io.WriteCloser {
	return p.stdin
}

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the process exits and returns its result. Safe to call
// more than once.
func (p *Process) Wait() RunResult {
	<-p.done
	return p.result
}

// StderrTail returns the stderr collected so far.
func (p *Process) StderrTail() string {
	return p.stderr.String()
}

// Kill terminates the process. It is a no-op once the process has exited.
func (p *Process) Kill() {
	select {
	case <-p.done:
		return
	default:
	}
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}
