package mcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// CommandTransport runs an MCP server as a child process and speaks newline-delimited JSON-RPC with
// it over the child's stdin and stdout. Lines the child writes to stderr are forwarded to the logger
// at debug level.
//
// Stop closes the child's stdin and waits for it to exit; a child that is still running after the
// configured wait delay is killed. The transport also closes on its own when the child exits.
type CommandTransport struct {
	*StdIO

	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    *io.PipeWriter
	stderr    *io.PipeReader
	stderrW   *io.PipeWriter
	waitDelay time.Duration

	group     errgroup.Group
	exited    chan struct{}
	startOnce sync.Once
	startErr  error
}

// NewCommandTransport prepares cmd to be started by Start. cmd must not have been started, and its
// Stdin, Stdout and Stderr must be unset.
func NewCommandTransport(cmd *exec.Cmd, options ...TransportOption) (*CommandTransport, error) {
	opts := newTransportOptions(options)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	// Wait closes pipes returned by StdoutPipe while reads may be pending, so output goes through
	// io.Pipes that are closed only after Wait has copied everything.
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	c := &CommandTransport{
		StdIO:     newStdIO(stdoutR, stdin, "command", opts),
		cmd:       cmd,
		stdin:     stdin,
		stdout:    stdoutW,
		stderr:    stderrR,
		stderrW:   stderrW,
		waitDelay: opts.waitDelay,
		exited:    make(chan struct{}),
	}
	c.closer = c.stopProcess
	return c, nil
}

// Start implements Transport by starting the child process and the stdio loops.
func (c *CommandTransport) Start(ctx context.Context) error {
	c.startOnce.Do(func() {
		if err := ctx.Err(); err != nil {
			c.startErr = err
			return
		}
		if err := c.cmd.Start(); err != nil {
			c.startErr = fmt.Errorf("failed to start %s: %w", c.cmd.Path, err)
			c.stdout.Close()
			c.stderrW.Close()
			return
		}
		c.logger.Info("started child process", slog.String("path", c.cmd.Path), slog.Int("pid", c.cmd.Process.Pid))

		c.group.Go(c.forwardStderr)
		c.group.Go(func() error {
			defer close(c.exited)
			err := c.cmd.Wait()
			c.stdout.Close()
			c.stderrW.Close()
			if err != nil {
				c.logger.Warn("child process exited", slog.String("err", err.Error()))
			} else {
				c.logger.Debug("child process exited")
			}
			return err
		})
	})
	if c.startErr != nil {
		return c.startErr
	}
	return c.StdIO.Start(ctx)
}

// Stop implements Transport.
func (c *CommandTransport) Stop() error {
	return c.StdIO.Stop()
}

// Wait blocks until the child process has exited and its stderr has been drained, and returns the
// process exit error.
func (c *CommandTransport) Wait() error {
	return c.group.Wait()
}

func (c *CommandTransport) stopProcess() error {
	if c.cmd.Process == nil {
		return nil
	}
	if err := c.stdin.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		c.logger.Debug("failed to close child stdin", slog.String("err", err.Error()))
	}

	timer := time.NewTimer(c.waitDelay)
	defer timer.Stop()

	select {
	case <-c.exited:
		return nil
	case <-timer.C:
	}

	c.logger.Warn("child process did not exit, killing it", slog.Int("pid", c.cmd.Process.Pid))
	if err := c.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("failed to kill child process: %w", err)
	}
	<-c.exited
	return nil
}

func (c *CommandTransport) forwardStderr() error {
	scanner := bufio.NewScanner(c.stderr)
	for scanner.Scan() {
		c.logger.Debug("child stderr", slog.String("line", scanner.Text()))
	}
	return nil
}
