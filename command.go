package mcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// CommandTransport is a ClientTransport that runs a command and communicates with it over
// its stdin and stdout, using newline-delimited JSON. The child's stderr is passed through
// unchanged.
//
// Every Connect starts a new process. The returned Stream owns it: stopping the stream
// closes the child's stdin, waits for it to exit, and escalates to SIGTERM and then to a
// kill when it does not.
type CommandTransport struct {
	command string
	args    []string
	env     []string
	dir     string
	stderr  io.Writer
	logger  *slog.Logger

	launchGrace  time.Duration
	closeTimeout time.Duration
}

// CommandOption configures a CommandTransport.
type CommandOption func(*CommandTransport)

// childProcess tracks a started command until it exits.
type childProcess struct {
	cmd     *exec.Cmd
	stdin   *os.File
	stdout  *os.File
	logger  *slog.Logger
	exited  chan struct{}
	waitErr error
}

var (
	defaultLaunchGrace  = 50 * time.Millisecond
	defaultCloseTimeout = 5 * time.Second

	// How long an end of stdout waits for the exit status before it is reported as a clean close.
	exitStatusWait = time.Second

	errUnresponsiveProcess = errors.New("unresponsive subprocess")
)

// NewCommandTransport returns a CommandTransport that runs command with args. The command
// is resolved with exec.LookPath when Connect is called.
func NewCommandTransport(command string, args []string, options ...CommandOption) *CommandTransport {
	t := &CommandTransport{
		command:      command,
		args:         args,
		stderr:       os.Stderr,
		logger:       slog.Default(),
		launchGrace:  defaultLaunchGrace,
		closeTimeout: defaultCloseTimeout,
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// WithCommandEnv appends environment variables, in "KEY=value" form, to the environment
// inherited by the child.
func WithCommandEnv(env ...string) CommandOption {
	return func(t *CommandTransport) {
		t.env = append(t.env, env...)
	}
}

// WithCommandDir sets the working directory of the child.
func WithCommandDir(dir string) CommandOption {
	return func(t *CommandTransport) {
		t.dir = dir
	}
}

// WithCommandStderr sets where the child's stderr goes. Nil discards it.
func WithCommandStderr(w io.Writer) CommandOption {
	return func(t *CommandTransport) {
		t.stderr = w
	}
}

// WithCommandLogger sets the logger for process lifecycle events.
func WithCommandLogger(logger *slog.Logger) CommandOption {
	return func(t *CommandTransport) {
		t.logger = logger.With(
			slog.String("package", "go-mcp"),
			slog.String("component", "command-transport"),
		)
	}
}

// WithLaunchGrace sets how long Connect watches a freshly started process. A process that
// exits within this window is reported as a *LaunchError.
func WithLaunchGrace(grace time.Duration) CommandOption {
	return func(t *CommandTransport) {
		t.launchGrace = grace
	}
}

// WithCloseTimeout sets how long stopping the stream waits at each step of the shutdown
// escalation.
func WithCloseTimeout(timeout time.Duration) CommandOption {
	return func(t *CommandTransport) {
		t.closeTimeout = timeout
	}
}

// Connect starts the command and connects to it over stdin/stdout.
func (t *CommandTransport) Connect(ctx context.Context) (Stream, error) {
	path, err := exec.LookPath(t.command)
	if err != nil {
		return nil, &LaunchError{Command: t.command, Err: err}
	}

	// Use os.Pipe rather than cmd.StdoutPipe, so that cmd.Wait can run concurrently with
	// reads and report the exit as soon as it happens.
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, &LaunchError{Command: t.command, Err: err}
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return nil, &LaunchError{Command: t.command, Err: err}
	}

	cmd := exec.Command(path, t.args...)
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = t.stderr
	cmd.Dir = t.dir
	if len(t.env) > 0 {
		cmd.Env = append(os.Environ(), t.env...)
	}

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{stdinR, stdinW, stdoutR, stdoutW} {
			f.Close()
		}
		return nil, &LaunchError{Command: t.command, Err: err}
	}
	// The child holds its own copies of these ends.
	stdinR.Close()
	stdoutW.Close()

	proc := &childProcess{
		cmd:    cmd,
		stdin:  stdinW,
		stdout: stdoutR,
		logger: t.logger.With(slog.Int("pid", cmd.Process.Pid)),
		exited: make(chan struct{}),
	}
	go proc.wait()

	grace := time.NewTimer(t.launchGrace)
	defer grace.Stop()

	select {
	case <-proc.exited:
		proc.release()
		err := proc.waitErr
		if err == nil {
			err = errors.New("process exited immediately")
		}
		return nil, &LaunchError{Command: t.command, Err: err}
	case <-ctx.Done():
		proc.terminate(0)
		return nil, &LaunchError{Command: t.command, Err: ctx.Err()}
	case <-grace.C:
	}

	proc.logger.Debug("process started", slog.String("command", path), slog.Any("args", t.args))

	s := newIOStream(stdoutR, stdinW)
	s.release = func() {
		if err := proc.terminate(t.closeTimeout); err != nil {
			proc.logger.Warn("failed to stop process", slog.String("err", err.Error()))
		}
	}
	s.eofErr = proc.exitError
	return s, nil
}

func (p *childProcess) wait() {
	p.waitErr = p.cmd.Wait()
	close(p.exited)
}

func (p *childProcess) release() {
	p.stdin.Close()
	p.stdout.Close()
}

// exitError reports why the child's stdout ended: a non-nil error when the process failed
// or was killed, nil when it exited cleanly or is still running.
func (p *childProcess) exitError() error {
	select {
	case <-p.exited:
	case <-time.After(exitStatusWait):
		return nil
	}
	if p.waitErr != nil {
		return fmt.Errorf("server process exited: %w", p.waitErr)
	}
	return nil
}

// terminate closes the input stream to the child and awaits normal termination. If the
// child does not exit it is signalled to terminate, and then eventually killed.
func (p *childProcess) terminate(timeout time.Duration) error {
	defer p.stdout.Close()

	if err := p.stdin.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("closing stdin: %w", err)
	}

	wait := func() bool {
		select {
		case <-p.exited:
			return true
		case <-time.After(timeout):
			return false
		}
	}
	if wait() {
		return nil
	}
	// If sending SIGTERM fails, don't wait and just move on to a kill.
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err == nil {
		if wait() {
			return nil
		}
	}
	p.logger.Warn("killing unresponsive process")
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	if timeout == 0 {
		timeout = defaultCloseTimeout
	}
	if wait() {
		return nil
	}
	return errUnresponsiveProcess
}
