package processes

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tomyedwab/orbd/activation"
	"github.com/tomyedwab/orbd/types"
)

const (
	defaultGracefulShutdownPeriod = 10 * time.Second
	defaultLogCapacity            = 1000

	// Environment handed to every spawned server.
	EnvServerID        = "ORBD_SERVER_ID"
	EnvActivationToken = "ORBD_ACTIVATION_TOKEN"
	EnvInitialHost     = "ORBD_INITIAL_HOST"
)

// Config holds configuration options for the ExecLauncher.
type Config struct {
	Logger                 *slog.Logger  // Optional, defaults to slog.Default()
	GracefulShutdownPeriod time.Duration // Optional, defaults to 10s
	WorkDir                string        // Optional, defaults to current directory
	LogCapacity            int           // Optional, lines kept per server, defaults to 1000
	// BaseContext bounds the lifetime of every spawned process. When it is
	// cancelled the remaining processes are interrupted and then killed after
	// the graceful shutdown period. Defaults to context.Background().
	BaseContext context.Context
}

// ExecLauncher spawns server processes with os/exec.
type ExecLauncher struct {
	logger                 *slog.Logger
	gracefulShutdownPeriod time.Duration
	workDir                string
	logCapacity            int
	baseCtx                context.Context

	mu   sync.RWMutex
	logs map[types.ServerID]*LogBuffer
}

// NewExecLauncher creates a launcher from config.
func NewExecLauncher(config Config) *ExecLauncher {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	graceful := config.GracefulShutdownPeriod
	if graceful == 0 {
		graceful = defaultGracefulShutdownPeriod
	}
	capacity := config.LogCapacity
	if capacity == 0 {
		capacity = defaultLogCapacity
	}
	baseCtx := config.BaseContext
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &ExecLauncher{
		logger:                 logger.With("component", "ExecLauncher"),
		gracefulShutdownPeriod: graceful,
		workDir:                config.WorkDir,
		logCapacity:            capacity,
		baseCtx:                baseCtx,
		logs:                   make(map[types.ServerID]*LogBuffer),
	}
}

// CommandArgs returns the arguments a server is started with: runtime args,
// server args, then the activation arguments.
func CommandArgs(req activation.LaunchRequest) []string {
	args := make([]string, 0, len(req.Def.RuntimeArgs)+len(req.Def.ServerArgs)+5)
	args = append(args, req.Def.RuntimeArgs...)
	args = append(args, req.Def.ServerArgs...)
	args = append(args,
		"-ORBInitialPort", strconv.Itoa(req.InitialPort),
		"-ORBServerId", req.ServerID.String(),
		"-ORBActivated",
	)
	return args
}

// Launch starts the server binary. The returned process is not bound to ctx;
// ctx only aborts a launch that has not started yet.
func (l *ExecLauncher) Launch(ctx context.Context, req activation.LaunchRequest) (activation.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Def.ServerBinary == "" {
		return nil, fmt.Errorf("server %d: %w", req.ServerID, types.ErrBadServerDefinition)
	}

	args := CommandArgs(req)
	logger := l.logger.With("serverID", req.ServerID)
	logger.Info("Starting process with command line", "binary", req.Def.ServerBinary, "args", strings.Join(args, " "))

	cmd := exec.CommandContext(l.baseCtx, req.Def.ServerBinary, args...)
	cmd.Env = os.Environ()
	cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%d", EnvServerID, int(req.ServerID)))
	cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", EnvActivationToken, req.ActivationToken))
	cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", EnvInitialHost, req.InitialHost))
	cmd.Dir = l.workDir
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = l.gracefulShutdownPeriod

	// Output goes through in-process pipes so that cmd.Wait, bounded by
	// WaitDelay, does not hang on descendants that inherited the descriptors.
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdoutW.Close()
		stderrW.Close()
		logger.Error("Failed to start subprocess", "error", err, "command", cmd.String())
		return nil, fmt.Errorf("server %d: start %s: %w", req.ServerID, req.Def.ServerBinary, err)
	}

	pid := cmd.Process.Pid
	proc := &ExecProcess{
		serverID:               req.ServerID,
		cmd:                    cmd,
		pid:                    pid,
		logs:                   l.LogBuffer(req.ServerID),
		logger:                 logger.With("pid", pid),
		gracefulShutdownPeriod: l.gracefulShutdownPeriod,
		exited:                 make(chan struct{}),
	}

	go proc.capture("stdout", stdoutR)
	go proc.capture("stderr", stderrR)

	go func() {
		proc.exitErr = cmd.Wait()
		stdoutW.Close()
		stderrW.Close()
		if proc.exitErr != nil {
			proc.logger.Warn("Subprocess exited", "error", proc.exitErr)
		} else {
			proc.logger.Info("Subprocess exited")
		}
		close(proc.exited)
	}()

	logger.Info("Subprocess started", "pid", pid)
	return proc, nil
}

// LogBuffer returns the output buffer of serverID, creating it on first use.
func (l *ExecLauncher) LogBuffer(serverID types.ServerID) *LogBuffer {
	l.mu.Lock()
	defer l.mu.Unlock()
	lb, ok := l.logs[serverID]
	if !ok {
		lb = NewLogBuffer(l.logCapacity)
		l.logs[serverID] = lb
	}
	return lb
}

// Logs returns the captured output of serverID, if any process was ever
// launched for it.
func (l *ExecLauncher) Logs(serverID types.ServerID) ([]LogEntry, bool) {
	l.mu.RLock()
	lb, ok := l.logs[serverID]
	l.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return lb.Latest(l.logCapacity), true
}

// ExecProcess is a server process started by ExecLauncher.
type ExecProcess struct {
	serverID               types.ServerID
	cmd                    *exec.Cmd
	pid                    int
	logs                   *LogBuffer
	logger                 *slog.Logger
	gracefulShutdownPeriod time.Duration

	exited  chan struct{} // Closed once cmd.Wait returns
	exitErr error         // Valid after exited is closed
}

func (p *ExecProcess) capture(source string, r io.ReadCloser) {
	defer r.Close()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		p.logs.Add(source, line, p.pid)
		if source == "stderr" {
			p.logger.Error("Subprocess stderr", "output", line)
		} else {
			p.logger.Info("Subprocess stdout", "output", line)
		}
	}
	if err := scanner.Err(); err != nil {
		p.logger.Error("Error reading subprocess output", "source", source, "error", err)
		io.Copy(io.Discard, r)
	}
}

func (p *ExecProcess) PID() int {
	return p.pid
}

func (p *ExecProcess) Alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// Exited is closed once the process has exited.
func (p *ExecProcess) Exited() <-chan struct{} {
	return p.exited
}

// ExitErr returns the error cmd.Wait reported. Only valid after Exited.
func (p *ExecProcess) ExitErr() error {
	select {
	case <-p.exited:
		return p.exitErr
	default:
		return nil
	}
}

// Terminate sends an interrupt, waits for the graceful shutdown period and
// then kills the process.
func (p *ExecProcess) Terminate(ctx context.Context) error {
	if !p.Alive() {
		return nil
	}
	p.logger.Info("Stopping process")

	if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
		p.logger.Error("Failed to interrupt process", "error", err)
	}

	gracefulShutdownTimer := time.NewTimer(p.gracefulShutdownPeriod)
	defer gracefulShutdownTimer.Stop()

	select {
	case <-p.exited:
		p.logger.Info("Process exited after interrupt")
		return nil
	case <-gracefulShutdownTimer.C:
		p.logger.Warn("Process did not exit gracefully, sending SIGKILL")
		if err := p.cmd.Process.Kill(); err != nil {
			select {
			case <-p.exited:
				return nil
			default:
			}
			return fmt.Errorf("failed to kill server %d (PID %d): %w", p.serverID, p.pid, err)
		}
		<-p.exited
		return nil
	case <-ctx.Done():
		p.logger.Warn("Stop process context cancelled")
		p.cmd.Process.Kill()
		return ctx.Err()
	}
}
