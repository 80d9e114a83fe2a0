package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/chorushq/chorus-core/mcp"
)

const (
	// KillGracePeriod is how long Kill waits after SIGINT before resorting
	// to SIGKILL.
	KillGracePeriod = 2 * time.Second

	// StderrTailLimit bounds how much captured stderr is attached to
	// process failure errors.
	StderrTailLimit = 2048

	// PermissionPromptTool is the MCP tool name the agent CLI invokes for
	// permission prompts. The CLI derives it from the server key in the MCP
	// config file, so the two must stay in sync.
	PermissionPromptTool = "mcp__" + mcpServerKey + "__" + mcp.ToolName
)

// Phase describes where a supervised agent process is in its lifecycle.
//
// The phases form a one-way progression for a single turn:
//
//	idle -> spawning -> running -> succeeded | failed | killed
//
// A Supervisor runs exactly one process. The next turn of a conversation
// gets a fresh Supervisor rather than reusing a finished one.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseSpawning  Phase = "spawning"
	PhaseRunning   Phase = "running"
	PhaseSucceeded Phase = "succeeded"
	PhaseFailed    Phase = "failed"
	PhaseKilled    Phase = "killed"
)

// Terminal reports whether the phase is a final state for the process.
func (p Phase) Terminal() bool {
	return p == PhaseSucceeded || p == PhaseFailed || p == PhaseKilled
}

// SpawnConfig holds the configuration for starting an agent CLI process.
type SpawnConfig struct {
	ConversationID string
	// SessionID is the agent session identifier. The first turn of a
	// conversation passes a pre-generated UUID via --session-id; later
	// turns resume it via --resume.
	SessionID      string
	SessionStarted bool

	// WorkingDir is the worktree path when the conversation has one,
	// otherwise the repository root.
	WorkingDir string

	// Command is the agent CLI binary. ExtraArgs are registry-defined
	// arguments placed before the protocol flags.
	Command   string
	ExtraArgs []string

	AllowedTools   []string
	PermissionMode string
	Model          string
	MCPConfigPath  string
	SystemPrompt   string

	// DisableStreamingChunks omits --include-partial-messages so the CLI
	// emits complete messages instead of partial streaming deltas.
	DisableStreamingChunks bool
}

// BuildCommandArgs constructs the CLI arguments for an agent process.
func BuildCommandArgs(config SpawnConfig) []string {
	args := append([]string{}, config.ExtraArgs...)
	args = append(args,
		"--print",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
	)

	if config.SessionStarted {
		args = append(args, "--resume", config.SessionID)
	} else {
		args = append(args, "--session-id", config.SessionID)
	}

	if !config.DisableStreamingChunks {
		args = append(args, "--include-partial-messages")
	}

	if config.PermissionMode != "" && config.PermissionMode != "default" {
		args = append(args, "--permission-mode", config.PermissionMode)
	}

	if config.Model != "" {
		args = append(args, "--model", config.Model)
	}

	if config.MCPConfigPath != "" {
		args = append(args, "--mcp-config", config.MCPConfigPath)
		args = append(args, "--permission-prompt-tool", PermissionPromptTool)
	}

	if config.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", config.SystemPrompt)
	}

	for _, tool := range config.AllowedTools {
		args = append(args, "--allowedTools", tool)
	}

	return args
}

// Callbacks are invoked by the Supervisor's reader goroutines.
//
// Threading model:
//   - OnLine is called sequentially from the stdout reader goroutine, once
//     per complete line and once more for a truncated final line at exit.
//   - OnExit is called exactly once, from the exit monitor goroutine, after
//     the process has exited and both output streams are fully drained.
//     It is not called when Start itself fails.
//
// Callbacks must not call Kill; Kill waits for the goroutines that run them.
type Callbacks struct {
	OnLine func(line string)
	OnExit func(phase Phase, err error, stderrTail string)
}

// Supervisor runs a single agent CLI process for one turn: it spawns the
// process, feeds it one input message, streams stdout lines to the caller,
// and reports the terminal phase when the process exits.
type Supervisor struct {
	config    SpawnConfig
	callbacks Callbacks
	log       *slog.Logger

	mu            sync.Mutex
	phase         Phase
	cmd           *exec.Cmd
	stdin         io.WriteCloser
	stdout        *bufio.Reader
	stderr        io.ReadCloser
	stderrContent string
	killed        bool
	sawResult     bool

	// stdoutDone and stderrDone are closed when the respective reader
	// finishes. waitDone is closed by monitorExit when cmd.Wait returns;
	// Kill selects on it instead of calling Wait itself. done is closed
	// after exit handling completes.
	stdoutDone chan struct{}
	stderrDone chan struct{}
	waitDone   chan struct{}
	done       chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSupervisor creates a supervisor for one process spawn. Call Start to
// launch the process.
func NewSupervisor(config SpawnConfig, callbacks Callbacks, log *slog.Logger) *Supervisor {
	return &Supervisor{
		config:    config,
		callbacks: callbacks,
		log:       log,
		phase:     PhaseIdle,
		done:      make(chan struct{}),
	}
}

// Start spawns the agent process and begins streaming its output. It returns
// an error if the supervisor already ran or if the process cannot be started.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	if s.phase != PhaseIdle {
		phase := s.phase
		s.mu.Unlock()
		return fmt.Errorf("process already started (phase %s)", phase)
	}
	s.phase = PhaseSpawning
	s.mu.Unlock()

	startTime := time.Now()
	args := BuildCommandArgs(s.config)

	s.log.Info("spawning agent process",
		"command", s.config.Command,
		"working_dir", s.config.WorkingDir)
	s.log.Debug("agent command line", "args", strings.Join(args, " "))

	cmd := exec.Command(s.config.Command, args...)
	cmd.Dir = s.config.WorkingDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return s.failSpawn(fmt.Errorf("failed to create stdin pipe: %v", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return s.failSpawn(fmt.Errorf("failed to create stdout pipe: %v", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		return s.failSpawn(fmt.Errorf("failed to create stderr pipe: %v", err))
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		return s.failSpawn(fmt.Errorf("failed to start %s: %v", s.config.Command, err))
	}

	s.mu.Lock()
	s.cmd = cmd
	s.stdin = stdin
	s.stdout = bufio.NewReader(stdout)
	s.stderr = stderr
	s.stdoutDone = make(chan struct{})
	s.stderrDone = make(chan struct{})
	s.waitDone = make(chan struct{})
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.phase = PhaseRunning
	s.mu.Unlock()

	s.log.Info("agent process started",
		"pid", cmd.Process.Pid,
		"elapsed", time.Since(startTime))

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		s.readOutput()
	}()
	go func() {
		defer s.wg.Done()
		s.drainStderr()
	}()
	go func() {
		defer s.wg.Done()
		s.monitorExit()
	}()

	return nil
}

func (s *Supervisor) failSpawn(err error) error {
	s.mu.Lock()
	s.phase = PhaseFailed
	s.mu.Unlock()
	close(s.done)
	return err
}

// WriteInput writes data to the process's stdin.
func (s *Supervisor) WriteInput(data []byte) error {
	s.mu.Lock()
	stdin := s.stdin
	running := s.phase == PhaseRunning
	s.mu.Unlock()

	if !running || stdin == nil {
		return fmt.Errorf("process not running")
	}
	if _, err := stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write to process: %v", err)
	}
	return nil
}

// CloseInput closes the process's stdin, signalling end of input. Each turn
// writes one message and closes; the CLI exits after emitting its result.
func (s *Supervisor) CloseInput() error {
	s.mu.Lock()
	stdin := s.stdin
	s.stdin = nil
	s.mu.Unlock()

	if stdin == nil {
		return nil
	}
	return stdin.Close()
}

// MarkResultSeen records that a terminal result event arrived on stdout. An
// exit without one is reported as a protocol violation.
func (s *Supervisor) MarkResultSeen() {
	s.mu.Lock()
	s.sawResult = true
	s.mu.Unlock()
}

// Phase returns the current lifecycle phase.
func (s *Supervisor) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Done returns a channel that is closed once the process has exited and
// exit handling (including the OnExit callback) has completed.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Kill terminates the process if it is still running and waits for all
// goroutines to finish. It sends SIGINT first so the CLI can clean up,
// then SIGKILL after KillGracePeriod. Safe to call more than once.
func (s *Supervisor) Kill() {
	s.mu.Lock()
	if s.phase == PhaseIdle || s.phase.Terminal() {
		s.mu.Unlock()
		return
	}
	s.killed = true
	if s.cancel != nil {
		s.cancel()
	}
	if s.stdin != nil {
		s.stdin.Close()
		s.stdin = nil
	}
	cmd := s.cmd
	waitDone := s.waitDone
	s.mu.Unlock()

	if cmd != nil && cmd.Process != nil && waitDone != nil {
		cmd.Process.Signal(syscall.SIGINT)
		select {
		case <-waitDone:
			s.log.Debug("process exited after SIGINT")
		case <-time.After(KillGracePeriod):
			s.log.Debug("force killing process", "pid", cmd.Process.Pid)
			cmd.Process.Kill()
			<-waitDone
		}
	}

	s.wg.Wait()
}

// readOutput reads newline-delimited output from the process and delivers
// each line through OnLine. A truncated final line at process exit is still
// delivered so the parser can handle it best-effort.
func (s *Supervisor) readOutput() {
	defer close(s.stdoutDone)
	s.log.Debug("output reader started")

	for {
		select {
		case <-s.ctx.Done():
			s.log.Debug("output reader exiting, context cancelled")
			return
		default:
		}

		s.mu.Lock()
		reader := s.stdout
		s.mu.Unlock()

		if reader == nil {
			s.log.Debug("output reader exiting, no stdout")
			return
		}

		line, err := s.readLine(reader)
		if err != nil {
			select {
			case <-s.ctx.Done():
				s.log.Debug("output reader exiting, context cancelled during read")
				return
			default:
			}

			if len(strings.TrimSpace(line)) > 0 && s.callbacks.OnLine != nil {
				s.callbacks.OnLine(line)
			}
			if err == io.EOF {
				s.log.Debug("EOF on stdout, process exited")
			} else {
				s.log.Debug("error reading stdout", "error", err)
			}
			return
		}

		line = strings.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		if s.callbacks.OnLine != nil {
			s.callbacks.OnLine(line)
		}
	}
}

type readResult struct {
	line string
	err  error
}

// readLine reads a single line, honoring context cancellation. The read
// itself runs in a goroutine because bufio.Reader has no cancellable API;
// the buffered channel lets an abandoned read complete without leaking.
func (s *Supervisor) readLine(reader *bufio.Reader) (string, error) {
	resultCh := make(chan readResult, 1)
	go func() {
		line, err := reader.ReadString('\n')
		resultCh <- readResult{line: line, err: err}
	}()

	select {
	case <-s.ctx.Done():
		return "", s.ctx.Err()
	case result := <-resultCh:
		return result.line, result.err
	}
}

// drainStderr captures all stderr output so exit errors can include it.
func (s *Supervisor) drainStderr() {
	defer close(s.stderrDone)

	s.mu.Lock()
	stderr := s.stderr
	s.mu.Unlock()

	if stderr == nil {
		return
	}

	stderrBytes, err := io.ReadAll(stderr)
	if err != nil {
		s.log.Debug("error reading stderr", "error", err)
		return
	}
	if len(stderrBytes) > 0 {
		s.mu.Lock()
		s.stderrContent = strings.TrimSpace(string(stderrBytes))
		s.mu.Unlock()
		s.log.Debug("captured stderr", "bytes", len(stderrBytes))
	}
}

// monitorExit waits for the process to exit and runs exit handling. It is
// the sole caller of cmd.Wait; Kill coordinates through waitDone.
func (s *Supervisor) monitorExit() {
	defer close(s.done)

	s.mu.Lock()
	cmd := s.cmd
	waitDone := s.waitDone
	s.mu.Unlock()

	if cmd == nil {
		close(waitDone)
		return
	}

	waitCh := make(chan error, 1)
	go func() {
		waitCh <- cmd.Wait()
	}()

	var exitErr error
	select {
	case exitErr = <-waitCh:
	case <-s.ctx.Done():
		// Kill signals the process, which unblocks Wait.
		exitErr = <-waitCh
	}
	close(waitDone)

	s.handleExit(exitErr)
}

// handleExit decides the terminal phase and invokes OnExit. It waits for
// both stream readers first so OnExit observes every stdout line and the
// complete stderr content.
func (s *Supervisor) handleExit(exitErr error) {
	<-s.stdoutDone
	<-s.stderrDone

	s.mu.Lock()
	tail := stderrTail(s.stderrContent)
	killed := s.killed
	sawResult := s.sawResult
	s.cleanupLocked()

	var phase Phase
	var err error
	switch {
	case killed:
		phase = PhaseKilled
	case exitErr != nil:
		phase = PhaseFailed
		if tail != "" {
			err = fmt.Errorf("agent process failed: %v: %s", exitErr, tail)
		} else {
			err = fmt.Errorf("agent process failed: %v", exitErr)
		}
	case !sawResult:
		// Exit 0 without a terminal result event violates the stream
		// protocol.
		phase = PhaseFailed
		if tail != "" {
			err = fmt.Errorf("agent process exited without a result event: %s", tail)
		} else {
			err = fmt.Errorf("agent process exited without a result event")
		}
	default:
		phase = PhaseSucceeded
	}
	s.phase = phase
	s.mu.Unlock()

	s.log.Info("agent process exited", "phase", phase, "error", err)

	if s.callbacks.OnExit != nil {
		s.callbacks.OnExit(phase, err, tail)
	}
}

func (s *Supervisor) cleanupLocked() {
	if s.stdin != nil {
		s.stdin.Close()
		s.stdin = nil
	}
	if s.stderr != nil {
		s.stderr.Close()
		s.stderr = nil
	}
	s.cmd = nil
	s.stdout = nil
}

// stderrTail returns the last StderrTailLimit bytes of captured stderr.
func stderrTail(content string) string {
	if len(content) <= StderrTailLimit {
		return content
	}
	return content[len(content)-StderrTailLimit:]
}
