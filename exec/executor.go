// Package exec abstracts external command execution so packages that shell
// out to git, gh, and agent CLIs can run against canned responses in tests
// instead of spawning real processes.
package exec

import (
	"bytes"
	"context"
	"os/exec"
	"sync"
)

// CommandExecutor runs external commands. Production code uses RealExecutor;
// tests inject a MockExecutor. The dir argument is the working directory for
// the command; empty means the process working directory.
type CommandExecutor interface {
	// Run executes a command to completion and returns stdout, stderr, and
	// any error.
	Run(ctx context.Context, dir string, name string, args ...string) (stdout, stderr []byte, err error)

	// Output executes a command and returns its stdout.
	Output(ctx context.Context, dir string, name string, args ...string) ([]byte, error)

	// CombinedOutput executes a command and returns stdout and stderr
	// interleaved.
	CombinedOutput(ctx context.Context, dir string, name string, args ...string) ([]byte, error)

	// Start launches a command without waiting for it. The returned handle
	// collects output until the command exits.
	Start(ctx context.Context, dir string, name string, args ...string) (CommandHandle, error)
}

// CommandHandle is a started command. Wait may be called at most once.
type CommandHandle interface {
	// Wait blocks until the command exits and returns stdout, stderr, error.
	Wait() (stdout, stderr []byte, err error)
}

// RealExecutor executes commands with os/exec.
type RealExecutor struct{}

// NewRealExecutor returns an executor backed by os/exec.
func NewRealExecutor() *RealExecutor {
	return &RealExecutor{}
}

func command(ctx context.Context, dir, name string, args []string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return cmd
}

// Run executes a command to completion.
func (e *RealExecutor) Run(ctx context.Context, dir string, name string, args ...string) (stdout, stderr []byte, err error) {
	cmd := command(ctx, dir, name, args)

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err = cmd.Run()
	return outBuf.Bytes(), errBuf.Bytes(), err
}

// Output executes a command and returns its stdout.
func (e *RealExecutor) Output(ctx context.Context, dir string, name string, args ...string) ([]byte, error) {
	return command(ctx, dir, name, args).Output()
}

// CombinedOutput executes a command and returns interleaved stdout+stderr.
func (e *RealExecutor) CombinedOutput(ctx context.Context, dir string, name string, args ...string) ([]byte, error) {
	return command(ctx, dir, name, args).CombinedOutput()
}

// Start launches a command without waiting for it to finish.
func (e *RealExecutor) Start(ctx context.Context, dir string, name string, args ...string) (CommandHandle, error) {
	h := &realHandle{cmd: command(ctx, dir, name, args)}
	h.cmd.Stdout = &h.stdout
	h.cmd.Stderr = &h.stderr

	if err := h.cmd.Start(); err != nil {
		return nil, err
	}
	return h, nil
}

type realHandle struct {
	cmd    *exec.Cmd
	stdout bytes.Buffer
	stderr bytes.Buffer
}

// Wait returns the buffered output. exec.Cmd.Wait finishes the stdout and
// stderr copies before it returns, so the buffers are complete and no
// longer written to afterwards.
func (h *realHandle) Wait() (stdout, stderr []byte, err error) {
	err = h.cmd.Wait()
	return h.stdout.Bytes(), h.stderr.Bytes(), err
}

var (
	_ CommandExecutor = (*RealExecutor)(nil)
	_ CommandHandle   = (*realHandle)(nil)
)

// The process-wide executor serves code without an injection seam, such as
// CLI prerequisite probing. Tests swap it for a MockExecutor.
var (
	defaultMu       sync.RWMutex
	defaultExecutor CommandExecutor = NewRealExecutor()
)

// GetDefaultExecutor returns the process-wide executor.
func GetDefaultExecutor() CommandExecutor {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultExecutor
}

// SetDefaultExecutor replaces the process-wide executor.
func SetDefaultExecutor(e CommandExecutor) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultExecutor = e
}
