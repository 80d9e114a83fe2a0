// Package process provides utilities for finding and cleaning up orphaned
// agent CLI processes left behind after a crash.
package process

import (
	"errors"
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	"github.com/chorushq/chorus-core/logger"
)

// AgentProcess is a running agent CLI process found on the host.
type AgentProcess struct {
	PID     int
	Command string // full command line
}

// FindAgentProcesses lists running processes for the given agent binary that
// were spawned with a --session-id flag. Engine-spawned agents always carry
// the flag, so anything matching it after a crash is a cleanup candidate.
func FindAgentProcesses(command string) ([]AgentProcess, error) {
	var processes []AgentProcess
	var err error

	switch runtime.GOOS {
	case "darwin", "linux":
		processes, err = scanUnix(command)
	case "windows":
		processes, err = scanWindows(command)
	}
	if err != nil {
		return nil, err
	}

	logger.WithComponent("process").Debug("found agent processes", "command", command, "count", len(processes))
	return processes, nil
}

// scanUnix finds matching processes with pgrep and resolves each command
// line with ps.
func scanUnix(command string) ([]AgentProcess, error) {
	output, err := exec.Command("pgrep", "-f", command+".*--session-id").Output()
	if err != nil {
		// Exit code 1 means no matches, not a failure.
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return nil, nil
		}
		return nil, err
	}

	var processes []AgentProcess
	for _, raw := range strings.Fields(string(output)) {
		pid, convErr := strconv.Atoi(raw)
		if convErr != nil {
			continue
		}
		args, err := exec.Command("ps", "-p", raw, "-o", "args=").Output()
		if err != nil {
			// Process exited between pgrep and ps.
			continue
		}
		processes = append(processes, AgentProcess{
			PID:     pid,
			Command: strings.TrimSpace(string(args)),
		})
	}
	return processes, nil
}

// scanWindows lists matching processes from tasklist CSV output.
func scanWindows(command string) ([]AgentProcess, error) {
	output, err := exec.Command("tasklist", "/FI", "IMAGENAME eq "+command+"*", "/FO", "CSV", "/NH").Output()
	if err != nil {
		return nil, err
	}

	var processes []AgentProcess
	for line := range strings.SplitSeq(string(output), "\n") {
		cols := strings.Split(line, ",")
		if len(cols) < 2 {
			continue
		}
		pid, convErr := strconv.Atoi(strings.Trim(strings.TrimSpace(cols[1]), `"`))
		if convErr != nil {
			continue
		}
		processes = append(processes, AgentProcess{
			PID:     pid,
			Command: strings.Trim(cols[0], `"`),
		})
	}
	return processes, nil
}

// KillProcess force kills a process by PID.
func KillProcess(pid int) error {
	switch runtime.GOOS {
	case "darwin", "linux":
		return exec.Command("kill", "-9", strconv.Itoa(pid)).Run()
	case "windows":
		return exec.Command("taskkill", "/F", "/PID", strconv.Itoa(pid)).Run()
	}
	return nil
}

// FindOrphanedAgentProcesses returns agent processes whose session ids are
// not in the known set.
func FindOrphanedAgentProcesses(command string, knownSessionIDs map[string]bool) ([]AgentProcess, error) {
	processes, err := FindAgentProcesses(command)
	if err != nil {
		return nil, err
	}

	log := logger.WithComponent("process")
	var stale []AgentProcess
	for _, proc := range processes {
		id := extractSessionID(proc.Command)
		if id == "" || knownSessionIDs[id] {
			continue
		}
		log.Info("found orphaned agent process", "pid", proc.PID, "sessionID", id)
		stale = append(stale, proc)
	}
	return stale, nil
}

// extractSessionID pulls the session id out of an agent command line. Both
// spawn forms appear in the wild: --session-id for new sessions and --resume
// for continued ones, each with either a space or an equals sign before the
// value.
func extractSessionID(cmdLine string) string {
	fields := strings.Fields(cmdLine)
	for _, flag := range []string{"--session-id", "--resume"} {
		for i, field := range fields {
			if field == flag && i+1 < len(fields) {
				return fields[i+1]
			}
			if value, ok := strings.CutPrefix(field, flag+"="); ok {
				return value
			}
		}
	}
	return ""
}

// CleanupOrphanedProcesses kills agent processes for the given binary that
// no live conversation accounts for. Returns the number of processes killed.
func CleanupOrphanedProcesses(command string, knownSessionIDs map[string]bool) (int, error) {
	orphans, err := FindOrphanedAgentProcesses(command, knownSessionIDs)
	if err != nil {
		return 0, err
	}

	log := logger.WithComponent("process")
	n := 0
	for _, proc := range orphans {
		if err := KillProcess(proc.PID); err != nil {
			log.Error("could not kill process", "pid", proc.PID, "error", err)
			continue
		}
		log.Info("killed orphaned agent process", "pid", proc.PID)
		n++
	}
	return n, nil
}
