// Package paths resolves where Chorus keeps its files on disk.
//
// Two layouts exist. Installations with an existing ~/.chorus directory
// keep the flat layout: config, data, and state all live side by side in
// that one directory. Otherwise, when any XDG base variable is set, the
// XDG split applies:
//
//   - $XDG_CONFIG_HOME/chorus: agents.yaml and other definitions worth syncing
//   - $XDG_DATA_HOME/chorus: the conversation index, transcripts, worktrees
//   - $XDG_STATE_HOME/chorus: logs
//
// Unset XDG variables take their standard defaults (~/.config,
// ~/.local/share, ~/.local/state). A machine with neither ~/.chorus nor
// any XDG variable falls back to the flat ~/.chorus layout.
package paths

import (
	"os"
	"path/filepath"
	"sync"
)

// layout is the resolved directory set, cached after first use.
type layout struct {
	config string
	data   string
	state  string
	legacy bool
}

var (
	cacheMu sync.Mutex
	cache   *layout
)

// current returns the cached layout, resolving it on first call.
func current() (layout, error) {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	if cache == nil {
		l, err := detect()
		if err != nil {
			return layout{}, err
		}
		cache = &l
	}
	return *cache, nil
}

// detect picks the layout. An existing ~/.chorus directory always wins so
// upgraded installations keep their files; a plain file by that name does
// not count.
func detect() (layout, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return layout{}, err
	}

	flat := filepath.Join(home, ".chorus")
	flatLayout := layout{config: flat, data: flat, state: flat, legacy: true}

	if info, statErr := os.Stat(flat); statErr == nil && info.IsDir() {
		return flatLayout, nil
	}

	if os.Getenv("XDG_CONFIG_HOME") == "" &&
		os.Getenv("XDG_DATA_HOME") == "" &&
		os.Getenv("XDG_STATE_HOME") == "" {
		return flatLayout, nil
	}

	return layout{
		config: filepath.Join(xdgBase("XDG_CONFIG_HOME", home, ".config"), "chorus"),
		data:   filepath.Join(xdgBase("XDG_DATA_HOME", home, ".local", "share"), "chorus"),
		state:  filepath.Join(xdgBase("XDG_STATE_HOME", home, ".local", "state"), "chorus"),
	}, nil
}

// xdgBase returns envVar's value, or home joined with the standard
// fallback segments when it is unset.
func xdgBase(envVar, home string, fallback ...string) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	return filepath.Join(append([]string{home}, fallback...)...)
}

// ConfigDir returns the directory for configuration files (agents.yaml).
func ConfigDir() (string, error) {
	l, err := current()
	return l.config, err
}

// DataDir returns the directory for persistent data: the conversation
// index, transcripts, and worktrees.
func DataDir() (string, error) {
	l, err := current()
	return l.data, err
}

// StateDir returns the directory for runtime state such as logs.
func StateDir() (string, error) {
	l, err := current()
	return l.state, err
}

// underData joins name onto the data directory.
func underData(name string) (string, error) {
	l, err := current()
	if err != nil {
		return "", err
	}
	return filepath.Join(l.data, name), nil
}

// AgentsFilePath returns the full path to agents.yaml.
func AgentsFilePath() (string, error) {
	l, err := current()
	if err != nil {
		return "", err
	}
	return filepath.Join(l.config, "agents.yaml"), nil
}

// ConversationsFilePath returns the full path to the conversation index.
func ConversationsFilePath() (string, error) {
	return underData("conversations.json")
}

// ConversationsDir returns the directory holding per-conversation
// transcripts.
func ConversationsDir() (string, error) {
	return underData("conversations")
}

// WorktreesDir returns the directory for centralized git worktrees.
func WorktreesDir() (string, error) {
	return underData("worktrees")
}

// LogsDir returns the directory for log files.
func LogsDir() (string, error) {
	l, err := current()
	if err != nil {
		return "", err
	}
	return filepath.Join(l.state, "logs"), nil
}

// IsLegacyLayout reports whether the flat ~/.chorus layout is in use.
// Resolution failures count as legacy.
func IsLegacyLayout() bool {
	l, err := current()
	if err != nil {
		return true
	}
	return l.legacy
}

// Reset drops the cached layout. Tests use it when they change HOME or
// the XDG variables between cases.
func Reset() {
	cacheMu.Lock()
	cache = nil
	cacheMu.Unlock()
}
