package paths

import (
	"os"
	"path/filepath"
	"testing"
)

// withTestHome points HOME at a fresh temp dir, clears the XDG variables,
// and resets the layout cache before and after the test.
func withTestHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	for _, v := range []string{"XDG_CONFIG_HOME", "XDG_DATA_HOME", "XDG_STATE_HOME"} {
		t.Setenv(v, "")
	}
	Reset()
	t.Cleanup(Reset)
	return home
}

func mustDir(t *testing.T, label string, fn func() (string, error)) string {
	t.Helper()
	dir, err := fn()
	if err != nil {
		t.Fatalf("%s: %v", label, err)
	}
	return dir
}

func checkAllBaseDirs(t *testing.T, wantConfig, wantData, wantState string) {
	t.Helper()
	if got := mustDir(t, "ConfigDir", ConfigDir); got != wantConfig {
		t.Errorf("ConfigDir = %q, want %q", got, wantConfig)
	}
	if got := mustDir(t, "DataDir", DataDir); got != wantData {
		t.Errorf("DataDir = %q, want %q", got, wantData)
	}
	if got := mustDir(t, "StateDir", StateDir); got != wantState {
		t.Errorf("StateDir = %q, want %q", got, wantState)
	}
}

func TestLayoutSelection(t *testing.T) {
	t.Run("fresh machine without XDG uses the flat dir", func(t *testing.T) {
		home := withTestHome(t)
		flat := filepath.Join(home, ".chorus")

		checkAllBaseDirs(t, flat, flat, flat)
		if !IsLegacyLayout() {
			t.Error("flat layout should report legacy")
		}
	})

	t.Run("existing flat dir wins", func(t *testing.T) {
		home := withTestHome(t)
		flat := filepath.Join(home, ".chorus")
		if err := os.MkdirAll(flat, 0755); err != nil {
			t.Fatal(err)
		}

		checkAllBaseDirs(t, flat, flat, flat)
		if !IsLegacyLayout() {
			t.Error("existing ~/.chorus should report legacy")
		}
	})

	t.Run("existing flat dir beats XDG variables", func(t *testing.T) {
		home := withTestHome(t)
		flat := filepath.Join(home, ".chorus")
		if err := os.MkdirAll(flat, 0755); err != nil {
			t.Fatal(err)
		}
		t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
		t.Setenv("XDG_DATA_HOME", filepath.Join(home, ".local", "share"))
		t.Setenv("XDG_STATE_HOME", filepath.Join(home, ".local", "state"))
		Reset()

		if got := mustDir(t, "ConfigDir", ConfigDir); got != flat {
			t.Errorf("ConfigDir = %q, want %q despite XDG variables", got, flat)
		}
		if !IsLegacyLayout() {
			t.Error("existing ~/.chorus should report legacy even with XDG set")
		}
	})

	t.Run("all XDG variables set", func(t *testing.T) {
		home := withTestHome(t)
		cfg := filepath.Join(home, "my-config")
		data := filepath.Join(home, "my-data")
		state := filepath.Join(home, "my-state")
		t.Setenv("XDG_CONFIG_HOME", cfg)
		t.Setenv("XDG_DATA_HOME", data)
		t.Setenv("XDG_STATE_HOME", state)
		Reset()

		checkAllBaseDirs(t,
			filepath.Join(cfg, "chorus"),
			filepath.Join(data, "chorus"),
			filepath.Join(state, "chorus"))
		if IsLegacyLayout() {
			t.Error("XDG layout should not report legacy")
		}
	})

	t.Run("partial XDG fills standard defaults", func(t *testing.T) {
		home := withTestHome(t)
		cfg := filepath.Join(home, "my-config")
		t.Setenv("XDG_CONFIG_HOME", cfg)
		Reset()

		checkAllBaseDirs(t,
			filepath.Join(cfg, "chorus"),
			filepath.Join(home, ".local", "share", "chorus"),
			filepath.Join(home, ".local", "state", "chorus"))
		if IsLegacyLayout() {
			t.Error("XDG layout should not report legacy")
		}
	})

	t.Run("a plain file named .chorus does not trigger the flat layout", func(t *testing.T) {
		home := withTestHome(t)
		if err := os.WriteFile(filepath.Join(home, ".chorus"), []byte("not a dir"), 0644); err != nil {
			t.Fatal(err)
		}
		cfg := filepath.Join(home, ".config")
		t.Setenv("XDG_CONFIG_HOME", cfg)
		Reset()

		if want := filepath.Join(cfg, "chorus"); mustDir(t, "ConfigDir", ConfigDir) != want {
			t.Errorf("a file named .chorus should leave XDG in charge, want %q", want)
		}
	})
}

func TestDerivedPaths_FlatLayout(t *testing.T) {
	home := withTestHome(t)
	flat := filepath.Join(home, ".chorus")
	if err := os.MkdirAll(flat, 0755); err != nil {
		t.Fatal(err)
	}
	Reset()

	derived := []struct {
		label string
		fn    func() (string, error)
		want  string
	}{
		{"AgentsFilePath", AgentsFilePath, filepath.Join(flat, "agents.yaml")},
		{"ConversationsFilePath", ConversationsFilePath, filepath.Join(flat, "conversations.json")},
		{"ConversationsDir", ConversationsDir, filepath.Join(flat, "conversations")},
		{"LogsDir", LogsDir, filepath.Join(flat, "logs")},
		{"WorktreesDir", WorktreesDir, filepath.Join(flat, "worktrees")},
	}
	for _, d := range derived {
		if got := mustDir(t, d.label, d.fn); got != d.want {
			t.Errorf("%s = %q, want %q", d.label, got, d.want)
		}
	}
}

func TestDerivedPaths_SplitAcrossXDGDirs(t *testing.T) {
	home := withTestHome(t)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, "cfg"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(home, "data"))
	t.Setenv("XDG_STATE_HOME", filepath.Join(home, "state"))
	Reset()

	derived := []struct {
		label string
		fn    func() (string, error)
		want  string
	}{
		{"AgentsFilePath", AgentsFilePath, filepath.Join(home, "cfg", "chorus", "agents.yaml")},
		{"ConversationsFilePath", ConversationsFilePath, filepath.Join(home, "data", "chorus", "conversations.json")},
		{"ConversationsDir", ConversationsDir, filepath.Join(home, "data", "chorus", "conversations")},
		{"LogsDir", LogsDir, filepath.Join(home, "state", "chorus", "logs")},
		{"WorktreesDir", WorktreesDir, filepath.Join(home, "data", "chorus", "worktrees")},
	}
	for _, d := range derived {
		if got := mustDir(t, d.label, d.fn); got != d.want {
			t.Errorf("%s = %q, want %q", d.label, got, d.want)
		}
	}
}

func TestResetPicksUpEnvChanges(t *testing.T) {
	home := withTestHome(t)

	first := mustDir(t, "ConfigDir", ConfigDir)
	if want := filepath.Join(home, ".chorus"); first != want {
		t.Fatalf("ConfigDir = %q, want %q", first, want)
	}

	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, "xdg-cfg"))
	Reset()

	second := mustDir(t, "ConfigDir", ConfigDir)
	if want := filepath.Join(home, "xdg-cfg", "chorus"); second != want {
		t.Errorf("ConfigDir after Reset = %q, want %q", second, want)
	}
}
