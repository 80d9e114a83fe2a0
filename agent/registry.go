package agent

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/chorushq/chorus-core/paths"
)

// DefaultAgentID is the id of the built-in agent definition.
const DefaultAgentID = "chorus"

// Definition describes an agent CLI the engine can run.
type Definition struct {
	ID      string   `yaml:"id"`
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args,omitempty"`

	// PromptPath points at a file whose contents are appended to the
	// agent's system prompt. Optional.
	PromptPath string `yaml:"promptPath,omitempty"`

	// Model overrides the CLI's default model. Optional.
	Model string `yaml:"model,omitempty"`
}

// Registry is the set of agent definitions available to the engine.
type Registry struct {
	Agents []Definition `yaml:"agents"`
}

// DefaultRegistry returns the built-in registry: the chorus agent running
// the claude CLI.
func DefaultRegistry() *Registry {
	return &Registry{
		Agents: []Definition{
			{
				ID:      DefaultAgentID,
				Name:    "Chorus",
				Command: "claude",
			},
		},
	}
}

// LoadRegistry reads and parses an agents file.
// Returns nil, nil if the file does not exist.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read agents file: %w", err)
	}

	var reg Registry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("failed to parse agents file: %w", err)
	}

	if err := reg.validate(); err != nil {
		return nil, err
	}

	return &reg, nil
}

// LoadOrDefault loads the registry from the standard agents file location
// and merges it over the built-in defaults. If no file exists, returns the
// defaults. A user entry sharing a built-in id replaces it.
func LoadOrDefault() (*Registry, error) {
	path, err := paths.AgentsFilePath()
	if err != nil {
		return nil, err
	}

	reg, err := LoadRegistry(path)
	if err != nil {
		return nil, err
	}

	defaults := DefaultRegistry()
	if reg == nil {
		return defaults, nil
	}

	return mergeRegistries(defaults, reg), nil
}

func mergeRegistries(defaults, overrides *Registry) *Registry {
	merged := &Registry{Agents: make([]Definition, len(defaults.Agents))}
	index := make(map[string]int, len(defaults.Agents))
	for i, def := range defaults.Agents {
		merged.Agents[i] = def
		index[def.ID] = i
	}
	for _, def := range overrides.Agents {
		if i, ok := index[def.ID]; ok {
			merged.Agents[i] = def
			continue
		}
		index[def.ID] = len(merged.Agents)
		merged.Agents = append(merged.Agents, def)
	}
	return merged
}

func (r *Registry) validate() error {
	seen := make(map[string]bool, len(r.Agents))
	for i, def := range r.Agents {
		if def.ID == "" {
			return fmt.Errorf("agent %d: missing id", i)
		}
		if def.Command == "" {
			return fmt.Errorf("agent %q: missing command", def.ID)
		}
		if seen[def.ID] {
			return fmt.Errorf("agent %q: duplicate id", def.ID)
		}
		seen[def.ID] = true
	}
	return nil
}

// Get returns the definition with the given id.
func (r *Registry) Get(id string) (Definition, bool) {
	for _, def := range r.Agents {
		if def.ID == id {
			return def, true
		}
	}
	return Definition{}, false
}

// List returns the definitions in registry order.
func (r *Registry) List() []Definition {
	out := make([]Definition, len(r.Agents))
	copy(out, r.Agents)
	return out
}

// SystemPrompt reads the definition's prompt file. Returns an empty string
// when the definition has no prompt path.
func SystemPrompt(def Definition) (string, error) {
	if def.PromptPath == "" {
		return "", nil
	}
	data, err := os.ReadFile(def.PromptPath)
	if err != nil {
		return "", fmt.Errorf("failed to read agent prompt %s: %w", def.PromptPath, err)
	}
	return strings.TrimSpace(string(data)), nil
}
