package permission

// Mode is the per-conversation permission policy.
type Mode string

const (
	// ModeDefault asks for approval on any tool outside the allowlist.
	ModeDefault Mode = "default"
	// ModeAcceptEdits auto-approves file edit tools; other mutating tools
	// still ask.
	ModeAcceptEdits Mode = "acceptEdits"
	// ModePlan denies every mutating tool so the agent can only read.
	ModePlan Mode = "plan"
	// ModeBypass disables permission checks for the whole conversation.
	ModeBypass Mode = "bypassPermissions"
)

// ParseMode maps a stored mode string to a Mode. Unknown or empty strings
// fall back to ModeDefault.
func ParseMode(s string) Mode {
	switch Mode(s) {
	case ModeDefault, ModeAcceptEdits, ModePlan, ModeBypass:
		return Mode(s)
	default:
		return ModeDefault
	}
}

// Valid reports whether m is one of the defined modes.
func (m Mode) Valid() bool {
	switch m {
	case ModeDefault, ModeAcceptEdits, ModePlan, ModeBypass:
		return true
	}
	return false
}

// ResolveMode applies the settings resolution order: conversation override,
// then workspace default, then ModeDefault.
func ResolveMode(conversationMode, workspaceMode string) Mode {
	if conversationMode != "" {
		return ParseMode(conversationMode)
	}
	if workspaceMode != "" {
		return ParseMode(workspaceMode)
	}
	return ModeDefault
}

// Decision is the policy outcome for a tool invocation.
type Decision int

const (
	// Ask routes the invocation through the broker for user approval.
	Ask Decision = iota
	// Allow bypasses the broker.
	Allow
	// Deny rejects the invocation without asking.
	Deny
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	default:
		return "ask"
	}
}

// alwaysAllowedTools never require approval: they read the workspace or
// touch only UI-side state.
var alwaysAllowedTools = map[string]bool{
	"Read":            true,
	"Glob":            true,
	"Grep":            true,
	"TodoRead":        true,
	"TodoWrite":       true,
	"WebFetch":        true,
	"WebSearch":       true,
	"Task":            true,
	"AskUserQuestion": true,
}

// editTools mutate files but are auto-approved under acceptEdits.
var editTools = map[string]bool{
	"Edit":         true,
	"Write":        true,
	"MultiEdit":    true,
	"NotebookEdit": true,
}

// Evaluate applies a mode's policy to a tool invocation. allowedTools
// entries bypass the broker on an exact name match; entries carrying
// command restrictions such as "Bash(ls:*)" are left to the agent CLI to
// enforce and do not bypass here.
func Evaluate(mode Mode, toolName string, allowedTools []string) Decision {
	if mode == ModeBypass {
		return Allow
	}
	if alwaysAllowedTools[toolName] {
		return Allow
	}
	if mode == ModePlan {
		return Deny
	}
	if mode == ModeAcceptEdits && editTools[toolName] {
		return Allow
	}
	for _, allowed := range allowedTools {
		if allowed == toolName {
			return Allow
		}
	}
	return Ask
}
