package broker

import "github.com/codefionn/interactd/internal/interaction"

// ExitPlanModeTool is the tool whose approval leaves plan mode. Its allow
// carries updatedPermissions so the agent switches modes atomically.
const ExitPlanModeTool = "ExitPlanMode"

// acceptEditTools are short-circuited to allow under acceptEdits mode.
var acceptEditTools = map[string]struct{}{
	"Read":  {},
	"Write": {},
	"Edit":  {},
}

// planModeTools is the tool set plan mode restricts the agent to.
var planModeTools = map[string]struct{}{
	"Read":            {},
	"Glob":            {},
	"Grep":            {},
	"Task":            {},
	ExitPlanModeTool:  {},
	"TodoRead":        {},
	"TodoWrite":       {},
	"AskUserQuestion": {},
}

// modeDecision is what the permission-mode table says before any human is
// involved.
type modeDecision int

const (
	decideAsk modeDecision = iota
	decideAllow
	decideDeny
)

// evaluateMode applies the session's permission mode to a tool name. A
// permission interaction is raised only when no mode-based decision
// applies.
func evaluateMode(mode, toolName string) modeDecision {
	switch mode {
	case interaction.ModeBypassPermissions:
		return decideAllow
	case interaction.ModeAcceptEdits:
		if _, ok := acceptEditTools[toolName]; ok {
			return decideAllow
		}
		return decideAsk
	case interaction.ModePlan:
		if toolName == ExitPlanModeTool {
			return decideAsk
		}
		if _, ok := planModeTools[toolName]; ok {
			return decideAllow
		}
		return decideDeny
	default:
		return decideAsk
	}
}

// categorize buckets a tool for the interaction metadata.
func categorize(toolName string) (category, riskLevel string) {
	switch toolName {
	case "Read", "Glob", "Grep", "TodoRead":
		return "read", "low"
	case "Write", "Edit", "TodoWrite":
		return "edit", "medium"
	case "Bash", "Task":
		return "execution", "high"
	case "WebFetch", "WebSearch":
		return "network", "medium"
	default:
		return "other", "medium"
	}
}
