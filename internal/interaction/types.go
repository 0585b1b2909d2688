package interaction

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind discriminates the three interaction flavors.
type Kind string

const (
	KindPermission   Kind = "permission"
	KindPlanApproval Kind = "plan-approval"
	KindAskUser      Kind = "ask-user"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindPermission, KindPlanApproval, KindAskUser:
		return true
	}
	return false
}

// Status is the lifecycle state of an interaction. Terminal states are
// sinks; pending never comes back.
type Status string

const (
	StatusPending  Status = "pending"
	StatusResolved Status = "resolved"
	StatusRejected Status = "rejected"
	StatusTimedOut Status = "timedOut"
)

// Metadata carries advisory context fanned out alongside the payload.
type Metadata struct {
	RiskLevel   string   `json:"riskLevel,omitempty"`
	Category    string   `json:"category,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// PermissionPayload asks whether a tool invocation may proceed.
type PermissionPayload struct {
	ToolName  string                 `json:"toolName"`
	ToolInput map[string]interface{} `json:"toolInput"`
}

// Permission decisions.
const (
	DecisionAllow        = "allow"
	DecisionDeny         = "deny"
	DecisionAllowSession = "allow-session"
	DecisionAllowAlways  = "allow-always"
	DecisionModify       = "modify"
)

// PermissionUpdate reports a permission-mode transition back to the agent
// so it can switch modes atomically with the allow (ExitPlanMode).
type PermissionUpdate struct {
	Mode string `json:"mode"`
}

// PermissionResponse is the human's decision on a permission interaction.
type PermissionResponse struct {
	Decision           string                 `json:"decision"`
	UpdatedInput       map[string]interface{} `json:"updatedInput,omitempty"`
	UpdatedPermissions *PermissionUpdate      `json:"updatedPermissions,omitempty"`
}

// Validate checks the decision and its constraints.
func (r *PermissionResponse) Validate() error {
	switch r.Decision {
	case DecisionAllow, DecisionDeny, DecisionAllowSession, DecisionAllowAlways:
	case DecisionModify:
		if r.UpdatedInput == nil {
			return NewError(CodeSchema, "decision %q requires updatedInput", DecisionModify)
		}
	default:
		return NewError(CodeSchema, "unknown permission decision %q", r.Decision)
	}
	return nil
}

// PlanApprovalPayload asks for approval of a proposed plan.
type PlanApprovalPayload struct {
	PlanMarkdown  string   `json:"planMarkdown"`
	ProposedSteps []string `json:"proposedSteps,omitempty"`
}

// Permission modes an approved plan may transition the agent into.
const (
	ModeDefault           = "default"
	ModeAcceptEdits       = "acceptEdits"
	ModeBypassPermissions = "bypassPermissions"
	ModePlan              = "plan"
	ModeReject            = "reject"
)

// PlanApprovalResponse is the human's decision on a plan. ModeReject rejects
// the interaction rather than resolving it.
type PlanApprovalResponse struct {
	PermissionMode string `json:"permissionMode"`
	Feedback       string `json:"feedback,omitempty"`
}

// Validate checks the permission mode.
func (r *PlanApprovalResponse) Validate() error {
	switch r.PermissionMode {
	case ModeDefault, ModeAcceptEdits, ModeBypassPermissions, ModeReject:
		return nil
	}
	return NewError(CodeSchema, "unknown permission mode %q", r.PermissionMode)
}

// AskUserOption is one selectable answer for a question.
type AskUserOption struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// AskUserQuestion is a single multiple-choice question.
type AskUserQuestion struct {
	Header      string          `json:"header,omitempty"`
	Question    string          `json:"question"`
	Options     []AskUserOption `json:"options"`
	MultiSelect bool            `json:"multiSelect,omitempty"`
}

// AskUserPayload carries one or more questions for the user.
type AskUserPayload struct {
	Questions []AskUserQuestion `json:"questions"`
}

// Validate enforces the at-least-one-question contract.
func (p *AskUserPayload) Validate() error {
	if len(p.Questions) == 0 {
		return NewError(CodeSchema, "ask-user payload requires at least one question")
	}
	for i, q := range p.Questions {
		if q.Question == "" {
			return NewError(CodeSchema, "question %d has no text", i)
		}
	}
	return nil
}

// OtherAnswerPrefix marks a free-text answer outside the offered options.
const OtherAnswerPrefix = "Other: "

// Answer is a single question's answer: one string, or a string set for
// multi-select questions. Marshals as a bare string or a string array.
type Answer struct {
	Value  string
	Values []string
	Multi  bool
}

// MarshalJSON encodes the answer as a string or array.
func (a Answer) MarshalJSON() ([]byte, error) {
	if a.Multi {
		return json.Marshal(a.Values)
	}
	return json.Marshal(a.Value)
}

// UnmarshalJSON accepts a bare string or a string array.
func (a *Answer) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		a.Multi = true
		return json.Unmarshal(data, &a.Values)
	}
	a.Multi = false
	return json.Unmarshal(data, &a.Value)
}

// AskUserResponse maps question index (as a decimal string) to its answer.
type AskUserResponse struct {
	Answers map[string]Answer `json:"answers"`
}

// ValidateAgainst checks that every question is answered and that answer
// arity matches each question's multiSelect flag. Answers using the
// "Other: ..." convention are accepted as free text.
func (r *AskUserResponse) ValidateAgainst(p *AskUserPayload) error {
	if len(r.Answers) != len(p.Questions) {
		return NewError(CodeSchema, "expected %d answers, got %d", len(p.Questions), len(r.Answers))
	}
	for i, q := range p.Questions {
		key := strconv.Itoa(i)
		ans, ok := r.Answers[key]
		if !ok {
			return NewError(CodeSchema, "question %d not answered", i)
		}
		if q.MultiSelect != ans.Multi {
			if q.MultiSelect {
				return NewError(CodeSchema, "question %d expects a string set", i)
			}
			return NewError(CodeSchema, "question %d expects a single string", i)
		}
		if ans.Multi && len(ans.Values) == 0 {
			return NewError(CodeSchema, "question %d answered with an empty set", i)
		}
	}
	return nil
}

// Outcome is what a completion future yields: a typed response or a typed
// error, never both.
type Outcome struct {
	Response interface{}
	Err      error
}

// Future is the single-consumer completion handle returned by Create. It
// yields exactly one Outcome.
type Future <-chan Outcome

// Interaction is a pending human-in-the-loop request. Owned by the store
// until a terminal transition.
type Interaction struct {
	ID          uuid.UUID
	Kind        Kind
	SessionID   string // empty when the interaction is session-less
	UserID      string
	Data        interface{}
	Metadata    Metadata
	RequestedAt time.Time
	DecidedAt   time.Time
	Status      Status

	done  chan Outcome
	timer *time.Timer
}

// Snapshot is a read-only copy of an interaction safe to hand to other
// goroutines and to serialize onto the wire.
type Snapshot struct {
	ID          uuid.UUID   `json:"id"`
	Kind        Kind        `json:"interactionType"`
	SessionID   string      `json:"sessionId,omitempty"`
	UserID      string      `json:"-"`
	Data        interface{} `json:"data"`
	Metadata    Metadata    `json:"metadata"`
	RequestedAt time.Time   `json:"requestedAt"`
	Status      Status      `json:"status"`
}

func (in *Interaction) snapshot() Snapshot {
	return Snapshot{
		ID:          in.ID,
		Kind:        in.Kind,
		SessionID:   in.SessionID,
		UserID:      in.UserID,
		Data:        in.Data,
		Metadata:    in.Metadata,
		RequestedAt: in.RequestedAt,
		Status:      in.Status,
	}
}

// DecodeResponse parses a raw JSON response into the typed response for the
// given kind and validates it.
func DecodeResponse(kind Kind, raw json.RawMessage) (interface{}, error) {
	switch kind {
	case KindPermission:
		var resp PermissionResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, NewError(CodeSchema, "malformed permission response: %v", err)
		}
		if err := resp.Validate(); err != nil {
			return nil, err
		}
		return &resp, nil
	case KindPlanApproval:
		var resp PlanApprovalResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, NewError(CodeSchema, "malformed plan-approval response: %v", err)
		}
		if err := resp.Validate(); err != nil {
			return nil, err
		}
		return &resp, nil
	case KindAskUser:
		var resp AskUserResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, NewError(CodeSchema, "malformed ask-user response: %v", err)
		}
		return &resp, nil
	}
	return nil, NewError(CodeSchema, "unknown interaction kind %q", kind)
}

// Event types emitted by the store.
type EventType string

const (
	EventCreated  EventType = "interaction-created"
	EventResolved EventType = "interaction-resolved"
	EventRejected EventType = "interaction-rejected"
	EventTimedOut EventType = "interaction-timeout"
)

// Event is a lifecycle notification delivered to the event handler after
// the store's critical section has been released.
type Event struct {
	Type     EventType
	Snapshot Snapshot
}

// EventHandler consumes store lifecycle events. Invoked synchronously from
// the mutating goroutine with no store lock held.
type EventHandler func(Event)

// String implements fmt.Stringer for log lines.
func (e Event) String() string {
	return fmt.Sprintf("%s %s session=%s", e.Type, e.Snapshot.ID, e.Snapshot.SessionID)
}
