// Package broker offers the three typed request paths the agent runtime
// awaits: permission, plan approval and ask-user. It is a thin facade over
// the interaction store; the caller blocks on the store future until a
// human resolves the interaction, the timeout fires, or the context is
// cancelled.
package broker

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/codefionn/interactd/internal/interaction"
	"github.com/codefionn/interactd/internal/logger"
)

// Broker translates domain calls into generic interactions and typed
// responses.
type Broker struct {
	store *interaction.Store

	modeMu       sync.RWMutex
	sessionModes map[string]string
}

// New creates a broker over the given store.
func New(store *interaction.Store) *Broker {
	return &Broker{
		store:        store,
		sessionModes: make(map[string]string),
	}
}

// SessionMode returns the session's current permission mode.
func (b *Broker) SessionMode(sessionID string) string {
	b.modeMu.RLock()
	defer b.modeMu.RUnlock()
	if mode, ok := b.sessionModes[sessionID]; ok {
		return mode
	}
	return interaction.ModeDefault
}

// SetSessionMode records the session's permission mode.
func (b *Broker) SetSessionMode(sessionID, mode string) {
	b.modeMu.Lock()
	defer b.modeMu.Unlock()
	if mode == interaction.ModeDefault {
		delete(b.sessionModes, sessionID)
		return
	}
	b.sessionModes[sessionID] = mode
}

// RequestPermission asks a human whether toolName may run with toolInput.
// Mode short-circuits apply first; an interaction is raised only when the
// session's permission mode gives no answer. Blocks until decided.
func (b *Broker) RequestPermission(ctx context.Context, toolName string, toolInput map[string]interface{}, sessionID, userID string, suggestions []string) (*interaction.PermissionResponse, error) {
	switch evaluateMode(b.SessionMode(sessionID), toolName) {
	case decideAllow:
		return &interaction.PermissionResponse{Decision: interaction.DecisionAllow}, nil
	case decideDeny:
		logger.Debug("Tool %s denied by plan mode (session=%s)", toolName, sessionID)
		return &interaction.PermissionResponse{Decision: interaction.DecisionDeny}, nil
	}

	category, riskLevel := categorize(toolName)
	payload := &interaction.PermissionPayload{ToolName: toolName, ToolInput: toolInput}
	md := interaction.Metadata{RiskLevel: riskLevel, Category: category, Suggestions: suggestions}

	id, future, err := b.store.Create(interaction.KindPermission, sessionID, userID, payload, md)
	if err != nil {
		return nil, err
	}

	outcome, err := b.await(ctx, id, future)
	if err != nil {
		return nil, err
	}
	resp, ok := outcome.(*interaction.PermissionResponse)
	if !ok {
		return nil, interaction.NewError(interaction.CodeInternal, "unexpected response type for permission interaction")
	}

	// ExitPlanMode approval transitions the session's mode atomically with
	// the allow; the agent receives the new mode in updatedPermissions.
	if toolName == ExitPlanModeTool && resp.Decision != interaction.DecisionDeny {
		if resp.UpdatedPermissions == nil {
			resp.UpdatedPermissions = &interaction.PermissionUpdate{Mode: interaction.ModeDefault}
		}
		b.SetSessionMode(sessionID, resp.UpdatedPermissions.Mode)
	}
	return resp, nil
}

// RequestPlanApproval asks a human to approve a proposed plan. A timeout
// surfaces as a structured reject with feedback "timeout" rather than an
// error; cancellation and eviction surface as errors.
func (b *Broker) RequestPlanApproval(ctx context.Context, planContent, sessionID, userID string) (*interaction.PlanApprovalResponse, error) {
	payload := &interaction.PlanApprovalPayload{
		PlanMarkdown:  planContent,
		ProposedSteps: extractSteps(planContent),
	}

	id, future, err := b.store.Create(interaction.KindPlanApproval, sessionID, userID, payload, interaction.Metadata{Category: "plan"})
	if err != nil {
		return nil, err
	}

	outcome, err := b.await(ctx, id, future)
	if err != nil {
		if interaction.IsCode(err, interaction.CodeTimeout) {
			return &interaction.PlanApprovalResponse{
				PermissionMode: interaction.ModeReject,
				Feedback:       "timeout",
			}, nil
		}
		return nil, err
	}
	resp, ok := outcome.(*interaction.PlanApprovalResponse)
	if !ok {
		return nil, interaction.NewError(interaction.CodeInternal, "unexpected response type for plan-approval interaction")
	}

	if resp.PermissionMode != interaction.ModeReject {
		b.SetSessionMode(sessionID, resp.PermissionMode)
	}
	return resp, nil
}

// AskUser poses free-form multiple-choice questions. Blocks until every
// question is answered or the interaction terminates.
func (b *Broker) AskUser(ctx context.Context, questions []interaction.AskUserQuestion, sessionID, userID string) (*interaction.AskUserResponse, error) {
	payload := &interaction.AskUserPayload{Questions: questions}
	if err := payload.Validate(); err != nil {
		return nil, err
	}

	id, future, err := b.store.Create(interaction.KindAskUser, sessionID, userID, payload, interaction.Metadata{Category: "question"})
	if err != nil {
		return nil, err
	}

	outcome, err := b.await(ctx, id, future)
	if err != nil {
		return nil, err
	}
	resp, ok := outcome.(*interaction.AskUserResponse)
	if !ok {
		return nil, interaction.NewError(interaction.CodeInternal, "unexpected response type for ask-user interaction")
	}
	return resp, nil
}

// await blocks on the future. On context cancellation it rejects the
// interaction with CANCELLED and then still drains the future: the
// one-shot handle fires exactly once, so if a resolution won the race its
// outcome is honored.
func (b *Broker) await(ctx context.Context, id uuid.UUID, future interaction.Future) (interface{}, error) {
	select {
	case out := <-future:
		return out.Response, out.Err
	case <-ctx.Done():
		_ = b.store.Reject(id, interaction.NewError(interaction.CodeCancelled, "caller cancelled interaction %s", id))
		out := <-future
		return out.Response, out.Err
	}
}

// extractSteps pulls the top-level list items out of a markdown plan.
func extractSteps(planMarkdown string) []string {
	var steps []string
	for _, line := range strings.Split(planMarkdown, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "- "):
			steps = append(steps, strings.TrimSpace(trimmed[2:]))
		case strings.HasPrefix(trimmed, "* "):
			steps = append(steps, strings.TrimSpace(trimmed[2:]))
		case len(trimmed) > 2 && trimmed[0] >= '1' && trimmed[0] <= '9' && trimmed[1] == '.':
			steps = append(steps, strings.TrimSpace(trimmed[2:]))
		}
	}
	return steps
}
