package socketserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/codefionn/interactd/internal/auth"
	"github.com/codefionn/interactd/internal/interaction"
	"github.com/codefionn/interactd/internal/logger"
)

// Agent-facing API: blocking JSON endpoints over the broker facade. The
// agent runtime POSTs a request and the response arrives when a human
// decides, the timeout fires, or the agent drops the request (context
// cancellation via closed connection).

type permissionRequest struct {
	ToolName    string                 `json:"toolName"`
	ToolInput   map[string]interface{} `json:"toolInput,omitempty"`
	SessionID   string                 `json:"sessionId"`
	UserID      string                 `json:"userId"`
	Suggestions []string               `json:"suggestions,omitempty"`
}

type planApprovalRequest struct {
	PlanContent string `json:"planContent"`
	SessionID   string `json:"sessionId"`
	UserID      string `json:"userId"`
}

type askUserRequest struct {
	Questions []interaction.AskUserQuestion `json:"questions"`
	SessionID string                        `json:"sessionId,omitempty"`
	UserID    string                        `json:"userId"`
}

func (s *Server) handlePermission(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req permissionRequest
	if !decodeAgentRequest(w, r, &req) {
		return
	}
	if req.ToolName == "" {
		writeAgentError(w, interaction.NewError(interaction.CodeSchema, "toolName is required"))
		return
	}
	if !validAgentSession(w, req.SessionID, req.UserID, false) {
		return
	}

	resp, err := s.broker.RequestPermission(r.Context(), req.ToolName, req.ToolInput,
		req.SessionID, req.UserID, req.Suggestions)
	writeAgentResponse(w, resp, err)
}

func (s *Server) handlePlanApproval(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req planApprovalRequest
	if !decodeAgentRequest(w, r, &req) {
		return
	}
	if req.PlanContent == "" {
		writeAgentError(w, interaction.NewError(interaction.CodeSchema, "planContent is required"))
		return
	}
	if !validAgentSession(w, req.SessionID, req.UserID, false) {
		return
	}

	resp, err := s.broker.RequestPlanApproval(r.Context(), req.PlanContent, req.SessionID, req.UserID)
	writeAgentResponse(w, resp, err)
}

func (s *Server) handleAskUser(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req askUserRequest
	if !decodeAgentRequest(w, r, &req) {
		return
	}
	// Ask-user works session-less; it fans out to the user's subscribers.
	if !validAgentSession(w, req.SessionID, req.UserID, true) {
		return
	}

	resp, err := s.broker.AskUser(r.Context(), req.Questions, req.SessionID, req.UserID)
	writeAgentResponse(w, resp, err)
}

func decodeAgentRequest(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeAgentError(w, interaction.NewError(interaction.CodeSchema, "malformed request body: %v", err))
		return false
	}
	return true
}

func validAgentSession(w http.ResponseWriter, sessionID, userID string, sessionOptional bool) bool {
	if userID == "" {
		writeAgentError(w, interaction.NewError(interaction.CodeSchema, "userId is required"))
		return false
	}
	if sessionID == "" {
		if sessionOptional {
			return true
		}
		writeAgentError(w, interaction.NewError(interaction.CodeSchema, "sessionId is required"))
		return false
	}
	if !auth.ValidSessionID(sessionID) {
		writeAgentError(w, interaction.NewError(interaction.CodeSchema, "sessionId %q is not a canonical UUIDv4", sessionID))
		return false
	}
	return true
}

func writeAgentResponse(w http.ResponseWriter, resp interface{}, err error) {
	if err != nil {
		writeAgentError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error("Failed to encode agent response: %v", err)
	}
}

func writeAgentError(w http.ResponseWriter, err error) {
	var e *interaction.Error
	if !errors.As(err, &e) {
		e = interaction.NewError(interaction.CodeInternal, "%v", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatusFor(e.Code))
	_ = json.NewEncoder(w).Encode(struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}{Code: string(e.Code), Message: e.Message})
}

func httpStatusFor(code interaction.Code) int {
	switch code {
	case interaction.CodeSchema:
		return http.StatusBadRequest
	case interaction.CodeUnauthorized, interaction.CodeSessionMismatch:
		return http.StatusForbidden
	case interaction.CodeNotFound:
		return http.StatusNotFound
	case interaction.CodeQuotaExceeded, interaction.CodeRateLimit, interaction.CodeLimitExceeded:
		return http.StatusTooManyRequests
	case interaction.CodeTimeout:
		return http.StatusGatewayTimeout
	case interaction.CodeShutdown:
		return http.StatusServiceUnavailable
	case interaction.CodeCancelled, interaction.CodeSessionEvicted:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
