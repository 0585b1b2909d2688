// Package auth holds the external collaborator interfaces of the broker
// core: session ownership verification and the security audit sink. The
// actual credential layer (JWT issuance, login) lives outside this
// repository; the broker only consumes these interfaces.
package auth

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codefionn/interactd/internal/logger"
)

// SessionOwnershipVerifier answers whether a user owns a session. Called on
// every subscribe, sync and response.
type SessionOwnershipVerifier interface {
	VerifySessionOwner(userID, sessionID string) bool
}

// Security event names surfaced to the audit sink.
const (
	EventUnauthorizedSubscribe = "UNAUTHORIZED_SUBSCRIBE"
	EventReplayDetected        = "REPLAY_DETECTED"
	EventRateLimit             = "RATE_LIMIT"
	EventSessionMismatch       = "SESSION_MISMATCH"
)

// AuditSink receives security events. Implementations must be safe for
// concurrent use and must not block.
type AuditSink interface {
	SecurityEvent(event, userID, clientID, detail string)
}

// ValidSessionID reports whether s is a canonical UUIDv4 string. Session
// identifiers are format-validated on every boundary crossing.
func ValidSessionID(s string) bool {
	u, err := uuid.Parse(s)
	if err != nil {
		return false
	}
	return u.Version() == 4 && u.String() == s
}

// Registry is an in-memory authoritative session registry mapping session
// to owning user. In production this is fed by the agent runtime as it
// opens sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]sessionRecord
}

type sessionRecord struct {
	owner     string
	createdAt time.Time
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]sessionRecord)}
}

// Register records a session's owner. The mapping is immutable: a second
// registration for the same session with a different owner is refused.
func (r *Registry) Register(sessionID, ownerUserID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.sessions[sessionID]; ok {
		return rec.owner == ownerUserID
	}
	r.sessions[sessionID] = sessionRecord{owner: ownerUserID, createdAt: time.Now()}
	return true
}

// Unregister removes a session from the registry.
func (r *Registry) Unregister(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}

// VerifySessionOwner implements SessionOwnershipVerifier.
func (r *Registry) VerifySessionOwner(userID, sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.sessions[sessionID]
	return ok && rec.owner == userID
}

// LogSink is an AuditSink that writes security events to the logger and
// counts them per event name.
type LogSink struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewLogSink creates a logger-backed audit sink.
func NewLogSink() *LogSink {
	return &LogSink{counts: make(map[string]int)}
}

// SecurityEvent implements AuditSink.
func (s *LogSink) SecurityEvent(event, userID, clientID, detail string) {
	s.mu.Lock()
	s.counts[event]++
	n := s.counts[event]
	s.mu.Unlock()

	logger.Warn("Security event %s (count=%d): user=%s client=%s %s", event, n, userID, clientID, detail)
}

// Count returns how often an event has fired.
func (s *LogSink) Count(event string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[event]
}
