package socketserver

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/codefionn/interactd/internal/auth"
	"github.com/codefionn/interactd/internal/config"
	"github.com/codefionn/interactd/internal/interaction"
	"github.com/codefionn/interactd/internal/logger"
)

// Router fans interaction lifecycle events out to authorized subscribers and
// dispatches inbound frames. Outbound envelopes carry a monotonically
// increasing sequence number so clients can detect drops and resynchronize.
type Router struct {
	cfg      *config.Config
	store    *interaction.Store
	registry *Registry
	verifier auth.SessionOwnershipVerifier
	audit    auth.AuditSink

	seq atomic.Uint64

	// backlog retains request envelopes for sessions with no connected
	// authorized subscriber, bounded per key, flushed on the next subscribe.
	mu      sync.Mutex
	backlog map[string][]*Envelope
}

// NewRouter wires the router between the store and the registry.
func NewRouter(cfg *config.Config, store *interaction.Store, registry *Registry, verifier auth.SessionOwnershipVerifier, audit auth.AuditSink) *Router {
	r := &Router{
		cfg:      cfg,
		store:    store,
		registry: registry,
		verifier: verifier,
		audit:    audit,
		backlog:  make(map[string][]*Envelope),
	}
	store.SetEventHandler(r.HandleStoreEvent)
	registry.SetLostHandler(r.SubscriberLost)
	return r
}

// NextSeq allocates the next outbound sequence number. The heartbeat shares
// the router's sequence space.
func (r *Router) NextSeq() uint64 {
	return r.seq.Add(1)
}

// backlogKey routes session-less interactions by owner instead of session.
func backlogKey(sessionID, userID string) string {
	if sessionID != "" {
		return sessionID
	}
	return "user:" + userID
}

func (r *Router) targetsFor(sessionID, userID string) []*Subscriber {
	if sessionID != "" {
		return r.registry.ForSession(sessionID)
	}
	return r.registry.ForUser(userID)
}

// HandleStoreEvent is the store's lifecycle event consumer.
func (r *Router) HandleStoreEvent(ev interaction.Event) {
	switch ev.Type {
	case interaction.EventCreated:
		r.deliverRequest(ev.Snapshot)
	default:
		r.deliverUpdate(ev.Snapshot)
	}
}

// deliverRequest fans a pending interaction out to every authorized
// subscriber, or parks it in the backlog when none is connected.
func (r *Router) deliverRequest(snap interaction.Snapshot) {
	targets := r.targetsFor(snap.SessionID, snap.UserID)
	if len(targets) == 0 {
		r.park(snap)
		return
	}
	for _, s := range targets {
		if s.HasPending(snap.ID) {
			continue
		}
		s.TrackPending(snap.ID)
		s.Enqueue(NewInteractionRequest(r.NextSeq(), snap))
	}
}

// deliverUpdate fans the terminal status out and clears any parked request.
func (r *Router) deliverUpdate(snap interaction.Snapshot) {
	id := snap.ID.String()
	key := backlogKey(snap.SessionID, snap.UserID)

	r.mu.Lock()
	if parked := r.backlog[key]; len(parked) > 0 {
		kept := parked[:0]
		for _, env := range parked {
			if env.ID != id {
				kept = append(kept, env)
			}
		}
		if len(kept) == 0 {
			delete(r.backlog, key)
		} else {
			r.backlog[key] = kept
		}
	}
	r.mu.Unlock()

	for _, s := range r.targetsFor(snap.SessionID, snap.UserID) {
		s.UntrackPending(snap.ID)
		s.Enqueue(NewInteractionUpdate(r.NextSeq(), id, snap.Status))
	}
}

// park retains a request envelope for later delivery, dropping the oldest
// entry when the per-key backlog is full.
func (r *Router) park(snap interaction.Snapshot) {
	key := backlogKey(snap.SessionID, snap.UserID)
	env := NewInteractionRequest(r.NextSeq(), snap)

	r.mu.Lock()
	parked := r.backlog[key]
	if len(parked) >= r.cfg.MaxQueuePerSubscriber {
		parked = parked[1:]
		logger.Warn("Backlog full for %s, dropped oldest parked request", key)
	}
	r.backlog[key] = append(parked, env)
	r.mu.Unlock()

	logger.Debug("Interaction %s parked for %s (no connected subscriber)", snap.ID, key)
}

// flushBacklog delivers parked requests for a key to the subscriber.
func (r *Router) flushBacklog(s *Subscriber, key string) {
	r.mu.Lock()
	parked := r.backlog[key]
	delete(r.backlog, key)
	r.mu.Unlock()

	for _, env := range parked {
		if id, err := uuid.Parse(env.ID); err == nil {
			s.TrackPending(id)
		}
		s.Enqueue(env)
	}
	if len(parked) > 0 {
		logger.Info("Flushed %d parked requests for %s to subscriber %s", len(parked), key, s.ID)
	}
}

// BacklogLen reports the number of parked envelopes for a session.
func (r *Router) BacklogLen(sessionID, userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.backlog[backlogKey(sessionID, userID)])
}

// SubscriberLost reroutes a lost subscriber's undelivered interactions to
// the remaining eligible subscribers (or the backlog).
func (r *Router) SubscriberLost(s *Subscriber) {
	for _, id := range s.TakePending() {
		snap, ok := r.store.Get(id)
		if !ok {
			continue
		}
		r.deliverRequest(snap)
	}
}

// HandleInbound dispatches one decoded frame from a subscriber.
func (r *Router) HandleInbound(s *Subscriber, data []byte) {
	env, derr := DecodeInbound(data)
	if derr != nil {
		s.SendError("", derr)
		return
	}

	switch env.Type {
	case MessageTypeSubscribe, MessageTypeSyncRequest:
		if !s.AllowSubscribeRequest() {
			r.audit.SecurityEvent(auth.EventRateLimit, s.UserID, s.ID, "subscribe rate limit exceeded")
			s.SendError("", interaction.NewError(interaction.CodeRateLimit,
				"subscribe rate limit of %d per minute exceeded", r.cfg.SubscribeRatePerMinute))
			return
		}
		r.handleSubscribe(s, env)
	case MessageTypeResponse:
		r.handleResponse(s, env)
	case MessageTypePing:
		s.Enqueue(&Envelope{Type: MessageTypePong, SequenceNumber: r.NextSeq()})
	case MessageTypePong:
		// liveness already refreshed by the read pump
	}
}

// handleSubscribe authorizes the requested sessions and replies with the
// pending interactions for every session the subscriber now holds.
// Idempotent: re-subscribing an already-authorized session only refreshes
// its TTL and re-syncs.
func (r *Router) handleSubscribe(s *Subscriber, env *Envelope) {
	var granted []string
	for _, sessionID := range env.SessionIDs {
		if !r.verifier.VerifySessionOwner(s.UserID, sessionID) {
			// A previously granted authorization the verifier no longer
			// vouches for is revoked here.
			r.registry.Deauthorize(s, sessionID)
			r.audit.SecurityEvent(auth.EventUnauthorizedSubscribe, s.UserID, s.ID, sessionID)
			s.SendError("", interaction.NewError(interaction.CodeUnauthorized,
				"user is not the owner of session %s", sessionID))
			continue
		}
		if err := r.registry.Authorize(s, sessionID); err != nil {
			s.SendError("", err)
			continue
		}
		r.store.TouchSession(sessionID, s.UserID)
		granted = append(granted, sessionID)
	}

	s.Enqueue(NewSyncResponse(r.NextSeq(), r.store.GetForSessions(granted)))

	for _, sessionID := range granted {
		r.flushBacklog(s, sessionID)
	}
	r.flushBacklog(s, backlogKey("", s.UserID))
}

// handleResponse validates freshness and replay, then resolves through the
// store. A successful resolve is acknowledged by the fanned-out
// interaction-update; only failures produce a direct error reply.
func (r *Router) handleResponse(s *Subscriber, env *Envelope) {
	skew := time.Now().Unix() - env.Timestamp
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(r.cfg.NonceWindowSeconds) {
		s.SendError(env.InteractionID, interaction.NewError(interaction.CodeExpired,
			"response timestamp outside the %ds window", r.cfg.NonceWindowSeconds))
		return
	}

	// The nonce is burned before resolution so an identical resend is
	// rejected as a replay no matter how the first attempt ended.
	if s.SeenNonce(env.Nonce) {
		r.audit.SecurityEvent(auth.EventReplayDetected, s.UserID, s.ID, env.Nonce)
		s.SendError(env.InteractionID, interaction.NewError(interaction.CodeReplayDetected,
			"nonce already used"))
		return
	}

	id, err := uuid.Parse(env.InteractionID)
	if err != nil {
		s.SendError(env.InteractionID, interaction.NewError(interaction.CodeSchema,
			"interactionId %q is not a UUID", env.InteractionID))
		return
	}

	if err := r.store.ResolveRaw(id, env.Response, s.UserID); err != nil {
		if interaction.IsCode(err, interaction.CodeUnauthorized) {
			r.audit.SecurityEvent(auth.EventSessionMismatch, s.UserID, s.ID, env.InteractionID)
		}
		s.SendError(env.InteractionID, err)
		return
	}
	s.UntrackPending(id)
}
