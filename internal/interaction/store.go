package interaction

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codefionn/interactd/internal/logger"
)

// Timeouts holds the per-kind interaction deadlines.
type Timeouts struct {
	Permission   time.Duration
	PlanApproval time.Duration
	AskUser      time.Duration
}

func (t Timeouts) forKind(kind Kind) time.Duration {
	switch kind {
	case KindPlanApproval:
		return t.PlanApproval
	case KindAskUser:
		return t.AskUser
	default:
		return t.Permission
	}
}

// StoreConfig bounds the store.
type StoreConfig struct {
	MaxPerSession int
	MaxSessions   int
	SessionTTL    time.Duration
	SweepInterval time.Duration
	Timeouts      Timeouts
}

// Store is the authoritative in-memory table of pending interactions.
//
// The primary map and the session index form one critical region: every
// mutation of one is paired with the matching mutation of the other under
// the same mutex, so the two can never diverge. Completion futures are
// signaled strictly after an interaction has been removed from both
// (delete-before-signal); the first caller through the lookup-and-remove
// section wins and is the only one that signals.
//
// Lifecycle events are queued inside the critical section that performs the
// state transition and drained in queue order, so an interaction's created
// event is never overtaken by its terminal event.
type Store struct {
	mu       sync.Mutex
	cfg      StoreConfig
	byID     map[uuid.UUID]*Interaction
	sessions *sessionIndex
	closed   bool

	handler     EventHandler
	events      []Event
	dispatching bool
}

// NewStore creates a store. The event handler may be nil.
func NewStore(cfg StoreConfig) *Store {
	return &Store{
		cfg:      cfg,
		byID:     make(map[uuid.UUID]*Interaction),
		sessions: newSessionIndex(cfg.MaxSessions, cfg.SessionTTL),
	}
}

// SetEventHandler installs the lifecycle event consumer. Must be called
// before traffic starts.
func (s *Store) SetEventHandler(h EventHandler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// queueLocked appends ev to the ordered event queue. Caller holds the lock.
func (s *Store) queueLocked(ev Event) {
	s.events = append(s.events, ev)
}

// dispatch drains the event queue in order. Only one goroutine drains at a
// time; concurrent callers return and leave their events to the drainer.
func (s *Store) dispatch() {
	s.mu.Lock()
	if s.dispatching {
		s.mu.Unlock()
		return
	}
	s.dispatching = true
	for len(s.events) > 0 {
		ev := s.events[0]
		s.events = s.events[1:]
		h := s.handler
		s.mu.Unlock()
		if h != nil {
			h(ev)
		}
		s.mu.Lock()
	}
	s.dispatching = false
	s.mu.Unlock()
}

// terminalEvent pairs a completed interaction with the outcome to deliver
// once the lock has been released; the matching event is already queued.
type terminalEvent struct {
	in      *Interaction
	outcome Outcome
}

func (s *Store) deliver(events []terminalEvent) {
	for _, te := range events {
		te.in.done <- te.outcome
	}
	s.dispatch()
}

// Create inserts a pending interaction and returns its id and completion
// future. Fails with QUOTA_EXCEEDED when the session already holds the
// maximum pending interactions, SESSION_MISMATCH when the session is owned
// by a different user, SHUTDOWN after Shutdown.
func (s *Store) Create(kind Kind, sessionID, userID string, data interface{}, md Metadata) (uuid.UUID, Future, error) {
	now := time.Now()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return uuid.Nil, nil, NewError(CodeShutdown, "store is shut down")
	}

	var sess *sessionEntry
	if sessionID != "" {
		sess = s.sessions.touch(sessionID, userID, now)
		if sess == nil {
			s.mu.Unlock()
			return uuid.Nil, nil, NewError(CodeSessionMismatch, "session %s is owned by another user", sessionID)
		}
		if len(sess.ids) >= s.cfg.MaxPerSession {
			s.mu.Unlock()
			return uuid.Nil, nil, NewError(CodeQuotaExceeded, "session %s already holds %d pending interactions", sessionID, len(sess.ids))
		}
	}

	in := &Interaction{
		ID:          uuid.New(),
		Kind:        kind,
		SessionID:   sessionID,
		UserID:      userID,
		Data:        data,
		Metadata:    md,
		RequestedAt: now,
		Status:      StatusPending,
		done:        make(chan Outcome, 1),
	}
	s.byID[in.ID] = in
	if sess != nil {
		sess.ids[in.ID] = struct{}{}
	}

	// Touching the index may have disposed the least recently used session.
	evicted := s.collectOverflowLocked()
	s.queueLocked(Event{Type: EventCreated, Snapshot: in.snapshot()})

	// The timer is armed inside the same critical section: a firing timer
	// queues its terminal event behind the created one.
	timeout := s.cfg.Timeouts.forKind(kind)
	id := in.ID
	in.timer = time.AfterFunc(timeout, func() { s.timeoutFire(id) })
	s.mu.Unlock()

	s.deliver(evicted)

	logger.Debug("Interaction %s created (kind=%s session=%s timeout=%s)", id, kind, sessionID, timeout)
	return id, in.done, nil
}

// collectOverflowLocked terminates the interactions of sessions the index
// disposed on capacity overflow. Caller holds the lock.
func (s *Store) collectOverflowLocked() []terminalEvent {
	var events []terminalEvent
	for _, sess := range s.sessions.takeOverflow() {
		logger.Warn("Session %s disposed on capacity overflow (%d pending)", sess.sessionID, len(sess.ids))
		for id := range sess.ids {
			if in, ok := s.byID[id]; ok {
				s.detachLocked(in)
				in.Status = StatusRejected
				in.DecidedAt = time.Now()
				s.queueLocked(Event{Type: EventRejected, Snapshot: in.snapshot()})
				events = append(events, terminalEvent{
					in:      in,
					outcome: Outcome{Err: NewError(CodeSessionEvicted, "session %s evicted", sess.sessionID)},
				})
			}
		}
	}
	return events
}

// detachLocked removes in from the primary map and its session's id set and
// stops its timer. Caller holds the lock.
func (s *Store) detachLocked(in *Interaction) {
	delete(s.byID, in.ID)
	if in.SessionID != "" {
		if sess, ok := s.sessions.get(in.SessionID); ok {
			delete(sess.ids, in.ID)
		}
	}
	if in.timer != nil {
		in.timer.Stop()
	}
}

// Resolve transitions pending to resolved and signals the future with the
// typed response. Ordering is strict: lookup, authorize, remove from both
// structures, stop timer, set terminal status — all under the lock — then
// signal after release. Returns NOT_FOUND when the interaction is already
// terminal, UNAUTHORIZED when actingUserID does not own the session.
//
// A plan-approval response with permissionMode "reject" rejects the
// interaction instead of resolving it; the future still yields the
// structured response so the agent sees the feedback.
func (s *Store) Resolve(id uuid.UUID, response interface{}, actingUserID string) error {
	now := time.Now()

	s.mu.Lock()
	in, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return NewError(CodeNotFound, "interaction %s is not pending", id)
	}

	if err := s.authorizeLocked(in, actingUserID); err != nil {
		s.mu.Unlock()
		return err
	}

	if payload, ok := in.Data.(*AskUserPayload); ok {
		if resp, ok := response.(*AskUserResponse); ok {
			if err := resp.ValidateAgainst(payload); err != nil {
				s.mu.Unlock()
				return err
			}
		}
	}

	s.detachLocked(in)
	in.DecidedAt = now
	evType := EventResolved
	in.Status = StatusResolved
	if resp, ok := response.(*PlanApprovalResponse); ok && resp.PermissionMode == ModeReject {
		in.Status = StatusRejected
		evType = EventRejected
	}
	if in.SessionID != "" {
		if sess, ok := s.sessions.get(in.SessionID); ok {
			sess.lastActivity = now
		}
	}
	s.queueLocked(Event{Type: evType, Snapshot: in.snapshot()})
	s.mu.Unlock()

	in.done <- Outcome{Response: response}
	s.dispatch()
	logger.Debug("Interaction %s %s by %s", id, in.Status, actingUserID)
	return nil
}

// ResolveRaw decodes a wire response for the interaction's kind, validates
// it and resolves. Used by the fan-out layer.
func (s *Store) ResolveRaw(id uuid.UUID, raw json.RawMessage, actingUserID string) error {
	s.mu.Lock()
	in, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return NewError(CodeNotFound, "interaction %s is not pending", id)
	}
	kind := in.Kind
	s.mu.Unlock()

	response, err := DecodeResponse(kind, raw)
	if err != nil {
		return err
	}
	return s.Resolve(id, response, actingUserID)
}

// authorizeLocked verifies that actingUserID owns the interaction's
// session (or the interaction itself when session-less).
func (s *Store) authorizeLocked(in *Interaction, actingUserID string) error {
	owner := in.UserID
	if in.SessionID != "" {
		if o, ok := s.sessions.ownerOf(in.SessionID); ok {
			owner = o
		}
	}
	if actingUserID != owner {
		return NewError(CodeUnauthorized, "user %s does not own interaction %s", actingUserID, in.ID)
	}
	return nil
}

// Reject transitions pending to rejected and fails the future with reason.
// Internal path: no authorization (cancellation, shutdown, eviction).
func (s *Store) Reject(id uuid.UUID, reason *Error) error {
	return s.terminate(id, reason, StatusRejected, EventRejected)
}

// timeoutFire is the per-interaction timer callback.
func (s *Store) timeoutFire(id uuid.UUID) {
	err := s.terminate(id, NewError(CodeTimeout, "interaction %s timed out", id), StatusTimedOut, EventTimedOut)
	if err == nil {
		logger.Info("Interaction %s timed out", id)
	}
}

func (s *Store) terminate(id uuid.UUID, reason *Error, status Status, evType EventType) error {
	s.mu.Lock()
	in, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return NewError(CodeNotFound, "interaction %s is not pending", id)
	}
	s.detachLocked(in)
	in.Status = status
	in.DecidedAt = time.Now()
	s.queueLocked(Event{Type: evType, Snapshot: in.snapshot()})
	s.mu.Unlock()

	in.done <- Outcome{Err: reason}
	s.dispatch()
	return nil
}

// EvictSession removes a session and rejects every pending interaction it
// holds with SESSION_EVICTED.
func (s *Store) EvictSession(sessionID string) {
	now := time.Now()

	s.mu.Lock()
	sess, ok := s.sessions.get(sessionID)
	if !ok {
		s.mu.Unlock()
		return
	}
	var events []terminalEvent
	for id := range sess.ids {
		if in, ok := s.byID[id]; ok {
			s.detachLocked(in)
			in.Status = StatusRejected
			in.DecidedAt = now
			s.queueLocked(Event{Type: EventRejected, Snapshot: in.snapshot()})
			events = append(events, terminalEvent{
				in:      in,
				outcome: Outcome{Err: NewError(CodeSessionEvicted, "session %s evicted", sessionID)},
			})
		}
	}
	s.sessions.drop(sessionID)
	s.mu.Unlock()

	s.deliver(events)
	logger.Info("Session %s evicted (%d pending rejected)", sessionID, len(events))
}

// TouchSession refreshes a session's TTL clock (subscribe / sync counts as
// activity). Reports false when the session is unknown or owned by another
// user.
func (s *Store) TouchSession(sessionID, userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions.get(sessionID)
	if !ok || e.owner != userID {
		return false
	}
	e.lastActivity = time.Now()
	return true
}

// Get returns a snapshot of a pending interaction.
func (s *Store) Get(id uuid.UUID) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.byID[id]
	if !ok {
		return Snapshot{}, false
	}
	return in.snapshot(), true
}

// GetForSessions returns snapshots of pending interactions for the given
// sessions, optionally filtered by kind. Read-only.
func (s *Store) GetForSessions(sessionIDs []string, kinds ...Kind) []Snapshot {
	kindSet := make(map[Kind]struct{}, len(kinds))
	for _, k := range kinds {
		kindSet[k] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Snapshot
	for _, sessionID := range sessionIDs {
		sess, ok := s.sessions.get(sessionID)
		if !ok {
			continue
		}
		for id := range sess.ids {
			in, ok := s.byID[id]
			if !ok {
				continue
			}
			if len(kindSet) > 0 {
				if _, want := kindSet[in.Kind]; !want {
					continue
				}
			}
			out = append(out, in.snapshot())
		}
	}
	return out
}

// SessionOwner exposes the recorded owner of a session. The authoritative
// ownership verifier lives in the auth layer; this is the store's local
// view used for resolve authorization.
func (s *Store) SessionOwner(sessionID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions.ownerOf(sessionID)
}

// PendingCount reports the number of pending interactions.
func (s *Store) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// SessionCount reports the number of live sessions in the index.
func (s *Store) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions.len()
}

// Sweep evicts every session whose TTL elapsed at now. Returns the number
// of sessions evicted.
func (s *Store) Sweep(now time.Time) int {
	s.mu.Lock()
	expired := s.sessions.expired(now)
	s.mu.Unlock()

	// Eviction is per session so no global lock spans the whole sweep.
	for _, sessionID := range expired {
		s.EvictSession(sessionID)
	}
	return len(expired)
}

// RunSweeper runs the stale-session sweeper until ctx is done.
func (s *Store) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	logger.Info("Session sweeper started (interval=%s ttl=%s)", s.cfg.SweepInterval, s.cfg.SessionTTL)
	for {
		select {
		case <-ctx.Done():
			logger.Info("Session sweeper stopped")
			return
		case now := <-ticker.C:
			if n := s.Sweep(now); n > 0 {
				logger.Info("Sweeper evicted %d stale sessions", n)
			}
		}
	}
}

// Shutdown rejects every pending interaction with SHUTDOWN and refuses
// further creates.
func (s *Store) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	var events []terminalEvent
	for _, in := range s.byID {
		s.detachLocked(in)
		in.Status = StatusRejected
		in.DecidedAt = time.Now()
		s.queueLocked(Event{Type: EventRejected, Snapshot: in.snapshot()})
		events = append(events, terminalEvent{
			in:      in,
			outcome: Outcome{Err: NewError(CodeShutdown, "broker shutting down")},
		})
	}
	s.mu.Unlock()

	s.deliver(events)
	logger.Info("Interaction store shut down (%d pending rejected)", len(events))
}
