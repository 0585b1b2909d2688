package socketserver

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/codefionn/interactd/internal/config"
	"github.com/codefionn/interactd/internal/consts"
	"github.com/codefionn/interactd/internal/interaction"
	"github.com/codefionn/interactd/internal/logger"
)

// Subscriber is one connected client endpoint: authenticated identity, the
// authorized-session set, a bounded outbound queue, heartbeat state and the
// seen-nonce cache.
type Subscriber struct {
	ID     string
	UserID string

	conn  *websocket.Conn
	queue *outQueue
	cfg   *config.Config

	mu          sync.Mutex
	authorized  map[string]struct{}
	pending     map[uuid.UUID]struct{}
	alive       bool
	lastSeen    time.Time
	windowStart time.Time
	windowCount int

	// Nonces are fingerprinted so cache memory stays bounded regardless of
	// what the client sends as a nonce.
	nonces *lru.Cache[uint64, struct{}]

	stopOnce sync.Once
	stopChan chan struct{}
	onStop   func(*Subscriber)
}

// NewSubscriber wraps an accepted connection. conn may be nil in tests;
// pumps are only started via start().
func NewSubscriber(conn *websocket.Conn, userID string, cfg *config.Config) *Subscriber {
	nonces, err := lru.New[uint64, struct{}](cfg.NonceCacheSize)
	if err != nil {
		panic(err)
	}
	return &Subscriber{
		ID:         uuid.New().String(),
		UserID:     userID,
		conn:       conn,
		queue:      newOutQueue(cfg.MaxQueuePerSubscriber),
		cfg:        cfg,
		authorized: make(map[string]struct{}),
		pending:    make(map[uuid.UUID]struct{}),
		alive:      true,
		lastSeen:   time.Now(),
		nonces:     nonces,
		stopChan:   make(chan struct{}),
	}
}

// start launches the read and write pumps.
func (s *Subscriber) start(router *Router) {
	go s.readPump(router)
	go s.writePump()
}

// Stop tears the subscriber down exactly once.
func (s *Subscriber) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		if s.conn != nil {
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			s.conn.Close()
		}
		if s.onStop != nil {
			s.onStop(s)
		}
		logger.Info("Subscriber %s stopped (dropped=%d)", s.ID, s.queue.droppedCount())
	})
}

// Enqueue serializes the envelope onto the outbound queue.
func (s *Subscriber) Enqueue(env *Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		logger.Error("Failed to marshal envelope for subscriber %s: %v", s.ID, err)
		return
	}
	if s.queue.push(data) {
		logger.Warn("Outbound queue full for subscriber %s, dropped oldest frame", s.ID)
	}
}

// SendError enqueues a typed error envelope.
func (s *Subscriber) SendError(interactionID string, err error) {
	var e *interaction.Error
	if !errors.As(err, &e) {
		e = interaction.NewError(interaction.CodeInternal, "%v", err)
	}
	s.Enqueue(NewErrorEnvelope(interactionID, e.Code, e.Message))
}

func (s *Subscriber) readPump(router *Router) {
	defer s.Stop()

	// Hard kill well above the soft cap so an oversized frame can still be
	// answered with FRAME_TOO_LARGE instead of a bare close.
	s.conn.SetReadLimit(s.cfg.MaxFrameBytes * 2)
	readWait := 2*s.cfg.HeartbeatInterval() + consts.WriteWait
	_ = s.conn.SetReadDeadline(time.Now().Add(readWait))

	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Error("Subscriber %s read error: %v", s.ID, err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(readWait))
		s.MarkAlive()

		if int64(len(message)) > s.cfg.MaxFrameBytes {
			s.SendError("", interaction.NewError(interaction.CodeFrameTooLarge,
				"frame of %d bytes exceeds limit of %d", len(message), s.cfg.MaxFrameBytes))
			continue
		}

		router.HandleInbound(s, message)
	}
}

func (s *Subscriber) writePump() {
	defer s.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-s.queue.notify:
			for {
				frame, ok := s.queue.pop()
				if !ok {
					break
				}
				_ = s.conn.SetWriteDeadline(time.Now().Add(consts.WriteWait))
				if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
					logger.Error("Subscriber %s write error: %v", s.ID, err)
					return
				}
			}
		}
	}
}

// Authorize adds a session to the authorized set. Idempotent; reports
// whether the session was newly added.
func (s *Subscriber) Authorize(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.authorized[sessionID]; ok {
		return false
	}
	s.authorized[sessionID] = struct{}{}
	return true
}

// Deauthorize removes a session from the authorized set.
func (s *Subscriber) Deauthorize(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.authorized[sessionID]; !ok {
		return false
	}
	delete(s.authorized, sessionID)
	return true
}

// IsAuthorized reports whether the subscriber may observe the session.
func (s *Subscriber) IsAuthorized(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.authorized[sessionID]
	return ok
}

// AuthorizedCount returns the size of the authorized set.
func (s *Subscriber) AuthorizedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.authorized)
}

// TrackPending records that this subscriber was told about an interaction.
func (s *Subscriber) TrackPending(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[id] = struct{}{}
}

// UntrackPending forgets a delivered interaction.
func (s *Subscriber) UntrackPending(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
}

// TakePending drains and returns the pending-delivery set; used when the
// subscriber is lost.
func (s *Subscriber) TakePending() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uuid.UUID, 0, len(s.pending))
	for id := range s.pending {
		out = append(out, id)
	}
	s.pending = make(map[uuid.UUID]struct{})
	return out
}

// HasPending reports whether the interaction was already delivered here.
func (s *Subscriber) HasPending(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[id]
	return ok
}

// SeenNonce records a nonce and reports whether it was already seen.
func (s *Subscriber) SeenNonce(nonce string) bool {
	key := xxhash.Sum64String(nonce)
	if _, seen := s.nonces.Get(key); seen {
		return true
	}
	s.nonces.Add(key, struct{}{})
	return false
}

// AllowSubscribeRequest applies the per-minute subscribe rate limit.
func (s *Subscriber) AllowSubscribeRequest() bool {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.Sub(s.windowStart) >= time.Minute {
		s.windowStart = now
		s.windowCount = 0
	}
	if s.windowCount >= s.cfg.SubscribeRatePerMinute {
		return false
	}
	s.windowCount++
	return true
}

// MarkAlive refreshes heartbeat liveness.
func (s *Subscriber) MarkAlive() {
	s.mu.Lock()
	s.alive = true
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// heartbeatTick clears the liveness flag and reports its previous value.
// A subscriber that stayed false across a full interval is dead.
func (s *Subscriber) heartbeatTick() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.alive
	s.alive = false
	return was
}

// LastSeen reports the last inbound activity.
func (s *Subscriber) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// QueueLen exposes the outbound queue depth.
func (s *Subscriber) QueueLen() int {
	return s.queue.len()
}
