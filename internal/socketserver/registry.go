package socketserver

import (
	"context"
	"sync"
	"time"

	"github.com/codefionn/interactd/internal/config"
	"github.com/codefionn/interactd/internal/interaction"
	"github.com/codefionn/interactd/internal/logger"
)

// Registry tracks every connected subscriber and runs the heartbeat reaper.
type Registry struct {
	mu                 sync.Mutex
	cfg                *config.Config
	subs               map[string]*Subscriber
	totalSubscriptions int

	// onLost is invoked after a subscriber is removed so undelivered
	// interactions can be rerouted.
	onLost func(*Subscriber)
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg *config.Config) *Registry {
	return &Registry{
		cfg:  cfg,
		subs: make(map[string]*Subscriber),
	}
}

// SetLostHandler installs the subscriber-lost callback. Must be called
// before traffic starts.
func (r *Registry) SetLostHandler(h func(*Subscriber)) {
	r.mu.Lock()
	r.onLost = h
	r.mu.Unlock()
}

// Add registers a subscriber. Fails with LIMIT_EXCEEDED at capacity.
func (r *Registry) Add(s *Subscriber) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.subs) >= r.cfg.MaxSubscribers {
		return interaction.NewError(interaction.CodeLimitExceeded,
			"subscriber limit of %d reached", r.cfg.MaxSubscribers)
	}
	r.subs[s.ID] = s
	logger.Info("Subscriber %s connected (user=%s total=%d)", s.ID, s.UserID, len(r.subs))
	return nil
}

// Remove unregisters a subscriber and fires the lost callback when it held
// undelivered interactions.
func (r *Registry) Remove(s *Subscriber) {
	r.mu.Lock()
	_, present := r.subs[s.ID]
	if present {
		delete(r.subs, s.ID)
		r.totalSubscriptions -= s.AuthorizedCount()
		if r.totalSubscriptions < 0 {
			r.totalSubscriptions = 0
		}
	}
	onLost := r.onLost
	r.mu.Unlock()

	if present {
		logger.Info("Subscriber %s disconnected (user=%s)", s.ID, s.UserID)
		if onLost != nil {
			onLost(s)
		}
	}
}

// Authorize adds sessionID to the subscriber's authorized set, enforcing the
// per-subscriber subscription limit. Idempotent for already-authorized
// sessions.
func (r *Registry) Authorize(s *Subscriber, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.IsAuthorized(sessionID) {
		return nil
	}
	if s.AuthorizedCount() >= r.cfg.MaxSubscriptionsPerSubscriber {
		return interaction.NewError(interaction.CodeLimitExceeded,
			"subscriber %s already holds %d session subscriptions", s.ID, s.AuthorizedCount())
	}
	if r.totalSubscriptions >= r.cfg.MaxSubscribers {
		return interaction.NewError(interaction.CodeLimitExceeded,
			"server-wide subscription limit of %d reached", r.cfg.MaxSubscribers)
	}
	if s.Authorize(sessionID) {
		r.totalSubscriptions++
	}
	return nil
}

// Deauthorize revokes a subscriber's session authorization, typically after
// the ownership verifier stops vouching for it.
func (r *Registry) Deauthorize(s *Subscriber, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.Deauthorize(sessionID) {
		r.totalSubscriptions--
	}
}

// ForSession returns the connected subscribers authorized for the session.
func (r *Registry) ForSession(sessionID string) []*Subscriber {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Subscriber
	for _, s := range r.subs {
		if s.IsAuthorized(sessionID) {
			out = append(out, s)
		}
	}
	return out
}

// ForUser returns the connected subscribers authenticated as userID. Used
// for session-less interactions, which fan out by owner instead of session.
func (r *Registry) ForUser(userID string) []*Subscriber {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Subscriber
	for _, s := range r.subs {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out
}

// Count reports the number of connected subscribers.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// SubscriptionCount reports the server-wide number of session subscriptions.
func (r *Registry) SubscriptionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totalSubscriptions
}

func (r *Registry) snapshot() []*Subscriber {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Subscriber, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, s)
	}
	return out
}

// RunHeartbeat pings every subscriber each interval and reaps the ones that
// did not answer within the previous interval. Pings travel as JSON text
// frames so browser clients can observe and answer them.
func (r *Registry) RunHeartbeat(ctx context.Context, nextSeq func() uint64) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval())
	defer ticker.Stop()

	logger.Info("Heartbeat started (interval=%s)", r.cfg.HeartbeatInterval())
	for {
		select {
		case <-ctx.Done():
			logger.Info("Heartbeat stopped")
			return
		case <-ticker.C:
			for _, s := range r.snapshot() {
				if !s.heartbeatTick() {
					logger.Warn("Subscriber %s missed heartbeat, closing (last seen %s)",
						s.ID, s.LastSeen().Format(time.RFC3339))
					s.Stop()
					continue
				}
				s.Enqueue(NewPing(nextSeq()))
			}
		}
	}
}

// Shutdown stops every connected subscriber.
func (r *Registry) Shutdown() {
	for _, s := range r.snapshot() {
		s.Stop()
	}
	logger.Info("Subscriber registry shut down")
}
