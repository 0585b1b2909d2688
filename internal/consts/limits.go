package consts

import "time"

// Session lifecycle defaults
const (
	// DefaultSessionTTL is how long a session survives without activity
	DefaultSessionTTL = 15 * time.Minute
	// DefaultSweepInterval is the cadence of the stale-session sweeper
	DefaultSweepInterval = 5 * time.Minute
	// DefaultMaxSessions bounds the session index (LRU dispose on overflow)
	DefaultMaxSessions = 1000
	// DefaultMaxInteractionsPerSession bounds pending interactions per session
	DefaultMaxInteractionsPerSession = 100
)

// Interaction timeout defaults per kind
const (
	// DefaultPermissionTimeout is the timeout for permission interactions
	DefaultPermissionTimeout = 30 * time.Second
	// DefaultPlanApprovalTimeout is the timeout for plan-approval interactions
	DefaultPlanApprovalTimeout = 5 * time.Minute
	// DefaultAskUserTimeout is the timeout for ask-user interactions
	DefaultAskUserTimeout = 5 * time.Minute
)

// Subscriber connection defaults
const (
	// DefaultHeartbeatInterval is the ping cadence; subscribers that miss a
	// full interval are reaped on the next tick
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultMaxSubscribers is the server-wide connection cap
	DefaultMaxSubscribers = 10000
	// DefaultMaxSubscriptionsPerSubscriber caps a subscriber's authorized set
	DefaultMaxSubscriptionsPerSubscriber = 50
	// DefaultMaxQueuePerSubscriber bounds the outbound queue (drop-oldest)
	DefaultMaxQueuePerSubscriber = 100
	// DefaultSubscribeRatePerMinute caps subscribe/sync requests per minute
	DefaultSubscribeRatePerMinute = 100
)

// Wire protocol defaults
const (
	// DefaultMaxFrameBytes is the largest accepted inbound frame (1 MiB)
	DefaultMaxFrameBytes = 1024 * 1024
	// DefaultNonceCacheSize bounds the per-subscriber seen-nonce LRU
	DefaultNonceCacheSize = 1000
	// DefaultNonceWindow is the accepted clock skew on response timestamps
	DefaultNonceWindow = 60 * time.Second
)

// Transport timing
const (
	// WriteWait is the time allowed to write one frame to the peer
	WriteWait = 10 * time.Second
)
