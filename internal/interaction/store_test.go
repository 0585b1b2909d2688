package interaction

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSessionID  = "aaaaaaaa-aaaa-4aaa-8aaa-aaaaaaaaaaaa"
	testSessionID2 = "bbbbbbbb-bbbb-4bbb-8bbb-bbbbbbbbbbbb"
	testSessionID3 = "cccccccc-cccc-4ccc-8ccc-cccccccccccc"
	testUserID     = "user-1"
)

func testStoreConfig() StoreConfig {
	return StoreConfig{
		MaxPerSession: 10,
		MaxSessions:   100,
		SessionTTL:    time.Minute,
		SweepInterval: time.Minute,
		Timeouts: Timeouts{
			Permission:   time.Minute,
			PlanApproval: time.Minute,
			AskUser:      time.Minute,
		},
	}
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) handle(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func (r *eventRecorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func awaitOutcome(t *testing.T, f Future) Outcome {
	t.Helper()
	select {
	case out := <-f:
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("future not signaled in time")
		return Outcome{}
	}
}

func TestCreateAndResolve(t *testing.T) {
	store := NewStore(testStoreConfig())
	rec := &eventRecorder{}
	store.SetEventHandler(rec.handle)

	id, future, err := store.Create(KindPermission, testSessionID, testUserID,
		&PermissionPayload{ToolName: "Bash"}, Metadata{})
	require.NoError(t, err)
	assert.Equal(t, 1, store.PendingCount())

	err = store.Resolve(id, &PermissionResponse{Decision: DecisionAllow}, testUserID)
	require.NoError(t, err)

	out := awaitOutcome(t, future)
	require.NoError(t, out.Err)
	resp, ok := out.Response.(*PermissionResponse)
	require.True(t, ok)
	assert.Equal(t, DecisionAllow, resp.Decision)

	assert.Equal(t, 0, store.PendingCount())
	assert.Equal(t, []EventType{EventCreated, EventResolved}, rec.types())
}

func TestResolveTwiceFails(t *testing.T) {
	store := NewStore(testStoreConfig())

	id, future, err := store.Create(KindPermission, testSessionID, testUserID,
		&PermissionPayload{ToolName: "Bash"}, Metadata{})
	require.NoError(t, err)

	require.NoError(t, store.Resolve(id, &PermissionResponse{Decision: DecisionAllow}, testUserID))
	awaitOutcome(t, future)

	err = store.Resolve(id, &PermissionResponse{Decision: DecisionDeny}, testUserID)
	assert.True(t, IsCode(err, CodeNotFound))
}

func TestConcurrentResolveExactlyOnce(t *testing.T) {
	store := NewStore(testStoreConfig())

	id, future, err := store.Create(KindPermission, testSessionID, testUserID,
		&PermissionPayload{ToolName: "Bash"}, Metadata{})
	require.NoError(t, err)

	const racers = 16
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = store.Resolve(id, &PermissionResponse{Decision: DecisionAllow}, testUserID)
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			assert.True(t, IsCode(err, CodeNotFound))
		}
	}
	assert.Equal(t, 1, winners)

	out := awaitOutcome(t, future)
	require.NoError(t, out.Err)

	// The one-shot future never fires twice.
	select {
	case out, open := <-future:
		if open {
			t.Fatalf("future fired a second time: %+v", out)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestResolveUnauthorized(t *testing.T) {
	store := NewStore(testStoreConfig())

	id, future, err := store.Create(KindPermission, testSessionID, testUserID,
		&PermissionPayload{ToolName: "Bash"}, Metadata{})
	require.NoError(t, err)

	err = store.Resolve(id, &PermissionResponse{Decision: DecisionAllow}, "intruder")
	assert.True(t, IsCode(err, CodeUnauthorized))
	assert.Equal(t, 1, store.PendingCount(), "failed authorization must not consume the interaction")

	require.NoError(t, store.Resolve(id, &PermissionResponse{Decision: DecisionAllow}, testUserID))
	out := awaitOutcome(t, future)
	require.NoError(t, out.Err)
}

func TestTimeout(t *testing.T) {
	cfg := testStoreConfig()
	cfg.Timeouts.Permission = 20 * time.Millisecond
	store := NewStore(cfg)
	rec := &eventRecorder{}
	store.SetEventHandler(rec.handle)

	_, future, err := store.Create(KindPermission, testSessionID, testUserID,
		&PermissionPayload{ToolName: "Bash"}, Metadata{})
	require.NoError(t, err)

	out := awaitOutcome(t, future)
	assert.True(t, IsCode(out.Err, CodeTimeout))
	assert.Equal(t, 0, store.PendingCount())
	assert.Equal(t, []EventType{EventCreated, EventTimedOut}, rec.types())
}

func TestSessionQuota(t *testing.T) {
	cfg := testStoreConfig()
	cfg.MaxPerSession = 2
	store := NewStore(cfg)

	for i := 0; i < 2; i++ {
		_, _, err := store.Create(KindPermission, testSessionID, testUserID,
			&PermissionPayload{ToolName: "Bash"}, Metadata{})
		require.NoError(t, err)
	}

	_, _, err := store.Create(KindPermission, testSessionID, testUserID,
		&PermissionPayload{ToolName: "Bash"}, Metadata{})
	assert.True(t, IsCode(err, CodeQuotaExceeded))
}

func TestSessionOwnerImmutable(t *testing.T) {
	store := NewStore(testStoreConfig())

	_, _, err := store.Create(KindPermission, testSessionID, testUserID,
		&PermissionPayload{ToolName: "Bash"}, Metadata{})
	require.NoError(t, err)

	_, _, err = store.Create(KindPermission, testSessionID, "user-2",
		&PermissionPayload{ToolName: "Bash"}, Metadata{})
	assert.True(t, IsCode(err, CodeSessionMismatch))
}

func TestSessionCapacityEviction(t *testing.T) {
	cfg := testStoreConfig()
	cfg.MaxSessions = 2
	store := NewStore(cfg)

	_, first, err := store.Create(KindPermission, testSessionID, testUserID,
		&PermissionPayload{ToolName: "Bash"}, Metadata{})
	require.NoError(t, err)
	_, _, err = store.Create(KindPermission, testSessionID2, testUserID,
		&PermissionPayload{ToolName: "Bash"}, Metadata{})
	require.NoError(t, err)

	// Third session overflows the index; the least recently used session's
	// pending interaction is rejected.
	_, _, err = store.Create(KindPermission, testSessionID3, testUserID,
		&PermissionPayload{ToolName: "Bash"}, Metadata{})
	require.NoError(t, err)

	out := awaitOutcome(t, first)
	assert.True(t, IsCode(out.Err, CodeSessionEvicted))
	assert.Equal(t, 2, store.SessionCount())
}

func TestSweepEvictsStaleSessions(t *testing.T) {
	cfg := testStoreConfig()
	cfg.SessionTTL = 10 * time.Millisecond
	store := NewStore(cfg)

	_, future, err := store.Create(KindPermission, testSessionID, testUserID,
		&PermissionPayload{ToolName: "Bash"}, Metadata{})
	require.NoError(t, err)

	assert.Equal(t, 0, store.Sweep(time.Now()), "fresh session must survive the sweep")

	evicted := store.Sweep(time.Now().Add(time.Second))
	assert.Equal(t, 1, evicted)

	out := awaitOutcome(t, future)
	assert.True(t, IsCode(out.Err, CodeSessionEvicted))
	assert.Equal(t, 0, store.SessionCount())
}

func TestTouchSessionExtendsTTL(t *testing.T) {
	cfg := testStoreConfig()
	cfg.SessionTTL = 50 * time.Millisecond
	store := NewStore(cfg)

	_, _, err := store.Create(KindPermission, testSessionID, testUserID,
		&PermissionPayload{ToolName: "Bash"}, Metadata{})
	require.NoError(t, err)

	assert.False(t, store.TouchSession(testSessionID, "intruder"))
	assert.True(t, store.TouchSession(testSessionID, testUserID))

	assert.Equal(t, 0, store.Sweep(time.Now().Add(40*time.Millisecond)))
}

func TestShutdownRejectsPending(t *testing.T) {
	store := NewStore(testStoreConfig())

	_, future, err := store.Create(KindPermission, testSessionID, testUserID,
		&PermissionPayload{ToolName: "Bash"}, Metadata{})
	require.NoError(t, err)

	store.Shutdown()

	out := awaitOutcome(t, future)
	assert.True(t, IsCode(out.Err, CodeShutdown))

	_, _, err = store.Create(KindPermission, testSessionID, testUserID,
		&PermissionPayload{ToolName: "Bash"}, Metadata{})
	assert.True(t, IsCode(err, CodeShutdown))
}

func TestPlanRejectKeepsStructuredResponse(t *testing.T) {
	store := NewStore(testStoreConfig())
	rec := &eventRecorder{}
	store.SetEventHandler(rec.handle)

	id, future, err := store.Create(KindPlanApproval, testSessionID, testUserID,
		&PlanApprovalPayload{PlanMarkdown: "# plan"}, Metadata{})
	require.NoError(t, err)

	require.NoError(t, store.Resolve(id,
		&PlanApprovalResponse{PermissionMode: ModeReject, Feedback: "wrong direction"}, testUserID))

	out := awaitOutcome(t, future)
	require.NoError(t, out.Err, "a plan reject is a decision, not a failure")
	resp := out.Response.(*PlanApprovalResponse)
	assert.Equal(t, ModeReject, resp.PermissionMode)
	assert.Equal(t, "wrong direction", resp.Feedback)
	assert.Equal(t, []EventType{EventCreated, EventRejected}, rec.types())
}

func TestAskUserAnswerValidation(t *testing.T) {
	store := NewStore(testStoreConfig())

	payload := &AskUserPayload{Questions: []AskUserQuestion{
		{Question: "pick one", Options: []AskUserOption{{Label: "a"}, {Label: "b"}}},
		{Question: "pick many", MultiSelect: true, Options: []AskUserOption{{Label: "x"}, {Label: "y"}}},
	}}
	id, future, err := store.Create(KindAskUser, testSessionID, testUserID, payload, Metadata{})
	require.NoError(t, err)

	err = store.Resolve(id, &AskUserResponse{Answers: map[string]Answer{
		"0": {Value: "a"},
	}}, testUserID)
	assert.True(t, IsCode(err, CodeSchema), "missing answer must be refused")
	assert.Equal(t, 1, store.PendingCount())

	err = store.Resolve(id, &AskUserResponse{Answers: map[string]Answer{
		"0": {Value: "a"},
		"1": {Value: "x"},
	}}, testUserID)
	assert.True(t, IsCode(err, CodeSchema), "single answer to multi-select must be refused")

	require.NoError(t, store.Resolve(id, &AskUserResponse{Answers: map[string]Answer{
		"0": {Value: OtherAnswerPrefix + "free text"},
		"1": {Multi: true, Values: []string{"x", "y"}},
	}}, testUserID))

	out := awaitOutcome(t, future)
	require.NoError(t, out.Err)
}

func TestGetForSessions(t *testing.T) {
	store := NewStore(testStoreConfig())

	_, _, err := store.Create(KindPermission, testSessionID, testUserID,
		&PermissionPayload{ToolName: "Bash"}, Metadata{})
	require.NoError(t, err)
	_, _, err = store.Create(KindAskUser, testSessionID, testUserID,
		&AskUserPayload{Questions: []AskUserQuestion{{Question: "q"}}}, Metadata{})
	require.NoError(t, err)
	_, _, err = store.Create(KindPermission, testSessionID2, testUserID,
		&PermissionPayload{ToolName: "Edit"}, Metadata{})
	require.NoError(t, err)

	assert.Len(t, store.GetForSessions([]string{testSessionID}), 2)
	assert.Len(t, store.GetForSessions([]string{testSessionID, testSessionID2}), 3)
	assert.Len(t, store.GetForSessions([]string{testSessionID}, KindPermission), 1)
	assert.Empty(t, store.GetForSessions([]string{testSessionID3}))
}

func TestEvictSession(t *testing.T) {
	store := NewStore(testStoreConfig())

	id, future, err := store.Create(KindPermission, testSessionID, testUserID,
		&PermissionPayload{ToolName: "Bash"}, Metadata{})
	require.NoError(t, err)

	store.EvictSession(testSessionID)

	out := awaitOutcome(t, future)
	assert.True(t, IsCode(out.Err, CodeSessionEvicted))

	_, ok := store.Get(id)
	assert.False(t, ok)
}

func TestResolveRawDecodesByKind(t *testing.T) {
	store := NewStore(testStoreConfig())

	id, future, err := store.Create(KindPermission, testSessionID, testUserID,
		&PermissionPayload{ToolName: "Bash"}, Metadata{})
	require.NoError(t, err)

	err = store.ResolveRaw(id, []byte(`{"decision":"nonsense"}`), testUserID)
	assert.True(t, IsCode(err, CodeSchema))

	err = store.ResolveRaw(uuid.New(), []byte(`{"decision":"allow"}`), testUserID)
	assert.True(t, IsCode(err, CodeNotFound))

	require.NoError(t, store.ResolveRaw(id, []byte(`{"decision":"modify","updatedInput":{"path":"/tmp"}}`), testUserID))
	out := awaitOutcome(t, future)
	resp := out.Response.(*PermissionResponse)
	assert.Equal(t, DecisionModify, resp.Decision)
	assert.Equal(t, "/tmp", resp.UpdatedInput["path"])
}

// A terminal event must never reach the handler before the interaction's
// created event, even when the terminator wins the race to the lock right
// after the creating goroutine releases it.
func TestCreatedEventPrecedesTerminalUnderConcurrentShutdown(t *testing.T) {
	for i := 0; i < 200; i++ {
		store := NewStore(testStoreConfig())
		rec := &eventRecorder{}
		store.SetEventHandler(rec.handle)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _, _ = store.Create(KindPermission, testSessionID, testUserID,
				&PermissionPayload{ToolName: "Bash"}, Metadata{})
		}()
		go func() {
			defer wg.Done()
			store.Shutdown()
		}()
		wg.Wait()

		created := make(map[uuid.UUID]bool)
		for _, ev := range rec.all() {
			if ev.Type == EventCreated {
				created[ev.Snapshot.ID] = true
				continue
			}
			require.True(t, created[ev.Snapshot.ID],
				"terminal event for %s arrived before its created event", ev.Snapshot.ID)
		}
	}
}
