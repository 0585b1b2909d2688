package socketserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/interactd/internal/broker"
	"github.com/codefionn/interactd/internal/config"
	"github.com/codefionn/interactd/internal/interaction"
)

func startTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *fixture) {
	t.Helper()
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Listen = "127.0.0.1:0"
		if mutate != nil {
			mutate(cfg)
		}
	})
	server := NewServer(f.cfg, f.store, f.registry, f.router, broker.New(f.store), HeaderAuthenticator("X-User-Id"))
	require.NoError(t, server.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = server.Stop(ctx)
	})
	return server, f
}

func dial(t *testing.T, server *Server, userID string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("X-User-Id", userID)
	conn, resp, err := websocket.DefaultDialer.Dial("ws://"+server.Addr()+"/ws", header)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) *Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return &env
}

func writeEnvelope(t *testing.T, conn *websocket.Conn, env *Envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func TestUpgradeRequiresIdentity(t *testing.T) {
	server, _ := startTestServer(t, nil)

	_, resp, err := websocket.DefaultDialer.Dial("ws://"+server.Addr()+"/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestEndToEndResolveFlow(t *testing.T) {
	server, f := startTestServer(t, nil)
	f.sessions.Register(testSessionID, testUserID)

	conn := dial(t, server, testUserID)

	writeEnvelope(t, conn, &Envelope{Type: MessageTypeSubscribe, SessionIDs: []string{testSessionID}})
	sync := readEnvelope(t, conn)
	require.Equal(t, MessageTypeSyncResponse, sync.Type)
	assert.Empty(t, sync.Interactions)

	id, future, err := f.store.Create(interaction.KindPermission, testSessionID, testUserID,
		&interaction.PermissionPayload{ToolName: "Bash", ToolInput: map[string]interface{}{"command": "ls"}},
		interaction.Metadata{RiskLevel: "high", Category: "execution"})
	require.NoError(t, err)

	request := readEnvelope(t, conn)
	require.Equal(t, MessageTypeInteractionRequest, request.Type)
	assert.Equal(t, id.String(), request.ID)
	assert.Equal(t, interaction.KindPermission, request.InteractionType)
	assert.Equal(t, testSessionID, request.SessionID)
	require.NotNil(t, request.Metadata)
	assert.Equal(t, "high", request.Metadata.RiskLevel)

	writeEnvelope(t, conn, &Envelope{
		Type:          MessageTypeResponse,
		InteractionID: id.String(),
		Response:      json.RawMessage(`{"decision":"allow"}`),
		Nonce:         "e2e-nonce",
		Timestamp:     time.Now().Unix(),
	})

	update := readEnvelope(t, conn)
	require.Equal(t, MessageTypeInteractionUpdate, update.Type)
	assert.Equal(t, id.String(), update.InteractionID)
	assert.Equal(t, interaction.StatusResolved, update.Status)

	select {
	case out := <-future:
		require.NoError(t, out.Err)
		assert.Equal(t, interaction.DecisionAllow,
			out.Response.(*interaction.PermissionResponse).Decision)
	case <-time.After(time.Second):
		t.Fatal("future not signaled")
	}
}

func TestOversizedFrameRejectedButConnectionSurvives(t *testing.T) {
	server, _ := startTestServer(t, func(cfg *config.Config) { cfg.MaxFrameBytes = 256 })

	conn := dial(t, server, testUserID)

	big := make([]byte, 300)
	for i := range big {
		big[i] = 'x'
	}
	padded, err := json.Marshal(&Envelope{Type: MessageTypePing, Message: string(big)})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, padded))

	env := readEnvelope(t, conn)
	require.Equal(t, MessageTypeError, env.Type)
	assert.Equal(t, string(interaction.CodeFrameTooLarge), env.Code)

	// The connection still works afterwards.
	writeEnvelope(t, conn, &Envelope{Type: MessageTypePing})
	assert.Equal(t, MessageTypePong, readEnvelope(t, conn).Type)
}

func TestFrameAtLimitAccepted(t *testing.T) {
	const limit = 256
	server, _ := startTestServer(t, func(cfg *config.Config) { cfg.MaxFrameBytes = limit })

	conn := dial(t, server, testUserID)

	// Pad the ping to exactly the limit; each padding byte adds one byte of
	// JSON, so one resize lands on the boundary.
	frame := func(n int) []byte {
		data, err := json.Marshal(&Envelope{Type: MessageTypePing, Message: strings.Repeat("x", n)})
		require.NoError(t, err)
		return data
	}
	pad := 1
	pad += limit - len(frame(pad))
	data := frame(pad)
	require.Len(t, data, limit)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
	assert.Equal(t, MessageTypePong, readEnvelope(t, conn).Type)
}

func TestHealthzAndStats(t *testing.T) {
	server, f := startTestServer(t, nil)
	f.sessions.Register(testSessionID, testUserID)

	resp, err := http.Get("http://" + server.Addr() + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	conn := dial(t, server, testUserID)
	writeEnvelope(t, conn, &Envelope{Type: MessageTypeSubscribe, SessionIDs: []string{testSessionID}})
	readEnvelope(t, conn)

	_, _, err = f.store.Create(interaction.KindPermission, testSessionID, testUserID,
		&interaction.PermissionPayload{ToolName: "Bash"}, interaction.Metadata{})
	require.NoError(t, err)

	statsResp, err := http.Get("http://" + server.Addr() + "/stats")
	require.NoError(t, err)
	defer statsResp.Body.Close()

	var stats struct {
		Subscribers          int `json:"subscribers"`
		SessionSubscriptions int `json:"sessionSubscriptions"`
		Sessions             int `json:"sessions"`
		PendingInteractions  int `json:"pendingInteractions"`
	}
	require.NoError(t, json.NewDecoder(statsResp.Body).Decode(&stats))
	assert.Equal(t, 1, stats.Subscribers)
	assert.Equal(t, 1, stats.SessionSubscriptions)
	assert.Equal(t, 1, stats.Sessions)
	assert.Equal(t, 1, stats.PendingInteractions)
}

func TestSubscriberLimitClosesConnection(t *testing.T) {
	server, f := startTestServer(t, func(cfg *config.Config) { cfg.MaxSubscribers = 1 })
	// Occupy the single slot without a socket.
	require.NoError(t, f.registry.Add(NewSubscriber(nil, "occupant", f.cfg)))

	header := http.Header{}
	header.Set("X-User-Id", testUserID)
	conn, resp, err := websocket.DefaultDialer.Dial("ws://"+server.Addr()+"/ws", header)
	require.NoError(t, err, "the upgrade itself succeeds; the close follows")
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseTryAgainLater))
}
