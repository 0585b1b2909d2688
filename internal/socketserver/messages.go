package socketserver

import (
	"encoding/json"
	"time"

	"github.com/codefionn/interactd/internal/auth"
	"github.com/codefionn/interactd/internal/interaction"
)

// Message type constants — the wire envelope grammar. One UTF-8 JSON
// message per frame.
const (
	// Outbound server -> client
	MessageTypeInteractionRequest = "interaction-request"
	MessageTypeInteractionUpdate  = "interaction-update"
	MessageTypeSyncResponse       = "interaction-sync-response"
	MessageTypeError              = "error"
	MessageTypePing               = "ping"
	MessageTypePong               = "pong"

	// Inbound client -> server
	MessageTypeSubscribe   = "subscribe"
	MessageTypeSyncRequest = "interaction-sync-request"
	MessageTypeResponse    = "interaction-response"
)

// Envelope is the discriminated union for every frame in both directions.
// Which fields are populated depends on Type; ValidateInbound enforces the
// per-type contracts before any state is touched.
type Envelope struct {
	Type           string `json:"type"`
	SequenceNumber uint64 `json:"sequenceNumber,omitempty"`

	// interaction-request / entries mirror interaction.Snapshot
	ID              string                `json:"id,omitempty"`
	InteractionType interaction.Kind      `json:"interactionType,omitempty"`
	SessionID       string                `json:"sessionId,omitempty"`
	Data            interface{}           `json:"data,omitempty"`
	Metadata        *interaction.Metadata `json:"metadata,omitempty"`
	RequestedAt     *time.Time            `json:"requestedAt,omitempty"`

	// interaction-update / error / interaction-response
	InteractionID string             `json:"interactionId,omitempty"`
	Status        interaction.Status `json:"status,omitempty"`

	// subscribe / interaction-sync-request
	SessionIDs []string `json:"sessionIds,omitempty"`

	// interaction-sync-response
	Interactions []interaction.Snapshot `json:"interactions,omitempty"`

	// interaction-response
	Response  json.RawMessage `json:"response,omitempty"`
	Nonce     string          `json:"nonce,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// NewInteractionRequest builds the fan-out envelope for a freshly created
// interaction.
func NewInteractionRequest(seq uint64, snap interaction.Snapshot) *Envelope {
	requestedAt := snap.RequestedAt
	md := snap.Metadata
	return &Envelope{
		Type:            MessageTypeInteractionRequest,
		SequenceNumber:  seq,
		ID:              snap.ID.String(),
		InteractionType: snap.Kind,
		SessionID:       snap.SessionID,
		Data:            snap.Data,
		Metadata:        &md,
		RequestedAt:     &requestedAt,
	}
}

// NewInteractionUpdate builds the terminal-status envelope for an
// interaction. Exactly one terminal update is ever sent per interaction.
func NewInteractionUpdate(seq uint64, interactionID string, status interaction.Status) *Envelope {
	return &Envelope{
		Type:           MessageTypeInteractionUpdate,
		SequenceNumber: seq,
		InteractionID:  interactionID,
		Status:         status,
	}
}

// NewSyncResponse builds the reply to subscribe / interaction-sync-request
// carrying the current pending interactions for the authorized sessions.
func NewSyncResponse(seq uint64, snaps []interaction.Snapshot) *Envelope {
	if snaps == nil {
		snaps = []interaction.Snapshot{}
	}
	return &Envelope{
		Type:           MessageTypeSyncResponse,
		SequenceNumber: seq,
		Interactions:   snaps,
	}
}

// NewErrorEnvelope builds a typed error reply.
func NewErrorEnvelope(interactionID string, code interaction.Code, message string) *Envelope {
	return &Envelope{
		Type:          MessageTypeError,
		InteractionID: interactionID,
		Code:          string(code),
		Message:       message,
	}
}

// NewPing builds the heartbeat envelope. Sent as a text frame so browser
// clients, which cannot observe control frames, can answer.
func NewPing(seq uint64) *Envelope {
	return &Envelope{Type: MessageTypePing, SequenceNumber: seq}
}

// DecodeInbound parses and validates a raw inbound frame. The frame size
// must already have been checked against the configured maximum.
func DecodeInbound(data []byte) (*Envelope, *interaction.Error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, interaction.NewError(interaction.CodeSchema, "malformed frame: %v", err)
	}
	if err := env.ValidateInbound(); err != nil {
		return nil, err
	}
	return &env, nil
}

// ValidateInbound enforces the required fields per inbound message type.
func (e *Envelope) ValidateInbound() *interaction.Error {
	switch e.Type {
	case MessageTypeSubscribe, MessageTypeSyncRequest:
		if len(e.SessionIDs) == 0 {
			return interaction.NewError(interaction.CodeSchema, "%s requires sessionIds", e.Type)
		}
		for _, id := range e.SessionIDs {
			if !auth.ValidSessionID(id) {
				return interaction.NewError(interaction.CodeSchema, "sessionId %q is not a canonical UUIDv4", id)
			}
		}
	case MessageTypeResponse:
		if e.InteractionID == "" {
			return interaction.NewError(interaction.CodeSchema, "interaction-response requires interactionId")
		}
		if len(e.Response) == 0 {
			return interaction.NewError(interaction.CodeSchema, "interaction-response requires response")
		}
		if e.Nonce == "" {
			return interaction.NewError(interaction.CodeSchema, "interaction-response requires nonce")
		}
		if e.Timestamp == 0 {
			return interaction.NewError(interaction.CodeSchema, "interaction-response requires timestamp")
		}
	case MessageTypePing, MessageTypePong:
		// heartbeat, no payload
	default:
		return interaction.NewError(interaction.CodeSchema, "unknown message type %q", e.Type)
	}
	return nil
}
