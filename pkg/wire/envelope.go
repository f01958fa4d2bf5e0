// Package wire defines the JSON envelope exchanged between clients and the
// delivery gateway. A single flat struct discriminated by Type keeps the
// schema greppable; constructors below build the server-emitted variants.
package wire

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

type Type string

const (
	// Client to server.
	TypeChatMessage   Type = "chat_message"
	TypeTypingStart   Type = "typing_start"
	TypeTypingStop    Type = "typing_stop"
	TypeStreamControl Type = "stream_control"
	TypeStreamRecover Type = "stream_recover"
	TypeSubscribe     Type = "subscribe"
	TypeUnsubscribe   Type = "unsubscribe"

	// Server to client. presence_update is also accepted inbound as the
	// client-reported idle signal (status away/online).
	TypePresenceUpdate Type = "presence_update"
	TypeStreamChunk    Type = "stream_chunk"
	TypeStreamResync   Type = "stream_resync"
	TypeQueuedMessage  Type = "queued_message"
	TypeError          Type = "error"

	// Bidirectional.
	TypeHeartbeat Type = "heartbeat"
)

// Stream control actions.
const (
	ActionPause  = "pause"
	ActionResume = "resume"
	ActionCancel = "cancel"
)

// Error codes carried in TypeError envelopes.
const (
	CodeBadRequest      = "bad_request"
	CodeSessionNotFound = "session_not_found"
	CodeSequenceGap     = "sequence_gap"
	CodeStreamFailed    = "stream_failed"
	CodeUnauthorized    = "unauthorized"
)

// Envelope is one wire frame. Fields are populated per Type; everything else
// stays zero and is omitted from the JSON.
type Envelope struct {
	Type Type `json:"type"`

	ConversationID string `json:"conversation_id,omitempty"`
	Content        string `json:"content,omitempty"`

	UserID string `json:"user_id,omitempty"`
	Status string `json:"status,omitempty"`

	SessionID        string  `json:"session_id,omitempty"`
	Sequence         uint64  `json:"sequence,omitempty"`
	IsFinal          bool    `json:"is_final,omitempty"`
	Action           string  `json:"action,omitempty"`
	LastSeenSequence *uint64 `json:"last_seen_sequence,omitempty"`

	// queued_message flush wrapper.
	MessageID  string          `json:"message_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt *time.Time      `json:"enqueued_at,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

var ErrMalformedEnvelope = errors.New("malformed envelope")

// Decode parses and validates an inbound client frame. Server-only types are
// rejected: a client echoing back a stream_chunk is a protocol violation.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, errors.Wrap(ErrMalformedEnvelope, err.Error())
	}
	if err := env.validateInbound(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func (e Envelope) validateInbound() error {
	switch e.Type {
	case TypeChatMessage:
		if e.ConversationID == "" || e.Content == "" {
			return errors.Wrap(ErrMalformedEnvelope, "chat_message requires conversation_id and content")
		}
	case TypeTypingStart, TypeTypingStop, TypeSubscribe, TypeUnsubscribe:
		if e.ConversationID == "" {
			return errors.Wrapf(ErrMalformedEnvelope, "%s requires conversation_id", e.Type)
		}
	case TypeStreamControl:
		if e.SessionID == "" {
			return errors.Wrap(ErrMalformedEnvelope, "stream_control requires session_id")
		}
		switch e.Action {
		case ActionPause, ActionResume, ActionCancel:
		default:
			return errors.Wrapf(ErrMalformedEnvelope, "unknown stream_control action %q", e.Action)
		}
	case TypeStreamRecover:
		if e.SessionID == "" || e.LastSeenSequence == nil {
			return errors.Wrap(ErrMalformedEnvelope, "stream_recover requires session_id and last_seen_sequence")
		}
	case TypePresenceUpdate:
		// Clients may only report their own idle state; offline is the
		// server's call.
		switch e.Status {
		case "away", "online":
		default:
			return errors.Wrapf(ErrMalformedEnvelope, "invalid presence status %q", e.Status)
		}
	case TypeHeartbeat:
	default:
		return errors.Wrapf(ErrMalformedEnvelope, "unknown or server-only type %q", e.Type)
	}
	return nil
}

func (e Envelope) Marshal() []byte {
	data, err := json.Marshal(e)
	if err != nil {
		// Envelope contains only marshalable fields; this cannot fail at runtime.
		panic(err)
	}
	return data
}

func NewStreamChunk(sessionID string, seq uint64, content string, isFinal bool) Envelope {
	return Envelope{
		Type:      TypeStreamChunk,
		SessionID: sessionID,
		Sequence:  seq,
		Content:   content,
		IsFinal:   isFinal,
	}
}

func NewStreamResync(sessionID string, lastSeq uint64, summary string, done bool) Envelope {
	return Envelope{
		Type:      TypeStreamResync,
		SessionID: sessionID,
		Sequence:  lastSeq,
		Content:   summary,
		IsFinal:   done,
	}
}

func NewPresenceUpdate(userID, status string) Envelope {
	return Envelope{Type: TypePresenceUpdate, UserID: userID, Status: status}
}

func NewTypingEvent(conversationID, userID string, typing bool) Envelope {
	t := TypeTypingStart
	if !typing {
		t = TypeTypingStop
	}
	return Envelope{Type: t, ConversationID: conversationID, UserID: userID}
}

func NewQueuedMessage(messageID string, payload []byte, enqueuedAt time.Time) Envelope {
	return Envelope{
		Type:       TypeQueuedMessage,
		MessageID:  messageID,
		Payload:    json.RawMessage(payload),
		EnqueuedAt: &enqueuedAt,
	}
}

func NewError(code, message string) Envelope {
	return Envelope{Type: TypeError, Code: code, Message: message}
}

func NewHeartbeat() Envelope {
	return Envelope{Type: TypeHeartbeat}
}
