// Package protocol defines the JSON envelope exchanged over the WebSocket
// and the payload shape for each envelope type.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type identifies the payload carried by an envelope.
type Type string

const (
	TypeAuth        Type = "auth"
	TypeMessage     Type = "message"
	TypeTyping      Type = "typing"
	TypeReadReceipt Type = "read_receipt"
	TypeUserOnline  Type = "user_online"
	TypeUserOffline Type = "user_offline"
	TypeError       Type = "error"
)

// Close codes used on the /ws endpoint.
const (
	CloseNormal     = 1000
	CloseAuthFailed = 4001
)

// Message types accepted in a message payload.
const (
	MessageTypeText   = "text"
	MessageTypeSystem = "system"
)

// ErrUnknownType indicates an envelope whose type is not part of the
// protocol. Callers log and drop these; they never error the connection.
var ErrUnknownType = errors.New("unknown envelope type")

// Envelope is the unit exchanged over the WebSocket. Data is decoded only
// after matching Type, so a payload is never read through the wrong shape.
type Envelope struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// AuthPayload carries the client's credentials. Both fields are optional;
// the server tries session, then token, then userId existence.
type AuthPayload struct {
	Token  string `json:"token,omitempty"`
	UserID string `json:"userId,omitempty"`
}

// MessagePayload is a client request to post a chat message.
type MessagePayload struct {
	ChatID      string `json:"chatId"`
	SenderID    string `json:"senderId"`
	Content     string `json:"content"`
	MessageType string `json:"messageType"`
}

// Validate checks payload shape. Sender/membership authorization is the
// router's job, not the codec's.
func (p *MessagePayload) Validate() error {
	if p.ChatID == "" {
		return errors.New("chatId is required")
	}
	if p.SenderID == "" {
		return errors.New("senderId is required")
	}
	if p.Content == "" {
		return errors.New("content is required")
	}
	if p.MessageType != MessageTypeText && p.MessageType != MessageTypeSystem {
		return fmt.Errorf("messageType must be %q or %q", MessageTypeText, MessageTypeSystem)
	}
	return nil
}

// TypingPayload is a client's ephemeral typing indicator.
type TypingPayload struct {
	ChatID   string `json:"chatId"`
	IsTyping bool   `json:"isTyping"`
}

func (p *TypingPayload) Validate() error {
	if p.ChatID == "" {
		return errors.New("chatId is required")
	}
	return nil
}

// ReadReceiptPayload marks a message as read.
type ReadReceiptPayload struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
}

func (p *ReadReceiptPayload) Validate() error {
	if p.ChatID == "" {
		return errors.New("chatId is required")
	}
	if p.MessageID == "" {
		return errors.New("messageId is required")
	}
	return nil
}

// MessageEvent is the sender-annotated copy of a persisted message pushed
// to both chat participants.
type MessageEvent struct {
	ID          string `json:"id"`
	ChatID      string `json:"chatId"`
	SenderID    string `json:"senderId"`
	SenderName  string `json:"senderName"`
	Content     string `json:"content"`
	MessageType string `json:"messageType"`
	SentAt      int64  `json:"sentAt"`
}

// TypingEvent is forwarded to the other chat participant only.
type TypingEvent struct {
	ChatID   string `json:"chatId"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// ReadReceiptEvent notifies a message's sender that it was read.
type ReadReceiptEvent struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	ReaderID  string `json:"readerId"`
	ReadAt    int64  `json:"readAt"`
}

// PresenceEvent announces a user going online or offline.
type PresenceEvent struct {
	UserID string `json:"userId"`
}

// ErrorPayload carries a client-visible error message.
type ErrorPayload struct {
	Message string `json:"message"`
}

// Decode parses raw bytes into an envelope without touching the payload.
func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	if env.Type == "" {
		return nil, errors.New("malformed envelope: missing type")
	}
	return &env, nil
}

// Payload decodes the envelope's data into the payload struct for its type.
// Unknown types return ErrUnknownType.
func (e *Envelope) Payload() (any, error) {
	switch e.Type {
	case TypeAuth:
		return decodeInto[AuthPayload](e)
	case TypeMessage:
		return decodeInto[MessagePayload](e)
	case TypeTyping:
		return decodeInto[TypingPayload](e)
	case TypeReadReceipt:
		return decodeInto[ReadReceiptPayload](e)
	case TypeUserOnline, TypeUserOffline:
		return decodeInto[PresenceEvent](e)
	case TypeError:
		return decodeInto[ErrorPayload](e)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
}

func decodeInto[T any](e *Envelope) (*T, error) {
	var p T
	if len(e.Data) == 0 {
		return &p, nil
	}
	if err := json.Unmarshal(e.Data, &p); err != nil {
		return nil, fmt.Errorf("malformed %s payload: %w", e.Type, err)
	}
	return &p, nil
}

// New builds an envelope from a payload, panicking only on unmarshalable
// values (payload structs here are always marshalable).
func New(t Type, payload any) *Envelope {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("protocol: marshal %s payload: %v", t, err))
	}
	return &Envelope{Type: t, Data: data}
}

// NewError builds an error envelope with a client-visible message.
func NewError(message string) *Envelope {
	return New(TypeError, &ErrorPayload{Message: message})
}
