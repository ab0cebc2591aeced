// Package protocol defines the wire envelope exchanged with the messaging server.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Kind is the wire value of the envelope "type" field.
type Kind string

const (
	KindChat              Kind = "CHAT"
	KindAck               Kind = "ACK"
	KindBatchAck          Kind = "BATCH_ACK"
	KindHeartbeat         Kind = "HEARTBEAT"
	KindHeartbeatResponse Kind = "HEARTBEAT_RESPONSE"
	KindLogin             Kind = "LOGIN"
	KindLogout            Kind = "LOGOUT"
	KindUserList          Kind = "USER_LIST"
	KindReadReceipt       Kind = "READ_RECEIPT"
	KindError             Kind = "ERROR"
)

// Known reports whether k is a kind this client understands.
func (k Kind) Known() bool {
	switch k {
	case KindChat, KindAck, KindBatchAck, KindHeartbeat, KindHeartbeatResponse,
		KindLogin, KindLogout, KindUserList, KindReadReceipt, KindError:
		return true
	default:
		return false
	}
}

// IsPresence reports whether k changes the user directory.
func (k Kind) IsPresence() bool {
	return k == KindLogin || k == KindLogout || k == KindUserList
}

// String returns the wire value.
func (k Kind) String() string {
	if k == "" {
		return "UNKNOWN"
	}
	return string(k)
}

// Status is the delivery status of a chat message.
type Status string

const (
	StatusSending   Status = "SENDING"
	StatusSent      Status = "SENT"
	StatusDelivered Status = "DELIVERED"
	StatusRead      Status = "READ"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether no automatic retry follows s.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusRead || s == StatusFailed
}

var (
	ErrMalformedFrame = errors.New("protocol: malformed frame")
	ErrUnknownKind    = errors.New("protocol: unknown message kind")
)

// Message is the envelope carried in every frame.
type Message struct {
	Type               Kind     `json:"type"`
	From               string   `json:"from,omitempty"`
	To                 string   `json:"to,omitempty"`
	Content            string   `json:"content,omitempty"`
	Timestamp          int64    `json:"timestamp"`
	MessageID          string   `json:"messageId,omitempty"`
	NeedAck            bool     `json:"needAck,omitempty"`
	Status             Status   `json:"status,omitempty"`
	AckMessageID       string   `json:"ackMessageId,omitempty"`
	BatchAckMessageIDs []string `json:"batchAckMessageIds,omitempty"`
	Users              []string `json:"users,omitempty"`
}

// Encode encodes the message as a JSON text payload.
func (m *Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode message")
	}
	return data, nil
}

// Decode decodes a JSON text payload into the message.
func (m *Message) Decode(data []byte) error {
	if _, err := Peek(data); err != nil {
		return err
	}
	var decoded Message
	if err := json.Unmarshal(data, &decoded); err != nil {
		return errors.Wrapf(ErrMalformedFrame, "failed to decode message: %v", err)
	}
	*m = decoded
	return nil
}

// Time returns the envelope timestamp.
func (m *Message) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// NewMessageID returns a fresh client-generated message identifier.
func NewMessageID() string {
	return uuid.NewString()
}

// NewChat builds a CHAT message that requests acknowledgment.
func NewChat(from, to, content string, now time.Time) Message {
	return Message{
		Type:      KindChat,
		From:      from,
		To:        to,
		Content:   content,
		Timestamp: now.UnixMilli(),
		MessageID: NewMessageID(),
		NeedAck:   true,
		Status:    StatusSending,
	}
}

// NewAck builds a single acknowledgment for messageID addressed to its sender.
func NewAck(from, to, messageID string, now time.Time) Message {
	return Message{
		Type:         KindAck,
		From:         from,
		To:           to,
		Timestamp:    now.UnixMilli(),
		AckMessageID: messageID,
		Status:       StatusDelivered,
	}
}

// NewBatchAck builds one acknowledgment covering every id in ids.
func NewBatchAck(from string, ids []string, now time.Time) Message {
	return Message{
		Type:               KindBatchAck,
		From:               from,
		Timestamp:          now.UnixMilli(),
		BatchAckMessageIDs: append([]string(nil), ids...),
	}
}

// NewHeartbeat builds a liveness probe.
func NewHeartbeat(from string, now time.Time) Message {
	return Message{
		Type:      KindHeartbeat,
		From:      from,
		Timestamp: now.UnixMilli(),
	}
}

// NewLogout builds the notice sent before a voluntary disconnect.
func NewLogout(from string, now time.Time) Message {
	return Message{
		Type:      KindLogout,
		From:      from,
		Timestamp: now.UnixMilli(),
	}
}
