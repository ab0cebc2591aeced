package protocol_test

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/omochice/ackchat/pkg/protocol"
)

func TestMessage_Encode(t *testing.T) {
	tests := []struct {
		name string
		msg  protocol.Message
		want string
	}{
		{
			name: "encode heartbeat",
			msg:  protocol.Message{Type: protocol.KindHeartbeat, From: "alice", Timestamp: 1000},
			want: `{"type":"HEARTBEAT","from":"alice","timestamp":1000}`,
		},
		{
			name: "encode chat with ack request",
			msg: protocol.Message{
				Type:      protocol.KindChat,
				From:      "alice",
				To:        "bob",
				Content:   "hi",
				Timestamp: 42,
				MessageID: "m1",
				NeedAck:   true,
			},
			want: `{"type":"CHAT","from":"alice","to":"bob","content":"hi","timestamp":42,"messageId":"m1","needAck":true}`,
		},
		{
			name: "encode batch ack",
			msg: protocol.Message{
				Type:               protocol.KindBatchAck,
				From:               "bob",
				Timestamp:          7,
				BatchAckMessageIDs: []string{"m1", "m2"},
			},
			want: `{"type":"BATCH_ACK","from":"bob","timestamp":7,"batchAckMessageIds":["m1","m2"]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.msg.Encode()
			if err != nil {
				t.Fatalf("Message.Encode() error = %v", err)
			}
			if string(data) != tt.want {
				t.Errorf("Message.Encode() = %s, want %s", data, tt.want)
			}
		})
	}
}

func TestMessage_Decode(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    protocol.Message
		wantErr error
	}{
		{
			name: "decode ack",
			data: `{"type":"ACK","ackMessageId":"m1","status":"DELIVERED","timestamp":5}`,
			want: protocol.Message{Type: protocol.KindAck, AckMessageID: "m1", Status: protocol.StatusDelivered, Timestamp: 5},
		},
		{
			name: "decode user list",
			data: `{"type":"USER_LIST","users":["alice","bob"],"timestamp":1}`,
			want: protocol.Message{Type: protocol.KindUserList, Users: []string{"alice", "bob"}, Timestamp: 1},
		},
		{
			name: "unknown fields are ignored",
			data: `{"type":"CHAT","messageId":"m9","maxMessageId":12,"timestamp":3}`,
			want: protocol.Message{Type: protocol.KindChat, MessageID: "m9", Timestamp: 3},
		},
		{
			name:    "invalid json",
			data:    `{"type":`,
			wantErr: protocol.ErrMalformedFrame,
		},
		{
			name:    "missing type",
			data:    `{"from":"alice"}`,
			wantErr: protocol.ErrMalformedFrame,
		},
		{
			name:    "type of wrong json kind",
			data:    `{"type":3}`,
			wantErr: protocol.ErrMalformedFrame,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got protocol.Message
			err := got.Decode([]byte(tt.data))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Message.Decode() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Message.Decode() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Message.Decode() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestMessage_ProtoRoundTrip(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_123)
	msg := protocol.NewChat("alice", "bob", "hello", now)

	data, err := protocol.Marshal(msg, protocol.FormatProto)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	got, err := protocol.Unmarshal(data, true)
	if err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if !reflect.DeepEqual(got, msg) {
		t.Errorf("Unmarshal() = %+v, want %+v", got, msg)
	}
	if got.Timestamp != 1_700_000_000_123 {
		t.Errorf("Timestamp = %d, want millisecond precision", got.Timestamp)
	}
}

func TestMessage_DecodeProto_Garbage(t *testing.T) {
	_, err := protocol.Unmarshal([]byte{0xff, 0x01, 0x02}, true)
	if !errors.Is(err, protocol.ErrMalformedFrame) {
		t.Errorf("Unmarshal() error = %v, want ErrMalformedFrame", err)
	}
}

func TestPeek(t *testing.T) {
	kind, err := protocol.Peek([]byte(`{"type":"PRESENCE_DANCE","from":"x"}`))
	if err != nil {
		t.Fatalf("Peek() error = %v", err)
	}
	if kind != "PRESENCE_DANCE" {
		t.Errorf("Peek() = %q", kind)
	}
	if kind.Known() {
		t.Error("expected unrecognised kind to be unknown")
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    protocol.Format
		wantErr bool
	}{
		{in: "", want: protocol.FormatJSON},
		{in: "JSON", want: protocol.FormatJSON},
		{in: "proto", want: protocol.FormatProto},
		{in: "xml", wantErr: true},
	}
	for _, tt := range tests {
		got, err := protocol.ParseFormat(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFormat(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseFormat(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestConstructors(t *testing.T) {
	now := time.UnixMilli(99)

	chat := protocol.NewChat("alice", "bob", "hi", now)
	if chat.MessageID == "" || !chat.NeedAck || chat.Timestamp != 99 {
		t.Errorf("NewChat() = %+v", chat)
	}
	if other := protocol.NewChat("alice", "bob", "hi", now); other.MessageID == chat.MessageID {
		t.Error("expected unique message ids")
	}

	ids := []string{"a", "b"}
	batch := protocol.NewBatchAck("bob", ids, now)
	ids[0] = "mutated"
	if batch.BatchAckMessageIDs[0] != "a" {
		t.Error("NewBatchAck must copy the id slice")
	}

	ack := protocol.NewAck("bob", "alice", "m1", now)
	if ack.AckMessageID != "m1" || ack.Status != protocol.StatusDelivered || ack.To != "alice" {
		t.Errorf("NewAck() = %+v", ack)
	}
}
