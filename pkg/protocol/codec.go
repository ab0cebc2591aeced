package protocol

import (
	"encoding/json"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Format selects how envelopes are written to the connection.
type Format int

const (
	// FormatJSON writes JSON text frames.
	FormatJSON Format = iota
	// FormatProto writes binary frames holding a google.protobuf.Struct
	// with the same field names as the JSON envelope.
	FormatProto
)

// ParseFormat parses "json" or "proto".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return FormatJSON, nil
	case "proto", "protobuf":
		return FormatProto, nil
	default:
		return FormatJSON, errors.Errorf("unknown wire format %q", s)
	}
}

// Binary reports whether the format uses binary frames.
func (f Format) Binary() bool {
	return f == FormatProto
}

func (f Format) String() string {
	if f == FormatProto {
		return "proto"
	}
	return "json"
}

// Marshal encodes msg in the given format.
func Marshal(msg Message, format Format) ([]byte, error) {
	if format == FormatProto {
		return msg.EncodeProto()
	}
	return msg.Encode()
}

// Unmarshal decodes a frame payload. Binary payloads are protobuf Structs,
// text payloads are JSON.
func Unmarshal(data []byte, binary bool) (Message, error) {
	var msg Message
	var err error
	if binary {
		err = msg.DecodeProto(data)
	} else {
		err = msg.Decode(data)
	}
	return msg, err
}

// Peek validates a JSON payload and returns its kind without decoding the
// rest of the envelope.
func Peek(data []byte) (Kind, error) {
	if !gjson.ValidBytes(data) {
		return "", ErrMalformedFrame
	}
	t := gjson.GetBytes(data, "type")
	if t.Type != gjson.String || t.Str == "" {
		return "", errors.Wrap(ErrMalformedFrame, "missing type")
	}
	return Kind(t.Str), nil
}

// EncodeProto encodes the message as a protobuf Struct.
func (m *Message) EncodeProto() ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode message")
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, errors.Wrap(err, "failed to encode message")
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode message")
	}
	data, err := proto.Marshal(st)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode message")
	}
	return data, nil
}

// DecodeProto decodes a protobuf Struct payload into the message.
func (m *Message) DecodeProto(data []byte) error {
	st := &structpb.Struct{}
	if err := proto.Unmarshal(data, st); err != nil {
		return errors.Wrapf(ErrMalformedFrame, "failed to decode message: %v", err)
	}
	fields := st.AsMap()
	if kind, ok := fields["type"].(string); !ok || kind == "" {
		return errors.Wrap(ErrMalformedFrame, "missing type")
	}

	var decoded Message
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "json",
		Result:  &decoded,
	})
	if err != nil {
		return errors.Wrap(err, "failed to decode message")
	}
	if err := dec.Decode(fields); err != nil {
		return errors.Wrapf(ErrMalformedFrame, "failed to decode message: %v", err)
	}
	*m = decoded
	return nil
}
