package proto

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMalformed      = errors.New("proto: malformed message")
	ErrMissingType    = errors.New("proto: missing type")
	ErrMissingID      = errors.New("proto: missing id")
	ErrMissingPayload = errors.New("proto: missing payload")
)

// Envelope is the on-wire JSON shape of every control message.
type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message is a decoded envelope with its payload normalized into the typed
// field matching Type. Exactly one payload field is set for the types that
// carry one; CONNECTED and CLOSE carry none.
type Message struct {
	Type string
	ID   string

	Welcome  *Welcome
	Target   string // CONNECT: "host:port"
	Request  *HTTPRequest
	Response *HTTPResponse
	Data     []byte // DATA: base64-decoded chunk
	Offboard *Offboard
}

// Decode parses one text message. Payloads that arrive as a JSON-encoded
// string are unwrapped before being decoded, so both forms yield the same Message.
func Decode(b []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return Message{}, ErrMissingType
	}
	m := Message{Type: env.Type, ID: env.ID}
	switch env.Type {
	case TypeWelcome:
		var w Welcome
		if err := decodePayload(env.Payload, &w); err != nil {
			return Message{}, err
		}
		m.Welcome = &w
	case TypeConnect:
		target, err := decodeString(env.Payload)
		if err != nil {
			return Message{}, err
		}
		m.Target = target
	case TypeRequest:
		var r HTTPRequest
		if err := decodePayload(env.Payload, &r); err != nil {
			return Message{}, err
		}
		m.Request = &r
	case TypeResponse:
		var r HTTPResponse
		if err := decodePayload(env.Payload, &r); err != nil {
			return Message{}, err
		}
		m.Response = &r
	case TypeData:
		var d Data
		if err := decodePayload(env.Payload, &d); err != nil {
			return Message{}, err
		}
		raw, err := base64.StdEncoding.DecodeString(d.Data)
		if err != nil {
			return Message{}, fmt.Errorf("%w: data: %v", ErrMalformed, err)
		}
		m.Data = raw
	case TypeOffboard:
		var o Offboard
		if len(env.Payload) > 0 && !isNull(env.Payload) {
			if err := decodePayload(env.Payload, &o); err != nil {
				return Message{}, err
			}
		}
		m.Offboard = &o
	}
	if needsID(env.Type) && m.ID == "" {
		return Message{}, fmt.Errorf("%w: %s", ErrMissingID, env.Type)
	}
	return m, nil
}

func needsID(t string) bool {
	switch t {
	case TypeConnect, TypeConnected, TypeRequest, TypeResponse, TypeData, TypeClose:
		return true
	}
	return false
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// decodePayload accepts either a nested object or a string holding JSON.
func decodePayload(raw json.RawMessage, v any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || isNull(raw) {
		return ErrMissingPayload
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		raw = []byte(s)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

func decodeString(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || isNull(raw) {
		return "", ErrMissingPayload
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return s, nil
}

func encode(typ, id string, payload any) ([]byte, error) {
	env := Envelope{Type: typ, ID: id}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Payload = b
	}
	return json.Marshal(env)
}

// Connected acknowledges that the stream socket for id is open.
func Connected(id string) ([]byte, error) { return encode(TypeConnected, id, nil) }

// Close asks the peer to tear down stream id.
func Close(id string) ([]byte, error) { return encode(TypeClose, id, nil) }

// Response answers the REQUEST correlated by id.
func Response(id string, r HTTPResponse) ([]byte, error) { return encode(TypeResponse, id, r) }

// Connect asks the agent to open a TCP connection to target.
func Connect(id, target string) ([]byte, error) { return encode(TypeConnect, id, target) }

// Request asks the agent to perform an HTTP call.
func Request(id string, r HTTPRequest) ([]byte, error) { return encode(TypeRequest, id, r) }

// WelcomeMessage carries device credentials to a freshly connected agent.
func WelcomeMessage(w Welcome) ([]byte, error) { return encode(TypeWelcome, "", w) }

// OffboardMessage instructs the agent to shut down and clear its identity.
func OffboardMessage(reason string) ([]byte, error) {
	return encode(TypeOffboard, "", Offboard{Reason: reason})
}

// DataMessage is the legacy base64 form of a data chunk.
func DataMessage(id string, chunk []byte) ([]byte, error) {
	return encode(TypeData, id, Data{Data: base64.StdEncoding.EncodeToString(chunk)})
}
