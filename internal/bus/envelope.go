package bus

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ReservedPrefix marks protocol-internal event names. Application event
// names must never start with it.
const ReservedPrefix = "__node-bus__"

const (
	listenSuffix   = "/listen"
	unlistenSuffix = "/unlisten"

	// ListenEvent asks the hub to start forwarding the event named in payload[0].
	ListenEvent = ReservedPrefix + listenSuffix
	// UnlistenEvent asks the hub to stop forwarding the event named in payload[0].
	UnlistenEvent = ReservedPrefix + unlistenSuffix
)

var (
	ErrNilEnvelope   = errors.New("envelope is null")
	ErrEmptyName     = errors.New("envelope name must be a non-empty string")
	ErrEmptyPayload  = errors.New("envelope payload must be a non-empty array")
	ErrReservedEvent = errors.New("event name uses the reserved prefix")
)

// Envelope is the wire unit exchanged between peers and the hub.
type Envelope struct {
	Name    string `json:"name"`
	Payload []any  `json:"payload"`
}

func NewEnvelope(name string, payload ...any) *Envelope {
	return &Envelope{Name: name, Payload: payload}
}

// Decode parses a single wire message. It only fails when text is not JSON.
// Values of the wrong shape (not an object, name not a string, payload not an
// array) come back as an envelope that Validate rejects, and JSON null comes
// back as a nil envelope. Numbers are kept as json.Number so they are relayed
// without loss.
func Decode(text string) (*Envelope, error) {
	var raw any
	if err := Unmarshal([]byte(text), &raw); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if raw == nil {
		return nil, nil
	}
	env := &Envelope{}
	obj, ok := raw.(map[string]any)
	if !ok {
		return env, nil
	}
	env.Name, _ = obj["name"].(string)
	env.Payload, _ = obj["payload"].([]any)
	return env, nil
}

// Clone copies env and its payload slice. Payload values are shared.
func (env *Envelope) Clone() *Envelope {
	if env == nil {
		return nil
	}
	return &Envelope{Name: env.Name, Payload: append([]any(nil), env.Payload...)}
}

// Unmarshal decodes exactly one JSON value from data into v, keeping numbers
// as json.Number.
func Unmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("trailing data after JSON value")
	}
	return nil
}

func Encode(env *Envelope) (string, error) {
	if env == nil {
		return "", ErrNilEnvelope
	}
	b, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encode envelope %q: %w", env.Name, err)
	}
	return string(b), nil
}

// Validate reports whether env has the shape every surviving envelope must have.
func Validate(env *Envelope) error {
	switch {
	case env == nil:
		return ErrNilEnvelope
	case env.Name == "":
		return ErrEmptyName
	case len(env.Payload) == 0:
		return ErrEmptyPayload
	}
	return nil
}

func IsControl(name string) bool {
	return strings.HasPrefix(name, ReservedPrefix)
}

// ControlSuffix returns the part of a control name after the reserved prefix.
func ControlSuffix(name string) (string, bool) {
	if !IsControl(name) {
		return "", false
	}
	return name[len(ReservedPrefix):], true
}

// ControlTarget extracts the event name a listen/unlisten envelope refers to.
func ControlTarget(env *Envelope) (string, bool) {
	if env == nil || len(env.Payload) == 0 {
		return "", false
	}
	name, ok := env.Payload[0].(string)
	if !ok || name == "" {
		return "", false
	}
	return name, true
}
