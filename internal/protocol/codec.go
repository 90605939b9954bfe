package protocol

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/segmentio/encoding/json"
)

var ErrMalformed = errors.New("malformed message")
var ErrVersionMismatch = errors.New("protocol version mismatch")
var ErrTooLarge = errors.New("message exceeds datagram size")

type envelope struct {
	V *int            `json:"v"`
	T Type            `json:"t"`
	P json.RawMessage `json:"p"`
}

// schema lists the payload keys a variant cannot be decoded without.
type schema struct {
	required []string
	decode   func(payload []byte) (Message, error)
}

var schemas = map[Type]schema{
	TypeHello: {
		required: []string{"username", "credential"},
		decode:   decodeAs[Hello],
	},
	TypeWelcome: {
		required: []string{"token", "side"},
		decode:   decodeAs[Welcome],
	},
	TypePulse: {
		required: []string{"ts"},
		decode:   decodeAs[Pulse],
	},
	TypeInput: {
		required: []string{"seq", "dir"},
		decode:   decodeAs[Input],
	},
	TypeState: {
		required: []string{"tick", "ball", "vel", "paddles", "scores", "phase"},
		decode:   decodeAs[State],
	},
	TypeRedirect: {
		required: []string{"address", "port"},
		decode:   decodeAs[Redirect],
	},
	TypeError: {
		required: []string{"kind"},
		decode:   decodeAs[Error],
	},
}

// Encode serializes m into a single datagram payload.
func Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("encode: nil message")
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type(), err)
	}
	v := Version
	raw, err := json.Marshal(envelope{V: &v, T: m.Type(), P: payload})
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", m.Type(), err)
	}
	if len(raw) > MaxDatagramSize {
		return nil, fmt.Errorf("encode %s: %d bytes: %w", m.Type(), len(raw), ErrTooLarge)
	}
	return raw, nil
}

// Decode parses a datagram payload. The returned error wraps ErrVersionMismatch
// or ErrMalformed; callers drop the datagram and keep serving.
func Decode(raw []byte) (Message, error) {
	if len(raw) == 0 || len(raw) > MaxDatagramSize {
		return nil, fmt.Errorf("%w: payload size %d", ErrMalformed, len(raw))
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.V == nil {
		return nil, fmt.Errorf("%w: missing version", ErrMalformed)
	}
	if *env.V != Version {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, *env.V, Version)
	}

	sc, ok := schemas[env.T]
	if !ok {
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, env.T)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(env.P, &fields); err != nil || fields == nil {
		return nil, fmt.Errorf("%w: %s payload is not an object", ErrMalformed, env.T)
	}
	for _, key := range sc.required {
		v, ok := fields[key]
		if !ok || bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			return nil, fmt.Errorf("%w: %s missing %q", ErrMalformed, env.T, key)
		}
	}

	m, err := sc.decode(env.P)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.T, err)
	}
	return m, nil
}

type validator interface {
	validate() error
}

func decodeAs[T Message](payload []byte) (Message, error) {
	var m T
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	if v, ok := any(m).(validator); ok {
		if err := v.validate(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (h Hello) validate() error {
	if h.Username == "" {
		return errors.New("empty username")
	}
	return nil
}

func (w Welcome) validate() error {
	if w.Side < -1 || w.Side > 1 {
		return fmt.Errorf("side %d out of range", w.Side)
	}
	return nil
}

func (i Input) validate() error {
	if i.Sequence == 0 {
		return errors.New("sequence must start at 1")
	}
	if !i.Direction.Valid() {
		return fmt.Errorf("direction %d out of range", i.Direction)
	}
	return nil
}

func (s State) validate() error {
	if !s.Phase.Valid() {
		return fmt.Errorf("unknown phase %q", s.Phase)
	}
	return nil
}

func (r Redirect) validate() error {
	if r.Port <= 0 || r.Port > 65535 {
		return fmt.Errorf("port %d out of range", r.Port)
	}
	return nil
}

func (e Error) validate() error {
	if e.Kind == "" {
		return errors.New("empty kind")
	}
	return nil
}

func (d Direction) Valid() bool {
	return d >= DirUp && d <= DirDown
}

func (p Phase) Valid() bool {
	switch p {
	case PhaseCountdown, PhasePlaying, PhasePointScored, PhaseGameOver:
		return true
	}
	return false
}
