package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/kestrelcontainers/kestrel/internal/kerr"
)

// Message is the typed envelope carried over the transport. Fields mirror
// spec.md §4.3: strings, integers, raw bytes, nested messages. File
// descriptors are represented by Files, a list of paths the receiving side
// dup/open()s locally — the transport does not pass real descriptors across
// the Unix socket, it passes paths into a shared bind-mounted directory,
// which is the same contract the teacher's mux client/server use implicitly
// by sharing a filesystem namespace with the daemon.
type Message struct {
	Strings map[string]string         `json:"strings,omitempty"`
	Ints    map[string]int64          `json:"ints,omitempty"`
	Bytes   map[string][]byte         `json:"bytes,omitempty"`
	Files   map[string]string         `json:"files,omitempty"`
	Nested  map[string]*Message       `json:"nested,omitempty"`
	List    []*Message                `json:"list,omitempty"`
}

// NewMessage returns an empty, ready-to-populate Message.
func NewMessage() *Message {
	return &Message{
		Strings: map[string]string{},
		Ints:    map[string]int64{},
		Bytes:   map[string][]byte{},
		Files:   map[string]string{},
		Nested:  map[string]*Message{},
	}
}

func (m *Message) SetString(k, v string) *Message {
	if m.Strings == nil {
		m.Strings = map[string]string{}
	}
	m.Strings[k] = v
	return m
}

func (m *Message) SetInt(k string, v int64) *Message {
	if m.Ints == nil {
		m.Ints = map[string]int64{}
	}
	m.Ints[k] = v
	return m
}

func (m *Message) SetNested(k string, v *Message) *Message {
	if m.Nested == nil {
		m.Nested = map[string]*Message{}
	}
	m.Nested[k] = v
	return m
}

func (m *Message) GetString(k string) string {
	if m == nil {
		return ""
	}
	return m.Strings[k]
}

func (m *Message) GetInt(k string) int64 {
	if m == nil {
		return 0
	}
	return m.Ints[k]
}

// jsonField is the single Bytes key used by EncodeJSON/DecodeJSON to carry a
// caller-defined struct through a Message without hand-mapping every field
// into Strings/Ints, for routes whose payload is naturally a Go struct
// (container configs, network configs) rather than a handful of scalars.
const jsonField = "json"

// EncodeJSON marshals v into a Message's raw bytes field. Callers that need
// scalar fields alongside the JSON blob (e.g. a route key) can still set
// Strings/Ints on the returned Message before sending it.
func EncodeJSON(v any) (*Message, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("rpc: encode json: %w", err)
	}
	m := NewMessage()
	m.Bytes[jsonField] = data
	return m, nil
}

// DecodeJSON unmarshals the payload written by EncodeJSON into out.
func DecodeJSON(m *Message, out any) error {
	if m == nil {
		return kerr.InvalidArgumentf("rpc: decode json: nil message")
	}
	data, ok := m.Bytes[jsonField]
	if !ok {
		return kerr.InvalidArgumentf("rpc: decode json: message carries no json payload")
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("rpc: decode json: %w", err)
	}
	return nil
}

// Envelope wraps a Message for wire transmission together with the route key
// and a correlation id used to pair streaming progress frames with their
// originating request.
type Envelope struct {
	ID      uint64   `json:"id"`
	Route   string   `json:"route,omitempty"`
	Kind    FrameKind `json:"kind"`
	Payload *Message `json:"payload,omitempty"`
	ErrKind kerr.Kind `json:"errKind,omitempty"`
	ErrMsg  string   `json:"errMsg,omitempty"`
}

// FrameKind distinguishes the envelope's role in the request/response/stream
// exchange.
type FrameKind string

const (
	FrameRequest  FrameKind = "request"
	FrameResponse FrameKind = "response"
	FrameError    FrameKind = "error"
	FrameProgress FrameKind = "progress"
	FrameTerminal FrameKind = "terminal"
)
