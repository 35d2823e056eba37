// Package protocol defines the wire protocol spoken over the multiplexed
// socket: the client/server message envelope, the invocation message
// variants, the closed error-name enum, and the sandbox frame types
// exchanged with the guest interpreter.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Kind discriminates the message variants carried on the socket.
type Kind string

const (
	// Client -> server
	KindInvoke Kind = "invoke"
	KindCancel Kind = "cancel"

	// Server -> client
	KindNewIID          Kind = "new_iid"
	KindInvocationEvent Kind = "invocation_event"
	KindError           Kind = "error"

	// Both directions (opaque sandbox bytes)
	KindData Kind = "data"
)

// Message is the envelope for every frame on the socket. The payload shape
// is selected by Kind. Binary payloads inside the variants are base64 in JSON.
type Message struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// ParsePayload unmarshals the payload into the given variant struct.
func (m *Message) ParsePayload(v interface{}) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("message %q has no payload", m.Kind)
	}
	return json.Unmarshal(m.Payload, v)
}

// NewMessage builds an envelope around the given variant.
func NewMessage(kind Kind, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{Kind: kind, Payload: data}, nil
}

// Invoke asks the server to start a new invocation on an agent.
type Invoke struct {
	MatchID           string  `json:"match_id"`
	UID               string  `json:"uid"`
	WarpLocalsPayload []byte  `json:"warp_locals_payload,omitempty"`
	Prompt            *string `json:"prompt,omitempty"`
	Streaming         *bool   `json:"streaming,omitempty"`
	ParentUID         string  `json:"parent_uid,omitempty"`
	ParentIID         string  `json:"parent_iid,omitempty"`
}

// Cancel aborts a running invocation.
type Cancel struct {
	UID string `json:"uid"`
	IID string `json:"iid"`
}

// Data carries opaque bytes between the SDK and the sandbox guest.
type Data struct {
	UID     string `json:"uid"`
	IID     string `json:"iid"`
	Payload []byte `json:"payload"`
}

// NewIID acknowledges an accepted Invoke, binding the client's match id
// to the server-allocated invocation id. Emitted before any Data for the iid.
type NewIID struct {
	MatchID string `json:"match_id"`
	UID     string `json:"uid"`
	IID     string `json:"iid"`
}

// EventKind is the invocation lifecycle event type.
type EventKind string

const (
	EventEnter EventKind = "ENTER"
	EventExit  EventKind = "EXIT"
	EventError EventKind = "ERROR"
)

// InvocationEvent reports an invocation lifecycle transition.
type InvocationEvent struct {
	UID   string    `json:"uid"`
	IID   string    `json:"iid"`
	Event EventKind `json:"event"`
}

// ErrorMessage reports a failure addressed to an invocation. When an Invoke
// is refused before an iid exists, IID carries the client's match id.
type ErrorMessage struct {
	UID     string    `json:"uid,omitempty"`
	IID     string    `json:"iid"`
	Name    ErrorName `json:"name"`
	Message string    `json:"message,omitempty"`
}

// MustMessage builds an envelope and panics on marshal failure. All variant
// structs marshal unconditionally; this keeps server-side emit sites terse.
func MustMessage(kind Kind, payload interface{}) *Message {
	msg, err := NewMessage(kind, payload)
	if err != nil {
		panic(fmt.Sprintf("protocol: marshal %q: %v", kind, err))
	}
	return msg
}
