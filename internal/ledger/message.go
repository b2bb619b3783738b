// Package ledger implements the request/response protocol against the remote
// ledger process and the token contract. Exchanges are asynchronous and
// at-least-once: a send returns a correlation handle, the result is awaited
// separately under a bounded timeout, and mutating requests carry a fresh
// idempotency nonce so duplicate deliveries are deduplicated remotely.
package ledger

import (
	"github.com/google/uuid"

	"github.com/token-custody/internal/types"
)

// Tag is one name/value pair attached to a message
type Tag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Message is a request to a remote process
type Message struct {
	Process string `json:"process"`
	Tags    []Tag  `json:"tags"`
	Data    string `json:"data,omitempty"`
}

// NewMessage creates a message carrying the given action
func NewMessage(process, action string) *Message {
	return &Message{
		Process: process,
		Tags:    []Tag{{Name: types.TagAction, Value: action}},
	}
}

// WithTag appends a tag and returns the message for chaining
func (m *Message) WithTag(name, value string) *Message {
	m.Tags = append(m.Tags, Tag{Name: name, Value: value})
	return m
}

// WithNonce attaches a fresh idempotency nonce. Nonces are generated per
// attempt, never reused across retries of a logical operation.
func (m *Message) WithNonce() *Message {
	return m.WithTag(types.TagNonce, NewNonce())
}

// WithData sets the message body
func (m *Message) WithData(data string) *Message {
	m.Data = data
	return m
}

// Action returns the message's action tag
func (m *Message) Action() string {
	for _, tag := range m.Tags {
		if tag.Name == types.TagAction {
			return tag.Value
		}
	}
	return ""
}

// NewNonce generates a fresh idempotency nonce
func NewNonce() string {
	return uuid.NewString()
}
