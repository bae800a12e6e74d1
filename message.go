package peerlink

import (
	"context"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
)

// Type is the tag that selects a message constructor.
type Type string

// Built-in message kinds.
const (
	TypeCreate Type = "Create"
	TypeReply  Type = "Reply"
	TypeError  Type = "Error"
	TypePing   Type = "Ping"
)

// Message is one protocol message. Once sent on a Conn it is also the
// target of correlation: messages whose To equals its ID are delivered to
// it and can be awaited with Next.
type Message struct {
	ID   string
	Type Type
	// To is the ID of the message this one answers. Empty means unsolicited.
	To string

	content any

	once  sync.Once
	inbox *Mux[*Message]
}

// NewMessage builds a message of any registered kind with a fresh ID.
func NewMessage(t Type, content any, to string) *Message {
	return &Message{
		ID:      uuid.NewString(),
		Type:    t,
		To:      to,
		content: content,
	}
}

// NewMessageFromRecord builds a message from a decoded record, keeping its ID.
// Custom DecodeFuncs use it after validating the record.
func NewMessageFromRecord(rec Record) *Message {
	return &Message{
		ID:      rec.ID,
		Type:    rec.Type,
		To:      rec.To,
		content: rec.Content,
	}
}

// NewCreate builds an unsolicited Create.
func NewCreate(content any) *Message {
	return NewMessage(TypeCreate, content, "")
}

// NewReply builds a Reply answering the message with id to.
func NewReply(content any, to string) *Message {
	return NewMessage(TypeReply, content, to)
}

// NewError builds an Error carrying text. to may be empty.
func NewError(text string, to string) *Message {
	return NewMessage(TypeError, text, to)
}

// NewPing builds a ping stamped with the current time.
func NewPing(to string) *Message {
	return NewMessage(TypePing, time.Now().UnixMilli(), to)
}

// Content returns the payload: the value given at construction for local
// messages, a bson.RawValue for received ones.
func (m *Message) Content() any {
	return m.content
}

// Record returns the wire record of m.
func (m *Message) Record() Record {
	return Record{
		ID:      m.ID,
		Content: m.content,
		Type:    m.Type,
		To:      m.To,
	}
}

// Serialize encodes m with the BSON codec.
func (m *Message) Serialize() ([]byte, error) {
	return Serialize(m.Record())
}

// Decode unmarshals the content into v.
func (m *Message) Decode(v any) error {
	raw, err := m.rawContent()
	if err != nil {
		return err
	}
	if err := raw.Unmarshal(v); err != nil {
		return errors.Wrapf(err, "decode %s content", m.Type)
	}
	return nil
}

// Text returns string content, or "" when the content is not a string.
func (m *Message) Text() string {
	if s, ok := m.content.(string); ok {
		return s
	}
	raw, ok := m.content.(bson.RawValue)
	if !ok {
		return ""
	}
	s, _ := raw.StringValueOK()
	return s
}

// Timestamp returns the time carried by a Ping. It is zero for other kinds.
func (m *Message) Timestamp() time.Time {
	var ms int64
	if m.Type != TypePing || m.Decode(&ms) != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Next waits for the next message correlated to m. It returns io.EOF once
// m no longer awaits correlated input.
func (m *Message) Next(ctx context.Context) (*Message, error) {
	return m.mailbox().Next(ctx)
}

// Replies ranges over the messages correlated to m.
func (m *Message) Replies(ctx context.Context) iter.Seq2[*Message, error] {
	return m.mailbox().All(ctx)
}

func (m *Message) mailbox() *Mux[*Message] {
	m.once.Do(func() {
		m.inbox = NewMux[*Message](1)
	})
	return m.inbox
}

func (m *Message) deliver(msg *Message) {
	// A settled inbox rejects late deliveries.
	_ = m.mailbox().Add(One(msg))
}

// settle ends m's correlated sequence.
func (m *Message) settle() {
	m.mailbox().Seal()
}

func (m *Message) rawContent() (bson.RawValue, error) {
	if raw, ok := m.content.(bson.RawValue); ok {
		return raw, nil
	}
	if m.content == nil {
		return bson.RawValue{Type: bson.TypeNull}, nil
	}

	t, data, err := bson.MarshalValue(m.content)
	if err != nil {
		return bson.RawValue{}, &SerializationError{Err: err}
	}
	return bson.RawValue{Type: t, Value: data}, nil
}
