package peerlink

import (
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
)

// Record is the wire shape of a message before framing and encryption.
// After Deserialize, Content holds a bson.RawValue.
type Record struct {
	ID      string `bson:"id"`
	Content any    `bson:"content"`
	Type    Type   `bson:"type"`
	To      string `bson:"to,omitempty"`
}

type rawRecord struct {
	ID      string        `bson:"id"`
	Content bson.RawValue `bson:"content"`
	Type    Type          `bson:"type"`
	To      string        `bson:"to,omitempty"`
}

// Serialize encodes rec as a BSON document.
func Serialize(rec Record) ([]byte, error) {
	if raw, ok := rec.Content.(bson.RawValue); ok && raw.Type == 0 {
		rec.Content = nil
	}

	data, err := bson.Marshal(rec)
	if err != nil {
		return nil, &SerializationError{Err: err}
	}
	return data, nil
}

// Deserialize decodes a BSON document produced by Serialize.
func Deserialize(data []byte) (Record, error) {
	if err := bson.Raw(data).Validate(); err != nil {
		return Record{}, &DeserializationError{Err: err}
	}

	var raw rawRecord
	if err := bson.Unmarshal(data, &raw); err != nil {
		return Record{}, &DeserializationError{Err: err}
	}

	if raw.ID == "" {
		return Record{}, &DeserializationError{Err: errors.New("missing id")}
	}
	if raw.Type == "" {
		return Record{}, &DeserializationError{Err: errors.New("missing type")}
	}

	return Record{
		ID:      raw.ID,
		Content: raw.Content,
		Type:    raw.Type,
		To:      raw.To,
	}, nil
}

// DecodeMessage deserializes data and builds the message with the
// constructor registered for its type tag.
func DecodeMessage(data []byte, reg Registry) (*Message, error) {
	rec, err := Deserialize(data)
	if err != nil {
		return nil, err
	}

	decode, ok := reg[rec.Type]
	if !ok {
		return nil, &UnknownTypeError{Type: rec.Type}
	}

	return decode(rec)
}
