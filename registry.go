package peerlink

import (
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
)

// DecodeFunc builds a message from a deserialized record.
type DecodeFunc func(rec Record) (*Message, error)

// Registry maps a type tag to the function that decodes it. A connection
// rejects frames whose tag is missing from its registry.
type Registry map[Type]DecodeFunc

// DefaultRegistry returns a registry holding the four built-in kinds.
// The result is a fresh map and may be extended with Register.
func DefaultRegistry() Registry {
	return Registry{
		TypeCreate: decodeCreate,
		TypeReply:  decodeReply,
		TypeError:  decodeError,
		TypePing:   decodePing,
	}
}

// Register adds or replaces the decoder for t.
func (r Registry) Register(t Type, fn DecodeFunc) {
	r[t] = fn
}

func (r Registry) clone() Registry {
	c := make(Registry, len(r))
	for t, fn := range r {
		c[t] = fn
	}
	return c
}

func decodeCreate(rec Record) (*Message, error) {
	return NewMessageFromRecord(rec), nil
}

func decodeReply(rec Record) (*Message, error) {
	if rec.To == "" {
		return nil, &DeserializationError{Err: errors.New("reply without correlation id")}
	}
	return NewMessageFromRecord(rec), nil
}

func decodeError(rec Record) (*Message, error) {
	if !contentIs(rec, bson.TypeString) {
		return nil, &DeserializationError{Err: errors.New("error content is not a string")}
	}
	return NewMessageFromRecord(rec), nil
}

func decodePing(rec Record) (*Message, error) {
	if !contentIs(rec, bson.TypeInt64, bson.TypeInt32, bson.TypeDouble) {
		return nil, &DeserializationError{Err: errors.New("ping content is not a timestamp")}
	}
	return NewMessageFromRecord(rec), nil
}

func contentIs(rec Record, types ...bsontype.Type) bool {
	raw, ok := rec.Content.(bson.RawValue)
	if !ok {
		return false
	}
	for _, t := range types {
		if raw.Type == t {
			return true
		}
	}
	return false
}
