package peerlink

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Errors returned by connection and server operations.
var (
	// ErrConnectionClosed is returned when the stream ended while more data was expected.
	ErrConnectionClosed = errors.New("connection is closed")
	// ErrMessageTooLarge is returned when an unterminated frame grows past the configured limit.
	ErrMessageTooLarge = errors.New("message too large")
	// ErrServerClosed is returned by Accept after Close.
	ErrServerClosed = errors.New("server closed")
)

// Configuration errors returned by option validation.
var (
	ErrInvalidSeparator     = errors.New("separator must be non-empty and contain no digit or comma")
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	ErrUnsupportedKeyFormat = errors.New("unsupported key format")
)

// SerializationError is returned when a record holds values the codec cannot encode.
type SerializationError struct {
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("failed to serialize message with error: %v", e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }
func (e *SerializationError) Cause() error  { return e.Err }

// DeserializationError is returned when bytes are not a valid message encoding.
type DeserializationError struct {
	Err error
}

func (e *DeserializationError) Error() string {
	return fmt.Sprintf("failed to deserialize message with error: %v", e.Err)
}

func (e *DeserializationError) Unwrap() error { return e.Err }
func (e *DeserializationError) Cause() error  { return e.Err }

// UnknownTypeError is returned when no constructor is registered for a decoded type tag.
type UnknownTypeError struct {
	Type Type
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("%s is not a valid message type", e.Type)
}

// versionMismatchText prefixes the Error a server sends on a version mismatch.
const versionMismatchText = "invalid client version, server's version is: "

// VersionMismatchError reports that the two sides announced different
// protocol versions. On the connecting side it wraps the server's *PeerError.
type VersionMismatchError struct {
	// Server is the version of the accepting side.
	Server string
	// Client is the version the connecting side announced.
	Client string

	Err error
}

func (e *VersionMismatchError) Error() string {
	return versionMismatchText + e.Server
}

func (e *VersionMismatchError) Unwrap() error { return e.Err }

// versionMismatch recognizes the rejection a server sends for version.
func versionMismatch(peer *PeerError, version string) (*VersionMismatchError, bool) {
	server, ok := strings.CutPrefix(peer.Text, versionMismatchText)
	if !ok {
		return nil, false
	}
	return &VersionMismatchError{Server: server, Client: version, Err: peer}, true
}

// PeerError carries an Error message sent by the other side.
type PeerError struct {
	ID   string
	To   string
	Text string
}

func (e *PeerError) Error() string {
	return "peer error: " + e.Text
}

func newPeerError(msg *Message) *PeerError {
	return &PeerError{ID: msg.ID, To: msg.To, Text: msg.Text()}
}
