package peerlink

import (
	"context"

	"github.com/pkg/errors"
)

// phase is a step of the key exchange.
type phase int

const (
	// phaseClientData exchanges public keys.
	phaseClientData phase = iota
	// phaseFeedback acknowledges the exchange and turns encryption on.
	phaseFeedback
)

func (p phase) String() string {
	switch p {
	case phaseClientData:
		return "client-data"
	case phaseFeedback:
		return "feedback"
	}
	return "unknown"
}

// hello is the key material each side announces in plaintext.
type hello struct {
	Version   string    `bson:"ver,omitempty"`
	PublicKey []byte    `bson:"publicKey"`
	Algorithm Algorithm `bson:"algorithm"`
	KeyFormat KeyFormat `bson:"keyFormat"`
}

// handshake holds one side's state for a single key exchange.
type handshake struct {
	conn  *Conn
	opts  options
	phase phase
	keys  Keys
	hello hello
}

func newHandshake(conn *Conn, opts options) (*handshake, error) {
	home, err := GenerateKey(opts.algorithm)
	if err != nil {
		return nil, err
	}

	exported, err := home.Public().Export(opts.keyFormat)
	if err != nil {
		return nil, err
	}

	return &handshake{
		conn:  conn,
		opts:  opts,
		phase: phaseClientData,
		keys:  Keys{Home: home},
		hello: hello{
			PublicKey: exported,
			Algorithm: opts.algorithm.Descriptor(),
			KeyFormat: opts.keyFormat,
		},
	}, nil
}

func (h *handshake) context(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.opts.handshakeTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, h.opts.handshakeTimeout)
}

// next awaits the next handshake message. A peer Error aborts the exchange.
func (h *handshake) next(ctx context.Context) (*Message, error) {
	msg, err := h.conn.Next(ctx)
	if err != nil {
		return nil, err
	}
	if msg.Type == TypeError {
		return nil, newPeerError(msg)
	}
	return msg, nil
}

func (h *handshake) importReceiver(msg *Message) error {
	var peer hello
	if err := msg.Decode(&peer); err != nil {
		return errors.WithMessage(err, "handshake payload")
	}

	receiver, err := ImportPublicKey(peer.KeyFormat, peer.PublicKey, peer.Algorithm)
	if err != nil {
		return err
	}
	h.keys.Receiver = receiver
	return nil
}

func (h *handshake) established() *Client {
	h.conn.logger.Info("handshake completed")
	return newClient(h.conn, &h.keys, h.opts.version)
}

// connect runs the connecting role. The first Create and the Reply(true)
// acknowledgment are plaintext; keys become active right after the
// acknowledgment is written.
func (h *handshake) connect(ctx context.Context) (*Client, error) {
	ctx, cancel := h.context(ctx)
	defer cancel()

	announce := h.hello
	announce.Version = h.opts.version
	if _, err := h.conn.Create(ctx, announce); err != nil {
		return nil, errors.WithMessage(err, "handshake")
	}

	for {
		msg, err := h.next(ctx)
		if err != nil {
			var peer *PeerError
			if errors.As(err, &peer) {
				if mismatch, ok := versionMismatch(peer, h.opts.version); ok {
					return nil, mismatch
				}
			}
			return nil, err
		}
		h.conn.logger.Debug("handshake message", "phase", h.phase, "type", msg.Type)

		switch h.phase {
		case phaseClientData:
			if err := h.importReceiver(msg); err != nil {
				return nil, err
			}
			if _, err := h.conn.Reply(ctx, true, msg.ID); err != nil {
				return nil, errors.WithMessage(err, "handshake")
			}
			h.conn.SetKeys(&h.keys)
			h.phase = phaseFeedback
		case phaseFeedback:
			return h.established(), nil
		}
	}
}

// accept runs the accepting role. Its key reply is plaintext; keys become
// active before the closing Ping, which is the first encrypted frame.
func (h *handshake) accept(ctx context.Context) (*Client, error) {
	ctx, cancel := h.context(ctx)
	defer cancel()

	for {
		msg, err := h.next(ctx)
		if err != nil {
			return nil, err
		}
		h.conn.logger.Debug("handshake message", "phase", h.phase, "type", msg.Type)

		switch h.phase {
		case phaseClientData:
			var peer hello
			if err := msg.Decode(&peer); err != nil {
				h.reject(ctx, err, msg.ID)
				return nil, errors.WithMessage(err, "handshake payload")
			}

			if peer.Version != h.opts.version {
				mismatch := &VersionMismatchError{Server: h.opts.version, Client: peer.Version}
				h.reject(ctx, mismatch, msg.ID)
				return nil, mismatch
			}

			if err := h.importReceiver(msg); err != nil {
				h.reject(ctx, err, msg.ID)
				return nil, err
			}

			if _, err := h.conn.Reply(ctx, h.hello, msg.ID); err != nil {
				return nil, errors.WithMessage(err, "handshake")
			}
			h.phase = phaseFeedback
		case phaseFeedback:
			h.conn.SetKeys(&h.keys)
			if _, err := h.conn.Ping(ctx, msg.ID); err != nil {
				return nil, errors.WithMessage(err, "handshake")
			}
			return h.established(), nil
		}
	}
}

// reject tells the peer why its handshake was refused.
func (h *handshake) reject(ctx context.Context, cause error, to string) {
	if _, err := h.conn.Error(ctx, cause.Error(), to); err != nil {
		h.conn.logger.Debug("handshake rejection not sent", "error", err)
	}
}
