package peerlink

import (
	"context"
	"io"
	"iter"
	"net"
	"sync"

	"github.com/pkg/errors"
)

// Client is an established, encrypted session. Its inbound sequence is the
// connection's.
type Client struct {
	inbound *Mux[*Message]
	backlog *backlog
	cancel  context.CancelFunc

	conn    *Conn
	keys    *Keys
	version string
}

func newClient(conn *Conn, keys *Keys, version string) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		inbound: NewMux[*Message](0),
		backlog: newBacklog(),
		cancel:  cancel,
		conn:    conn,
		keys:    keys,
		version: version,
	}
	go c.backlog.fill(ctx, conn)
	_ = c.inbound.Add(c.backlog)
	c.inbound.Seal()
	return c
}

// Dial connects to address and runs the connecting side of the handshake.
func Dial(ctx context.Context, network, address string, opt ...Option) (*Client, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", address)
	}

	c, err := Connect(ctx, raw, opt...)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	return c, nil
}

// Connect runs the connecting side of the handshake over raw.
// On failure the caller still owns raw.
func Connect(ctx context.Context, raw net.Conn, opt ...Option) (*Client, error) {
	opts, err := newOptions(opt...)
	if err != nil {
		return nil, err
	}

	h, err := newHandshake(newConnWithOptions(raw, opts), opts)
	if err != nil {
		return nil, err
	}
	return h.connect(ctx)
}

// Conn returns the connection, for sending.
func (c *Client) Conn() *Conn {
	return c.conn
}

// Keys returns the negotiated session keys.
func (c *Client) Keys() *Keys {
	return c.keys
}

// Version returns the protocol version in effect.
func (c *Client) Version() string {
	return c.version
}

// Next returns the next inbound message. After the connection ends it
// returns ErrConnectionClosed once, then io.EOF.
func (c *Client) Next(ctx context.Context) (*Message, error) {
	return c.inbound.Next(ctx)
}

// Messages ranges over inbound messages until the connection ends.
func (c *Client) Messages(ctx context.Context) iter.Seq2[*Message, error] {
	return c.inbound.All(ctx)
}

// Request sends content and waits for the correlated answer. The connection
// keeps reading while Next is not called, so Request works on its own.
func (c *Client) Request(ctx context.Context, content any) (*Message, error) {
	return c.conn.Request(ctx, content)
}

// Close stops the inbound sequence and closes the connection.
func (c *Client) Close() error {
	c.cancel()
	c.inbound.Close()
	return c.conn.Close()
}

// backlog reads a connection continuously and queues what it reads, so
// correlated answers are routed even when nobody consumes the sequence.
// Unconsumed messages accumulate until the client is closed.
type backlog struct {
	mu    sync.Mutex
	queue []result[*Message]
	done  bool
	ready chan struct{}
}

func newBacklog() *backlog {
	return &backlog{ready: make(chan struct{}, 1)}
}

func (b *backlog) fill(ctx context.Context, conn *Conn) {
	for {
		msg, err := conn.Next(ctx)

		b.mu.Lock()
		b.queue = append(b.queue, result[*Message]{item: msg, err: err})
		b.done = err != nil
		b.mu.Unlock()

		select {
		case b.ready <- struct{}{}:
		default:
		}

		if err != nil {
			return
		}
	}
}

// Next returns queued messages in order. The read error comes last, once.
func (b *backlog) Next(ctx context.Context) (*Message, error) {
	for {
		b.mu.Lock()
		if len(b.queue) > 0 {
			r := b.queue[0]
			b.queue[0] = result[*Message]{}
			b.queue = b.queue[1:]
			b.mu.Unlock()
			return r.item, r.err
		}
		done := b.done
		b.mu.Unlock()

		if done {
			return nil, io.EOF
		}

		select {
		case <-b.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
