// Package peerlink implements a small peer-to-peer messaging protocol over
// TCP. Two endpoints exchange RSA public keys in a short handshake, then
// send typed, individually encrypted messages with request/reply
// correlation.
package peerlink

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

// Conn frames messages onto a raw stream and reassembles them on the way
// back. It keeps the messages awaiting correlated input and, once the
// handshake activated them, the session keys.
type Conn struct {
	rawConn net.Conn
	logger  Logger
	opts    options

	pending *pending
	keys    atomic.Pointer[Keys]

	writeMu sync.Mutex

	// read state, owned by the goroutine holding readMu
	readMu  sync.Mutex
	buf     []byte
	partial []byte
	queue   []*Message

	closed atomic.Bool
}

// NewConn wraps conn. Options are validated before the connection is built.
// The returned Conn speaks plaintext until SetKeys is called.
func NewConn(conn net.Conn, opt ...Option) (*Conn, error) {
	opts, err := newOptions(opt...)
	if err != nil {
		return nil, err
	}
	return newConnWithOptions(conn, opts), nil
}

func newConnWithOptions(c net.Conn, opts options) *Conn {
	return &Conn{
		rawConn: c,
		logger:  withAttrs(opts.logger, "addr", c.RemoteAddr()),
		opts:    opts,
		pending: newPending(),
		buf:     make([]byte, opts.bufferSize),
	}
}

// SetKeys activates encryption for every later write and read.
func (c *Conn) SetKeys(keys *Keys) {
	c.keys.Store(keys)
}

// Keys returns the active session keys, or nil before the handshake.
func (c *Conn) Keys() *Keys {
	return c.keys.Load()
}

// Send registers msg as awaiting correlated input and writes it. Reply and
// Error end an exchange, so they stay registered only for the reply window.
func (c *Conn) Send(ctx context.Context, msg *Message) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	closing := msg.Type == TypeReply || msg.Type == TypeError
	if closing && c.opts.replyWindow < 0 {
		return c.write(ctx, msg)
	}

	if err := c.pending.add(msg); err != nil {
		return err
	}

	if err := c.write(ctx, msg); err != nil {
		c.pending.remove(msg.ID)
		return err
	}

	if closing {
		c.pending.expire(msg.ID, c.opts.replyWindow)
	}
	return nil
}

// Create sends a Create message carrying content.
func (c *Conn) Create(ctx context.Context, content any) (*Message, error) {
	return c.sendNew(ctx, NewCreate(content))
}

// Reply sends a Reply to the message with id to.
func (c *Conn) Reply(ctx context.Context, content any, to string) (*Message, error) {
	return c.sendNew(ctx, NewReply(content, to))
}

// Error sends an Error. to may be empty.
func (c *Conn) Error(ctx context.Context, text string, to string) (*Message, error) {
	return c.sendNew(ctx, NewError(text, to))
}

// Ping sends a Ping. to may be empty.
func (c *Conn) Ping(ctx context.Context, to string) (*Message, error) {
	return c.sendNew(ctx, NewPing(to))
}

func (c *Conn) sendNew(ctx context.Context, msg *Message) (*Message, error) {
	if err := c.Send(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Request sends a Create and waits for the first message correlated to it.
// Some goroutine must be consuming the connection's inbound sequence for the
// answer to arrive. A correlated Error is returned as *PeerError. When ctx
// ends first the request is forgotten.
func (c *Conn) Request(ctx context.Context, content any) (*Message, error) {
	msg, err := c.Create(ctx, content)
	if err != nil {
		return nil, err
	}

	answer, err := msg.Next(ctx)
	if err != nil {
		c.pending.remove(msg.ID)
		if errors.Is(err, io.EOF) {
			return nil, ErrConnectionClosed
		}
		return nil, err
	}

	if answer.Type == TypeError {
		return answer, newPeerError(answer)
	}
	return answer, nil
}

// Next returns the next inbound message. Messages correlated to a pending
// message are delivered to it as well as returned here.
func (c *Conn) Next(ctx context.Context) (*Message, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for len(c.queue) == 0 {
		if err := c.read(ctx); err != nil {
			return nil, err
		}
	}

	msg := c.queue[0]
	c.queue[0] = nil
	c.queue = c.queue[1:]
	return msg, nil
}

// Addr returns the remote address of the connection.
func (c *Conn) Addr() net.Addr {
	return c.rawConn.RemoteAddr()
}

// Close closes the underlying stream and ends every pending message's
// correlated sequence. Safe to call multiple times.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.pending.closeAll()
	return c.rawConn.Close()
}

// IsClosed returns true if the connection has been closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// read performs one read and decodes every frame it completes.
func (c *Conn) read(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	stop := watchDeadline(ctx, c.rawConn.SetReadDeadline)
	n, err := c.rawConn.Read(c.buf)
	stop()

	if n > 0 {
		if perr := c.push(ctx, c.buf[:n]); perr != nil {
			return perr
		}
	}

	// Decoded messages go out first; the error repeats on the next read.
	if err == nil || len(c.queue) > 0 {
		return nil
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if isClosedErr(err) {
		c.logger.Debug("connection closed by peer")
		_ = c.Close()
		return ErrConnectionClosed
	}
	c.logger.Debug("read error", "error", err)
	return errors.Wrap(err, "read")
}

// push appends data to the partial frame and processes every complete frame.
func (c *Conn) push(ctx context.Context, data []byte) error {
	c.partial = append(c.partial, data...)
	frames, rest := splitFrames(c.partial, c.opts.separator)
	c.partial = bytes.Clone(rest)

	for _, frame := range frames {
		msg, err := c.decode(frame)
		if err != nil {
			c.logger.Debug("frame rejected", "error", err)
			if werr := c.write(ctx, NewError(err.Error(), "")); werr != nil {
				return werr
			}
			continue
		}

		if err := c.dispatch(ctx, msg); err != nil {
			return err
		}
		c.queue = append(c.queue, msg)
	}

	if len(c.partial) > c.opts.maxFrameLength {
		return errors.Wrapf(ErrMessageTooLarge, "%d bytes without separator", len(c.partial))
	}
	return nil
}

func (c *Conn) decode(frame []byte) (*Message, error) {
	data, err := parseFrame(frame)
	if err != nil {
		return nil, err
	}

	if keys := c.keys.Load(); keys != nil {
		if data, err = keys.Home.Decrypt(data); err != nil {
			return nil, err
		}
	}

	return DecodeMessage(data, c.opts.registry)
}

// dispatch routes msg to the message it answers and echoes pings. An echo
// of one of our own pings is not echoed again. Echoes are written without
// registration since nothing answers them.
func (c *Conn) dispatch(ctx context.Context, msg *Message) error {
	target := c.pending.deliver(msg)

	if msg.Type != TypePing {
		return nil
	}
	if target != nil && target.Type == TypePing {
		return nil
	}
	return c.write(ctx, NewPing(msg.ID))
}

// write serializes msg, encrypts it when keys are active, and writes the
// whole frame.
func (c *Conn) write(ctx context.Context, msg *Message) error {
	data, err := msg.Serialize()
	if err != nil {
		return err
	}

	if keys := c.keys.Load(); keys != nil {
		if data, err = keys.Receiver.Encrypt(data); err != nil {
			return err
		}
	}

	sep := c.opts.separator
	frame := appendFrame(make([]byte, 0, len(data)*4+len(sep)), data, sep)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	stop := watchDeadline(ctx, c.rawConn.SetWriteDeadline)
	defer stop()

	for len(frame) > 0 {
		n, err := c.rawConn.Write(frame)
		frame = frame[n:]
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Debug("write error", "error", err)
			if isClosedErr(err) {
				return ErrConnectionClosed
			}
			return errors.Wrap(err, "write")
		}
	}
	return nil
}

// watchDeadline moves the stream deadline to now when ctx ends, unblocking
// a pending read or write. The returned func clears the deadline.
// The stream deadline only moves after ctx is done, so a timeout seen by
// the caller always coincides with ctx.Err() being set.
func watchDeadline(ctx context.Context, set func(time.Time) error) func() {
	if ctx.Done() == nil {
		return func() {}
	}

	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		_ = set(time.Now())
		close(fired)
	})

	return func() {
		if !stop() {
			<-fired
		}
		_ = set(time.Time{})
	}
}

func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET)
}
