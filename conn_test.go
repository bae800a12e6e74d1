package peerlink

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// testOptions returns resolved options with small keys and a silent logger.
func testOptions(t *testing.T, opt ...Option) options {
	t.Helper()
	opts, err := newOptions(testOpts(opt...)...)
	require.NoError(t, err)
	return opts
}

func testOpts(opt ...Option) []Option {
	return append([]Option{AlgorithmOption(testAlgorithm()), LoggerOption(discardLogger)}, opt...)
}

// createTestTCPPair creates a connected pair of TCP connections for testing
func createTestTCPPair(t *testing.T) (*net.TCPConn, *net.TCPConn) {
	t.Helper()

	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer listener.Close()

	clientChan := make(chan *net.TCPConn, 1)
	errChan := make(chan error, 1)
	go func() {
		conn, err := net.DialTCP("tcp", nil, listener.Addr().(*net.TCPAddr))
		if err != nil {
			errChan <- err
			return
		}
		clientChan <- conn
	}()

	serverConn, err := listener.AcceptTCP()
	require.NoError(t, err)

	select {
	case clientConn := <-clientChan:
		t.Cleanup(func() {
			_ = serverConn.Close()
			_ = clientConn.Close()
		})
		return serverConn, clientConn
	case err := <-errChan:
		t.Fatalf("failed to dial: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for dial")
	}
	return nil, nil
}

// newPipeConn wraps one end of an in-memory pipe and returns the raw other end.
func newPipeConn(t *testing.T, opt ...Option) (*Conn, net.Conn) {
	t.Helper()
	local, remote := net.Pipe()
	t.Cleanup(func() {
		_ = local.Close()
		_ = remote.Close()
	})
	return newConnWithOptions(local, testOptions(t, opt...)), remote
}

// newConnPair wraps both ends of an in-memory pipe.
func newConnPair(t *testing.T, opt ...Option) (*Conn, *Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	opts := testOptions(t, opt...)
	return newConnWithOptions(a, opts), newConnWithOptions(b, opts)
}

func frameOf(t *testing.T, msg *Message) []byte {
	t.Helper()
	data, err := msg.Serialize()
	require.NoError(t, err)
	return appendFrame(nil, data, DefaultSeparator)
}

func writeAsync(t *testing.T, w io.Writer, chunks ...[]byte) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		for _, chunk := range chunks {
			if _, err := w.Write(chunk); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()
	return done
}

// readMessage reads one plaintext frame from a raw peer.
func readMessage(t *testing.T, r *bufio.Reader) *Message {
	t.Helper()
	line, err := r.ReadBytes('\n')
	require.NoError(t, err)

	data, err := parseFrame(line[:len(line)-1])
	require.NoError(t, err)
	msg, err := DecodeMessage(data, DefaultRegistry())
	require.NoError(t, err)
	return msg
}

type nextResult struct {
	msg *Message
	err error
}

func nextAsync(ctx context.Context, c *Conn) <-chan nextResult {
	ch := make(chan nextResult, 1)
	go func() {
		msg, err := c.Next(ctx)
		ch <- nextResult{msg: msg, err: err}
	}()
	return ch
}

func awaitNext(t *testing.T, ch <-chan nextResult) *Message {
	t.Helper()
	select {
	case r := <-ch:
		require.NoError(t, r.err)
		return r.msg
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for message")
	}
	return nil
}

func TestNewConn(t *testing.T) {
	server, client := createTestTCPPair(t)

	conn, err := NewConn(server)
	require.NoError(t, err)

	assert.Equal(t, client.LocalAddr().String(), conn.Addr().String())
	assert.Equal(t, defaultBufferSize, len(conn.buf))
	assert.Nil(t, conn.Keys())
	assert.False(t, conn.IsClosed())
}

func TestConn_CreateIsReceived(t *testing.T) {
	a, b := newConnPair(t)
	ctx := testContext(t)

	type greeting struct {
		Text string `bson:"text"`
		N    int32  `bson:"n"`
	}

	sent := make(chan *Message, 1)
	go func() {
		msg, err := a.Create(ctx, greeting{Text: "hello", N: 2})
		if err == nil {
			sent <- msg
		}
	}()

	got, err := b.Next(ctx)
	require.NoError(t, err)

	msg := <-sent
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, TypeCreate, got.Type)
	assert.Empty(t, got.To)

	var decoded greeting
	require.NoError(t, got.Decode(&decoded))
	assert.Equal(t, greeting{Text: "hello", N: 2}, decoded)
	assert.Equal(t, 1, a.pending.len())
}

func TestConn_FrameSplitAcrossReads(t *testing.T) {
	conn, remote := newPipeConn(t)
	ctx := testContext(t)

	create := NewCreate("split")
	frame := frameOf(t, create)
	written := writeAsync(t, remote, frame[:7], frame[7:20], frame[20:])

	msg, err := conn.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, create.ID, msg.ID)
	assert.Equal(t, "split", msg.Text())
	require.NoError(t, <-written)

	assert.Empty(t, conn.queue)
	assert.Empty(t, conn.partial)
}

func TestConn_TwoFramesInOneRead(t *testing.T) {
	conn, remote := newPipeConn(t)
	ctx := testContext(t)

	first, second := NewCreate("first"), NewCreate("second")
	written := writeAsync(t, remote, append(frameOf(t, first), frameOf(t, second)...))

	msg, err := conn.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, msg.ID)

	msg, err = conn.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, msg.ID)
	require.NoError(t, <-written)
}

func TestConn_CustomSeparator(t *testing.T) {
	conn, remote := newPipeConn(t, SeparatorOption("<end>"))
	ctx := testContext(t)

	create := NewCreate("custom")
	data, err := create.Serialize()
	require.NoError(t, err)
	written := writeAsync(t, remote, appendFrame(nil, data, "<end>"))

	msg, err := conn.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "custom", msg.Text())
	require.NoError(t, <-written)
}

func TestConn_Correlation(t *testing.T) {
	conn, remote := newPipeConn(t)
	ctx := testContext(t)
	peer := bufio.NewReader(remote)

	go func() {
		_, _ = conn.Create(ctx, "question")
		_, _ = conn.Create(ctx, "other")
	}()
	question := readMessage(t, peer)
	other := readMessage(t, peer)
	require.Eventually(t, func() bool { return conn.pending.len() == 2 }, time.Second, 5*time.Millisecond)

	reply := NewReply("answer", question.ID)
	written := writeAsync(t, remote, frameOf(t, reply))

	msg, err := conn.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, reply.ID, msg.ID)
	assert.Equal(t, question.ID, msg.To)
	require.NoError(t, <-written)

	conn.pending.mu.Lock()
	target := conn.pending.entries[other.ID]
	conn.pending.mu.Unlock()
	require.NotNil(t, target)
	assert.Equal(t, 1, conn.pending.len())

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = target.Next(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConn_CorrelatedDeliveredOnce(t *testing.T) {
	a, b := newConnPair(t)
	ctx := testContext(t)

	sent := make(chan *Message, 1)
	go func() {
		msg, err := a.Create(ctx, "question")
		if err == nil {
			sent <- msg
		}
	}()
	question, err := b.Next(ctx)
	require.NoError(t, err)
	msg := <-sent

	go func() {
		_, _ = b.Reply(ctx, "first", question.ID)
		_, _ = b.Reply(ctx, "second", question.ID)
	}()

	first, err := a.Next(ctx)
	require.NoError(t, err)
	second, err := a.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "second", second.Text())

	got, err := msg.Next(ctx)
	require.NoError(t, err)
	assert.Same(t, first, got)

	_, err = msg.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
	assert.Zero(t, a.pending.len())
}

func TestConn_PingEcho(t *testing.T) {
	conn, remote := newPipeConn(t)
	ctx := testContext(t)
	peer := bufio.NewReader(remote)

	ping := NewPing("")
	written := writeAsync(t, remote, frameOf(t, ping))
	next := nextAsync(ctx, conn)

	echo := readMessage(t, peer)
	assert.Equal(t, TypePing, echo.Type)
	assert.Equal(t, ping.ID, echo.To)
	assert.False(t, echo.Timestamp().IsZero())

	msg := awaitNext(t, next)
	assert.Equal(t, ping.ID, msg.ID)
	require.NoError(t, <-written)

	assert.Zero(t, conn.pending.len())
}

func TestConn_EchoOfOwnPingIsNotEchoed(t *testing.T) {
	conn, remote := newPipeConn(t)
	ctx := testContext(t)
	peer := bufio.NewReader(remote)

	sent := make(chan *Message, 1)
	go func() {
		msg, err := conn.Ping(ctx, "")
		if err == nil {
			sent <- msg
		}
	}()
	ours := readMessage(t, peer)
	mine := <-sent

	echo := NewPing(ours.ID)
	written := writeAsync(t, remote, frameOf(t, echo))

	msg, err := conn.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, echo.ID, msg.ID)
	require.NoError(t, <-written)

	got, err := mine.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, echo.ID, got.ID)

	require.NoError(t, remote.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	_, err = peer.ReadByte()
	var netErr net.Error
	require.True(t, errors.As(err, &netErr))
	assert.True(t, netErr.Timeout())
}

func TestConn_MalformedFrameReportsError(t *testing.T) {
	conn, remote := newPipeConn(t)
	ctx := testContext(t)
	peer := bufio.NewReader(remote)

	valid := NewCreate("after")
	written := writeAsync(t, remote, []byte("1,2,x\n"), frameOf(t, valid))
	next := nextAsync(ctx, conn)

	report := readMessage(t, peer)
	assert.Equal(t, TypeError, report.Type)
	assert.Empty(t, report.To)
	assert.Contains(t, report.Text(), "deserialize")

	msg := awaitNext(t, next)
	assert.Equal(t, valid.ID, msg.ID)
	require.NoError(t, <-written)
	assert.Zero(t, conn.pending.len())
}

func TestConn_UnknownTypeReportsError(t *testing.T) {
	conn, remote := newPipeConn(t)
	ctx := testContext(t)
	peer := bufio.NewReader(remote)

	written := writeAsync(t, remote, frameOf(t, NewMessage("Bogus", "x", "")))
	next := nextAsync(ctx, conn)

	report := readMessage(t, peer)
	assert.Equal(t, TypeError, report.Type)
	assert.Equal(t, "Bogus is not a valid message type", report.Text())
	require.NoError(t, <-written)

	_ = remote.Close()
	select {
	case r := <-next:
		assert.ErrorIs(t, r.err, ErrConnectionClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for close")
	}
}

func TestConn_PeerClosed(t *testing.T) {
	a, b := newConnPair(t)
	ctx := testContext(t)

	sent := make(chan *Message, 1)
	go func() {
		msg, err := a.Create(ctx, "never answered")
		if err == nil {
			sent <- msg
		}
	}()
	_, err := b.Next(ctx)
	require.NoError(t, err)
	msg := <-sent

	require.NoError(t, b.Close())
	assert.True(t, b.IsClosed())

	_, err = a.Next(ctx)
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.True(t, a.IsClosed())

	_, err = msg.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)

	_, err = a.Create(ctx, "late")
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.NoError(t, a.Close())
}

func TestConn_NextCanceled(t *testing.T) {
	conn, _ := newPipeConn(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := conn.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, conn.IsClosed())
}

func TestConn_MessageTooLarge(t *testing.T) {
	conn, remote := newPipeConn(t, MessageMaxSize(16))
	ctx := testContext(t)

	written := writeAsync(t, remote, []byte("1,2,3,4,5,6,7,8,9,10,11"))

	_, err := conn.Next(ctx)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
	require.NoError(t, <-written)
}

func TestConn_Request(t *testing.T) {
	a, b := newConnPair(t)
	ctx := testContext(t)

	go func() {
		for {
			if _, err := a.Next(ctx); err != nil {
				return
			}
		}
	}()
	go func() {
		msg, err := b.Next(ctx)
		if err != nil {
			return
		}
		_, _ = b.Reply(ctx, msg.Text()+"!", msg.ID)
	}()

	answer, err := a.Request(ctx, "hi")
	require.NoError(t, err)
	assert.Equal(t, TypeReply, answer.Type)
	assert.Equal(t, "hi!", answer.Text())
	assert.Zero(t, a.pending.len())
}

func TestConn_RequestPeerError(t *testing.T) {
	a, b := newConnPair(t)
	ctx := testContext(t)

	go func() {
		for {
			if _, err := a.Next(ctx); err != nil {
				return
			}
		}
	}()
	go func() {
		msg, err := b.Next(ctx)
		if err != nil {
			return
		}
		_, _ = b.Error(ctx, "refused", msg.ID)
	}()

	answer, err := a.Request(ctx, "hi")
	var peerErr *PeerError
	require.True(t, errors.As(err, &peerErr))
	assert.Equal(t, "refused", peerErr.Text)
	assert.Equal(t, answer.ID, peerErr.ID)
}

func TestConn_ReplyWindow(t *testing.T) {
	a, b := newConnPair(t, ReplyWindowOption(500*time.Millisecond))
	ctx := testContext(t)

	go func() {
		_, _ = a.Create(ctx, "question")
	}()
	question, err := b.Next(ctx)
	require.NoError(t, err)

	replied := make(chan *Message, 1)
	go func() {
		msg, err := b.Reply(ctx, "answer", question.ID)
		if err == nil {
			replied <- msg
		}
	}()
	answer, err := a.Next(ctx)
	require.NoError(t, err)
	reply := <-replied
	assert.Equal(t, reply.ID, answer.ID)
	assert.Equal(t, 1, b.pending.len())

	// A follow-up inside the window still reaches the reply.
	go func() {
		_, _ = a.Reply(ctx, "thanks", answer.ID)
	}()
	followUp, err := b.Next(ctx)
	require.NoError(t, err)
	got, err := reply.Next(ctx)
	require.NoError(t, err)
	assert.Same(t, followUp, got)

	go func() {
		_, _ = b.Error(ctx, "done", "")
	}()
	_, err = a.Next(ctx)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return b.pending.len() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestConn_ReplyWindowDisabled(t *testing.T) {
	a, b := newConnPair(t, ReplyWindowOption(-1))
	ctx := testContext(t)

	go func() {
		_, _ = b.Reply(ctx, "unsolicited", "")
		_, _ = b.Error(ctx, "oops", "")
	}()
	for i := 0; i < 2; i++ {
		_, err := a.Next(ctx)
		require.NoError(t, err)
	}
	assert.Zero(t, b.pending.len())
}

func TestConn_RequestTimeoutForgets(t *testing.T) {
	a, b := newConnPair(t)
	ctx := testContext(t)

	go func() {
		for {
			if _, err := b.Next(ctx); err != nil {
				return
			}
		}
	}()

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()

	_, err := a.Request(short, "unanswered")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, a.pending.len())
}

func TestConn_Encrypted(t *testing.T) {
	a, b := newConnPair(t)
	ctx := testContext(t)

	keyA, keyB := testKey(t), testKey(t)
	a.SetKeys(&Keys{Home: keyA, Receiver: keyB.Public()})
	b.SetKeys(&Keys{Home: keyB, Receiver: keyA.Public()})

	payload := make([]byte, 500)
	for i := range payload {
		payload[i] = byte(i)
	}

	go func() {
		_, _ = a.Create(ctx, payload)
	}()

	msg, err := b.Next(ctx)
	require.NoError(t, err)

	var got []byte
	require.NoError(t, msg.Decode(&got))
	assert.Equal(t, payload, got)
}

func TestConn_MismatchedKeysReportError(t *testing.T) {
	a, b := newConnPair(t)
	ctx := testContext(t)

	keyA, keyB, stranger := testKey(t), testKey(t), testKey(t)
	a.SetKeys(&Keys{Home: keyA, Receiver: stranger.Public()})
	b.SetKeys(&Keys{Home: keyB, Receiver: keyA.Public()})

	go func() {
		_, _ = a.Create(ctx, "unreadable")
	}()

	bctx, cancel := context.WithCancel(ctx)
	defer cancel()
	bNext := nextAsync(bctx, b)

	msg, err := a.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, TypeError, msg.Type)
	assert.Contains(t, msg.Text(), "decrypt")

	cancel()
	r := <-bNext
	assert.ErrorIs(t, r.err, context.Canceled)
}

func TestPending(t *testing.T) {
	ctx := testContext(t)
	p := newPending()

	question, other := NewCreate("q"), NewCreate("o")
	require.NoError(t, p.add(question))
	require.NoError(t, p.add(other))

	assert.Nil(t, p.deliver(NewCreate("unsolicited")))
	assert.Nil(t, p.deliver(NewReply(true, "missing")))

	reply := NewReply(true, question.ID)
	assert.Same(t, question, p.deliver(reply))
	assert.Nil(t, p.deliver(NewReply(false, question.ID)))

	var got []*Message
	for msg, err := range question.Replies(ctx) {
		require.NoError(t, err)
		got = append(got, msg)
	}
	assert.Equal(t, []*Message{reply}, got)

	p.remove(other.ID)
	_, err := other.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
	assert.Zero(t, p.len())

	late := NewCreate("late")
	require.NoError(t, p.add(late))
	p.closeAll()
	_, err = late.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
	assert.ErrorIs(t, p.add(NewCreate("closed")), ErrConnectionClosed)
}
