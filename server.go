package peerlink

import (
	"context"
	"iter"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Handler serves one established client.
type Handler interface {
	// Handle is called in its own goroutine for each established client.
	// The client is closed when Handle returns.
	Handle(ctx context.Context, client *Client) error
}

// HandlerFunc adapts a function to a Handler.
type HandlerFunc func(ctx context.Context, client *Client) error

// Handle calls f(ctx, client).
func (f HandlerFunc) Handle(ctx context.Context, client *Client) error {
	return f(ctx, client)
}

// Server accepts connections and runs the accepting side of the handshake
// on each. Connections whose handshake fails are dropped and the server
// keeps accepting.
type Server struct {
	listener net.Listener
	logger   Logger
	opts     options

	clients  *Mux[*Client]
	acceptor sync.Once

	mu       sync.Mutex
	shutdown bool
}

// Listen creates a server listening on address.
func Listen(network, address string, opt ...Option) (*Server, error) {
	listener, err := net.Listen(network, address)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", address)
	}

	s, err := NewServer(listener, opt...)
	if err != nil {
		_ = listener.Close()
		return nil, err
	}
	return s, nil
}

// NewServer creates a server on an existing listener.
func NewServer(listener net.Listener, opt ...Option) (*Server, error) {
	opts, err := newOptions(opt...)
	if err != nil {
		return nil, err
	}

	s := &Server{
		listener: listener,
		logger:   opts.logger,
		opts:     opts,
		clients:  NewMux[*Client](0),
	}
	s.clients.OnDrop(func(client *Client) { _ = client.Close() })
	return s, nil
}

// Accept waits for a connection that completes the handshake. Failed
// handshakes are logged and skipped. Do not mix Accept with Next, Clients
// or Serve on the same server.
func (s *Server) Accept(ctx context.Context) (*Client, error) {
	for {
		raw, err := s.accept(ctx)
		if err != nil {
			return nil, err
		}

		s.logger.Debug("accepted connection", "remote_addr", raw.RemoteAddr())
		if tcp, ok := raw.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
		}

		conn := newConnWithOptions(raw, s.opts)
		h, err := newHandshake(conn, s.opts)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}

		client, err := h.accept(ctx)
		if err != nil {
			_ = conn.Close()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.logger.Info("handshake failed", "remote_addr", raw.RemoteAddr(), "error", err)
			continue
		}
		return client, nil
	}
}

// Next returns the next established client.
func (s *Server) Next(ctx context.Context) (*Client, error) {
	s.acceptor.Do(func() {
		_ = s.clients.Add(SourceFunc[*Client](s.acceptLoop))
	})
	return s.clients.Next(ctx)
}

// Clients ranges over established clients until the server closes or ctx ends.
func (s *Server) Clients(ctx context.Context) iter.Seq2[*Client, error] {
	return func(yield func(*Client, error) bool) {
		for {
			client, err := s.Next(ctx)
			if errors.Is(err, ErrServerClosed) || isEOF(err) {
				return
			}
			if !yield(client, err) || err != nil {
				return
			}
		}
	}
}

// Serve runs handler for every established client until ctx is canceled
// or the listener fails, then waits for running handlers to return. When
// ctx ends the server is closed.
func (s *Server) Serve(ctx context.Context, handler Handler) error {
	s.logger.Info("server started", "addr", s.Addr())

	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	var group errgroup.Group
	for {
		client, err := s.Next(ctx)
		if err != nil {
			_ = group.Wait()
			if ctx.Err() != nil {
				err = ctx.Err()
			} else if isEOF(err) {
				err = ErrServerClosed
			}
			s.logger.Info("server stopped", "addr", s.Addr(), "error", err)
			return err
		}

		group.Go(func() error {
			defer client.Close()
			if err := handler.Handle(ctx, client); err != nil {
				s.logger.Warn("handler error", "remote_addr", client.Conn().Addr(), "error", err)
			}
			return nil
		})
	}
}

// Close stops the server by closing the listener. Established clients stay
// open; clients whose handshake is still running are dropped. Safe to call
// multiple times.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	s.clients.Close()
	return s.listener.Close()
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// acceptLoop feeds the client sequence. A listener failure ends the sequence.
func (s *Server) acceptLoop(ctx context.Context) (*Client, error) {
	client, err := s.Accept(ctx)
	if err != nil {
		s.clients.Seal()
		return nil, err
	}
	if s.isShutdown() {
		_ = client.Close()
		return nil, ErrServerClosed
	}
	return client, nil
}

func (s *Server) accept(ctx context.Context) (net.Conn, error) {
	if dl, ok := s.listener.(interface{ SetDeadline(time.Time) error }); ok {
		stop := watchDeadline(ctx, dl.SetDeadline)
		defer stop()
	}

	for {
		raw, err := s.listener.Accept()
		if err == nil {
			return raw, nil
		}

		if s.isShutdown() {
			return nil, ErrServerClosed
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			continue
		}
		s.logger.Error("accept error", "error", err)
		return nil, errors.Wrap(err, "accept")
	}
}

func (s *Server) isShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}
