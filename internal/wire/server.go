package wire

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/solidb-io/solidb/internal/engerr"
	"github.com/solidb-io/solidb/internal/enginelog"
)

// Handler dispatches one decoded Command to its response. Implementations
// do not need to be safe for the framing layer's own concerns (handshake,
// length-prefix parsing) — Server owns those; Handler only sees Commands.
type Handler interface {
	Handle(ctx context.Context, cmd *Command) *Response
}

const (
	defaultMaxConns       = 256
	defaultRequestTimeout = 30 * time.Second
)

// Server accepts TCP connections, performs the wire handshake, and then
// runs a per-connection command loop: one accept goroutine handing each
// connection to its own worker goroutine over length-prefixed CBOR
// frames.
type Server struct {
	Addr           string
	Handler        Handler
	MaxConns       int
	RequestTimeout time.Duration

	mu       sync.RWMutex
	listener net.Listener
	shutdown bool

	shutdownChan  chan struct{}
	stopOnce      sync.Once
	readyChan     chan struct{}
	connSemaphore chan struct{}
	activeConns   atomic.Int32
}

// NewServer constructs a Server with the given defaults filled in for
// zero fields.
func NewServer(addr string, handler Handler) *Server {
	s := &Server{
		Addr:           addr,
		Handler:        handler,
		MaxConns:       defaultMaxConns,
		RequestTimeout: defaultRequestTimeout,
		shutdownChan:   make(chan struct{}),
		readyChan:      make(chan struct{}),
	}
	s.connSemaphore = make(chan struct{}, s.MaxConns)
	return s
}

// WaitReady blocks until the listener is accepting connections.
func (s *Server) WaitReady() <-chan struct{} {
	return s.readyChan
}

// Serve listens on Addr and runs until ctx is cancelled or Stop is
// called, accepting connections and handling each on its own goroutine.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("wire: listen %s: %w", s.Addr, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	close(s.readyChan)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.RLock()
			shutdown := s.shutdown
			s.mu.RUnlock()
			if shutdown {
				return nil
			}
			return fmt.Errorf("wire: accept: %w", err)
		}

		select {
		case s.connSemaphore <- struct{}{}:
			s.activeConns.Add(1)
			go func(c net.Conn) {
				defer func() {
					<-s.connSemaphore
					s.activeConns.Add(-1)
				}()
				s.handleConnection(ctx, c)
			}(conn)
		default:
			conn.Close()
		}
	}
}

// Stop closes the listener, causing Serve's accept loop to return.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.shutdown = true
		listener := s.listener
		s.mu.Unlock()

		close(s.shutdownChan)
		if listener != nil {
			err = listener.Close()
		}
	})
	return err
}

// ActiveConns reports the number of connections currently being served.
func (s *Server) ActiveConns() int32 {
	return s.activeConns.Load()
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if err := ReadHandshake(conn); err != nil {
		enginelog.Warnf("wire: handshake from %s: %v", conn.RemoteAddr(), err)
		return
	}
	if err := WriteHandshake(conn); err != nil {
		return
	}

	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)

	for {
		if s.RequestTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(s.RequestTimeout)); err != nil {
				return
			}
		}

		cmd, err := ReceiveCommand(reader)
		if err != nil {
			return
		}
		if cmd.ID == "" {
			cmd.ID = uuid.NewString()
		}

		resp := s.dispatch(ctx, cmd)

		if s.RequestTimeout > 0 {
			if err := conn.SetWriteDeadline(time.Now().Add(s.RequestTimeout)); err != nil {
				return
			}
		}
		if err := SendResponse(writer, resp); err != nil {
			return
		}
		if err := writer.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, cmd *Command) *Response {
	resp := s.Handler.Handle(ctx, cmd)
	if resp != nil {
		return resp
	}
	errResp, _ := NewResponse(cmd.ID, RespError, ErrorBody{
		Kind:    engerr.KindInternal.String(),
		Message: "handler returned no response",
	})
	return errResp
}
