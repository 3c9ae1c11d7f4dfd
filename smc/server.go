package smc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/mdlayher/vsock"
	"github.com/rs/zerolog/log"

	"github.com/gitee2github/itrustee-tzdriver/mailbox"
)

// Memory resolves physical addresses carried by a command.
type Memory interface {
	Lookup(phys uint64) ([]byte, bool)
}

// Handler executes a command on the secure side. It reports the outcome
// through cmd.RetVal and cmd.ErrOrigin and may write into mem.
type Handler interface {
	HandleCall(cmd *Command, mem Memory)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(cmd *Command, mem Memory)

// HandleCall implements Handler.
func (f HandlerFunc) HandleCall(cmd *Command, mem Memory) { f(cmd, mem) }

// Listener is the interface for accepting connections
type Listener interface {
	Accept() (net.Conn, error)
	Close() error
	Addr() net.Addr
}

// ListenVsock listens for REE connections on a vsock port.
func ListenVsock(port uint32) (Listener, error) {
	l, err := vsock.Listen(port, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create vsock listener: %w", err)
	}
	return l, nil
}

// ListenTCP listens on a TCP port for development mode.
func ListenTCP(port uint16) (Listener, error) {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("failed to create TCP listener: %w", err)
	}
	return l, nil
}

// Server answers secure calls from REE connections.
type Server struct {
	handler Handler

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// NewServer creates a server dispatching to h. Calls from all connections
// reach h concurrently.
func NewServer(h Handler) *Server {
	return &Server{handler: h, conns: make(map[net.Conn]struct{})}
}

// Serve accepts connections until ctx is cancelled or the listener fails.
func (s *Server) Serve(ctx context.Context, l Listener) error {
	go func() {
		<-ctx.Done()
		l.Close()
		s.closeConns()
	}()

	log.Info().Str("addr", l.Addr().String()).Msg("Secure call server listening")

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}

		s.track(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.track(conn, false)
			s.serveConn(conn)
		}()
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()

	for {
		var req Request
		if err := readFrame(conn, &req); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Warn().Err(err).Msg("Failed to read secure call")
			}
			return
		}

		resp := s.handle(&req)
		if err := writeFrame(conn, resp); err != nil {
			log.Warn().Err(err).Msg("Failed to write secure call response")
			return
		}
	}
}

// handle runs one request. A panicking handler is reported as a TEE-origin
// failure rather than taking the connection down.
func (s *Server) handle(req *Request) (resp *Response) {
	view := mailbox.NewView(req.Regions)
	cmd := req.Cmd

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("cmd", cmd.String()).Msg("Secure call handler panicked")
			Fail(&cmd, OriginTEE, ResultGeneric)
			resp = &Response{Cmd: cmd}
		}
	}()

	s.handler.HandleCall(&cmd, view)
	return &Response{Cmd: cmd, Regions: view.Regions()}
}

func (s *Server) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
}

// Local is an in-process Caller that hands commands straight to a Handler
// using the REE's own mailbox pool as shared memory.
type Local struct {
	Handler Handler
	Pool    *mailbox.Pool
}

// Call implements Caller.
func (l *Local) Call(cmd *Command) error {
	l.Handler.HandleCall(cmd, l.Pool)
	return nil
}
