package intercom

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/mdlayher/vsock"
	"github.com/rs/zerolog/log"
)

// Handler processes one request and returns the response to write back.
// Returning (nil, nil) suppresses the response (notifications).
type Handler func(ctx context.Context, msg *Message) (*Message, error)

// Server accepts frontend connections and dispatches their messages.
type Server struct {
	handler Handler

	mu       sync.Mutex
	conns    map[*Conn]struct{}
	closed   bool
	listener net.Listener
}

func NewServer(handler Handler) *Server {
	return &Server{
		handler: handler,
		conns:   make(map[*Conn]struct{}),
	}
}

// ListenTCP starts accepting on a TCP address.
func (s *Server) ListenTCP(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	log.Info().Str("addr", addr).Msg("Intercom listening on TCP")
	return s.serve(ctx, ln)
}

// ListenVsock starts accepting on a vsock port, for frontends running in a
// separate VM context.
func (s *Server) ListenVsock(ctx context.Context, port uint32) error {
	ln, err := vsock.Listen(port, nil)
	if err != nil {
		return err
	}
	log.Info().Uint32("port", port).Msg("Intercom listening on vsock")
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Warn().Err(err).Msg("Intercom accept failed")
			continue
		}
		conn := NewConn(nc)

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn *Conn) {
	// The handler context lives exactly as long as the connection, so
	// handlers can tie per-connection state to its cancellation.
	connCtx, cancel := context.WithCancel(ctx)

	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			return
		}

		resp, err := s.handler(connCtx, msg)
		if err != nil {
			resp = NewErrorResponse(msg, err)
		}
		if resp == nil {
			continue
		}
		if err := conn.WriteMessage(resp); err != nil {
			log.Warn().Err(err).Str("type", string(resp.Type)).Msg("Intercom write failed")
			return
		}
	}
}

// Broadcast pushes a notification to every connected frontend. Write
// failures drop the connection's message but never the broadcast.
func (s *Server) Broadcast(msg *Message) {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		if err := conn.WriteMessage(msg); err != nil {
			log.Debug().Err(err).Msg("Intercom broadcast write failed")
		}
	}
}

// Close stops the listener and drops all connections.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	ln := s.listener
	conns := make([]*Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, conn := range conns {
		conn.Close()
	}
}
