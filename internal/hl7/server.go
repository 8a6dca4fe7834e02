package hl7

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// FrameHandler processes one unwrapped inbound frame and returns the
// acknowledgment payload to send back. A nil return sends nothing.
type FrameHandler interface {
	HandleFrame(ctx context.Context, frame []byte) []byte
}

// FrameHandlerFunc adapts a function to FrameHandler.
type FrameHandlerFunc func(ctx context.Context, frame []byte) []byte

func (f FrameHandlerFunc) HandleFrame(ctx context.Context, frame []byte) []byte {
	return f(ctx, frame)
}

type ServerOptions struct {
	// ReadTimeout closes a connection that stays idle this long.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxFrameSize int
}

func (o ServerOptions) withDefaults() ServerOptions {
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 5 * time.Minute
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = DefaultMaxFrameSize
	}
	return o
}

// MLLPServer accepts MLLP connections and serves each one on its own
// goroutine. Frames on a connection are handled strictly in order.
type MLLPServer struct {
	addr    string
	handler FrameHandler
	opts    ServerOptions
	logger  zerolog.Logger

	listener net.Listener
	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once
}

func NewMLLPServer(addr string, handler FrameHandler, opts ServerOptions, logger zerolog.Logger) *MLLPServer {
	return &MLLPServer{
		addr:    addr,
		handler: handler,
		opts:    opts.withDefaults(),
		logger:  logger.With().Str("component", "mllp-server").Logger(),
		conns:   make(map[net.Conn]struct{}),
		done:    make(chan struct{}),
	}
}

// Start listens and returns once the listener is bound. Cancelling ctx
// stops the server and cancels in-flight frame processing.
func (s *MLLPServer) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("mllp: listen on %s: %w", s.addr, err)
	}
	s.listener = listener

	s.logger.Info().Str("address", listener.Addr().String()).Msg("MLLP listener started")

	connCtx, cancel := context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.acceptConnections(connCtx)
	}()

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.done:
		}
	}()
	return nil
}

// Addr returns the bound address, useful when listening on port 0.
func (s *MLLPServer) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *MLLPServer) acceptConnections(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.logger.Error().Err(err).Msg("accept failed")
			return
		}

		s.track(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.track(conn, false)
			defer conn.Close()
			s.handleConnection(ctx, conn)
		}()
	}
}

func (s *MLLPServer) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		select {
		case <-s.done:
			conn.Close()
		default:
			s.conns[conn] = struct{}{}
		}
	} else {
		delete(s.conns, conn)
	}
}

func (s *MLLPServer) handleConnection(ctx context.Context, conn net.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	remote := conn.RemoteAddr().String()
	log := s.logger.With().Str("remote_addr", remote).Logger()
	log.Info().Msg("connection opened")

	acc := NewAccumulator(s.opts.MaxFrameSize)
	chunk := make([]byte, 4096)

	for {
		conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
		n, readErr := conn.Read(chunk)
		if n > 0 {
			if _, err := acc.Write(chunk[:n]); err != nil {
				log.Warn().Err(err).Int("buffered", acc.Len()).Msg("closing connection")
				return
			}
			for {
				frame, ok := acc.Next()
				if !ok {
					break
				}
				ack := s.handler.HandleFrame(ctx, frame)
				if ack == nil {
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
				if _, err := conn.Write(WrapMLLP(ack)); err != nil {
					log.Error().Err(err).Msg("ACK write failed")
					return
				}
			}
		}

		if readErr != nil {
			var ne net.Error
			switch {
			case errors.Is(readErr, io.EOF):
				log.Info().Msg("connection closed by peer")
			case errors.As(readErr, &ne) && ne.Timeout():
				log.Info().Dur("idle", s.opts.ReadTimeout).Msg("closing idle connection")
			case ctx.Err() != nil:
			default:
				log.Error().Err(readErr).Msg("read failed")
			}
			return
		}
	}
}

// Stop closes the listener and every open connection, then waits for
// connection goroutines to return.
func (s *MLLPServer) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.done)
		if s.listener != nil {
			err = s.listener.Close()
		}
		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
		s.wg.Wait()
		s.logger.Info().Msg("MLLP listener stopped")
	})
	return err
}
