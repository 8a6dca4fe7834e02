package hl7

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog"
)

// NegativeAckError is returned when the peer answers with anything other
// than AA or CA.
type NegativeAckError struct {
	Code      AckCode
	ControlID string
}

func (e *NegativeAckError) Error() string {
	return fmt.Sprintf("mllp: negative acknowledgment %q for control id %q", e.Code, e.ControlID)
}

// MLLPClient sends framed messages to a remote MLLP listener and waits
// for the acknowledgment.
type MLLPClient struct {
	addr    string
	timeout time.Duration
	pool    *ConnectionPool
	logger  zerolog.Logger
}

type ClientOption func(*MLLPClient)

// WithTimeout bounds dial, write and ACK read when the caller's context
// carries no deadline of its own.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *MLLPClient) { c.timeout = d }
}

// WithPool reuses connections from p instead of dialing per message.
func WithPool(p *ConnectionPool) ClientOption {
	return func(c *MLLPClient) { c.pool = p }
}

func NewMLLPClient(addr string, logger zerolog.Logger, opts ...ClientOption) *MLLPClient {
	c := &MLLPClient{
		addr:    addr,
		timeout: 30 * time.Second,
		logger:  logger.With().Str("component", "mllp-client").Str("address", addr).Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *MLLPClient) Addr() string {
	return c.addr
}

// Send frames message, writes it and returns the parsed acknowledgment.
// A negative acknowledgment is returned together with a
// *NegativeAckError.
func (c *MLLPClient) Send(ctx context.Context, message []byte) (*Message, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}

	ack, err := c.exchange(ctx, conn, message)
	if err != nil {
		if pc, ok := conn.(*pooledConn); ok {
			pc.discard()
		}
		conn.Close()
		return nil, err
	}
	conn.Close()

	code := AckCodeOf(ack)
	if !code.Positive() {
		return ack, &NegativeAckError{Code: code, ControlID: ack.ControlID()}
	}

	c.logger.Debug().
		Str("control_id", ack.ControlID()).
		Str("ack_code", string(code)).
		Msg("message acknowledged")
	return ack, nil
}

func (c *MLLPClient) connect(ctx context.Context) (net.Conn, error) {
	if c.pool != nil {
		return c.pool.Get(ctx)
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("mllp: dial %s: %w", c.addr, err)
	}
	return conn, nil
}

func (c *MLLPClient) exchange(ctx context.Context, conn net.Conn, message []byte) (*Message, error) {
	deadline, _ := ctx.Deadline()
	conn.SetDeadline(deadline)
	defer conn.SetDeadline(time.Time{})

	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	if _, err := conn.Write(WrapMLLP(message)); err != nil {
		return nil, fmt.Errorf("mllp: write: %w", err)
	}

	raw, err := readFrame(conn, DefaultMaxFrameSize)
	if err != nil {
		return nil, fmt.Errorf("mllp: read ACK: %w", err)
	}
	ack, err := ParseMessage(raw)
	if err != nil {
		return nil, fmt.Errorf("mllp: parse ACK: %w", err)
	}
	return ack, nil
}

func readFrame(r io.Reader, max int) ([]byte, error) {
	acc := NewAccumulator(max)
	chunk := make([]byte, 1024)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			if _, werr := acc.Write(chunk[:n]); werr != nil {
				return nil, werr
			}
			if frame, ok := acc.Next(); ok {
				return frame, nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
}

// TestConnection checks that the remote listener accepts connections.
func (c *MLLPClient) TestConnection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("mllp: connection test %s: %w", c.addr, err)
	}
	return conn.Close()
}
