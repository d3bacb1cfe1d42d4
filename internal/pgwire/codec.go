package pgwire

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"
)

// DefaultMaxFrameBytes bounds non-COPY inbound frames. Oversize frames are
// a protocol violation, not an allocation.
const DefaultMaxFrameBytes = 1 << 20

// ErrFrameTooLarge reports an inbound frame above the configured bound.
var ErrFrameTooLarge = errors.New("pgwire: inbound frame exceeds maximum size")

// Codec frames PostgreSQL v3 messages on and off a client socket. It is a
// thin layer over pgproto3's Backend: the session owns exactly one Codec
// and drives it sequentially.
type Codec struct {
	conn    net.Conn
	backend *pgproto3.Backend
}

// NewCodec wraps an accepted client connection. maxFrameBytes <= 0 selects
// DefaultMaxFrameBytes.
func NewCodec(conn net.Conn, maxFrameBytes int) *Codec {
	if maxFrameBytes <= 0 {
		maxFrameBytes = DefaultMaxFrameBytes
	}
	b := pgproto3.NewBackend(conn, conn)
	b.SetMaxBodyLen(maxFrameBytes)
	return &Codec{conn: conn, backend: b}
}

// ReadStartup reads the length-prefixed first frame. The result is one of
// *pgproto3.StartupMessage, *pgproto3.SSLRequest, *pgproto3.GSSEncRequest
// or *pgproto3.CancelRequest.
func (c *Codec) ReadStartup() (pgproto3.FrontendMessage, error) {
	msg, err := c.backend.ReceiveStartupMessage()
	if err != nil {
		return nil, fmt.Errorf("reading startup frame: %w", wrapFrameErr(err))
	}
	return msg, nil
}

// RejectTLS answers an SSLRequest or GSSEncRequest with 'N'. The client is
// expected to continue in cleartext and re-send a startup frame.
func (c *Codec) RejectTLS() error {
	if _, err := c.conn.Write([]byte{'N'}); err != nil {
		return fmt.Errorf("rejecting TLS: %w", err)
	}
	return nil
}

// Receive reads the next typed frontend message.
func (c *Codec) Receive() (pgproto3.FrontendMessage, error) {
	msg, err := c.backend.Receive()
	if err != nil {
		return nil, wrapFrameErr(err)
	}
	return msg, nil
}

// Send buffers a backend message. Nothing reaches the socket until Flush.
func (c *Codec) Send(msg pgproto3.BackendMessage) {
	c.backend.Send(msg)
}

// Flush writes all buffered messages. The write blocks when the client
// stops draining, which suspends only the owning session goroutine; that
// blocking is the gateway's outbound backpressure.
func (c *Codec) Flush() error {
	return c.backend.Flush()
}

// SetAuthType tells the frame parser how to decode the next 'p' message
// (SASLInitialResponse vs SASLResponse vs PasswordMessage).
func (c *Codec) SetAuthType(authType uint32) error {
	return c.backend.SetAuthType(authType)
}

// SetDeadline bounds the next socket read or write. The zero time clears
// it.
func (c *Codec) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

func wrapFrameErr(err error) error {
	var tooBig *pgproto3.ExceededMaxBodyLenErr
	if errors.As(err, &tooBig) {
		return fmt.Errorf("%w: %v", ErrFrameTooLarge, err)
	}
	return err
}
