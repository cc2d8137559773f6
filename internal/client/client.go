// Package client performs the one-shot exchange: send a key and a message,
// wait for the ciphertext, decrypt it.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/hasirciogluhq/xcipher/internal/cipher"
	"github.com/hasirciogluhq/xcipher/internal/endpoint"
)

// DefaultTimeout bounds a whole exchange, including the server's reply delay.
const DefaultTimeout = 30 * time.Second

// ErrMessageHasNewline is returned for messages the server would truncate.
var ErrMessageHasNewline = errors.New("message must not contain a newline")

// Result holds both sides of a completed exchange.
type Result struct {
	Ciphertext string
	Plaintext  string
}

// Client sends requests to a server endpoint.
type Client struct {
	Timeout time.Duration
	// Dial defaults to endpoint.Dial.
	Dial func(ctx context.Context, ep *endpoint.Endpoint) (net.Conn, error)
}

// Exchange runs one request with a default Client.
func Exchange(ctx context.Context, ep *endpoint.Endpoint, key, message string) (*Result, error) {
	return (&Client{}).Exchange(ctx, ep, key, message)
}

// Exchange connects to ep, sends key and message and decrypts the reply.
// The cipher preserves length, so exactly len(message) bytes are read.
func (c *Client) Exchange(ctx context.Context, ep *endpoint.Endpoint, key, message string) (*Result, error) {
	if err := cipher.ValidateKey([]byte(key)); err != nil {
		return nil, err
	}
	if strings.ContainsRune(message, '\n') {
		return nil, ErrMessageHasNewline
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dial := c.Dial
	if dial == nil {
		dial = endpoint.Dial
	}
	conn, err := dial(ctx, ep)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	// Unblock I/O if the caller cancels before the deadline.
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	if _, err := io.WriteString(conn, key+"\n"+message+"\n"); err != nil {
		return nil, fmt.Errorf("send: %w", contextError(ctx, err))
	}

	reply := make([]byte, len(message))
	if _, err := io.ReadFull(conn, reply); err != nil {
		return nil, fmt.Errorf("receive: %w", contextError(ctx, err))
	}

	plain, err := cipher.Transform(reply, []byte(key), false)
	if err != nil {
		return nil, err
	}
	return &Result{Ciphertext: string(reply), Plaintext: string(plain)}, nil
}

// contextError reports a deadline hit on the connection as the context
// error that caused it.
func contextError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return context.DeadlineExceeded
	}
	return err
}
