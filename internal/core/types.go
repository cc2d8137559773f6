package core

import (
	"context"

	"github.com/hasirciogluhq/xcipher/internal/registry"
)

// ConnectionHandler interprets the bytes read from a client connection.
// It is called from the event loop goroutine only.
type ConnectionHandler interface {
	// HandleData receives the bytes of one read. It returns the replies to
	// send back in order. An error closes the connection.
	HandleData(conn *registry.Conn, data []byte) ([][]byte, error)
}

// ServerResolver turns a server name given on the client command line into
// an address literal the endpoint package can parse.
// It is purely a lookup mechanism and knows nothing about the network.
type ServerResolver interface {
	Resolve(ctx context.Context, name string) (string, error)
}

// Stats is a point-in-time view of the event loop counters.
type Stats struct {
	Accepted int64 `json:"accepted"`
	Rejected int64 `json:"rejected"`
	Closed   int64 `json:"closed"`
	Active   int64 `json:"active"`
	Replies  int64 `json:"replies"`
}
