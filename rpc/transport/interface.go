package transport

import (
	"context"
	"io"

	"github.com/ValentinKolb/dDoc/rpc/common"
)

// --------------------------------------------------------------------------
// Server Transport
// --------------------------------------------------------------------------

// ServerHandleFunc is a function type that handles incoming requests
// This function is called by a server transport layer when a request is received
// It takes the id of the addressed database and a request as parameters and
// returns a response
type ServerHandleFunc func(dbID uint64, req []byte) (resp []byte)

// IRPCServerTransport is the interface for the RPC transport layer
type IRPCServerTransport interface {
	// RegisterHandler registers a handler for the transport layer
	// This handler should be called when a request is received
	RegisterHandler(handler ServerHandleFunc)
	// Listen starts the transport layer and blocks while serving requests.
	// It returns nil after Close.
	Listen(config common.ServerConfig) error
	// Close stops accepting requests and closes all open connections
	Close() error
}

// IObserver exposes metrics and change feeds of the hosted databases to
// transports that can serve them
type IObserver interface {
	// WritePrometheus writes all metrics in the prometheus text format
	WritePrometheus(w io.Writer)
	// Watch streams the change events of a database as serialized messages
	// until ctx is done. An empty collection matches every collection.
	Watch(ctx context.Context, dbID uint64, collection string) (<-chan []byte, error)
}

// IObservableTransport is implemented by server transports that serve
// metrics and change feeds next to the rpc endpoint
type IObservableTransport interface {
	IRPCServerTransport
	// RegisterObserver must be called before Listen
	RegisterObserver(observer IObserver)
}

// --------------------------------------------------------------------------
// Client Transport
// --------------------------------------------------------------------------

// IRPCClientTransport is the interface for the RPC client transport
type IRPCClientTransport interface {
	// Connect initializes the transport with the given configuration
	Connect(config common.ClientConfig) error
	// Send sends a request for a database to the server and returns the response
	Send(ctx context.Context, dbID uint64, req []byte) (resp []byte, err error)
	// Close closes the transport connection
	Close() error
}
