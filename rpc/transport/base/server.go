package base

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/ValentinKolb/dDoc/rpc/common"
	"github.com/ValentinKolb/dDoc/rpc/transport"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sourcegraph/conc/pool"
)

const defaultBufferSize = 64 * 1024

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IServerConnector defines the interface for transport-specific server operations
type IServerConnector interface {
	// Listen creates a listener and returns it
	Listen(config common.ServerConfig) (net.Listener, error)

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string

	// UpgradeConnection applies protocol-specific settings to an accepted connection
	UpgradeConnection(conn net.Conn, config common.ServerConfig) error
}

// -----------------------------------------------------------
// Connection Server
// -----------------------------------------------------------

// ConnServer serves the frame protocol on single connections. It is used by
// the listener based transports and by transports that receive already
// established connections (websocket).
type ConnServer struct {
	handler    transport.ServerHandleFunc
	timeout    time.Duration
	workers    int
	bufferPool *sync.Pool
	conns      *xsync.MapOf[net.Conn, struct{}]
}

// NewConnServer creates a ConnServer that passes requests to handler
func NewConnServer(handler transport.ServerHandleFunc, config common.ServerConfig) *ConnServer {
	bufferSize := config.Transport.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}

	// minimum one worker per connection
	workers := max(config.Transport.WorkersPerConn, 1)

	return &ConnServer{
		handler: handler,
		timeout: config.Timeout(),
		workers: workers,
		bufferPool: &sync.Pool{
			New: func() interface{} {
				return make([]byte, bufferSize)
			},
		},
		conns: xsync.NewMapOf[net.Conn, struct{}](),
	}
}

// Serve handles requests of conn until the peer disconnects or the
// connection is closed. Up to WorkersPerConn requests are processed
// concurrently, responses are written in completion order.
func (s *ConnServer) Serve(conn net.Conn) {
	s.conns.Store(conn, struct{}{})
	defer func() {
		s.conns.Delete(conn)
		conn.Close()
	}()

	workers := pool.New().WithMaxGoroutines(s.workers)

	// Create a mutex to protect writes to the connection
	var connMutex sync.Mutex

	handleResponse := func(dbID, requestID uint64, data []byte) {
		start := time.Now()
		resp := s.handler(dbID, data)
		Logger.Debugf("Processed request for database %d with requestID %d took %s", dbID, requestID, time.Since(start))

		connMutex.Lock()
		defer connMutex.Unlock()

		if s.timeout > 0 {
			if err := conn.SetWriteDeadline(time.Now().Add(s.timeout)); err != nil {
				Logger.Errorf("Failed to set write deadline: %v", err)
				return
			}
		}

		// Write the response with the same requestID
		if err := writeFrame(conn, dbID, requestID, resp); err != nil {
			Logger.Errorf("Failed to write response: %v", err)
		}
	}

	for {
		buf := s.bufferPool.Get().([]byte)
		dbID, requestID, data, err := readFrame(conn, buf)
		if err != nil {
			s.bufferPool.Put(buf)
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				Logger.Debugf("Connection from %s closed", conn.RemoteAddr())
			default:
				Logger.Errorf("Error handling request from %s: %v", conn.RemoteAddr(), err)
			}
			break
		}

		// the payload outlives the pooled buffer, handlers may keep it
		payload := bytes.Clone(data)
		s.bufferPool.Put(buf)

		// blocks while all workers of the connection are busy
		workers.Go(func() {
			handleResponse(dbID, requestID, payload)
		})
	}

	// Wait for all workers to finish before closing the connection
	workers.Wait()
}

// CloseAll closes every connection currently served
func (s *ConnServer) CloseAll() {
	s.conns.Range(func(conn net.Conn, _ struct{}) bool {
		_ = conn.Close()
		return true
	})
}

// -----------------------------------------------------------
// Listener based transport
// -----------------------------------------------------------

// serverTransport implements the core server transport functionality
type serverTransport struct {
	connector IServerConnector
	handler   transport.ServerHandleFunc

	mu       sync.Mutex
	listener net.Listener
	conns    *ConnServer
	closed   bool
}

// NewBaseServerTransport creates a new base server transport with per-connection worker pool
func NewBaseServerTransport(connector IServerConnector) transport.IRPCServerTransport {
	return &serverTransport{connector: connector}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCServerTransport)
// --------------------------------------------------------------------------

func (t *serverTransport) RegisterHandler(handler transport.ServerHandleFunc) {
	t.handler = handler
}

func (t *serverTransport) Listen(config common.ServerConfig) error {
	if t.handler == nil {
		return fmt.Errorf("no handler registered")
	}

	listener, err := t.connector.Listen(config)
	if err != nil {
		return fmt.Errorf("failed to create listener: %v", err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		listener.Close()
		return nil
	}
	t.listener = listener
	t.conns = NewConnServer(t.handler, config)
	conns := t.conns
	t.mu.Unlock()

	Logger.Infof("Starting %s server on %s with %d workers per connection",
		t.connector.GetName(), listener.Addr(), conns.workers)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if t.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			Logger.Errorf("Accept error: %v", err)
			continue
		}

		if err := t.connector.UpgradeConnection(conn, config); err != nil {
			Logger.Warningf("Failed to upgrade connection from %s: %v", conn.RemoteAddr(), err)
			conn.Close()
			continue
		}

		go conns.Serve(conn)
	}
}

func (t *serverTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true

	var err error
	if t.listener != nil {
		err = t.listener.Close()
	}
	if t.conns != nil {
		t.conns.CloseAll()
	}
	return err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (t *serverTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
