package base

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dDoc/lib/dberr"
	"github.com/ValentinKolb/dDoc/rpc/common"
	"github.com/ValentinKolb/dDoc/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("transport/rpc")

// errConnectionLost is delivered to requests waiting on a broken connection
var errConnectionLost = errors.New("connection lost")

// IClientConnector dials a single connection for a concrete medium
type IClientConnector interface {
	// Connect establishes a single connection to endpoint
	Connect(endpoint string, config common.ClientConfig) (net.Conn, error)

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string
}

// --------------------------------------------------------------------------
// Connection pool
// --------------------------------------------------------------------------

// reply is what the reader goroutine hands to a waiting request
type reply struct {
	data []byte
	err  error
}

// pooledConn is one multiplexed connection of the pool. Requests are matched
// to responses by request id.
type pooledConn struct {
	endpoint string
	pool     *clientTransport
	done     chan struct{}
	pending  *xsync.MapOf[uint64, chan reply]

	mu   sync.Mutex // guards conn and frame writes
	conn net.Conn
}

type clientTransport struct {
	connector IClientConnector
	config    common.ClientConfig

	mu    sync.RWMutex
	conns []*pooledConn

	rr     atomic.Uint64
	nextID atomic.Uint64
}

// NewBaseClientTransport wraps connector into a pooled, retrying client transport
func NewBaseClientTransport(connector IClientConnector) transport.IRPCClientTransport {
	return &clientTransport{connector: connector}
}

func (t *clientTransport) Connect(config common.ClientConfig) error {
	endpoints := config.Transport.Endpoints
	if len(endpoints) == 0 {
		return fmt.Errorf("no endpoints provided")
	}

	t.closeAll()
	t.config = config

	perEndpoint := max(config.Transport.ConnectionsPerEndpoint, 1)
	conns := make([]*pooledConn, 0, len(endpoints)*perEndpoint)

	for _, endpoint := range endpoints {
		for i := 0; i < perEndpoint; i++ {
			pc := &pooledConn{
				endpoint: endpoint,
				pool:     t,
				done:     make(chan struct{}),
				pending:  xsync.NewMapOf[uint64, chan reply](),
			}
			if err := pc.dial(); err != nil {
				Logger.Warningf("Failed to connect to %s (connection %d/%d): %v", endpoint, i+1, perEndpoint, err)
				continue
			}
			conns = append(conns, pc)
			go pc.readLoop()
		}
	}

	if len(conns) == 0 {
		return fmt.Errorf("failed to connect to any of %d endpoints", len(endpoints))
	}

	t.mu.Lock()
	t.conns = conns
	t.mu.Unlock()

	Logger.Infof("%s transport: %d/%d connections to %d endpoints",
		t.connector.GetName(), len(conns), len(endpoints)*perEndpoint, len(endpoints))
	return nil
}

// Send delivers req to one connection of the pool. Failed attempts are
// retried on the next connection; a retried request may be applied twice.
func (t *clientTransport) Send(ctx context.Context, dbID uint64, req []byte) ([]byte, error) {
	if timeout := t.config.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	attempts := max(t.config.Transport.RetryCount, 1)
	wait := newBackoff()

	var lastErr error
	for i := 0; i < attempts; i++ {
		pc := t.pick()
		if pc == nil {
			return nil, dberr.New(dberr.CodeClosed, "no active connections available")
		}

		data, err := pc.roundTrip(ctx, dbID, t.nextID.Add(1), req)
		switch {
		case err == nil:
			return data, nil
		case ctx.Err() != nil:
			return nil, dberr.Wrap(dberr.CodeTimeout, ctx.Err(), "request not answered in time")
		}
		lastErr = err
		Logger.Debugf("Attempt %d/%d to %s failed: %v", i+1, attempts, pc.endpoint, err)

		if i+1 == attempts {
			break
		}
		if !wait.sleep(ctx.Done()) {
			return nil, dberr.Wrap(dberr.CodeTimeout, ctx.Err(), "request not answered in time")
		}
	}

	return nil, dberr.Wrap(dberr.CodeStorageIO, lastErr, fmt.Sprintf("request failed after %d attempts", attempts))
}

func (t *clientTransport) Close() error {
	t.closeAll()
	return nil
}

// pick returns the next connection round robin, nil if the pool is empty
func (t *clientTransport) pick() *pooledConn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[t.rr.Add(1)%uint64(len(t.conns))]
}

func (t *clientTransport) closeAll() {
	t.mu.Lock()
	conns := t.conns
	t.conns = nil
	t.mu.Unlock()

	for _, pc := range conns {
		close(pc.done)
		pc.mu.Lock()
		if pc.conn != nil {
			_ = pc.conn.Close()
			pc.conn = nil
		}
		pc.mu.Unlock()
	}
}

// --------------------------------------------------------------------------
// Single connection
// --------------------------------------------------------------------------

func (pc *pooledConn) roundTrip(ctx context.Context, dbID, requestID uint64, req []byte) ([]byte, error) {
	ch := make(chan reply, 1)
	pc.pending.Store(requestID, ch)
	defer pc.pending.Delete(requestID)

	pc.mu.Lock()
	if pc.conn == nil {
		pc.mu.Unlock()
		return nil, errConnectionLost
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = pc.conn.SetWriteDeadline(deadline)
	}
	err := writeFrame(pc.conn, dbID, requestID, req)
	pc.mu.Unlock()
	if err != nil {
		return nil, err
	}

	select {
	case r := <-ch:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// readLoop routes responses to their waiting requests. When the connection
// breaks every waiting request fails and the connection is dialed again.
func (pc *pooledConn) readLoop() {
	for {
		pc.mu.Lock()
		conn := pc.conn
		pc.mu.Unlock()
		if conn == nil {
			return
		}

		dbID, requestID, data, err := readFrame(conn, nil)
		if err == nil {
			if ch, ok := pc.pending.Load(requestID); ok {
				ch <- reply{data: data}
			} else {
				Logger.Warningf("Dropping response %d (database %d) from %s: no waiting request", requestID, dbID, pc.endpoint)
			}
			continue
		}

		select {
		case <-pc.done:
			return
		default:
		}

		Logger.Warningf("Connection to %s broke: %v", pc.endpoint, err)
		pc.pending.Range(func(_ uint64, ch chan reply) bool {
			select {
			case ch <- reply{err: errConnectionLost}:
			default:
			}
			return true
		})
		if err := pc.redial(); err != nil {
			Logger.Errorf("Giving up on %s: %v", pc.endpoint, err)
			return
		}
	}
}

// redial dials until it succeeds, the pool is closed or the retry count is
// used up. On failure the connection stays empty.
func (pc *pooledConn) redial() error {
	wait := newBackoff()
	attempts := max(pc.pool.config.Transport.RetryCount, 1)

	var err error
	for i := 0; i < attempts; i++ {
		if !wait.sleep(pc.done) {
			return errConnectionLost
		}
		if err = pc.dial(); err == nil {
			return nil
		}
	}

	pc.mu.Lock()
	pc.conn = nil
	pc.mu.Unlock()
	return err
}

func (pc *pooledConn) dial() error {
	conn, err := pc.pool.connector.Connect(pc.endpoint, pc.pool.config)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", pc.endpoint, err)
	}

	pc.mu.Lock()
	defer pc.mu.Unlock()

	select {
	case <-pc.done:
		_ = conn.Close()
		return errConnectionLost
	default:
	}

	if pc.conn != nil {
		_ = pc.conn.Close()
	}
	pc.conn = conn
	return nil
}

// --------------------------------------------------------------------------
// Backoff
// --------------------------------------------------------------------------

// backoff doubles its delay after every sleep, starting at 50ms with +-10%
// jitter
type backoff struct {
	delay time.Duration
}

func newBackoff() *backoff {
	return &backoff{delay: 50 * time.Millisecond}
}

// sleep waits for the current delay and reports false if stop fired first
func (b *backoff) sleep(stop <-chan struct{}) bool {
	d := time.Duration(float64(b.delay) * (0.9 + 0.2*rand.Float64()))
	b.delay *= 2

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-stop:
		return false
	}
}
