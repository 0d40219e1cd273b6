package http

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dDoc/lib/dberr"
	"github.com/ValentinKolb/dDoc/rpc/common"
	"github.com/ValentinKolb/dDoc/rpc/transport"
	"github.com/ValentinKolb/dDoc/rpc/transport/base"
	"golang.org/x/net/websocket"
)

// withScheme prefixes endpoints given as host:port
func withScheme(endpoint, scheme string) string {
	if strings.Contains(endpoint, "://") {
		return strings.TrimSuffix(endpoint, "/")
	}
	return scheme + "://" + endpoint
}

// --------------------------------------------------------------------------
// Single request client
// --------------------------------------------------------------------------

// NewHttpClientTransport creates a client that sends every request as its own
// http POST
func NewHttpClientTransport() transport.IRPCClientTransport {
	return &httpClientTransport{}
}

type httpClientTransport struct {
	serverURLs []string
	client     *http.Client
	counter    atomic.Uint32
	retryCount int
	timeout    time.Duration
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCClientTransport)
// --------------------------------------------------------------------------

func (t *httpClientTransport) Connect(config common.ClientConfig) error {
	if len(config.Transport.Endpoints) == 0 {
		return fmt.Errorf("no endpoints provided")
	}

	t.serverURLs = make([]string, len(config.Transport.Endpoints))
	for i, endpoint := range config.Transport.Endpoints {
		t.serverURLs[i] = withScheme(endpoint, "http")
	}

	conns := max(config.Transport.ConnectionsPerEndpoint, 1)
	t.client = &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        conns * len(t.serverURLs),
			MaxIdleConnsPerHost: conns,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	t.retryCount = max(config.Transport.RetryCount, 1)
	t.timeout = config.Timeout()
	return nil
}

func (t *httpClientTransport) Send(ctx context.Context, dbID uint64, req []byte) ([]byte, error) {
	if t.client == nil {
		return nil, dberr.New(dberr.CodeClosed, "http transport not connected")
	}
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	// Select the next server via round-robin
	idx := t.counter.Add(1) % uint32(len(t.serverURLs))
	requestURL := fmt.Sprintf("%s/rpc/%d", t.serverURLs[idx], dbID)

	var lastErr error
	for i := 0; i < t.retryCount; i++ {
		resp, err := t.post(ctx, requestURL, req)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, dberr.Wrap(dberr.CodeTimeout, ctx.Err(), "request not answered in time")
		}
		lastErr = err
	}
	return nil, dberr.Wrap(dberr.CodeStorageIO, lastErr, fmt.Sprintf("failed to send request after %d attempts", t.retryCount))
}

func (t *httpClientTransport) Close() error {
	if t.client != nil {
		t.client.CloseIdleConnections()
	}
	t.client = nil
	t.serverURLs = nil
	return nil
}

func (t *httpClientTransport) post(ctx context.Context, url string, req []byte) ([]byte, error) {
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(req))
	if err != nil {
		return nil, err
	}
	httpRequest.Header.Set("Content-Type", "application/octet-stream")

	httpResponse, err := t.client.Do(httpRequest)
	if err != nil {
		return nil, err
	}
	defer httpResponse.Body.Close()

	if httpResponse.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http error: %s", httpResponse.Status)
	}
	return io.ReadAll(httpResponse.Body)
}

// --------------------------------------------------------------------------
// Websocket client
// --------------------------------------------------------------------------

// wsConnector implements base.IClientConnector with websocket connections
// to the /ws route of the http transport
type wsConnector struct{}

func (c *wsConnector) GetName() string {
	return "websocket"
}

func (c *wsConnector) Connect(endpoint string, _ common.ClientConfig) (net.Conn, error) {
	url := withScheme(endpoint, "ws") + "/ws"
	ws, err := websocket.Dial(url, "", "http://localhost/")
	if err != nil {
		return nil, err
	}
	ws.PayloadType = websocket.BinaryFrame
	return ws, nil
}

// NewWebSocketClientTransport creates a client that multiplexes requests
// over long lived websocket connections
func NewWebSocketClientTransport() transport.IRPCClientTransport {
	return base.NewBaseClientTransport(&wsConnector{})
}

// --------------------------------------------------------------------------
// Watch
// --------------------------------------------------------------------------

// Watch connects to the change feed of a database and calls fn for every
// event until ctx is done or fn returns false. An empty collection watches
// all collections.
func Watch(ctx context.Context, endpoint string, dbID uint64, collection string, fn func(event []byte) bool) error {
	url := fmt.Sprintf("%s/watch/%d", withScheme(endpoint, "ws"), dbID)
	if collection != "" {
		url += "?collection=" + collection
	}
	ws, err := websocket.Dial(url, "", "http://localhost/")
	if err != nil {
		return dberr.Wrap(dberr.CodeStorageIO, err, "failed to connect to change feed")
	}
	defer ws.Close()

	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer stop()

	for {
		var event string
		if err := websocket.Message.Receive(ws, &event); err != nil {
			if ctx.Err() != nil || err == io.EOF {
				return nil
			}
			return dberr.Wrap(dberr.CodeStorageIO, err, "change feed broke")
		}
		if !fn([]byte(event)) {
			return nil
		}
	}
}
