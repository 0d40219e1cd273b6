package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ValentinKolb/dDoc/rpc/common"
	"github.com/ValentinKolb/dDoc/rpc/transport"
	"github.com/ValentinKolb/dDoc/rpc/transport/base"
	"github.com/lni/dragonboat/v4/logger"
	"golang.org/x/net/websocket"
)

var Logger = logger.GetLogger("transport/rpc")

// NewHttpServerTransport creates the http transport. Besides single
// requests it serves the frame protocol over websocket and, with a
// registered observer, metrics and change feeds.
func NewHttpServerTransport() transport.IObservableTransport {
	return &httpServerTransport{}
}

type httpServerTransport struct {
	handler  transport.ServerHandleFunc
	observer transport.IObserver

	mu     sync.Mutex
	server *http.Server
	conns  *base.ConnServer
	ctx    context.Context
	cancel context.CancelFunc
	closed bool
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IObservableTransport)
// --------------------------------------------------------------------------

func (t *httpServerTransport) RegisterHandler(handler transport.ServerHandleFunc) {
	t.handler = handler
}

func (t *httpServerTransport) RegisterObserver(observer transport.IObserver) {
	t.observer = observer
}

func (t *httpServerTransport) Listen(config common.ServerConfig) error {
	if t.handler == nil {
		return errors.New("no handler registered")
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.conns = base.NewConnServer(t.handler, config)
	t.server = &http.Server{
		Addr:    config.Transport.Endpoint,
		Handler: t.routes(config),
	}
	server := t.server
	t.mu.Unlock()

	Logger.Infof("Starting http server on %s", config.Transport.Endpoint)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (t *httpServerTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.server == nil {
		return nil
	}

	// websocket connections are hijacked and not closed by the http server
	t.cancel()
	t.conns.CloseAll()
	return t.server.Close()
}

// --------------------------------------------------------------------------
// Routes
// --------------------------------------------------------------------------

func (t *httpServerTransport) routes(config common.ServerConfig) http.Handler {
	mux := http.NewServeMux()

	handle := func(pattern string, h http.HandlerFunc) {
		if config.LogLevel == "debug" {
			h = loggerMiddleware(h)
		}
		mux.HandleFunc(pattern, h)
	}

	handle("POST /rpc/{dbId}", t.handleRequest)
	mux.Handle("GET /ws", websocket.Handler(t.handleStream))

	if t.observer != nil {
		handle("GET /metrics", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/plain; version=0.0.4")
			t.observer.WritePrometheus(w)
		})
		mux.Handle("GET /watch/{dbId}", websocket.Handler(t.handleWatch))
	}
	return mux
}

// handleRequest handles a single request per http call
func (t *httpServerTransport) handleRequest(w http.ResponseWriter, r *http.Request) {
	dbID, err := strconv.ParseUint(r.PathValue("dbId"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid database id", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(r.Body)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusInternalServerError)
		return
	}

	resp := t.handler(dbID, body)

	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err = w.Write(resp); err != nil {
		Logger.Warningf("Failed to write response: %v", err)
	}
}

// handleStream serves the frame protocol on a websocket connection
func (t *httpServerTransport) handleStream(ws *websocket.Conn) {
	ws.PayloadType = websocket.BinaryFrame
	t.conns.Serve(ws)
}

// handleWatch streams the change events of one database as text messages
// until the client disconnects
func (t *httpServerTransport) handleWatch(ws *websocket.Conn) {
	defer ws.Close()

	dbID, err := strconv.ParseUint(ws.Request().PathValue("dbId"), 10, 64)
	if err != nil {
		_ = websocket.Message.Send(ws, `{"err":"invalid database id"}`)
		return
	}

	ctx, cancel := context.WithCancel(t.ctx)
	defer cancel()

	events, err := t.observer.Watch(ctx, dbID, ws.Request().URL.Query().Get("collection"))
	if err != nil {
		_ = websocket.Message.Send(ws, `{"err":`+strconv.Quote(err.Error())+`}`)
		return
	}

	// the client never sends, a failing read means it is gone
	go func() {
		var discard string
		for websocket.Message.Receive(ws, &discard) == nil {
		}
		cancel()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := websocket.Message.Send(ws, string(event)); err != nil {
				Logger.Debugf("Watcher of database %d left: %v", dbID, err)
				return
			}
		}
	}
}

// --------------------------------------------------------------------------
// Middleware (logging)
// --------------------------------------------------------------------------

// responseWriter is a custom ResponseWriter that captures status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

// WriteHeader captures the status code before writing it
func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// loggerMiddleware is a middleware that logs HTTP requests
func loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(rw, r)

		Logger.Debugf("%s %s => %d took %s", r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	}
}
