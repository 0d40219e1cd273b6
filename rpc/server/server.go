package server

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/ValentinKolb/dDoc/lib/dberr"
	"github.com/ValentinKolb/dDoc/lib/keyspace"
	"github.com/ValentinKolb/dDoc/lib/keyspace/engines/badger"
	"github.com/ValentinKolb/dDoc/lib/keyspace/engines/memory"
	"github.com/ValentinKolb/dDoc/lib/lockmgr"
	"github.com/ValentinKolb/dDoc/lib/schema"
	"github.com/ValentinKolb/dDoc/lib/storage"
	"github.com/ValentinKolb/dDoc/rpc/common"
	"github.com/ValentinKolb/dDoc/rpc/serializer"
	"github.com/ValentinKolb/dDoc/rpc/transport"
	"github.com/VictoriaMetrics/metrics"
	"github.com/goccy/go-json"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("rpc")

// hostedDatabase is a database served by the RPC server together with the
// adapters that handle its message families
type hostedDatabase struct {
	ID       uint64
	DB       *storage.Database
	Adapters map[common.Family]IRPCServerAdapter
}

// RPCServer serves the databases of a storage over one transport
type RPCServer struct {
	config      common.ServerConfig
	transport   transport.IRPCServerTransport
	serializer  serializer.IRPCSerializer
	storage     *storage.Storage
	ownsStorage bool
	databases   *xsync.MapOf[uint64, *hostedDatabase]
	metrics     *metrics.Set
}

// NewRPCServer creates a new RPC server with a storage built from the
// config. The databases of the config are created on Serve.
//
// Usage:
//
//	s, err := server.NewRPCServer(
//		*config,
//		tcp.NewTCPServerTransport(),
//		serializer.NewJSONSerializer(),
//	)
//
//	if err := s.Serve(); err != nil {
//		panic(err)
//	}
func NewRPCServer(
	config common.ServerConfig,
	transport transport.IRPCServerTransport,
	serializer serializer.IRPCSerializer,
) (*RPCServer, error) {
	factory, err := keyspaceFactory(config)
	if err != nil {
		return nil, err
	}

	cfg := storage.DefaultConfig()
	cfg.Factory = factory
	cfg.IndexWorkers = config.IndexWorkers
	cfg.KVSweepInterval = config.KVSweepInterval
	st, err := storage.New(cfg)
	if err != nil {
		return nil, err
	}

	s := NewRPCServerWithStorage(config, transport, serializer, st)
	s.ownsStorage = true
	return s, nil
}

// NewRPCServerWithStorage creates a server for an existing storage. Only
// databases registered with Host (or listed in the config) are served.
func NewRPCServerWithStorage(
	config common.ServerConfig,
	transport transport.IRPCServerTransport,
	serializer serializer.IRPCSerializer,
	st *storage.Storage,
) *RPCServer {
	// https://github.com/golang/go/issues/17393
	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}

	return &RPCServer{
		config:     config,
		transport:  transport,
		serializer: serializer,
		storage:    st,
		databases:  xsync.NewMapOf[uint64, *hostedDatabase](),
		metrics:    metrics.NewSet(),
	}
}

// keyspaceFactory selects the storage engine of the config
func keyspaceFactory(config common.ServerConfig) (keyspace.Factory, error) {
	switch config.Engine {
	case "memory", "":
		return memory.Factory(), nil
	case "badger":
		if config.DataDir == "" {
			return nil, fmt.Errorf("engine badger requires a data directory")
		}
		return badger.Factory(config.DataDir, config.MinFreeDiskBytes), nil
	default:
		return nil, fmt.Errorf("unknown engine %q, must be one of memory, badger", config.Engine)
	}
}

// Host serves db under id
func (s *RPCServer) Host(id uint64, db *storage.Database) error {
	hosted := &hostedDatabase{
		ID: id,
		DB: db,
		Adapters: map[common.Family]IRPCServerAdapter{
			common.FamilyDocuments: NewDocumentsServerAdapter(db),
			common.FamilyViews:     NewViewsServerAdapter(db),
			common.FamilyKeyValue:  NewKeyValueServerAdapter(db.KeyValue()),
			common.FamilyLocks:     NewLockManagerServerAdapter(lockmgr.NewLockManager(db.KeyValue())),
		},
	}
	if _, loaded := s.databases.LoadOrStore(id, hosted); loaded {
		return dberr.Newf(dberr.CodeInvalidOperation, "database id %d is already in use", id)
	}
	Logger.Infof("serving database %s as %d", db.Name(), id)
	return nil
}

// init creates the databases of the config and registers the handlers
func (s *RPCServer) init() error {
	for _, cfg := range s.config.Databases {
		if _, ok := s.databases.Load(cfg.ID); ok {
			continue
		}
		sc := schema.New(cfg.Name)
		for _, c := range cfg.Collections {
			if _, err := sc.DefineCollection(c); err != nil {
				return err
			}
		}
		db, err := s.storage.Create(context.Background(), sc)
		if err != nil {
			return fmt.Errorf("failed to open database %s: %w", cfg.Name, err)
		}
		if err := s.Host(cfg.ID, db); err != nil {
			return err
		}
	}

	s.transport.RegisterHandler(s.handle)
	if observable, ok := s.transport.(transport.IObservableTransport); ok {
		observable.RegisterObserver(s)
	}

	Logger.Infof("dDoc setup completed successfully")
	return nil
}

// Serve starts the RPC server
// It creates the configured databases and blocks in the transport until
// Close is called
func (s *RPCServer) Serve() error {
	Logger.Infof("Created RPC Server")
	Logger.Infof("%s", s.config.String())

	if err := s.init(); err != nil {
		return err
	}
	return s.transport.Listen(s.config)
}

// Close stops the transport. A storage created by NewRPCServer is closed too.
func (s *RPCServer) Close() error {
	err := s.transport.Close()
	if s.ownsStorage {
		if cerr := s.storage.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// --------------------------------------------------------------------------
// Request handling
// --------------------------------------------------------------------------

// handle implements transport.ServerHandleFunc
func (s *RPCServer) handle(dbID uint64, req []byte) []byte {
	start := time.Now()

	var msg common.Message
	resp := s.dispatch(dbID, req, &msg)

	s.metrics.GetOrCreateCounter(fmt.Sprintf(`ddoc_rpc_requests_total{type=%q}`, msg.MsgType)).Inc()
	if resp.MsgType == common.MsgTError {
		s.metrics.GetOrCreateCounter(fmt.Sprintf(`ddoc_rpc_errors_total{type=%q,code=%q}`, msg.MsgType, resp.ErrCode)).Inc()
	}
	s.metrics.GetOrCreateHistogram(fmt.Sprintf(`ddoc_rpc_request_duration_seconds{type=%q}`, msg.MsgType)).UpdateDuration(start)

	val, err := s.serializer.Serialize(*resp)
	if err != nil {
		Logger.Errorf("failed to serialize response to %s: %v", msg.MsgType, err)
		val, _ = s.serializer.Serialize(*common.NewErrorResponse(dberr.CodeInternal,
			fmt.Sprintf("failed to serialize response: %s", err)))
	}
	return val
}

func (s *RPCServer) dispatch(dbID uint64, req []byte, msg *common.Message) *common.Message {
	hosted, ok := s.databases.Load(dbID)
	if !ok {
		return common.NewErrorResponse(dberr.CodeNotFound, fmt.Sprintf("database %d not found", dbID))
	}

	if err := s.serializer.Deserialize(req, msg); err != nil {
		return common.NewErrorResponse(dberr.CodeInvalidOperation, fmt.Sprintf("failed to deserialize request: %s", err))
	}

	adapter, ok := hosted.Adapters[msg.MsgType.Family()]
	if !ok {
		return common.NewErrorResponse(dberr.CodeUnsupportedOperation, "unsupported message type: "+msg.MsgType.String())
	}

	ctx := context.Background()
	if timeout := s.config.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return adapter.Handle(ctx, msg)
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IObserver)
// --------------------------------------------------------------------------

func (s *RPCServer) WritePrometheus(w io.Writer) {
	s.storage.WritePrometheus(w)
	s.metrics.WritePrometheus(w)
}

func (s *RPCServer) Watch(ctx context.Context, dbID uint64, collection string) (<-chan []byte, error) {
	hosted, ok := s.databases.Load(dbID)
	if !ok {
		return nil, dberr.Newf(dberr.CodeNotFound, "database %d not found", dbID)
	}

	filter := storage.Filter{Database: hosted.DB.Name()}
	if collection != "" {
		filter.Kinds = []storage.EventKind{storage.EventDocumentChanged}
		filter.Sources = []string{collection}
	}
	sub := s.storage.Notifier().Subscribe(filter)

	out := make(chan []byte)
	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-sub.C:
				if !ok {
					return
				}
				data, err := json.Marshal(event)
				if err != nil {
					Logger.Errorf("failed to encode event: %v", err)
					continue
				}
				select {
				case out <- data:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
