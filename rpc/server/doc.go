// Package server implements the RPC server. It hosts databases of a
// storage.Storage under numeric ids and dispatches every request by the
// family of its message type to an adapter of the addressed database.
//
// Key Components:
//
//   - IRPCServerAdapter: Handles the requests of one message family.
//     NewDocumentsServerAdapter and NewViewsServerAdapter call
//     storage.Connection, NewKeyValueServerAdapter calls kv.IKeyValue and
//     NewLockManagerServerAdapter calls a lockmgr.ILockManager on top of the
//     database's key-value store.
//
//   - RPCServer: Creates the configured databases, registers the request
//     handler with the transport and applies the request timeout. It also
//     implements transport.IObserver, so transports that support it serve
//     prometheus metrics (storage plus request counters and durations) and
//     change feeds.
//
// Usage Example:
//
//	config := common.ServerConfig{
//	  Databases: []common.ServerDatabase{{ID: 1, Name: "notes", Collections: []string{"notes"}}},
//	  Engine:    "badger",
//	  DataDir:   "/var/lib/ddoc",
//	  TimeoutSecond: 5,
//	  Transport: common.ServerTransportConfig{Endpoint: "0.0.0.0:8080"},
//	}
//
//	s, err := server.NewRPCServer(config, tcp.NewTCPServerTransport(), serializer.NewJSONSerializer())
//	if err != nil {
//	  log.Fatal(err)
//	}
//	log.Fatal(s.Serve())
//
// Databases with views are created by the embedding program and registered
// with NewRPCServerWithStorage and Host before Serve.
package server
