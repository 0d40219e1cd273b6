// Package rpc exposes dDoc databases over the network.
//
// The package is organized into several subpackages:
//
//   - common: The Message protocol, configuration structures and logging.
//
//   - transport: Network communication abstractions with pluggable
//     implementations (TCP, Unix sockets, QUIC, WebSocket).
//
//   - serializer: Message serialization (JSON, BSON, GOB).
//
//   - server: Hosts databases by numeric id and dispatches requests to
//     adapters for documents, views, the key-value store and locks.
//
//   - client: Implements storage.Connection, kv.IKeyValue and
//     lockmgr.ILockManager on top of a transport, so remote databases are
//     used exactly like local ones.
package rpc
