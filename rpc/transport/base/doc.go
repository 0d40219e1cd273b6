// Package base provides the protocol independent part of the stream
// transports (tcp, unix, quic and the websocket route of http). Connectors
// supply the connections, base supplies the framing and request handling.
//
// Frame format (big endian):
//
//	8 bytes  database id
//	8 bytes  request id
//	4 bytes  payload length
//	N bytes  payload
//
// Key Components:
//
//   - IClientConnector/IServerConnector: Interfaces for protocol-specific operations
//     that allow extending the base transport with different network protocols.
//
//   - clientTransport: Manages multiple connections per endpoint with
//     round-robin selection. Requests are pipelined and correlated with
//     their responses by request id. A broken connection fails its waiting
//     requests and is re-established with exponential backoff.
//
//   - ConnServer: Serves one connection with a bounded worker pool
//     (WorkersPerConn). Read buffers are pooled.
//
//   - serverTransport: Accepts connections from a connector's listener and
//     hands them to a ConnServer.
//
// Thread Safety:
//
//	All public methods are thread-safe.
package base
