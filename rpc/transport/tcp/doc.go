// Package tcp implements the TCP transport of the rpc system on top of the
// base package's framing, connection pooling and request correlation.
//
// Key Components:
//
//   - clientConnector: Dials the endpoint and applies TCPNoDelay and keep-alive
//
//   - serverConnector: Listens on the endpoint and applies the socket options
//     of the transport config (buffers, keep-alive, linger) to accepted
//     connections
package tcp
