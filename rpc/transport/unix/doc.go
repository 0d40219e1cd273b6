// Package unix implements the rpc transport over Unix domain sockets, for
// clients running on the same machine as the server. The endpoint is the
// socket path; a stale socket file is removed on Listen and on Close.
//
// Key Components:
//
//   - clientConnector: Establishes connections using Unix domain sockets
//
//   - serverConnector: Creates Unix socket listeners
package unix
