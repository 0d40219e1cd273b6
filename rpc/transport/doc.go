// Package transport defines the contract between the rpc client and server
// and the network. Requests and responses are opaque byte slices addressed
// to a database id; serialization happens above, framing below.
//
// Key Components:
//
//   - IRPCClientTransport: Client-side transports handle connection
//     management and request sending.
//
//   - IRPCServerTransport: Server-side transports receive requests and pass
//     them to the registered ServerHandleFunc.
//
//   - IObservableTransport / IObserver: Transports that can also serve
//     metrics and change feeds get them from the server through IObserver.
//
// Implementations live in the subpackages tcp, unix, quic and http (which
// includes the websocket variants); base holds the shared framing.
package transport
