// Package http implements the http transport of the rpc system.
//
// Routes of the server:
//
//	POST /rpc/{dbId}     one serialized request per call
//	GET  /ws             websocket, frame protocol of the base package
//	GET  /metrics        prometheus metrics (with a registered observer)
//	GET  /watch/{dbId}   websocket, change events as JSON text messages;
//	                     ?collection= restricts the feed to one collection
//
// Key Components:
//
//   - httpServerTransport: Implements IObservableTransport. The websocket
//     route shares the request handling of the base package, so pipelined
//     requests are processed concurrently per connection.
//
//   - httpClientTransport: Sends each request as a POST to the endpoints in
//     round-robin order. Simple to route through proxies, but one round trip
//     per request.
//
//   - NewWebSocketClientTransport: The base client over websocket
//     connections to /ws.
//
//   - Watch: Client side of the change feed.
package http
