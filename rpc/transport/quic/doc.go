// Package quic implements the rpc transport over QUIC (quic-go). Each rpc
// connection is one QUIC connection with a single bidirectional stream that
// carries the frame protocol of the base package.
//
// The server uses the configured certificate (TLSCertFile, TLSKeyFile) or
// generates a self signed one on start. Clients of a self signed server
// have to set TLSInsecure.
package quic
