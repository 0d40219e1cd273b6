// Package serializer encodes and decodes the rpc Message for the transports.
// It defines a common interface and one implementation per wire format.
//
// Key Components:
//
//   - IRPCSerializer: Core interface that all serializer implementations must satisfy.
//
//   - jsonSerializerImpl: JSON encoding via goccy/go-json. Message types are
//     written as their names, which keeps captured traffic readable. This is
//     the default.
//
//   - bsonSerializerImpl: BSON documents via the mongo driver. Byte slices are
//     stored as binary, so payload heavy messages (documents, attachments)
//     are smaller than their JSON form.
//
//   - gobSerializerImpl: Go's gob encoding, for clients that are Go programs
//     anyway. A fresh encoder is used per message, so type information is
//     sent every time.
//
// Thread Safety:
//
//	All serializer implementations are stateless and safe for concurrent use
//	across multiple goroutines without additional synchronization.
//
// Usage:
//
//	s, err := serializer.New("bson")
//	data, err := s.Serialize(message)
//	// ... send data ...
//	var received common.Message
//	err = s.Deserialize(receivedData, &received)
package serializer
