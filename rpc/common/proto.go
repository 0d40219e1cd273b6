package common

import (
	"errors"
	"fmt"

	"github.com/ValentinKolb/dDoc/lib/dberr"
	"github.com/ValentinKolb/dDoc/lib/document"
	"github.com/ValentinKolb/dDoc/lib/kv"
	"github.com/ValentinKolb/dDoc/lib/storage"
	"github.com/goccy/go-json"
)

// --------------------------------------------------------------------------
// Message Structure
// --------------------------------------------------------------------------

// Message represents a single message used for both requests and responses.
// Which fields are used depends on the type of message.
type Message struct {
	// Type of message
	MsgType MessageType `json:"msg_type" bson:"msg_type"`

	// Document fields
	Collection  string             `json:"collection,omitempty" bson:"collection,omitempty"` // collection or view name
	ID          uint64             `json:"id,omitempty" bson:"id,omitempty"`                 // document id or first transaction id
	Revision    *document.Revision `json:"revision,omitempty" bson:"revision,omitempty"`
	Contents    []byte             `json:"contents,omitempty" bson:"contents,omitempty"`
	Attachments map[string][]byte  `json:"attachments,omitempty" bson:"attachments,omitempty"`
	Limit       int64              `json:"limit,omitempty" bson:"limit,omitempty"`
	Operations  []Operation        `json:"operations,omitempty" bson:"operations,omitempty"`
	Query       *storage.Query     `json:"query,omitempty" bson:"query,omitempty"`

	// KeyValue and lock fields
	Namespace  string         `json:"namespace,omitempty" bson:"namespace,omitempty"`
	Key        string         `json:"key,omitempty" bson:"key,omitempty"`
	Value      *kv.Value      `json:"value,omitempty" bson:"value,omitempty"`
	Numeric    *kv.Numeric    `json:"numeric,omitempty" bson:"numeric,omitempty"`
	SetOptions *kv.SetOptions `json:"set_options,omitempty" bson:"set_options,omitempty"`
	Saturating bool           `json:"saturating,omitempty" bson:"saturating,omitempty"`
	TTLMillis  int64          `json:"ttl_ms,omitempty" bson:"ttl_ms,omitempty"`

	// Response only fields
	Ok           bool                  `json:"ok,omitempty" bson:"ok,omitempty"`
	Header       *document.Header      `json:"header,omitempty" bson:"header,omitempty"`
	Documents    []*document.Document  `json:"documents,omitempty" bson:"documents,omitempty"`
	Executed     []storage.Executed    `json:"executed,omitempty" bson:"executed,omitempty"`
	QueryResult  *storage.QueryResult  `json:"query_result,omitempty" bson:"query_result,omitempty"`
	Mapped       []storage.MappedValue `json:"mapped,omitempty" bson:"mapped,omitempty"`
	SetResult    *kv.SetResult         `json:"set_result,omitempty" bson:"set_result,omitempty"`
	Info         *storage.Info         `json:"info,omitempty" bson:"info,omitempty"`
	Transactions uint64                `json:"transactions,omitempty" bson:"transactions,omitempty"` // last transaction id

	// Error fields, empty if no error
	ErrCode dberr.Code `json:"err_code,omitempty" bson:"err_code,omitempty"`
	Err     string     `json:"err,omitempty" bson:"err,omitempty"`
}

// Operation is a storage.Operation on the wire
type Operation struct {
	Kind        storage.OpKind    `json:"kind" bson:"kind"`
	Collection  string            `json:"collection" bson:"collection"`
	ID          uint64            `json:"id,omitempty" bson:"id,omitempty"`
	Revision    document.Revision `json:"revision" bson:"revision"`
	Contents    []byte            `json:"contents,omitempty" bson:"contents,omitempty"`
	Attachments map[string][]byte `json:"attachments,omitempty" bson:"attachments,omitempty"`
}

// ToWireOperations converts staged operations into their wire form
func ToWireOperations(ops []storage.Operation) []Operation {
	out := make([]Operation, len(ops))
	for i, op := range ops {
		out[i] = Operation(op)
	}
	return out
}

// FromWireOperations converts wire operations back
func FromWireOperations(ops []Operation) []storage.Operation {
	out := make([]storage.Operation, len(ops))
	for i, op := range ops {
		out[i] = storage.Operation(op)
	}
	return out
}

// SetError turns m into an error response if err is not nil
func (m *Message) SetError(err error) *Message {
	if err != nil {
		m.MsgType = MsgTError
		m.ErrCode = dberr.CodeOf(err)
		m.Err = err.Error()
		var e *dberr.Error
		if errors.As(err, &e) {
			m.Err = e.Msg
			if e.Cause != nil {
				m.Err += ": " + e.Cause.Error()
			}
		}
	}
	return m
}

// Error rebuilds the typed error of a response (nil if there is none)
func (m *Message) Error() error {
	if m.Err == "" && m.ErrCode == dberr.CodeSuccess {
		return nil
	}
	code := m.ErrCode
	if code == dberr.CodeSuccess {
		code = dberr.CodeInternal
	}
	return dberr.New(code, m.Err)
}

// NewErrorResponse creates a new Error response
func NewErrorResponse(code dberr.Code, msg string) *Message {
	return &Message{
		MsgType: MsgTError,
		ErrCode: code,
		Err:     msg,
	}
}

// NewResponse creates an empty response to req
func NewResponse(req *Message) *Message {
	return &Message{MsgType: req.MsgType}
}

// --------------------------------------------------------------------------
// Message Type Definition
// --------------------------------------------------------------------------

// MessageType defines the type of message used in RPC communication.
type MessageType uint8

// Family groups message types by the component that handles them
type Family uint8

const (
	FamilyNone Family = iota
	FamilyDocuments
	FamilyViews
	FamilyKeyValue
	FamilyLocks
)

const (
	// General message types

	MsgTUnknown MessageType = iota
	MsgTSuccess             // Indicates a successful operation
	MsgTError               // Indicates an error occurred

	// Document operations

	MsgTDocInsert    // Insert a document
	MsgTDocUpdate    // Update a document at a revision
	MsgTDocDelete    // Delete a document at a revision
	MsgTDocOverwrite // Write a document without revision check
	MsgTDocGet       // Get a document by id
	MsgTDocList      // List documents from an id
	MsgTTxApply      // Apply a multi operation transaction
	MsgTTxLast       // Id of the last committed transaction
	MsgTTxList       // List executed transactions
	MsgTDBInfo       // Database info

	// View operations

	MsgTViewQuery         // Query index entries
	MsgTViewReduce        // Reduce a query to one value
	MsgTViewReduceGrouped // Reduce a query per key

	// KeyValue operations

	MsgTKVSet              // Set a value
	MsgTKVGet              // Get a value
	MsgTKVGetAndDelete     // Get and delete a value
	MsgTKVDelete           // Delete a value
	MsgTKVCompareAndDelete // Delete a value if it matches
	MsgTKVIncrement        // Increment a numeric value
	MsgTKVDecrement        // Decrement a numeric value
	MsgTKVExpire           // Change the expiration of a value

	// Lock operations

	MsgTLCKAcquire // Acquire a lock
	MsgTLCKRelease // Release a lock
)

var messageTypeNames = map[MessageType]string{
	MsgTSuccess:            "success",
	MsgTError:              "error",
	MsgTDocInsert:          "doc.insert",
	MsgTDocUpdate:          "doc.update",
	MsgTDocDelete:          "doc.delete",
	MsgTDocOverwrite:       "doc.overwrite",
	MsgTDocGet:             "doc.get",
	MsgTDocList:            "doc.list",
	MsgTTxApply:            "tx.apply",
	MsgTTxLast:             "tx.last",
	MsgTTxList:             "tx.list",
	MsgTDBInfo:             "db.info",
	MsgTViewQuery:          "view.query",
	MsgTViewReduce:         "view.reduce",
	MsgTViewReduceGrouped:  "view.reduce_grouped",
	MsgTKVSet:              "kv.set",
	MsgTKVGet:              "kv.get",
	MsgTKVGetAndDelete:     "kv.get_and_delete",
	MsgTKVDelete:           "kv.delete",
	MsgTKVCompareAndDelete: "kv.compare_and_delete",
	MsgTKVIncrement:        "kv.increment",
	MsgTKVDecrement:        "kv.decrement",
	MsgTKVExpire:           "kv.expire",
	MsgTLCKAcquire:         "lock.acquire",
	MsgTLCKRelease:         "lock.release",
}

var messageTypesByName = func() map[string]MessageType {
	m := make(map[string]MessageType, len(messageTypeNames))
	for t, name := range messageTypeNames {
		m[name] = t
	}
	return m
}()

// String returns the string representation of a MessageType.
func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// Family returns the component family of the message type
func (t MessageType) Family() Family {
	switch {
	case t >= MsgTDocInsert && t <= MsgTDBInfo:
		return FamilyDocuments
	case t >= MsgTViewQuery && t <= MsgTViewReduceGrouped:
		return FamilyViews
	case t >= MsgTKVSet && t <= MsgTKVExpire:
		return FamilyKeyValue
	case t >= MsgTLCKAcquire && t <= MsgTLCKRelease:
		return FamilyLocks
	default:
		return FamilyNone
	}
}

// MarshalJSON implements the json.Marshaler interface for MessageType.
// This allows MessageType to be serialized as a string in JSON.
func (t MessageType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for MessageType.
func (t *MessageType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	mt, ok := messageTypesByName[s]
	if !ok {
		return fmt.Errorf("unknown message type: %s", s)
	}
	*t = mt
	return nil
}
