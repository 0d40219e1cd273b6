package client

import (
	"context"
	"time"

	"github.com/ValentinKolb/dDoc/lib/dberr"
	"github.com/ValentinKolb/dDoc/lib/document"
	"github.com/ValentinKolb/dDoc/lib/kv"
	"github.com/ValentinKolb/dDoc/lib/lockmgr"
	"github.com/ValentinKolb/dDoc/lib/storage"
	"github.com/ValentinKolb/dDoc/rpc/common"
	"github.com/ValentinKolb/dDoc/rpc/serializer"
	"github.com/ValentinKolb/dDoc/rpc/transport"
)

// RPCClient accesses one remote database. It implements storage.Connection,
// kv.IKeyValue and lockmgr.ILockManager.
type RPCClient struct {
	rpcClientAdapter
}

var (
	_ storage.Connection   = (*RPCClient)(nil)
	_ kv.IKeyValue         = (*RPCClient)(nil)
	_ lockmgr.ILockManager = (*RPCClient)(nil)
)

// NewRPCClient connects the transport and returns a client for the database
// served under dbID. Several clients may share a connected transport, see
// WithDatabase.
func NewRPCClient(
	dbID uint64,
	config common.ClientConfig,
	transport transport.IRPCClientTransport,
	serializer serializer.IRPCSerializer,
) (*RPCClient, error) {
	if err := transport.Connect(config); err != nil {
		return nil, err
	}

	return &RPCClient{
		rpcClientAdapter{
			dbID:       dbID,
			config:     config,
			transport:  transport,
			serializer: serializer,
		},
	}, nil
}

// NewRPCConnection creates a client used as storage.Connection
func NewRPCConnection(
	dbID uint64,
	config common.ClientConfig,
	transport transport.IRPCClientTransport,
	serializer serializer.IRPCSerializer,
) (storage.Connection, error) {
	return NewRPCClient(dbID, config, transport, serializer)
}

// WithDatabase returns a client for another database over the same transport
func (c *RPCClient) WithDatabase(dbID uint64) *RPCClient {
	other := *c
	other.dbID = dbID
	return &other
}

// Close closes the transport (and with it every client sharing it)
func (c *RPCClient) Close() error {
	return c.transport.Close()
}

// --------------------------------------------------------------------------
// Interface Methods (docu see storage.Connection)
// --------------------------------------------------------------------------

func (c *RPCClient) InsertDocument(ctx context.Context, collection string, contents []byte, attachments map[string][]byte) (document.Header, error) {
	resp, err := c.invoke(ctx, &common.Message{
		MsgType:     common.MsgTDocInsert,
		Collection:  collection,
		Contents:    contents,
		Attachments: attachments,
	})
	if err != nil {
		return document.Header{}, err
	}
	return headerOf(resp)
}

func (c *RPCClient) UpdateDocument(ctx context.Context, collection string, id uint64, expected document.Revision, contents []byte) (document.Revision, error) {
	resp, err := c.invoke(ctx, &common.Message{
		MsgType:    common.MsgTDocUpdate,
		Collection: collection,
		ID:         id,
		Revision:   &expected,
		Contents:   contents,
	})
	if err != nil {
		return document.Revision{}, err
	}
	if resp.Revision == nil {
		return document.Revision{}, missing("revision")
	}
	return *resp.Revision, nil
}

func (c *RPCClient) DeleteDocument(ctx context.Context, collection string, id uint64, expected document.Revision) error {
	_, err := c.invoke(ctx, &common.Message{
		MsgType:    common.MsgTDocDelete,
		Collection: collection,
		ID:         id,
		Revision:   &expected,
	})
	return err
}

func (c *RPCClient) OverwriteDocument(ctx context.Context, collection string, id uint64, contents []byte) (document.Header, error) {
	resp, err := c.invoke(ctx, &common.Message{
		MsgType:    common.MsgTDocOverwrite,
		Collection: collection,
		ID:         id,
		Contents:   contents,
	})
	if err != nil {
		return document.Header{}, err
	}
	return headerOf(resp)
}

func (c *RPCClient) GetDocument(ctx context.Context, collection string, id uint64) (*document.Document, error) {
	resp, err := c.invoke(ctx, &common.Message{
		MsgType:    common.MsgTDocGet,
		Collection: collection,
		ID:         id,
	})
	if err != nil {
		return nil, err
	}
	if !resp.Ok || len(resp.Documents) == 0 {
		return nil, dberr.Newf(dberr.CodeNotFound, "document %d not found in %s", id, collection)
	}
	return resp.Documents[0], nil
}

func (c *RPCClient) ListDocuments(ctx context.Context, collection string, start uint64, limit int) ([]*document.Document, error) {
	resp, err := c.invoke(ctx, &common.Message{
		MsgType:    common.MsgTDocList,
		Collection: collection,
		ID:         start,
		Limit:      int64(limit),
	})
	if err != nil {
		return nil, err
	}
	return resp.Documents, nil
}

func (c *RPCClient) ApplyTransaction(ctx context.Context, ops []storage.Operation) (*storage.Executed, error) {
	resp, err := c.invoke(ctx, &common.Message{
		MsgType:    common.MsgTTxApply,
		Operations: common.ToWireOperations(ops),
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Executed) == 0 {
		return nil, missing("executed transaction")
	}
	return &resp.Executed[0], nil
}

func (c *RPCClient) QueryView(ctx context.Context, view string, q storage.Query) (*storage.QueryResult, error) {
	resp, err := c.invoke(ctx, &common.Message{
		MsgType:    common.MsgTViewQuery,
		Collection: view,
		Query:      &q,
	})
	if err != nil {
		return nil, err
	}
	if resp.QueryResult == nil {
		return &storage.QueryResult{}, nil
	}
	return resp.QueryResult, nil
}

func (c *RPCClient) ReduceView(ctx context.Context, view string, q storage.Query) ([]byte, error) {
	resp, err := c.invoke(ctx, &common.Message{
		MsgType:    common.MsgTViewReduce,
		Collection: view,
		Query:      &q,
	})
	if err != nil {
		return nil, err
	}
	return resp.Contents, nil
}

func (c *RPCClient) ReduceGrouped(ctx context.Context, view string, q storage.Query) ([]storage.MappedValue, error) {
	resp, err := c.invoke(ctx, &common.Message{
		MsgType:    common.MsgTViewReduceGrouped,
		Collection: view,
		Query:      &q,
	})
	if err != nil {
		return nil, err
	}
	return resp.Mapped, nil
}

func (c *RPCClient) LastTransactionID(ctx context.Context) (uint64, error) {
	resp, err := c.invoke(ctx, &common.Message{MsgType: common.MsgTTxLast})
	if err != nil {
		return 0, err
	}
	return resp.Transactions, nil
}

func (c *RPCClient) ListExecutedTransactions(ctx context.Context, startingID uint64, limit int) ([]storage.Executed, error) {
	resp, err := c.invoke(ctx, &common.Message{
		MsgType: common.MsgTTxList,
		ID:      startingID,
		Limit:   int64(limit),
	})
	if err != nil {
		return nil, err
	}
	return resp.Executed, nil
}

func (c *RPCClient) Info(ctx context.Context) (*storage.Info, error) {
	resp, err := c.invoke(ctx, &common.Message{MsgType: common.MsgTDBInfo})
	if err != nil {
		return nil, err
	}
	if resp.Info == nil {
		return nil, missing("info")
	}
	return resp.Info, nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see kv.IKeyValue)
// --------------------------------------------------------------------------

func (c *RPCClient) Set(ctx context.Context, namespace, key string, value kv.Value, opts ...kv.SetOption) (kv.SetResult, error) {
	resolved := kv.ResolveSetOptions(opts...)
	resp, err := c.invoke(ctx, &common.Message{
		MsgType:    common.MsgTKVSet,
		Namespace:  namespace,
		Key:        key,
		Value:      &value,
		SetOptions: &resolved,
	})
	if err != nil {
		return kv.SetResult{}, err
	}
	if resp.SetResult == nil {
		return kv.SetResult{}, missing("set result")
	}
	return *resp.SetResult, nil
}

func (c *RPCClient) Get(ctx context.Context, namespace, key string) (kv.Value, bool, error) {
	return c.get(ctx, common.MsgTKVGet, namespace, key)
}

func (c *RPCClient) GetAndDelete(ctx context.Context, namespace, key string) (kv.Value, bool, error) {
	return c.get(ctx, common.MsgTKVGetAndDelete, namespace, key)
}

func (c *RPCClient) Delete(ctx context.Context, namespace, key string) (bool, error) {
	resp, err := c.invoke(ctx, &common.Message{
		MsgType:   common.MsgTKVDelete,
		Namespace: namespace,
		Key:       key,
	})
	if err != nil {
		return false, err
	}
	return resp.Ok, nil
}

func (c *RPCClient) CompareAndDelete(ctx context.Context, namespace, key string, expected []byte) (bool, error) {
	resp, err := c.invoke(ctx, &common.Message{
		MsgType:   common.MsgTKVCompareAndDelete,
		Namespace: namespace,
		Key:       key,
		Value:     &kv.Value{Bytes: expected},
	})
	if err != nil {
		return false, err
	}
	return resp.Ok, nil
}

func (c *RPCClient) Increment(ctx context.Context, namespace, key string, by kv.Numeric, saturating bool) (kv.Numeric, error) {
	return c.step(ctx, common.MsgTKVIncrement, namespace, key, by, saturating)
}

func (c *RPCClient) Decrement(ctx context.Context, namespace, key string, by kv.Numeric, saturating bool) (kv.Numeric, error) {
	return c.step(ctx, common.MsgTKVDecrement, namespace, key, by, saturating)
}

func (c *RPCClient) Expire(ctx context.Context, namespace, key string, ttl time.Duration) (bool, error) {
	resp, err := c.invoke(ctx, &common.Message{
		MsgType:   common.MsgTKVExpire,
		Namespace: namespace,
		Key:       key,
		TTLMillis: ttl.Milliseconds(),
	})
	if err != nil {
		return false, err
	}
	return resp.Ok, nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see lockmgr.ILockManager)
// --------------------------------------------------------------------------

func (c *RPCClient) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, []byte, error) {
	resp, err := c.invoke(ctx, &common.Message{
		MsgType:   common.MsgTLCKAcquire,
		Key:       key,
		TTLMillis: ttl.Milliseconds(),
	})
	if err != nil {
		return false, nil, err
	}
	return resp.Ok, resp.Contents, nil
}

func (c *RPCClient) ReleaseLock(ctx context.Context, key string, ownerID []byte) (bool, error) {
	resp, err := c.invoke(ctx, &common.Message{
		MsgType:  common.MsgTLCKRelease,
		Key:      key,
		Contents: ownerID,
	})
	if err != nil {
		return false, err
	}
	return resp.Ok, nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func (c *RPCClient) get(ctx context.Context, t common.MessageType, namespace, key string) (kv.Value, bool, error) {
	resp, err := c.invoke(ctx, &common.Message{
		MsgType:   t,
		Namespace: namespace,
		Key:       key,
	})
	if err != nil || !resp.Ok {
		return kv.Value{}, false, err
	}
	if resp.Value == nil {
		return kv.Value{}, true, nil
	}
	return *resp.Value, true, nil
}

func (c *RPCClient) step(ctx context.Context, t common.MessageType, namespace, key string, by kv.Numeric, saturating bool) (kv.Numeric, error) {
	resp, err := c.invoke(ctx, &common.Message{
		MsgType:    t,
		Namespace:  namespace,
		Key:        key,
		Numeric:    &by,
		Saturating: saturating,
	})
	if err != nil {
		return kv.Numeric{}, err
	}
	if resp.Numeric == nil {
		return kv.Numeric{}, missing("numeric")
	}
	return *resp.Numeric, nil
}

func headerOf(resp *common.Message) (document.Header, error) {
	if resp.Header == nil {
		return document.Header{}, missing("header")
	}
	return *resp.Header, nil
}

func missing(field string) error {
	return dberr.Newf(dberr.CodeInternal, "response without %s", field)
}
