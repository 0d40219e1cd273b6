package client

import (
	"github.com/ValentinKolb/dDoc/lib/kv"
	"github.com/ValentinKolb/dDoc/lib/lockmgr"
	"github.com/ValentinKolb/dDoc/rpc/common"
	"github.com/ValentinKolb/dDoc/rpc/serializer"
	"github.com/ValentinKolb/dDoc/rpc/transport"
)

// NewRPCLockMgr creates a client used as lockmgr.ILockManager. The locks
// live in the key-value store of the database served under dbID.
func NewRPCLockMgr(
	dbID uint64,
	config common.ClientConfig,
	transport transport.IRPCClientTransport,
	serializer serializer.IRPCSerializer,
) (lockmgr.ILockManager, error) {
	return NewRPCClient(dbID, config, transport, serializer)
}

// NewRPCKeyValue creates a client used as kv.IKeyValue
func NewRPCKeyValue(
	dbID uint64,
	config common.ClientConfig,
	transport transport.IRPCClientTransport,
	serializer serializer.IRPCSerializer,
) (kv.IKeyValue, error) {
	return NewRPCClient(dbID, config, transport, serializer)
}
