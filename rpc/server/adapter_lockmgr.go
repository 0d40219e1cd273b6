package server

import (
	"context"
	"time"

	"github.com/ValentinKolb/dDoc/lib/lockmgr"
	"github.com/ValentinKolb/dDoc/rpc/common"
)

// NewLockManagerServerAdapter serves the lock manager of a database
func NewLockManagerServerAdapter(locks lockmgr.ILockManager) IRPCServerAdapter {
	return &lockMgrServerAdapter{locks: locks}
}

type lockMgrServerAdapter struct {
	locks lockmgr.ILockManager
}

func (a *lockMgrServerAdapter) Handle(ctx context.Context, req *common.Message) *common.Message {
	resp := common.NewResponse(req)

	switch req.MsgType {
	case common.MsgTLCKAcquire:
		ok, ownerID, err := a.locks.AcquireLock(ctx, req.Key, time.Duration(req.TTLMillis)*time.Millisecond)
		resp.Ok = ok
		resp.Contents = ownerID
		return resp.SetError(err)

	case common.MsgTLCKRelease:
		ok, err := a.locks.ReleaseLock(ctx, req.Key, req.Contents)
		resp.Ok = ok
		return resp.SetError(err)

	default:
		return unsupported("LockManagerAdapter", req)
	}
}
