package server

import (
	"context"
	"time"

	"github.com/ValentinKolb/dDoc/lib/dberr"
	"github.com/ValentinKolb/dDoc/lib/kv"
	"github.com/ValentinKolb/dDoc/rpc/common"
)

// NewKeyValueServerAdapter serves the key-value store of a database
func NewKeyValueServerAdapter(store kv.IKeyValue) IRPCServerAdapter {
	return &keyValueServerAdapter{store: store}
}

type keyValueServerAdapter struct {
	store kv.IKeyValue
}

func (a *keyValueServerAdapter) Handle(ctx context.Context, req *common.Message) *common.Message {
	resp := common.NewResponse(req)

	switch req.MsgType {
	case common.MsgTKVSet:
		if req.Value == nil {
			return resp.SetError(dberr.New(dberr.CodeInvalidOperation, "set requires a value"))
		}
		var opts []kv.SetOption
		if req.SetOptions != nil {
			opts = append(opts, kv.WithOptions(*req.SetOptions))
		}
		result, err := a.store.Set(ctx, req.Namespace, req.Key, *req.Value, opts...)
		resp.SetResult = &result
		return resp.SetError(err)

	case common.MsgTKVGet, common.MsgTKVGetAndDelete:
		get := a.store.Get
		if req.MsgType == common.MsgTKVGetAndDelete {
			get = a.store.GetAndDelete
		}
		value, ok, err := get(ctx, req.Namespace, req.Key)
		if ok {
			resp.Value = &value
		}
		resp.Ok = ok
		return resp.SetError(err)

	case common.MsgTKVDelete:
		ok, err := a.store.Delete(ctx, req.Namespace, req.Key)
		resp.Ok = ok
		return resp.SetError(err)

	case common.MsgTKVCompareAndDelete:
		if req.Value == nil {
			return resp.SetError(dberr.New(dberr.CodeInvalidOperation, "compare and delete requires the expected value"))
		}
		ok, err := a.store.CompareAndDelete(ctx, req.Namespace, req.Key, req.Value.Bytes)
		resp.Ok = ok
		return resp.SetError(err)

	case common.MsgTKVIncrement, common.MsgTKVDecrement:
		if req.Numeric == nil {
			return resp.SetError(dberr.New(dberr.CodeInvalidOperation, "increment requires an amount"))
		}
		op := a.store.Increment
		if req.MsgType == common.MsgTKVDecrement {
			op = a.store.Decrement
		}
		n, err := op(ctx, req.Namespace, req.Key, *req.Numeric, req.Saturating)
		resp.Numeric = &n
		return resp.SetError(err)

	case common.MsgTKVExpire:
		ok, err := a.store.Expire(ctx, req.Namespace, req.Key, time.Duration(req.TTLMillis)*time.Millisecond)
		resp.Ok = ok
		return resp.SetError(err)

	default:
		return unsupported("KeyValueAdapter", req)
	}
}
