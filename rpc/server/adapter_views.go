package server

import (
	"context"

	"github.com/ValentinKolb/dDoc/lib/storage"
	"github.com/ValentinKolb/dDoc/rpc/common"
)

// NewViewsServerAdapter serves view queries and reductions
func NewViewsServerAdapter(conn storage.Connection) IRPCServerAdapter {
	return &viewsServerAdapter{conn: conn}
}

type viewsServerAdapter struct {
	conn storage.Connection
}

func (a *viewsServerAdapter) Handle(ctx context.Context, req *common.Message) *common.Message {
	resp := common.NewResponse(req)

	var q storage.Query
	if req.Query != nil {
		q = *req.Query
	}

	switch req.MsgType {
	case common.MsgTViewQuery:
		result, err := a.conn.QueryView(ctx, req.Collection, q)
		resp.QueryResult = result
		return resp.SetError(err)

	case common.MsgTViewReduce:
		value, err := a.conn.ReduceView(ctx, req.Collection, q)
		resp.Contents = value
		resp.Ok = err == nil
		return resp.SetError(err)

	case common.MsgTViewReduceGrouped:
		mapped, err := a.conn.ReduceGrouped(ctx, req.Collection, q)
		resp.Mapped = mapped
		return resp.SetError(err)

	default:
		return unsupported("ViewsAdapter", req)
	}
}
