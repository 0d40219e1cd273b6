package server

import (
	"context"

	"github.com/ValentinKolb/dDoc/lib/dberr"
	"github.com/ValentinKolb/dDoc/lib/storage"
	"github.com/ValentinKolb/dDoc/rpc/common"
)

// NewDocumentsServerAdapter serves document, transaction and info requests
func NewDocumentsServerAdapter(conn storage.Connection) IRPCServerAdapter {
	return &documentsServerAdapter{conn: conn}
}

type documentsServerAdapter struct {
	conn storage.Connection
}

func (a *documentsServerAdapter) Handle(ctx context.Context, req *common.Message) *common.Message {
	resp := common.NewResponse(req)

	switch req.MsgType {
	case common.MsgTDocInsert:
		h, err := a.conn.InsertDocument(ctx, req.Collection, req.Contents, req.Attachments)
		resp.Header = &h
		return resp.SetError(err)

	case common.MsgTDocUpdate:
		if req.Revision == nil {
			return resp.SetError(dberr.New(dberr.CodeInvalidOperation, "update requires the expected revision"))
		}
		rev, err := a.conn.UpdateDocument(ctx, req.Collection, req.ID, *req.Revision, req.Contents)
		resp.Revision = &rev
		return resp.SetError(err)

	case common.MsgTDocDelete:
		if req.Revision == nil {
			return resp.SetError(dberr.New(dberr.CodeInvalidOperation, "delete requires the expected revision"))
		}
		return resp.SetError(a.conn.DeleteDocument(ctx, req.Collection, req.ID, *req.Revision))

	case common.MsgTDocOverwrite:
		h, err := a.conn.OverwriteDocument(ctx, req.Collection, req.ID, req.Contents)
		resp.Header = &h
		return resp.SetError(err)

	case common.MsgTDocGet:
		doc, err := a.conn.GetDocument(ctx, req.Collection, req.ID)
		if err == nil {
			resp.Documents = append(resp.Documents, doc)
			resp.Ok = true
		}
		return resp.SetError(err)

	case common.MsgTDocList:
		docs, err := a.conn.ListDocuments(ctx, req.Collection, req.ID, int(req.Limit))
		resp.Documents = docs
		return resp.SetError(err)

	case common.MsgTTxApply:
		executed, err := a.conn.ApplyTransaction(ctx, common.FromWireOperations(req.Operations))
		if executed != nil {
			resp.Executed = append(resp.Executed, *executed)
		}
		return resp.SetError(err)

	case common.MsgTTxLast:
		id, err := a.conn.LastTransactionID(ctx)
		resp.Transactions = id
		return resp.SetError(err)

	case common.MsgTTxList:
		executed, err := a.conn.ListExecutedTransactions(ctx, req.ID, int(req.Limit))
		resp.Executed = executed
		return resp.SetError(err)

	case common.MsgTDBInfo:
		info, err := a.conn.Info(ctx)
		resp.Info = info
		return resp.SetError(err)

	default:
		return unsupported("DocumentsAdapter", req)
	}
}
