package server

import (
	"context"

	"github.com/ValentinKolb/dDoc/lib/dberr"
	"github.com/ValentinKolb/dDoc/rpc/common"
)

// IRPCServerAdapter is the interface for all RPC server adapters. An adapter
// serves one message family (see common.Family) of one database.
type IRPCServerAdapter interface {
	// Handle handles a request and returns a response
	// If an error occurs, it should be set in the response
	Handle(ctx context.Context, req *common.Message) (resp *common.Message)
}

// unsupported is the response to a message type the adapter does not serve
func unsupported(adapter string, req *common.Message) *common.Message {
	return common.NewErrorResponse(dberr.CodeUnsupportedOperation,
		"RPC "+adapter+" - Unsupported message type: "+req.MsgType.String())
}
