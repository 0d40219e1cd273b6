package client

import (
	"context"
	"fmt"

	"github.com/ValentinKolb/dDoc/lib/dberr"
	"github.com/ValentinKolb/dDoc/rpc/common"
	"github.com/ValentinKolb/dDoc/rpc/serializer"
	"github.com/ValentinKolb/dDoc/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
)

var (
	Logger = logger.GetLogger("rpc")
)

// rpcClientAdapter stores all data needed to send requests for one database
type rpcClientAdapter struct {
	dbID       uint64
	config     common.ClientConfig
	transport  transport.IRPCClientTransport
	serializer serializer.IRPCSerializer
}

// invoke sends req and returns the response. Error responses are returned
// as *dberr.Error with the code the server reported, so errors.Is works
// against the dberr sentinels like it does locally.
func (a *rpcClientAdapter) invoke(ctx context.Context, req *common.Message) (*common.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, dberr.Wrap(dberr.CodeTimeout, err, "request canceled")
	}

	reqBytes, err := a.serializer.Serialize(*req)
	if err != nil {
		return nil, dberr.Wrap(dberr.CodeInvalidOperation, err, "failed to serialize request")
	}

	respBytes, err := a.transport.Send(ctx, a.dbID, reqBytes)
	if err != nil {
		return nil, err
	}

	resp := &common.Message{}
	if err := a.serializer.Deserialize(respBytes, resp); err != nil {
		return nil, dberr.Wrap(dberr.CodeInternal, err, "failed to deserialize response")
	}

	if err := resp.Error(); err != nil {
		return nil, err
	}

	if resp.MsgType != req.MsgType {
		return nil, dberr.New(dberr.CodeInternal,
			fmt.Sprintf("unexpected message type: %s, expected %s", resp.MsgType, req.MsgType))
	}

	return resp, nil
}
