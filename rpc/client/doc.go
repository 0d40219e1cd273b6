// Package client implements the RPC client. RPCClient addresses one remote
// database and implements storage.Connection, kv.IKeyValue and
// lockmgr.ILockManager, so code written against these interfaces (the
// backup package, the cmd tools) works with local and remote databases
// alike. Errors reported by the server are returned as *dberr.Error with
// the original code.
//
// Usage Example:
//
//	config := common.ClientConfig{
//	  TimeoutSecond: 5,
//	  Transport: common.ClientTransportConfig{
//	    Endpoints:  []string{"localhost:8080"},
//	    RetryCount: 3,
//	  },
//	}
//
//	c, err := client.NewRPCClient(1, config, tcp.NewTCPClientTransport(), serializer.NewJSONSerializer())
//	if err != nil {
//	  log.Fatal(err)
//	}
//	defer c.Close()
//
//	header, err := c.InsertDocument(ctx, "notes", []byte("hello"), nil)
//
// The transport retries failed sends, so a request that reached the server
// before the connection broke may be applied twice. Inserts with a server
// assigned id are the only operation where this is visible.
package client
