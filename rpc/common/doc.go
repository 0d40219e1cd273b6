// Package common provides the data structures shared by the rpc client,
// server and transports.
//
// Key Components:
//
//   - Message: The single request and response structure of the protocol.
//     Which fields are used depends on the MessageType; errors travel as a
//     dberr code plus message and are rebuilt by Message.Error.
//
//   - MessageType: Enumeration of all operations, grouped into families
//     (documents, views, key-value, locks) that the server dispatches to
//     different adapters.
//
//   - ServerConfig / ClientConfig: Configuration of both sides, filled by the
//     cmd package from flags, environment and config files.
//
//   - Logger: Implementation of dragonboat's logger.ILogger used for every
//     named logger of the module, with consistent formatting.
package common
