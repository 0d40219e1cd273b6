package quic

import (
	"fmt"
	"net"
	"time"

	"github.com/ValentinKolb/dDoc/rpc/common"
	"github.com/ValentinKolb/dDoc/rpc/transport"
	"github.com/ValentinKolb/dDoc/rpc/transport/base"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/quic-go/quic-go"
)

var Logger = logger.GetLogger("transport/rpc")

// serverConnector implements the IServerConnector interface for QUIC
type serverConnector struct{}

// --------------------------------------------------------------------------
// Interface Methods (docu see base.IServerConnector)
// --------------------------------------------------------------------------

func (c *serverConnector) GetName() string {
	return "quic"
}

func (c *serverConnector) Listen(config common.ServerConfig) (net.Listener, error) {
	tlsConf, err := serverTLSConfig(config.Transport.TLSCertFile, config.Transport.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate: %v", err)
	}

	ln, err := quic.ListenAddr(config.Transport.Endpoint, tlsConf, &quic.Config{
		MaxIdleTimeout:  time.Duration(config.Transport.MaxIdleTimeoutSec) * time.Second,
		KeepAlivePeriod: keepAlivePeriod,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %v", config.Transport.Endpoint, err)
	}
	return newStreamListener(ln), nil
}

func (c *serverConnector) UpgradeConnection(net.Conn, common.ServerConfig) error {
	return nil
}

// --------------------------------------------------------------------------
// Server Transport Factory Method
// --------------------------------------------------------------------------

// NewQUICServerTransport creates a new QUIC server transport
func NewQUICServerTransport() transport.IRPCServerTransport {
	return base.NewBaseServerTransport(&serverConnector{})
}
