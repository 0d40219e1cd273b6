package serve

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	cmdUtil "github.com/ValentinKolb/dDoc/cmd/util"
	"github.com/ValentinKolb/dDoc/rpc/common"
	"github.com/ValentinKolb/dDoc/rpc/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	serveCmdConfig = &common.ServerConfig{}
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start the dDoc server",
		Long:    `Start the dDoc server with the specified configuration. The configuration can be set via command line flags or environment variables. The format of the environment variables is DDOC_<flag> (e.g. DDOC_TIMEOUT=15)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	key := "databases"
	ServeCmd.PersistentFlags().String(key, "1=default:documents", cmdUtil.WrapString("Semicolon-separated list of databases to serve. Format: ID=NAME:COLLECTION,COLLECTION (e.g. '1=shop:orders,customers;2=notes:notes')"))

	key = "engine"
	ServeCmd.PersistentFlags().String(key, "memory", cmdUtil.WrapString("Storage engine of the databases (memory, badger)"))

	key = "data-dir"
	ServeCmd.PersistentFlags().String(key, "data", cmdUtil.WrapString("Directory of the badger engine, every database gets a subdirectory"))

	key = "min-free-disk"
	ServeCmd.PersistentFlags().Uint64(key, 64<<20, cmdUtil.WrapString("Minimum free disk space in bytes required to open a badger database"))

	key = "index-workers"
	ServeCmd.PersistentFlags().Int(key, 4, cmdUtil.WrapString("Number of workers mapping documents while views are indexed"))

	key = "kv-sweep-interval"
	ServeCmd.PersistentFlags().Duration(key, 0, cmdUtil.WrapString("How often expired key-value entries are removed (0 = only when the next entry expires)"))

	key = "timeout"
	ServeCmd.PersistentFlags().Int64(key, 5, cmdUtil.WrapString("Timeout of a single request in seconds"))

	key = "endpoint"
	ServeCmd.PersistentFlags().String(key, "0.0.0.0:8080", cmdUtil.WrapString("The address on which the API will listen (e.g. localhost:8080, /tmp/ddoc.sock, ...)"))

	key = "workers-per-conn"
	ServeCmd.PersistentFlags().Int(key, 16, cmdUtil.WrapString("Number of requests handled in parallel per connection (ignored for http)"))

	key = "tcp-nodelay"
	ServeCmd.PersistentFlags().Bool(key, true, cmdUtil.WrapString("Whether to enable TCP_NODELAY (tcp only)"))

	key = "tcp-keepalive"
	ServeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("The keepalive interval in seconds (tcp only)"))

	key = "tcp-linger"
	ServeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("The linger time in seconds (tcp only)"))

	key = "read-buffer"
	ServeCmd.PersistentFlags().Int(key, 512, cmdUtil.WrapString("The size of the socket read buffer in KB (tcp and unix)"))

	key = "write-buffer"
	ServeCmd.PersistentFlags().Int(key, 512, cmdUtil.WrapString("The size of the socket write buffer in KB (tcp and unix)"))

	key = "tls-cert"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("TLS certificate file (quic only, a self signed certificate is generated if empty)"))

	key = "tls-key"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("TLS key file (quic only)"))

	key = "quic-max-idle"
	ServeCmd.PersistentFlags().Int(key, 30, cmdUtil.WrapString("Seconds after which an idle QUIC connection is closed"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	serveCmdConfig.Databases = nil
	for _, dbConfig := range strings.Split(viper.GetString("databases"), ";") {
		if strings.TrimSpace(dbConfig) == "" {
			continue
		}
		db, err := common.ParseServerDatabase(dbConfig)
		if err != nil {
			return err
		}
		serveCmdConfig.Databases = append(serveCmdConfig.Databases, db)
	}

	serveCmdConfig.Engine = viper.GetString("engine")
	serveCmdConfig.DataDir = viper.GetString("data-dir")
	serveCmdConfig.MinFreeDiskBytes = viper.GetUint64("min-free-disk")
	serveCmdConfig.IndexWorkers = viper.GetInt("index-workers")
	serveCmdConfig.KVSweepInterval = viper.GetDuration("kv-sweep-interval")
	serveCmdConfig.TimeoutSecond = viper.GetInt64("timeout")
	serveCmdConfig.LogLevel = viper.GetString("log-level")
	serveCmdConfig.Transport = common.ServerTransportConfig{
		Endpoint:          viper.GetString("endpoint"),
		WorkersPerConn:    viper.GetInt("workers-per-conn"),
		TCPNoDelay:        viper.GetBool("tcp-nodelay"),
		TCPKeepAliveSec:   viper.GetInt("tcp-keepalive"),
		TCPLingerSec:      viper.GetInt("tcp-linger"),
		ReadBufferSize:    viper.GetInt("read-buffer") * 1024,
		WriteBufferSize:   viper.GetInt("write-buffer") * 1024,
		TLSCertFile:       viper.GetString("tls-cert"),
		TLSKeyFile:        viper.GetString("tls-key"),
		MaxIdleTimeoutSec: viper.GetInt("quic-max-idle"),
	}

	return nil
}

// run starts the dDoc server and stops it on SIGINT or SIGTERM
func run(_ *cobra.Command, _ []string) error {
	s, err := cmdUtil.GetSerializer()
	if err != nil {
		return err
	}
	t, err := cmdUtil.GetServerTransport()
	if err != nil {
		return err
	}

	serv, err := server.NewRPCServer(*serveCmdConfig, t, s)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	served := make(chan error, 1)
	go func() { served <- serv.Serve() }()

	select {
	case err = <-served:
		if cerr := serv.Close(); cerr != nil && err == nil {
			err = cerr
		}
	case <-ctx.Done():
		server.Logger.Infof("shutting down")
		cerr := serv.Close()
		if err = <-served; err == nil {
			err = cerr
		}
	}
	return err
}
