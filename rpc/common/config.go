package common

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// RPC server configuration struct
// --------------------------------------------------------------------------

// ServerDatabase is one database hosted by the server
type ServerDatabase struct {
	// ID is the numeric id clients address the database with
	ID uint64
	// Name of the database (and of its keyspace)
	Name string
	// Collections defined in the schema of the database
	Collections []string
}

// ServerTransportConfig holds the settings of the server transport
type ServerTransportConfig struct {
	Endpoint          string
	WorkersPerConn    int
	BufferSize        int
	TCPNoDelay        bool
	TCPKeepAliveSec   int
	TCPLingerSec      int
	ReadBufferSize    int
	WriteBufferSize   int
	TLSCertFile       string // QUIC only, a self signed certificate is generated if empty
	TLSKeyFile        string
	MaxIdleTimeoutSec int // QUIC only
}

// ServerConfig holds all configuration parameters of an rpc server.
type ServerConfig struct {
	// Databases hosted by the server
	Databases []ServerDatabase

	// Storage parameters
	Engine           string // badger or memory
	DataDir          string
	MinFreeDiskBytes uint64
	IndexWorkers     int
	KVSweepInterval  time.Duration

	// TimeoutSecond bounds every request (0 = no deadline)
	TimeoutSecond int64

	Transport ServerTransportConfig

	// Logging configuration
	LogLevel string
}

// Timeout returns the request timeout as a duration
func (c *ServerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecond) * time.Second
}

// ParseServerDatabase parses "<id>=<name>:<collection>,<collection>"
func ParseServerDatabase(s string) (ServerDatabase, error) {
	idPart, rest, ok := strings.Cut(s, "=")
	if !ok {
		return ServerDatabase{}, fmt.Errorf("invalid database %q, expected <id>=<name>:<collection>,...", s)
	}
	id, err := strconv.ParseUint(strings.TrimSpace(idPart), 10, 64)
	if err != nil {
		return ServerDatabase{}, fmt.Errorf("invalid database id in %q: %v", s, err)
	}
	name, collections, _ := strings.Cut(rest, ":")
	db := ServerDatabase{ID: id, Name: strings.TrimSpace(name)}
	if db.Name == "" {
		return ServerDatabase{}, fmt.Errorf("database %q has no name", s)
	}
	for _, c := range strings.Split(collections, ",") {
		if c = strings.TrimSpace(c); c != "" {
			db.Collections = append(db.Collections, c)
		}
	}
	return db, nil
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// RPC settings
	addSection("RPC Server")
	addField("Endpoint", c.Transport.Endpoint)
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Workers Per Conn", strconv.Itoa(c.Transport.WorkersPerConn))

	// Storage
	addSection("Storage")
	addField("Engine", c.Engine)
	if c.Engine != "memory" {
		addField("Data Directory", c.DataDir)
		addField("Min Free Disk", fmt.Sprintf("%d bytes", c.MinFreeDiskBytes))
	}
	addField("Index Workers", strconv.Itoa(c.IndexWorkers))
	addField("KV Sweep Interval", c.KVSweepInterval.String())

	// Logging configuration
	addSection("Logging")
	addField("Log Level", c.LogLevel)

	// Databases, sorted by id for consistent output
	addSection("Databases")
	dbs := append([]ServerDatabase(nil), c.Databases...)
	sort.Slice(dbs, func(i, j int) bool { return dbs[i].ID < dbs[j].ID })
	for _, db := range dbs {
		addField(strconv.FormatUint(db.ID, 10), fmt.Sprintf("%s (%s)", db.Name, strings.Join(db.Collections, ", ")))
	}
	return sb.String()
}

// --------------------------------------------------------------------------
// RPC client configuration struct
// --------------------------------------------------------------------------

// ClientTransportConfig holds the settings of the client transport
type ClientTransportConfig struct {
	Endpoints              []string
	RetryCount             int
	ConnectionsPerEndpoint int
	TCPNoDelay             bool
	TCPKeepAliveSec        int
	TLSInsecure            bool // QUIC only, skip certificate verification
}

type ClientConfig struct {
	TimeoutSecond int
	Transport     ClientTransportConfig
}

// Timeout returns the request timeout as a duration
func (c *ClientConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecond) * time.Second
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// General Client Settings
	addSection("Client Configuration")
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Retry Count", strconv.Itoa(c.Transport.RetryCount))
	addField("Connections Per Endpoint", strconv.Itoa(int(math.Max(1, float64(c.Transport.ConnectionsPerEndpoint)))))

	// Endpoints
	addSection("Endpoints")
	for i, endpoint := range c.Transport.Endpoints {
		addField(strconv.Itoa(i), endpoint)
	}

	return sb.String()
}
