package storage

import (
	"fmt"
	"runtime"
	"time"

	"github.com/ValentinKolb/dDoc/lib/keyspace"
	"github.com/ValentinKolb/dDoc/lib/keyspace/engines/memory"
	"github.com/VictoriaMetrics/metrics"
)

// Config configures a Storage
type Config struct {
	// Factory opens the keyspace of a database by name
	Factory keyspace.Factory
	// IndexWorkers bounds the goroutines running map functions in parallel
	IndexWorkers int
	// EventualBatchSize is the number of transactions an eventual view
	// worker applies per write batch
	EventualBatchSize int
	// ReindexBatchSize is the number of documents written per batch during
	// a full reindex
	ReindexBatchSize int
	// NotifierBuffer is the channel capacity of each subscription
	NotifierBuffer int
	// KVSweepInterval is the time between two expiration sweeps of the
	// key-value store of each database
	KVSweepInterval time.Duration
	// Publishers receive every change event (bridge to an external pub/sub)
	Publishers []Publisher
	// Metrics receives the storage metrics (a new set if nil)
	Metrics *metrics.Set
}

// DefaultConfig returns an in-memory configuration
func DefaultConfig() Config {
	return Config{
		Factory:           memory.Factory(),
		IndexWorkers:      runtime.NumCPU(),
		EventualBatchSize: 64,
		ReindexBatchSize:  256,
		NotifierBuffer:    256,
		KVSweepInterval:   100 * time.Millisecond,
	}
}

func (c *Config) validate() error {
	if c.Factory == nil {
		return fmt.Errorf("keyspace factory is required")
	}
	if c.IndexWorkers <= 0 {
		c.IndexWorkers = 1
	}
	if c.EventualBatchSize <= 0 {
		c.EventualBatchSize = 64
	}
	if c.ReindexBatchSize <= 0 {
		c.ReindexBatchSize = 256
	}
	if c.NotifierBuffer <= 0 {
		c.NotifierBuffer = 256
	}
	if c.KVSweepInterval <= 0 {
		c.KVSweepInterval = 100 * time.Millisecond
	}
	if c.Metrics == nil {
		c.Metrics = metrics.NewSet()
	}
	return nil
}
