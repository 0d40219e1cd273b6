package storage

import (
	"fmt"
	"io"

	"github.com/VictoriaMetrics/metrics"
)

// dbMetrics are the per database metrics
type dbMetrics struct {
	committed      *metrics.Counter
	aborted        *metrics.Counter
	commitDuration *metrics.Histogram
	documents      *metrics.Counter
	reindexes      *metrics.Counter
	mapErrors      *metrics.Counter
}

func newDBMetrics(set *metrics.Set, db string) *dbMetrics {
	return &dbMetrics{
		committed:      set.GetOrCreateCounter(fmt.Sprintf(`ddoc_transactions_committed_total{database=%q}`, db)),
		aborted:        set.GetOrCreateCounter(fmt.Sprintf(`ddoc_transactions_aborted_total{database=%q}`, db)),
		commitDuration: set.GetOrCreateHistogram(fmt.Sprintf(`ddoc_commit_duration_seconds{database=%q}`, db)),
		documents:      set.GetOrCreateCounter(fmt.Sprintf(`ddoc_documents_written_total{database=%q}`, db)),
		reindexes:      set.GetOrCreateCounter(fmt.Sprintf(`ddoc_view_reindex_total{database=%q}`, db)),
		mapErrors:      set.GetOrCreateCounter(fmt.Sprintf(`ddoc_view_map_errors_total{database=%q}`, db)),
	}
}

// registerViewLag exposes how many transactions a view lags behind. The
// gauge resolves the database at scrape time so it survives reopening.
func (s *Storage) registerViewLag(db, view string) {
	name := fmt.Sprintf(`ddoc_view_index_lag{database=%q,view=%q}`, db, view)
	s.cfg.Metrics.GetOrCreateGauge(name, func() float64 {
		d, ok := s.databases.Load(db)
		if !ok {
			return 0
		}
		v, ok := d.views[view]
		if !ok {
			return 0
		}
		return float64(v.lag())
	})
}

// WritePrometheus writes all storage metrics in the prometheus text format
func (s *Storage) WritePrometheus(w io.Writer) {
	s.cfg.Metrics.WritePrometheus(w)
}
