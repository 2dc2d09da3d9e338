package common

import (
	"io"

	"github.com/VictoriaMetrics/metrics"
)

// processSet carries process-wide metrics that don't belong to any one
// cache instance (currently none of our own; WriteMetrics below adds Go
// runtime metrics via the exposeProcessMetrics flag). internal/store.Cache
// keeps its own private *metrics.Set instead of registering into this one,
// so that tests constructing many caches never collide on a counter name
// (see internal/store's ledger entry); this set exists so the process has
// somewhere to expose goroutine/GC metrics even with no cache registered.
var processSet = metrics.NewSet()

func init() {
	metrics.RegisterSet(processSet)
}

// WriteMetrics renders every counter and gauge registered against the
// default metrics set, together with the Go runtime's process metrics
// (goroutine count, GC pauses, RSS), in Prometheus exposition format. The
// per-cache counters backing the stats command are NOT included here;
// they're written directly by store.Cache.WriteMetrics.
func WriteMetrics(w io.Writer) {
	metrics.WritePrometheus(w, true)
}
