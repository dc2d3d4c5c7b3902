package metrics

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// #region collectors

var (
	// Acquisitions counts getOrCreateTrial outcomes, labeled by the
	// acquisition decision (fresh, reacquire, takeover, owned,
	// finished, broken).
	Acquisitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metaopt_acquisitions_total",
		Help: "Trial acquisition attempts by outcome.",
	}, []string{"outcome"})

	// Reports counts reported trial outcomes by resulting status.
	Reports = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metaopt_reports_total",
		Help: "Trial result reports by resulting status.",
	}, []string{"status"})

	// StoreConflicts counts conditional-write conflicts by operation.
	// Conflicts are expected under contention; the rate, not the
	// presence, is the signal.
	StoreConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metaopt_store_conflicts_total",
		Help: "Conditional-write conflicts by operation.",
	}, []string{"op"})

	// LeaseTakeovers counts leases reclaimed from expired holders.
	LeaseTakeovers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metaopt_lease_takeovers_total",
		Help: "Leases reclaimed after their holder let the TTL elapse.",
	})

	// OwnershipFailures counts reports rejected for a stale holder.
	OwnershipFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metaopt_ownership_failures_total",
		Help: "Reports and renewals rejected because the lease moved.",
	})

	// SuggestSeconds observes adapter suggestion latency.
	SuggestSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "metaopt_suggest_seconds",
		Help:    "Latency of algorithm suggestion calls.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	})
)

// #endregion collectors

// #region server

// Serve exposes /metrics on addr in the background and returns a stop
// function. An empty addr disables the listener.
func Serve(addr string) func() {
	if addr == "" {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		log.Printf("[METRICS] listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[METRICS] listener stopped: %v", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// #endregion server
