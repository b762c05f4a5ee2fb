// Package metrics holds the Prometheus instrumentation for batch jobs.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	// pairsTotal counts processed pairs.
	// Labels: job (aggregate, seed), outcome (processed, skipped, failed, deferred)
	pairsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "distengine",
		Name:      "pairs_total",
		Help:      "Pairs handled by batch jobs, by outcome",
	}, []string{"job", "outcome"})

	// fallbackRequests counts fallback estimates.
	// Labels: source (evidence, cache, provider), result (ok, invalid, deferred, miss)
	fallbackRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "distengine",
		Name:      "fallback_requests_total",
		Help:      "Fallback estimate requests, by source and result",
	}, []string{"source", "result"})

	// auditIssues counts issues raised by the auditor.
	// Labels: type, severity
	auditIssues = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "distengine",
		Name:      "audit_issues_total",
		Help:      "Audit issues found, by type and severity",
	}, []string{"type", "severity"})

	// pairDuration measures time spent on one pair.
	// Labels: job
	pairDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "distengine",
		Name:      "pair_duration_seconds",
		Help:      "Time to process one pair",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
	}, []string{"job"})
)

// RecordPair records the outcome and duration of one pair
func RecordPair(job, outcome string, duration time.Duration) {
	pairsTotal.WithLabelValues(job, outcome).Inc()
	pairDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// RecordFallback records one fallback lookup
func RecordFallback(source, result string) {
	fallbackRequests.WithLabelValues(source, result).Inc()
}

// RecordAuditIssue records one audit issue
func RecordAuditIssue(issueType, severity string) {
	auditIssues.WithLabelValues(issueType, severity).Inc()
}

// Serve exposes /metrics on addr until ctx is canceled. An empty addr
// disables the endpoint.
func Serve(ctx context.Context, addr string, log *zap.Logger) error {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		log.Info("serving metrics", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
