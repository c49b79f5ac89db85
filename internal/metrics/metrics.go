// Package metrics exposes Prometheus metrics for the security server.
//
// All Recorder methods are safe to call on a nil *Recorder so components can
// run without metrics in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder holds the security server metrics.
type Recorder struct {
	relayCalls        *prometheus.CounterVec
	relayDuration     *prometheus.HistogramVec
	raceDuration      *prometheus.HistogramVec
	verifyFailures    *prometheus.CounterVec
	revocationFetches *prometheus.CounterVec
	revocationHits    prometheus.Counter
	logWrites         *prometheus.CounterVec
	timestampBatches  *prometheus.CounterVec
	timestampSize     prometheus.Histogram
	timestampFailing  prometheus.Gauge
	archivedRecords   prometheus.Counter
	archiveTransfers  *prometheus.CounterVec
	cleanedRecords    prometheus.Counter
	queuedMessages    *prometheus.CounterVec
}

// NewRecorder registers metrics with the provided registry.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		relayCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xroad_relay_calls_total",
			Help: "Relayed calls grouped by outcome",
		}, []string{"mode", "result"}),
		relayDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "xroad_relay_duration_seconds",
			Help:    "End-to-end latency of relayed calls",
			Buckets: prometheus.DefBuckets,
		}, []string{"mode"}),
		raceDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "xroad_connection_race_duration_seconds",
			Help:    "Time spent selecting a peer connection",
			Buckets: prometheus.DefBuckets,
		}, []string{"result"}),
		verifyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xroad_peer_verify_failures_total",
			Help: "Peer trust verification failures grouped by reason",
		}, []string{"reason"}),
		revocationFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xroad_revocation_fetches_total",
			Help: "Revocation status fetches grouped by source and result",
		}, []string{"source", "result"}),
		revocationHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xroad_revocation_cache_hits_total",
			Help: "Revocation statuses served from cache",
		}),
		logWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xroad_messagelog_writes_total",
			Help: "Message log writes grouped by result",
		}, []string{"result"}),
		timestampBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xroad_timestamp_batches_total",
			Help: "Timestamping attempts grouped by result",
		}, []string{"result"}),
		timestampSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "xroad_timestamp_batch_size",
			Help:    "Number of records covered by one timestamp",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		timestampFailing: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "xroad_timestamp_failing",
			Help: "1 while timestamping is in an unresolved failure state",
		}),
		archivedRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xroad_archived_records_total",
			Help: "Message records written to archive files",
		}),
		archiveTransfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xroad_archive_transfers_total",
			Help: "Archive transfer runs grouped by result",
		}, []string{"result"}),
		cleanedRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xroad_cleaned_records_total",
			Help: "Archived records removed by retention cleanup",
		}),
		queuedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xroad_async_queued_total",
			Help: "Async requests handed to the queue grouped by backend and result",
		}, []string{"backend", "result"}),
	}

	reg.MustRegister(
		r.relayCalls,
		r.relayDuration,
		r.raceDuration,
		r.verifyFailures,
		r.revocationFetches,
		r.revocationHits,
		r.logWrites,
		r.timestampBatches,
		r.timestampSize,
		r.timestampFailing,
		r.archivedRecords,
		r.archiveTransfers,
		r.cleanedRecords,
		r.queuedMessages,
	)
	return r
}

// Handler returns the HTTP handler serving the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// ObserveRelay records one relayed call.
func (r *Recorder) ObserveRelay(mode, result string, d time.Duration) {
	if r == nil {
		return
	}
	r.relayCalls.WithLabelValues(mode, result).Inc()
	r.relayDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// ObserveRace records the duration of a connection race.
func (r *Recorder) ObserveRace(err error, d time.Duration) {
	if r == nil {
		return
	}
	r.raceDuration.WithLabelValues(result(err)).Observe(d.Seconds())
}

// ObserveVerifyFailure counts a peer verification failure.
func (r *Recorder) ObserveVerifyFailure(reason string) {
	if r == nil {
		return
	}
	r.verifyFailures.WithLabelValues(reason).Inc()
}

// ObserveRevocationFetch counts a revocation fetch.
func (r *Recorder) ObserveRevocationFetch(source string, err error) {
	if r == nil {
		return
	}
	r.revocationFetches.WithLabelValues(source, result(err)).Inc()
}

// ObserveRevocationCacheHit counts a cached revocation status.
func (r *Recorder) ObserveRevocationCacheHit() {
	if r == nil {
		return
	}
	r.revocationHits.Inc()
}

// ObserveLogWrite counts a message log write.
func (r *Recorder) ObserveLogWrite(err error) {
	if r == nil {
		return
	}
	r.logWrites.WithLabelValues(result(err)).Inc()
}

// ObserveTimestamp records a timestamping attempt.
func (r *Recorder) ObserveTimestamp(size int, err error) {
	if r == nil {
		return
	}
	r.timestampBatches.WithLabelValues(result(err)).Inc()
	if err == nil {
		r.timestampSize.Observe(float64(size))
	}
}

// SetTimestampFailing reflects the timestamping failure state.
func (r *Recorder) SetTimestampFailing(failing bool) {
	if r == nil {
		return
	}
	if failing {
		r.timestampFailing.Set(1)
	} else {
		r.timestampFailing.Set(0)
	}
}

// ObserveArchived counts archived message records.
func (r *Recorder) ObserveArchived(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.archivedRecords.Add(float64(n))
}

// ObserveArchiveTransfer counts an archive transfer run.
func (r *Recorder) ObserveArchiveTransfer(err error) {
	if r == nil {
		return
	}
	r.archiveTransfers.WithLabelValues(result(err)).Inc()
}

// ObserveCleaned counts records removed by retention cleanup.
func (r *Recorder) ObserveCleaned(n int64) {
	if r == nil || n <= 0 {
		return
	}
	r.cleanedRecords.Add(float64(n))
}

// ObserveQueued counts an async request handed to a queue backend.
func (r *Recorder) ObserveQueued(backend string, err error) {
	if r == nil {
		return
	}
	r.queuedMessages.WithLabelValues(backend, result(err)).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
