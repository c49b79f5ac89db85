package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.ObserveRelay("sync", "ok", 10*time.Millisecond)
	r.ObserveRelay("sync", "ok", 20*time.Millisecond)
	r.ObserveLogWrite(errors.New("boom"))
	r.ObserveTimestamp(4, nil)
	r.SetTimestampFailing(true)
	r.ObserveArchived(3)
	r.ObserveCleaned(2)
	r.ObserveQueued("kafka", nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.relayCalls.WithLabelValues("sync", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.logWrites.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.timestampFailing))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.archivedRecords))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.cleanedRecords))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.queuedMessages.WithLabelValues("kafka", "ok")))
}

func TestRecorder_NilSafe(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.ObserveRelay("async", "ok", time.Second)
		r.ObserveRace(nil, time.Second)
		r.ObserveVerifyFailure("revoked")
		r.ObserveRevocationFetch("peer", nil)
		r.ObserveRevocationCacheHit()
		r.ObserveTimestamp(1, errors.New("x"))
		r.SetTimestampFailing(false)
		r.ObserveArchiveTransfer(nil)
		r.ObserveQueued("memory", errors.New("full"))
	})
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)
	r.ObserveVerifyFailure("revoked")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `xroad_peer_verify_failures_total{reason="revoked"} 1`))
}
