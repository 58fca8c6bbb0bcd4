package observability

import (
	"testing"
	"time"

	"github.com/danmuck/gcomm/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("store-a", "GET", "/v1/keys/*key", 200, 12*time.Millisecond)
	RecordRendezvousWait("memory", "found", 3*time.Millisecond)
	RecordWorker(true)
	RecordWorker(false)

	before := testutil.ToFloat64(collectiveOps.WithLabelValues("all_reduce", "true"))
	RecordCollective("all_reduce", 96, time.Millisecond, true)
	RecordCollective("barrier", 0, time.Millisecond, true)
	after := testutil.ToFloat64(collectiveOps.WithLabelValues("all_reduce", "true"))
	if after-before != 1 {
		t.Fatalf("all_reduce counter delta=%v", after-before)
	}
	if got := testutil.ToFloat64(collectiveBytes.WithLabelValues("all_reduce")); got < 96 {
		t.Fatalf("bytes counter=%v", got)
	}
}
