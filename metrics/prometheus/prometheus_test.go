package prometheus_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/segkv"
	"github.com/hupe1980/segkv/metrics/prometheus"
)

var (
	_ segkv.MetricsCollector = (*prometheus.Collector)(nil)
	_ segkv.MetricsObserver  = (*prometheus.Collector)(nil)
)

func TestCollector_Operations(t *testing.T) {
	reg := promclient.NewRegistry()
	c := prometheus.New(reg, "segkv")

	c.RecordInsert(time.Millisecond, nil)
	c.RecordInsert(time.Millisecond, errors.New("boom"))
	c.RecordGet(false, time.Microsecond, nil)
	c.RecordGet(true, time.Microsecond, nil)
	c.RecordDelete(time.Millisecond, nil)
	c.RecordBatch(10, 3, time.Millisecond)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["segkv_operation_latency_seconds"])
	assert.True(t, names["segkv_get_misses_total"])

	n, err := testutil.GatherAndCount(reg, "segkv_batch_operations_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = testutil.GatherAndCount(reg, "segkv_operation_latency_seconds")
	require.NoError(t, err)
	assert.Equal(t, 5, n) // insert/success, insert/error, get/success, delete/success, batch/error
}

func TestCollector_Background(t *testing.T) {
	reg := promclient.NewRegistry()
	c := prometheus.New(reg, "kv")

	c.OnSegmentWrite(12, 4096, time.Millisecond, nil)
	c.OnSegmentWrite(3, 100, time.Millisecond, errors.New("io"))
	c.OnCompaction(0, 4, 2, 2, time.Millisecond, nil)
	c.OnCompaction(1, 2, 2, 0, time.Millisecond, nil)
	c.OnQueueDepth("reaper", 7)
	c.OnThroughput("checkpoint", 1<<20)

	expected := `
# HELP kv_segment_records_total Records written in segments
# TYPE kv_segment_records_total counter
kv_segment_records_total 12
# HELP kv_compaction_freed_segments_total Segments reclaimed by merge cycles
# TYPE kv_compaction_freed_segments_total counter
kv_compaction_freed_segments_total{volume="0"} 2
# HELP kv_queue_depth Depth of background queues
# TYPE kv_queue_depth gauge
kv_queue_depth{queue="reaper"} 7
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"kv_segment_records_total", "kv_compaction_freed_segments_total", "kv_queue_depth"))

	n, err := testutil.GatherAndCount(reg, "kv_segment_writes_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCollector_DuplicateRegistrationPanics(t *testing.T) {
	reg := promclient.NewRegistry()
	prometheus.New(reg, "dup")
	assert.Panics(t, func() { prometheus.New(reg, "dup") })
}
