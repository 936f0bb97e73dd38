// Package prometheus exports segkv metrics to Prometheus.
//
// A Collector implements both segkv.MetricsCollector (foreground
// operations) and segkv.MetricsObserver (background events):
//
//	c := prometheus.New(promclient.DefaultRegisterer, "segkv")
//	db, _ := segkv.Open(ctx, path,
//	    segkv.WithMetricsCollector(c),
//	    segkv.WithMetricsObserver(c),
//	)
package prometheus

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector records segkv metrics into Prometheus collectors.
type Collector struct {
	opLatency       *prometheus.HistogramVec
	getMisses       prometheus.Counter
	batchOps        *prometheus.CounterVec
	segmentWrites   *prometheus.CounterVec
	segmentRecords  prometheus.Counter
	segmentBytes    prometheus.Counter
	segmentLatency  prometheus.Histogram
	compactions     *prometheus.CounterVec
	compactionFreed *prometheus.CounterVec
	compactionTime  prometheus.Histogram
	queueDepth      *prometheus.GaugeVec
	throughput      *prometheus.CounterVec
}

// New creates a Collector and registers it with reg. namespace prefixes
// every metric name.
func New(reg prometheus.Registerer, namespace string) *Collector {
	c := &Collector{
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_latency_seconds",
			Help:      "Latency of foreground operations",
			Buckets:   prometheus.ExponentialBuckets(50e-6, 2, 16),
		}, []string{"op", "status"}),
		getMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "get_misses_total",
			Help:      "Lookups of keys without a live value",
		}),
		batchOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_operations_total",
			Help:      "Operations submitted in write batches",
		}, []string{"status"}),
		segmentWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segment_writes_total",
			Help:      "Segment writes",
		}, []string{"status"}),
		segmentRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segment_records_total",
			Help:      "Records written in segments",
		}),
		segmentBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segment_bytes_total",
			Help:      "Record bytes written in segments",
		}),
		segmentLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "segment_write_seconds",
			Help:      "Latency of segment writes including sync",
			Buckets:   prometheus.ExponentialBuckets(50e-6, 2, 16),
		}),
		compactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compactions_total",
			Help:      "Merge cycles",
		}, []string{"volume", "status"}),
		compactionFreed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compaction_freed_segments_total",
			Help:      "Segments reclaimed by merge cycles",
		}, []string{"volume"}),
		compactionTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "compaction_seconds",
			Help:      "Duration of merge cycles",
			Buckets:   prometheus.DefBuckets,
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Depth of background queues",
		}, []string{"queue"}),
		throughput: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processed_bytes_total",
			Help:      "Bytes processed by background tasks",
		}, []string{"task"}),
	}

	reg.MustRegister(
		c.opLatency,
		c.getMisses,
		c.batchOps,
		c.segmentWrites,
		c.segmentRecords,
		c.segmentBytes,
		c.segmentLatency,
		c.compactions,
		c.compactionFreed,
		c.compactionTime,
		c.queueDepth,
		c.throughput,
	)
	return c
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordInsert implements segkv.MetricsCollector.
func (c *Collector) RecordInsert(d time.Duration, err error) {
	c.opLatency.WithLabelValues("insert", status(err)).Observe(d.Seconds())
}

// RecordGet implements segkv.MetricsCollector.
func (c *Collector) RecordGet(found bool, d time.Duration, err error) {
	c.opLatency.WithLabelValues("get", status(err)).Observe(d.Seconds())
	if err == nil && !found {
		c.getMisses.Inc()
	}
}

// RecordDelete implements segkv.MetricsCollector.
func (c *Collector) RecordDelete(d time.Duration, err error) {
	c.opLatency.WithLabelValues("delete", status(err)).Observe(d.Seconds())
}

// RecordBatch implements segkv.MetricsCollector.
func (c *Collector) RecordBatch(count, failed int, d time.Duration) {
	st := "success"
	if failed > 0 {
		st = "error"
	}
	c.opLatency.WithLabelValues("batch", st).Observe(d.Seconds())
	c.batchOps.WithLabelValues("success").Add(float64(count - failed))
	c.batchOps.WithLabelValues("error").Add(float64(failed))
}

// OnSegmentWrite implements segkv.MetricsObserver.
func (c *Collector) OnSegmentWrite(records int, bytes int64, d time.Duration, err error) {
	c.segmentWrites.WithLabelValues(status(err)).Inc()
	c.segmentLatency.Observe(d.Seconds())
	if err == nil {
		c.segmentRecords.Add(float64(records))
		c.segmentBytes.Add(float64(bytes))
	}
}

// OnCompaction implements segkv.MetricsObserver.
func (c *Collector) OnCompaction(volume uint32, inputs, outputs, freed int, d time.Duration, err error) {
	vol := strconv.FormatUint(uint64(volume), 10)
	c.compactions.WithLabelValues(vol, status(err)).Inc()
	c.compactionTime.Observe(d.Seconds())
	if freed > 0 {
		c.compactionFreed.WithLabelValues(vol).Add(float64(freed))
	}
}

// OnQueueDepth implements segkv.MetricsObserver.
func (c *Collector) OnQueueDepth(name string, depth int) {
	c.queueDepth.WithLabelValues(name).Set(float64(depth))
}

// OnThroughput implements segkv.MetricsObserver.
func (c *Collector) OnThroughput(name string, bytes int64) {
	c.throughput.WithLabelValues(name).Add(float64(bytes))
}
