package engine

import "time"

// MetricsObserver defines the interface for observing engine events.
//
// It satisfies the observer interfaces of the write pipeline and the
// collectors, so one implementation sees every background event.
type MetricsObserver interface {
	// OnSegmentWrite is called when a segment write completes.
	OnSegmentWrite(records int, bytes int64, duration time.Duration, err error)

	// OnCompaction is called when a merge cycle on a volume completes.
	OnCompaction(volume uint32, inputs, outputs, freed int, duration time.Duration, err error)

	// OnQueueDepth reports the depth of a background queue.
	OnQueueDepth(name string, depth int)

	// OnThroughput reports bytes processed.
	OnThroughput(name string, bytes int64)
}

// NoopMetricsObserver is a no-op implementation of MetricsObserver.
type NoopMetricsObserver struct{}

func (o *NoopMetricsObserver) OnSegmentWrite(records int, bytes int64, duration time.Duration, err error) {
}
func (o *NoopMetricsObserver) OnCompaction(volume uint32, inputs, outputs, freed int, duration time.Duration, err error) {
}
func (o *NoopMetricsObserver) OnQueueDepth(name string, depth int)   {}
func (o *NoopMetricsObserver) OnThroughput(name string, bytes int64) {}
