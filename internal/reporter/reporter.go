// Package reporter implements the two periodic span-record emitters:
// an orphan reporter for responses that arrived after their operation
// had already timed out or been canceled, and a threshold reporter
// for operations that completed slower than their service's
// threshold. Both feed bounded top-N queues and log a JSON summary on
// every emit interval, so a flood of slow or orphaned operations
// costs a fixed amount of memory.
package reporter

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/cbclient/gocbcore/internal/logger"
	"github.com/cbclient/gocbcore/internal/topn"
)

// SpanRecord is one completed operation's reportable summary. It is
// immutable once handed to a reporter.
type SpanRecord struct {
	ConnectionID      string `json:"last_local_id,omitempty"`
	OperationID       string `json:"operation_id,omitempty"`
	LastLocalSocket   string `json:"last_local_socket,omitempty"`
	LastRemoteSocket  string `json:"last_remote_socket,omitempty"`
	TotalMicros       uint64 `json:"total_duration_us"`
	LastServerMicros  uint64 `json:"last_server_duration_us,omitempty"`
	TotalServerMicros uint64 `json:"total_server_duration_us,omitempty"`
	OperationName     string `json:"operation_name"`

	// Service routes the record to the right queue; it is not part of
	// the per-record JSON because the emitted document is already
	// keyed by service.
	Service string `json:"-"`
}

func recordLess(a, b SpanRecord) bool {
	return a.TotalMicros < b.TotalMicros
}

// Options bound one queue's sampling: how many records a single emit
// may carry and how often emits happen.
type Options struct {
	SampleSize   int
	EmitInterval time.Duration
}

// DefaultOptions returns the sampling bounds used when the caller
// does not override them.
func DefaultOptions() Options {
	return Options{
		SampleSize:   64,
		EmitInterval: 10 * time.Second,
	}
}

func (o Options) orDefaults() Options {
	def := DefaultOptions()
	if o.SampleSize <= 0 {
		o.SampleSize = def.SampleSize
	}
	if o.EmitInterval <= 0 {
		o.EmitInterval = def.EmitInterval
	}
	return o
}

// serviceReport is the per-service half of an emitted document.
type serviceReport struct {
	TotalCount  uint64       `json:"total_count"`
	TopRequests []SpanRecord `json:"top_requests"`
}

// OrphanReporter collects span records whose responses were orphaned.
// Only KV records are reported; other services are dropped on ingest.
type OrphanReporter struct {
	opts  Options
	queue *topn.Queue[SpanRecord]

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewOrphanReporter builds a reporter and starts its emit loop.
func NewOrphanReporter(opts Options) *OrphanReporter {
	opts = opts.orDefaults()
	r := &OrphanReporter{
		opts:  opts,
		queue: topn.New[SpanRecord](opts.SampleSize, recordLess),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go r.loop()
	return r
}

// AddOrphan records an orphaned span. Non-KV records are ignored.
func (r *OrphanReporter) AddOrphan(rec SpanRecord) {
	if rec.Service != "kv" {
		return
	}
	r.queue.Emplace(rec)
}

func (r *OrphanReporter) loop() {
	defer close(r.done)
	ticker := time.NewTicker(r.opts.EmitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.emit()
		case <-r.stop:
			return
		}
	}
}

func (r *OrphanReporter) emit() {
	if r.queue.Empty() {
		return
	}
	items, dropped := r.queue.StealData()
	doc := map[string]serviceReport{
		"kv": {
			TotalCount:  uint64(len(items)) + dropped,
			TopRequests: items,
		},
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return
	}
	logger.Warn("orphaned responses observed",
		logger.Service("kv"),
		logger.TotalCount(len(items)+int(dropped)),
		"report", string(payload))
}

// Close stops the emit loop and performs one final flush.
func (r *OrphanReporter) Close() {
	r.stopOnce.Do(func() {
		close(r.stop)
		<-r.done
		r.emit()
	})
}

// ThresholdOptions configure the threshold reporter: a default
// sampling bound, per-service latency thresholds, and optional
// per-service sampling overrides.
type ThresholdOptions struct {
	Default Options

	// Thresholds maps a service name to the duration above which a
	// completed span is reportable. Services without an entry fall
	// back to DefaultThresholds.
	Thresholds map[string]time.Duration

	// PerService overrides the sample size for individual services.
	// Only SampleSize is taken from an entry; every queue emits on
	// Default.EmitInterval.
	PerService map[string]Options
}

// DefaultThresholds returns the per-service slow-operation cutoffs
// used when ThresholdOptions.Thresholds has no entry for a service.
func DefaultThresholds() map[string]time.Duration {
	return map[string]time.Duration{
		"kv":        500 * time.Millisecond,
		"query":     time.Second,
		"search":    time.Second,
		"analytics": time.Second,
		"views":     time.Second,
		"mgmt":      time.Second,
	}
}

// ThresholdReporter collects spans slower than their service's
// threshold, one bounded queue per service, and logs each non-empty
// queue every emit interval.
type ThresholdReporter struct {
	opts ThresholdOptions

	mu     sync.Mutex
	queues map[string]*topn.Queue[SpanRecord]

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewThresholdReporter builds a reporter and starts its emit loop.
func NewThresholdReporter(opts ThresholdOptions) *ThresholdReporter {
	opts.Default = opts.Default.orDefaults()
	if opts.Thresholds == nil {
		opts.Thresholds = DefaultThresholds()
	}
	r := &ThresholdReporter{
		opts:   opts,
		queues: make(map[string]*topn.Queue[SpanRecord]),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *ThresholdReporter) optionsFor(service string) Options {
	if o, ok := r.opts.PerService[service]; ok {
		return o.orDefaults()
	}
	return r.opts.Default
}

func (r *ThresholdReporter) thresholdFor(service string) time.Duration {
	if t, ok := r.opts.Thresholds[service]; ok {
		return t
	}
	if t, ok := DefaultThresholds()[service]; ok {
		return t
	}
	return time.Second
}

// RecordSpan considers one completed span for reporting, enqueueing
// it when its total duration exceeds the service's threshold.
func (r *ThresholdReporter) RecordSpan(rec SpanRecord) {
	if rec.Service == "" {
		return
	}
	threshold := r.thresholdFor(rec.Service)
	if time.Duration(rec.TotalMicros)*time.Microsecond <= threshold {
		return
	}

	r.mu.Lock()
	q, ok := r.queues[rec.Service]
	if !ok {
		q = topn.New[SpanRecord](r.optionsFor(rec.Service).SampleSize, recordLess)
		r.queues[rec.Service] = q
	}
	r.mu.Unlock()
	q.Emplace(rec)
}

func (r *ThresholdReporter) loop() {
	defer close(r.done)
	ticker := time.NewTicker(r.opts.Default.EmitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.emit()
		case <-r.stop:
			return
		}
	}
}

func (r *ThresholdReporter) emit() {
	r.mu.Lock()
	queues := make(map[string]*topn.Queue[SpanRecord], len(r.queues))
	for svc, q := range r.queues {
		queues[svc] = q
	}
	r.mu.Unlock()

	for svc, q := range queues {
		if q.Empty() {
			continue
		}
		items, dropped := q.StealData()
		payload, err := json.Marshal(map[string]serviceReport{
			svc: {TotalCount: uint64(len(items)) + dropped, TopRequests: items},
		})
		if err != nil {
			continue
		}
		logger.Warn("operations over threshold observed",
			logger.Service(svc),
			logger.TotalCount(len(items)+int(dropped)),
			"report", string(payload))
	}
}

// Close stops the emit loop and performs one final flush.
func (r *ThresholdReporter) Close() {
	r.stopOnce.Do(func() {
		close(r.stop)
		<-r.done
		r.emit()
	})
}
