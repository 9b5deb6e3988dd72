// Package metrics names the counters spec section 7 describes only
// informally ("bump a counter", "record error category", "failure
// statistic incremented") as typed Prometheus instruments, and keeps a
// plain-struct snapshot alongside them so tests can assert exact counts
// without scraping the registry.
package metrics

import (
	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
)

// Set is the full collection of TSA counters. Construct one per stack
// instance with New and register it with whatever prometheus.Registerer
// the embedder uses; TSA itself never touches a global registry.
type Set struct {
	ProtocolErrors     prometheus.Counter
	AddressErrors      prometheus.Counter
	RRPoolExhausted    prometheus.Counter
	OutQueueFull       prometheus.Counter
	OversizeAPDU       prometheus.Counter
	LostRetries        prometheus.Counter
	AuthFailures       prometheus.Counter
	TCSBusy            prometheus.Counter
	CompletionsSuccess prometheus.Counter
	CompletionsFailure prometheus.Counter
	AppQueueFull       prometheus.Counter
}

// New builds a Set with the given namespace (e.g. the stack instance
// name), so multiple TSA contexts in one process can register distinct
// metric families.
func New(namespace string) *Set {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tsa",
			Name:      name,
			Help:      help,
		})
	}
	return &Set{
		ProtocolErrors:     counter("protocol_errors_total", "malformed or unrecognised PDUs dropped"),
		AddressErrors:      counter("address_errors_total", "originating operations failed on address/domain resolution"),
		RRPoolExhausted:    counter("rr_pool_exhausted_total", "incoming transactions dropped for lack of a free receive record"),
		OutQueueFull:       counter("out_queue_full_total", "sends deferred because the network out-queue was full"),
		OversizeAPDU:       counter("oversize_apdu_total", "APDUs dropped for exceeding a buffer"),
		LostRetries:        counter("lost_retries_total", "retry budget consumed by local backpressure instead of the wire"),
		AuthFailures:       counter("auth_failures_total", "authentication replies whose MAC did not match"),
		TCSBusy:            counter("tcs_busy_total", "sends refused for lack of a free transaction number"),
		CompletionsSuccess: counter("completions_success_total", "originated messages that terminated successfully"),
		CompletionsFailure: counter("completions_failure_total", "originated messages that terminated in failure"),
		AppQueueFull:       counter("app_queue_full_total", "deliveries dropped because the application in-queue was full"),
	}
}

// Collectors returns every counter in the set, for bulk registration:
// registry.MustRegister(set.Collectors()...).
func (s *Set) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		s.ProtocolErrors, s.AddressErrors, s.RRPoolExhausted, s.OutQueueFull,
		s.OversizeAPDU, s.LostRetries, s.AuthFailures, s.TCSBusy,
		s.CompletionsSuccess, s.CompletionsFailure, s.AppQueueFull,
	}
}

// Snapshot is a point-in-time read of every counter's value, used by
// tests and by any status endpoint that wants plain numbers rather than
// a Prometheus scrape.
type Snapshot struct {
	ProtocolErrors     float64
	AddressErrors      float64
	RRPoolExhausted    float64
	OutQueueFull       float64
	OversizeAPDU       float64
	LostRetries        float64
	AuthFailures       float64
	TCSBusy            float64
	CompletionsSuccess float64
	CompletionsFailure float64
	AppQueueFull       float64
}

func (s *Set) Snapshot() Snapshot {
	return Snapshot{
		ProtocolErrors:     readCounter(s.ProtocolErrors),
		AddressErrors:      readCounter(s.AddressErrors),
		RRPoolExhausted:    readCounter(s.RRPoolExhausted),
		OutQueueFull:       readCounter(s.OutQueueFull),
		OversizeAPDU:       readCounter(s.OversizeAPDU),
		LostRetries:        readCounter(s.LostRetries),
		AuthFailures:       readCounter(s.AuthFailures),
		TCSBusy:            readCounter(s.TCSBusy),
		CompletionsSuccess: readCounter(s.CompletionsSuccess),
		CompletionsFailure: readCounter(s.CompletionsFailure),
		AppQueueFull:       readCounter(s.AppQueueFull),
	}
}

func readCounter(c prometheus.Counter) float64 {
	var m dto.Metric
	_ = c.Write(&m)
	return m.GetCounter().GetValue()
}
