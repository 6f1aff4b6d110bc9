package metrics

import (
	"net/http"
	"time"
)

// NoopMetrics is a no-operation implementation of Recorder
// used when metrics are disabled.
type NoopMetrics struct{}

// Ensure NoopMetrics implements Recorder interface at compile time
var _ Recorder = (*NoopMetrics)(nil)

// NewNoopMetrics creates a new no-operation metrics recorder
func NewNoopMetrics() Recorder {
	return &NoopMetrics{}
}

func (n *NoopMetrics) RecordUpstreamRequest(string, string, int, time.Duration) {}
func (n *NoopMetrics) RecordUpstreamFailure(string, string)                     {}
func (n *NoopMetrics) RecordTokenRefresh(string, bool)                          {}
func (n *NoopMetrics) RecordWebhook(string, string)                             {}
func (n *NoopMetrics) RecordSyncJob(string, bool, time.Duration)                {}
func (n *NoopMetrics) SetSyncQueueDepth(int)                                    {}
func (n *NoopMetrics) RecordScrape(string, string)                              {}
func (n *NoopMetrics) RecordEgressAssignment(string)                            {}

// Handler reports that metrics are disabled.
func (n *NoopMetrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "metrics disabled", http.StatusNotFound)
	})
}

// OrNoop returns r, or NoopMetrics when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return NewNoopMetrics()
	}
	return r
}
