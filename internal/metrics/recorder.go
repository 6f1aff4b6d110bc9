package metrics

import (
	"net/http"
	"time"
)

// Recorder is implemented by the Prometheus metrics and the no-op fallback.
type Recorder interface {
	RecordUpstreamRequest(platform, method string, status int, duration time.Duration)
	RecordUpstreamFailure(platform, reason string)
	RecordTokenRefresh(platform string, success bool)
	RecordWebhook(platform, outcome string)
	RecordSyncJob(kind string, success bool, duration time.Duration)
	SetSyncQueueDepth(depth int)
	RecordScrape(source, outcome string)
	RecordEgressAssignment(event string)
	Handler() http.Handler
}

const (
	resultSuccess = "success"
	resultError   = "error"
)

func result(ok bool) string {
	if ok {
		return resultSuccess
	}
	return resultError
}
