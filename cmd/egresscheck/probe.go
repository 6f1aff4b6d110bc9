package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pysugar/marketrelay/internal/db/models"
	"github.com/pysugar/marketrelay/internal/egress"
	"github.com/tidwall/gjson"
)

type probeResult struct {
	Status   int
	Observed string
	Latency  time.Duration
	Err      error
}

func (r probeResult) OK() bool {
	return r.Err == nil && r.Status == http.StatusOK
}

func (r probeResult) Line(e *models.EgressIdentity) string {
	state := "idle"
	if e.Assigned {
		state = "assigned"
	}
	if !e.Active {
		state = "inactive"
	}
	icon := "OK  "
	detail := fmt.Sprintf("status=%d observed=%s", r.Status, r.Observed)
	switch {
	case r.Err != nil:
		icon = "FAIL"
		detail = r.Err.Error()
	case r.Status == http.StatusTooManyRequests:
		icon = "WAIT"
	case r.Status != http.StatusOK:
		icon = "FAIL"
	}
	return fmt.Sprintf("%s %-6s %-22s %-9s %6dms  %s", icon, e.Kind, e.DisplayIP(), state, r.Latency.Milliseconds(), detail)
}

// probe fetches target through e. The observed address is read from an "ip"
// field when the target answers JSON, otherwise the body is shown as is.
func probe(ctx context.Context, transports *egress.Transports, e *models.EgressIdentity, target string) probeResult {
	client, err := transports.ClientFor(e)
	if err != nil {
		return probeResult{Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return probeResult{Err: err}
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return probeResult{Err: err, Latency: time.Since(start)}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	res := probeResult{Status: resp.StatusCode, Latency: time.Since(start)}
	if ip := gjson.GetBytes(body, "ip"); ip.Exists() {
		res.Observed = ip.String()
	} else {
		res.Observed = string(body)
	}
	return res
}
