// Package upstream is the routed request executor: every authenticated call to
// a marketplace goes through Client so it carries a fresh bearer token and
// leaves through the account's own egress identity.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/pysugar/marketrelay/internal/auth/token"
	"github.com/pysugar/marketrelay/internal/config"
	"github.com/pysugar/marketrelay/internal/db/models"
	"github.com/pysugar/marketrelay/internal/logging"
	"github.com/pysugar/marketrelay/internal/metrics"
	"github.com/pysugar/marketrelay/internal/util"
	"github.com/pysugar/marketrelay/internal/version"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// maxBodyBytes caps how much of an answer is read into memory.
const maxBodyBytes = 8 << 20

// Credentials keeps account tokens usable.
type Credentials interface {
	EnsureFreshToken(ctx context.Context, acct *models.PlatformAccount) error
	Refresh(ctx context.Context, acct *models.PlatformAccount, staleAccessToken string) error
}

// Router resolves an egress binding to an HTTP client.
type Router interface {
	HTTPClient(ctx context.Context, egressID string) (*http.Client, *models.EgressIdentity, error)
}

// FailureRecorder stores call failures on the account.
type FailureRecorder interface {
	RecordFailure(ctx context.Context, accountID, message string, expire bool) error
}

// Config tunes the executor.
type Config struct {
	Timeout      time.Duration
	RetryBackoff time.Duration
	AccountRPS   float64
	AccountBurst int
}

// Options describe one call.
type Options struct {
	Query  url.Values
	Body   any
	Header http.Header
	// SkipRefresh sends the token as is and never refreshes it. Used while
	// an authorization is still being completed.
	SkipRefresh bool
}

// Response is a successful enveloped answer.
type Response struct {
	Status  int
	Header  http.Header
	Result  json.RawMessage
	Message string
	Raw     []byte
}

// Decode unmarshals the envelope result into out.
func (r *Response) Decode(out any) error {
	if out == nil || len(r.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Result, out); err != nil {
		return fmt.Errorf("decode upstream result: %w", err)
	}
	return nil
}

type envelope struct {
	Status    string          `json:"status"`
	Result    json.RawMessage `json:"result"`
	Message   string          `json:"message"`
	ErrorCode string          `json:"error_code"`
}

// Client executes platform calls on behalf of accounts.
type Client struct {
	platforms *config.Registry
	creds     Credentials
	router    Router
	failures  FailureRecorder
	cfg       Config
	userAgent string
	log       logrus.FieldLogger
	metrics   metrics.Recorder

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewClient creates an executor. failures may be nil.
func NewClient(platforms *config.Registry, creds Credentials, router Router, failures FailureRecorder, cfg Config, log logrus.FieldLogger, m metrics.Recorder) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.AccountBurst <= 0 {
		cfg.AccountBurst = 1
	}
	return &Client{
		platforms: platforms,
		creds:     creds,
		router:    router,
		failures:  failures,
		cfg:       cfg,
		userAgent: "marketrelay/" + version.Version,
		log:       logging.OrDiscard(log).WithField("component", "upstream"),
		metrics:   metrics.OrNoop(m),
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Do executes the call and decodes the envelope result into out.
func (c *Client) Do(ctx context.Context, acct *models.PlatformAccount, method, path string, opts *Options, out any) error {
	resp, err := c.Execute(ctx, acct, method, path, opts)
	if err != nil {
		return err
	}
	return resp.Decode(out)
}

// Execute sends an authenticated request for acct through its bound egress.
// acct is updated in place when its token is refreshed.
func (c *Client) Execute(ctx context.Context, acct *models.PlatformAccount, method, path string, opts *Options) (*Response, error) {
	if opts == nil {
		opts = &Options{}
	}
	if err := checkStatus(acct); err != nil {
		return nil, err
	}
	platform, ok := c.platforms.Get(acct.Platform)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlatform, acct.Platform)
	}

	var body []byte
	if opts.Body != nil {
		b, err := json.Marshal(opts.Body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		body = b
	}

	if !opts.SkipRefresh {
		if err := c.creds.EnsureFreshToken(ctx, acct); err != nil {
			return nil, err
		}
	}

	httpClient, egress, err := c.router.HTTPClient(ctx, acct.BoundEgress())
	if err != nil {
		return nil, fmt.Errorf("resolve egress for account %s: %w", acct.ID, err)
	}
	if err := c.limiter(acct.ID).Wait(ctx); err != nil {
		return nil, err
	}

	log := logging.FromContext(ctx, c.log).WithFields(logrus.Fields{
		"account_id": acct.ID,
		"platform":   acct.Platform,
		"egress":     egress.DisplayIP(),
		"method":     method,
		"path":       path,
	})

	start := time.Now()
	resp, raw, err := c.send(ctx, httpClient, platform, method, path, opts, body, acct.AccessToken)
	if err != nil {
		return nil, c.transportFailure(ctx, log, acct, err)
	}

	if (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) && !opts.SkipRefresh {
		log.WithField("status", resp.StatusCode).Info("upstream rejected token, refreshing")
		if err := c.creds.Refresh(ctx, acct, acct.AccessToken); err != nil {
			return nil, err
		}
		resp, raw, err = c.send(ctx, httpClient, platform, method, path, opts, body, acct.AccessToken)
		if err != nil {
			return nil, c.transportFailure(ctx, log, acct, err)
		}
	}
	c.metrics.RecordUpstreamRequest(acct.Platform, method, resp.StatusCode, time.Since(start))

	return c.handle(ctx, log, acct, resp, raw)
}

func checkStatus(acct *models.PlatformAccount) error {
	switch acct.Status {
	case models.StatusActive:
		return nil
	case models.StatusExpired:
		return fmt.Errorf("%w: account %s must re-authorize", token.ErrTokenRefreshFailed, acct.ID)
	default:
		return fmt.Errorf("%w: account %s is %s", ErrAccountInactive, acct.ID, acct.Status)
	}
}

// send performs the request, retrying once after a network failure.
func (c *Client) send(ctx context.Context, hc *http.Client, p *config.Platform, method, path string, opts *Options, body []byte, accessToken string) (*http.Response, []byte, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			case <-time.After(c.cfg.RetryBackoff):
			}
		}

		reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		req, err := buildRequest(reqCtx, method, p.APIBaseURL, path, opts.Query, opts.Header, body, accessToken, c.userAgent)
		if err != nil {
			cancel()
			return nil, nil, err
		}
		resp, err := hc.Do(req)
		if err != nil {
			cancel()
			lastErr = err
			if ctx.Err() != nil {
				return nil, nil, lastErr
			}
			continue
		}
		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		resp.Body.Close()
		cancel()
		if err != nil {
			lastErr = fmt.Errorf("read upstream body: %w", err)
			continue
		}
		return resp, raw, nil
	}
	return nil, nil, lastErr
}

func (c *Client) handle(ctx context.Context, log logrus.FieldLogger, acct *models.PlatformAccount, resp *http.Response, raw []byte) (*Response, error) {
	var env envelope
	parseErr := json.Unmarshal(raw, &env)

	if resp.StatusCode == http.StatusTooManyRequests {
		delay := ParseRetryDelay(resp.Header, raw)
		c.metrics.RecordUpstreamFailure(acct.Platform, "rate_limited")
		log.WithField("retry_after", delay).Warn("upstream rate limited")
		return nil, &RateLimitError{RetryAfter: delay}
	}

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300 && parseErr == nil &&
		(env.Status == "" || env.Status == "success")
	if ok {
		return &Response{
			Status:  resp.StatusCode,
			Header:  resp.Header,
			Result:  env.Result,
			Message: env.Message,
			Raw:     raw,
		}, nil
	}

	upErr := &UpstreamError{
		Status:  resp.StatusCode,
		Body:    util.TruncateBytes(raw),
		Code:    env.ErrorCode,
		Message: env.Message,
	}
	if parseErr != nil && upErr.Message == "" {
		upErr.Message = "malformed upstream response"
	}
	log = log.WithFields(logrus.Fields{"status": resp.StatusCode, "body": upErr.Body})

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		upErr.Err = token.ErrTokenRefreshFailed
		c.metrics.RecordUpstreamFailure(acct.Platform, "unauthorized")
		c.recordFailure(ctx, acct, upErr.Error(), true)
		log.Warn("upstream still rejects refreshed token, account expired")
	case resp.StatusCode == http.StatusForbidden:
		c.metrics.RecordUpstreamFailure(acct.Platform, "forbidden")
		c.recordFailure(ctx, acct, upErr.Error(), false)
		log.Warn("upstream forbade call")
	case resp.StatusCode >= 500 || parseErr != nil:
		c.metrics.RecordUpstreamFailure(acct.Platform, "server_error")
		c.recordFailure(ctx, acct, upErr.Error(), false)
		log.Warn("upstream failed")
	default:
		log.Debug("upstream returned error envelope")
	}
	return nil, upErr
}

func (c *Client) transportFailure(ctx context.Context, log logrus.FieldLogger, acct *models.PlatformAccount, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	c.metrics.RecordUpstreamFailure(acct.Platform, "transport")
	upErr := &UpstreamError{Message: err.Error(), Err: err}
	c.recordFailure(ctx, acct, upErr.Error(), false)
	log.WithError(err).Warn("upstream unreachable")
	return upErr
}

func (c *Client) recordFailure(ctx context.Context, acct *models.PlatformAccount, msg string, expire bool) {
	acct.LastError = msg
	if expire && acct.Status == models.StatusActive {
		acct.Status = models.StatusExpired
	}
	if c.failures == nil {
		return
	}
	// Outlives ctx.
	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.failures.RecordFailure(recCtx, acct.ID, msg, expire); err != nil {
		c.log.WithError(err).WithField("account_id", acct.ID).Error("failed to record account failure")
	}
}

func (c *Client) limiter(accountID string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[accountID]
	if !ok {
		limit := rate.Inf
		if c.cfg.AccountRPS > 0 {
			limit = rate.Limit(c.cfg.AccountRPS)
		}
		l = rate.NewLimiter(limit, c.cfg.AccountBurst)
		c.limiters[accountID] = l
	}
	return l
}
