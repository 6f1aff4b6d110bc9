// Package scraper reads public marketplace pages without credentials. Results
// are best-effort: any failure degrades to ErrNotFound.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pysugar/marketrelay/internal/config"
	"github.com/pysugar/marketrelay/internal/db/models"
	"github.com/pysugar/marketrelay/internal/egress"
	"github.com/pysugar/marketrelay/internal/logging"
	"github.com/pysugar/marketrelay/internal/metrics"
	"github.com/pysugar/marketrelay/internal/upstream"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	limiterRedis "github.com/ulule/limiter/v3/drivers/store/redis"
)

// ErrNotFound means the page could not be read or parsed.
var ErrNotFound = errors.New("not found")

const maxPageBytes = 2 << 20

type headerSet struct {
	userAgent string
	language  string
}

var headerSets = []headerSet{
	{"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36", "en-US,en;q=0.9"},
	{"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_4) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15", "en-GB,en;q=0.8"},
	{"Mozilla/5.0 (X11; Linux x86_64; rv:125.0) Gecko/20100101 Firefox/125.0", "en-US,en;q=0.7"},
	{"Mozilla/5.0 (iPhone; CPU iPhone OS 17_4 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Mobile/15E148 Safari/604.1", "en;q=0.9"},
}

// Config tunes the scraper.
type Config struct {
	RequestsPerMinute int
	Timeout           time.Duration
	// BaseURL overrides every platform's public base URL when set.
	BaseURL string
}

// Options select how a page is fetched.
type Options struct {
	// Egress routes the request through an identity; nil goes out directly.
	Egress *models.EgressIdentity
}

// PublicProfile is the public view of a marketplace user.
type PublicProfile struct {
	ID          string  `json:"id"`
	Username    string  `json:"username"`
	DisplayName string  `json:"display_name"`
	Rating      float64 `json:"rating"`
	Reviews     int64   `json:"reviews"`
	Country     string  `json:"country,omitempty"`
}

// PublicProject is the public view of a project.
type PublicProject struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Status   string `json:"status"`
	BidCount int64  `json:"bid_count"`
}

// Client fetches public pages.
type Client struct {
	platforms  *config.Registry
	limiter    *limiter.Limiter
	transports *egress.Transports
	direct     *http.Client
	cfg        Config
	next       atomic.Uint64
	log        logrus.FieldLogger
	metrics    metrics.Recorder
}

// NewMemoryStore returns a per-process limiter store.
func NewMemoryStore() limiter.Store {
	return memory.NewStore()
}

// NewRedisStore returns a limiter store shared by every instance using client.
func NewRedisStore(client *redis.Client) (limiter.Store, error) {
	store, err := limiterRedis.NewStoreWithOptions(client, limiter.StoreOptions{
		Prefix:          "marketrelay:scraper",
		CleanUpInterval: 5 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Redis store: %w", err)
	}
	return store, nil
}

// NewClient creates a scraper. store nil uses memory; transports nil disables egress routing.
func NewClient(platforms *config.Registry, store limiter.Store, transports *egress.Transports, cfg Config, log logrus.FieldLogger, m metrics.Recorder) *Client {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 30
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if store == nil {
		store = NewMemoryStore()
	}
	rate := limiter.Rate{Period: time.Minute, Limit: int64(cfg.RequestsPerMinute)}
	return &Client{
		platforms:  platforms,
		limiter:    limiter.New(store, rate),
		transports: transports,
		direct:     &http.Client{Timeout: cfg.Timeout},
		cfg:        cfg,
		log:        logging.OrDiscard(log).WithField("component", "scraper"),
		metrics:    metrics.OrNoop(m),
	}
}

// PublicProfile reads a user's public profile.
func (c *Client) PublicProfile(ctx context.Context, platform, username string, opts Options) (*PublicProfile, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, ErrNotFound
	}
	body, err := c.fetch(ctx, platform, "/users/"+url.PathEscape(username), opts)
	if err != nil {
		return nil, err
	}
	result := gjson.GetBytes(body, "result")
	if !result.Get("id").Exists() {
		return nil, c.notFound(platform, "incomplete")
	}
	return &PublicProfile{
		ID:          result.Get("id").String(),
		Username:    result.Get("username").String(),
		DisplayName: result.Get("display_name").String(),
		Rating:      result.Get("reputation.entire_history.overall").Float(),
		Reviews:     result.Get("reputation.entire_history.reviews").Int(),
		Country:     result.Get("location.country.name").String(),
	}, nil
}

// PublicProject reads a project's public page.
func (c *Client) PublicProject(ctx context.Context, platform, projectID string, opts Options) (*PublicProject, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, ErrNotFound
	}
	body, err := c.fetch(ctx, platform, "/projects/"+url.PathEscape(projectID), opts)
	if err != nil {
		return nil, err
	}
	result := gjson.GetBytes(body, "result")
	if !result.Get("id").Exists() {
		return nil, c.notFound(platform, "incomplete")
	}
	return &PublicProject{
		ID:       result.Get("id").String(),
		Title:    result.Get("title").String(),
		Status:   result.Get("status").String(),
		BidCount: result.Get("bid_stats.bid_count").Int(),
	}, nil
}

// fetch returns a valid JSON body. Only the rate limit surfaces as its own error.
func (c *Client) fetch(ctx context.Context, platform, path string, opts Options) ([]byte, error) {
	p, ok := c.platforms.Get(platform)
	if !ok {
		return nil, c.notFound(platform, "unknown_platform")
	}
	base := p.PublicBaseURL
	if c.cfg.BaseURL != "" {
		base = c.cfg.BaseURL
	}

	source := "direct"
	client := c.direct
	if opts.Egress != nil && c.transports != nil {
		routed, err := c.transports.ClientFor(opts.Egress)
		if err != nil {
			c.log.WithError(err).WithField("egress", opts.Egress.DisplayIP()).Debug("egress unusable for scraping")
			return nil, c.notFound(platform, "egress")
		}
		client = routed
		source = opts.Egress.DisplayIP()
	}

	lctx, err := c.limiter.Get(ctx, source)
	if err != nil {
		c.log.WithError(err).WithField("source", source).Warn("scraper rate limiter unavailable")
		return nil, c.notFound(p.Slug, "limiter")
	}
	if lctx.Reached {
		c.metrics.RecordScrape(p.Slug, "rate_limited")
		retry := time.Until(time.Unix(lctx.Reset, 0))
		return nil, &upstream.RateLimitError{RetryAfter: max(retry, 0)}
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, strings.TrimRight(base, "/")+path, nil)
	if err != nil {
		return nil, c.notFound(p.Slug, "request")
	}
	set := headerSets[c.next.Add(1)%uint64(len(headerSets))]
	req.Header.Set("User-Agent", set.userAgent)
	req.Header.Set("Accept-Language", set.language)
	req.Header.Set("Accept", "application/json, text/plain, */*")

	resp, err := client.Do(req)
	if err != nil {
		c.log.WithError(err).WithField("path", path).Debug("public fetch failed")
		return nil, c.notFound(p.Slug, "transport")
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, c.notFound(p.Slug, "read")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, c.notFound(p.Slug, "status")
	}
	if !gjson.ValidBytes(body) {
		return nil, c.notFound(p.Slug, "malformed")
	}
	c.metrics.RecordScrape(p.Slug, "ok")
	return body, nil
}

func (c *Client) notFound(platform, reason string) error {
	c.metrics.RecordScrape(platform, reason)
	return ErrNotFound
}
