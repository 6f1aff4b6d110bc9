package scraper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pysugar/marketrelay/internal/db/models"
	"github.com/pysugar/marketrelay/internal/egress"
	"github.com/pysugar/marketrelay/internal/logging"
	"github.com/pysugar/marketrelay/internal/platformtest"
	"github.com/pysugar/marketrelay/internal/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulule/limiter/v3"
)

func newScraper(t *testing.T, perMinute int) (*Client, *platformtest.Server) {
	t.Helper()
	fake := platformtest.New(t)
	c := NewClient(fake.Registry(), nil, egress.NewTransports(time.Second), Config{RequestsPerMinute: perMinute, Timeout: time.Second}, logging.Discard(), nil)
	return c, fake
}

func TestPublicProfile(t *testing.T) {
	c, fake := newScraper(t, 10)

	p, err := c.PublicProfile(context.Background(), "acme", "bob", Options{})
	require.NoError(t, err)
	assert.Equal(t, "77", p.ID)
	assert.Equal(t, "bob", p.Username)
	assert.Equal(t, "Public bob", p.DisplayName)
	assert.InDelta(t, 4.9, p.Rating, 0.001)
	assert.EqualValues(t, 12, p.Reviews)
	assert.Equal(t, "Portugal", p.Country)

	last := fake.LastRequest()
	assert.Empty(t, last.Authorization)
	assert.NotEmpty(t, last.UserAgent)
}

func TestPublicProject(t *testing.T) {
	c, _ := newScraper(t, 10)
	p, err := c.PublicProject(context.Background(), "acme", "501", Options{})
	require.NoError(t, err)
	assert.Equal(t, "501", p.ID)
	assert.EqualValues(t, 3, p.BidCount)

	_, err = c.PublicProject(context.Background(), "acme", "abc", Options{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRotatesUserAgents(t *testing.T) {
	c, fake := newScraper(t, 10)
	seen := map[string]bool{}
	for i := 0; i < len(headerSets); i++ {
		_, err := c.PublicProfile(context.Background(), "acme", "bob", Options{})
		require.NoError(t, err)
		seen[fake.LastRequest().UserAgent] = true
	}
	assert.Len(t, seen, len(headerSets))
}

func TestDegradesToNotFound(t *testing.T) {
	c, _ := newScraper(t, 20)
	ctx := context.Background()

	for _, username := range []string{"broken", "missing", " "} {
		_, err := c.PublicProfile(ctx, "acme", username, Options{})
		assert.ErrorIs(t, err, ErrNotFound, username)
	}
	_, err := c.PublicProfile(ctx, "unknown", "bob", Options{})
	assert.ErrorIs(t, err, ErrNotFound)

	deadProxy := &models.EgressIdentity{ID: "p1", Kind: models.EgressProxy, Address: "127.0.0.1", Port: 1, ProxyScheme: "http", Active: true}
	_, err = c.PublicProfile(ctx, "acme", "bob", Options{Egress: deadProxy})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRateLimitedPerSource(t *testing.T) {
	c, _ := newScraper(t, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := c.PublicProfile(ctx, "acme", "bob", Options{})
		require.NoError(t, err)
	}
	_, err := c.PublicProfile(ctx, "acme", "bob", Options{})
	require.ErrorIs(t, err, upstream.ErrRateLimited)
	assert.LessOrEqual(t, upstream.RetryAfter(err), time.Minute)

	local := &models.EgressIdentity{ID: "l1", Kind: models.EgressLocal, Address: "127.0.0.1", Active: true}
	_, err = c.PublicProfile(ctx, "acme", "bob", Options{Egress: local})
	assert.NoError(t, err, "another source address has its own budget")
}

type brokenStore struct {
	limiter.Store
}

func (brokenStore) Get(context.Context, string, limiter.Rate) (limiter.Context, error) {
	return limiter.Context{}, errors.New("connection refused")
}

func TestLimiterFailureDegradesToNotFound(t *testing.T) {
	fake := platformtest.New(t)
	c := NewClient(fake.Registry(), brokenStore{}, nil, Config{Timeout: time.Second}, logging.Discard(), nil)

	_, err := c.PublicProfile(context.Background(), "acme", "bob", Options{})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = c.PublicProject(context.Background(), "acme", "501", Options{})
	assert.ErrorIs(t, err, ErrNotFound)
}
