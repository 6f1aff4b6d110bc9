package backfill

import (
	"context"
	"testing"
	"time"

	"github.com/pysugar/marketrelay/internal/db/models"
	"github.com/pysugar/marketrelay/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticAccounts []models.PlatformAccount

func (s staticAccounts) ListActive(context.Context) ([]models.PlatformAccount, error) {
	return s, nil
}

type countingRefresher struct{ calls int }

func (c *countingRefresher) RefreshExpiring(context.Context, time.Duration) (int, error) {
	c.calls++
	return 0, nil
}

func ago(d time.Duration) *time.Time {
	t := time.Now().UTC().Add(-d)
	return &t
}

func TestScheduler_Tick(t *testing.T) {
	accts := staticAccounts{
		{ID: "never-synced"},
		{ID: "recent-webhook", LastSyncAt: ago(10 * time.Minute), LastWebhookAt: ago(time.Minute)},
		{ID: "stale-despite-webhook", LastSyncAt: ago(2 * time.Hour), LastWebhookAt: ago(time.Minute)},
		{ID: "quiet", LastSyncAt: ago(10 * time.Minute), LastWebhookAt: ago(30 * time.Minute)},
		{ID: "no-webhooks", LastSyncAt: ago(10 * time.Minute)},
	}
	pool := NewPool(PoolConfig{Workers: 1, QueueSize: 16}, runnerFunc(func(context.Context, Job) error { return nil }), logging.Discard(), nil)
	s := NewScheduler(SchedulerConfig{QuietWindow: 10 * time.Minute, MaxStaleness: time.Hour}, accts, pool, nil, nil, logging.Discard())

	assert.Equal(t, 4, s.Tick(context.Background()))
	assert.Zero(t, s.Tick(context.Background()), "already queued")
}

func TestScheduler_Triggers(t *testing.T) {
	pool := NewPool(PoolConfig{Workers: 1, QueueSize: 16}, runnerFunc(func(context.Context, Job) error { return nil }), logging.Discard(), nil)
	s := NewScheduler(SchedulerConfig{}, staticAccounts{}, pool, nil, nil, logging.Discard())

	assert.True(t, s.TriggerAccount("a1"))
	assert.True(t, s.TriggerThread("a1", "t1"))
	assert.False(t, s.TriggerThread("a1", "t1"))
	assert.Equal(t, 2, pool.Depth())
}

func TestScheduler_StartStop(t *testing.T) {
	pool := NewPool(PoolConfig{Workers: 1, QueueSize: 16}, runnerFunc(func(context.Context, Job) error { return nil }), logging.Discard(), nil)
	refresher := &countingRefresher{}
	s := NewScheduler(SchedulerConfig{SyncSpec: "@every 1h"}, staticAccounts{}, pool, refresher, nil, logging.Discard())
	require.NoError(t, s.Start())
	require.NoError(t, s.Stop(context.Background()))

	bad := NewScheduler(SchedulerConfig{SyncSpec: "not a spec"}, staticAccounts{}, pool, nil, nil, logging.Discard())
	assert.Error(t, bad.Start())
}
