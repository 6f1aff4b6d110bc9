package backfill

import (
	"context"
	"time"

	"github.com/pysugar/marketrelay/internal/db/models"
	"github.com/pysugar/marketrelay/internal/logging"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// AccountLister returns the accounts eligible for periodic sync.
type AccountLister interface {
	ListActive(ctx context.Context) ([]models.PlatformAccount, error)
}

// TokenRefresher refreshes tokens that are about to expire.
type TokenRefresher interface {
	RefreshExpiring(ctx context.Context, within time.Duration) (int, error)
}

// StatePurger removes abandoned authorization states.
type StatePurger interface {
	PurgeExpiredStates(ctx context.Context) (int64, error)
}

// SchedulerConfig controls periodic work.
type SchedulerConfig struct {
	// SyncSpec is a cron spec such as "@every 5m".
	SyncSpec string
	// QuietWindow skips accounts that received a webhook this recently,
	// unless their last sync is older than MaxStaleness.
	QuietWindow   time.Duration
	MaxStaleness  time.Duration
	RefreshWithin time.Duration
}

// Scheduler feeds the pool from cron ticks and local mutations.
type Scheduler struct {
	cfg      SchedulerConfig
	accounts AccountLister
	pool     *Pool
	tokens   TokenRefresher
	states   StatePurger
	cron     *cron.Cron
	log      logrus.FieldLogger
	now      func() time.Time
}

// NewScheduler creates a scheduler. tokens and states may be nil.
func NewScheduler(cfg SchedulerConfig, accts AccountLister, pool *Pool, tokens TokenRefresher, states StatePurger, log logrus.FieldLogger) *Scheduler {
	if cfg.SyncSpec == "" {
		cfg.SyncSpec = "@every 5m"
	}
	if cfg.RefreshWithin <= 0 {
		cfg.RefreshWithin = 15 * time.Minute
	}
	return &Scheduler{
		cfg:      cfg,
		accounts: accts,
		pool:     pool,
		tokens:   tokens,
		states:   states,
		cron:     cron.New(),
		log:      logging.OrDiscard(log).WithField("component", "scheduler"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start registers the periodic jobs and starts the cron runner.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.cfg.SyncSpec, func() { s.Tick(context.Background()) }); err != nil {
		return err
	}
	if s.tokens != nil {
		if _, err := s.cron.AddFunc("@every 1m", func() { s.refreshTokens(context.Background()) }); err != nil {
			return err
		}
	}
	if s.states != nil {
		if _, err := s.cron.AddFunc("@every 1m", func() { s.purgeStates(context.Background()) }); err != nil {
			return err
		}
	}
	s.cron.Start()
	s.log.WithField("spec", s.cfg.SyncSpec).Info("sync scheduler started")
	return nil
}

// Stop halts cron and waits for a running tick.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tick queues a thread sync for every active account that is due and
// returns how many were queued.
func (s *Scheduler) Tick(ctx context.Context) int {
	accts, err := s.accounts.ListActive(ctx)
	if err != nil {
		s.log.WithError(err).Error("list active accounts")
		return 0
	}
	now := s.now()
	queued := 0
	for i := range accts {
		if !s.due(&accts[i], now) {
			continue
		}
		if s.pool.EnqueueAccount(accts[i].ID) {
			queued++
		}
	}
	if queued > 0 {
		s.log.WithFields(logrus.Fields{"active": len(accts), "queued": queued}).Info("periodic sync queued")
	}
	return queued
}

func (s *Scheduler) due(acct *models.PlatformAccount, now time.Time) bool {
	if acct.LastSyncAt == nil {
		return true
	}
	if s.cfg.MaxStaleness > 0 && now.Sub(*acct.LastSyncAt) >= s.cfg.MaxStaleness {
		return true
	}
	if acct.LastWebhookAt != nil && s.cfg.QuietWindow > 0 && now.Sub(*acct.LastWebhookAt) < s.cfg.QuietWindow {
		return false
	}
	return true
}

// TriggerAccount queues an immediate thread sync, e.g. after creating a thread.
func (s *Scheduler) TriggerAccount(accountID string) bool {
	return s.pool.EnqueueAccount(accountID)
}

// TriggerThread queues an immediate message sync, e.g. after sending a message.
func (s *Scheduler) TriggerThread(accountID, threadID string) bool {
	return s.pool.EnqueueThread(accountID, threadID)
}

func (s *Scheduler) refreshTokens(ctx context.Context) {
	if _, err := s.tokens.RefreshExpiring(ctx, s.cfg.RefreshWithin); err != nil {
		s.log.WithError(err).Warn("proactive token refresh failed")
	}
}

func (s *Scheduler) purgeStates(ctx context.Context) {
	if _, err := s.states.PurgeExpiredStates(ctx); err != nil {
		s.log.WithError(err).Warn("oauth state purge failed")
	}
}
