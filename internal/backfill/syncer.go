package backfill

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/pysugar/marketrelay/internal/accounts"
	"github.com/pysugar/marketrelay/internal/db/models"
	"github.com/pysugar/marketrelay/internal/logging"
	"github.com/pysugar/marketrelay/internal/mirror"
	"github.com/pysugar/marketrelay/internal/notify"
	"github.com/pysugar/marketrelay/internal/upstream"
	"github.com/sirupsen/logrus"
)

// Remote endpoints of the messaging API.
const (
	threadsPath  = "/messages/0.1/threads/"
	messagesPath = "/messages/0.1/threads/%s/messages/"
)

// Executor is the routed request executor.
type Executor interface {
	Do(ctx context.Context, acct *models.PlatformAccount, method, path string, opts *upstream.Options, out any) error
}

// Enqueuer schedules follow-up jobs.
type Enqueuer interface {
	Enqueue(job Job) bool
}

// Syncer pulls threads and messages through the executor into the mirror,
// with the same upsert semantics as webhook ingestion.
type Syncer struct {
	accounts  *accounts.Registry
	store     *mirror.Store
	executor  Executor
	queue     Enqueuer
	publisher notify.Publisher
	log       logrus.FieldLogger
}

// NewSyncer creates a syncer. Follow-up message jobs need SetQueue.
// publisher may be nil.
func NewSyncer(accts *accounts.Registry, store *mirror.Store, executor Executor, publisher notify.Publisher, log logrus.FieldLogger) *Syncer {
	return &Syncer{
		accounts:  accts,
		store:     store,
		executor:  executor,
		publisher: publisher,
		log:       logging.OrDiscard(log).WithField("component", "syncer"),
	}
}

// SetQueue wires the pool used for per-thread follow-ups.
func (s *Syncer) SetQueue(q Enqueuer) {
	s.queue = q
}

// Run executes one job and records its outcome on the account. Accounts that
// are not active are skipped.
func (s *Syncer) Run(ctx context.Context, job Job) error {
	acct, err := s.accounts.GetByID(ctx, job.AccountID)
	if err != nil {
		if errors.Is(err, accounts.ErrAccountNotFound) {
			return nil
		}
		return err
	}
	if acct.Status != models.StatusActive {
		s.log.WithFields(logrus.Fields{"account_id": acct.ID, "status": acct.Status}).Debug("skipping sync of inactive account")
		return nil
	}

	switch job.Kind {
	case KindThreads:
		_, err = s.SyncThreads(ctx, acct)
	case KindMessages:
		var th *models.Thread
		th, err = s.store.GetThread(ctx, acct.ID, job.ThreadID)
		if err == nil {
			_, err = s.SyncMessages(ctx, acct, th)
		}
	default:
		err = fmt.Errorf("unknown sync job kind %q", job.Kind)
	}

	// The executor already recorded failures and expiry; a success clears last_error.
	if recErr := s.accounts.RecordSync(context.WithoutCancel(ctx), acct.ID, err); recErr != nil {
		s.log.WithError(recErr).WithField("account_id", acct.ID).Warn("failed to record sync outcome")
	}
	return err
}

type threadList struct {
	Threads []*mirror.RemoteThread `json:"threads"`
}

type messageList struct {
	Messages []*mirror.RemoteMessage `json:"messages"`
}

// SyncThreads mirrors the account's thread list and queues a message sync
// for each thread. It returns the number of threads seen.
func (s *Syncer) SyncThreads(ctx context.Context, acct *models.PlatformAccount) (int, error) {
	var list threadList
	opts := &upstream.Options{Query: url.Values{"limit": {"100"}}}
	if err := s.executor.Do(ctx, acct, http.MethodGet, threadsPath, opts, &list); err != nil {
		return 0, fmt.Errorf("list threads: %w", err)
	}

	seen := 0
	for _, remote := range list.Threads {
		if remote == nil || remote.ID == "" {
			continue
		}
		th, _, err := s.store.UpsertThread(ctx, acct.ID, remote)
		if err != nil {
			return seen, err
		}
		seen++
		if s.queue != nil {
			s.queue.Enqueue(Job{Kind: KindMessages, AccountID: acct.ID, ThreadID: th.ID})
		}
	}
	s.log.WithFields(logrus.Fields{"account_id": acct.ID, "threads": seen}).Debug("threads synced")
	return seen, nil
}

// SyncMessages mirrors the messages of one thread. It returns how many were new.
func (s *Syncer) SyncMessages(ctx context.Context, acct *models.PlatformAccount, th *models.Thread) (int, error) {
	var list messageList
	path := fmt.Sprintf(messagesPath, url.PathEscape(th.RemoteThreadID))
	if err := s.executor.Do(ctx, acct, http.MethodGet, path, nil, &list); err != nil {
		return 0, fmt.Errorf("list messages of thread %s: %w", th.RemoteThreadID, err)
	}

	created := 0
	for _, remote := range list.Messages {
		if remote == nil || remote.ID == "" {
			continue
		}
		msg, isNew, err := s.store.UpsertMessage(ctx, th, remote)
		if err != nil {
			return created, err
		}
		if !isNew {
			continue
		}
		created++
		if s.publisher != nil {
			ev := notify.Event{
				Type:            notify.TypeNewMessage,
				AccountID:       acct.ID,
				Platform:        acct.Platform,
				ThreadID:        th.ID,
				RemoteThreadID:  th.RemoteThreadID,
				MessageID:       msg.ID,
				RemoteMessageID: msg.RemoteMessageID,
				FromUser:        msg.SenderRemoteID,
				Body:            msg.Body,
				SentAt:          msg.SentAt,
			}
			if err := s.publisher.Publish(ctx, ev); err != nil {
				s.log.WithError(err).WithField("message_id", msg.ID).Warn("failed to publish new message")
			}
		}
	}
	s.log.WithFields(logrus.Fields{"account_id": acct.ID, "thread_id": th.ID, "new": created}).Debug("messages synced")
	return created, nil
}
