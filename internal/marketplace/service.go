// Package marketplace holds the typed domain operations (bids, projects,
// contests, messaging, profile) built on the routed request executor.
package marketplace

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/pysugar/marketrelay/internal/db/models"
	"github.com/pysugar/marketrelay/internal/logging"
	"github.com/pysugar/marketrelay/internal/mirror"
	"github.com/pysugar/marketrelay/internal/upstream"
	"github.com/sirupsen/logrus"
)

// Remote endpoints.
const (
	profilePath        = "/users/0.1/self/"
	bidsPath           = "/projects/0.1/bids/"
	activeProjectsPath = "/projects/0.1/projects/active/"
	projectPath        = "/projects/0.1/projects/%s/"
	contestsPath       = "/contests/0.1/contests/"
	threadsPath        = "/messages/0.1/threads/"
	threadMessagesPath = "/messages/0.1/threads/%s/messages/"
)

// Executor is the routed request executor.
type Executor interface {
	Do(ctx context.Context, acct *models.PlatformAccount, method, path string, opts *upstream.Options, out any) error
}

// SyncTrigger queues reconciliation after local mutations.
type SyncTrigger interface {
	TriggerAccount(accountID string) bool
	TriggerThread(accountID, threadID string) bool
}

// Service exposes the domain operations for an already resolved account.
type Service struct {
	executor Executor
	store    *mirror.Store
	sync     SyncTrigger
	log      logrus.FieldLogger
}

// NewService creates the façade. sync may be nil.
func NewService(executor Executor, store *mirror.Store, sync SyncTrigger, log logrus.FieldLogger) *Service {
	return &Service{
		executor: executor,
		store:    store,
		sync:     sync,
		log:      logging.OrDiscard(log).WithField("component", "marketplace"),
	}
}

// Profile returns the remote profile of the account.
func (s *Service) Profile(ctx context.Context, acct *models.PlatformAccount) (json.RawMessage, error) {
	var out json.RawMessage
	if err := s.executor.Do(ctx, acct, http.MethodGet, profilePath, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
