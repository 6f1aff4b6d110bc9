package marketplace

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/pysugar/marketrelay/internal/accounts"
	"github.com/pysugar/marketrelay/internal/db/models"
	"github.com/pysugar/marketrelay/internal/mirror"
	"github.com/pysugar/marketrelay/internal/upstream"
	"github.com/sirupsen/logrus"
)

// CreateThreadRequest opens a conversation.
type CreateThreadRequest struct {
	Members     []mirror.RemoteID `json:"members"`
	ContextType string            `json:"context_type,omitempty"`
	ContextID   mirror.RemoteID   `json:"context_id,omitempty"`
	Message     string            `json:"message,omitempty"`
}

type createThreadPayload struct {
	Members []mirror.RemoteID     `json:"members"`
	Context *mirror.RemoteContext `json:"context,omitempty"`
	Message string                `json:"message,omitempty"`
}

// ListThreads returns the mirrored threads of the account.
func (s *Service) ListThreads(ctx context.Context, acct *models.PlatformAccount, limit, offset int) ([]models.Thread, error) {
	return s.store.ListThreads(ctx, acct.ID, limit, offset)
}

// ListMessages returns the mirrored messages of one of the account's threads.
func (s *Service) ListMessages(ctx context.Context, acct *models.PlatformAccount, threadRef string, limit, offset int) ([]models.Message, error) {
	th, err := s.store.GetThread(ctx, acct.ID, threadRef)
	if err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, th.ID, limit, offset)
}

// CreateThread opens a remote thread, mirrors it and queues a full sync so
// the opening message shows up even if no webhook follows.
func (s *Service) CreateThread(ctx context.Context, acct *models.PlatformAccount, req CreateThreadRequest) (*models.Thread, error) {
	members := make([]mirror.RemoteID, 0, len(req.Members))
	for _, m := range req.Members {
		if strings.TrimSpace(m.String()) != "" {
			members = append(members, m)
		}
	}
	if len(members) == 0 {
		return nil, accounts.NewValidationError("members", "at least one member is required")
	}
	payload := createThreadPayload{Members: members, Message: strings.TrimSpace(req.Message)}
	if req.ContextType != "" {
		payload.Context = &mirror.RemoteContext{Type: req.ContextType, ID: req.ContextID}
	}

	var remote mirror.RemoteThread
	if err := s.executor.Do(ctx, acct, http.MethodPost, threadsPath, &upstream.Options{Body: payload}, &remote); err != nil {
		return nil, err
	}
	if remote.ID == "" {
		return nil, fmt.Errorf("create thread: platform returned no thread id")
	}
	th, _, err := s.store.UpsertThread(ctx, acct.ID, &remote)
	if err != nil {
		return nil, err
	}
	if s.sync != nil {
		s.sync.TriggerAccount(acct.ID)
		s.sync.TriggerThread(acct.ID, th.ID)
	}
	s.log.WithFields(logrus.Fields{"account_id": acct.ID, "thread_id": th.ID}).Info("thread created")
	return th, nil
}

// SendMessage posts text to a mirrored thread and stores the result.
func (s *Service) SendMessage(ctx context.Context, acct *models.PlatformAccount, threadRef, text string) (*models.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, accounts.NewValidationError("message", "is required")
	}
	th, err := s.store.GetThread(ctx, acct.ID, threadRef)
	if err != nil {
		return nil, err
	}

	var remote mirror.RemoteMessage
	path := fmt.Sprintf(threadMessagesPath, url.PathEscape(th.RemoteThreadID))
	if err := s.executor.Do(ctx, acct, http.MethodPost, path, &upstream.Options{Body: map[string]string{"message": text}}, &remote); err != nil {
		return nil, err
	}

	var msg *models.Message
	if remote.ID != "" {
		msg, _, err = s.store.UpsertMessage(ctx, th, &remote)
		if err != nil {
			return nil, err
		}
	}
	if s.sync != nil {
		s.sync.TriggerThread(acct.ID, th.ID)
	}
	if msg == nil {
		return &models.Message{ThreadID: th.ID, AccountID: acct.ID, Body: text}, nil
	}
	return msg, nil
}
