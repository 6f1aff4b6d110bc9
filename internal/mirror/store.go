// Package mirror is the local copy of remote messaging state. Webhooks and
// backfill sync write through the same upserts so either path can run first.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pysugar/marketrelay/internal/db"
	"github.com/pysugar/marketrelay/internal/db/models"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrThreadNotFound means no mirrored thread matches the reference.
var ErrThreadNotFound = errors.New("thread not found")

// upsertAttempts bounds retries after losing an insert race on a unique key.
const upsertAttempts = 2

// Store reads and writes mirrored threads and messages.
type Store struct {
	db  *gorm.DB
	log logrus.FieldLogger
}

// NewStore creates a store over db.
func NewStore(database *gorm.DB, log logrus.FieldLogger) *Store {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Store{db: database, log: log.WithField("component", "mirror")}
}

// UpsertThread merges remote into the thread keyed by (accountID, remote id).
// Participants are unioned, metadata keys overlaid, and last_message_at only advances.
func (s *Store) UpsertThread(ctx context.Context, accountID string, remote *RemoteThread) (*models.Thread, bool, error) {
	if remote == nil || remote.ID == "" {
		return nil, false, errors.New("thread id is required")
	}

	var (
		out     models.Thread
		created bool
		err     error
	)
	for attempt := 0; attempt < upsertAttempts; attempt++ {
		created = false
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			out = models.Thread{}
			findErr := tx.Where("account_id = ? AND remote_thread_id = ?", accountID, remote.ID.String()).First(&out).Error
			if errors.Is(findErr, gorm.ErrRecordNotFound) {
				out = models.Thread{
					ID:             uuid.NewString(),
					AccountID:      accountID,
					RemoteThreadID: remote.ID.String(),
				}
				mergeThread(&out, remote)
				created = true
				return tx.Create(&out).Error
			}
			if findErr != nil {
				return findErr
			}
			mergeThread(&out, remote)
			return tx.Save(&out).Error
		})
		if err == nil || !db.IsUniqueViolation(err) {
			break
		}
		s.log.WithField("remote_thread_id", remote.ID).Debug("lost thread insert race, retrying as update")
	}
	if err != nil {
		return nil, false, fmt.Errorf("upsert thread %s: %w", remote.ID, err)
	}
	return &out, created, nil
}

// UpsertMessage stores remote under thread keyed by the remote message id.
// A repeated delivery only refreshes derived fields and reports created=false.
func (s *Store) UpsertMessage(ctx context.Context, thread *models.Thread, remote *RemoteMessage) (*models.Message, bool, error) {
	if remote == nil || remote.ID == "" {
		return nil, false, errors.New("message id is required")
	}

	var (
		out     models.Message
		created bool
		err     error
	)
	for attempt := 0; attempt < upsertAttempts; attempt++ {
		created = false
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			out = models.Message{}
			findErr := tx.Where("remote_message_id = ?", remote.ID.String()).First(&out).Error
			switch {
			case errors.Is(findErr, gorm.ErrRecordNotFound):
				out = models.Message{
					ID:              uuid.NewString(),
					RemoteMessageID: remote.ID.String(),
					ThreadID:        thread.ID,
					AccountID:       thread.AccountID,
					SenderRemoteID:  remote.FromUser.String(),
					Body:            remote.Message,
					Attachments:     remote.attachments(),
					SentAt:          sentAt(remote),
					Read:            remote.IsRead,
				}
				created = true
				if err := tx.Create(&out).Error; err != nil {
					return err
				}
			case findErr != nil:
				return findErr
			default:
				if remote.Message != "" {
					out.Body = remote.Message
				}
				if len(remote.Attachments) > 0 {
					out.Attachments = remote.attachments()
				}
				out.Read = out.Read || remote.IsRead
				if err := tx.Save(&out).Error; err != nil {
					return err
				}
			}
			return advanceLastMessage(tx, out.ThreadID, out.SentAt)
		})
		if err == nil || !db.IsUniqueViolation(err) {
			break
		}
		s.log.WithField("remote_message_id", remote.ID).Debug("lost message insert race, retrying as update")
	}
	if err != nil {
		return nil, false, fmt.Errorf("upsert message %s: %w", remote.ID, err)
	}
	return &out, created, nil
}

// ListThreads returns an account's threads, most recent activity first.
func (s *Store) ListThreads(ctx context.Context, accountID string, limit, offset int) ([]models.Thread, error) {
	var out []models.Thread
	err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("last_message_at DESC").
		Order("created_at DESC").
		Limit(clampLimit(limit)).
		Offset(offset).
		Find(&out).Error
	return out, err
}

// GetThread finds an account's thread by local id or remote thread id.
func (s *Store) GetThread(ctx context.Context, accountID, ref string) (*models.Thread, error) {
	var th models.Thread
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND (id = ? OR remote_thread_id = ?)", accountID, ref, ref).
		First(&th).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrThreadNotFound
		}
		return nil, err
	}
	return &th, nil
}

// ListMessages returns a thread's messages in send order.
func (s *Store) ListMessages(ctx context.Context, threadID string, limit, offset int) ([]models.Message, error) {
	var out []models.Message
	err := s.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Order("sent_at ASC").
		Order("created_at ASC").
		Limit(clampLimit(limit)).
		Offset(offset).
		Find(&out).Error
	return out, err
}

// PurgeAccount deletes every mirrored row of an account.
func (s *Store) PurgeAccount(ctx context.Context, accountID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("account_id = ?", accountID).Delete(&models.Message{}).Error; err != nil {
			return err
		}
		return tx.Where("account_id = ?", accountID).Delete(&models.Thread{}).Error
	})
}

func mergeThread(th *models.Thread, remote *RemoteThread) {
	th.Participants = unionParticipants(th.Participants, remote.participants())
	if remote.Context.Type != "" {
		th.ContextType = remote.Context.Type
	}
	if remote.Context.ID != "" {
		th.ContextID = remote.Context.ID.String()
	}
	if !remote.TimeUpdated.IsZero() {
		ts := remote.TimeUpdated.UTC()
		if th.LastMessageAt == nil || ts.After(*th.LastMessageAt) {
			th.LastMessageAt = &ts
		}
	}
	if remote.IsArchived != nil {
		th.Archived = *remote.IsArchived
	}
	if remote.IsMuted != nil {
		th.Muted = *remote.IsMuted
	}
	th.Metadata = overlayMetadata(th.Metadata, remote.Raw)
}

func unionParticipants(existing []string, incoming []string) []string {
	seen := make(map[string]bool, len(existing)+len(incoming))
	out := make([]string, 0, len(existing)+len(incoming))
	for _, list := range [][]string{existing, incoming} {
		for _, p := range list {
			if p == "" || seen[p] {
				continue
			}
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// overlayMetadata merges the keys of incoming over existing when both are
// JSON objects; otherwise incoming replaces existing.
func overlayMetadata(existing datatypes.JSON, incoming json.RawMessage) datatypes.JSON {
	if len(incoming) == 0 {
		return existing
	}
	var next map[string]json.RawMessage
	if err := json.Unmarshal(incoming, &next); err != nil {
		return existing
	}
	var merged map[string]json.RawMessage
	if len(existing) == 0 || json.Unmarshal(existing, &merged) != nil || merged == nil {
		merged = make(map[string]json.RawMessage, len(next))
	}
	for k, v := range next {
		merged[k] = v
	}
	data, err := json.Marshal(merged)
	if err != nil {
		return existing
	}
	return datatypes.JSON(data)
}

func advanceLastMessage(tx *gorm.DB, threadID string, at time.Time) error {
	return tx.Model(&models.Thread{}).
		Where("id = ? AND (last_message_at IS NULL OR last_message_at < ?)", threadID, at).
		Update("last_message_at", at).Error
}

func sentAt(m *RemoteMessage) time.Time {
	if m.TimeCreated.IsZero() {
		return time.Now().UTC()
	}
	return m.TimeCreated.UTC()
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 50
	case limit > 500:
		return 500
	}
	return limit
}
