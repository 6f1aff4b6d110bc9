// Package webhook ingests push deliveries from marketplaces into the local
// thread and message mirror.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pysugar/marketrelay/internal/accounts"
	"github.com/pysugar/marketrelay/internal/config"
	"github.com/pysugar/marketrelay/internal/db/models"
	"github.com/pysugar/marketrelay/internal/logging"
	"github.com/pysugar/marketrelay/internal/metrics"
	"github.com/pysugar/marketrelay/internal/mirror"
	"github.com/pysugar/marketrelay/internal/notify"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var (
	// ErrInvalidPayload means the body is not a usable message event.
	ErrInvalidPayload = errors.New("invalid webhook payload")
	// ErrInvalidSignature means the delivery is not signed with the platform secret.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrUnknownPlatform means no platform is configured under the slug.
	ErrUnknownPlatform = errors.New("unknown platform")
)

// Outcome statuses reported back to the platform.
const (
	StatusOK      = "ok"
	StatusIgnored = "ignored"
)

// Backfiller schedules a message sync for a thread seen for the first time.
type Backfiller interface {
	EnqueueThread(accountID, threadID string) bool
}

// Result describes a handled delivery.
type Result struct {
	Status    string `json:"status"`
	Duplicate bool   `json:"duplicate,omitempty"`
	ThreadID  string `json:"thread_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

type payload struct {
	Owner struct {
		ID mirror.RemoteID `json:"id"`
	} `json:"owner"`
	Thread  *mirror.RemoteThread  `json:"thread"`
	Message *mirror.RemoteMessage `json:"message"`
}

// Ingestor handles inbound webhooks.
type Ingestor struct {
	db        *gorm.DB
	platforms *config.Registry
	accounts  *accounts.Registry
	store     *mirror.Store
	publisher notify.Publisher
	backfill  Backfiller
	log       logrus.FieldLogger
	metrics   metrics.Recorder
	now       func() time.Time
}

// NewIngestor creates an ingestor. publisher and backfill may be nil.
func NewIngestor(db *gorm.DB, platforms *config.Registry, accts *accounts.Registry, store *mirror.Store, publisher notify.Publisher, log logrus.FieldLogger, m metrics.Recorder) *Ingestor {
	return &Ingestor{
		db:        db,
		platforms: platforms,
		accounts:  accts,
		store:     store,
		publisher: publisher,
		log:       logging.OrDiscard(log).WithField("component", "webhook"),
		metrics:   metrics.OrNoop(m),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetBackfiller wires the sync queue once it exists.
func (i *Ingestor) SetBackfiller(b Backfiller) {
	i.backfill = b
}

// IsMessageEvent reports whether eventType carries a message.
func IsMessageEvent(eventType string) bool {
	switch strings.ToLower(strings.TrimSpace(eventType)) {
	case "message.sent", "message.new", "message.received":
		return true
	}
	return false
}

// Handle verifies, audits and applies one delivery. Every delivery that names
// a configured platform leaves a WebhookEvent row, including failures.
func (i *Ingestor) Handle(ctx context.Context, platform, eventType, signature string, body []byte) (*Result, error) {
	p, ok := i.platforms.Get(platform)
	if !ok {
		i.metrics.RecordWebhook(platform, "unknown_platform")
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlatform, platform)
	}
	log := logging.FromContext(ctx, i.log).WithFields(logrus.Fields{"platform": p.Slug, "event": eventType})

	event := &models.WebhookEvent{
		Platform:  p.Slug,
		EventType: eventType,
		Payload:   string(body),
		Signature: signature,
	}

	res, err := i.handle(ctx, p, event, eventType, signature, body)
	i.audit(ctx, log, event, err)

	outcome := StatusOK
	switch {
	case err != nil:
		outcome = outcomeOf(err)
		log.WithError(err).Warn("webhook rejected")
	case res.Status == StatusIgnored:
		outcome = StatusIgnored
	case res.Duplicate:
		outcome = "duplicate"
	}
	i.metrics.RecordWebhook(p.Slug, outcome)
	return res, err
}

func (i *Ingestor) handle(ctx context.Context, p *config.Platform, event *models.WebhookEvent, eventType, signature string, body []byte) (*Result, error) {
	if p.WebhookSecret != "" {
		if !VerifySignature(p.WebhookSecret, body, signature) {
			return nil, ErrInvalidSignature
		}
		event.SignatureValid = true
	}

	if !IsMessageEvent(eventType) {
		return &Result{Status: StatusIgnored}, nil
	}

	var in payload
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if in.Thread == nil && in.Message != nil && in.Message.ThreadID != "" {
		in.Thread = &mirror.RemoteThread{ID: in.Message.ThreadID}
	}
	switch {
	case in.Owner.ID == "":
		return nil, fmt.Errorf("%w: owner.id is required", ErrInvalidPayload)
	case in.Thread == nil || in.Thread.ID == "":
		return nil, fmt.Errorf("%w: thread.id is required", ErrInvalidPayload)
	case in.Message == nil || in.Message.ID == "":
		return nil, fmt.Errorf("%w: message.id is required", ErrInvalidPayload)
	}
	event.RemoteMessageID = in.Message.ID.String()

	acct, err := i.accounts.FindByExternalID(ctx, p.Slug, in.Owner.ID.String())
	if err != nil {
		return nil, err
	}
	event.AccountID = acct.ID

	thread, threadCreated, err := i.store.UpsertThread(ctx, acct.ID, in.Thread)
	if err != nil {
		return nil, err
	}
	msg, created, err := i.store.UpsertMessage(ctx, thread, in.Message)
	if err != nil {
		return nil, err
	}
	event.Duplicate = !created

	if created && i.publisher != nil {
		ev := notify.Event{
			Type:            notify.TypeNewMessage,
			AccountID:       acct.ID,
			Platform:        acct.Platform,
			ThreadID:        thread.ID,
			RemoteThreadID:  thread.RemoteThreadID,
			MessageID:       msg.ID,
			RemoteMessageID: msg.RemoteMessageID,
			FromUser:        msg.SenderRemoteID,
			Body:            msg.Body,
			SentAt:          msg.SentAt,
		}
		if err := i.publisher.Publish(ctx, ev); err != nil {
			i.log.WithError(err).WithField("message_id", msg.ID).Warn("failed to publish new message")
		}
	}
	if threadCreated && i.backfill != nil {
		i.backfill.EnqueueThread(acct.ID, thread.ID)
	}
	if err := i.accounts.TouchWebhook(ctx, acct.ID); err != nil {
		i.log.WithError(err).WithField("account_id", acct.ID).Warn("failed to stamp webhook arrival")
	}

	return &Result{
		Status:    StatusOK,
		Duplicate: !created,
		ThreadID:  thread.ID,
		MessageID: msg.ID,
	}, nil
}

func (i *Ingestor) audit(ctx context.Context, log logrus.FieldLogger, event *models.WebhookEvent, handleErr error) {
	if handleErr == nil {
		now := i.now()
		event.Processed = true
		event.ProcessedAt = &now
	} else {
		event.ProcessingError = handleErr.Error()
	}
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := i.db.WithContext(auditCtx).Create(event).Error; err != nil {
		log.WithError(err).Error("failed to write webhook audit row")
	}
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, ErrInvalidSignature):
		return "bad_signature"
	case errors.Is(err, ErrInvalidPayload):
		return "invalid"
	case errors.Is(err, accounts.ErrAccountNotFound):
		return "unknown_account"
	default:
		return "error"
	}
}
