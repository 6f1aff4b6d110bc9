package models

import "time"

// WebhookEvent is the append-only audit row of one inbound push delivery.
type WebhookEvent struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	Platform        string     `gorm:"not null;index" json:"platform"`
	EventType       string     `gorm:"not null;index" json:"event_type"`
	AccountID       string     `gorm:"index" json:"account_id,omitempty"`
	RemoteMessageID string     `gorm:"index" json:"remote_message_id,omitempty"`
	Payload         string     `gorm:"type:text" json:"payload"`
	Signature       string     `json:"signature,omitempty"`
	SignatureValid  bool       `json:"signature_valid"`
	Processed       bool       `gorm:"index" json:"processed"`
	Duplicate       bool       `json:"duplicate"`
	ProcessedAt     *time.Time `json:"processed_at,omitempty"`
	ProcessingError string     `gorm:"type:text" json:"processing_error,omitempty"`
	CreatedAt       time.Time  `gorm:"index" json:"created_at"`
}
