package models

import (
	"time"

	"gorm.io/datatypes"
)

// Attachment is a file reference carried by a remote message.
type Attachment struct {
	Filename string `json:"filename"`
	URL      string `json:"url,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Message mirrors a remote message. RemoteMessageID is globally unique.
type Message struct {
	ID              string                          `gorm:"primaryKey" json:"id"`
	RemoteMessageID string                          `gorm:"not null;uniqueIndex" json:"remote_message_id"`
	ThreadID        string                          `gorm:"not null;index" json:"thread_id"`
	AccountID       string                          `gorm:"not null;index" json:"account_id"`
	SenderRemoteID  string                          `json:"sender_remote_id"`
	Body            string                          `gorm:"type:text" json:"body"`
	Attachments     datatypes.JSONSlice[Attachment] `json:"attachments"`
	SentAt          time.Time                       `gorm:"index" json:"sent_at"`
	Read            bool                            `json:"read"`
	CreatedAt       time.Time                       `json:"created_at"`
	UpdatedAt       time.Time                       `json:"updated_at"`
}
