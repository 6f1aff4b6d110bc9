package mirror

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pysugar/marketrelay/internal/db/models"
)

// RemoteID is a marketplace identifier. The platform sends ids as JSON numbers
// on some endpoints and strings on others.
type RemoteID string

// UnmarshalJSON accepts a number or a string.
func (id *RemoteID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = RemoteID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("remote id: %w", err)
	}
	*id = RemoteID(n.String())
	return nil
}

// String returns the id text.
func (id RemoteID) String() string { return string(id) }

// Timestamp is a unix-seconds time that also accepts RFC 3339 strings.
type Timestamp struct {
	time.Time
}

// UnmarshalJSON accepts seconds, fractional seconds or an RFC 3339 string.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) || len(data) == 0 {
		t.Time = time.Time{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			t.Time = time.Time{}
			return nil
		}
		if secs, err := strconv.ParseFloat(s, 64); err == nil {
			t.Time = fromUnix(secs)
			return nil
		}
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return fmt.Errorf("timestamp: %w", err)
		}
		t.Time = parsed.UTC()
		return nil
	}
	secs, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	t.Time = fromUnix(secs)
	return nil
}

// MarshalJSON writes unix seconds.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatInt(t.Unix(), 10)), nil
}

func fromUnix(secs float64) time.Time {
	whole := int64(secs)
	frac := int64((secs - float64(whole)) * 1e9)
	return time.Unix(whole, frac).UTC()
}

// RemoteContext links a thread to a project, contest or similar object.
type RemoteContext struct {
	Type string   `json:"type"`
	ID   RemoteID `json:"id"`
}

// RemoteThread is a thread as returned by the platform and pushed by webhooks.
// Raw keeps the full object for provider-specific fields.
type RemoteThread struct {
	ID          RemoteID      `json:"id"`
	Members     []RemoteID    `json:"members"`
	Context     RemoteContext `json:"context"`
	TimeUpdated Timestamp     `json:"time_updated"`
	IsArchived  *bool         `json:"is_archived"`
	IsMuted     *bool         `json:"is_muted"`

	Raw json.RawMessage `json:"-"`
}

// UnmarshalJSON decodes the typed fields and keeps the raw object.
func (t *RemoteThread) UnmarshalJSON(data []byte) error {
	type plain RemoteThread
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*t = RemoteThread(p)
	t.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// RemoteAttachment is a file attached to a remote message.
type RemoteAttachment struct {
	Filename string `json:"filename"`
	URL      string `json:"url,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// RemoteMessage is a message as returned by the platform and pushed by webhooks.
type RemoteMessage struct {
	ID          RemoteID           `json:"id"`
	ThreadID    RemoteID           `json:"thread_id"`
	FromUser    RemoteID           `json:"from_user"`
	Message     string             `json:"message"`
	Attachments []RemoteAttachment `json:"attachments"`
	TimeCreated Timestamp          `json:"time_created"`
	IsRead      bool               `json:"is_read"`
}

func (m *RemoteMessage) attachments() []models.Attachment {
	out := make([]models.Attachment, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		out = append(out, models.Attachment{Filename: a.Filename, URL: a.URL, Size: a.Size})
	}
	return out
}

func (t *RemoteThread) participants() []string {
	out := make([]string, 0, len(t.Members))
	for _, m := range t.Members {
		if m != "" {
			out = append(out, m.String())
		}
	}
	return out
}
