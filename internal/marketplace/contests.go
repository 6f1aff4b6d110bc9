package marketplace

import (
	"context"
	"net/http"
	"strings"

	"github.com/pysugar/marketrelay/internal/accounts"
	"github.com/pysugar/marketrelay/internal/db/models"
	"github.com/pysugar/marketrelay/internal/mirror"
	"github.com/pysugar/marketrelay/internal/upstream"
)

// ContestRequest launches a contest.
type ContestRequest struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Prize       float64  `json:"prize"`
	Duration    int      `json:"duration"`
	Currency    string   `json:"currency,omitempty"`
	Skills      []string `json:"skills,omitempty"`
}

// Contest is the platform's record of a contest.
type Contest struct {
	ID       mirror.RemoteID `json:"id"`
	Title    string          `json:"title"`
	Prize    float64         `json:"prize"`
	Duration int             `json:"duration"`
	Status   string          `json:"status,omitempty"`
}

// CreateContest launches a contest owned by the account.
func (s *Service) CreateContest(ctx context.Context, acct *models.PlatformAccount, req ContestRequest) (*Contest, error) {
	req.Title = strings.TrimSpace(req.Title)
	fields := map[string]string{}
	if req.Title == "" {
		fields["title"] = "is required"
	}
	if strings.TrimSpace(req.Description) == "" {
		fields["description"] = "is required"
	}
	if req.Prize <= 0 {
		fields["prize"] = "must be positive"
	}
	if req.Duration <= 0 {
		fields["duration"] = "must be at least one day"
	}
	if len(fields) > 0 {
		return nil, &accounts.ValidationError{Fields: fields}
	}
	if req.Currency == "" {
		req.Currency = "USD"
	}

	var contest Contest
	if err := s.executor.Do(ctx, acct, http.MethodPost, contestsPath, &upstream.Options{Body: req}, &contest); err != nil {
		return nil, err
	}
	return &contest, nil
}
