package marketplace

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/pysugar/marketrelay/internal/accounts"
	"github.com/pysugar/marketrelay/internal/db/models"
	"github.com/pysugar/marketrelay/internal/mirror"
	"github.com/pysugar/marketrelay/internal/upstream"
)

// BidRequest places a bid on a project.
type BidRequest struct {
	Amount              float64 `json:"amount"`
	Period              int     `json:"period"`
	MilestonePercentage float64 `json:"milestone_percentage"`
	Description         string  `json:"description"`
}

// Bid is the platform's record of a placed bid.
type Bid struct {
	ID          mirror.RemoteID `json:"id"`
	ProjectID   mirror.RemoteID `json:"project_id"`
	BidderID    mirror.RemoteID `json:"bidder_id"`
	Amount      float64         `json:"amount"`
	Period      int             `json:"period"`
	AwardStatus string          `json:"award_status,omitempty"`
}

type bidPayload struct {
	ProjectID           int64   `json:"project_id"`
	BidderID            int64   `json:"bidder_id,omitempty"`
	Amount              float64 `json:"amount"`
	Period              int     `json:"period"`
	MilestonePercentage float64 `json:"milestone_percentage"`
	Description         string  `json:"description"`
}

// PlaceBid bids on projectID as the account's remote user.
func (s *Service) PlaceBid(ctx context.Context, acct *models.PlatformAccount, projectID string, req BidRequest) (*Bid, error) {
	pid, err := strconv.ParseInt(projectID, 10, 64)
	if err != nil || pid <= 0 {
		return nil, accounts.NewValidationError("project_id", "must be a positive number")
	}
	fields := map[string]string{}
	if req.Amount <= 0 {
		fields["amount"] = "must be positive"
	}
	if req.Period <= 0 {
		fields["period"] = "must be at least one day"
	}
	if req.MilestonePercentage < 0 || req.MilestonePercentage > 100 {
		fields["milestone_percentage"] = "must be between 0 and 100"
	}
	if strings.TrimSpace(req.Description) == "" {
		fields["description"] = "is required"
	}
	if len(fields) > 0 {
		return nil, &accounts.ValidationError{Fields: fields}
	}
	if req.MilestonePercentage == 0 {
		req.MilestonePercentage = 100
	}

	payload := bidPayload{
		ProjectID:           pid,
		Amount:              req.Amount,
		Period:              req.Period,
		MilestonePercentage: req.MilestonePercentage,
		Description:         strings.TrimSpace(req.Description),
	}
	if bidder, err := strconv.ParseInt(acct.ExternalID, 10, 64); err == nil {
		payload.BidderID = bidder
	}

	var bid Bid
	if err := s.executor.Do(ctx, acct, http.MethodPost, bidsPath, &upstream.Options{Body: payload}, &bid); err != nil {
		return nil, err
	}
	s.log.WithField("account_id", acct.ID).WithField("project_id", pid).Info("bid placed")
	return &bid, nil
}
