package marketplace

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/pysugar/marketrelay/internal/accounts"
	"github.com/pysugar/marketrelay/internal/db/models"
	"github.com/pysugar/marketrelay/internal/mirror"
	"github.com/pysugar/marketrelay/internal/upstream"
)

// Budget is a project's price range.
type Budget struct {
	Minimum float64 `json:"minimum"`
	Maximum float64 `json:"maximum,omitempty"`
}

// Project is a remote project. Raw keeps fields not modelled here.
type Project struct {
	ID          mirror.RemoteID `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Status      string          `json:"status,omitempty"`
	Budget      *Budget         `json:"budget,omitempty"`
	Raw         json.RawMessage `json:"raw,omitempty"`
}

// UnmarshalJSON decodes the typed fields and keeps the raw object.
func (p *Project) UnmarshalJSON(data []byte) error {
	type plain Project
	var v plain
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*p = Project(v)
	p.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// ProjectQuery filters the active project search.
type ProjectQuery struct {
	Query  string
	Limit  int
	Offset int
}

// ProjectPage is one page of search results.
type ProjectPage struct {
	Projects   []Project `json:"projects"`
	TotalCount int       `json:"total_count"`
}

// ListProjects searches active projects.
func (s *Service) ListProjects(ctx context.Context, acct *models.PlatformAccount, q ProjectQuery) (*ProjectPage, error) {
	query := url.Values{}
	if q.Query = strings.TrimSpace(q.Query); q.Query != "" {
		query.Set("query", q.Query)
	}
	if q.Limit > 0 {
		query.Set("limit", strconv.Itoa(min(q.Limit, 100)))
	}
	if q.Offset > 0 {
		query.Set("offset", strconv.Itoa(q.Offset))
	}
	var page ProjectPage
	if err := s.executor.Do(ctx, acct, http.MethodGet, activeProjectsPath, &upstream.Options{Query: query}, &page); err != nil {
		return nil, err
	}
	if page.Projects == nil {
		page.Projects = []Project{}
	}
	return &page, nil
}

// GetProject fetches one project.
func (s *Service) GetProject(ctx context.Context, acct *models.PlatformAccount, projectID string) (*Project, error) {
	if _, err := strconv.ParseInt(projectID, 10, 64); err != nil {
		return nil, accounts.NewValidationError("project_id", "must be numeric")
	}
	var p Project
	if err := s.executor.Do(ctx, acct, http.MethodGet, fmt.Sprintf(projectPath, projectID), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
