// Package platformtest runs an in-process fake marketplace for tests: an OAuth
// token endpoint, the enveloped REST API and the public pages.
package platformtest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/pysugar/marketrelay/internal/config"
	"github.com/pysugar/marketrelay/internal/db/models"
	"github.com/pysugar/marketrelay/internal/egress"
	"gorm.io/gorm"
)

const (
	Slug          = "acme"
	ClientID      = "client"
	ClientSecret  = "secret"
	WebhookSecret = "whsec"
)

// Profile is the identity returned by the self endpoint.
type Profile struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// Request captures what the fake saw of one API call.
type Request struct {
	Method        string
	Path          string
	Authorization string
	RemoteAddr    string
	UserAgent     string
	Body          map[string]any
}

// Server is the fake marketplace.
type Server struct {
	*httptest.Server
	Platform *config.Platform

	mu            sync.Mutex
	counters      map[string]int
	codes         map[string]bool
	access        map[string]bool
	refresh       map[string]bool
	seq           int
	profile       Profile
	threads       []map[string]any
	messages      map[string][]map[string]any
	failNext      []int
	rejectRefresh bool
	refreshStatus int
	refreshDelay  time.Duration
	requests      []Request
}

// New starts a fake marketplace closed at test cleanup.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		counters: make(map[string]int),
		codes:    make(map[string]bool),
		access:   make(map[string]bool),
		refresh:  make(map[string]bool),
		messages: make(map[string][]map[string]any),
		profile:  Profile{ID: 1001, Username: "jane_dev", Email: "jane@example.com"},
	}
	s.Server = httptest.NewServer(s.routes())
	t.Cleanup(s.Close)

	s.Platform = &config.Platform{
		Slug:          Slug,
		Name:          "Acme Jobs",
		ClientID:      ClientID,
		ClientSecret:  ClientSecret,
		RedirectURL:   "http://relay.test/connect/acme/callback",
		Scopes:        []string{"basic", "advanced"},
		WebhookSecret: WebhookSecret,
		ProfilePath:   "/users/0.1/self/",
		AuthURL:       s.URL + "/oauth/authorize",
		TokenURL:      s.URL + "/oauth/token",
		APIBaseURL:    s.URL + "/api",
		PublicBaseURL: s.URL + "/public",
	}
	return s
}

// Registry returns a platform registry holding only this fake.
func (s *Server) Registry() *config.Registry {
	return config.NewRegistry(s.Platform)
}

// IssueCode registers a single-use authorization code.
func (s *Server) IssueCode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	code := "code-" + uuid.NewString()
	s.codes[code] = true
	return code
}

// IssueTokens registers a valid access/refresh pair.
func (s *Server) IssueTokens() (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueLocked()
}

// RevokeAccess makes an access token fail with 401.
func (s *Server) RevokeAccess(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.access, token)
}

// SetProfile changes the self profile.
func (s *Server) SetProfile(p Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profile = p
}

// RejectRefresh makes refresh grants fail with invalid_grant.
func (s *Server) RejectRefresh(reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectRefresh = reject
}

// RefreshStatus makes refresh grants fail with status (0 restores success).
func (s *Server) RefreshStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshStatus = status
}

// RefreshDelay slows refresh grants down.
func (s *Server) RefreshDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshDelay = d
}

// FailNext makes the next API calls answer with the given statuses in order.
func (s *Server) FailNext(statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = append(s.failNext, statuses...)
}

// AddThread adds a remote thread object, e.g. {"id": 1, "members": [1001, 7]}.
func (s *Server) AddThread(thread map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads = append(s.threads, thread)
}

// AddMessage adds a remote message to a thread.
func (s *Server) AddMessage(threadID string, msg map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[threadID] = append(s.messages[threadID], msg)
}

// Count returns how often a counter key was hit, e.g. "token:refresh_token"
// or "GET /api/users/0.1/self/".
func (s *Server) Count(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[key]
}

// Requests returns the API calls seen so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// LastRequest returns the most recent API call.
func (s *Server) LastRequest() Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) == 0 {
		return Request{}
	}
	return s.requests[len(s.requests)-1]
}

// SeedAccount creates an active account of userID bound to a 127.0.0.1 local
// egress, holding a token pair valid at the fake.
func (s *Server) SeedAccount(t testing.TB, database *gorm.DB, reg *egress.Registry, userID string) *models.PlatformAccount {
	t.Helper()
	ctx := context.Background()
	if _, err := reg.CaptureLocal(ctx, userID, "127.0.0.1"); err != nil {
		t.Fatalf("capture egress: %v", err)
	}
	access, refresh := s.IssueTokens()
	acc := &models.PlatformAccount{
		ID:             uuid.NewString(),
		UserID:         userID,
		Platform:       Slug,
		ExternalID:     strconv.FormatInt(s.profile.ID, 10),
		Username:       s.profile.Username,
		Email:          s.profile.Email,
		AccessToken:    access,
		RefreshToken:   refresh,
		TokenExpiresAt: time.Now().UTC().Add(time.Hour),
		Status:         models.StatusActive,
		Verified:       true,
	}
	if err := database.Create(acc).Error; err != nil {
		t.Fatalf("create account: %v", err)
	}
	e, err := reg.Acquire(ctx, userID, "", acc.ID)
	if err != nil {
		t.Fatalf("acquire egress: %v", err)
	}
	acc.EgressID = &e.ID
	return acc
}

func (s *Server) issueLocked() (string, string) {
	s.seq++
	access := fmt.Sprintf("access-%d", s.seq)
	refresh := fmt.Sprintf("refresh-%d", s.seq)
	s.access[access] = true
	s.refresh[refresh] = true
	return access, refresh
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/oauth/token", s.handleToken)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/users/0.1/self/", s.handleSelf)
		r.Get("/messages/0.1/threads/", s.handleListThreads)
		r.Post("/messages/0.1/threads/", s.handleCreateThread)
		r.Get("/messages/0.1/threads/{threadID}/messages/", s.handleListMessages)
		r.Post("/messages/0.1/threads/{threadID}/messages/", s.handleSendMessage)
		r.Post("/projects/0.1/bids/", s.handleBid)
		r.Get("/projects/0.1/projects/active/", s.handleProjects)
		r.Get("/projects/0.1/projects/{projectID}/", s.handleProject)
		r.Post("/contests/0.1/contests/", s.handleContest)
	})

	r.Get("/public/users/{username}", s.handlePublicUser)
	r.Get("/public/projects/{projectID}", s.handlePublicProject)
	return r
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	grant := r.PostForm.Get("grant_type")

	s.mu.Lock()
	s.counters["token:"+grant]++
	delay := s.refreshDelay
	s.mu.Unlock()

	if r.PostForm.Get("client_id") != ClientID || r.PostForm.Get("client_secret") != ClientSecret {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client")
		return
	}

	if grant == "refresh_token" && delay > 0 {
		time.Sleep(delay)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch grant {
	case "authorization_code":
		code := r.PostForm.Get("code")
		if !s.codes[code] {
			writeOAuthError(w, http.StatusBadRequest, "invalid_grant")
			return
		}
		delete(s.codes, code)
	case "refresh_token":
		if s.refreshStatus != 0 {
			writeOAuthError(w, s.refreshStatus, "temporarily_unavailable")
			return
		}
		rt := r.PostForm.Get("refresh_token")
		if s.rejectRefresh || !s.refresh[rt] {
			writeOAuthError(w, http.StatusBadRequest, "invalid_grant")
			return
		}
		delete(s.refresh, rt)
	default:
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type")
		return
	}

	access, refresh := s.issueLocked()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token":  access,
		"token_type":    "bearer",
		"expires_in":    3600,
		"refresh_token": refresh,
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := Request{
			Method:        r.Method,
			Path:          r.URL.Path,
			Authorization: r.Header.Get("Authorization"),
			RemoteAddr:    r.RemoteAddr,
			UserAgent:     r.UserAgent(),
		}
		if r.Body != nil && r.Method != http.MethodGet {
			var body map[string]any
			if json.NewDecoder(r.Body).Decode(&body) == nil {
				req.Body = body
			}
		}

		s.mu.Lock()
		s.counters[r.Method+" "+r.URL.Path]++
		s.requests = append(s.requests, req)
		var forced int
		if len(s.failNext) > 0 {
			forced = s.failNext[0]
			s.failNext = s.failNext[1:]
		}
		token := ""
		if len(req.Authorization) > len("Bearer ") {
			token = req.Authorization[len("Bearer "):]
		}
		valid := s.access[token]
		s.mu.Unlock()

		if forced != 0 {
			writeEnvelopeError(w, forced, "forced failure", "FORCED")
			return
		}
		if !valid {
			writeEnvelopeError(w, http.StatusUnauthorized, "invalid access token", "AUTH_TOKEN_INVALID")
			return
		}
		ctx := context.WithValue(r.Context(), bodyKey{}, req.Body)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type bodyKey struct{}

func bodyOf(r *http.Request) map[string]any {
	b, _ := r.Context().Value(bodyKey{}).(map[string]any)
	if b == nil {
		return map[string]any{}
	}
	return b
}

func (s *Server) handleSelf(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	p := s.profile
	s.mu.Unlock()
	writeResult(w, map[string]any{"id": p.ID, "username": p.Username, "email": p.Email, "display_name": p.Username})
}

func (s *Server) handleListThreads(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	threads := append([]map[string]any(nil), s.threads...)
	s.mu.Unlock()
	writeResult(w, map[string]any{"threads": threads, "total_count": len(threads)})
}

func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	body := bodyOf(r)
	s.mu.Lock()
	s.seq++
	id := 9000 + s.seq
	now := time.Now().Unix()
	thread := map[string]any{
		"id":           id,
		"members":      body["members"],
		"context":      body["context"],
		"time_updated": now,
	}
	s.threads = append(s.threads, thread)
	if text, _ := body["message"].(string); text != "" {
		s.messages[strconv.Itoa(id)] = append(s.messages[strconv.Itoa(id)], map[string]any{
			"id": fmt.Sprintf("msg-%d", s.seq), "thread_id": id, "from_user": s.profile.ID,
			"message": text, "time_created": now,
		})
	}
	s.mu.Unlock()
	writeResult(w, thread)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	s.mu.Lock()
	msgs := append([]map[string]any(nil), s.messages[threadID]...)
	s.mu.Unlock()
	writeResult(w, map[string]any{"messages": msgs})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	body := bodyOf(r)
	s.mu.Lock()
	s.seq++
	msg := map[string]any{
		"id":           fmt.Sprintf("msg-%d", s.seq),
		"thread_id":    threadID,
		"from_user":    s.profile.ID,
		"message":      body["message"],
		"time_created": time.Now().Unix(),
	}
	s.messages[threadID] = append(s.messages[threadID], msg)
	s.mu.Unlock()
	writeResult(w, msg)
}

func (s *Server) handleBid(w http.ResponseWriter, r *http.Request) {
	body := bodyOf(r)
	if body["project_id"] == nil || body["amount"] == nil {
		writeEnvelopeError(w, http.StatusBadRequest, "project_id and amount are required", "INVALID_BID")
		return
	}
	s.mu.Lock()
	s.seq++
	id := s.seq
	s.mu.Unlock()
	body["id"] = id
	body["award_status"] = "pending"
	writeResult(w, body)
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	writeResult(w, map[string]any{
		"projects": []map[string]any{
			{"id": 501, "title": "Build a scraper " + query, "budget": map[string]any{"minimum": 100, "maximum": 300}},
			{"id": 502, "title": "Go microservice", "budget": map[string]any{"minimum": 500, "maximum": 900}},
		},
		"total_count": 2,
	})
}

func (s *Server) handleProject(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(chi.URLParam(r, "projectID"))
	writeResult(w, map[string]any{"id": id, "title": "Project " + strconv.Itoa(id)})
}

func (s *Server) handleContest(w http.ResponseWriter, r *http.Request) {
	body := bodyOf(r)
	s.mu.Lock()
	s.seq++
	body["id"] = s.seq
	s.mu.Unlock()
	body["status"] = "active"
	writeResult(w, body)
}

func (s *Server) handlePublicUser(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.counters["public:user"]++
	s.requests = append(s.requests, Request{Method: r.Method, Path: r.URL.Path, RemoteAddr: r.RemoteAddr, UserAgent: r.UserAgent(), Authorization: r.Header.Get("Authorization")})
	s.mu.Unlock()

	switch username := chi.URLParam(r, "username"); username {
	case "broken":
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>maintenance</html>"))
	case "missing":
		http.NotFound(w, r)
	default:
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"result": map[string]any{
				"id": 77, "username": username, "display_name": "Public " + username,
				"reputation": map[string]any{"entire_history": map[string]any{"overall": 4.9, "reviews": 12}},
				"location":   map[string]any{"country": map[string]any{"name": "Portugal"}},
			},
		})
	}
}

func (s *Server) handlePublicProject(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "projectID"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"result": map[string]any{"id": id, "title": "Public project", "status": "active", "bid_stats": map[string]any{"bid_count": 3}},
	})
}

func writeResult(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "success", "result": result})
}

func writeEnvelopeError(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "error", "message": message, "error_code": code})
}

func writeOAuthError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": code})
}
