package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pysugar/marketrelay/internal/accounts"
	"github.com/pysugar/marketrelay/internal/auth/connect"
	"github.com/pysugar/marketrelay/internal/auth/token"
	"github.com/pysugar/marketrelay/internal/db/dbtest"
	"github.com/pysugar/marketrelay/internal/db/models"
	"github.com/pysugar/marketrelay/internal/egress"
	"github.com/pysugar/marketrelay/internal/logging"
	"github.com/pysugar/marketrelay/internal/marketplace"
	"github.com/pysugar/marketrelay/internal/mirror"
	"github.com/pysugar/marketrelay/internal/notify"
	"github.com/pysugar/marketrelay/internal/platformtest"
	"github.com/pysugar/marketrelay/internal/scraper"
	"github.com/pysugar/marketrelay/internal/upstream"
	"github.com/pysugar/marketrelay/internal/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const apiKey = "test-key"

type recordingSync struct {
	mu       sync.Mutex
	accounts []string
	threads  []string
}

func (s *recordingSync) TriggerAccount(accountID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts = append(s.accounts, accountID)
	return true
}

func (s *recordingSync) TriggerThread(_, threadID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads = append(s.threads, threadID)
	return true
}

type testAPI struct {
	fake   *platformtest.Server
	db     *gorm.DB
	egress *egress.Registry
	hub    *notify.Hub
	sync   *recordingSync
	server *httptest.Server
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	fake := platformtest.New(t)
	database := dbtest.New(t)
	log := logging.Discard()
	platforms := fake.Registry()

	eg := egress.NewRegistry(database, egress.NewTransports(5*time.Second), log, nil)
	store := mirror.NewStore(database, log)
	accts := accounts.NewRegistry(database, platforms, eg, store, log)
	tokens := token.NewManager(database, platforms, eg, log, nil)
	exec := upstream.NewClient(platforms, tokens, eg, accts, upstream.Config{Timeout: 2 * time.Second, RetryBackoff: 10 * time.Millisecond}, log, nil)
	hub := notify.NewHub(16, log)
	trigger := &recordingSync{}

	router := NewRouter(Deps{
		APIKey:      apiKey,
		DB:          database,
		Accounts:    accts,
		Egress:      eg,
		Connect:     connect.NewManager(database, platforms, accts, eg, exec, connect.Options{StateTTL: time.Minute, CaptureCallerIP: true}, log),
		Webhooks:    webhook.NewIngestor(database, platforms, accts, store, hub, log, nil),
		Marketplace: marketplace.NewService(exec, store, trigger, log),
		Sync:        trigger,
		Hub:         hub,
		Scraper:     scraper.NewClient(platforms, nil, eg.Transports(), scraper.Config{RequestsPerMinute: 100, Timeout: 2 * time.Second}, log, nil),
		Log:         log,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testAPI{fake: fake, db: database, egress: eg, hub: hub, sync: trigger, server: srv}
}

type apiResponse struct {
	Status  int               `json:"-"`
	Header  http.Header       `json:"-"`
	Success bool              `json:"success"`
	Message string            `json:"message"`
	Error   string            `json:"error"`
	Fields  map[string]string `json:"fields"`
	Data    json.RawMessage   `json:"data"`
	Raw     []byte            `json:"-"`
}

func (a *testAPI) do(t *testing.T, method, path, user string, body any) *apiResponse {
	t.Helper()
	var reader io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			reader = strings.NewReader(b)
		default:
			data, err := json.Marshal(b)
			require.NoError(t, err)
			reader = strings.NewReader(string(data))
		}
	}
	req, err := http.NewRequest(method, a.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+apiKey)
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	resp, err := a.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := &apiResponse{Status: resp.StatusCode, Header: resp.Header}
	out.Raw, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = json.Unmarshal(out.Raw, out)
	return out
}

func (r *apiResponse) decode(t *testing.T, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(r.Data, v), string(r.Raw))
}

func TestHealthz(t *testing.T) {
	a := newTestAPI(t)
	resp, err := http.Get(a.server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, body["version"])
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestAuthentication(t *testing.T) {
	a := newTestAPI(t)

	resp, err := http.Get(a.server.URL + "/accounts/acme")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	assert.Equal(t, http.StatusUnauthorized, a.do(t, http.MethodGet, "/accounts/acme", "", nil).Status)
	assert.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/accounts/acme", "alice", nil).Status)
}

func TestConnectFlow(t *testing.T) {
	a := newTestAPI(t)

	start := a.do(t, http.MethodGet, "/connect/acme?format=json", "alice", nil)
	require.Equal(t, http.StatusOK, start.Status, string(start.Raw))
	var started struct {
		URL   string `json:"url"`
		State string `json:"state"`
	}
	require.NoError(t, json.Unmarshal(start.Raw, &started))
	assert.True(t, strings.HasPrefix(started.URL, a.fake.URL+"/oauth/authorize"))
	assert.Len(t, started.State, 43)

	q := url.Values{"code": {a.fake.IssueCode()}, "state": {started.State}}
	resp, err := http.Get(a.server.URL + "/connect/acme/callback?" + q.Encode())
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var done struct {
		Success bool              `json:"success"`
		Account map[string]string `json:"account"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&done))
	assert.True(t, done.Success)
	assert.Equal(t, "jane_dev", done.Account["username"])
	assert.Equal(t, "jane@example.com", done.Account["email"])
	assert.Equal(t, "acme", done.Account["platform"])
	assert.Equal(t, "127.0.0.1", done.Account["ip"], "caller address was captured as the egress")

	replay, err := http.Get(a.server.URL + "/connect/acme/callback?" + q.Encode())
	require.NoError(t, err)
	replay.Body.Close()
	assert.Equal(t, http.StatusBadRequest, replay.StatusCode, "state is single use")
}

func TestConnectRedirects(t *testing.T) {
	a := newTestAPI(t)
	req, err := http.NewRequest(http.MethodGet, a.server.URL+"/connect/acme", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("X-User-ID", "alice")

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Location"), a.fake.URL+"/oauth/authorize"))

	unknown := a.do(t, http.MethodGet, "/connect/nope?format=json", "alice", nil)
	assert.Equal(t, http.StatusNotFound, unknown.Status)
}

func TestWebhookEndpoint(t *testing.T) {
	a := newTestAPI(t)
	acct := a.fake.SeedAccount(t, a.db, a.egress, "alice")

	body, _ := json.Marshal(map[string]any{
		"owner":   map[string]any{"id": 1001},
		"thread":  map[string]any{"id": 42, "members": []any{1001, 7}, "time_updated": 1700000000},
		"message": map[string]any{"id": 900, "thread_id": 42, "from_user": 7, "message": "hello", "time_created": 1700000000},
	})
	post := func(platform, event, sig string, payload []byte) *http.Response {
		req, err := http.NewRequest(http.MethodPost, a.server.URL+"/webhooks/"+platform, strings.NewReader(string(payload)))
		require.NoError(t, err)
		req.Header.Set("X-Platform-Event", event)
		req.Header.Set("X-Platform-Signature", sig)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	resp := post("acme", "message.new", webhook.Sign(platformtest.WebhookSecret, body), body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res webhook.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.Equal(t, webhook.StatusOK, res.Status)

	var count int64
	require.NoError(t, a.db.Model(&models.Message{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)

	threads := a.do(t, http.MethodGet, "/accounts/acme/"+acct.ID+"/threads", "alice", nil)
	require.Equal(t, http.StatusOK, threads.Status)
	var listed struct {
		Count int `json:"count"`
	}
	threads.decode(t, &listed)
	assert.Equal(t, 1, listed.Count)

	assert.Equal(t, http.StatusUnauthorized, post("acme", "message.new", "bad", body).StatusCode)
	assert.Equal(t, http.StatusNotFound, post("nope", "message.new", "", body).StatusCode)
	assert.Equal(t, http.StatusBadRequest, post("acme", "message.new", webhook.Sign(platformtest.WebhookSecret, []byte("{")), []byte("{")).StatusCode)

	ignored := post("acme", "project.updated", webhook.Sign(platformtest.WebhookSecret, body), body)
	require.Equal(t, http.StatusOK, ignored.StatusCode)
	require.NoError(t, json.NewDecoder(ignored.Body).Decode(&res))
	assert.Equal(t, webhook.StatusIgnored, res.Status)
}

func TestAccountLifecycle(t *testing.T) {
	a := newTestAPI(t)
	acct := a.fake.SeedAccount(t, a.db, a.egress, "alice")
	base := "/accounts/acme/" + acct.ID

	got := a.do(t, http.MethodGet, "/accounts/acme/jane_dev", "alice", nil)
	require.Equal(t, http.StatusOK, got.Status)
	var view map[string]any
	got.decode(t, &view)
	assert.Equal(t, acct.ID, view["id"])
	assert.NotContains(t, string(got.Raw), acct.AccessToken, "tokens never leave the service")

	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodGet, base, "mallory", nil).Status, "accounts are scoped to their owner")

	paused := a.do(t, http.MethodPatch, base, "alice", map[string]any{"status": "paused"})
	require.Equal(t, http.StatusOK, paused.Status, string(paused.Raw))
	paused.decode(t, &view)
	assert.Equal(t, "paused", view["status"])

	assert.Equal(t, http.StatusConflict, a.do(t, http.MethodPatch, base, "alice", map[string]any{"status": "pending"}).Status)
	assert.Equal(t, http.StatusConflict, a.do(t, http.MethodGet, base+"/profile", "alice", nil).Status, "paused accounts make no calls")
	assert.Equal(t, http.StatusConflict, a.do(t, http.MethodPost, base+"/sync", "alice", nil).Status)

	a.do(t, http.MethodPatch, base, "alice", map[string]any{"status": "active"})
	synced := a.do(t, http.MethodPost, base+"/sync", "alice", nil)
	assert.Equal(t, http.StatusAccepted, synced.Status)
	assert.Equal(t, []string{acct.ID}, a.sync.accounts)

	deleted := a.do(t, http.MethodDelete, base, "alice", nil)
	require.Equal(t, http.StatusOK, deleted.Status)
	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodGet, base, "alice", nil).Status)

	egressList := a.do(t, http.MethodGet, "/egress", "alice", nil)
	var eg struct {
		Egress []models.EgressIdentity `json:"egress"`
	}
	egressList.decode(t, &eg)
	require.Len(t, eg.Egress, 1)
	assert.False(t, eg.Egress[0].Assigned, "deleting an account frees its egress")
}

func TestCreateAccountValidation(t *testing.T) {
	a := newTestAPI(t)
	resp := a.do(t, http.MethodPost, "/accounts/acme", "alice", `{"username": 5}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Status)
	assert.Contains(t, resp.Fields, "body")

	noEgress := a.do(t, http.MethodPost, "/accounts/acme", "alice", map[string]any{"username": "jane"})
	assert.Equal(t, http.StatusBadRequest, noEgress.Status, string(noEgress.Raw))
}

func TestMarketplaceEndpoints(t *testing.T) {
	a := newTestAPI(t)
	acct := a.fake.SeedAccount(t, a.db, a.egress, "alice")
	base := "/accounts/acme/" + acct.ID

	bid := a.do(t, http.MethodPost, base+"/projects/501/bid", "alice", map[string]any{"amount": 250, "period": 5, "description": "I can do this"})
	require.Equal(t, http.StatusCreated, bid.Status, string(bid.Raw))
	var placed marketplace.Bid
	bid.decode(t, &placed)
	assert.Equal(t, "501", placed.ProjectID.String())
	assert.Equal(t, "1001", placed.BidderID.String())

	invalid := a.do(t, http.MethodPost, base+"/projects/501/bid", "alice", map[string]any{"amount": -1})
	assert.Equal(t, http.StatusUnprocessableEntity, invalid.Status)
	assert.Contains(t, invalid.Fields, "amount")
	assert.Contains(t, invalid.Fields, "description")

	projects := a.do(t, http.MethodGet, base+"/projects?query=go&limit=5", "alice", nil)
	assert.Equal(t, http.StatusOK, projects.Status, string(projects.Raw))

	profile := a.do(t, http.MethodGet, base+"/profile", "alice", nil)
	require.Equal(t, http.StatusOK, profile.Status)
	assert.Contains(t, string(profile.Data), "jane_dev")

	a.fake.FailNext(http.StatusInternalServerError)
	failed := a.do(t, http.MethodGet, base+"/profile", "alice", nil)
	assert.Equal(t, http.StatusBadGateway, failed.Status)
}

func TestMessagingEndpoints(t *testing.T) {
	a := newTestAPI(t)
	acct := a.fake.SeedAccount(t, a.db, a.egress, "alice")
	base := "/accounts/acme/" + acct.ID

	created := a.do(t, http.MethodPost, base+"/threads", "alice", map[string]any{"members": []string{"7"}, "message": "hi"})
	require.Equal(t, http.StatusCreated, created.Status, string(created.Raw))
	var th models.Thread
	created.decode(t, &th)

	sent := a.do(t, http.MethodPost, base+"/threads/"+th.ID+"/messages", "alice", map[string]any{"message": "follow up"})
	require.Equal(t, http.StatusCreated, sent.Status, string(sent.Raw))

	listed := a.do(t, http.MethodGet, base+"/threads/"+th.ID+"/messages", "alice", nil)
	require.Equal(t, http.StatusOK, listed.Status)
	var msgs struct {
		Messages []models.Message `json:"messages"`
	}
	listed.decode(t, &msgs)
	require.Len(t, msgs.Messages, 1)
	assert.Equal(t, "follow up", msgs.Messages[0].Body)

	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodGet, base+"/threads/nope/messages", "alice", nil).Status)
	assert.Equal(t, http.StatusUnprocessableEntity, a.do(t, http.MethodPost, base+"/threads", "alice", map[string]any{}).Status)
}

func TestExpiredAccountAsksForReauthorization(t *testing.T) {
	a := newTestAPI(t)
	acct := a.fake.SeedAccount(t, a.db, a.egress, "alice")
	require.NoError(t, a.db.Model(acct).Update("status", models.StatusExpired).Error)

	resp := a.do(t, http.MethodGet, "/accounts/acme/"+acct.ID+"/profile", "alice", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.Status)
	assert.Contains(t, resp.Error, "re-authorize")
}

func TestEgressEndpoints(t *testing.T) {
	a := newTestAPI(t)

	imported := a.do(t, http.MethodPost, "/egress/import", "alice", map[string]any{"egress": []map[string]any{
		{"kind": "proxy", "address": "10.0.0.1", "port": 3128},
		{"kind": "proxy", "address": "10.0.0.2", "port": 3128},
	}})
	require.Equal(t, http.StatusOK, imported.Status, string(imported.Raw))
	var res egress.ImportResult
	imported.decode(t, &res)
	assert.Equal(t, 2, res.Created)

	created := a.do(t, http.MethodPost, "/accounts/acme", "alice", map[string]any{"username": "jane", "egress": "10.0.0.2"})
	require.Equal(t, http.StatusCreated, created.Status, string(created.Raw))
	var acct models.PlatformAccount
	created.decode(t, &acct)

	second := a.do(t, http.MethodPost, "/accounts/acme/"+acct.ID+"/rebind", "alice", map[string]any{"egress": "10.0.0.1"})
	require.Equal(t, http.StatusOK, second.Status, string(second.Raw))

	released := a.do(t, http.MethodDelete, "/egress/10.0.0.1/assignment", "alice", nil)
	assert.Equal(t, http.StatusOK, released.Status)
	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodDelete, "/egress/10.9.9.9/assignment", "alice", nil).Status)
	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodDelete, "/egress/10.0.0.1/assignment", "bob", nil).Status, "other users cannot see the identity")

	assert.Equal(t, http.StatusUnprocessableEntity, a.do(t, http.MethodPost, "/egress/import", "alice", "[]").Status)
}

func TestPublicEndpoints(t *testing.T) {
	a := newTestAPI(t)

	resp := a.do(t, http.MethodGet, "/public/acme/users/bob", "", nil)
	require.Equal(t, http.StatusOK, resp.Status)
	var profile scraper.PublicProfile
	resp.decode(t, &profile)
	assert.Equal(t, "Public bob", profile.DisplayName)

	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodGet, "/public/acme/users/broken", "", nil).Status)
	assert.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/public/acme/projects/501", "", nil).Status)
}

func TestEventsStream(t *testing.T) {
	a := newTestAPI(t)
	acct := a.fake.SeedAccount(t, a.db, a.egress, "alice")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.server.URL+"/accounts/acme/"+acct.ID+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("X-User-ID", "alice")

	resp, err := a.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, ": subscribed"), line)

	require.Eventually(t, func() bool { return a.hub.Subscribers(acct.ID) == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, a.hub.Publish(ctx, notify.Event{Type: notify.TypeNewMessage, AccountID: acct.ID, MessageID: "m1", Body: "hello"}))

	var data string
	for data == "" {
		line, err = reader.ReadString('\n')
		require.NoError(t, err)
		if rest, ok := strings.CutPrefix(line, "data: "); ok {
			data = strings.TrimSpace(rest)
		}
	}
	var ev notify.Event
	require.NoError(t, json.Unmarshal([]byte(data), &ev))
	assert.Equal(t, "hello", ev.Body)
	assert.Equal(t, acct.ID, ev.AccountID)
}
