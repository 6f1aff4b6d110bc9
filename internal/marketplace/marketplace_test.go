package marketplace

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/pysugar/marketrelay/internal/accounts"
	"github.com/pysugar/marketrelay/internal/auth/token"
	"github.com/pysugar/marketrelay/internal/db/dbtest"
	"github.com/pysugar/marketrelay/internal/db/models"
	"github.com/pysugar/marketrelay/internal/egress"
	"github.com/pysugar/marketrelay/internal/logging"
	"github.com/pysugar/marketrelay/internal/mirror"
	"github.com/pysugar/marketrelay/internal/platformtest"
	"github.com/pysugar/marketrelay/internal/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingTrigger struct {
	mu       sync.Mutex
	accounts []string
	threads  []string
}

func (r *recordingTrigger) TriggerAccount(accountID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts = append(r.accounts, accountID)
	return true
}

func (r *recordingTrigger) TriggerThread(_, threadID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.threads = append(r.threads, threadID)
	return true
}

type fixture struct {
	fake    *platformtest.Server
	store   *mirror.Store
	trigger *recordingTrigger
	svc     *Service
	acct    *models.PlatformAccount
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fake := platformtest.New(t)
	database := dbtest.New(t)
	log := logging.Discard()
	platforms := fake.Registry()

	eg := egress.NewRegistry(database, egress.NewTransports(2*time.Second), log, nil)
	store := mirror.NewStore(database, log)
	accts := accounts.NewRegistry(database, platforms, eg, store, log)
	tokens := token.NewManager(database, platforms, eg, log, nil)
	exec := upstream.NewClient(platforms, tokens, eg, accts, upstream.Config{Timeout: time.Second}, log, nil)

	trigger := &recordingTrigger{}
	return &fixture{
		fake:    fake,
		store:   store,
		trigger: trigger,
		svc:     NewService(exec, store, trigger, log),
		acct:    fake.SeedAccount(t, database, eg, "u1"),
	}
}

func TestPlaceBid(t *testing.T) {
	f := newFixture(t)

	bid, err := f.svc.PlaceBid(context.Background(), f.acct, "501", BidRequest{Amount: 250, Period: 5, Description: "I can do it"})
	require.NoError(t, err)
	assert.Equal(t, "501", bid.ProjectID.String())
	assert.Equal(t, "1001", bid.BidderID.String())
	assert.Equal(t, "pending", bid.AwardStatus)

	sent := f.fake.LastRequest()
	assert.Equal(t, http.MethodPost, sent.Method)
	assert.EqualValues(t, 100, sent.Body["milestone_percentage"])
}

func TestPlaceBid_Validation(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.PlaceBid(context.Background(), f.acct, "abc", BidRequest{Amount: 1, Period: 1, Description: "x"})
	var verr *accounts.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "project_id")

	_, err = f.svc.PlaceBid(context.Background(), f.acct, "501", BidRequest{MilestonePercentage: 120})
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Fields, 4)
	assert.Empty(t, f.fake.Requests())
}

func TestProjects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	page, err := f.svc.ListProjects(ctx, f.acct, ProjectQuery{Query: "golang", Limit: 500})
	require.NoError(t, err)
	assert.Equal(t, 2, page.TotalCount)
	require.Len(t, page.Projects, 2)
	assert.Equal(t, "Build a scraper golang", page.Projects[0].Title)
	require.NotNil(t, page.Projects[0].Budget)
	assert.EqualValues(t, 300, page.Projects[0].Budget.Maximum)
	assert.NotEmpty(t, page.Projects[0].Raw)

	p, err := f.svc.GetProject(ctx, f.acct, "77")
	require.NoError(t, err)
	assert.Equal(t, "77", p.ID.String())

	_, err = f.svc.GetProject(ctx, f.acct, "../etc")
	var verr *accounts.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestCreateContest(t *testing.T) {
	f := newFixture(t)

	c, err := f.svc.CreateContest(context.Background(), f.acct, ContestRequest{Title: "Logo", Description: "A logo", Prize: 200, Duration: 7})
	require.NoError(t, err)
	assert.Equal(t, "active", c.Status)
	assert.Equal(t, "USD", f.fake.LastRequest().Body["currency"])

	_, err = f.svc.CreateContest(context.Background(), f.acct, ContestRequest{})
	var verr *accounts.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Fields, 4)
}

func TestCreateThreadAndSendMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	th, err := f.svc.CreateThread(ctx, f.acct, CreateThreadRequest{
		Members:     []mirror.RemoteID{"1001", "7"},
		ContextType: "project",
		ContextID:   "501",
		Message:     "hi there",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, th.RemoteThreadID)
	assert.Equal(t, []string{f.acct.ID}, f.trigger.accounts)
	assert.Equal(t, []string{th.ID}, f.trigger.threads)

	msg, err := f.svc.SendMessage(ctx, f.acct, th.RemoteThreadID, "  follow up ")
	require.NoError(t, err)
	assert.Equal(t, "follow up", msg.Body)
	assert.Equal(t, th.ID, msg.ThreadID)

	msgs, err := f.svc.ListMessages(ctx, f.acct, th.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, msg.RemoteMessageID, msgs[0].RemoteMessageID)

	threads, err := f.svc.ListThreads(ctx, f.acct, 0, 0)
	require.NoError(t, err)
	assert.Len(t, threads, 1)
}

func TestMessagingValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateThread(ctx, f.acct, CreateThreadRequest{})
	var verr *accounts.ValidationError
	assert.ErrorAs(t, err, &verr)

	_, err = f.svc.SendMessage(ctx, f.acct, "t", " ")
	assert.ErrorAs(t, err, &verr)

	_, err = f.svc.SendMessage(ctx, f.acct, "missing", "hello")
	assert.ErrorIs(t, err, mirror.ErrThreadNotFound)
}

func TestProfile(t *testing.T) {
	f := newFixture(t)
	raw, err := f.svc.Profile(context.Background(), f.acct)
	require.NoError(t, err)
	var p platformtest.Profile
	require.NoError(t, json.Unmarshal(raw, &p))
	assert.Equal(t, "jane_dev", p.Username)
}

func TestUpstreamErrorsPropagate(t *testing.T) {
	f := newFixture(t)
	f.fake.FailNext(http.StatusInternalServerError)
	_, err := f.svc.ListProjects(context.Background(), f.acct, ProjectQuery{})
	var upErr *upstream.UpstreamError
	assert.ErrorAs(t, err, &upErr)
}
