package connect

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/pysugar/marketrelay/internal/accounts"
	"github.com/pysugar/marketrelay/internal/auth/token"
	"github.com/pysugar/marketrelay/internal/db/dbtest"
	"github.com/pysugar/marketrelay/internal/db/models"
	"github.com/pysugar/marketrelay/internal/egress"
	"github.com/pysugar/marketrelay/internal/identity"
	"github.com/pysugar/marketrelay/internal/logging"
	"github.com/pysugar/marketrelay/internal/mirror"
	"github.com/pysugar/marketrelay/internal/platformtest"
	"github.com/pysugar/marketrelay/internal/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fixture struct {
	fake     *platformtest.Server
	db       *gorm.DB
	egress   *egress.Registry
	accounts *accounts.Registry
	manager  *Manager
}

func newFixture(t *testing.T, capture bool) *fixture {
	t.Helper()
	fake := platformtest.New(t)
	database := dbtest.New(t)
	log := logging.Discard()
	platforms := fake.Registry()

	eg := egress.NewRegistry(database, egress.NewTransports(5*time.Second), log, nil)
	accts := accounts.NewRegistry(database, platforms, eg, mirror.NewStore(database, log), log)
	tokens := token.NewManager(database, platforms, eg, log, nil)
	exec := upstream.NewClient(platforms, tokens, eg, accts, upstream.Config{Timeout: 2 * time.Second}, log, nil)
	m := NewManager(database, platforms, accts, eg, exec, Options{StateTTL: time.Minute, CaptureCallerIP: capture}, log)
	return &fixture{fake: fake, db: database, egress: eg, accounts: accts, manager: m}
}

var alice = identity.Caller{UserID: "alice"}

func TestBuildAuthorizationURL(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	_, err := f.egress.CaptureLocal(ctx, "alice", "127.0.0.1")
	require.NoError(t, err)

	raw, state, err := f.manager.BuildAuthorizationURL(ctx, alice, AuthorizeRequest{Platform: "ACME"})
	require.NoError(t, err)
	assert.Len(t, state, 43)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, platformtest.ClientID, q.Get("client_id"))
	assert.Equal(t, f.fake.Platform.RedirectURL, q.Get("redirect_uri"))
	assert.Equal(t, "basic advanced", q.Get("scope"))
	assert.Equal(t, state, q.Get("state"))

	var row models.OAuthState
	require.NoError(t, f.db.First(&row, "token = ?", state).Error)
	assert.Equal(t, "alice", row.UserID)
	assert.Equal(t, "acme", row.Platform)
	assert.NotEmpty(t, row.EgressID)
}

func TestBuildAuthorizationURL_Errors(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	_, _, err := f.manager.BuildAuthorizationURL(ctx, identity.Caller{}, AuthorizeRequest{Platform: "acme"})
	var verr *accounts.ValidationError
	assert.ErrorAs(t, err, &verr)

	_, _, err = f.manager.BuildAuthorizationURL(ctx, alice, AuthorizeRequest{Platform: "nope"})
	assert.ErrorIs(t, err, ErrUnknownPlatform)

	_, _, err = f.manager.BuildAuthorizationURL(ctx, alice, AuthorizeRequest{Platform: "acme", ClientIP: "127.0.0.1"})
	assert.ErrorIs(t, err, egress.ErrNoEgressAvailable, "capture disabled")

	_, _, err = f.manager.BuildAuthorizationURL(ctx, alice, AuthorizeRequest{Platform: "acme", EgressRef: "10.9.9.9"})
	assert.ErrorIs(t, err, egress.ErrEgressNotFound)
}

func TestBuildAuthorizationURL_CapturesCallerAddress(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	_, state, err := f.manager.BuildAuthorizationURL(ctx, alice, AuthorizeRequest{Platform: "acme", ClientIP: "127.0.0.1:53211"})
	require.NoError(t, err)

	identities, err := f.egress.List(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, identities, 1)
	assert.Equal(t, "127.0.0.1", identities[0].Address)

	var row models.OAuthState
	require.NoError(t, f.db.First(&row, "token = ?", state).Error)
	assert.Equal(t, identities[0].ID, row.EgressID)
}

func TestBuildAuthorizationURL_ForeignCallerAddressIsNotCaptured(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	_, _, err := f.manager.BuildAuthorizationURL(ctx, alice, AuthorizeRequest{Platform: "acme", ClientIP: "203.0.113.7:41000"})
	assert.ErrorIs(t, err, egress.ErrNoEgressAvailable)

	identities, err := f.egress.List(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, identities)
}

func TestCompleteAuthorization_ActivatesAccount(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	_, state, err := f.manager.BuildAuthorizationURL(ctx, alice, AuthorizeRequest{Platform: "acme", ClientIP: "127.0.0.1"})
	require.NoError(t, err)

	acct, err := f.manager.CompleteAuthorization(ctx, f.fake.IssueCode(), state)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, acct.Status)
	assert.True(t, acct.Verified)
	assert.Equal(t, "1001", acct.ExternalID)
	assert.Equal(t, "jane_dev", acct.Username)
	assert.Equal(t, "jane@example.com", acct.Email)
	assert.NotEmpty(t, acct.AccessToken)
	assert.NotEmpty(t, acct.RefreshToken)
	require.NotNil(t, acct.EgressID)
	assert.Contains(t, string(acct.Metadata), "jane_dev")

	e, err := f.egress.Get(ctx, *acct.EgressID)
	require.NoError(t, err)
	assert.True(t, e.Assigned)
	assert.Equal(t, "127.0.0.1", e.Address)

	// single use
	_, err = f.manager.CompleteAuthorization(ctx, f.fake.IssueCode(), state)
	assert.ErrorIs(t, err, ErrInvalidOrExpiredState)
}

func TestCompleteAuthorization_StateRaceHasOneWinner(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	_, state, err := f.manager.BuildAuthorizationURL(ctx, alice, AuthorizeRequest{Platform: "acme", ClientIP: "127.0.0.1"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make(chan error, 4)
	for i := 0; i < 4; i++ {
		code := f.fake.IssueCode()
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.manager.CompleteAuthorization(ctx, code, state)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrInvalidOrExpiredState)
	}
	assert.Equal(t, 1, succeeded)
}

func TestCompleteAuthorization_RejectsExpiredAndUnknownState(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	_, err := f.manager.CompleteAuthorization(ctx, "code", "missing")
	assert.ErrorIs(t, err, ErrInvalidOrExpiredState)

	_, state, err := f.manager.BuildAuthorizationURL(ctx, alice, AuthorizeRequest{Platform: "acme", ClientIP: "127.0.0.1"})
	require.NoError(t, err)
	f.manager.now = func() time.Time { return time.Now().UTC().Add(2 * time.Minute) }

	_, err = f.manager.CompleteAuthorization(ctx, f.fake.IssueCode(), state)
	assert.ErrorIs(t, err, ErrInvalidOrExpiredState)

	var count int64
	require.NoError(t, f.db.Model(&models.OAuthState{}).Count(&count).Error)
	assert.Zero(t, count, "expired state is consumed too")
}

func TestCompleteAuthorization_ReloginKeepsExistingEgress(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	_, state, err := f.manager.BuildAuthorizationURL(ctx, alice, AuthorizeRequest{Platform: "acme", ClientIP: "127.0.0.1"})
	require.NoError(t, err)
	first, err := f.manager.CompleteAuthorization(ctx, f.fake.IssueCode(), state)
	require.NoError(t, err)

	// A second identity that would fail if it were used.
	_, err = f.egress.Import(ctx, "alice", []egress.Spec{{Kind: "proxy", Address: "127.0.0.1", Port: 1}})
	require.NoError(t, err)
	proxy, err := f.egress.Allocate(ctx, "alice", "")
	require.NoError(t, err)

	require.NoError(t, f.db.Create(&models.OAuthState{
		Token:     "relogin",
		UserID:    "alice",
		Platform:  "acme",
		EgressID:  proxy.ID,
		ExpiresAt: time.Now().UTC().Add(time.Minute),
	}).Error)
	require.NoError(t, f.accounts.RecordFailure(ctx, first.ID, "token revoked", true))

	second, err := f.manager.CompleteAuthorization(ctx, f.fake.IssueCode(), "relogin")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, *first.EgressID, *second.EgressID)
	assert.Equal(t, models.StatusActive, second.Status)
	assert.Empty(t, second.LastError)

	p, err := f.egress.Get(ctx, proxy.ID)
	require.NoError(t, err)
	assert.False(t, p.Assigned)
}

func TestCompleteAuthorization_FailedExchangeDiscardsPendingAccount(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	_, state, err := f.manager.BuildAuthorizationURL(ctx, alice, AuthorizeRequest{Platform: "acme", ClientIP: "127.0.0.1"})
	require.NoError(t, err)

	_, err = f.manager.CompleteAuthorization(ctx, "not-issued", state)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCodeExchange))

	acct, err := f.accounts.FindForUser(ctx, "alice", "acme")
	require.NoError(t, err)
	assert.Nil(t, acct)

	identities, err := f.egress.List(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, identities, 1)
	assert.False(t, identities[0].Assigned)
}

func TestCompleteAuthorization_RequiresCode(t *testing.T) {
	f := newFixture(t, true)
	_, err := f.manager.CompleteAuthorization(context.Background(), "", "state")
	var verr *accounts.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestPurgeExpiredStates(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, f.db.Create(&[]models.OAuthState{
		{Token: "old", UserID: "alice", Platform: "acme", ExpiresAt: now.Add(-time.Second)},
		{Token: "new", UserID: "alice", Platform: "acme", ExpiresAt: now.Add(time.Minute)},
	}).Error)

	n, err := f.manager.PurgeExpiredStates(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}
