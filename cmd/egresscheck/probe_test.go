package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pysugar/marketrelay/internal/db/models"
	"github.com/pysugar/marketrelay/internal/egress"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, _ := net.SplitHostPort(r.RemoteAddr)
		_ = json.NewEncoder(w).Encode(map[string]string{"ip": host})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestProbe_LocalIdentity(t *testing.T) {
	srv := echoServer(t)
	e := &models.EgressIdentity{ID: "l1", Kind: models.EgressLocal, Address: "127.0.0.1", Active: true}

	res := probe(context.Background(), egress.NewTransports(time.Second), e, srv.URL)
	require.NoError(t, res.Err)
	assert.True(t, res.OK())
	assert.Equal(t, "127.0.0.1", res.Observed)
	assert.Contains(t, res.Line(e), "OK")
}

func TestProbe_DeadProxy(t *testing.T) {
	srv := echoServer(t)
	e := &models.EgressIdentity{ID: "p1", Kind: models.EgressProxy, Address: "127.0.0.1", Port: 1, Active: true, Assigned: true}

	res := probe(context.Background(), egress.NewTransports(time.Second), e, srv.URL)
	assert.Error(t, res.Err)
	assert.False(t, res.OK())
	assert.Contains(t, res.Line(e), "FAIL")
	assert.Contains(t, res.Line(e), "assigned")
}
