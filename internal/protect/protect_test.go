package protect

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAgent(t *testing.T, status int) (*httptest.Server, *[]stateRequest) {
	t.Helper()
	var seen []stateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, statePath, r.URL.Path)
		var req stateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		seen = append(seen, req)
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &seen
}

func testClient(uri string) *Client {
	return NewClient(uri, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestClient_ProtectRoundsUpToMinutes(t *testing.T) {
	srv, seen := newAgent(t, http.StatusOK)
	c := testClient(srv.URL)

	tests := []struct {
		d    time.Duration
		want int
	}{
		{15 * time.Minute, 15},
		{90 * time.Second, 2},
		{time.Second, 1},
		{0, 1},
	}

	for _, tt := range tests {
		require.NoError(t, c.Protect(context.Background(), tt.d))
	}

	require.Len(t, *seen, len(tests))
	for i, tt := range tests {
		assert.True(t, (*seen)[i].ProtectionEnabled)
		assert.Equal(t, tt.want, (*seen)[i].ExpiresInMinutes, "duration %s", tt.d)
	}
}

func TestClient_UnprotectDisables(t *testing.T) {
	srv, seen := newAgent(t, http.StatusOK)
	c := testClient(srv.URL)

	require.NoError(t, c.Unprotect(context.Background()))
	require.Len(t, *seen, 1)
	assert.False(t, (*seen)[0].ProtectionEnabled)
	assert.Zero(t, (*seen)[0].ExpiresInMinutes)
}

func TestClient_AgentErrorSurfaces(t *testing.T) {
	srv, _ := newAgent(t, http.StatusTooManyRequests)
	c := testClient(srv.URL)

	err := c.Protect(context.Background(), time.Minute)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestClient_UnreachableAgent(t *testing.T) {
	c := testClient("http://127.0.0.1:1")

	err := c.Protect(context.Background(), time.Minute)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unreachable")
}

func TestNoop(t *testing.T) {
	var p Noop
	assert.NoError(t, p.Protect(context.Background(), time.Minute))
	assert.NoError(t, p.Unprotect(context.Background()))
}
