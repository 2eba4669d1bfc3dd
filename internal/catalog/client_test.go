package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newAuthServer(t *testing.T, tokenCalls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/devices/connect/token", r.URL.Path)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "gw-client", r.FormValue("client_id"))
		require.Equal(t, "s3cret", r.FormValue("client_secret"))
		tokenCalls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": fmt.Sprintf("tok-%d", tokenCalls.Load()),
			"expires_in":   3600,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTokenSourceCaching(t *testing.T) {
	var calls atomic.Int32
	srv := newAuthServer(t, &calls)

	ts := NewTokenSource(srv.URL, "gw-client", "s3cret", zap.NewNop())

	tok1, err := ts.Token(context.Background())
	require.NoError(t, err)
	tok2, err := ts.Token(context.Background())
	require.NoError(t, err)

	require.Equal(t, tok1, tok2)
	require.EqualValues(t, 1, calls.Load(), "second call must come from the cache")

	ts.Invalidate()
	tok3, err := ts.Token(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, tok1, tok3)
}

func TestClientLoad(t *testing.T) {
	var tokenCalls atomic.Int32
	auth := newAuthServer(t, &tokenCalls)

	deviceID := uuid.New()
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/devices/configurations/gateway/gw-1", r.URL.Path)
		require.Contains(t, r.Header.Get("Authorization"), "Bearer tok-")
		json.NewEncoder(w).Encode(catalogEnvelope{
			Success: true,
			Data: []Device{
				{ID: deviceID, Name: "press-1", Protocol: ProtocolModbus, ConnectionURL: "10.0.0.5:502"},
			},
		})
	}))
	t.Cleanup(api.Close)

	tokens := NewTokenSource(auth.URL, "gw-client", "s3cret", zap.NewNop())
	client := NewClient(api.URL, "gw-1", tokens, zap.NewNop())

	devices, err := client.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 1)
	require.Equal(t, deviceID, devices[0].ID)
	require.Equal(t, ProtocolModbus, devices[0].Protocol)
}

func TestClientLoadRefreshesTokenOn401(t *testing.T) {
	var tokenCalls atomic.Int32
	auth := newAuthServer(t, &tokenCalls)

	var apiCalls atomic.Int32
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if apiCalls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(catalogEnvelope{Success: true, Data: []Device{}})
	}))
	t.Cleanup(api.Close)

	tokens := NewTokenSource(auth.URL, "gw-client", "s3cret", zap.NewNop())
	client := NewClient(api.URL, "gw-1", tokens, zap.NewNop())

	_, err := client.Load(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 2, tokenCalls.Load(), "401 must force a token refresh")
}

func TestClientLoadEnvelopeError(t *testing.T) {
	var tokenCalls atomic.Int32
	auth := newAuthServer(t, &tokenCalls)

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(catalogEnvelope{Success: false, Error: "gateway unknown"})
	}))
	t.Cleanup(api.Close)

	tokens := NewTokenSource(auth.URL, "gw-client", "s3cret", zap.NewNop())
	client := NewClient(api.URL, "gw-1", tokens, zap.NewNop())

	_, err := client.Load(context.Background())
	require.ErrorContains(t, err, "gateway unknown")
}
