// ABOUTME: Tests for the gateway HTTP API handlers
// ABOUTME: Exercises session, token and auth endpoints against a real store

package gateway

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley-gateway/internal/config"
)

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()

	cfg := &config.Config{
		Server:   config.ServerConfig{HTTPAddr: "localhost:0"},
		Database: config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "gateway.db")},
		Keys: config.KeysConfig{
			Active: config.KeyConfig{ID: "k1", Secret: "test-signing-secret"},
		},
		Sessions: config.SessionsConfig{
			TokenTTL:   5 * time.Minute,
			SessionTTL: time.Hour,
		},
		Features: config.FeaturesConfig{PlatformToken: true},
	}

	gw, err := New(cfg, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { gw.store.Close() })
	return gw
}

func doJSON(t *testing.T, gw *Gateway, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	gw.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func createSession(t *testing.T, gw *Gateway) SessionResponse {
	t.Helper()

	rec := doJSON(t, gw, http.MethodPost, "/api/sessions",
		CreateSessionRequest{Purpose: "support-call"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp SessionResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestHandleSessions_Create(t *testing.T) {
	gw := newTestGateway(t)

	sess := createSession(t, gw)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, "created", sess.State)
	assert.Equal(t, "support-call", sess.Purpose)
	assert.NotEmpty(t, sess.ExpiresAt)
}

func TestHandleSessions_InvalidBody(t *testing.T) {
	gw := newTestGateway(t)

	req := httptest.NewRequest(http.MethodPost, "/api/sessions",
		bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	gw.httpServer.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSessions_MethodNotAllowed(t *testing.T) {
	gw := newTestGateway(t)

	rec := doJSON(t, gw, http.MethodGet, "/api/sessions", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleGetSession(t *testing.T) {
	gw := newTestGateway(t)
	sess := createSession(t, gw)

	rec := doJSON(t, gw, http.MethodGet, "/api/sessions/"+sess.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got SessionResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, sess.ID, got.ID)
}

func TestHandleGetSession_NotFound(t *testing.T) {
	gw := newTestGateway(t)

	rec := doJSON(t, gw, http.MethodGet, "/api/sessions/no-such-session", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIssueAndValidateOverHTTP(t *testing.T) {
	gw := newTestGateway(t)
	sess := createSession(t, gw)

	rec := doJSON(t, gw, http.MethodPost, "/api/sessions/"+sess.ID+"/tokens",
		IssueTokenRequest{Subject: "alice", Scope: "observe"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var issued IssueTokenResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&issued))
	require.NotEmpty(t, issued.Token)

	rec = doJSON(t, gw, http.MethodPost, "/api/tokens/validate",
		ValidateTokenRequest{Token: issued.Token})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var validated ValidateTokenResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&validated))
	assert.Equal(t, "alice", validated.Subject)
	assert.Equal(t, sess.ID, validated.SessionID)
	assert.Equal(t, "observe", validated.Scope)
}

func TestValidateToken_Garbage(t *testing.T) {
	gw := newTestGateway(t)

	rec := doJSON(t, gw, http.MethodPost, "/api/tokens/validate",
		ValidateTokenRequest{Token: "not-a-jwt"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestValidateToken_MissingToken(t *testing.T) {
	gw := newTestGateway(t)

	rec := doJSON(t, gw, http.MethodPost, "/api/tokens/validate",
		ValidateTokenRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRevokeDeniesOutstandingToken(t *testing.T) {
	gw := newTestGateway(t)
	sess := createSession(t, gw)

	rec := doJSON(t, gw, http.MethodPost, "/api/sessions/"+sess.ID+"/tokens",
		IssueTokenRequest{Subject: "alice", Scope: "observe"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var issued IssueTokenResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&issued))

	rec = doJSON(t, gw, http.MethodPost, "/api/sessions/"+sess.ID+"/revoke", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var revoked SessionResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&revoked))
	assert.Equal(t, "revoked", revoked.State)

	rec = doJSON(t, gw, http.MethodPost, "/api/tokens/validate",
		ValidateTokenRequest{Token: issued.Token})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestBeginAuth_Disabled(t *testing.T) {
	gw := newTestGateway(t)
	sess := createSession(t, gw)

	rec := doJSON(t, gw, http.MethodPost, "/api/sessions/"+sess.ID+"/auth", nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestAuthCallback_MissingParams(t *testing.T) {
	gw := newTestGateway(t)

	rec := doJSON(t, gw, http.MethodGet, "/auth/callback", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTokensDisabledOverHTTP(t *testing.T) {
	cfg := &config.Config{
		Server:   config.ServerConfig{HTTPAddr: "localhost:0"},
		Database: config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "gateway.db")},
	}
	gw, err := New(cfg, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { gw.store.Close() })

	sess := createSession(t, gw)

	rec := doJSON(t, gw, http.MethodPost, "/api/sessions/"+sess.ID+"/tokens",
		IssueTokenRequest{Subject: "alice", Scope: "join"})
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestUnknownSessionResource(t *testing.T) {
	gw := newTestGateway(t)
	sess := createSession(t, gw)

	rec := doJSON(t, gw, http.MethodPost, "/api/sessions/"+sess.ID+"/frobnicate", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	gw := newTestGateway(t)

	rec := doJSON(t, gw, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}
