// ABOUTME: HTTP API handlers for session lifecycle, token issuance and validation
// ABOUTME: Maps facade errors onto status codes at the transport boundary

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/2389/parley-gateway/internal/authn"
	"github.com/2389/parley-gateway/internal/bridge"
	"github.com/2389/parley-gateway/internal/keys"
	"github.com/2389/parley-gateway/internal/session"
	"github.com/2389/parley-gateway/internal/store"
	"github.com/2389/parley-gateway/internal/token"
)

// CreateSessionRequest is the JSON request body for POST /api/sessions.
type CreateSessionRequest struct {
	Purpose    string          `json:"purpose"`
	Attributes json.RawMessage `json:"attributes,omitempty"`
	TTL        string          `json:"ttl,omitempty"`
}

// SessionResponse is the JSON representation of a session.
type SessionResponse struct {
	ID           string   `json:"id"`
	State        string   `json:"state"`
	Purpose      string   `json:"purpose,omitempty"`
	Provider     string   `json:"provider,omitempty"`
	Subjects     []string `json:"subjects,omitempty"`
	CreatedAt    string   `json:"created_at"`
	ExpiresAt    string   `json:"expires_at"`
	LastActivity string   `json:"last_activity"`
}

// IssueTokenRequest is the JSON request body for POST /api/sessions/{id}/tokens.
type IssueTokenRequest struct {
	Subject string `json:"subject"`
	Scope   string `json:"scope"`
}

// IssueTokenResponse is the JSON response for a token issuance.
type IssueTokenResponse struct {
	Token string `json:"token"`
}

// ValidateTokenRequest is the JSON request body for POST /api/tokens/validate.
type ValidateTokenRequest struct {
	Token string `json:"token"`
}

// ValidateTokenResponse is the JSON response for a successful validation.
type ValidateTokenResponse struct {
	Subject   string `json:"subject"`
	SessionID string `json:"session_id"`
	Scope     string `json:"scope"`
}

// BeginAuthResponse is the JSON response for POST /api/sessions/{id}/auth.
type BeginAuthResponse struct {
	RedirectURL string `json:"redirect_url"`
}

// CallbackResponse is the JSON response for GET /auth/callback.
type CallbackResponse struct {
	SessionID string `json:"session_id"`
	State     string `json:"state"`
}

// handleSessions handles POST /api/sessions requests.
func (g *Gateway) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var ttl time.Duration
	if req.TTL != "" {
		var err error
		ttl, err = time.ParseDuration(req.TTL)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "invalid ttl: "+err.Error())
			return
		}
	}

	sess, err := g.authn.CreateSession(r.Context(), req.Purpose, req.Attributes, ttl)
	if err != nil {
		g.sendJSONError(w, errorStatus(err), err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(sessionResponse(sess))
}

// handleSessionRoutes dispatches /api/sessions/{id} and its sub-resources.
func (g *Gateway) handleSessionRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	sessionID, action, _ := strings.Cut(rest, "/")
	if sessionID == "" {
		g.sendJSONError(w, http.StatusNotFound, "session id required")
		return
	}

	switch action {
	case "":
		g.handleGetSession(w, r, sessionID)
	case "tokens":
		g.handleIssueToken(w, r, sessionID)
	case "auth":
		g.handleBeginAuth(w, r, sessionID)
	case "revoke":
		g.handleRevoke(w, r, sessionID)
	case "close":
		g.handleClose(w, r, sessionID)
	default:
		g.sendJSONError(w, http.StatusNotFound, "unknown resource")
	}
}

// handleGetSession handles GET /api/sessions/{id} requests.
func (g *Gateway) handleGetSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	sess, err := g.store.GetSession(r.Context(), sessionID)
	if err != nil {
		g.sendJSONError(w, errorStatus(err), err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sessionResponse(sess))
}

// handleIssueToken handles POST /api/sessions/{id}/tokens requests.
func (g *Gateway) handleIssueToken(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req IssueTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Subject == "" {
		g.sendJSONError(w, http.StatusBadRequest, "subject is required")
		return
	}

	signed, err := g.authn.IssueToken(r.Context(), sessionID, req.Subject, token.Scope(req.Scope))
	if err != nil {
		g.sendJSONError(w, errorStatus(err), err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(IssueTokenResponse{Token: signed})
}

// handleValidateToken handles POST /api/tokens/validate requests.
func (g *Gateway) handleValidateToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req ValidateTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Token == "" {
		g.sendJSONError(w, http.StatusBadRequest, "token is required")
		return
	}

	authz, err := g.authn.ValidateToken(r.Context(), req.Token, time.Now().UTC())
	if err != nil {
		g.sendJSONError(w, errorStatus(err), err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ValidateTokenResponse{
		Subject:   authz.Subject,
		SessionID: authz.SessionID,
		Scope:     string(authz.Scope),
	})
}

// handleBeginAuth handles POST /api/sessions/{id}/auth requests.
func (g *Gateway) handleBeginAuth(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	redirect, err := g.authn.BeginAuthentication(r.Context(), sessionID)
	if err != nil {
		g.sendJSONError(w, errorStatus(err), err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(BeginAuthResponse{RedirectURL: redirect})
}

// handleAuthCallback handles GET /auth/callback requests from the provider.
func (g *Gateway) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	code := q.Get("code")
	state := q.Get("state")
	if code == "" || state == "" {
		g.sendJSONError(w, http.StatusBadRequest, "code and state are required")
		return
	}

	sess, err := g.authn.CompleteAuthentication(r.Context(), authn.CallbackParams{
		Code:  code,
		State: state,
	})
	if err != nil {
		g.sendJSONError(w, errorStatus(err), err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(CallbackResponse{
		SessionID: sess.ID,
		State:     string(sess.State),
	})
}

// handleRevoke handles POST /api/sessions/{id}/revoke requests.
func (g *Gateway) handleRevoke(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	sess, err := g.authn.Revoke(r.Context(), sessionID)
	if err != nil {
		g.sendJSONError(w, errorStatus(err), err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sessionResponse(sess))
}

// handleClose handles POST /api/sessions/{id}/close requests.
func (g *Gateway) handleClose(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	sess, err := g.authn.CloseSession(r.Context(), sessionID)
	if err != nil {
		g.sendJSONError(w, errorStatus(err), err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sessionResponse(sess))
}

// sessionResponse converts a stored session into its JSON representation.
func sessionResponse(sess *store.Session) SessionResponse {
	return SessionResponse{
		ID:           sess.ID,
		State:        string(sess.State),
		Purpose:      sess.Purpose,
		Provider:     sess.Provider,
		Subjects:     sess.Subjects,
		CreatedAt:    sess.CreatedAt.Format(time.RFC3339),
		ExpiresAt:    sess.ExpiresAt.Format(time.RFC3339),
		LastActivity: sess.LastActivity.Format(time.RFC3339),
	}
}

// errorStatus maps facade and store errors onto HTTP status codes.
// Token failures of every kind come back 401 so callers cannot probe which
// check failed; state-based denials are 403.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, token.ErrMalformed),
		errors.Is(err, token.ErrBadSignature),
		errors.Is(err, token.ErrExpired),
		errors.Is(err, token.ErrInvalidClaims),
		errors.Is(err, keys.ErrKeyNotFound),
		errors.Is(err, store.ErrTokenAlreadyUsed):
		return http.StatusUnauthorized
	case errors.Is(err, authn.ErrSessionNotLive),
		errors.Is(err, authn.ErrAuthRequired),
		errors.Is(err, authn.ErrProviderMismatch):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrDuplicateSession),
		errors.Is(err, store.ErrConflict),
		errors.Is(err, session.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, bridge.ErrStateMismatch):
		return http.StatusBadRequest
	case errors.Is(err, bridge.ErrProviderTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, bridge.ErrProviderError),
		errors.Is(err, bridge.ErrNoSubject):
		return http.StatusBadGateway
	case errors.Is(err, authn.ErrTokensDisabled),
		errors.Is(err, authn.ErrAuthDisabled):
		return http.StatusNotImplemented
	case errors.Is(err, store.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
