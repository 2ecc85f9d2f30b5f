package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/pulse/internal/auth"
)

// TokenIssuer mints short-lived stream tokens.
type TokenIssuer interface {
	Issue(identity string, scopes []string, ttl time.Duration) (string, error)
}

// NegotiateResponse lists the stream endpoints a client may connect to.
type NegotiateResponse struct {
	Identity   string            `json:"identity"`
	StreamURLs map[string]string `json:"stream_urls"`
	ExpiresAt  time.Time         `json:"expires_at"`
}

// NegotiateHandler handles GET /v1/negotiate. It exchanges the caller's
// credential for a short-lived subscribe-only token embedded in the stream
// URLs, so long-lived credentials never end up in query strings.
type NegotiateHandler struct {
	auth      auth.Authenticator
	issuer    TokenIssuer
	ttl       time.Duration
	publicURL string
	logger    *zap.Logger
}

// NewNegotiateHandler creates a new NegotiateHandler.
func NewNegotiateHandler(authn auth.Authenticator, issuer TokenIssuer, ttl time.Duration, logger *zap.Logger) *NegotiateHandler {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &NegotiateHandler{auth: authn, issuer: issuer, ttl: ttl, logger: logger}
}

// WithPublicURL makes stream URLs use base (e.g. "https://events.example.com")
// instead of the request's host. Needed behind proxies that rewrite Host.
func (h *NegotiateHandler) WithPublicURL(base string) *NegotiateHandler {
	h.publicURL = strings.TrimSuffix(base, "/")
	return h
}

func (h *NegotiateHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p, err := h.auth.Authenticate(r, auth.ScopeSubscribe)
	if err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, auth.ErrForbidden) {
			status = http.StatusForbidden
		}
		h.logger.Debug("negotiate rejected", zap.Error(err))
		writeJSON(w, status, map[string]string{"error": http.StatusText(status)})
		return
	}

	token, err := h.issuer.Issue(p.Identity, []string{auth.ScopeSubscribe}, h.ttl)
	if err != nil {
		h.logger.Error("failed to issue stream token", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "token issuance failed"})
		return
	}

	base := h.publicURL
	if base == "" {
		scheme := "http"
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			scheme = "https"
		}
		base = scheme + "://" + r.Host
	}
	wsBase := "ws" + strings.TrimPrefix(base, "http")
	q := url.Values{"access_token": {token}}.Encode()

	resp := NegotiateResponse{
		Identity: p.Identity,
		StreamURLs: map[string]string{
			"sse":       fmt.Sprintf("%s/v1/events?%s", base, q),
			"websocket": fmt.Sprintf("%s/v1/ws?%s", wsBase, q),
		},
		ExpiresAt: time.Now().Add(h.ttl).UTC(),
	}

	h.logger.Debug("negotiate successful",
		zap.String("identity", p.Identity),
		zap.String("token", maskToken(token)),
	)
	writeJSON(w, http.StatusOK, resp)
}

// maskToken masks all but the first 4 characters of a token for logging.
func maskToken(token string) string {
	if len(token) <= 4 {
		return "****"
	}
	return token[:4] + "****"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
