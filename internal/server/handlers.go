package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/pulse/internal/auth"
	"github.com/dgnsrekt/pulse/internal/broadcast"
	"github.com/dgnsrekt/pulse/internal/event"
	"github.com/dgnsrekt/pulse/internal/registry"
)

// Publisher fans one event out to identities.
type Publisher interface {
	Publish(ctx context.Context, identities []string, typ string, payload []byte) (broadcast.Result, error)
}

type Server struct {
	publisher Publisher
	registry  *registry.Registry
	auth      auth.Authenticator
	logger    *zap.Logger
}

func NewServer(publisher Publisher, reg *registry.Registry, authn auth.Authenticator, logger *zap.Logger) *Server {
	return &Server{
		publisher: publisher,
		registry:  reg,
		auth:      authn,
		logger:    logger,
	}
}

type publishRequest struct {
	Identities []string        `json:"identities"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
}

type publishResponse struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurredAt"`
	Recipients int       `json:"recipients"`
	Delivered  int       `json:"delivered"`
	Dropped    int       `json:"dropped"`
	Offline    int       `json:"offline"`
}

type healthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Identities  int    `json:"identities"`
}

// Publish handles POST /v1/publish. The body has already been validated
// against the API contract.
func (s *Server) Publish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	caller, _ := auth.FromContext(r.Context())
	res, err := s.publisher.Publish(r.Context(), req.Identities, req.Type, req.Payload)
	if err != nil {
		if errors.Is(err, broadcast.ErrNoRecipients) || errors.Is(err, event.ErrInvalidPayload) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("publish failed", zap.String("publisher", caller.Identity), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "publish failed")
		return
	}

	s.logger.Info("event published",
		zap.String("publisher", caller.Identity),
		zap.String("type", res.Event.Type),
		zap.String("id", res.Event.ID),
		zap.Int("recipients", res.Recipients),
		zap.Int("delivered", res.Delivered),
		zap.Int("offline", res.Offline),
	)

	writeJSON(w, http.StatusAccepted, publishResponse{
		ID:         res.Event.ID,
		Type:       res.Event.Type,
		OccurredAt: res.Event.OccurredAt,
		Recipients: res.Recipients,
		Delivered:  res.Delivered,
		Dropped:    res.Dropped,
		Offline:    res.Offline,
	})
}

// Health handles GET /health.
func (s *Server) Health(w http.ResponseWriter, _ *http.Request) {
	stats := s.registry.Stats()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:      "ok",
		Connections: stats.Connections,
		Identities:  stats.Identities,
	})
}

// requireScope authenticates the caller and stores the principal in the
// request context.
func (s *Server) requireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := s.auth.Authenticate(r, scope)
			if err != nil {
				if errors.Is(err, auth.ErrForbidden) {
					writeError(w, http.StatusForbidden, "forbidden")
					return
				}
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
