package server

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	oapimiddleware "github.com/oapi-codegen/nethttp-middleware"
	"go.uber.org/zap"

	"github.com/dgnsrekt/pulse/api"
	"github.com/dgnsrekt/pulse/internal/auth"
	"github.com/dgnsrekt/pulse/internal/metrics"
)

const maxPublishBody = 1 << 20

// Streams holds the long-lived streaming endpoints. WebSocket may be nil.
type Streams struct {
	SSE       http.Handler
	WebSocket http.Handler
	Negotiate http.Handler
}

// LoadSpec parses and validates the embedded API contract.
func LoadSpec() (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(api.OpenAPISpec)
	if err != nil {
		return nil, fmt.Errorf("loading openapi spec: %w", err)
	}
	if err := doc.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("validating openapi spec: %w", err)
	}
	doc.Servers = nil // Allow any host
	return doc, nil
}

func NewRouter(server *Server, streams Streams, m *metrics.Metrics, logger *zap.Logger) (http.Handler, error) {
	swagger, err := LoadSpec()
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)
	r.Use(zapLoggerMiddleware(logger))

	// Streaming routes stay uncompressed so frames are flushed as written
	r.Get("/v1/events", streams.SSE.ServeHTTP)
	if streams.WebSocket != nil {
		r.Get("/v1/ws", streams.WebSocket.ServeHTTP)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Compress(5))

		r.Get("/openapi.yaml", openapiHandler)
		r.Get("/docs", swaggerUIHandler)
		r.Get("/health", server.Health)
		r.Handle("/metrics", m.Handler())
		if streams.Negotiate != nil {
			r.Get("/v1/negotiate", streams.Negotiate.ServeHTTP)
		}

		// API routes with OpenAPI validation
		r.Group(func(apiRouter chi.Router) {
			apiRouter.Use(middleware.RequestSize(maxPublishBody))
			apiRouter.Use(server.requireScope(auth.ScopePublish))
			apiRouter.Use(oapimiddleware.OapiRequestValidatorWithOptions(swagger, &oapimiddleware.Options{
				Options: openapi3filter.Options{
					// Credentials are checked by requireScope
					AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
				},
				ErrorHandler: func(w http.ResponseWriter, message string, statusCode int) {
					writeError(w, statusCode, message)
				},
			}))
			apiRouter.Post("/v1/publish", server.Publish)
		})
	})

	return r, nil
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Last-Event-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func zapLoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("query", maskQueryKey(r.URL.RawQuery, "access_token")),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
			next.ServeHTTP(w, r)
		})
	}
}

// maskQueryKey masks the named parameter in a query string
func maskQueryKey(rawQuery, key string) string {
	if rawQuery == "" {
		return ""
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return "<unparseable>"
	}
	if secret := values.Get(key); secret != "" {
		masked := "****"
		if len(secret) > 4 {
			masked = secret[:4] + "****"
		}
		values.Set(key, masked)
	}
	// Encode sorts by key, so the output is stable
	parts := strings.Split(values.Encode(), "&")
	for i, p := range parts {
		if unescaped, err := url.QueryUnescape(p); err == nil {
			parts[i] = unescaped
		}
	}
	return strings.Join(parts, "&")
}

func openapiHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.Write(api.OpenAPISpec)
}

func swaggerUIHandler(w http.ResponseWriter, r *http.Request) {
	html := `<!DOCTYPE html>
<html>
<head>
    <title>Pulse API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5.10.3/swagger-ui.css">
</head>
<body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5.10.3/swagger-ui-bundle.js"></script>
    <script>
        window.onload = function() {
            SwaggerUIBundle({
                url: "/openapi.yaml",
                dom_id: '#swagger-ui',
            });
        };
    </script>
</body>
</html>`
	w.Header().Set("Content-Type", "text/html")
	w.Write([]byte(html))
}
