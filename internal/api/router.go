package api

import (
	"context"
	stdjson "encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"

	"github.com/hatemosphere/agency-console/internal/account"
	"github.com/hatemosphere/agency-console/internal/audit"
	"github.com/hatemosphere/agency-console/internal/auth"
	"github.com/hatemosphere/agency-console/internal/backup"
	"github.com/hatemosphere/agency-console/internal/content"
	"github.com/hatemosphere/agency-console/internal/guard"
	"github.com/hatemosphere/agency-console/internal/gziputil"
	"github.com/hatemosphere/agency-console/internal/media"
	"github.com/hatemosphere/agency-console/internal/session"
)

// Presigner issues presigned media uploads. *media.Presigner satisfies it.
type Presigner interface {
	PresignUpload(ctx context.Context, filename, contentType string) (*media.Upload, error)
}

// Backups takes on-demand backups. *backup.Scheduler satisfies it.
type Backups interface {
	RunOnce(ctx context.Context) (*backup.Result, error)
	Last() (*backup.Result, time.Time)
}

// Server is the console's HTTP server: JSON API, guarded pages and the
// per-client session registry behind both.
type Server struct {
	accounts  *account.Service
	site      *content.Site
	roles     session.RoleSource
	guard     *guard.Guard
	clients   *clientRegistry
	csrf      *nonceStore
	presigner Presigner // nil = media uploads disabled
	backups   Backups   // nil = backup endpoints disabled
	ping      func(context.Context) error
	humaAPI   huma.API

	skipManagementRoutes bool // /healthz and /metrics served elsewhere

	maxClients    int
	lookupTimeout time.Duration
	settleTimeout time.Duration
	secureCookies bool
}

// NewServer creates a new console server.
func NewServer(accounts *account.Service, site *content.Site, roles session.RoleSource, opts ...ServerOption) (*Server, error) {
	s := &Server{
		accounts:      accounts,
		site:          site,
		roles:         roles,
		csrf:          newNonceStore(30 * time.Minute),
		maxClients:    10000,
		lookupTimeout: 5 * time.Second,
		settleTimeout: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.guard == nil {
		s.guard = guard.New(guard.Config{SettleTimeout: s.settleTimeout})
	}
	clients, err := newClientRegistry(accounts.Provider(), roles, s.maxClients, s.lookupTimeout)
	if err != nil {
		return nil, err
	}
	s.clients = clients
	return s, nil
}

// ServerOption configures the console server.
type ServerOption func(*Server)

// WithGuard replaces the default route guard.
func WithGuard(g *guard.Guard) ServerOption {
	return func(s *Server) { s.guard = g }
}

// WithMaxClients bounds the number of console clients kept in memory.
func WithMaxClients(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxClients = n
		}
	}
}

// WithRoleLookupTimeout bounds a single role lookup of a session.
func WithRoleLookupTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.lookupTimeout = d }
}

// WithSettleTimeout sets how long sign-in and guarded requests wait for a
// loading session.
func WithSettleTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.settleTimeout = d }
}

// WithSecureCookies marks the client cookie Secure.
func WithSecureCookies(secure bool) ServerOption {
	return func(s *Server) { s.secureCookies = secure }
}

// WithPresigner enables presigned media uploads.
func WithPresigner(p Presigner) ServerOption {
	return func(s *Server) { s.presigner = p }
}

// WithBackups enables the backup endpoints.
func WithBackups(b Backups) ServerOption {
	return func(s *Server) { s.backups = b }
}

// WithHealthCheck sets the dependency probe behind /healthz.
func WithHealthCheck(ping func(context.Context) error) ServerOption {
	return func(s *Server) { s.ping = ping }
}

// WithSkipManagementRoutes leaves /healthz and /metrics to a separate
// management listener.
func WithSkipManagementRoutes() ServerOption {
	return func(s *Server) { s.skipManagementRoutes = true }
}

// ClientCount reports the number of live console clients.
func (s *Server) ClientCount() float64 {
	return float64(s.clients.Len())
}

// Close drops every console client and its session.
func (s *Server) Close() {
	s.clients.Close()
}

// humaJSONFormat uses stdlib encoding/json for huma request/response serialization.
var humaJSONFormat = huma.Format{
	Marshal: func(w io.Writer, v any) error {
		return stdjson.NewEncoder(w).Encode(v)
	},
	Unmarshal: stdjson.Unmarshal,
}

// newHumaConfig creates the huma configuration for the API.
func newHumaConfig() huma.Config {
	registry := huma.NewMapRegistry("#/components/schemas/", huma.DefaultSchemaNamer)
	config := huma.Config{
		OpenAPI: &huma.OpenAPI{
			OpenAPI: "3.1.0",
			Info: &huma.Info{
				Title:   "Agency Console API",
				Version: "0.1.0",
			},
			Components: &huma.Components{
				Schemas: registry,
			},
		},
		OpenAPIPath:   "", // served by getOpenAPISpec
		DocsPath:      "",
		SchemasPath:   "",
		Formats:       map[string]huma.Format{"application/json": humaJSONFormat, "json": humaJSONFormat},
		DefaultFormat: "application/json",
	}
	// Field rules live in validate tags, so huma only checks shapes.
	config.FieldsOptionalByDefault = true
	return config
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// requires marks an operation as guarded by the given roles.
func requires(roles ...auth.Role) map[string]any {
	return map[string]any{guard.MetadataRoles: roles}
}

// Router returns the configured HTTP handler with all endpoints.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	// Public huma routes (no client, no guard).
	publicAPI := humago.New(mux, newHumaConfig())
	publicAPI.UseMiddleware(metricsHumaMiddleware)
	s.registerPublicRoutes(publicAPI)

	// Account routes: need the caller's client but no role.
	authAPI := humago.New(mux, newHumaConfig())
	authAPI.UseMiddleware(metricsHumaMiddleware)
	authAPI.UseMiddleware(s.clientHumaMiddleware(authAPI))
	authAPI.UseMiddleware(remoteAddrMiddleware)
	s.registerAuth(authAPI)

	// Console routes, guarded per operation.
	api := humago.New(mux, newHumaConfig())
	api.UseMiddleware(metricsHumaMiddleware)
	api.UseMiddleware(s.clientHumaMiddleware(api))
	api.UseMiddleware(s.guard.API(api))
	api.UseMiddleware(auditHumaMiddleware)
	s.humaAPI = api

	s.registerContent(api)
	s.registerUsers(api)
	s.registerRegistrationRequests(api)
	if s.presigner != nil {
		s.registerMedia(api)
	}
	if s.backups != nil {
		s.registerAdmin(api)
	}

	// Server-rendered pages.
	s.registerPages(mux)

	// HTTP-level middleware (outermost applied last).
	var handler http.Handler = mux
	handler = gzipDecompressor(handler)
	handler = requestLogger(handler)
	handler = securityHeaders(handler)
	handler = recoverer(handler)
	handler = realIP(handler)
	return handler
}

// registerPublicRoutes registers operations open to everyone.
func (s *Server) registerPublicRoutes(api huma.API) {
	if !s.skipManagementRoutes {
		s.registerManagementRoutes(api)
	}

	// Published site content for the marketing pages.
	huma.Register(api, huma.Operation{
		OperationID: "getSite",
		Method:      http.MethodGet,
		Path:        "/api/site",
		Tags:        []string{"Site"},
	}, func(ctx context.Context, input *struct{}) (*SiteOutput, error) {
		snap, err := s.site.Snapshot(ctx)
		if err != nil {
			return nil, apiError("getSite", err)
		}
		return &SiteOutput{CacheControl: "public, max-age=60", Body: snap}, nil
	})

	// OpenAPI spec of the console API.
	huma.Register(api, huma.Operation{
		OperationID: "getOpenAPISpec",
		Method:      http.MethodGet,
		Path:        "/api/openapi",
		Tags:        []string{"Meta"},
	}, func(ctx context.Context, input *struct{}) (*huma.StreamResponse, error) {
		return &huma.StreamResponse{
			Body: func(ctx huma.Context) {
				ctx.SetHeader("Content-Type", "application/json")
				if s.humaAPI != nil {
					data, _ := stdjson.Marshal(s.humaAPI.OpenAPI())
					_, _ = ctx.BodyWriter().Write(data)
				} else {
					_, _ = ctx.BodyWriter().Write([]byte(`{}`))
				}
			},
		}, nil
	})
}

// registerManagementRoutes registers the health probe and Prometheus metrics.
func (s *Server) registerManagementRoutes(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "healthCheck",
		Method:      http.MethodGet,
		Path:        "/healthz",
		Tags:        []string{"Health"},
	}, func(ctx context.Context, input *struct{}) (*HealthCheckOutput, error) {
		if s.ping != nil {
			if err := s.ping(ctx); err != nil {
				slog.Error("health check failed", "error", err)
				return nil, huma.NewError(http.StatusServiceUnavailable, "database unavailable")
			}
		}
		out := &HealthCheckOutput{}
		out.Body.Status = "ok"
		return out, nil
	})

	// Prometheus metrics.
	huma.Register(api, huma.Operation{
		OperationID: "getMetrics",
		Method:      http.MethodGet,
		Path:        "/metrics",
		Tags:        []string{"Meta"},
	}, func(ctx context.Context, input *struct{}) (*huma.StreamResponse, error) {
		return &huma.StreamResponse{
			Body: func(ctx huma.Context) {
				rec := httptest.NewRecorder()
				MetricsHandler().ServeHTTP(rec, &http.Request{})
				for k, vals := range rec.Header() {
					for _, v := range vals {
						ctx.SetHeader(k, v)
					}
				}
				_, _ = ctx.BodyWriter().Write(rec.Body.Bytes())
			},
		}, nil
	})
}

// metricsHumaMiddleware records Prometheus metrics for each huma request using
// the operation path as the route label for clean, low-cardinality metrics.
func metricsHumaMiddleware(ctx huma.Context, next func(huma.Context)) {
	start := time.Now()
	next(ctx)
	elapsed := time.Since(start)

	route := ctx.Operation().Path
	status := ctx.Status()
	if status == 0 {
		status = 200
	}

	httpRequestsTotal.WithLabelValues(ctx.Method(), route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(ctx.Method(), route).Observe(elapsed.Seconds())
}

// auditExcludedOps lists mutating operations that change nothing stored.
var auditExcludedOps = map[string]struct{}{
	"presignMediaUpload": {},
}

// auditHumaMiddleware logs structured audit entries for state-mutating
// console operations. It runs after the guard, so the principal is set for
// every request that reached a handler.
func auditHumaMiddleware(ctx huma.Context, next func(huma.Context)) {
	next(ctx)

	method := ctx.Method()
	if method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions {
		return
	}

	op := ctx.Operation()
	if _, excluded := auditExcludedOps[op.OperationID]; excluded {
		return
	}

	status := ctx.Status()
	if status == 0 {
		status = 200
	}
	// Guard rejections are audited by the guard itself.
	if status == http.StatusUnauthorized || status == http.StatusForbidden || status == http.StatusServiceUnavailable {
		return
	}

	e := audit.Event{
		Actor:      auth.PrincipalFromContext(ctx.Context()).Name(),
		Action:     op.OperationID,
		Method:     method,
		Resource:   buildAuditResource(ctx),
		HTTPStatus: status,
		IP:         ctx.RemoteAddr(),
	}
	if status >= 400 {
		e.Warn("Audit Log: API Request")
	} else {
		e.Info("Audit Log: API Request")
	}
}

// buildAuditResource names the console resource a request touched, e.g.
// "testimonials/3f2a" or "users/uid-1/role".
func buildAuditResource(ctx huma.Context) string {
	u := ctx.URL()
	return strings.TrimPrefix(u.Path, "/api/console/")
}

// requestLogger logs each HTTP request with method, path, status, and latency.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(sw, r)
		slog.Info("request", //nolint:gosec // structured logger, not format string
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"latency", time.Since(start),
		)
	})
}

// securityHeaders keeps console pages out of frames and stops MIME sniffing.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// realIP extracts the real client IP from X-Real-Ip or X-Forwarded-For headers.
func realIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rip := r.Header.Get("X-Real-Ip"); rip != "" {
			r.RemoteAddr = rip
		} else if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if i := strings.IndexByte(xff, ','); i > 0 {
				r.RemoteAddr = strings.TrimSpace(xff[:i])
			} else {
				r.RemoteAddr = xff
			}
		}
		next.ServeHTTP(w, r)
	})
}

// recoverer recovers from panics and returns a 500 Internal Server Error.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				if err, ok := rvr.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(rvr)
				}
				slog.Error("panic recovered", "error", rvr, "method", r.Method, "path", r.URL.Path) //nolint:gosec // structured logger, not format string
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// gzipDecompressor transparently decompresses gzip request bodies, up to
// gziputil.MaxBodySize.
func gzipDecompressor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Encoding") == "gzip" {
			body, err := gziputil.NewBody(r.Body, gziputil.MaxBodySize)
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadRequest)
				_ = stdjson.NewEncoder(w).Encode(map[string]any{
					"code":    http.StatusBadRequest,
					"message": "invalid gzip body",
				})
				return
			}
			defer body.Close()
			r.Body = body
			r.Header.Del("Content-Encoding")
			r.ContentLength = -1
		}
		next.ServeHTTP(w, r)
	})
}
