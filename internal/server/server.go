// Package server exposes the session and intent managers over HTTP.
package server

import (
	"bufio"
	"context"
	"errors"
	"math/big"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"powerhorse/internal/auth"
	"powerhorse/internal/config"
	"powerhorse/internal/dlq"
	"powerhorse/internal/hmacauth"
	"powerhorse/internal/idempotency"
	"powerhorse/internal/intent"
	"powerhorse/internal/roles"
	"powerhorse/internal/session"
)

type Sessions interface {
	Open(ctx context.Context, req session.OpenRequest) (*session.Session, error)
	RecordFill(ctx context.Context, caller common.Address, req session.FillRequest) (*session.Session, error)
	Settle(ctx context.Context, caller, instrument common.Address) (session.Settlement, error)
	Cancel(ctx context.Context, caller, instrument common.Address) (*big.Int, error)
	Get(ctx context.Context, owner, instrument common.Address) (*session.Session, error)
	IsExpired(ctx context.Context, owner, instrument common.Address) (bool, error)
}

type Intents interface {
	Create(ctx context.Context, req intent.CreateRequest) (*intent.Intent, error)
	Execute(ctx context.Context, caller common.Address, id common.Hash) (*intent.Intent, error)
	Cancel(ctx context.Context, caller common.Address, id common.Hash) (*intent.Intent, error)
	Get(ctx context.Context, id common.Hash) (*intent.Intent, error)
}

type Roles interface {
	Set(ctx context.Context, caller common.Address, role roles.Role, addr common.Address) error
	Holder(role roles.Role) common.Address
	Executor() common.Address
	IsAdmin(addr common.Address) bool
}

type Deps struct {
	Sessions    Sessions
	Intents     Intents
	Roles       Roles
	Auth        *auth.Authenticator
	Idempotency idempotency.Store
	DLQ         dlq.Queue
	// Events serves the live audit feed; nil disables the route.
	Events http.Handler
	// Checks are probed by /health, keyed by component name.
	Checks map[string]func(context.Context) error
	Log    *logrus.Entry
}

type Server struct {
	cfg        *config.Config
	sessions   Sessions
	intents    Intents
	roles      Roles
	auth       *auth.Authenticator
	store      idempotency.Store
	dlq        dlq.Queue
	bridge     *hmacauth.Verifier
	checks     map[string]func(context.Context) error
	metrics    *metricsRegistry
	limiters   *principalLimiter
	log        *logrus.Entry
	handler    http.Handler
	httpServer *http.Server
}

func NewServer(cfg *config.Config, deps Deps) *Server {
	if deps.Log == nil {
		deps.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if deps.DLQ == nil {
		deps.DLQ = dlq.Discard{}
	}
	if deps.Idempotency == nil {
		deps.Idempotency = idempotency.NewMemoryStore()
	}

	s := &Server{
		cfg:      cfg,
		sessions: deps.Sessions,
		intents:  deps.Intents,
		roles:    deps.Roles,
		auth:     deps.Auth,
		store:    deps.Idempotency,
		dlq:      deps.DLQ,
		bridge: &hmacauth.Verifier{
			Secret:          cfg.Bridge.WebhookSecret,
			MaxSkew:         cfg.Bridge.MaxSkew.Duration,
			SignatureHeader: cfg.Bridge.SignatureHeader,
			TimestampHeader: cfg.Bridge.TimestampHeader,
			Log:             deps.Log.WithField("route", "bridge"),
		},
		checks:   deps.Checks,
		metrics:  newMetricsRegistry(),
		limiters: newPrincipalLimiter(rate.Limit(cfg.Service.FillRate), cfg.Service.FillBurst),
		log:      deps.Log,
	}

	authed := func(h http.HandlerFunc) http.Handler { return s.auth.Middleware(h) }

	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/sessions", authed(s.handleOpenSession))
	mux.Handle("GET /api/v1/sessions/{owner}/{instrument}", authed(s.handleGetSession))
	mux.Handle("POST /api/v1/sessions/{instrument}/settle", authed(s.handleSettleSession))
	mux.Handle("POST /api/v1/sessions/{instrument}/cancel", authed(s.handleCancelSession))
	mux.Handle("POST /api/v1/relayer/fills", authed(s.handleRecordFill))

	mux.Handle("POST /api/v1/intents", authed(s.handleCreateIntent))
	mux.Handle("GET /api/v1/intents/{id}", authed(s.handleGetIntent))
	mux.Handle("POST /api/v1/intents/{id}/execute", authed(s.handleExecuteIntent))
	mux.Handle("POST /api/v1/intents/{id}/cancel", authed(s.handleCancelIntent))
	mux.Handle("POST /api/v1/callbacks/bridge", s.bridge.Middleware(http.HandlerFunc(s.handleBridgeCallback)))

	mux.Handle("PUT /api/v1/admin/roles/{role}", authed(s.handleSetRole))
	if deps.Events != nil {
		mux.Handle("GET /api/v1/events", s.auth.Middleware(s.adminOnly(deps.Events)))
	}
	mux.Handle("GET /api/v1/metrics", s.metrics.handler())
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	s.handler = requestIDMiddleware(s.loggingMiddleware(mux))
	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           s.handler,
		ReadHeaderTimeout: cfg.Service.ReadHeaderTimeout.Duration,
	}
	return s
}

// Handler is the fully wrapped router.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) Start() error {
	s.log.WithField("addr", s.httpServer.Addr).Info("API listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, _ := auth.Caller(r.Context())
		if !s.roles.IsAdmin(caller) {
			writeJSON(w, http.StatusForbidden, errorBody{Error: "admin only", Code: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
			r.Header.Set("X-Request-Id", id)
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.metrics.observeRequest(route, rec.status, elapsed)
		s.log.WithFields(logrus.Fields{
			"request_id":  r.Header.Get("X-Request-Id"),
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"duration_ms": elapsed.Milliseconds(),
		}).Debug("http request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader reach the underlying connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// principalLimiter hands each caller its own token bucket.
type principalLimiter struct {
	mu     sync.Mutex
	limit  rate.Limit
	burst  int
	perKey map[common.Address]*rate.Limiter
}

func newPrincipalLimiter(limit rate.Limit, burst int) *principalLimiter {
	if limit <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &principalLimiter{limit: limit, burst: burst, perKey: make(map[common.Address]*rate.Limiter)}
}

func (p *principalLimiter) Allow(addr common.Address) bool {
	p.mu.Lock()
	l, ok := p.perKey[addr]
	if !ok {
		l = rate.NewLimiter(p.limit, p.burst)
		p.perKey[addr] = l
	}
	p.mu.Unlock()
	return l.Allow()
}
