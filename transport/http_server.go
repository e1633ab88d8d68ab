// Package transport exposes the hub over HTTP: the live WebSocket
// endpoint, the feed and membership API, health and metrics.
package transport

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"server-hub/auth"
	"server-hub/domain"
	"server-hub/errors"
	"server-hub/runtime"
	"server-hub/services"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxBodySize = 64 << 10

type Config struct {
	WriteTimeout   time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64
	AllowedOrigins []string
}

func DefaultConfig() Config {
	return Config{
		WriteTimeout:   10 * time.Second,
		PongWait:       60 * time.Second,
		PingPeriod:     54 * time.Second,
		MaxMessageSize: 4096,
	}
}

type Server struct {
	log           *slog.Logger
	config        Config
	upgrader      websocket.Upgrader
	tokens        *auth.TokenResolver
	binder        *runtime.Binder
	dispatcher    *runtime.Dispatcher
	registry      *runtime.Registry
	accounts      services.IAuthService
	notifications *services.NotificationService
	membership    *services.MembershipService
	gatherer      prometheus.Gatherer
}

func NewServer(log *slog.Logger, config Config, tokens *auth.TokenResolver, binder *runtime.Binder,
	dispatcher *runtime.Dispatcher, registry *runtime.Registry, accounts services.IAuthService,
	notifications *services.NotificationService, membership *services.MembershipService,
	gatherer prometheus.Gatherer) *Server {
	policy := newOriginPolicy(config.AllowedOrigins)
	return &Server{
		log:    log,
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     policy.check,
		},
		tokens:        tokens,
		binder:        binder,
		dispatcher:    dispatcher,
		registry:      registry,
		accounts:      accounts,
		notifications: notifications,
		membership:    membership,
		gatherer:      gatherer,
	}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	private := func(h http.HandlerFunc) http.Handler { return auth.Middleware(s.tokens, h) }

	mux.HandleFunc("GET /ws", s.serveWebSocket)
	mux.HandleFunc("GET /healthz", s.health)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("POST /api/auth/register", s.register)
	mux.HandleFunc("POST /api/auth/login", s.login)

	mux.Handle("POST /api/notifications", auth.Middleware(s.tokens, auth.RequireRole(auth.RoleAdmin, http.HandlerFunc(s.publish))))
	mux.Handle("GET /api/notifications", private(s.feed))
	mux.Handle("GET /api/notifications/unread", private(s.unread))
	mux.Handle("GET /api/notifications/search", private(s.search))
	mux.Handle("POST /api/notifications/{seq}/read", private(s.markRead))

	mux.Handle("POST /api/scopes/{scope}/join", private(s.join))
	mux.Handle("POST /api/scopes/{scope}/leave", private(s.leave))
	mux.Handle("GET /api/scopes/{scope}/members", private(s.members))

	mux.Handle("GET /api/connections", private(s.connections))
	mux.Handle("GET /api/presence/{identity}", private(s.presence))
	return mux
}

// NewHTTPServer applies production timeouts. WriteTimeout stays zero:
// hijacked WebSocket connections manage their own deadlines.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

type tokenResponse struct {
	Token string `json:"token"`
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var body auth.RegisterRequest
	if !s.decode(w, r, &body) {
		return
	}
	token, err := s.accounts.Register(body.Email, body.Password)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.reply(w, http.StatusCreated, tokenResponse{Token: string(token)})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var body auth.LoginRequest
	if !s.decode(w, r, &body) {
		return
	}
	token, err := s.accounts.Login(body.Email, body.Password)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.reply(w, http.StatusOK, tokenResponse{Token: string(token)})
}

func (s *Server) publish(w http.ResponseWriter, r *http.Request) {
	var body domain.NewNotification
	if !s.decode(w, r, &body) {
		return
	}
	record, err := s.notifications.Publish(r.Context(), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.reply(w, http.StatusCreated, record)
}

func (s *Server) feed(w http.ResponseWriter, r *http.Request) {
	after, err := queryUint(r, "after")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	limit, err := queryUint(r, "limit")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	records, err := s.notifications.Feed(r.Context(), identity(r), after, int(limit))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.reply(w, http.StatusOK, nonNil(records))
}

func (s *Server) unread(w http.ResponseWriter, r *http.Request) {
	limit, err := queryUint(r, "limit")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	records, err := s.notifications.Unread(r.Context(), identity(r), int(limit))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.reply(w, http.StatusOK, nonNil(records))
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	text := r.URL.Query().Get("q")
	if text == "" {
		s.fail(w, r, errors.ErrInvalidRequest)
		return
	}
	limit, err := queryUint(r, "limit")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var scope *domain.TenantScope
	if raw := r.URL.Query().Get("scope"); raw != "" {
		value := domain.TenantScope(raw)
		scope = &value
	}
	records, err := s.notifications.Search(r.Context(), identity(r), scope, text, int(limit))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.reply(w, http.StatusOK, nonNil(records))
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	seq, err := strconv.ParseUint(r.PathValue("seq"), 10, 64)
	if err != nil {
		s.fail(w, r, errors.ErrInvalidRequest)
		return
	}
	if err = s.notifications.MarkRead(r.Context(), identity(r), seq); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) join(w http.ResponseWriter, r *http.Request) {
	if err := s.membership.Join(r.Context(), domain.TenantScope(r.PathValue("scope")), identity(r)); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) leave(w http.ResponseWriter, r *http.Request) {
	if err := s.membership.Leave(r.Context(), domain.TenantScope(r.PathValue("scope")), identity(r)); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// members is visible to the members of the scope only.
func (s *Server) members(w http.ResponseWriter, r *http.Request) {
	scope := domain.TenantScope(r.PathValue("scope"))
	member, err := s.membership.IsMember(r.Context(), scope, identity(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !member {
		s.fail(w, r, errors.ErrNotMember)
		return
	}
	members, err := s.membership.Members(r.Context(), scope)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.reply(w, http.StatusOK, nonNil(members))
}

func (s *Server) connections(w http.ResponseWriter, r *http.Request) {
	s.reply(w, http.StatusOK, nonNil(s.registry.Connections(identity(r))))
}

type presenceResponse struct {
	Identity    domain.Identity `json:"identity"`
	Online      bool            `json:"online"`
	Connections int             `json:"connections"`
}

func (s *Server) presence(w http.ResponseWriter, r *http.Request) {
	target := domain.Identity(r.PathValue("identity"))
	count := len(s.registry.Lookup(target))
	s.reply(w, http.StatusOK, presenceResponse{Identity: target, Online: count > 0, Connections: count})
}

type healthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	s.reply(w, http.StatusOK, healthResponse{Status: "ok", Connections: s.registry.Count()})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		s.fail(w, r, errors.ErrInvalidRequest)
		return false
	}
	return true
}

func (s *Server) reply(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("Unable to write response", "error", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	s.reply(w, status, errorResponse{Error: err.Error()})
}

func identity(r *http.Request) domain.Identity {
	claims, _ := auth.ClaimsFromContext(r.Context())
	return domain.Identity(claims.UserID)
}

func queryUint(r *http.Request, name string) (uint64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, errors.ErrInvalidRequest
	}
	return value, nil
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
