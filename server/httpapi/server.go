package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/freightdesk/mailingest/accounts"
	"github.com/freightdesk/mailingest/config"
	"github.com/freightdesk/mailingest/consts"
	"github.com/freightdesk/mailingest/logger"
	"github.com/freightdesk/mailingest/models"
	"github.com/freightdesk/mailingest/pkg/health"
	"github.com/freightdesk/mailingest/pkg/pagination"
	"github.com/freightdesk/mailingest/service"
	"github.com/gorilla/mux"
)

// API is the part of service.Service the HTTP adapter serves.
type API interface {
	Fetch(ctx context.Context, principal string, req service.FetchRequest) (*models.FetchSummary, error)
	List(ctx context.Context, principal string, req service.ListRequest) (*models.ListPage, error)
	Get(ctx context.Context, principal string, key models.EmailKey) (*models.EmailRecord, error)
	Delete(ctx context.Context, principal string, key models.EmailKey) (*service.DeleteResult, error)
	ClearCache() int
	Health(ctx context.Context) *service.HealthReport
}

// Server represents the HTTP API server
type Server struct {
	addr            string
	apiKey          string
	allowedHosts    []string
	trustedProxies  []string
	principalHeader string
	api             API
	server          *http.Server
}

// ServerOptions holds configuration options for the HTTP API server
type ServerOptions struct {
	Addr            string
	APIKey          string
	AllowedHosts    []string
	TrustedProxies  []string // peers whose X-Forwarded-For / X-Real-IP are honoured
	PrincipalHeader string
}

// OptionsFromConfig maps the [http_api] section.
func OptionsFromConfig(cfg config.HTTPAPIConfig) ServerOptions {
	return ServerOptions{
		Addr:            cfg.Addr,
		APIKey:          cfg.APIKey,
		AllowedHosts:    cfg.AllowedHosts,
		TrustedProxies:  cfg.TrustedProxies,
		PrincipalHeader: cfg.PrincipalHeader,
	}
}

// New creates a new HTTP API server
func New(api API, options ServerOptions) (*Server, error) {
	if options.APIKey == "" {
		return nil, fmt.Errorf("API key is required for HTTP API server")
	}
	if options.PrincipalHeader == "" {
		options.PrincipalHeader = "X-Principal"
	}
	return &Server{
		addr:            options.Addr,
		apiKey:          options.APIKey,
		allowedHosts:    options.AllowedHosts,
		trustedProxies:  options.TrustedProxies,
		principalHeader: options.PrincipalHeader,
		api:             api,
	}, nil
}

// Start runs the server until ctx is done. Startup and serve failures are
// sent to errChan.
func Start(ctx context.Context, api API, options ServerOptions, errChan chan error) {
	server, err := New(api, options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create HTTP API server: %w", err)
		return
	}

	logger.Info("HTTP API: starting", "addr", options.Addr)
	if err := server.start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
		errChan <- fmt.Errorf("HTTP API server failed: %w", err)
	}
}

func (s *Server) start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("HTTP API: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP API: shutdown error", "error", err)
		}
	}()

	return s.server.ListenAndServe()
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	router.Use(s.loggingMiddleware)
	router.Use(s.allowedHostsMiddleware)
	router.Use(s.authMiddleware)

	v1 := router.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/fetch", s.handleFetch).Methods("POST")

	v1.HandleFunc("/emails", s.handleListEmails).Methods("GET")
	v1.HandleFunc("/emails/{account}/{message_id:.+}", s.handleGetEmail).Methods("GET")
	v1.HandleFunc("/emails/{account}/{message_id:.+}", s.handleDeleteEmail).Methods("DELETE")

	v1.HandleFunc("/cache/clear", s.handleCacheClear).Methods("POST")

	// Health is served without a principal so probes only need the API key.
	v1.HandleFunc("/health", s.handleHealth).Methods("GET")

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, http.StatusNotFound, "Route not found", nil)
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed", nil)
	})

	return router
}

// Middleware functions

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("HTTP API: request", "method", r.Method, "path", r.URL.Path,
			"remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		if !hostAllowed(s.allowedHosts, getClientIP(r, s.trustedProxies)) {
			s.writeError(w, http.StatusForbidden, "Host not allowed", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func hostAllowed(allowed []string, clientIP string) bool {
	ip := net.ParseIP(clientIP)
	for _, host := range allowed {
		if host == clientIP {
			return true
		}
		if strings.Contains(host, "/") && ip != nil {
			if _, cidr, err := net.ParseCIDR(host); err == nil && cidr.Contains(ip) {
				return true
			}
		}
	}
	return false
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required", nil)
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'", nil)
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusForbidden, "Invalid API key", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Utility functions

// getClientIP returns the peer address. Forwarding headers are only read
// when the peer itself is a trusted proxy.
func getClientIP(r *http.Request, trustedProxies []string) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if len(trustedProxies) == 0 || !hostAllowed(trustedProxies, host) {
		return host
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	return host
}

func (s *Server) principal(w http.ResponseWriter, r *http.Request) (string, bool) {
	p := strings.TrimSpace(r.Header.Get(s.principalHeader))
	if p == "" {
		s.writeError(w, http.StatusBadRequest, s.principalHeader+" header required", nil)
		return "", false
	}
	if p == accounts.SystemPrincipal {
		s.writeError(w, http.StatusForbidden, "Access denied", nil)
		return "", false
	}
	return p, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("HTTP API: error encoding JSON response", "error", err)
	}
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string, details any) {
	s.writeJSON(w, status, errorResponse{Error: message, Details: details})
}

// writeServiceError maps the error taxonomy onto status codes. Internal
// errors are logged and reported without their cause.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, consts.ErrInvalidRequest):
		s.writeError(w, http.StatusBadRequest, "Invalid request", err.Error())
	case errors.Is(err, consts.ErrAccessDenied):
		s.writeError(w, http.StatusForbidden, "Access denied", nil)
	case errors.Is(err, consts.ErrAccountNotFound):
		s.writeError(w, http.StatusNotFound, "Account not found", err.Error())
	case errors.Is(err, consts.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "Email not found", nil)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusServiceUnavailable, "Request cancelled", nil)
	default:
		logger.Error("HTTP API: request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Internal error", nil)
	}
}

func (s *Server) emailKey(w http.ResponseWriter, r *http.Request) (models.EmailKey, bool) {
	vars := mux.Vars(r)
	accountID, err := strconv.Atoi(vars["account"])
	if err != nil || accountID <= 0 {
		s.writeError(w, http.StatusBadRequest, "Invalid account id", vars["account"])
		return models.EmailKey{}, false
	}
	messageID := strings.TrimSpace(vars["message_id"])
	if messageID == "" {
		s.writeError(w, http.StatusBadRequest, "Message id is required", nil)
		return models.EmailKey{}, false
	}
	return models.EmailKey{MessageID: messageID, AccountID: accountID}, true
}

// Request/Response types

// FetchRequest accepts the account selector either as "all", a numeric
// string or a JSON number.
type FetchRequest struct {
	Account json.RawMessage `json:"account"`
	Count   int             `json:"count"`
}

func (req FetchRequest) selector() (string, error) {
	raw := strings.TrimSpace(string(req.Account))
	if raw == "" || raw == "null" {
		return "all", nil
	}
	var str string
	if err := json.Unmarshal(req.Account, &str); err == nil {
		return str, nil
	}
	var n json.Number
	if err := json.Unmarshal(req.Account, &n); err == nil {
		return n.String(), nil
	}
	return "", fmt.Errorf("%w: account must be \"all\" or an id", consts.ErrInvalidRequest)
}

// Handler functions

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.principal(w, r)
	if !ok {
		return
	}

	defer r.Body.Close()
	var req FetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body", nil)
		return
	}
	selector, err := req.selector()
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	summary, err := s.api.Fetch(r.Context(), principal, service.FetchRequest{Account: selector, Count: req.Count})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    summary,
	})
}

func (s *Server) handleListEmails(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.principal(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	params := pagination.FromQuery(q)
	page, err := s.api.List(r.Context(), principal, service.ListRequest{
		Search:   q.Get("search"),
		Sort:     q.Get("sort"),
		Page:     params.Page,
		PageSize: params.PageSize,
		Account:  q.Get("account"),
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    page,
	})
}

func (s *Server) handleGetEmail(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.principal(w, r)
	if !ok {
		return
	}
	key, ok := s.emailKey(w, r)
	if !ok {
		return
	}

	rec, err := s.api.Get(r.Context(), principal, key)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    rec,
	})
}

func (s *Server) handleDeleteEmail(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.principal(w, r)
	if !ok {
		return
	}
	key, ok := s.emailKey(w, r)
	if !ok {
		return
	}

	res, err := s.api.Delete(r.Context(), principal, key)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    res,
	})
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.principal(w, r); !ok {
		return
	}
	cleared := s.api.ClearCache()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"cleared": cleared,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.api.Health(r.Context())
	status := http.StatusOK
	if report.Status == health.StatusUnhealthy || report.Status == health.StatusUnreachable {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]any{
		"success": status == http.StatusOK,
		"data":    report,
	})
}
