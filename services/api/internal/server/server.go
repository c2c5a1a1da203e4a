package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"rosterhub/internal/ratelimit"
	"rosterhub/internal/util"
	"rosterhub/pkg/domain"
	"rosterhub/services/api/internal/app"
	"rosterhub/services/api/internal/security"
)

const maxJSONBody = 1 << 20

// Config wires required dependencies for the HTTP server.
type Config struct {
	App *app.App
	// Redis enables login throttling and security alerts. Both are off without it.
	Redis                   redis.UniversalClient
	LoginRateLimitPerMinute int
	CORSOrigins             []string
	TrustedProxies          *util.TrustedProxies
}

// Server exposes the roster HTTP API.
type Server struct {
	app            *app.App
	mux            *http.ServeMux
	loginLimiter   *ratelimit.FixedWindowLimiter
	alerter        *security.AuditAlerter
	corsOrigins    []string
	trustedProxies *util.TrustedProxies
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	s := &Server{
		app:            cfg.App,
		mux:            http.NewServeMux(),
		corsOrigins:    cfg.CORSOrigins,
		trustedProxies: cfg.TrustedProxies,
	}
	if cfg.Redis != nil {
		loginLimit := cfg.LoginRateLimitPerMinute
		if loginLimit <= 0 {
			loginLimit = 10
		}
		limiter, err := ratelimit.NewFixedWindowLimiter(cfg.Redis, "roster:api:ratelimit:login", loginLimit, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("init login limiter: %w", err)
		}
		s.loginLimiter = limiter
		s.alerter = security.NewAuditAlerter(cfg.Redis, "")
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("api", util.WithSecurityHeaders(util.WithCORS(s.corsOrigins, s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// auth
	s.mux.HandleFunc("/api/login", s.handleLogin)
	s.mux.HandleFunc("/api/logout", s.handleLogout)
	s.mux.Handle("/api/me", s.authenticated(s.handleMe))

	// roster (auth required)
	s.mux.Handle("/api/collaborators", s.authenticated(s.handleCollaborators))
	s.mux.Handle("/api/collaborators/", s.authenticated(s.handleCollaboratorByID))
	s.mux.Handle("/api/imports/", s.authenticated(s.handleImportByID))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auth wrappers
type authHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			s.audit(r, "api.authorize", "fail", "reason", "missing_token")
			writeError(w, r, http.StatusUnauthorized, "AUTH_MISSING_TOKEN", "Token não fornecido")
			return
		}
		user, err := s.app.UserFromToken(r.Context(), token)
		if err != nil {
			if errors.Is(err, app.ErrUnauthorized) {
				s.audit(r, "api.authorize", "fail", "reason", "invalid_token")
				writeError(w, r, http.StatusUnauthorized, "AUTH_INVALID_TOKEN", "Token inválido")
				return
			}
			s.writeAppError(w, r, err)
			return
		}
		logger := util.LoggerFromContext(r.Context()).With("user_id", user.ID)
		next(w, r.WithContext(util.ContextWithLogger(r.Context(), logger)), user)
	})
}

// auth handlers
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return
	}
	if !s.allowRate(w, r, s.loginLimiter, "api.login") {
		return
	}
	var req app.LoginInput
	if !decodeJSON(w, r, &req) {
		return
	}
	user, token, err := s.app.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, app.ErrInvalidCredentials) {
			s.audit(r, "api.login", "fail", "reason", "invalid_credentials")
			writeError(w, r, http.StatusUnauthorized, "AUTH_INVALID_CREDENTIALS", err.Error())
			return
		}
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, "api.login", "success", "user_id", user.ID)
	writeJSON(w, http.StatusOK, loginResponse{Message: "Login bem-sucedido", Token: token})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return
	}
	token, ok := bearerToken(r)
	if !ok {
		s.audit(r, "api.logout", "fail", "reason", "missing_token")
		writeError(w, r, http.StatusUnauthorized, "AUTH_MISSING_TOKEN", "Token não fornecido")
		return
	}
	if err := s.app.Logout(token); err != nil {
		s.writeAppError(w, r, domain.Infra("revoke token", err))
		return
	}
	s.audit(r, "api.logout", "success")
	writeJSON(w, http.StatusOK, messageResponse{Message: "Logout bem-sucedido"})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// collaborator handlers
func (s *Server) handleCollaborators(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodGet:
		list, err := s.app.ListCollaborators(r.Context(), user.ID)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	case http.MethodPost:
		var req app.CollaboratorInput
		if !decodeJSON(w, r, &req) {
			return
		}
		created, err := s.app.CreateCollaborator(r.Context(), user.ID, req)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	default:
		methodNotAllowed(w, r)
	}
}

// /api/collaborators/{id} or /api/collaborators/import
func (s *Server) handleCollaboratorByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	id := strings.TrimPrefix(r.URL.Path, "/api/collaborators/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "not found")
		return
	}
	if id == "import" {
		s.handleImport(w, r, user)
		return
	}
	switch r.Method {
	case http.MethodPut, http.MethodPatch:
		var req app.CollaboratorPatch
		if !decodeJSON(w, r, &req) {
			return
		}
		updated, err := s.app.UpdateCollaborator(r.Context(), user.ID, id, req)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	case http.MethodDelete:
		if err := s.app.DeleteCollaborator(r.Context(), user.ID, id); err != nil {
			s.writeAppError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r)
	}
}

// import handlers
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return
	}
	maxUpload := s.app.MaxUploadBytes()
	// Leave room for the multipart envelope; the file itself is checked by size.
	r.Body = http.MaxBytesReader(w, r.Body, maxUpload+64<<10)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			verr := domain.NewValidationError()
			verr.Add("file", fmt.Sprintf("O arquivo não pode ter mais de %d kilobytes.", maxUpload/1024))
			writeValidation(w, verr)
			return
		}
		writeError(w, r, http.StatusBadRequest, "IMPORT_INVALID_FORM", "invalid form data")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()
	file, header, err := r.FormFile("file")
	if err != nil {
		verr := domain.NewValidationError()
		verr.Add("file", domain.Message("file", "required", ""))
		writeValidation(w, verr)
		return
	}
	defer file.Close()
	job, err := s.app.AcceptImport(r.Context(), user.ID, app.Upload{
		Name:        header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Body:        file,
	})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, importAcceptedResponse{
		Message: "Processamento iniciado. Você receberá um email quando terminar.",
		JobID:   job.ID,
	})
}

func (s *Server) handleImportByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/imports/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "not found")
		return
	}
	job, err := s.app.GetImport(r.Context(), user.ID, id)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type loginResponse struct {
	Message string `json:"message"`
	Token   string `json:"token"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type importAcceptedResponse struct {
	Message string `json:"message"`
	JobID   string `json:"jobId"`
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

type validationResponse struct {
	Message string              `json:"message"`
	Errors  map[string][]string `json:"errors"`
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(dst); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_JSON", "invalid JSON body")
		return false
	}
	return true
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		util.LoggerFromContext(r.Context()).Warn("missing bearer prefix", "path", r.URL.Path)
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		util.LoggerFromContext(r.Context()).Warn("empty bearer token", "path", r.URL.Path)
		return "", false
	}
	return token, true
}

func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *domain.ValidationError
	var infra *domain.InfrastructureError
	switch {
	case errors.As(err, &verr):
		writeValidation(w, verr)
	case errors.Is(err, app.ErrCollaboratorNotFound):
		writeError(w, r, http.StatusNotFound, "COLLABORATOR_NOT_FOUND", "Colaborador não encontrado")
	case errors.Is(err, app.ErrImportNotFound):
		writeError(w, r, http.StatusNotFound, "IMPORT_NOT_FOUND", "Importação não encontrada")
	case errors.As(err, &infra):
		util.LoggerFromContext(r.Context()).Error("dependency unavailable", "op", infra.Op, "err", infra.Err)
		writeError(w, r, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "service temporarily unavailable")
	default:
		util.LoggerFromContext(r.Context()).Error("request failed", "err", err)
		writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code, RequestID: util.RequestIDFromRequest(r)})
}

func writeValidation(w http.ResponseWriter, verr *domain.ValidationError) {
	writeJSON(w, http.StatusUnprocessableEntity, validationResponse{Message: "Erro de validação", Errors: verr.Fields})
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	ip := util.ClientIP(r, s.trustedProxies)
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", ip,
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)
	result, err := s.alerter.Observe(r.Context(), event, outcome, ip)
	if err != nil {
		logger.Warn("security alert counter failed", "event", event, "err", err)
		return
	}
	if result.Triggered {
		logger.Error("security_alert", "event", event, "outcome", outcome, "ip", ip,
			"count", result.Count, "threshold", result.Threshold, "window", result.Window.String())
	}
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, event string) bool {
	key := r.URL.Path + "|" + util.ClientIP(r, s.trustedProxies)
	allowed, retryAfter := limiter.Allow(r.Context(), key)
	if allowed {
		return true
	}
	s.audit(r, event, "rate_limited")
	seconds := int(retryAfter.Round(time.Second) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	writeError(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "Muitas tentativas. Tente novamente mais tarde.")
	return false
}
