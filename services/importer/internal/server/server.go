package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"rosterhub/internal/servicetoken"
	"rosterhub/internal/util"
	"rosterhub/pkg/domain"
	"rosterhub/services/importer/internal/app"
)

// JobReader is the part of the worker app the server needs.
type JobReader interface {
	GetJob(ctx context.Context, id string) (domain.ImportJob, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App      JobReader
	Verifier *servicetoken.Verifier
}

// Server exposes health and operator endpoints of the importer.
type Server struct {
	app      JobReader
	verifier *servicetoken.Verifier
	mux      *http.ServeMux
}

func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	s := &Server{app: cfg.App, verifier: cfg.Verifier, mux: http.NewServeMux()}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("importer", s.mux))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	// Without verifier keys the internal routes stay closed.
	s.mux.Handle("/internal/imports/", servicetoken.Require(s.verifier, http.HandlerFunc(s.handleJob)))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/internal/imports/"), "/")
	job, err := s.app.GetJob(r.Context(), id)
	switch {
	case errors.Is(err, app.ErrJobNotFound):
		writeError(w, r, http.StatusNotFound, "IMPORT_NOT_FOUND", "Importação não encontrada")
		return
	case err != nil:
		util.LoggerFromContext(r.Context()).Error("get import job failed", "err", err)
		writeError(w, r, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "service temporarily unavailable")
		return
	}
	util.LoggerFromContext(r.Context()).Info("import status read", "job_id", id, "caller", servicetoken.CallerFromContext(r.Context()))
	writeJSON(w, http.StatusOK, job)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code, RequestID: util.RequestIDFromRequest(r)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
