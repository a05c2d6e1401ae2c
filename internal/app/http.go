package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"labmapa/internal/auth"
	"labmapa/internal/export"
	"labmapa/internal/mapa"
	"labmapa/internal/rpc"
	"labmapa/internal/search"
)

const maxBodyBytes = 1 << 20

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *zap.Logger
	metrics    http.Handler
	checks     map[string]func(context.Context) error
}

func NewHTTPServer(service *Service, corsOrigin string, logger *zap.Logger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		logger:     logger,
		checks:     map[string]func(context.Context) error{"database": service.Ping},
	}
}

// AddReadinessCheck registers a dependency reported by /api/ready.
func (s *HTTPServer) AddReadinessCheck(name string, check func(context.Context) error) {
	s.checks[name] = check
}

// SetMetricsHandler serves h on /metrics.
func (s *HTTPServer) SetMetricsHandler(h http.Handler) {
	s.metrics = h
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	isRead := r.Method == http.MethodGet || r.Method == http.MethodHead
	switch {
	case isRead && r.URL.Path == "/api/health":
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	case isRead && r.URL.Path == "/api/ready":
		s.handleReady(w, r)
		return
	case isRead && r.URL.Path == "/metrics" && s.metrics != nil:
		s.metrics.ServeHTTP(w, r)
		return
	case r.Method == http.MethodPost && r.URL.Path == "/api/session/login":
		s.handleLogin(w, r)
		return
	case r.Method == http.MethodGet && r.URL.Path == "/api/session":
		s.handleSession(w, r)
		return
	case r.Method == http.MethodPost && r.URL.Path == "/api/session/logout":
		if session, err := s.service.SessionFromToken(r.Context(), bearerToken(r)); err == nil {
			if err := s.service.Logout(r.Context(), session); err != nil {
				s.logger.Warn("logout failed", zap.Error(err))
			}
		}
		writeData(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 3 || parts[0] != "api" || parts[1] != "mapa" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found")
		return
	}
	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	switch {
	case r.Method == http.MethodPost && len(parts) == 3 && parts[2] == "load":
		var body mapa.LoadRequest
		if !decodeOrFail(w, r, &body) {
			return
		}
		resp, err := s.service.Load(r.Context(), session, body)
		respond(w, resp, err)
	case r.Method == http.MethodPost && len(parts) == 3 && parts[2] == "save":
		var body mapa.SaveRequest
		if !decodeOrFail(w, r, &body) {
			return
		}
		resp, err := s.service.Save(r.Context(), session, body)
		respond(w, resp, err)
	case r.Method == http.MethodPost && len(parts) == 3 && parts[2] == "vistar":
		var body mapa.VistarRequest
		if !decodeOrFail(w, r, &body) {
			return
		}
		resp, err := s.service.Vistar(r.Context(), session, body)
		respond(w, resp, err)
	case r.Method == http.MethodGet && len(parts) == 3 && parts[2] == "search":
		s.handleSearch(w, r, session)
	case r.Method == http.MethodGet && len(parts) == 4 && parts[3] == "export":
		s.handleExport(w, r, session, parts[2])
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found")
	}
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	ready := true
	checks := make(map[string]any, len(s.checks))
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			ready = false
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}

	status, statusCode := "ready", http.StatusOK
	if !ready {
		status, statusCode = "not_ready", http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, map[string]any{"ok": ready, "status": status, "checks": checks})
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Login string `json:"login"`
	}
	if !decodeOrFail(w, r, &body) {
		return
	}
	session, err := s.service.Login(r.Context(), body.Login)
	if err != nil {
		s.logger.Warn("login failed", zap.Error(err))
		respond(w, nil, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"token":    session.Token,
		"userId":   session.UserID,
		"userName": session.UserName,
		"role":     session.Role,
	})
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.service.SessionFromToken(r.Context(), bearerToken(r))
	if err != nil {
		writeData(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"userId":        session.UserID,
		"userName":      session.UserName,
		"role":          session.Role,
	})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, session Session) {
	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))
	resp, err := s.service.Search(r.Context(), session, search.Query{
		Text:        strings.TrimSpace(query.Get("q")),
		OnlyPending: query.Get("pending") == "1",
		Limit:       limit,
		Offset:      offset,
	})
	respond(w, resp, err)
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request, session Session, rawID string) {
	parameterID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || parameterID <= 0 {
		writeError(w, http.StatusBadRequest, "INVALID_ID", "Parameter id must be a positive integer")
		return
	}
	query := r.URL.Query()
	format, err := export.ParseFormat(query.Get("format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_FORMAT", err.Error())
		return
	}
	req := export.Request{ParameterID: parameterID, Format: format, IncludeVistos: query.Get("vistos") != "0"}

	if query.Get("archive") == "1" {
		ref, err := s.service.Archive(r.Context(), session, req)
		respond(w, ref, err)
		return
	}

	res, err := s.service.Export(r.Context(), session, req)
	if err != nil {
		respond(w, nil, err)
		return
	}
	w.Header().Set("Content-Type", res.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", res.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Data)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing bearer token")
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized")
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Duration("duration", time.Since(started)),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Access-Control-Expose-Headers", "Content-Disposition, X-Request-ID")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeData(w http.ResponseWriter, status int, data any) {
	env, err := rpc.OK(data)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Server error")
		return
	}
	writeJSON(w, status, env)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, rpc.Fail(code, message))
}

func respond(w http.ResponseWriter, data any, err error) {
	if err != nil {
		status, code, message := mapError(err)
		writeError(w, status, code, message)
		return
	}
	writeData(w, http.StatusOK, data)
}

func decodeOrFail(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := decodeBody(w, r, target); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return false
	}
	return true
}

func decodeBody(w http.ResponseWriter, r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message
	}
	if e, ok := mapa.AsError(err); ok {
		return rpc.StatusForKind(e.Kind), string(e.Kind), e.Message
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found"
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized"
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error"
}
