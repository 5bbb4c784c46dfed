package web

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"kiotbook/internal/app"
	"kiotbook/internal/booking"
	"kiotbook/internal/config"
	appLog "kiotbook/internal/log"
	"kiotbook/internal/store"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// Server provides the reservation API and the public calendar feeds.
type Server struct {
	cfg     *config.Config
	svc     *app.Service
	mux     *http.ServeMux
	limiter *ipLimiter
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, svc *app.Service) *Server {
	s := &Server{
		cfg:     cfg,
		svc:     svc,
		mux:     http.NewServeMux(),
		limiter: newIPLimiter(cfg.ICal.PublicRatePerMinute),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled for /api", "listen", "http://"+s.cfg.Listen)
		h = s.basicAuthMiddleware(h)
	}
	return logRequests(recoverPanics(h))
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.PasswordHash != ""
}

// basicAuthMiddleware guards /api with HTTP Basic Auth. /health and the
// calendar feeds stay public: booking platforms poll them anonymously.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	hash := []byte(s.cfg.BasicAuth.PasswordHash)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api" && !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || bcrypt.CompareHashAndPassword(hash, []byte(p)) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="Kiotbook", charset="UTF-8"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("GET /api/rooms", s.handleRooms)
	s.mux.HandleFunc("GET /api/reservations", s.handleListReservations)
	s.mux.HandleFunc("POST /api/reservations", s.handleCreateReservation)
	s.mux.HandleFunc("DELETE /api/reservations/{id}", s.handleDeleteReservation)
	s.mux.HandleFunc("POST /api/reservations/{id}/paid", s.handleSetPaid)
	s.mux.HandleFunc("POST /api/conflicts", s.handleCheckConflict)
	s.mux.HandleFunc("GET /api/sync", s.handleLastSync)
	s.mux.HandleFunc("POST /api/sync", s.handleSync)

	s.mux.Handle("GET /ical/{room}", s.limiter.middleware(http.HandlerFunc(s.handleICal)))
	s.mux.Handle("GET /ical/demo/{room}", s.limiter.middleware(http.HandlerFunc(s.handleDemoICal)))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type roomDTO struct {
	ID      string   `json:"id"`
	Price   int64    `json:"price"`
	HasFeed bool     `json:"has_feed"`
	Members []string `json:"members,omitempty"`
}

type roomsResponse struct {
	Rooms       []roomDTO `json:"rooms"`
	DefaultRate int64     `json:"default_rate"`
}

// handleRooms lists configured rooms. Feed URLs carry access tokens and
// are never returned.
func (s *Server) handleRooms(w http.ResponseWriter, _ *http.Request) {
	cat := s.svc.Catalog()
	ids := cat.RoomIDs()

	resp := roomsResponse{Rooms: make([]roomDTO, 0, len(ids)), DefaultRate: cat.DefaultRate}
	for _, id := range ids {
		rc := cat.Rooms[id]
		resp.Rooms = append(resp.Rooms, roomDTO{
			ID:      id,
			Price:   cat.Rate(id),
			HasFeed: rc.ICalURL != "",
			Members: cat.Groups[id],
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeServiceError maps domain errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	if ve := booking.IsValidationError(err); ve != nil {
		writeJSON(w, http.StatusBadRequest, validationResp{Error: ve.Error(), Fields: ve.Fields()})
		return
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "reservation not found")
	case errors.Is(err, booking.ErrUnknownRoom):
		writeError(w, http.StatusNotFound, "unknown room")
	default:
		appLog.Error("request failed", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type validationResp struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func parseBoolDefault(s string, def bool) bool {
	if s == "" {
		return def
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return def
	}
	return b
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// requestID returns the trace ID of the span in ctx when one is recording
// upstream, or a fresh random ID otherwise.
func requestID(r *http.Request) string {
	if sc := trace.SpanContextFromContext(r.Context()); sc.IsValid() {
		return sc.TraceID().String()
	}
	if id := r.Header.Get("X-Request-ID"); id != "" && len(id) <= 64 {
		return id
	}
	return uuid.NewString()
}

// logRequests logs method, path, status and latency at debug level.
func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := requestID(r)
		w.Header().Set("X-Request-ID", id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		appLog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"request_id", id,
			"latency", time.Since(start).String(),
		)
	})
}

// recoverPanics turns a handler panic into a 500.
func recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if re := recover(); re != nil {
				err, ok := re.(error)
				if !ok {
					err = fmt.Errorf("%v", re)
				}
				appLog.Error("handler panic", err, "path", r.URL.Path)
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
