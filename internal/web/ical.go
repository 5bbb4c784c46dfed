package web

import (
	"bytes"
	"io"
	"mime"
	"net/http"
	"strings"
)

// GET /ical/{room}[.ics] serves the outbound feed of a room's manually
// created reservations.
func (s *Server) handleICal(w http.ResponseWriter, r *http.Request) {
	room := roomFromPath(r)

	var buf bytes.Buffer
	if err := s.svc.ExportICS(r.Context(), room, &buf); err != nil {
		writeServiceError(w, err)
		return
	}
	writeCalendar(w, room, &buf)
}

// GET /ical/demo/{room} serves a placeholder feed for wiring up a platform.
func (s *Server) handleDemoICal(w http.ResponseWriter, r *http.Request) {
	room := roomFromPath(r)

	var buf bytes.Buffer
	if err := s.svc.DemoICS(room, &buf); err != nil {
		writeServiceError(w, err)
		return
	}
	writeCalendar(w, room, &buf)
}

func roomFromPath(r *http.Request) string {
	return strings.TrimSuffix(r.PathValue("room"), ".ics")
}

func writeCalendar(w http.ResponseWriter, room string, body io.Reader) {
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	// FormatMediaType switches to RFC 2231 encoding for non-ASCII room names.
	if cd := mime.FormatMediaType("attachment", map[string]string{"filename": room + ".ics"}); cd != "" {
		w.Header().Set("Content-Disposition", cd)
	}
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, body)
}
