package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"kiotbook/internal/booking"
	"kiotbook/internal/model"
)

type reservationsResponse struct {
	Reservations []model.Reservation `json:"reservations"`
}

// GET /api/reservations?room=101
func (s *Server) handleListReservations(w http.ResponseWriter, r *http.Request) {
	rs, err := s.svc.ListReservations(r.Context(), r.URL.Query().Get("room"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if rs == nil {
		rs = []model.Reservation{}
	}
	writeJSON(w, http.StatusOK, reservationsResponse{Reservations: rs})
}

type createResponse struct {
	Reservation *model.Reservation `json:"reservation,omitempty"`
	Conflict    *model.Reservation `json:"conflict,omitempty"`
	Error       string             `json:"error,omitempty"`
}

// POST /api/reservations[?force=true]
//
// A conflicting candidate is refused with 409 and the conflicting
// reservation; force=true stores it anyway and still reports the conflict.
func (s *Server) handleCreateReservation(w http.ResponseWriter, r *http.Request) {
	var in booking.ManualInput
	if !decodeJSON(w, r, &in) {
		return
	}
	force := parseBoolDefault(r.URL.Query().Get("force"), false)

	res, conflict, err := s.svc.CreateReservation(r.Context(), in, force)
	if errors.Is(err, booking.ErrConflict) {
		writeJSON(w, http.StatusConflict, createResponse{Conflict: conflict, Error: err.Error()})
		return
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createResponse{Reservation: res, Conflict: conflict})
}

// DELETE /api/reservations/{id}
func (s *Server) handleDeleteReservation(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteReservation(r.Context(), r.PathValue("id")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type paidRequest struct {
	Paid *bool `json:"paid"`
}

// POST /api/reservations/{id}/paid with optional {"paid": false}; an empty
// body marks the reservation paid.
func (s *Server) handleSetPaid(w http.ResponseWriter, r *http.Request) {
	paid := true

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if len(body) > 0 {
		var req paidRequest
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.Paid != nil {
			paid = *req.Paid
		}
	}

	res, err := s.svc.SetPaid(r.Context(), r.PathValue("id"), paid)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type conflictResponse struct {
	Conflict    bool               `json:"conflict"`
	Reservation *model.Reservation `json:"reservation,omitempty"`
}

// POST /api/conflicts {room, check_in, check_out}
func (s *Server) handleCheckConflict(w http.ResponseWriter, r *http.Request) {
	var c booking.Candidate
	if !decodeJSON(w, r, &c) {
		return
	}
	found, err := s.svc.CheckConflict(r.Context(), c)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conflictResponse{Conflict: found != nil, Reservation: found})
}

// POST /api/sync runs a reconciliation now. When every feed failed the
// summary is still returned, with 502.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	sum, err := s.svc.SyncNow(r.Context())
	if errors.Is(err, booking.ErrSyncFailed) {
		writeJSON(w, http.StatusBadGateway, sum)
		return
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// GET /api/sync returns the last run, or 204 before the first one.
func (s *Server) handleLastSync(w http.ResponseWriter, _ *http.Request) {
	last := s.svc.LastSync()
	if last == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, last)
}
