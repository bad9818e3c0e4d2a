package httpapi

import (
	"net/http"

	"github.com/mistakeknot/intercom/internal/coord"
)

type reservationsResponse struct {
	Reservations []coord.ReservationView `json:"reservations"`
}

// POST /api/reservations
func (s *Service) handleReserve(w http.ResponseWriter, r *http.Request) {
	var req coord.ReservePathsArgs
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	view, err := s.coord.ReservePaths(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

// GET /api/reservations?project=&agent=
func (s *Service) handleListReservations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rs, err := s.coord.ListReservations(r.Context(), coord.ListReservationsArgs{
		ProjectKey: q.Get("project"),
		AgentName:  q.Get("agent"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reservationsResponse{Reservations: rs})
}

// POST /api/reservations/release
func (s *Service) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req coord.ReleasePathsArgs
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	view, err := s.coord.ReleaseReservations(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// POST /api/reservations/renew
func (s *Service) handleRenew(w http.ResponseWriter, r *http.Request) {
	var req coord.RenewPathsArgs
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	view, err := s.coord.RenewReservations(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}
