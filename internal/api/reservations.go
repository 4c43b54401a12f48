package api

import (
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/Kerhoff/wishpool/internal/service"
)

type reserveRequest struct {
	Amount            decimal.Decimal `json:"amount"`
	IsFullReservation bool            `json:"is_full_reservation"`
	GuestName         string          `json:"guest_name"`
}

func (s *Server) handleReserve(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.identity(w, r)
	if !ok {
		return
	}
	wishlistID, itemID, ok := s.pathIDs(w, r, true)
	if !ok {
		return
	}
	var req reserveRequest
	if ok, msg := s.decodeJSON(r, &req); !ok {
		s.respondError(w, http.StatusBadRequest, msg)
		return
	}

	view, err := s.svc.Reserve(r.Context(), caller, wishlistID, itemID, service.ReserveInput{
		Amount:            req.Amount,
		IsFullReservation: req.IsFullReservation,
		GuestName:         strings.TrimSpace(req.GuestName),
	})
	if err != nil {
		s.respondServiceError(w, err, "reserve item")
		return
	}
	s.respondJSON(w, http.StatusCreated, view)
}

func (s *Server) handleListReservations(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.identity(w, r)
	if !ok {
		return
	}
	wishlistID, itemID, ok := s.pathIDs(w, r, true)
	if !ok {
		return
	}
	list, err := s.svc.ListReservations(r.Context(), caller, wishlistID, itemID)
	if err != nil {
		s.respondServiceError(w, err, "list reservations")
		return
	}
	s.respondJSON(w, http.StatusOK, list)
}
