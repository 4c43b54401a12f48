package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Kerhoff/wishpool/internal/fanout"
	"github.com/Kerhoff/wishpool/internal/ledger"
	"github.com/Kerhoff/wishpool/internal/models"
	"github.com/Kerhoff/wishpool/internal/service"
)

// UserHeader carries the caller's user id, set by the upstream identity
// provider. Requests without it are anonymous.
const UserHeader = "X-User-ID"

// RequestObserver records per-request metrics.
type RequestObserver interface {
	ObserveAPI(method, route string, status int, dur time.Duration)
}

// Options tunes the server. Zero values fall back to defaults.
type Options struct {
	SubscriberBuffer int
	Heartbeat        time.Duration
	Observer         RequestObserver
}

// Server provides the HTTP API.
type Server struct {
	svc    *service.Service
	hub    *fanout.Hub
	logger *logrus.Logger
	mux    *http.ServeMux
	opts   Options
}

// NewServer creates a Server, registers all routes, and returns it.
func NewServer(svc *service.Service, hub *fanout.Hub, logger *logrus.Logger, opts Options) *Server {
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = 16
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}
	s := &Server{svc: svc, hub: hub, logger: logger, mux: http.NewServeMux(), opts: opts}
	s.routes()
	return s
}

// Handler returns the http.Handler that can be passed to http.Server.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.serveObserved)
}

// ---------------------------------------------------------------------------
// Routes
// ---------------------------------------------------------------------------

func (s *Server) routes() {
	// API – Wishlists (owner)
	s.mux.HandleFunc("POST /api/wishlists", s.handleCreateWishlist)
	s.mux.HandleFunc("GET /api/wishlists", s.handleListWishlists)
	s.mux.HandleFunc("GET /api/wishlists/{id}", s.handleDashboard)
	s.mux.HandleFunc("DELETE /api/wishlists/{id}", s.handleDeleteWishlist)

	// API – Items (owner)
	s.mux.HandleFunc("POST /api/wishlists/{id}/items", s.handleCreateItem)
	s.mux.HandleFunc("PATCH /api/wishlists/{id}/items/{itemID}", s.handleUpdateItem)
	s.mux.HandleFunc("DELETE /api/wishlists/{id}/items/{itemID}", s.handleDeleteItem)

	// API – Reservations
	s.mux.HandleFunc("POST /api/wishlists/{id}/items/{itemID}/reservations", s.handleReserve)
	s.mux.HandleFunc("GET /api/wishlists/{id}/items/{itemID}/reservations", s.handleListReservations)

	// Live updates & public page
	s.mux.HandleFunc("GET /api/wishlists/{id}/events", s.handleStream)
	s.mux.HandleFunc("GET /api/public/wishlists/{slug}", s.handlePublicWishlist)

	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

// serveObserved logs and measures every request by its matched pattern.
func (s *Server) serveObserved(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)

	dur := time.Since(start)
	if s.opts.Observer != nil {
		s.opts.Observer.ObserveAPI(r.Method, r.Pattern, rec.status, dur)
	}
	s.logger.WithFields(logrus.Fields{
		"method":   r.Method,
		"route":    r.Pattern,
		"status":   rec.status,
		"duration": dur,
	}).Debug("HTTP request")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// ---------------------------------------------------------------------------
// JSON helpers
// ---------------------------------------------------------------------------

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			s.logger.WithError(err).Error("failed to encode JSON response")
		}
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

func (s *Server) respondReason(w http.ResponseWriter, status int, reason ledger.Reason, message string) {
	s.respondJSON(w, status, map[string]string{"error": message, "reason": string(reason)})
}

// decodeJSON reads the request body into dst and returns an error message on
// failure.  The caller should return immediately when ok == false.
func (s *Server) decodeJSON(r *http.Request, dst any) (ok bool, errMsg string) {
	if r.Body == nil {
		return false, "request body is empty"
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return false, fmt.Sprintf("invalid JSON: %v", err)
	}
	return true, ""
}

// pathUUID extracts a uuid path value.
func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	raw := r.PathValue(name)
	if raw == "" {
		return uuid.Nil, fmt.Errorf("missing %s in path", name)
	}
	return uuid.Parse(raw)
}

// pathIDs extracts {id} and, when withItem is set, {itemID}. It writes the
// error response itself.
func (s *Server) pathIDs(w http.ResponseWriter, r *http.Request, withItem bool) (wishlistID, itemID uuid.UUID, ok bool) {
	wishlistID, err := pathUUID(r, "id")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid wishlist id")
		return uuid.Nil, uuid.Nil, false
	}
	if !withItem {
		return wishlistID, uuid.Nil, true
	}
	itemID, err = pathUUID(r, "itemID")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid item id")
		return uuid.Nil, uuid.Nil, false
	}
	return wishlistID, itemID, true
}

// identity resolves the caller from the UserHeader. It writes a 400 and
// returns ok == false when the header is malformed.
func (s *Server) identity(w http.ResponseWriter, r *http.Request) (models.Identity, bool) {
	raw := r.Header.Get(UserHeader)
	if raw == "" {
		return models.Identity{}, true
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, UserHeader+" must be a uuid")
		return models.Identity{}, false
	}
	return models.Identity{UserID: &id}, true
}

// respondServiceError maps service and ledger errors to HTTP responses.
func (s *Server) respondServiceError(w http.ResponseWriter, err error, action string) {
	switch {
	case errors.Is(err, service.ErrForbidden):
		s.respondError(w, http.StatusForbidden, "not allowed")
		return
	case errors.Is(err, service.ErrInvalidInput):
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, service.ErrNotFound):
		s.respondReason(w, http.StatusNotFound, ledger.ReasonNotFound, "not found")
		return
	}

	switch reason := ledger.ReasonOf(err); reason {
	case ledger.ReasonNotFound:
		s.respondReason(w, http.StatusNotFound, reason, "item not found")
	case ledger.ReasonInvalidAmount:
		s.respondReason(w, http.StatusBadRequest, reason, "amount must be non-negative with at most two decimal places")
	case ledger.ReasonContributionsDisallowed:
		s.respondReason(w, http.StatusConflict, reason, "this item can only be reserved in full")
	case ledger.ReasonWouldExceedCapacity:
		s.respondReason(w, http.StatusConflict, reason, "amount exceeds what is left on this item")
	case ledger.ReasonCancelled:
		s.respondReason(w, http.StatusRequestTimeout, reason, "request cancelled")
	default:
		s.logger.WithError(err).Errorf("failed to %s", action)
		if errors.Is(err, ledger.ErrStoreUnavailable) {
			w.Header().Set("Retry-After", "1")
			s.respondReason(w, http.StatusServiceUnavailable, ledger.ReasonStoreUnavailable, "temporarily unavailable, retry later")
			return
		}
		s.respondError(w, http.StatusInternalServerError, "failed to "+action)
	}
}
