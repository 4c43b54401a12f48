package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Kerhoff/wishpool/internal/models"
	"github.com/Kerhoff/wishpool/internal/service"
)

// ---------------------------------------------------------------------------
// Wishlists
// ---------------------------------------------------------------------------

type createWishlistRequest struct {
	Title        string `json:"title"`
	Description  string `json:"description"`
	Deadline     string `json:"deadline"` // RFC 3339, optional
	NotifyChatID *int64 `json:"notify_chat_id"`
}

func (s *Server) handleCreateWishlist(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.identity(w, r)
	if !ok {
		return
	}
	var req createWishlistRequest
	if ok, msg := s.decodeJSON(r, &req); !ok {
		s.respondError(w, http.StatusBadRequest, msg)
		return
	}

	in := service.CreateWishlistInput{
		Title:        req.Title,
		Description:  req.Description,
		NotifyChatID: req.NotifyChatID,
	}
	if req.Deadline != "" {
		t, err := time.Parse(time.RFC3339, req.Deadline)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "deadline must be RFC 3339 format")
			return
		}
		in.Deadline = &t
	}

	created, err := s.svc.CreateWishlist(r.Context(), caller, in)
	if err != nil {
		s.respondServiceError(w, err, "create wishlist")
		return
	}
	s.respondJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListWishlists(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.identity(w, r)
	if !ok {
		return
	}
	lists, err := s.svc.ListWishlists(r.Context(), caller)
	if err != nil {
		s.respondServiceError(w, err, "list wishlists")
		return
	}
	if lists == nil {
		lists = []*models.Wishlist{}
	}
	s.respondJSON(w, http.StatusOK, lists)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.identity(w, r)
	if !ok {
		return
	}
	id, _, ok := s.pathIDs(w, r, false)
	if !ok {
		return
	}
	view, err := s.svc.Dashboard(r.Context(), caller, id)
	if err != nil {
		s.respondServiceError(w, err, "load wishlist")
		return
	}
	s.respondJSON(w, http.StatusOK, view)
}

func (s *Server) handlePublicWishlist(w http.ResponseWriter, r *http.Request) {
	slug := strings.TrimSpace(r.PathValue("slug"))
	if slug == "" {
		s.respondError(w, http.StatusBadRequest, "missing slug")
		return
	}
	view, err := s.svc.PublicWishlist(r.Context(), slug)
	if err != nil {
		s.respondServiceError(w, err, "load wishlist")
		return
	}
	s.respondJSON(w, http.StatusOK, view)
}

func (s *Server) handleDeleteWishlist(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.identity(w, r)
	if !ok {
		return
	}
	id, _, ok := s.pathIDs(w, r, false)
	if !ok {
		return
	}
	if err := s.svc.DeleteWishlist(r.Context(), caller, id); err != nil {
		s.respondServiceError(w, err, "delete wishlist")
		return
	}
	s.respondJSON(w, http.StatusNoContent, nil)
}

// ---------------------------------------------------------------------------
// Items
// ---------------------------------------------------------------------------

type createItemRequest struct {
	Title              string              `json:"title"`
	Price              decimal.NullDecimal `json:"price"`
	ImageURL           string              `json:"image_url"`
	ProductURL         string              `json:"product_url"`
	AllowContributions *bool               `json:"allow_contributions"`
}

// updateItemRequest keeps price raw so an explicit null (clear the price)
// can be told apart from an absent field.
type updateItemRequest struct {
	Title              *string         `json:"title"`
	Price              json.RawMessage `json:"price"`
	ImageURL           *string         `json:"image_url"`
	ProductURL         *string         `json:"product_url"`
	AllowContributions *bool           `json:"allow_contributions"`
}

func (req updateItemRequest) toUpdate() (models.ItemUpdate, error) {
	upd := models.ItemUpdate{
		Title:              req.Title,
		ImageURL:           req.ImageURL,
		ProductURL:         req.ProductURL,
		AllowContributions: req.AllowContributions,
	}
	if len(req.Price) > 0 {
		var price decimal.NullDecimal
		if !bytes.Equal(bytes.TrimSpace(req.Price), []byte("null")) {
			if err := json.Unmarshal(req.Price, &price); err != nil {
				return upd, err
			}
		}
		upd.Price = &price
	}
	return upd, nil
}

func (s *Server) handleCreateItem(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.identity(w, r)
	if !ok {
		return
	}
	wishlistID, _, ok := s.pathIDs(w, r, false)
	if !ok {
		return
	}
	var req createItemRequest
	if ok, msg := s.decodeJSON(r, &req); !ok {
		s.respondError(w, http.StatusBadRequest, msg)
		return
	}

	created, err := s.svc.CreateItem(r.Context(), caller, wishlistID, service.CreateItemInput{
		Title:              req.Title,
		Price:              req.Price,
		ImageURL:           req.ImageURL,
		ProductURL:         req.ProductURL,
		AllowContributions: req.AllowContributions,
	})
	if err != nil {
		s.respondServiceError(w, err, "create item")
		return
	}
	s.respondJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdateItem(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.identity(w, r)
	if !ok {
		return
	}
	wishlistID, itemID, ok := s.pathIDs(w, r, true)
	if !ok {
		return
	}
	var req updateItemRequest
	if ok, msg := s.decodeJSON(r, &req); !ok {
		s.respondError(w, http.StatusBadRequest, msg)
		return
	}
	upd, err := req.toUpdate()
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "price must be a decimal or null")
		return
	}

	updated, err := s.svc.UpdateItem(r.Context(), caller, wishlistID, itemID, upd)
	if err != nil {
		s.respondServiceError(w, err, "update item")
		return
	}
	s.respondJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.identity(w, r)
	if !ok {
		return
	}
	wishlistID, itemID, ok := s.pathIDs(w, r, true)
	if !ok {
		return
	}
	if err := s.svc.DeleteItem(r.Context(), caller, wishlistID, itemID); err != nil {
		s.respondServiceError(w, err, "delete item")
		return
	}
	s.respondJSON(w, http.StatusNoContent, nil)
}
