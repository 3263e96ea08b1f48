package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/echofind/echofind/internal/matching"
	"github.com/echofind/echofind/internal/models"
	"github.com/echofind/echofind/internal/storage"
)

// MatchesResponse is returned by GET /api/items/{id}/matches
type MatchesResponse struct {
	ItemID  string               `json:"itemId"`
	Matches []matching.Candidate `json:"matches"`
}

// ListItems handles GET /api/items
func (h *Handler) ListItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.ItemFilter{
		Status:   models.ItemStatus(q.Get("status")),
		Category: models.ItemCategory(q.Get("category")),
		Search:   strings.TrimSpace(q.Get("search")),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		jsonError(w, http.StatusBadRequest, "unknown status")
		return
	}
	if filter.Category != "" && !filter.Category.Valid() {
		jsonError(w, http.StatusBadRequest, "unknown category")
		return
	}

	h.listItems(w, r, filter)
}

// MyItems handles GET /api/items/mine
func (h *Handler) MyItems(w http.ResponseWriter, r *http.Request) {
	h.listItems(w, r, models.ItemFilter{OwnerID: GetClaims(r.Context()).UserID})
}

func (h *Handler) listItems(w http.ResponseWriter, r *http.Request, filter models.ItemFilter) {
	items, err := h.store.ListItems(r.Context(), filter)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list items")
		jsonError(w, http.StatusInternalServerError, "failed to list items")
		return
	}
	if items == nil {
		items = []*models.Item{}
	}
	jsonResponse(w, http.StatusOK, items)
}

// GetItem handles GET /api/items/{id}
func (h *Handler) GetItem(w http.ResponseWriter, r *http.Request) {
	item, ok := h.loadItem(w, r)
	if !ok {
		return
	}
	jsonResponse(w, http.StatusOK, item)
}

// GetMatches handles GET /api/items/{id}/matches
func (h *Handler) GetMatches(w http.ResponseWriter, r *http.Request) {
	item, ok := h.loadItem(w, r)
	if !ok {
		return
	}

	matches := h.finder.FindMatches(r.Context(), item)
	if matches == nil {
		matches = []matching.Candidate{}
	}
	jsonResponse(w, http.StatusOK, MatchesResponse{ItemID: item.ID, Matches: matches})
}

// CreateItem handles POST /api/items. The match search is dispatched
// after the response is written.
func (h *Handler) CreateItem(w http.ResponseWriter, r *http.Request) {
	claims := GetClaims(r.Context())

	var req models.CreateItemRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Normalize()
	date, err := req.Validate()
	if err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := time.Now().UTC()
	item := &models.Item{
		ID:               uuid.New().String(),
		Status:           req.Status,
		Category:         req.Category,
		Title:            req.Title,
		Description:      req.Description,
		Location:         req.Location,
		Date:             date,
		ImageURL:         req.ImageURL,
		UniqueIdentifier: req.UniqueIdentifier,
		OwnerID:          claims.UserID,
		OwnerEmail:       claims.Email,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := h.store.CreateItem(r.Context(), item); err != nil {
		log.Error().Err(err).Msg("Failed to create item")
		jsonError(w, http.StatusInternalServerError, "failed to create item")
		return
	}

	log.Info().
		Str("id", item.ID).
		Str("status", string(item.Status)).
		Str("category", string(item.Category)).
		Msg("Item created")

	jsonResponse(w, http.StatusCreated, item)
	// the client has its answer before a broker publish can stall
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	if err := h.dispatcher.Dispatch(item); err != nil {
		log.Warn().Err(err).Str("id", item.ID).Msg("Failed to dispatch match search")
	}
}

// UpdateItem handles PUT /api/items/{id}
func (h *Handler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	item, ok := h.loadOwnedItem(w, r)
	if !ok {
		return
	}

	var req models.UpdateItemRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	oldImage := item.ImageURL
	if err := req.Apply(item); err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.store.UpdateItem(r.Context(), item); err != nil {
		h.storeError(w, err, "failed to update item")
		return
	}

	if oldImage != "" && oldImage != item.ImageURL {
		h.deleteImage(r, oldImage)
	}

	jsonResponse(w, http.StatusOK, item)
}

// ResolveItem handles PUT /api/items/{id}/resolve
func (h *Handler) ResolveItem(w http.ResponseWriter, r *http.Request) {
	item, ok := h.loadOwnedItem(w, r)
	if !ok {
		return
	}

	item.Status = models.StatusResolved
	item.IsMatched = true
	if err := h.store.UpdateItem(r.Context(), item); err != nil {
		h.storeError(w, err, "failed to resolve item")
		return
	}

	log.Info().Str("id", item.ID).Msg("Item resolved")

	if h.events != nil {
		if err := h.events.PublishItemResolved(r.Context(), item); err != nil {
			log.Error().Err(err).Str("id", item.ID).Msg("Failed to publish item.resolved")
		}
	}

	jsonResponse(w, http.StatusOK, item)
}

// DeleteItem handles DELETE /api/items/{id}
func (h *Handler) DeleteItem(w http.ResponseWriter, r *http.Request) {
	item, ok := h.loadOwnedItem(w, r)
	if !ok {
		return
	}

	if err := h.store.DeleteItem(r.Context(), item.ID); err != nil {
		h.storeError(w, err, "failed to delete item")
		return
	}

	if item.ImageURL != "" {
		h.deleteImage(r, item.ImageURL)
	}

	log.Info().Str("id", item.ID).Msg("Item deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) loadItem(w http.ResponseWriter, r *http.Request) (*models.Item, bool) {
	item, err := h.store.GetItem(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.storeError(w, err, "failed to load item")
		return nil, false
	}
	return item, true
}

// loadOwnedItem loads the item and rejects callers other than its owner
func (h *Handler) loadOwnedItem(w http.ResponseWriter, r *http.Request) (*models.Item, bool) {
	item, ok := h.loadItem(w, r)
	if !ok {
		return nil, false
	}
	if item.OwnerID != GetClaims(r.Context()).UserID {
		jsonError(w, http.StatusForbidden, "not the owner of this item")
		return nil, false
	}
	return item, true
}

func (h *Handler) storeError(w http.ResponseWriter, err error, message string) {
	if errors.Is(err, storage.ErrNotFound) {
		jsonError(w, http.StatusNotFound, "item not found")
		return
	}
	log.Error().Err(err).Msg(message)
	jsonError(w, http.StatusInternalServerError, message)
}

func (h *Handler) deleteImage(r *http.Request, imageURL string) {
	if h.images == nil {
		return
	}
	if err := h.images.DeleteImage(r.Context(), imageURL); err != nil {
		log.Warn().Err(err).Str("url", imageURL).Msg("Failed to delete item image")
	}
}
