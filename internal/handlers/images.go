package handlers

import (
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/echofind/echofind/internal/imaging"
	"github.com/echofind/echofind/internal/models"
)

// UploadResponse is returned by POST /api/images
type UploadResponse struct {
	ImageURL string `json:"imageUrl"`
}

// UploadImage handles POST /api/images
func (h *Handler) UploadImage(w http.ResponseWriter, r *http.Request) {
	if h.images == nil {
		jsonError(w, http.StatusServiceUnavailable, "image storage is not configured")
		return
	}

	photo, ok := readPhoto(w, r)
	if !ok {
		return
	}

	imageURL, err := h.images.UploadImage(r.Context(), photo.Data, photo.MIME)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upload image")
		jsonError(w, http.StatusInternalServerError, "failed to upload image")
		return
	}

	jsonResponse(w, http.StatusCreated, UploadResponse{ImageURL: imageURL})
}

// AnalyzeImage handles POST /api/analyze-image. The photo is also uploaded
// when image storage is configured.
func (h *Handler) AnalyzeImage(w http.ResponseWriter, r *http.Request) {
	if h.vision == nil {
		jsonError(w, http.StatusServiceUnavailable, "image analysis is not configured")
		return
	}

	photo, ok := readPhoto(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	analysis, err := h.vision.AnalyzeImageBase64(ctx, base64.StdEncoding.EncodeToString(photo.Data))
	if err != nil {
		log.Error().Err(err).Msg("Failed to analyze image")
		analysis = &models.VisionAnalysisResponse{
			Title:       "Found item",
			Description: "The photo could not be described automatically. Please enter a description.",
			Category:    string(models.CategoryOther),
			Confidence:  "low",
		}
	}

	if h.images != nil {
		imageURL, err := h.images.UploadImage(ctx, photo.Data, photo.MIME)
		if err != nil {
			log.Error().Err(err).Msg("Failed to upload analyzed image")
		} else {
			analysis.ImageURL = imageURL
		}
	}

	jsonResponse(w, http.StatusOK, analysis)
}

// readPhoto reads the multipart "image" field and prepares it for storage
func readPhoto(w http.ResponseWriter, r *http.Request) (*imaging.Photo, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, imaging.MaxUploadBytes+(1<<20))
	if err := r.ParseMultipartForm(imaging.MaxUploadBytes); err != nil {
		jsonError(w, http.StatusBadRequest, "failed to parse form")
		return nil, false
	}

	file, _, err := r.FormFile("image")
	if err != nil {
		jsonError(w, http.StatusBadRequest, "image is required")
		return nil, false
	}
	defer file.Close()

	photo, err := imaging.Prepare(file)
	switch {
	case err == nil:
		return photo, true
	case errors.Is(err, imaging.ErrTooLarge):
		jsonError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, imaging.ErrUnsupportedFormat):
		jsonError(w, http.StatusBadRequest, err.Error())
	default:
		log.Warn().Err(err).Msg("Failed to process uploaded image")
		jsonError(w, http.StatusBadRequest, "invalid image")
	}
	return nil, false
}
