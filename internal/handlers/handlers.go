package handlers

import (
	"context"

	"github.com/echofind/echofind/internal/matching"
	"github.com/echofind/echofind/internal/models"
	"github.com/echofind/echofind/internal/storage"
)

// ImageStore hosts uploaded item photos
type ImageStore interface {
	UploadImage(ctx context.Context, data []byte, contentType string) (string, error)
	DeleteImage(ctx context.Context, imageURL string) error
}

// ImageAnalyzer suggests listing details for a photo
type ImageAnalyzer interface {
	AnalyzeImageBase64(ctx context.Context, imageBase64 string) (*models.VisionAnalysisResponse, error)
}

// EventPublisher announces item lifecycle changes
type EventPublisher interface {
	PublishItemResolved(ctx context.Context, item *models.Item) error
}

// HealthChecker is implemented by every backing component
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Handler contains all HTTP handlers
type Handler struct {
	store      storage.Storage
	finder     *matching.Finder
	dispatcher matching.Dispatcher
	images     ImageStore
	vision     ImageAnalyzer
	events     EventPublisher
	jwtSecret  string
	checks     map[string]HealthChecker
}

// Options wires a Handler. Images, Vision and Events may be nil when the
// corresponding service is disabled.
type Options struct {
	Store      storage.Storage
	Finder     *matching.Finder
	Dispatcher matching.Dispatcher
	Images     ImageStore
	Vision     ImageAnalyzer
	Events     EventPublisher
	JWTSecret  string
	Checks     map[string]HealthChecker
}

// NewHandler creates a new handler instance
func NewHandler(opts Options) *Handler {
	checks := map[string]HealthChecker{"store": opts.Store}
	for name, c := range opts.Checks {
		checks[name] = c
	}

	return &Handler{
		store:      opts.Store,
		finder:     opts.Finder,
		dispatcher: opts.Dispatcher,
		images:     opts.Images,
		vision:     opts.Vision,
		events:     opts.Events,
		jwtSecret:  opts.JWTSecret,
		checks:     checks,
	}
}
