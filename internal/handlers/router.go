package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// NewRouter configures all routes and middleware
func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()

	r.Use(loggingMiddleware)
	r.Use(recoveryMiddleware)

	authMW := AuthMiddleware(h.jwtSecret)
	protected := func(fn http.HandlerFunc) http.Handler {
		return authMW(fn)
	}

	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/auth/register", h.Register).Methods("POST")
	api.HandleFunc("/auth/login", h.Login).Methods("POST")

	// /mine and /resolve/{id} are registered before /{id}
	api.HandleFunc("/items", h.ListItems).Methods("GET")
	api.Handle("/items", protected(h.CreateItem)).Methods("POST")
	api.Handle("/items/mine", protected(h.MyItems)).Methods("GET")
	api.Handle("/items/resolve/{id}", protected(h.ResolveItem)).Methods("PUT")
	api.HandleFunc("/items/{id}", h.GetItem).Methods("GET")
	api.Handle("/items/{id}", protected(h.UpdateItem)).Methods("PUT")
	api.Handle("/items/{id}", protected(h.DeleteItem)).Methods("DELETE")
	api.Handle("/items/{id}/resolve", protected(h.ResolveItem)).Methods("PUT")
	api.HandleFunc("/items/{id}/matches", h.GetMatches).Methods("GET")

	api.Handle("/images", protected(h.UploadImage)).Methods("POST")
	api.Handle("/analyze-image", protected(h.AnalyzeImage)).Methods("POST")

	api.HandleFunc("/health", h.HealthCheck).Methods("GET")
	r.HandleFunc("/health", h.HealthCheck).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	log.Info().Msg("Routes configured successfully")
	return r
}
