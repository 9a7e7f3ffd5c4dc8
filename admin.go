package offlinecache

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

type statusResponse struct {
	CacheName   string             `json:"cacheName"`
	Controller  string             `json:"controller,omitempty"`
	Generations []GenerationStatus `json:"generations"`
}

// AdminRoutes returns the routes for inspecting and driving the offline cache:
//
//	GET  /status      generations and which one is in control
//	GET  /caches      names of all caches
//	POST /install     install the configured generation
//	POST /unregister  retire all generations
func (o *OfflineCache) AdminRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		controller, _ := o.registration.Controller()
		o.writeJSON(w, http.StatusOK, statusResponse{
			CacheName:   o.policy.CacheName,
			Controller:  controller,
			Generations: o.registration.Status(),
		})
	})
	r.Get("/caches", func(w http.ResponseWriter, r *http.Request) {
		names, err := o.storage.Keys(r.Context())
		if err != nil {
			o.log.Error().Err(err).Msg("Could not list caches")
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		o.writeJSON(w, http.StatusOK, names)
	})
	r.Post("/install", func(w http.ResponseWriter, r *http.Request) {
		if err := o.Install(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	r.Post("/unregister", func(w http.ResponseWriter, r *http.Request) {
		o.registration.Unregister()
		w.WriteHeader(http.StatusNoContent)
	})
	return r
}

func (o *OfflineCache) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		o.log.Error().Err(err).Msg("Could not write response body to client")
	}
}
