package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ngoyal88/searchlog/pkg/interceptor"
	"github.com/ngoyal88/searchlog/pkg/storage"
)

// AdminKeyHeader carries the admin key on every /admin request.
const AdminKeyHeader = "X-Admin-Key"

// StatsSource reports logging counters for the health endpoint.
type StatsSource interface {
	Stats() interceptor.Stats
}

// AdminAPI provides read access to the logged users and searches.
type AdminAPI struct {
	store    storage.Store
	stats    StatsSource
	adminKey string
}

// NewAdminAPI creates a new admin API handler. stats may be nil.
func NewAdminAPI(store storage.Store, stats StatsSource, adminKey string) *AdminAPI {
	return &AdminAPI{
		store:    store,
		stats:    stats,
		adminKey: adminKey,
	}
}

// RegisterRoutes registers admin endpoints
func (api *AdminAPI) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /admin/users", api.authenticate(api.handleUser))
	mux.HandleFunc("GET /admin/searches", api.authenticate(api.handleSearches))

	// System
	mux.HandleFunc("GET /admin/health", api.authenticate(api.handleHealth))
}

// authenticate checks the admin key. An empty configured key rejects everything.
func (api *AdminAPI) authenticate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(AdminKeyHeader)
		if api.adminKey == "" || subtle.ConstantTimeCompare([]byte(got), []byte(api.adminKey)) != 1 {
			respondJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "Invalid admin key",
			})
			return
		}
		next(w, r)
	}
}

// handleUser returns one user by identity key.
func (api *AdminAPI) handleUser(w http.ResponseWriter, r *http.Request) {
	if api.store == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "Logging not enabled",
		})
		return
	}

	key := r.URL.Query().Get("key")
	if key == "" {
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": "key parameter required",
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	user, err := api.store.GetUser(ctx, key)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		respondJSON(w, http.StatusNotFound, map[string]string{
			"error": "User not found",
		})
		return
	case errors.Is(err, storage.ErrInvalidKey):
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	case err != nil:
		respondJSON(w, http.StatusInternalServerError, map[string]string{
			"error": fmt.Sprintf("Failed to get user: %v", err),
		})
		return
	}

	respondJSON(w, http.StatusOK, user)
}

// handleSearches lists searches, newest first.
func (api *AdminAPI) handleSearches(w http.ResponseWriter, r *http.Request) {
	if api.store == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "Logging not enabled",
		})
		return
	}

	filter, err := parseFilter(r)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	searches, err := api.store.ListSearches(ctx, filter)
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]string{
			"error": fmt.Sprintf("Failed to list searches: %v", err),
		})
		return
	}
	if searches == nil {
		searches = []*storage.SearchRecord{}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"searches": searches,
		"count":    len(searches),
	})
}

func parseFilter(r *http.Request) (storage.SearchFilter, error) {
	q := r.URL.Query()
	filter := storage.SearchFilter{
		UserKey: q.Get("user_key"),
		Model:   q.Get("model"),
	}

	var err error
	if s := q.Get("limit"); s != "" {
		if filter.Limit, err = strconv.Atoi(s); err != nil || filter.Limit < 0 {
			return filter, fmt.Errorf("limit must be a non-negative integer")
		}
	}
	if s := q.Get("offset"); s != "" {
		if filter.Offset, err = strconv.Atoi(s); err != nil || filter.Offset < 0 {
			return filter, fmt.Errorf("offset must be a non-negative integer")
		}
	}
	if s := q.Get("from"); s != "" {
		if filter.From, err = time.Parse(time.RFC3339, s); err != nil {
			return filter, fmt.Errorf("from must be RFC 3339")
		}
	}
	if s := q.Get("to"); s != "" {
		if filter.To, err = time.Parse(time.RFC3339, s); err != nil {
			return filter, fmt.Errorf("to must be RFC 3339")
		}
	}
	return filter, nil
}

// handleHealth returns storage reachability and logging counters.
func (api *AdminAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	}

	if api.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := api.store.Ping(ctx); err != nil {
			health["storage"] = "unhealthy"
			health["status"] = "degraded"
		} else {
			health["storage"] = "healthy"
		}
	} else {
		health["storage"] = "disabled"
	}

	if api.stats != nil {
		s := api.stats.Stats()
		health["logging"] = map[string]int64{
			"written":   s.Written,
			"failed":    s.Failed,
			"skipped":   s.Skipped,
			"in_flight": s.InFlight,
		}
	}

	respondJSON(w, http.StatusOK, health)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.WithError(err).Debug("[ADMIN] response write failed")
	}
}
