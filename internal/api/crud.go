package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/patrickwarner/adengine/internal/db"
	"github.com/patrickwarner/adengine/internal/models"
)

// helper function to write JSON response
func writeJSON(w http.ResponseWriter, v interface{}) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// ===== Creatives =====

func (s *Server) ListCreatives(w http.ResponseWriter, r *http.Request) {
	if s.Catalog == nil || !s.Catalog.Loaded() {
		http.Error(w, "catalog unavailable", http.StatusServiceUnavailable)
		return
	}
	creatives := s.Catalog.All()
	if seg := r.URL.Query().Get("segment"); seg != "" {
		creatives = s.Catalog.LookupCandidates(seg, r.URL.Query().Get("size"))
	}
	writeJSON(w, creatives)
}

func (s *Server) GetCreative(w http.ResponseWriter, r *http.Request) {
	if s.Catalog == nil {
		http.Error(w, "catalog unavailable", http.StatusServiceUnavailable)
		return
	}
	cr, ok := s.Catalog.FindCreative(mux.Vars(r)["id"])
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, cr)
}

// PutCreative creates or replaces a creative in Postgres and reloads the catalog.
func (s *Server) PutCreative(w http.ResponseWriter, r *http.Request) {
	if s.PG == nil {
		http.Error(w, "catalog is read-only", http.StatusMethodNotAllowed)
		return
	}
	var cr models.CreativeAd
	if err := json.NewDecoder(r.Body).Decode(&cr); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	cr.CreativeInstanceID = mux.Vars(r)["id"]
	if errs := db.ValidateCatalog([]models.CreativeAd{cr}); len(errs) > 0 {
		http.Error(w, errors.Join(errs...).Error(), http.StatusBadRequest)
		return
	}

	if err := s.PG.UpsertCreative(r.Context(), cr); err != nil {
		s.Logger.Error("upsert creative", zap.Error(err), zap.String("creative_instance_id", cr.CreativeInstanceID))
		http.Error(w, "failed to persist creative", http.StatusInternalServerError)
		return
	}
	s.reloadAfterWrite(r)
	writeJSON(w, cr)
}

// DeleteCreative deactivates a creative in Postgres and reloads the catalog.
func (s *Server) DeleteCreative(w http.ResponseWriter, r *http.Request) {
	if s.PG == nil {
		http.Error(w, "catalog is read-only", http.StatusMethodNotAllowed)
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.PG.DeactivateCreative(r.Context(), id); err != nil {
		s.Logger.Error("deactivate creative", zap.Error(err), zap.String("creative_instance_id", id))
		http.Error(w, "failed to delete creative", http.StatusInternalServerError)
		return
	}
	s.reloadAfterWrite(r)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) ListSegments(w http.ResponseWriter, r *http.Request) {
	if s.Catalog == nil || !s.Catalog.Loaded() {
		http.Error(w, "catalog unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, s.Catalog.Segments())
}

// reloadAfterWrite refreshes the catalog so a write is visible to the next
// serving decision. The write already succeeded, so failures are only logged.
func (s *Server) reloadAfterWrite(r *http.Request) {
	if err := s.Reload(r.Context()); err != nil {
		s.Logger.Warn("reload after write", zap.Error(err))
	}
}
