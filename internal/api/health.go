package api

import (
	"net/http"
	"strconv"
	"time"
)

type healthResponse struct {
	Status              string `json:"status"`
	CatalogLoaded       bool   `json:"catalog_loaded"`
	Creatives           int    `json:"creatives"`
	AntiTargetingLoaded bool   `json:"anti_targeting_loaded"`
	Redis               string `json:"redis,omitempty"`
}

// HealthHandler reports whether the server can make serving decisions. It
// answers 503 until the first catalog load succeeds.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "health"
	const method = "GET"

	resp := healthResponse{Status: "ok"}
	if s.Catalog != nil {
		resp.CatalogLoaded = s.Catalog.Loaded()
		resp.Creatives = s.Catalog.Len()
	}
	resp.AntiTargetingLoaded = s.AntiTargeting.IsLoaded()

	code := http.StatusOK
	if !resp.CatalogLoaded {
		resp.Status = "catalog_unavailable"
		code = http.StatusServiceUnavailable
	}
	if s.Store != nil {
		resp.Redis = "ok"
		if err := s.Store.Ping(r.Context()); err != nil {
			resp.Redis = "unreachable"
			resp.Status = "degraded"
		}
	}

	writeJSONStatus(w, code, resp)
	s.Metrics.IncrementRequests(endpoint, method, strconv.Itoa(code))
	s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
}
