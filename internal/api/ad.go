package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/patrickwarner/adengine/internal/logic"
	"github.com/patrickwarner/adengine/internal/logic/serving"
	"github.com/patrickwarner/adengine/internal/middleware"
	"github.com/patrickwarner/adengine/internal/models"
	"github.com/patrickwarner/adengine/internal/observability"
	"github.com/patrickwarner/adengine/internal/token"
)

var tracer = observability.Tracer("adengine/api")

// AdRequest is the body of POST /ad.
type AdRequest struct {
	UserID         string   `json:"user_id"`
	Size           string   `json:"size"`
	PageSegments   []string `json:"page_segments"`
	IntentSegments []string `json:"intent_segments"`
	VisitedSites   []string `json:"visited_sites"`
}

// AdResponse is the body returned by POST /ad.
type AdResponse struct {
	Served        bool             `json:"served"`
	Ad            *models.AdRecord `json:"ad,omitempty"`
	ImpressionURL string           `json:"impression_url,omitempty"`
	Reason        string           `json:"reason,omitempty"`
	Segments      []string         `json:"segments,omitempty"`
	Debug         any              `json:"debug,omitempty"`
}

// decodeAdRequest reads and unmarshals an ad request body.
func decodeAdRequest(r *http.Request) (*AdRequest, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	defer func() {
		_ = r.Body.Close()
	}()

	var req AdRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	return &req, nil
}

// GetAdHandler handles POST /ad. It runs one serving decision for the slot
// and, when an ad is served, hands back a signed impression URL.
func (s *Server) GetAdHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "GetAdHandler",
		trace.WithAttributes(
			attribute.String("http.method", "POST"),
			attribute.String("http.route", "/ad"),
		))
	defer span.End()

	logger := middleware.LoggerFromRequest(r, s.Logger)

	start := time.Now()
	const endpoint = "ad"
	const method = "POST"

	req, err := decodeAdRequest(r)
	if err != nil {
		logger.Error("decode request", zap.Error(err), zap.String("event_type", "ad_request"))
		s.Metrics.IncrementRequests(endpoint, method, "400")
		s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		s.Metrics.IncrementRequests(endpoint, method, "400")
		s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
		http.Error(w, "user_id required", http.StatusBadRequest)
		return
	}
	if !s.Limiter.Allow(endpoint, req.UserID) {
		logger.Debug("rate limited", zap.String("user_id", req.UserID))
		s.Metrics.IncrementRequests(endpoint, method, "429")
		s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	debugEnabled := s.DebugTrace || r.URL.Query().Get("debug") == "1"
	span.SetAttributes(
		attribute.String("user_id", req.UserID),
		attribute.String("size", req.Size),
	)

	res := s.Controller.Serve(ctx, serving.ServeRequest{
		Session: models.Session{
			UserID:         req.UserID,
			UserAgent:      r.UserAgent(),
			IP:             logic.ClientIP(r),
			PageSegments:   req.PageSegments,
			IntentSegments: req.IntentSegments,
			VisitedSites:   req.VisitedSites,
		},
		Size:  req.Size,
		Debug: debugEnabled,
	})

	resp := AdResponse{
		Served:   res.Outcome == serving.Served,
		Reason:   res.Reason,
		Segments: res.Segments,
	}
	if debugEnabled {
		resp.Debug = map[string]any{"trace": res.Trace}
	}

	if resp.Served {
		span.SetAttributes(
			attribute.String("ad.result", "served"),
			attribute.String("ad.creative_instance_id", res.Ad.CreativeInstanceID),
			attribute.String("ad.advertiser_id", res.Ad.AdvertiserID),
		)
		tok, err := token.Generate(res.Ad, req.UserID, s.TokenSecret)
		if err != nil {
			logger.Error("failed to generate token", zap.Error(err))
			s.Metrics.IncrementRequests(endpoint, method, "500")
			s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
			http.Error(w, "internal server error (token generation)", http.StatusInternalServerError)
			return
		}
		ad := res.Ad
		resp.Ad = &ad
		resp.ImpressionURL = "/impression?t=" + url.QueryEscape(tok)
	} else {
		span.SetAttributes(
			attribute.String("ad.result", "not_served"),
			attribute.String("ad.reason", res.Reason),
		)
		if observability.ShouldSample(observability.GetSamplingRate()) {
			logger.Info("no ad",
				zap.String("user_id", req.UserID),
				zap.String("reason", res.Reason),
				zap.String("event_type", "no_ad"))
		}
	}

	s.Metrics.IncrementRequests(endpoint, method, "200")
	s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
	writeJSON(w, resp)
}
