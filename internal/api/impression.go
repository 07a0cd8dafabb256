package api

import (
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/patrickwarner/adengine/internal/middleware"
	"github.com/patrickwarner/adengine/internal/observability"
	"github.com/patrickwarner/adengine/internal/token"
)

// 1x1 transparent GIF returned by the impression pixel.
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// ImpressionHandler handles GET /impression pixel requests. A valid token
// records the delivered ad in the user's history.
func (s *Server) ImpressionHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "ImpressionHandler",
		trace.WithAttributes(
			attribute.String("http.method", "GET"),
			attribute.String("http.route", "/impression"),
		))
	defer span.End()

	logger := middleware.LoggerFromRequest(r, s.Logger)

	start := time.Now()
	const endpoint = "impression"
	const method = "GET"

	tok := r.URL.Query().Get("t")
	if tok == "" {
		logger.Warn("missing token")
		s.Metrics.IncrementRequests(endpoint, method, "401")
		s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
		http.Error(w, "token required", http.StatusUnauthorized)
		return
	}
	claims, err := token.Verify(tok, s.TokenSecret, s.TokenTTL)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid token")
		logger.Warn("token verify", zap.Error(err))
		msg := "invalid token"
		if errors.Is(err, token.ErrExpired) {
			msg = "token expired"
		}
		s.Metrics.IncrementRequests(endpoint, method, "401")
		s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
		http.Error(w, msg, http.StatusUnauthorized)
		return
	}

	span.SetAttributes(
		attribute.String("uuid", claims.Ad.UUID),
		attribute.String("creative_instance_id", claims.Ad.CreativeInstanceID),
		attribute.String("campaign_id", claims.Ad.CampaignID),
		attribute.String("advertiser_id", claims.Ad.AdvertiserID),
	)

	if err := s.Controller.RecordImpression(ctx, claims.UserID, claims.Ad); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "record impression")
		logger.Error("record impression", zap.Error(err))
		s.Metrics.IncrementRequests(endpoint, method, "500")
		s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}

	if observability.ShouldSample(observability.GetSamplingRate()) {
		logger.Info("impression",
			zap.String("uuid", claims.Ad.UUID),
			zap.String("user_id", claims.UserID),
			zap.String("event_type", "impression"))
	}

	s.Metrics.IncrementRequests(endpoint, method, "200")
	s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
	w.Header().Set("Content-Type", "image/gif")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pixelGIF)
}
