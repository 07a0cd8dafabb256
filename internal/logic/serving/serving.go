// Package serving decides, for one ad slot, whether an ad is shown and which.
package serving

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/patrickwarner/adengine/internal/antitargeting"
	"github.com/patrickwarner/adengine/internal/history"
	"github.com/patrickwarner/adengine/internal/logic"
	"github.com/patrickwarner/adengine/internal/logic/eligible"
	"github.com/patrickwarner/adengine/internal/models"
	"github.com/patrickwarner/adengine/internal/observability"
)

// IntnFn picks the served creative. Replaced in tests for deterministic output.
var IntnFn = rand.Intn

var (
	nowFn   = time.Now
	newUUID = uuid.NewString
)

// Outcome is the result of a serving attempt.
type Outcome string

const (
	Served    Outcome = "served"
	NotServed Outcome = "not_served"
)

// Reasons attached to NotServed results.
const (
	ReasonBot          = "bot"
	ReasonNoCandidates = "no_candidates"
	ReasonNoEligible   = "no_eligible_ads"
	ReasonUnavailable  = "unavailable"
	ReasonInternal     = "internal_error"
)

// OpportunityRecorder receives one call per request whose catalog lookup
// found candidates.
type OpportunityRecorder interface {
	RecordOpportunity(adType models.AdType, segments []string)
}

// Eligibility produces the eligible creatives for a query. Implementations
// report available=false whenever err is non-nil.
type Eligibility interface {
	GetEligible(ctx context.Context, q eligible.Query) (available bool, eligible []models.CreativeAd, err error)
}

// ServeRequest is one ad slot to fill.
type ServeRequest struct {
	Session models.Session
	Size    string
	// Debug attaches a selection trace to the result.
	Debug bool
}

// Result is what Serve decided. Ad is the zero value unless Outcome is Served.
type Result struct {
	Outcome  Outcome               `json:"outcome"`
	Ad       models.AdRecord       `json:"ad"`
	Reason   string                `json:"reason,omitempty"`
	Segments []string              `json:"segments,omitempty"`
	Trace    *logic.SelectionTrace `json:"trace,omitempty"`
}

// Options configures a Controller.
type Options struct {
	AdType        models.AdType
	Resolver      *logic.Resolver
	Eligibility   Eligibility
	Recorder      OpportunityRecorder
	History       history.Store
	AntiTargeting *antitargeting.Resource
	// ServeBots disables the bot short-circuit.
	ServeBots bool
	Metrics   observability.MetricsRegistry
	Logger    *zap.Logger
}

// Controller runs the serving flow: resolve segments, gather eligible
// creatives, record the opportunity and pick one creative uniformly.
type Controller struct {
	opts Options
}

// NewController returns a Controller. Nil metrics and logger are replaced by no-ops.
func NewController(opts Options) *Controller {
	if opts.AdType == "" {
		opts.AdType = models.AdTypeInlineContent
	}
	if opts.Resolver == nil {
		opts.Resolver = logic.NewResolver(nil, 0)
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewNoOpRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Controller{opts: opts}
}

// AdType returns the ad type this controller serves.
func (c *Controller) AdType() models.AdType {
	return c.opts.AdType
}

// Serve runs the serving flow synchronously.
func (c *Controller) Serve(ctx context.Context, req ServeRequest) Result {
	session := c.opts.Resolver.ResolveSession(req.Session)
	if session.IsBot && !c.opts.ServeBots {
		return c.notServed(Result{}, ReasonBot)
	}

	res := Result{Segments: c.opts.Resolver.ResolveSegments(session)}
	if req.Debug {
		res.Trace = &logic.SelectionTrace{}
	}

	available, pool, err := c.opts.Eligibility.GetEligible(ctx, eligible.Query{
		UserID:   session.UserID,
		Segments: res.Segments,
		Size:     req.Size,
		Geo:      session.Geo,
		Oracle:   c.opts.AntiTargeting.ForVisits(session.VisitedSites),
		Trace:    res.Trace,
	})
	if err != nil {
		c.opts.Logger.Warn("eligibility unavailable",
			zap.String("user_id", session.UserID),
			zap.Error(err))
		return c.notServed(res, ReasonUnavailable)
	}

	// available is the only gate for the opportunity event
	if available && c.opts.Recorder != nil {
		c.opts.Recorder.RecordOpportunity(c.opts.AdType, res.Segments)
	}
	if len(pool) == 0 {
		reason := ReasonNoEligible
		if !available {
			reason = ReasonNoCandidates
		}
		return c.notServed(res, reason)
	}

	// pick from a private copy so the eligible list is never touched after selection starts
	candidates := append([]models.CreativeAd(nil), pool...)
	chosen := candidates[IntnFn(len(candidates))]
	res.Outcome = Served
	res.Ad = models.BuildAdRecord(c.opts.AdType, chosen, newUUID())
	res.Trace.AddStep("selected", []models.CreativeAd{chosen})
	c.opts.Metrics.IncrementServeOutcome(c.opts.AdType.String(), string(Served), "")

	if observability.ShouldSample(observability.GetSamplingRate()) {
		c.opts.Logger.Info("ad served",
			zap.String("creative_instance_id", chosen.CreativeInstanceID),
			zap.String("advertiser_id", chosen.AdvertiserID),
			zap.Int("eligible", len(candidates)))
	}
	return res
}

func (c *Controller) notServed(res Result, reason string) Result {
	res.Outcome = NotServed
	res.Ad = models.AdRecord{}
	res.Reason = reason
	c.opts.Metrics.IncrementServeOutcome(c.opts.AdType.String(), string(NotServed), reason)
	return res
}

// MaybeServeAd runs Serve on its own goroutine and invokes callback exactly
// once with the outcome. A panic in the pipeline is reported as not served.
func (c *Controller) MaybeServeAd(ctx context.Context, req ServeRequest, callback func(success bool, ad models.AdRecord)) {
	go func() {
		var res Result
		defer func() {
			if r := recover(); r != nil {
				c.opts.Logger.Error("serving panicked", zap.Any("panic", r))
				res = c.notServed(Result{}, ReasonInternal)
			}
			callback(res.Outcome == Served, res.Ad)
		}()
		res = c.Serve(ctx, req)
	}()
}

// RecordImpression stores a delivered ad in the user's history so future
// pacing and seen checks count it.
func (c *Controller) RecordImpression(ctx context.Context, userID string, ad models.AdRecord) error {
	if ad.IsZero() || ad.CreativeInstanceID == "" {
		return errors.New("record impression: empty ad")
	}
	if c.opts.History == nil {
		return fmt.Errorf("record impression: %w", logic.ErrHistoryUnavailable)
	}
	if err := c.opts.History.RecordImpression(ctx, history.NewImpression(userID, ad, nowFn())); err != nil {
		c.opts.Metrics.IncrementImpressions("error")
		return fmt.Errorf("record impression: %w", err)
	}
	c.opts.Metrics.IncrementImpressions("recorded")
	return nil
}
