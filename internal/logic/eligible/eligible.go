// Package eligible assembles the list of creatives a user may be shown for a
// slot by running catalog candidates through a fixed sequence of filters.
package eligible

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/adengine/internal/history"
	"github.com/patrickwarner/adengine/internal/logic"
	"github.com/patrickwarner/adengine/internal/logic/filters"
	"github.com/patrickwarner/adengine/internal/models"
	"github.com/patrickwarner/adengine/internal/observability"
)

// nowFn is replaced in tests.
var nowFn = time.Now

// Lookup tiers, tried in order until one yields eligible creatives.
const (
	TierSegments       = "segments"
	TierParentSegments = "parent_segments"
	TierUntargeted     = "untargeted"
)

// Catalog supplies candidates for a segment and ad-unit size.
type Catalog interface {
	Loaded() bool
	LookupCandidates(segment, size string) []models.CreativeAd
}

// Query describes one eligibility request.
type Query struct {
	UserID   string
	Segments []string
	Size     string
	Geo      models.Geo
	// Oracle may be nil; anti-targeting then lets everything through.
	Oracle filters.ExclusionOracle
	// Now defaults to the current time.
	Now time.Time
	// Trace, when set, receives one step per stage.
	Trace *logic.SelectionTrace
}

// stageInput is what each stage may read besides the candidates.
type stageInput struct {
	query  Query
	now    time.Time
	snap   *history.Snapshot
	policy filters.SeenPolicy
	o      *Orchestrator
}

// stage is one pure step of the pipeline. details are surfaced in traces.
type stage struct {
	Name  string
	Apply func(in []models.CreativeAd, s stageInput) (out []models.CreativeAd, details map[string]string)
}

// stages is the fixed pipeline run after catalog lookup.
var stages = []stage{
	{Name: "sanitize", Apply: sanitizeStage},
	{Name: "subdivision", Apply: func(in []models.CreativeAd, s stageInput) ([]models.CreativeAd, map[string]string) {
		return filters.Subdivision(in, s.query.Geo), nil
	}},
	{Name: "anti_targeting", Apply: func(in []models.CreativeAd, s stageInput) ([]models.CreativeAd, map[string]string) {
		return filters.AntiTargeting(in, s.query.Oracle), nil
	}},
	{Name: "pacing", Apply: func(in []models.CreativeAd, s stageInput) ([]models.CreativeAd, map[string]string) {
		return filters.PacingWithDetails(in, s.snap, s.now)
	}},
	{Name: "seen", Apply: func(in []models.CreativeAd, s stageInput) ([]models.CreativeAd, map[string]string) {
		return filters.Seen(in, s.snap, s.policy), nil
	}},
}

// StageNames lists the pipeline stages in execution order.
func StageNames() []string {
	names := make([]string, len(stages))
	for i, st := range stages {
		names[i] = st.Name
	}
	return names
}

func sanitizeStage(in []models.CreativeAd, s stageInput) ([]models.CreativeAd, map[string]string) {
	valid, malformed := filters.Sanitize(in)
	if len(malformed) == 0 {
		return valid, nil
	}
	s.o.metrics.IncrementMalformedCandidates(len(malformed))
	for _, c := range malformed {
		s.o.logger.Warn("dropping malformed creative",
			zap.String("creative_instance_id", c.CreativeInstanceID),
			zap.String("campaign_id", c.CampaignID),
			zap.String("advertiser_id", c.AdvertiserID))
	}
	return valid, map[string]string{"malformed": strconv.Itoa(len(malformed))}
}

// Orchestrator runs the eligibility pipeline.
type Orchestrator struct {
	catalog Catalog
	history history.Store
	policy  filters.SeenPolicy
	metrics observability.MetricsRegistry
	logger  *zap.Logger
}

// NewOrchestrator wires the pipeline collaborators. metrics and logger may be nil.
func NewOrchestrator(catalog Catalog, store history.Store, policy filters.SeenPolicy, metrics observability.MetricsRegistry, logger *zap.Logger) *Orchestrator {
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{catalog: catalog, history: store, policy: policy, metrics: metrics, logger: logger}
}

type tier struct {
	name       string
	segments   []string
	candidates []models.CreativeAd
}

// GetEligible returns whether the catalog had any candidate for the query
// and the creatives that survived every stage. An error is returned only
// when a collaborator is unavailable; an empty list is not an error. On
// error available is always false, so it alone gates the opportunity event.
func (o *Orchestrator) GetEligible(ctx context.Context, q Query) (available bool, eligible []models.CreativeAd, err error) {
	start := time.Now()
	if o.catalog == nil || !o.catalog.Loaded() {
		return false, nil, logic.ErrCatalogUnavailable
	}
	now := q.Now
	if now.IsZero() {
		now = nowFn()
	}
	if q.Trace != nil {
		q.Trace.Segments = append([]string(nil), q.Segments...)
	}

	tiers := o.lookupTiers(q)
	var all []models.CreativeAd
	for _, t := range tiers {
		all = append(all, t.candidates...)
	}
	if len(all) == 0 {
		o.metrics.RecordFilterDuration(0, "no_candidates", time.Since(start))
		return false, []models.CreativeAd{}, nil
	}

	// one snapshot serves every tier and stage of this request
	snap, err := o.history.Snapshot(ctx, q.UserID, history.KeysForCandidates(all), now)
	if err != nil {
		o.metrics.RecordFilterDuration(len(all), "error", time.Since(start))
		return false, nil, fmt.Errorf("%w: %w", logic.ErrHistoryUnavailable, err)
	}

	in := stageInput{query: q, now: now, snap: snap, policy: o.policy, o: o}
	for _, t := range tiers {
		if len(t.candidates) == 0 {
			continue
		}
		q.Trace.AddStepWithDetails("lookup", t.name, t.candidates, map[string]string{"segments": fmt.Sprint(t.segments)})
		if out := o.run(t, in); len(out) > 0 {
			o.metrics.RecordFilterDuration(len(all), "eligible", time.Since(start))
			return true, out, nil
		}
	}
	o.metrics.RecordFilterDuration(len(all), "filtered_out", time.Since(start))
	return true, []models.CreativeAd{}, nil
}

// run applies stages to one tier, stopping as soon as a stage empties the list.
func (o *Orchestrator) run(t tier, in stageInput) []models.CreativeAd {
	cur := t.candidates
	for _, st := range stages {
		out, details := st.Apply(cur, in)
		o.metrics.ObserveStageCandidates(st.Name, len(out))
		in.query.Trace.AddStepWithDetails(st.Name, t.name, out, details)
		if len(out) == 0 {
			return nil
		}
		cur = out
	}
	return cur
}

// lookupTiers fetches candidates for the segment, parent-segment and
// untargeted tiers. A tier whose segments were all covered by an earlier
// tier is omitted. No segments goes straight to untargeted.
func (o *Orchestrator) lookupTiers(q Query) []tier {
	segments := models.DedupeSegments(q.Segments)
	looked := make(map[string]struct{})
	var tiers []tier

	add := func(name string, segs []string) {
		var fresh []string
		for _, s := range segs {
			if _, ok := looked[s]; ok {
				continue
			}
			looked[s] = struct{}{}
			fresh = append(fresh, s)
		}
		if len(fresh) == 0 {
			return
		}
		tiers = append(tiers, tier{name: name, segments: fresh, candidates: o.lookup(fresh, q.Size)})
	}

	if len(segments) > 0 {
		add(TierSegments, segments)
		add(TierParentSegments, models.ParentSegments(segments))
	}
	add(TierUntargeted, []string{models.UntargetedSegment})
	return tiers
}

// lookup concatenates catalog results across segments, keeping the first
// occurrence of each creative instance.
func (o *Orchestrator) lookup(segments []string, size string) []models.CreativeAd {
	seen := make(map[string]struct{})
	var out []models.CreativeAd
	for _, seg := range segments {
		for _, c := range o.catalog.LookupCandidates(seg, size) {
			if c.CreativeInstanceID != "" {
				if _, ok := seen[c.CreativeInstanceID]; ok {
					continue
				}
				seen[c.CreativeInstanceID] = struct{}{}
			}
			out = append(out, c)
		}
	}
	return out
}
