package db

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/patrickwarner/adengine/internal/models"
)

// catalogSnapshot is an immutable view of the loaded creatives.
type catalogSnapshot struct {
	bySegment map[string][]models.CreativeAd
	byID      map[string]*models.CreativeAd
	total     int
}

// Catalog holds the creative catalog behind an atomically swapped snapshot.
// Readers never block reloads and always see a complete catalog.
type Catalog struct {
	data atomic.Pointer[catalogSnapshot]
}

// NewCatalog returns an empty, unloaded catalog.
func NewCatalog() *Catalog {
	return &Catalog{}
}

// Swap replaces the catalog contents. Segments are normalized so lookups are
// case-insensitive.
func (c *Catalog) Swap(creatives []models.CreativeAd) {
	snap := &catalogSnapshot{
		bySegment: make(map[string][]models.CreativeAd),
		byID:      make(map[string]*models.CreativeAd, len(creatives)),
		total:     len(creatives),
	}
	for i := range creatives {
		cr := creatives[i]
		cr.Segment = models.NormalizeSegment(cr.Segment)
		if cr.Segment == "" {
			cr.Segment = models.UntargetedSegment
		}
		snap.bySegment[cr.Segment] = append(snap.bySegment[cr.Segment], cr)
		if cr.CreativeInstanceID != "" {
			stored := cr
			snap.byID[cr.CreativeInstanceID] = &stored
		}
	}
	c.data.Store(snap)
}

// Loaded reports whether Swap has been called at least once.
func (c *Catalog) Loaded() bool {
	return c.data.Load() != nil
}

// Len returns the number of creatives in the current snapshot.
func (c *Catalog) Len() int {
	snap := c.data.Load()
	if snap == nil {
		return 0
	}
	return snap.total
}

// LookupCandidates returns the creatives targeting segment that render into
// size. An empty size matches every size. The returned slice is a fresh copy.
func (c *Catalog) LookupCandidates(segment, size string) []models.CreativeAd {
	snap := c.data.Load()
	if snap == nil {
		return nil
	}
	src := snap.bySegment[models.NormalizeSegment(segment)]
	out := make([]models.CreativeAd, 0, len(src))
	for _, cr := range src {
		if size == "" || strings.EqualFold(cr.Size, size) {
			out = append(out, cr)
		}
	}
	return out
}

// FindCreative retrieves a creative by its instance id.
func (c *Catalog) FindCreative(id string) (models.CreativeAd, bool) {
	snap := c.data.Load()
	if snap == nil {
		return models.CreativeAd{}, false
	}
	cr, ok := snap.byID[id]
	if !ok {
		return models.CreativeAd{}, false
	}
	return *cr, true
}

// All returns every creative in the snapshot ordered by segment.
func (c *Catalog) All() []models.CreativeAd {
	snap := c.data.Load()
	if snap == nil {
		return nil
	}
	out := make([]models.CreativeAd, 0, snap.total)
	for _, seg := range c.SortedSegments() {
		out = append(out, snap.bySegment[seg]...)
	}
	return out
}

// Segments maps each segment to its creative count.
func (c *Catalog) Segments() map[string]int {
	snap := c.data.Load()
	out := make(map[string]int)
	if snap == nil {
		return out
	}
	for seg, crs := range snap.bySegment {
		out[seg] = len(crs)
	}
	return out
}

// SortedSegments returns the keys of Segments in lexical order.
func (c *Catalog) SortedSegments() []string {
	segs := c.Segments()
	out := make([]string, 0, len(segs))
	for s := range segs {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// ValidateCatalog reports every creative the engine would drop as malformed
// plus duplicated instance ids.
func ValidateCatalog(creatives []models.CreativeAd) []error {
	var errs []error
	seen := make(map[string]int, len(creatives))
	for i, cr := range creatives {
		if !cr.Valid() {
			errs = append(errs, fmt.Errorf("creative #%d (%q): missing creative_instance_id, campaign_id or advertiser_id", i, cr.CreativeInstanceID))
			continue
		}
		if prev, ok := seen[cr.CreativeInstanceID]; ok {
			errs = append(errs, fmt.Errorf("creative #%d: duplicate creative_instance_id %q (first at #%d)", i, cr.CreativeInstanceID, prev))
			continue
		}
		seen[cr.CreativeInstanceID] = i
		if !cr.EndAt.IsZero() && cr.EndAt.Before(cr.StartAt) {
			errs = append(errs, fmt.Errorf("creative %q: end_at before start_at", cr.CreativeInstanceID))
		}
	}
	return errs
}
