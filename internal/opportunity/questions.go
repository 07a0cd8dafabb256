// Package opportunity records privacy-preserving ad opportunity events: an
// event name plus a list of aggregate questions, with no user identifiers.
package opportunity

import (
	"strings"

	"github.com/patrickwarner/adengine/internal/models"
)

const (
	// SegmentQuestionPrefix prefixes the per-segment question names.
	SegmentQuestionPrefix = "ads.opportunities_per_segment."
	// TotalQuestion is answered by every opportunity.
	TotalQuestion = "ads.opportunities"
	// OtherSegment collects parents outside the taxonomy.
	OtherSegment = "other"
)

// taxonomy is the fixed set of parent segments reported individually. Any
// other parent is reported as "other" so the question space stays bounded.
var taxonomy = map[string]struct{}{
	"architecture": {}, "arts & entertainment": {}, "automotive": {}, "business": {},
	"careers": {}, "cellphones": {}, "crypto": {}, "education": {},
	"family & parenting": {}, "fashion": {}, "folklore": {}, "food & drink": {},
	"gaming": {}, "health & fitness": {}, "history": {}, "hobbies & interests": {},
	"home": {}, "law": {}, "military": {}, "personal finance": {},
	"pets": {}, "real estate": {}, "science": {}, "sports": {},
	"technology & computing": {}, "travel": {}, "weather": {}, "untargeted": {},
}

// InTaxonomy reports whether a parent segment is reported by name.
func InTaxonomy(parent string) bool {
	_, ok := taxonomy[models.NormalizeSegment(parent)]
	return ok
}

// CreateAdOpportunityQuestionList returns one question per distinct parent
// segment followed by the total question.
func CreateAdOpportunityQuestionList(segments []string) []string {
	seen := make(map[string]struct{})
	questions := make([]string, 0, len(segments)+1)
	for _, parent := range models.ParentSegments(segments) {
		if !InTaxonomy(parent) {
			parent = OtherSegment
		}
		q := SegmentQuestionPrefix + stripSegment(parent)
		if _, ok := seen[q]; ok {
			continue
		}
		seen[q] = struct{}{}
		questions = append(questions, q)
	}
	return append(questions, TotalQuestion)
}

// EventName returns the opportunity event name for an ad type.
func EventName(adType models.AdType) string {
	return adType.String() + "_opportunity"
}

// stripSegment keeps only ASCII letters and digits.
func stripSegment(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
