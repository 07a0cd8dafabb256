package logic

import "github.com/patrickwarner/adengine/internal/models"

// TraceStep records the candidates that survived one eligibility stage.
type TraceStep struct {
	Stage         string            `json:"stage"`
	Tier          string            `json:"tier,omitempty"`
	CreativeIDs   []string          `json:"creative_ids"`
	AdvertiserIDs []string          `json:"advertiser_ids"`
	Details       map[string]string `json:"details,omitempty"`
}

// SelectionTrace captures the ordered list of steps performed for a request.
// All methods are no-ops on a nil trace.
type SelectionTrace struct {
	Segments []string    `json:"segments,omitempty"`
	Steps    []TraceStep `json:"steps"`
}

// AddStep appends a trace entry for the given stage using the supplied creatives.
// Duplicate advertiser IDs are removed.
func (t *SelectionTrace) AddStep(stage string, creatives []models.CreativeAd) {
	t.AddStepWithDetails(stage, "", creatives, nil)
}

// AddStepWithDetails appends a trace entry tagged with the lookup tier and
// free-form details.
func (t *SelectionTrace) AddStepWithDetails(stage, tier string, creatives []models.CreativeAd, details map[string]string) {
	if t == nil {
		return
	}
	step := TraceStep{Stage: stage, Tier: tier, Details: details}
	seen := make(map[string]struct{})
	for _, c := range creatives {
		step.CreativeIDs = append(step.CreativeIDs, c.CreativeInstanceID)
		if _, ok := seen[c.AdvertiserID]; !ok {
			seen[c.AdvertiserID] = struct{}{}
			step.AdvertiserIDs = append(step.AdvertiserIDs, c.AdvertiserID)
		}
	}
	t.Steps = append(t.Steps, step)
}

// Last returns the most recent step, or false when the trace is empty.
func (t *SelectionTrace) Last() (TraceStep, bool) {
	if t == nil || len(t.Steps) == 0 {
		return TraceStep{}, false
	}
	return t.Steps[len(t.Steps)-1], true
}
