package models

import "time"

// AdType identifies the ad surface the engine is serving for. It prefixes
// opportunity event names and is stamped on every served AdRecord.
type AdType string

const (
	// AdTypeInlineContent is an ad rendered inline with a content feed.
	AdTypeInlineContent AdType = "inline_content_ad"
	// AdTypeNotification is an ad delivered as a system notification.
	AdTypeNotification AdType = "ad_notification"
	// AdTypeNewTabPage is a sponsored image on the new tab page.
	AdTypeNewTabPage AdType = "new_tab_page_ad"
)

// String returns the wire name of the ad type.
func (t AdType) String() string { return string(t) }

// CreativeAd is a creative candidate as handed to the engine by the catalog.
// Candidates are read-only snapshots; the engine never mutates them.
type CreativeAd struct {
	// CreativeInstanceID uniquely identifies this creative instance. Required.
	CreativeInstanceID string `json:"creative_instance_id" yaml:"creative_instance_id"`
	// CreativeSetID groups creatives that share delivery caps and
	// anti-targeting rules.
	CreativeSetID string `json:"creative_set_id" yaml:"creative_set_id"`
	CampaignID    string `json:"campaign_id" yaml:"campaign_id"`     // Required.
	AdvertiserID  string `json:"advertiser_id" yaml:"advertiser_id"` // Required.
	// Segment is the interest segment the creative targets, either
	// "parent-child" or "parent". "untargeted" marks general creatives.
	Segment string `json:"segment" yaml:"segment"`
	// Size is the ad-unit size or format the creative renders into, e.g. "300x250".
	Size string `json:"size" yaml:"size"`

	// PerHour caps impressions of this creative per user in the last hour. 0 disables the cap.
	PerHour int `json:"per_hour" yaml:"per_hour"`
	// PerDay caps impressions of this creative per user in the last 24 hours. 0 disables the cap.
	PerDay int `json:"per_day" yaml:"per_day"`
	// TotalMax caps lifetime impressions of the creative set per user. 0 disables the cap.
	TotalMax int `json:"total_max" yaml:"total_max"`
	// CampaignDailyCap caps impressions of any creative in the campaign per
	// user in the last 24 hours. 0 disables the cap.
	CampaignDailyCap int `json:"campaign_daily_cap" yaml:"campaign_daily_cap"`

	// StartAt and EndAt bound the flight window. Zero values leave the window open.
	StartAt time.Time `json:"start_at,omitempty" yaml:"start_at,omitempty"`
	EndAt   time.Time `json:"end_at,omitempty" yaml:"end_at,omitempty"`

	// GeoTargets lists ISO country codes ("US") or subdivision codes
	// ("US-CA") the creative may serve in. Empty means everywhere.
	GeoTargets []string `json:"geo_targets,omitempty" yaml:"geo_targets,omitempty"`

	Title       string `json:"title" yaml:"title"`
	Description string `json:"description" yaml:"description"`
	ImageURL    string `json:"image_url" yaml:"image_url"`
	TargetURL   string `json:"target_url" yaml:"target_url"`
}

// Valid reports whether the candidate carries the identifiers the engine
// needs for capping and reporting.
func (c CreativeAd) Valid() bool {
	return c.CreativeInstanceID != "" && c.CampaignID != "" && c.AdvertiserID != ""
}

// InFlight reports whether now falls inside the creative's flight window.
func (c CreativeAd) InFlight(now time.Time) bool {
	if !c.StartAt.IsZero() && now.Before(c.StartAt) {
		return false
	}
	if !c.EndAt.IsZero() && now.After(c.EndAt) {
		return false
	}
	return true
}

// AdRecord is the servable ad handed back to the caller. It copies every
// creative field and adds a request-scoped UUID. The zero value is what the
// caller receives when no ad was served.
type AdRecord struct {
	Type               AdType `json:"type"`
	UUID               string `json:"uuid"`
	CreativeInstanceID string `json:"creative_instance_id"`
	CreativeSetID      string `json:"creative_set_id"`
	CampaignID         string `json:"campaign_id"`
	AdvertiserID       string `json:"advertiser_id"`
	Segment            string `json:"segment"`
	Size               string `json:"size"`
	Title              string `json:"title"`
	Description        string `json:"description"`
	ImageURL           string `json:"image_url"`
	TargetURL          string `json:"target_url"`
}

// IsZero reports whether the record is empty.
func (a AdRecord) IsZero() bool {
	return a == AdRecord{}
}

// BuildAdRecord copies the creative into a servable record stamped with the
// ad type and the given request-scoped uuid.
func BuildAdRecord(adType AdType, c CreativeAd, uuid string) AdRecord {
	return AdRecord{
		Type:               adType,
		UUID:               uuid,
		CreativeInstanceID: c.CreativeInstanceID,
		CreativeSetID:      c.CreativeSetID,
		CampaignID:         c.CampaignID,
		AdvertiserID:       c.AdvertiserID,
		Segment:            c.Segment,
		Size:               c.Size,
		Title:              c.Title,
		Description:        c.Description,
		ImageURL:           c.ImageURL,
		TargetURL:          c.TargetURL,
	}
}
