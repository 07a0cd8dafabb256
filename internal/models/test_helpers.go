package models

// NewTestCreative returns a well-formed creative for tests.
func NewTestCreative(id, advertiserID, segment, size string) CreativeAd {
	return CreativeAd{
		CreativeInstanceID: id,
		CreativeSetID:      "set-" + id,
		CampaignID:         "campaign-" + id,
		AdvertiserID:       advertiserID,
		Segment:            segment,
		Size:               size,
		Title:              "Title " + id,
		Description:        "Description " + id,
		ImageURL:           "https://cdn.example.com/" + id + ".png",
		TargetURL:          "https://example.com/" + id,
	}
}
