package domain

import "time"

// AttributionEntry carries the metrics credited to one app for one fill.
// A nil field means the metric does not apply; it is never sent as zero.
type AttributionEntry struct {
	AppID         string   `json:"appId"`
	RelayedTrades *int     `json:"relayedTrades,omitempty"`
	RelayedVolume *float64 `json:"relayedVolume,omitempty"`
	SourcedTrades *int     `json:"sourcedTrades,omitempty"`
	SourcedVolume *float64 `json:"sourcedVolume,omitempty"`
	TotalTrades   *int     `json:"totalTrades,omitempty"`
	TotalVolume   *float64 `json:"totalVolume,omitempty"`
}

// AttributionJob is the payload of an index-app-fill-attributions job.
type AttributionJob struct {
	Date         time.Time          `json:"date"`
	FillID       string             `json:"fillId"`
	Attributions []AttributionEntry `json:"attributions"`
}

// AttributionDocument is the search-index record for one (app, fill) pair.
// Field order is alphabetical so encoded bodies are stable.
type AttributionDocument struct {
	AppID         string   `json:"appId"`
	Date          string   `json:"date"`
	FillID        string   `json:"fillId"`
	RelayedTrades *int     `json:"relayedTrades,omitempty"`
	RelayedVolume *float64 `json:"relayedVolume,omitempty"`
	SourcedTrades *int     `json:"sourcedTrades,omitempty"`
	SourcedVolume *float64 `json:"sourcedVolume,omitempty"`
	TotalTrades   *int     `json:"totalTrades,omitempty"`
	TotalVolume   *float64 `json:"totalVolume,omitempty"`
	UpdatedAt     string   `json:"updatedAt"`
}

// AttributionDocumentID returns the deterministic search id for an app's
// attribution on a fill.
func AttributionDocumentID(appID, fillID string) string {
	return appID + "_" + fillID
}
