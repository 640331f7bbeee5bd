package api

import (
	"time"

	"cryptobots/internal/config"
	"cryptobots/internal/risk"
)

// StatusProvider is the engine surface the status server reads from.
type StatusProvider interface {
	VenueStatuses() []VenueStatus
	RiskState() risk.Snapshot
	// Events returns the live event feed, or nil when streaming is off.
	Events() <-chan Event
}

// BuildSnapshot aggregates venue and risk state into one dashboard snapshot.
func BuildSnapshot(provider StatusProvider, cfg *config.Config) Snapshot {
	return Snapshot{
		Timestamp: time.Now().UTC(),
		Venues:    provider.VenueStatuses(),
		Risk:      provider.RiskState(),
		Config:    NewConfigSummary(cfg),
	}
}
