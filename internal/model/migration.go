package model

import "time"

// MigrationEntry is one audit record of a location change.
type MigrationEntry struct {
	Timestamp      time.Time `json:"timestamp"`
	FromPanelID    uint      `json:"from_panel_id"`
	ToPanelID      uint      `json:"to_panel_id"`
	FromLocationID uint      `json:"from_location_id"`
	ToLocationID   uint      `json:"to_location_id"`
	Reason         string    `json:"reason"`
	PerformedBy    string    `json:"performed_by"`
	Forced         bool      `json:"forced"`
	// OrphanedIdentifier is set when the old panel entry could not be removed.
	OrphanedIdentifier string `json:"orphaned_identifier,omitempty"`
}

// MigrationHistory is append-only; use Append rather than editing entries.
type MigrationHistory []MigrationEntry

func (h MigrationHistory) Append(e MigrationEntry) MigrationHistory {
	out := make(MigrationHistory, len(h), len(h)+1)
	copy(out, h)
	return append(out, e)
}

// CountSince returns how many migrations happened at or after t.
func (h MigrationHistory) CountSince(t time.Time) int {
	n := 0
	for _, e := range h {
		if !e.Timestamp.Before(t) {
			n++
		}
	}
	return n
}
