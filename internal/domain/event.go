package domain

import "time"

// EventType names a store lifecycle event.
type EventType string

const (
	// EventRegionWritten is emitted after one region's chunk is committed.
	EventRegionWritten EventType = "region_written"
	// EventStoreArchived is emitted after the archive is renamed into place.
	EventStoreArchived EventType = "store_archived"
)

// StoreEvent notifies downstream consumers about store progress. Store is
// the store directory name and serves as the message key.
type StoreEvent struct {
	Type     EventType  `json:"type"`
	Store    string     `json:"store"`
	Field    string     `json:"field"`
	Region   *Region    `json:"region,omitempty"`
	Member   int        `json:"member,omitempty"`
	InitDate *time.Time `json:"init_date,omitempty"`
	Digest   string     `json:"digest,omitempty"`
	Archive  string     `json:"archive,omitempty"`
	Regions  int        `json:"regions,omitempty"`
	At       time.Time  `json:"at"`
}
