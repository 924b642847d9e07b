package realtime

import "encoding/json"

// PublicationType classifies a change broadcast to subscribers.
type PublicationType string

const (
	PubCreated PublicationType = "CREATED"
	PubUpdated PublicationType = "UPDATED"
	PubDeleted PublicationType = "DELETED"
)

// Publication is the wire message broadcast on the collection and document
// channels after a committed mutation. Data carries the full post-state for
// CREATED/UPDATED and is empty for DELETED. Version is the event's
// authoritative version; subscribers deduplicate on it.
type Publication struct {
	Type    PublicationType `json:"type"`
	ID      string          `json:"id"`
	Path    string          `json:"path"`
	Version int64           `json:"version"`
	Data    json.RawMessage `json:"data,omitempty"`
}
