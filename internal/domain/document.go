package domain

import (
	"encoding/json"
	"time"

	"github.com/telestackhq/db/pkg/realtime"
)

// EventType classifies an append-only mutation event.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventSet    EventType = "SET"
	EventDelete EventType = "DELETE"
)

// Document is a JSON value addressed by a path within one workspace.
// Version always equals the version of the latest event applied to it.
type Document struct {
	ID             string          `json:"id"`
	WorkspaceID    string          `json:"workspaceId"`
	CollectionName string          `json:"collectionName"`
	Path           string          `json:"path"`
	OwnerID        string          `json:"ownerId"`
	Data           json.RawMessage `json:"data"`
	Version        int64           `json:"version"`
	DeletedAt      *time.Time      `json:"deletedAt,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Deleted reports whether the document is tombstoned.
func (d *Document) Deleted() bool {
	return d.DeletedAt != nil
}

// Event is one append-only record of a mutation. Its version is the
// auto-assigned row id and the authoritative version source for the
// workspace.
type Event struct {
	Version     int64           `json:"version"`
	ID          string          `json:"id"`
	DocID       string          `json:"docId"`
	WorkspaceID string          `json:"workspaceId"`
	EventType   EventType       `json:"eventType"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"createdAt"`

	// Path is joined in from the document row when events are served over
	// the sync stream; the client cache is keyed by path.
	Path string `json:"path,omitempty"`
}

// PublicationFor derives the broadcast record for an applied event.
// Publications carry the full post-state for non-delete events and an empty
// body for deletes.
func PublicationFor(eventType EventType, doc *Document) realtime.Publication {
	pub := realtime.Publication{
		ID:      doc.ID,
		Path:    doc.Path,
		Version: doc.Version,
	}
	switch eventType {
	case EventInsert:
		pub.Type = realtime.PubCreated
		pub.Data = doc.Data
	case EventDelete:
		pub.Type = realtime.PubDeleted
	default:
		pub.Type = realtime.PubUpdated
		pub.Data = doc.Data
	}
	return pub
}
