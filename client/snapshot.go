package client

import "encoding/json"

// PendingVersion is the sentinel version of an optimistic local write that
// has not been acknowledged by the server yet.
const PendingVersion int64 = -1

// SnapshotMetadata describes where a snapshot's value came from.
type SnapshotMetadata struct {
	// FromCache is true when the value was served from the local cache
	// because the server was unreachable.
	FromCache bool

	// HasPendingWrites is true when the value reflects a queued write that
	// has not been confirmed by the server (version is the -1 sentinel).
	HasPendingWrites bool
}

// Snapshot is a read result: the document value plus provenance metadata.
type Snapshot struct {
	ID       string
	Path     string
	Data     json.RawMessage
	Version  int64
	Metadata SnapshotMetadata
}

// DataTo unmarshals the snapshot value into v.
func (s *Snapshot) DataTo(v interface{}) error {
	return json.Unmarshal(s.Data, v)
}

// QuerySnapshot is the result set of a collection query.
type QuerySnapshot struct {
	Docs     []*Snapshot
	Metadata SnapshotMetadata
}
