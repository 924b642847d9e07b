package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
)

// CollectionRef points at a collection path within the client's workspace.
type CollectionRef struct {
	c    *Client
	path string
	err  error
}

// Path returns the full collection path.
func (r *CollectionRef) Path() string { return r.path }

// Doc returns a reference to the document id inside this collection.
func (r *CollectionRef) Doc(id string) *DocumentRef {
	ref := &DocumentRef{c: r.c, path: r.path + "/" + id, err: r.err}
	if ref.err == nil {
		ref.err = validateDocumentPath(ref.path)
	}
	return ref
}

// Add creates a document with a server-assigned id and returns its
// reference. Creation needs the server to mint the id, so it does not take
// the offline-queue path.
func (r *CollectionRef) Add(ctx context.Context, data interface{}) (*DocumentRef, int64, error) {
	if r.err != nil {
		return nil, 0, r.err
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return nil, 0, err
	}

	collection, parentPath := splitCollectionPath(r.path)
	payload := map[string]interface{}{
		"data":        json.RawMessage(encoded),
		"userId":      r.c.cfg.UserID,
		"workspaceId": r.c.cfg.WorkspaceID,
	}
	if parentPath != "" {
		payload["parentPath"] = parentPath
	}

	var resp struct {
		ID      string `json:"id"`
		Path    string `json:"path"`
		Version int64  `json:"version"`
	}
	if err := r.c.do(ctx, http.MethodPost, "/documents/"+collection, nil, payload, &resp); err != nil {
		return nil, 0, err
	}

	if r.c.cache != nil {
		_ = r.c.cache.putDocument(resp.Path, cachedDoc{Data: encoded, Version: resp.Version})
	}
	return r.c.Doc(resp.Path), resp.Version, nil
}

// Documents lists the collection's documents one level deep, falling back to
// the cache when the server is unreachable.
func (r *CollectionRef) Documents(ctx context.Context) (*QuerySnapshot, error) {
	if r.err != nil {
		return nil, r.err
	}

	collection, parentPath := splitCollectionPath(r.path)
	q := url.Values{}
	q.Set("workspaceId", r.c.cfg.WorkspaceID)
	q.Set("userId", r.c.cfg.UserID)
	if parentPath != "" {
		q.Set("parentPath", parentPath)
	}

	var rows []struct {
		ID      string          `json:"id"`
		Path    string          `json:"path"`
		Data    json.RawMessage `json:"data"`
		Version int64           `json:"version"`
	}
	err := r.c.do(ctx, http.MethodGet, "/documents/"+collection, q, nil, &rows)
	if err != nil {
		if IsNetworkError(err) && r.c.cache != nil {
			return r.cachedDocuments()
		}
		return nil, err
	}

	snap := &QuerySnapshot{Docs: make([]*Snapshot, 0, len(rows))}
	for _, row := range rows {
		snap.Docs = append(snap.Docs, &Snapshot{
			ID:      row.ID,
			Path:    row.Path,
			Data:    row.Data,
			Version: row.Version,
		})
	}
	return snap, nil
}

func (r *CollectionRef) cachedDocuments() (*QuerySnapshot, error) {
	cached, err := r.c.cache.documentsUnder(r.path)
	if err != nil {
		return nil, err
	}
	snap := &QuerySnapshot{Metadata: SnapshotMetadata{FromCache: true}}
	for path, doc := range cached {
		s := snapshotFromCache(path, doc)
		if s.Metadata.HasPendingWrites {
			snap.Metadata.HasPendingWrites = true
		}
		snap.Docs = append(snap.Docs, s)
	}
	sortSnapshotsByPath(snap.Docs)
	return snap, nil
}

// Where starts a filtered query over this collection.
func (r *CollectionRef) Where(field, op string, value interface{}) *Query {
	return (&Query{c: r.c, collectionPath: r.path, err: r.err}).Where(field, op, value)
}

// OrderBy starts an ordered query over this collection.
func (r *CollectionRef) OrderBy(field, direction string) *Query {
	return (&Query{c: r.c, collectionPath: r.path, err: r.err}).OrderBy(field, direction)
}

// Limit starts a limited query over this collection.
func (r *CollectionRef) Limit(n int) *Query {
	return (&Query{c: r.c, collectionPath: r.path, err: r.err}).Limit(n)
}

// Query returns the unfiltered query over this collection.
func (r *CollectionRef) Query() *Query {
	return &Query{c: r.c, collectionPath: r.path, err: r.err}
}

// Snapshots subscribes to live changes of the whole collection.
func (r *CollectionRef) Snapshots(ctx context.Context, fn func(*QuerySnapshot)) (func(), error) {
	return r.Query().Snapshots(ctx, fn)
}

// DocumentRef points at a document path within the client's workspace.
type DocumentRef struct {
	c    *Client
	path string
	err  error
}

// Path returns the full document path.
func (r *DocumentRef) Path() string { return r.path }

// Collection returns a reference to a sub-collection of this document.
func (r *DocumentRef) Collection(name string) *CollectionRef {
	ref := &CollectionRef{c: r.c, path: r.path + "/" + name, err: r.err}
	if ref.err == nil {
		ref.err = validateCollectionPath(ref.path)
	}
	return ref
}

// Parent returns the collection containing this document.
func (r *DocumentRef) Parent() *CollectionRef {
	segments := splitSegments(r.path)
	if len(segments) < 2 {
		return &CollectionRef{c: r.c, path: r.path, err: r.err}
	}
	parent := joinSegments(segments[:len(segments)-1])
	return &CollectionRef{c: r.c, path: parent, err: validateCollectionPath(parent)}
}

// Get reads the document from the server, falling back to the cache when the
// network is unavailable. Snapshot metadata records the fallback.
func (r *DocumentRef) Get(ctx context.Context) (*Snapshot, error) {
	if r.err != nil {
		return nil, r.err
	}

	collection, id, parentPath, err := splitDocPath(r.path)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("workspaceId", r.c.cfg.WorkspaceID)
	q.Set("userId", r.c.cfg.UserID)
	if parentPath != "" {
		q.Set("parentPath", parentPath)
	}

	var row struct {
		ID      string          `json:"id"`
		Path    string          `json:"path"`
		Data    json.RawMessage `json:"data"`
		Version int64           `json:"version"`
	}
	err = r.c.do(ctx, http.MethodGet, "/documents/"+collection+"/"+id, q, nil, &row)
	if err != nil {
		if IsNetworkError(err) && r.c.cache != nil {
			if doc, ok, cerr := r.c.cache.getDocument(r.path); cerr == nil && ok {
				return snapshotFromCache(r.path, doc), nil
			}
		}
		return nil, err
	}

	// Read-through: refresh the cache unless an optimistic write is pending.
	if r.c.cache != nil {
		if doc, ok, _ := r.c.cache.getDocument(r.path); !ok || !doc.Pending {
			_ = r.c.cache.putDocument(r.path, cachedDoc{Data: row.Data, Version: row.Version})
		}
	}

	return &Snapshot{ID: row.ID, Path: row.Path, Data: row.Data, Version: row.Version}, nil
}

// WriteOption tweaks a single write.
type WriteOption func(*writeOptions)

type writeOptions struct {
	expectedVersion *int64
}

// WithExpectedVersion adds an optimistic-concurrency precondition: the write
// fails with ErrVersionConflict unless the server-side version matches.
func WithExpectedVersion(version int64) WriteOption {
	return func(o *writeOptions) {
		v := version
		o.expectedVersion = &v
	}
}

// Set overwrites (or creates) the document. With persistence enabled the
// cache is updated optimistically and the write queued; a network failure
// resolves with the PendingVersion sentinel instead of an error.
func (r *DocumentRef) Set(ctx context.Context, data interface{}, opts ...WriteOption) (int64, error) {
	return r.write(ctx, opSet, data, opts...)
}

// Update merge-patches the document (RFC 7396: null values erase keys).
func (r *DocumentRef) Update(ctx context.Context, patch interface{}, opts ...WriteOption) (int64, error) {
	return r.write(ctx, opUpdate, patch, opts...)
}

// Delete soft-deletes the document.
func (r *DocumentRef) Delete(ctx context.Context, opts ...WriteOption) error {
	if r.err != nil {
		return r.err
	}
	options := applyWriteOptions(opts)
	op := QueuedOp{
		Type:            opDelete,
		Path:            r.path,
		CollectionName:  collectionNameOf(r.path),
		ParentPath:      parentPathOf(r.path),
		ExpectedVersion: options.expectedVersion,
	}

	if r.c.cache == nil {
		_, err := r.c.pushOp(ctx, op)
		return err
	}

	// Optimistic removal first, then queue, then the network attempt.
	_ = r.c.cache.deleteDocument(r.path)
	seq, err := r.c.cache.enqueue(op)
	if err != nil {
		return err
	}
	op.Seq = seq

	if _, err := r.c.pushOp(ctx, op); err != nil {
		if IsNetworkError(err) {
			return nil
		}
		// Definitive server rejection stays queued for inspection.
		return err
	}
	return r.c.cache.dequeue(seq)
}

func (r *DocumentRef) write(ctx context.Context, opType string, data interface{}, opts ...WriteOption) (int64, error) {
	if r.err != nil {
		return 0, r.err
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return 0, err
	}
	options := applyWriteOptions(opts)
	op := QueuedOp{
		Type:            opType,
		Path:            r.path,
		Data:            encoded,
		CollectionName:  collectionNameOf(r.path),
		ParentPath:      parentPathOf(r.path),
		ExpectedVersion: options.expectedVersion,
	}

	if r.c.cache == nil {
		return r.c.pushOp(ctx, op)
	}

	// Optimistic UI rule: cache first with the pending sentinel, queue,
	// then attempt the network call.
	optimistic := encoded
	if opType == opUpdate {
		if doc, ok, _ := r.c.cache.getDocument(r.path); ok {
			if merged, merr := jsonmergePatch(doc.Data, encoded); merr == nil {
				optimistic = merged
			}
		}
	}
	_ = r.c.cache.putDocument(r.path, cachedDoc{Data: optimistic, Version: PendingVersion, Pending: true})

	seq, err := r.c.cache.enqueue(op)
	if err != nil {
		return 0, err
	}
	op.Seq = seq

	version, err := r.c.pushOp(ctx, op)
	if err != nil {
		if IsNetworkError(err) {
			return PendingVersion, nil
		}
		return 0, err
	}

	_ = r.c.cache.putDocument(r.path, cachedDoc{Data: optimistic, Version: version})
	if err := r.c.cache.dequeue(seq); err != nil {
		return version, err
	}
	return version, nil
}

func applyWriteOptions(opts []WriteOption) writeOptions {
	var options writeOptions
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

func snapshotFromCache(path string, doc cachedDoc) *Snapshot {
	return &Snapshot{
		ID:      docIDOf(path),
		Path:    path,
		Data:    doc.Data,
		Version: doc.Version,
		Metadata: SnapshotMetadata{
			FromCache:        true,
			HasPendingWrites: doc.Pending || doc.Version == PendingVersion,
		},
	}
}
