// Package engine implements the document engine: CRUD, upsert, merge-patch,
// soft delete, optimistic concurrency, and atomic batches. Every mutation
// appends exactly one event inside the same transaction as the document
// write; the event's assigned version becomes the document version.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/telestackhq/db/internal/domain"
	apperrors "github.com/telestackhq/db/internal/pkg/errors"
	"github.com/telestackhq/db/internal/repository"
	"github.com/telestackhq/db/internal/rules"
	"github.com/telestackhq/db/pkg/jsonmerge"
	"github.com/telestackhq/db/pkg/realtime"
)

// Engine coordinates the rules engine and the store.
type Engine struct {
	store *repository.Store
	rules *rules.Engine
}

// New creates the document engine.
func New(store *repository.Store, ruleEngine *rules.Engine) *Engine {
	return &Engine{store: store, rules: ruleEngine}
}

// WriteResult describes a committed mutation.
type WriteResult struct {
	ID      string
	Path    string
	Version int64
	Created bool

	// Pub is handed to the event bus after the transaction commits.
	Pub realtime.Publication
}

// BatchOpType enumerates the operations a batch may carry.
type BatchOpType string

const (
	BatchSet    BatchOpType = "set"
	BatchUpdate BatchOpType = "update"
	BatchDelete BatchOpType = "delete"
)

// BatchOp is one operation inside an atomic batch.
type BatchOp struct {
	Type            BatchOpType
	Path            domain.Path
	Data            json.RawMessage
	ExpectedVersion *int64
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the entropy source does; fall back to v4.
		return uuid.NewString()
	}
	return id.String()
}

func (e *Engine) authorize(path domain.Path, op rules.Operation, userID string) error {
	if e.rules.Authorize(path, op, rules.AuthContext{UserID: userID}) {
		return nil
	}
	return apperrors.ErrPermissionDeniedf(string(op), path.String())
}

// Create inserts a new document with an auto-assigned id under the
// collection path.
func (e *Engine) Create(ctx context.Context, workspaceID string, collection domain.Path, data json.RawMessage, userID string) (*WriteResult, error) {
	if !collection.IsCollection() {
		return nil, apperrors.ErrMalformedRequestf("create target is not a collection path: " + collection.String())
	}
	docPath := collection.Child(newID())
	if err := e.authorize(docPath, rules.OpWrite, userID); err != nil {
		return nil, err
	}

	doc := &domain.Document{
		ID:             docPath.DocID(),
		WorkspaceID:    workspaceID,
		CollectionName: collection.Collection(),
		Path:           docPath.String(),
		OwnerID:        userID,
		Data:           data,
	}
	err := e.store.WithTx(ctx, func(tx pgx.Tx) error {
		version, err := e.store.AppendEvent(ctx, tx, &domain.Event{
			ID:          newID(),
			DocID:       doc.ID,
			WorkspaceID: workspaceID,
			EventType:   domain.EventInsert,
			Payload:     data,
		})
		if err != nil {
			return err
		}
		doc.Version = version
		return e.store.UpsertDocument(ctx, tx, doc)
	})
	if err != nil {
		return nil, storageError(err)
	}

	return &WriteResult{
		ID:      doc.ID,
		Path:    doc.Path,
		Version: doc.Version,
		Created: true,
		Pub:     domain.PublicationFor(domain.EventInsert, doc),
	}, nil
}

// Set is the idempotent upsert: create on an unused id, overwrite otherwise,
// resurrect a tombstone. The expected-version precondition (when supplied)
// is evaluated against the current version, tombstoned or not.
func (e *Engine) Set(ctx context.Context, workspaceID string, docPath domain.Path, data json.RawMessage, userID string, expectedVersion *int64) (*WriteResult, error) {
	if err := e.authorize(docPath, rules.OpWrite, userID); err != nil {
		return nil, err
	}

	var result *WriteResult
	err := e.store.WithTx(ctx, func(tx pgx.Tx) error {
		res, err := e.setTx(ctx, tx, workspaceID, docPath, data, userID, expectedVersion)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, storageError(err)
	}
	return result, nil
}

func (e *Engine) setTx(ctx context.Context, tx pgx.Tx, workspaceID string, docPath domain.Path, data json.RawMessage, userID string, expectedVersion *int64) (*WriteResult, error) {
	existing, err := e.store.GetDocumentTx(ctx, tx, workspaceID, docPath.String())
	if err != nil && !errors.Is(err, repository.ErrNoRows) {
		return nil, err
	}

	created := existing == nil
	if existing != nil {
		if expectedVersion != nil && *expectedVersion != existing.Version {
			return nil, apperrors.ErrVersionConflictf(docPath.String())
		}
	}

	eventType := domain.EventSet
	if created {
		eventType = domain.EventInsert
	}

	doc := &domain.Document{
		ID:             docPath.DocID(),
		WorkspaceID:    workspaceID,
		CollectionName: docPath.Collection(),
		Path:           docPath.String(),
		OwnerID:        userID,
		Data:           data,
	}
	if existing != nil {
		doc.OwnerID = existing.OwnerID
	}

	version, err := e.store.AppendEvent(ctx, tx, &domain.Event{
		ID:          newID(),
		DocID:       doc.ID,
		WorkspaceID: workspaceID,
		EventType:   eventType,
		Payload:     data,
	})
	if err != nil {
		return nil, err
	}
	doc.Version = version
	if err := e.store.UpsertDocument(ctx, tx, doc); err != nil {
		return nil, err
	}

	return &WriteResult{
		ID:      doc.ID,
		Path:    doc.Path,
		Version: version,
		Created: created,
		Pub:     domain.PublicationFor(eventType, doc),
	}, nil
}

// Update applies an RFC 7396 merge patch. The event payload records the
// patch; the publication carries the full post-state.
func (e *Engine) Update(ctx context.Context, workspaceID string, docPath domain.Path, patch json.RawMessage, userID string, expectedVersion *int64) (*WriteResult, error) {
	if err := e.authorize(docPath, rules.OpWrite, userID); err != nil {
		return nil, err
	}

	var result *WriteResult
	err := e.store.WithTx(ctx, func(tx pgx.Tx) error {
		res, err := e.updateTx(ctx, tx, workspaceID, docPath, patch, expectedVersion)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, storageError(err)
	}
	return result, nil
}

func (e *Engine) updateTx(ctx context.Context, tx pgx.Tx, workspaceID string, docPath domain.Path, patch json.RawMessage, expectedVersion *int64) (*WriteResult, error) {
	existing, err := e.store.GetDocumentTx(ctx, tx, workspaceID, docPath.String())
	if errors.Is(err, repository.ErrNoRows) {
		return nil, apperrors.ErrDocumentNotFoundf(docPath.String())
	}
	if err != nil {
		return nil, err
	}
	if existing.Deleted() {
		return nil, apperrors.ErrDocumentNotFoundf(docPath.String())
	}
	if expectedVersion != nil && *expectedVersion != existing.Version {
		return nil, apperrors.ErrVersionConflictf(docPath.String())
	}

	merged, err := jsonmerge.Patch(existing.Data, patch)
	if err != nil {
		return nil, apperrors.ErrMalformedRequestf("invalid merge patch: " + err.Error())
	}

	version, err := e.store.AppendEvent(ctx, tx, &domain.Event{
		ID:          newID(),
		DocID:       existing.ID,
		WorkspaceID: workspaceID,
		EventType:   domain.EventUpdate,
		Payload:     patch,
	})
	if err != nil {
		return nil, err
	}

	existing.Data = merged
	existing.Version = version
	if err := e.store.UpsertDocument(ctx, tx, existing); err != nil {
		return nil, err
	}

	return &WriteResult{
		ID:      existing.ID,
		Path:    existing.Path,
		Version: version,
		Pub:     domain.PublicationFor(domain.EventUpdate, existing),
	}, nil
}

// Delete tombstones the document. Deleting an absent or already-tombstoned
// path is a no-op success producing no event; the result is nil.
func (e *Engine) Delete(ctx context.Context, workspaceID string, docPath domain.Path, userID string, expectedVersion *int64) (*WriteResult, error) {
	if err := e.authorize(docPath, rules.OpDelete, userID); err != nil {
		return nil, err
	}

	var result *WriteResult
	err := e.store.WithTx(ctx, func(tx pgx.Tx) error {
		res, err := e.deleteTx(ctx, tx, workspaceID, docPath, expectedVersion)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, storageError(err)
	}
	return result, nil
}

func (e *Engine) deleteTx(ctx context.Context, tx pgx.Tx, workspaceID string, docPath domain.Path, expectedVersion *int64) (*WriteResult, error) {
	existing, err := e.store.GetDocumentTx(ctx, tx, workspaceID, docPath.String())
	if errors.Is(err, repository.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if existing.Deleted() {
		return nil, nil
	}
	if expectedVersion != nil && *expectedVersion != existing.Version {
		return nil, apperrors.ErrVersionConflictf(docPath.String())
	}

	version, err := e.store.AppendEvent(ctx, tx, &domain.Event{
		ID:          newID(),
		DocID:       existing.ID,
		WorkspaceID: workspaceID,
		EventType:   domain.EventDelete,
		Payload:     nil,
	})
	if err != nil {
		return nil, err
	}
	if err := e.store.MarkDeleted(ctx, tx, workspaceID, docPath.String(), version); err != nil {
		return nil, err
	}

	existing.Version = version
	return &WriteResult{
		ID:      existing.ID,
		Path:    existing.Path,
		Version: version,
		Pub:     domain.PublicationFor(domain.EventDelete, existing),
	}, nil
}

// Get returns the live document at docPath; tombstoned and missing both
// surface as not-found.
func (e *Engine) Get(ctx context.Context, workspaceID string, docPath domain.Path, userID string) (*domain.Document, error) {
	if err := e.authorize(docPath, rules.OpRead, userID); err != nil {
		return nil, err
	}
	doc, err := e.store.GetDocument(ctx, workspaceID, docPath.String())
	if errors.Is(err, repository.ErrNoRows) {
		return nil, apperrors.ErrDocumentNotFoundf(docPath.String())
	}
	if err != nil {
		return nil, storageError(err)
	}
	if doc.Deleted() {
		return nil, apperrors.ErrDocumentNotFoundf(docPath.String())
	}
	return doc, nil
}

// List returns the live documents one level below the collection path.
func (e *Engine) List(ctx context.Context, workspaceID string, collection domain.Path, userID string) ([]*domain.Document, error) {
	if !collection.IsCollection() {
		return nil, apperrors.ErrMalformedRequestf("list target is not a collection path: " + collection.String())
	}
	if err := e.authorize(collection, rules.OpRead, userID); err != nil {
		return nil, err
	}
	docs, err := e.store.ListCollection(ctx, workspaceID, collection.String())
	if err != nil {
		return nil, storageError(err)
	}
	return docs, nil
}

// Batch applies the operations as one atomic unit. Authorization runs
// up-front for every operation; any failure applies nothing. Returns the
// final (largest) version and the publications in batch order.
func (e *Engine) Batch(ctx context.Context, workspaceID string, ops []BatchOp, userID string) (int64, []realtime.Publication, error) {
	if len(ops) == 0 {
		return 0, nil, apperrors.ErrMalformedRequestf("batch contains no operations")
	}
	for _, op := range ops {
		ruleOp := rules.OpWrite
		if op.Type == BatchDelete {
			ruleOp = rules.OpDelete
		}
		if err := e.authorize(op.Path, ruleOp, userID); err != nil {
			return 0, nil, err
		}
	}

	var (
		finalVersion int64
		pubs         []realtime.Publication
	)
	err := e.store.WithTx(ctx, func(tx pgx.Tx) error {
		for _, op := range ops {
			var (
				res *WriteResult
				err error
			)
			switch op.Type {
			case BatchSet:
				res, err = e.setTx(ctx, tx, workspaceID, op.Path, op.Data, userID, op.ExpectedVersion)
			case BatchUpdate:
				res, err = e.updateTx(ctx, tx, workspaceID, op.Path, op.Data, op.ExpectedVersion)
			case BatchDelete:
				res, err = e.deleteTx(ctx, tx, workspaceID, op.Path, op.ExpectedVersion)
			default:
				err = apperrors.ErrMalformedRequestf(fmt.Sprintf("unknown batch operation type %q", op.Type))
			}
			if err != nil {
				return err
			}
			if res != nil {
				finalVersion = res.Version
				pubs = append(pubs, res.Pub)
			}
		}
		return nil
	})
	if err != nil {
		return 0, nil, storageError(err)
	}
	return finalVersion, pubs, nil
}

// Sync returns the workspace's events after the given version, for the
// client's incremental reconciliation loop.
func (e *Engine) Sync(ctx context.Context, workspaceID string, since int64, limit int) ([]*domain.Event, error) {
	events, err := e.store.EventsSince(ctx, workspaceID, since, limit)
	if err != nil {
		return nil, storageError(err)
	}
	return events, nil
}

// storageError passes AppErrors through and wraps anything else as a 500.
func storageError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := apperrors.IsAppError(err); ok {
		return err
	}
	return apperrors.Wrap(err, apperrors.CodeStorageError, "storage operation failed", 500)
}
