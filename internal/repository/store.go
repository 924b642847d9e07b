// Package repository implements the durable documents and events tables over
// a shared pgxpool. The events table's auto-incrementing version column is
// the authoritative version source: every mutation appends its event first,
// reads back the assigned version, and binds it into the document row inside
// the same transaction.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telestackhq/db/internal/domain"
)

// ErrNoRows is returned when a lookup matches nothing.
var ErrNoRows = errors.New("no rows")

const schemaSQL = `
CREATE TABLE IF NOT EXISTS documents (
	id              TEXT        NOT NULL,
	workspace_id    TEXT        NOT NULL,
	collection_name TEXT        NOT NULL,
	path            TEXT        NOT NULL,
	user_id         TEXT        NOT NULL,
	data            JSONB,
	version         BIGINT      NOT NULL,
	deleted_at      TIMESTAMPTZ,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (workspace_id, path)
);
CREATE INDEX IF NOT EXISTS idx_documents_path ON documents (path);

CREATE TABLE IF NOT EXISTS events (
	version      BIGSERIAL   PRIMARY KEY,
	id           TEXT        NOT NULL,
	doc_id       TEXT        NOT NULL,
	workspace_id TEXT        NOT NULL,
	event_type   TEXT        NOT NULL,
	payload      JSONB,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_events_doc_id ON events (doc_id);
CREATE INDEX IF NOT EXISTS idx_events_workspace_id ON events (workspace_id);
`

// Store provides document and event persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store over the shared connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool exposes the underlying pool for components that share it (River).
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Reset drops and recreates the schema. Admin/test use only.
func (s *Store) Reset(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DROP TABLE IF EXISTS documents; DROP TABLE IF EXISTS events;`); err != nil {
		return fmt.Errorf("drop tables: %w", err)
	}
	return s.Migrate(ctx)
}

// WithTx runs fn inside a transaction, committing on nil and rolling back on
// error. Batch atomicity comes from calling every per-operation mutation
// with the same tx.
func (s *Store) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

const documentColumns = `id, workspace_id, collection_name, path, user_id, data, version, deleted_at, created_at, updated_at`

func scanDocument(row pgx.Row) (*domain.Document, error) {
	var doc domain.Document
	err := row.Scan(
		&doc.ID, &doc.WorkspaceID, &doc.CollectionName, &doc.Path,
		&doc.OwnerID, &doc.Data, &doc.Version, &doc.DeletedAt,
		&doc.CreatedAt, &doc.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("scan document: %w", err)
	}
	return &doc, nil
}

// GetDocument fetches the row at (workspaceID, path) including tombstones;
// callers decide how tombstones surface.
func (s *Store) GetDocument(ctx context.Context, workspaceID, path string) (*domain.Document, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE workspace_id = $1 AND path = $2`,
		workspaceID, path,
	)
	return scanDocument(row)
}

// GetDocumentTx is GetDocument inside a transaction, with FOR UPDATE so an
// expected-version precondition is evaluated against a stable row.
func (s *Store) GetDocumentTx(ctx context.Context, tx pgx.Tx, workspaceID, path string) (*domain.Document, error) {
	row := tx.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE workspace_id = $1 AND path = $2 FOR UPDATE`,
		workspaceID, path,
	)
	return scanDocument(row)
}

// ListCollection returns the live documents exactly one level below the
// collection path (no transitive descent into sub-collections).
func (s *Store) ListCollection(ctx context.Context, workspaceID, collectionPath string) ([]*domain.Document, error) {
	oneLevel := collectionPath + "/%"
	deeper := collectionPath + "/%/%"
	rows, err := s.pool.Query(ctx,
		`SELECT `+documentColumns+` FROM documents
		 WHERE workspace_id = $1 AND path LIKE $2 AND path NOT LIKE $3 AND deleted_at IS NULL
		 ORDER BY path`,
		workspaceID, oneLevel, deeper,
	)
	if err != nil {
		return nil, fmt.Errorf("list collection: %w", err)
	}
	defer rows.Close()

	var docs []*domain.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// AppendEvent inserts an event row and returns its auto-assigned version.
func (s *Store) AppendEvent(ctx context.Context, tx pgx.Tx, ev *domain.Event) (int64, error) {
	var version int64
	err := tx.QueryRow(ctx,
		`INSERT INTO events (id, doc_id, workspace_id, event_type, payload)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING version`,
		ev.ID, ev.DocID, ev.WorkspaceID, ev.EventType, ev.Payload,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	return version, nil
}

// UpsertDocument writes the full document row, clearing any tombstone. The
// version must be the one returned by AppendEvent in the same transaction.
func (s *Store) UpsertDocument(ctx context.Context, tx pgx.Tx, doc *domain.Document) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO documents (id, workspace_id, collection_name, path, user_id, data, version, deleted_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NULL, now(), now())
		 ON CONFLICT (workspace_id, path) DO UPDATE SET
			data = EXCLUDED.data,
			version = EXCLUDED.version,
			deleted_at = NULL,
			updated_at = now()`,
		doc.ID, doc.WorkspaceID, doc.CollectionName, doc.Path,
		doc.OwnerID, doc.Data, doc.Version,
	)
	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	return nil
}

// MarkDeleted tombstones the document and advances its version.
func (s *Store) MarkDeleted(ctx context.Context, tx pgx.Tx, workspaceID, path string, version int64) error {
	tag, err := tx.Exec(ctx,
		`UPDATE documents SET deleted_at = now(), version = $3, updated_at = now()
		 WHERE workspace_id = $1 AND path = $2`,
		workspaceID, path, version,
	)
	if err != nil {
		return fmt.Errorf("mark deleted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoRows
	}
	return nil
}

// EventsSince returns the workspace's events with version > since, in
// version order. limit <= 0 means no limit.
func (s *Store) EventsSince(ctx context.Context, workspaceID string, since int64, limit int) ([]*domain.Event, error) {
	// The document path is joined in so cache-keyed clients can apply the
	// stream; events whose document was purged surface with an empty path.
	sql := `SELECT e.version, e.id, e.doc_id, e.workspace_id, e.event_type, e.payload, e.created_at,
			COALESCE(d.path, '')
		FROM events e
		LEFT JOIN documents d ON d.workspace_id = e.workspace_id AND d.id = e.doc_id
		WHERE e.workspace_id = $1 AND e.version > $2 ORDER BY e.version`
	args := []interface{}{workspaceID, since}
	if limit > 0 {
		sql += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("events since: %w", err)
	}
	defer rows.Close()

	var events []*domain.Event
	for rows.Next() {
		var ev domain.Event
		if err := rows.Scan(&ev.Version, &ev.ID, &ev.DocID, &ev.WorkspaceID, &ev.EventType, &ev.Payload, &ev.CreatedAt, &ev.Path); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// LatestEventVersion returns the highest event version in the workspace, or
// zero when the workspace has no events.
func (s *Store) LatestEventVersion(ctx context.Context, workspaceID string) (int64, error) {
	var version int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM events WHERE workspace_id = $1`,
		workspaceID,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("latest event version: %w", err)
	}
	return version, nil
}

// PurgeTombstones hard-deletes document rows tombstoned before the cutoff.
// Events are never pruned: they are the version source and feed /sync.
func (s *Store) PurgeTombstones(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM documents WHERE deleted_at IS NOT NULL AND deleted_at < $1`,
		olderThan,
	)
	if err != nil {
		return 0, fmt.Errorf("purge tombstones: %w", err)
	}
	return tag.RowsAffected(), nil
}
