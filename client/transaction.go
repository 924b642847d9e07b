package client

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"time"
)

// Transaction retry policy: bounded attempts with full-jitter backoff
// delay = random(0, min(100 * 1.5^attempt, 2000)) ms.
const (
	maxTxAttempts  = 10
	txBackoffBase  = 100 * time.Millisecond
	txBackoffCap   = 2 * time.Second
	txBackoffPower = 1.5
)

type txOp struct {
	Type            string          `json:"type"`
	Path            string          `json:"path"`
	Data            json.RawMessage `json:"data,omitempty"`
	ExpectedVersion *int64          `json:"expectedVersion,omitempty"`
}

// Transaction stages reads and writes for an atomic commit. Writes capture
// the version of the snapshot that was read through the same transaction,
// turning the commit into a batch of expected-version preconditions.
type Transaction struct {
	c     *Client
	reads map[string]int64
	ops   []txOp
	err   error
}

// Get reads a document through the transaction, capturing its version for
// the commit preconditions. Reads always hit the server: a stale cached
// value would defeat the conflict check.
func (t *Transaction) Get(ctx context.Context, ref *DocumentRef) (*Snapshot, error) {
	if ref.err != nil {
		return nil, ref.err
	}
	collection, id, parentPath, err := splitDocPath(ref.path)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("workspaceId", t.c.cfg.WorkspaceID)
	params.Set("userId", t.c.cfg.UserID)
	if parentPath != "" {
		params.Set("parentPath", parentPath)
	}

	var row struct {
		ID      string          `json:"id"`
		Path    string          `json:"path"`
		Data    json.RawMessage `json:"data"`
		Version int64           `json:"version"`
	}
	if err := t.c.do(ctx, http.MethodGet, "/documents/"+collection+"/"+id, params, nil, &row); err != nil {
		return nil, err
	}

	t.reads[ref.path] = row.Version
	return &Snapshot{ID: row.ID, Path: row.Path, Data: row.Data, Version: row.Version}, nil
}

// Set stages a full overwrite of ref.
func (t *Transaction) Set(ref *DocumentRef, data interface{}) {
	t.stage(opSet, ref, data)
}

// Update stages a merge patch of ref.
func (t *Transaction) Update(ref *DocumentRef, patch interface{}) {
	t.stage(opUpdate, ref, patch)
}

// Delete stages a soft delete of ref.
func (t *Transaction) Delete(ref *DocumentRef) {
	t.stage(opDelete, ref, nil)
}

func (t *Transaction) stage(opType string, ref *DocumentRef, data interface{}) {
	if t.err != nil {
		return
	}
	if ref.err != nil {
		t.err = ref.err
		return
	}
	op := txOp{Type: opType, Path: ref.path}
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			t.err = err
			return
		}
		op.Data = encoded
	}
	if version, ok := t.reads[ref.path]; ok {
		v := version
		op.ExpectedVersion = &v
	}
	t.ops = append(t.ops, op)
}

// RunTransaction invokes fn with a fresh transaction, committing its staged
// writes as one atomic batch. On a version conflict the whole function is
// re-invoked with fresh reads, up to the retry budget; persistent conflict
// fails with ErrTransactionConflict.
func (c *Client) RunTransaction(ctx context.Context, fn func(*Transaction) error) error {
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		tx := &Transaction{c: c, reads: make(map[string]int64)}
		if err := fn(tx); err != nil {
			return err
		}
		if tx.err != nil {
			return tx.err
		}
		if len(tx.ops) == 0 {
			return nil
		}

		err := c.commitBatch(ctx, tx.ops)
		if err == nil {
			// Committed paths are invalidated rather than patched: the
			// batch returns only the final version, not per-op state.
			if c.cache != nil {
				for _, op := range tx.ops {
					_ = c.cache.deleteDocument(op.Path)
				}
			}
			return nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(fullJitter(attempt)):
		}
	}
	return ErrTransactionConflict
}

func (c *Client) commitBatch(ctx context.Context, ops []txOp) error {
	payload := map[string]interface{}{
		"operations":  ops,
		"userId":      c.cfg.UserID,
		"workspaceId": c.cfg.WorkspaceID,
	}
	return c.do(ctx, http.MethodPost, "/documents/batch", nil, payload, nil)
}

// fullJitter draws a uniform delay from [0, min(base·power^attempt, cap)).
func fullJitter(attempt int) time.Duration {
	ceil := float64(txBackoffBase) * math.Pow(txBackoffPower, float64(attempt))
	if ceil > float64(txBackoffCap) {
		ceil = float64(txBackoffCap)
	}
	return time.Duration(rand.Float64() * ceil)
}
