package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/telestackhq/db/internal/domain"
	apperrors "github.com/telestackhq/db/internal/pkg/errors"
	"github.com/telestackhq/db/internal/pkg/logger"
	"github.com/telestackhq/db/internal/repository"
	"github.com/telestackhq/db/internal/rules"
	"github.com/telestackhq/db/internal/testutil"
	"github.com/telestackhq/db/pkg/realtime"
)

func init() {
	_ = logger.Init("error", "json")
}

const testWorkspace = "ws-test"

// allowAll authorizes every operation on every path.
func allowAll() *rules.Engine {
	return rules.New([]rules.RuleConfig{
		{Match: "{rest=**}", Allow: map[string]string{
			"read": "true", "write": "true", "delete": "true",
		}},
	})
}

func newTestEngine(t *testing.T, prefix string) (*Engine, *repository.Store) {
	t.Helper()
	pool := testutil.OpenPGXPool(t, prefix)
	store := repository.New(pool)
	require.NoError(t, store.Migrate(context.Background()))
	return New(store, allowAll()), store
}

func docPath(t *testing.T, s string) domain.Path {
	t.Helper()
	p, err := domain.ParseDocumentPath(s)
	require.NoError(t, err)
	return p
}

func colPath(t *testing.T, s string) domain.Path {
	t.Helper()
	p, err := domain.ParseCollectionPath(s)
	require.NoError(t, err)
	return p
}

func TestEngine_CRUDRoundTrip(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, "crud_round_trip")

	created, err := eng.Create(ctx, testWorkspace, colPath(t, "items"), []byte(`{"name":"a","value":1}`), "u1")
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	require.Positive(t, created.Version)
	require.Equal(t, realtime.PubCreated, created.Pub.Type)

	path := docPath(t, created.Path)

	doc, err := eng.Get(ctx, testWorkspace, path, "u1")
	require.NoError(t, err)
	require.JSONEq(t, `{"name":"a","value":1}`, string(doc.Data))
	require.Equal(t, created.Version, doc.Version)

	patched, err := eng.Update(ctx, testWorkspace, path, []byte(`{"value":2}`), "u1", nil)
	require.NoError(t, err)
	require.Greater(t, patched.Version, created.Version)

	doc, err = eng.Get(ctx, testWorkspace, path, "u1")
	require.NoError(t, err)
	require.JSONEq(t, `{"name":"a","value":2}`, string(doc.Data))

	deleted, err := eng.Delete(ctx, testWorkspace, path, "u1", nil)
	require.NoError(t, err)
	require.NotNil(t, deleted)
	require.Equal(t, realtime.PubDeleted, deleted.Pub.Type)

	_, err = eng.Get(ctx, testWorkspace, path, "u1")
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestEngine_SetCreatesAndOverwrites(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, "set_upsert")
	path := docPath(t, "items/i1")

	first, err := eng.Set(ctx, testWorkspace, path, []byte(`{"n":1}`), "u1", nil)
	require.NoError(t, err)
	require.True(t, first.Created)

	second, err := eng.Set(ctx, testWorkspace, path, []byte(`{"n":2}`), "u1", nil)
	require.NoError(t, err)
	require.False(t, second.Created)
	require.Greater(t, second.Version, first.Version)

	doc, err := eng.Get(ctx, testWorkspace, path, "u1")
	require.NoError(t, err)
	require.JSONEq(t, `{"n":2}`, string(doc.Data))
}

func TestEngine_VersionConflict(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, "occ_conflict")
	path := docPath(t, "items/i1")

	first, err := eng.Set(ctx, testWorkspace, path, []byte(`{"n":1}`), "u1", nil)
	require.NoError(t, err)

	// Writer A wins with the right precondition.
	winner, err := eng.Update(ctx, testWorkspace, path, []byte(`{"n":2}`), "uA", &first.Version)
	require.NoError(t, err)

	// Writer B loses with the stale precondition.
	_, err = eng.Update(ctx, testWorkspace, path, []byte(`{"n":3}`), "uB", &first.Version)
	require.ErrorIs(t, err, apperrors.ErrVersionConflict)

	// B re-reads and retries against the fresh version.
	retried, err := eng.Update(ctx, testWorkspace, path, []byte(`{"n":3}`), "uB", &winner.Version)
	require.NoError(t, err)
	require.Greater(t, retried.Version, winner.Version)
}

func TestEngine_UpdateMissingIsNotFound(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, "update_missing")

	_, err := eng.Update(ctx, testWorkspace, docPath(t, "items/nope"), []byte(`{"n":1}`), "u1", nil)
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestEngine_TombstoneResurrection(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, "resurrect")
	path := docPath(t, "items/i1")

	first, err := eng.Set(ctx, testWorkspace, path, []byte(`{"n":1}`), "u1", nil)
	require.NoError(t, err)

	deleted, err := eng.Delete(ctx, testWorkspace, path, "u1", nil)
	require.NoError(t, err)
	require.Greater(t, deleted.Version, first.Version)

	_, err = eng.Get(ctx, testWorkspace, path, "u1")
	require.ErrorIs(t, err, apperrors.ErrNotFound)

	// A later set resurrects with a strictly greater version.
	revived, err := eng.Set(ctx, testWorkspace, path, []byte(`{"n":9}`), "u1", nil)
	require.NoError(t, err)
	require.Greater(t, revived.Version, deleted.Version)

	doc, err := eng.Get(ctx, testWorkspace, path, "u1")
	require.NoError(t, err)
	require.JSONEq(t, `{"n":9}`, string(doc.Data))
}

func TestEngine_DeleteMissingIsNoop(t *testing.T) {
	ctx := context.Background()
	eng, store := newTestEngine(t, "delete_noop")

	res, err := eng.Delete(ctx, testWorkspace, docPath(t, "items/ghost"), "u1", nil)
	require.NoError(t, err)
	require.Nil(t, res)

	// No event was produced.
	events, err := store.EventsSince(ctx, testWorkspace, 0, 0)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestEngine_BatchAtomicity(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, "batch_atomic")

	// All-success batch: versions contiguous, publications in order.
	version, pubs, err := eng.Batch(ctx, testWorkspace, []BatchOp{
		{Type: BatchSet, Path: docPath(t, "items/a"), Data: []byte(`{"v":1}`)},
		{Type: BatchSet, Path: docPath(t, "items/b"), Data: []byte(`{"v":2}`)},
	}, "u1")
	require.NoError(t, err)
	require.Len(t, pubs, 2)
	require.Equal(t, pubs[0].Version+1, pubs[1].Version)
	require.Equal(t, pubs[1].Version, version)

	// A failing update rolls the whole batch back.
	_, _, err = eng.Batch(ctx, testWorkspace, []BatchOp{
		{Type: BatchSet, Path: docPath(t, "items/a"), Data: []byte(`{"v":10}`)},
		{Type: BatchUpdate, Path: docPath(t, "items/missing"), Data: []byte(`{"x":3}`)},
	}, "u1")
	require.ErrorIs(t, err, apperrors.ErrNotFound)

	doc, err := eng.Get(ctx, testWorkspace, docPath(t, "items/a"), "u1")
	require.NoError(t, err)
	require.JSONEq(t, `{"v":1}`, string(doc.Data))
}

func TestEngine_BatchVersionConflictRollsBack(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, "batch_conflict")

	first, err := eng.Set(ctx, testWorkspace, docPath(t, "items/a"), []byte(`{"v":1}`), "u1", nil)
	require.NoError(t, err)

	stale := first.Version - 1
	_, _, err = eng.Batch(ctx, testWorkspace, []BatchOp{
		{Type: BatchSet, Path: docPath(t, "items/b"), Data: []byte(`{"v":2}`)},
		{Type: BatchSet, Path: docPath(t, "items/a"), Data: []byte(`{"v":9}`), ExpectedVersion: &stale},
	}, "u1")
	require.ErrorIs(t, err, apperrors.ErrVersionConflict)

	_, err = eng.Get(ctx, testWorkspace, docPath(t, "items/b"), "u1")
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestEngine_ListSingleLevel(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, "list_levels")

	_, err := eng.Set(ctx, testWorkspace, docPath(t, "users/u1"), []byte(`{}`), "u1", nil)
	require.NoError(t, err)
	_, err = eng.Set(ctx, testWorkspace, docPath(t, "users/u1/posts/p1"), []byte(`{"title":"t"}`), "u1", nil)
	require.NoError(t, err)

	users, err := eng.List(ctx, testWorkspace, colPath(t, "users"), "u1")
	require.NoError(t, err)
	require.Len(t, users, 1)
	require.Equal(t, "u1", users[0].ID)

	posts, err := eng.List(ctx, testWorkspace, colPath(t, "users/u1/posts"), "u1")
	require.NoError(t, err)
	require.Len(t, posts, 1)
	require.Equal(t, "p1", posts[0].ID)
}

func TestEngine_VersionsMonotonePerWorkspace(t *testing.T) {
	ctx := context.Background()
	eng, store := newTestEngine(t, "versions_monotone")

	var versions []int64
	for i := 0; i < 5; i++ {
		res, err := eng.Set(ctx, testWorkspace, docPath(t, "items/i1"), []byte(`{"i":1}`), "u1", nil)
		require.NoError(t, err)
		versions = append(versions, res.Version)
	}
	for i := 1; i < len(versions); i++ {
		require.Greater(t, versions[i], versions[i-1])
	}

	// The document's version equals its latest event's version.
	doc, err := eng.Get(ctx, testWorkspace, docPath(t, "items/i1"), "u1")
	require.NoError(t, err)
	events, err := store.EventsSince(ctx, testWorkspace, 0, 0)
	require.NoError(t, err)
	require.Equal(t, doc.Version, events[len(events)-1].Version)
}

func TestEngine_SyncStream(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, "sync_stream")

	first, err := eng.Set(ctx, testWorkspace, docPath(t, "items/a"), []byte(`{"v":1}`), "u1", nil)
	require.NoError(t, err)
	_, err = eng.Update(ctx, testWorkspace, docPath(t, "items/a"), []byte(`{"v":2}`), "u1", nil)
	require.NoError(t, err)

	all, err := eng.Sync(ctx, testWorkspace, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, domain.EventInsert, all[0].EventType)
	require.Equal(t, domain.EventUpdate, all[1].EventType)
	require.Equal(t, "items/a", all[0].Path)

	tail, err := eng.Sync(ctx, testWorkspace, first.Version, 0)
	require.NoError(t, err)
	require.Len(t, tail, 1)
}

func TestEngine_RulesDeny(t *testing.T) {
	ctx := context.Background()
	pool := testutil.OpenPGXPool(t, "rules_deny")
	store := repository.New(pool)
	require.NoError(t, store.Migrate(ctx))

	eng := New(store, rules.New([]rules.RuleConfig{
		{Match: "items/{id}", Allow: map[string]string{
			"read":  "true",
			"write": "auth.userId == 'owner'",
		}},
	}))

	_, err := eng.Set(ctx, testWorkspace, docPath(t, "items/i1"), []byte(`{}`), "owner", nil)
	require.NoError(t, err)

	_, err = eng.Set(ctx, testWorkspace, docPath(t, "items/i1"), []byte(`{}`), "intruder", nil)
	require.ErrorIs(t, err, apperrors.ErrPermissionDeny)

	// Delete has no rule entry, so even the owner is denied.
	_, err = eng.Delete(ctx, testWorkspace, docPath(t, "items/i1"), "owner", nil)
	require.ErrorIs(t, err, apperrors.ErrPermissionDeny)
}

func TestEngine_WorkspaceIsolation(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, "workspace_isolation")

	_, err := eng.Set(ctx, "ws-a", docPath(t, "items/i1"), []byte(`{"ws":"a"}`), "u1", nil)
	require.NoError(t, err)

	_, err = eng.Get(ctx, "ws-b", docPath(t, "items/i1"), "u1")
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestEngine_EventPayloads(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, "event_payloads")

	_, err := eng.Set(ctx, testWorkspace, docPath(t, "items/a"), []byte(`{"full":"state"}`), "u1", nil)
	require.NoError(t, err)
	_, err = eng.Update(ctx, testWorkspace, docPath(t, "items/a"), []byte(`{"just":"patch"}`), "u1", nil)
	require.NoError(t, err)

	events, err := eng.Sync(ctx, testWorkspace, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)

	var setPayload, patchPayload map[string]interface{}
	require.NoError(t, json.Unmarshal(events[0].Payload, &setPayload))
	require.NoError(t, json.Unmarshal(events[1].Payload, &patchPayload))
	require.Equal(t, "state", setPayload["full"])
	// The update event records the patch, not the merged state.
	require.Equal(t, "patch", patchPayload["just"])
	require.NotContains(t, patchPayload, "full")
}

func TestEngine_ExpectedVersionAgainstTombstone(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, "occ_tombstone")
	path := docPath(t, "items/i1")

	_, err := eng.Set(ctx, testWorkspace, path, []byte(`{"n":1}`), "u1", nil)
	require.NoError(t, err)
	deleted, err := eng.Delete(ctx, testWorkspace, path, "u1", nil)
	require.NoError(t, err)

	stale := deleted.Version - 1
	_, err = eng.Set(ctx, testWorkspace, path, []byte(`{"n":2}`), "u1", &stale)
	require.True(t, errors.Is(err, apperrors.ErrVersionConflict))

	revived, err := eng.Set(ctx, testWorkspace, path, []byte(`{"n":2}`), "u1", &deleted.Version)
	require.NoError(t, err)
	require.Greater(t, revived.Version, deleted.Version)
}
