package client

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMatchFilter(t *testing.T) {
	doc := json.RawMessage(`{
		"status": "active",
		"priority": 5,
		"tags": ["urgent", "home"],
		"meta": {"owner": "u1"},
		"done": false
	}`)

	tests := []struct {
		name  string
		field string
		op    string
		value interface{}
		want  bool
	}{
		{"eq string", "status", OpEq, "active", true},
		{"eq mismatch", "status", OpEq, "done", false},
		{"neq", "status", OpNeq, "done", true},
		{"neq missing field is false", "ghost", OpNeq, "x", false},
		{"lt", "priority", OpLt, float64(6), true},
		{"lte boundary", "priority", OpLte, float64(5), true},
		{"gt", "priority", OpGt, float64(5), false},
		{"gte boundary", "priority", OpGte, float64(5), true},
		{"in hit", "status", OpIn, []interface{}{"x", "active"}, true},
		{"in miss", "status", OpIn, []interface{}{"x", "y"}, false},
		{"array-contains hit", "tags", OpArrayContains, "urgent", true},
		{"array-contains miss", "tags", OpArrayContains, "work", false},
		{"array-contains non-array", "status", OpArrayContains, "a", false},
		{"like prefix", "status", OpLike, "act%", true},
		{"like single char", "status", OpLike, "activ_", true},
		{"like miss", "status", OpLike, "done%", false},
		{"dotted field", "meta.owner", OpEq, "u1", true},
		{"dotted missing", "meta.ghost", OpEq, "u1", false},
		{"bool eq", "done", OpEq, false, true},
		{"missing field lt is false", "ghost", OpLt, float64(1), false},
		{"unknown op", "status", "~~", "x", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := matchFilter(doc, queryFilter{Field: tt.field, Op: tt.op, Value: tt.value})
			require.Equal(t, tt.want, got)
		})
	}
}

func TestCompareValues(t *testing.T) {
	cmp, ok := compareValues(float64(1), float64(2))
	require.True(t, ok)
	require.Negative(t, cmp)

	cmp, ok = compareValues("b", "a")
	require.True(t, ok)
	require.Positive(t, cmp)

	cmp, ok = compareValues(false, true)
	require.True(t, ok)
	require.Negative(t, cmp)

	// Mixed types do not compare.
	_, ok = compareValues("a", float64(1))
	require.False(t, ok)
}

func TestLikeMatch(t *testing.T) {
	require.True(t, likeMatch("hello", "h%"))
	require.True(t, likeMatch("hello", "%llo"))
	require.True(t, likeMatch("hello", "h_llo"))
	require.True(t, likeMatch("hello", "%"))
	require.True(t, likeMatch("hello", "hello"))
	require.False(t, likeMatch("hello", "h_"))
	require.False(t, likeMatch("hello", "world%"))
	require.True(t, likeMatch("", "%"))
	require.False(t, likeMatch("", "_"))
}

func TestQuery_GetLocal(t *testing.T) {
	cache := newTestCache(t)
	c := &Client{cache: cache}

	seed := map[string]string{
		"tasks/t1": `{"status":"active","priority":3}`,
		"tasks/t2": `{"status":"active","priority":9}`,
		"tasks/t3": `{"status":"done","priority":5}`,
		"tasks/t4": `{"status":"active"}`,
	}
	for path, data := range seed {
		require.NoError(t, cache.putDocument(path, cachedDoc{Data: []byte(data), Version: 1}))
	}

	q := (&Query{c: c, collectionPath: "tasks"}).
		Where("status", OpEq, "active").
		OrderBy("priority", "desc").
		Limit(2)

	snap, err := q.getLocal()
	require.NoError(t, err)
	require.True(t, snap.Metadata.FromCache)
	require.Len(t, snap.Docs, 2)
	require.Equal(t, "tasks/t2", snap.Docs[0].Path)
	require.Equal(t, "tasks/t1", snap.Docs[1].Path)
}

func TestQuery_GetLocal_MissingFieldSortsLast(t *testing.T) {
	cache := newTestCache(t)
	c := &Client{cache: cache}

	require.NoError(t, cache.putDocument("tasks/a", cachedDoc{Data: []byte(`{"priority":1}`), Version: 1}))
	require.NoError(t, cache.putDocument("tasks/b", cachedDoc{Data: []byte(`{}`), Version: 1}))
	require.NoError(t, cache.putDocument("tasks/c", cachedDoc{Data: []byte(`{"priority":2}`), Version: 1}))

	q := (&Query{c: c, collectionPath: "tasks"}).OrderBy("priority", "asc")
	snap, err := q.getLocal()
	require.NoError(t, err)
	require.Len(t, snap.Docs, 3)
	require.Equal(t, "tasks/a", snap.Docs[0].Path)
	require.Equal(t, "tasks/c", snap.Docs[1].Path)
	require.Equal(t, "tasks/b", snap.Docs[2].Path)
}

func TestQuery_GetLocal_PendingWritesFlag(t *testing.T) {
	cache := newTestCache(t)
	c := &Client{cache: cache}

	require.NoError(t, cache.putDocument("tasks/a", cachedDoc{Data: []byte(`{"n":1}`), Version: PendingVersion, Pending: true}))

	snap, err := (&Query{c: c, collectionPath: "tasks"}).getLocal()
	require.NoError(t, err)
	require.True(t, snap.Metadata.HasPendingWrites)
	require.True(t, snap.Docs[0].Metadata.HasPendingWrites)
}

func TestQuery_BuilderImmutability(t *testing.T) {
	c := &Client{}
	base := &Query{c: c, collectionPath: "tasks"}
	withFilter := base.Where("a", OpEq, 1)
	withTwo := withFilter.Where("b", OpEq, 2)

	require.Empty(t, base.filters)
	require.Len(t, withFilter.filters, 1)
	require.Len(t, withTwo.filters, 2)
}
