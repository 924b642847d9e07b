package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

// flakyTransport simulates losing the network while keeping the same
// endpoint configured.
type flakyTransport struct {
	offline atomic.Bool
	base    http.RoundTripper
}

func (t *flakyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.offline.Load() {
		return nil, errors.New("connection refused")
	}
	return t.base.RoundTrip(req)
}

// fakeServer is a minimal in-memory stand-in for the document API: enough
// for the SDK's write, read, and sync paths.
type fakeServer struct {
	mu      sync.Mutex
	docs    map[string]json.RawMessage // path -> data
	version int64
	puts    int
}

func (f *fakeServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/documents/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		rest := strings.TrimPrefix(r.URL.Path, "/documents/")
		segments := strings.Split(rest, "/")
		if len(segments) != 2 {
			http.Error(w, `{"code":"MALFORMED_REQUEST"}`, http.StatusBadRequest)
			return
		}

		var body struct {
			Data       json.RawMessage `json:"data"`
			ParentPath string          `json:"parentPath"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)

		path := segments[0] + "/" + segments[1]
		if body.ParentPath != "" {
			path = body.ParentPath + "/" + path
		} else if pp := r.URL.Query().Get("parentPath"); pp != "" {
			path = pp + "/" + path
		}

		switch r.Method {
		case http.MethodPut, http.MethodPatch:
			f.version++
			f.puts++
			f.docs[path] = body.Data
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"success": true, "version": f.version})
		case http.MethodDelete:
			f.version++
			delete(f.docs, path)
			w.WriteHeader(http.StatusNoContent)
		case http.MethodGet:
			data, ok := f.docs[path]
			if !ok {
				http.Error(w, `{"code":"DOCUMENT_NOT_FOUND"}`, http.StatusNotFound)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"id": segments[1], "path": path, "data": data, "version": f.version,
			})
		}
	})
	return mux
}

func newFakeServer() *fakeServer {
	return &fakeServer{docs: make(map[string]json.RawMessage)}
}

func newOfflineCapableClient(t *testing.T, persistence bool) (*Client, *fakeServer, *flakyTransport) {
	t.Helper()
	fake := newFakeServer()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	transport := &flakyTransport{base: http.DefaultTransport}
	c, err := New(Config{
		Endpoint:          srv.URL,
		UserID:            "u1",
		EnablePersistence: persistence,
		CachePath:         filepath.Join(t.TempDir(), "cache.db"),
		HTTPClient:        &http.Client{Transport: transport},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, fake, transport
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{UserID: "u1"})
	require.Error(t, err)

	_, err = New(Config{Endpoint: "http://localhost:1"})
	require.Error(t, err)
}

func TestSplitDocPath(t *testing.T) {
	collection, id, parent, err := splitDocPath("items/i1")
	require.NoError(t, err)
	require.Equal(t, "items", collection)
	require.Equal(t, "i1", id)
	require.Empty(t, parent)

	collection, id, parent, err = splitDocPath("users/u1/posts/p1")
	require.NoError(t, err)
	require.Equal(t, "posts", collection)
	require.Equal(t, "p1", id)
	require.Equal(t, "users/u1", parent)

	_, _, _, err = splitDocPath("users")
	require.Error(t, err)
}

func TestDoc_PathRoundTrip(t *testing.T) {
	c := &Client{}
	for _, p := range []string{"items/i1", "users/u1/posts/p1", "a/b/c/d/e/f"} {
		require.Equal(t, p, c.Doc(c.Doc(p).Path()).Path())
	}
}

func TestRefChaining(t *testing.T) {
	c := &Client{}
	ref := c.Collection("users").Doc("u1").Collection("posts").Doc("p1")
	require.Equal(t, "users/u1/posts/p1", ref.Path())
	require.Equal(t, "users/u1/posts", ref.Parent().Path())

	bad := c.Doc("odd/segments/path")
	_, err := bad.Get(context.Background())
	require.Error(t, err)
}

func TestSet_Online(t *testing.T) {
	c, fake, _ := newOfflineCapableClient(t, true)

	version, err := c.Doc("items/i1").Set(context.Background(), map[string]int{"n": 1})
	require.NoError(t, err)
	require.Positive(t, version)

	// Server applied, cache holds the authoritative version, queue empty.
	require.Equal(t, 1, fake.puts)
	doc, found, err := c.cache.getDocument("items/i1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, version, doc.Version)
	require.False(t, doc.Pending)

	ops, err := c.PendingWrites()
	require.NoError(t, err)
	require.Empty(t, ops)
}

func TestSet_OfflineQueuesAndReplays(t *testing.T) {
	c, fake, transport := newOfflineCapableClient(t, true)
	ctx := context.Background()

	transport.offline.Store(true)

	// Offline set resolves optimistically with the pending sentinel.
	version, err := c.Doc("items/i1").Set(ctx, map[string]int{"n": 5})
	require.NoError(t, err)
	require.Equal(t, PendingVersion, version)

	ops, err := c.PendingWrites()
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.Equal(t, opSet, ops[0].Type)

	// Reads fall back to the optimistic cache state.
	snap, err := c.Doc("items/i1").Get(ctx)
	require.NoError(t, err)
	require.True(t, snap.Metadata.FromCache)
	require.True(t, snap.Metadata.HasPendingWrites)
	var data map[string]int
	require.NoError(t, snap.DataTo(&data))
	require.Equal(t, 5, data["n"])

	// Network returns; the drain converges cache and queue.
	transport.offline.Store(false)
	c.drainQueue(ctx)

	ops, err = c.PendingWrites()
	require.NoError(t, err)
	require.Empty(t, ops)

	doc, found, err := c.cache.getDocument("items/i1")
	require.NoError(t, err)
	require.True(t, found)
	require.Positive(t, doc.Version)
	require.False(t, doc.Pending)
	require.Equal(t, 1, fake.puts)

	snap, err = c.Doc("items/i1").Get(ctx)
	require.NoError(t, err)
	require.False(t, snap.Metadata.HasPendingWrites)
}

func TestGet_OfflineWithoutCacheEntryFails(t *testing.T) {
	c, _, transport := newOfflineCapableClient(t, true)
	transport.offline.Store(true)

	_, err := c.Doc("items/never-seen").Get(context.Background())
	require.ErrorIs(t, err, ErrNetworkUnavailable)
}

func TestSet_OfflineWithoutPersistenceFails(t *testing.T) {
	c, _, transport := newOfflineCapableClient(t, false)
	transport.offline.Store(true)

	_, err := c.Doc("items/i1").Set(context.Background(), map[string]int{"n": 1})
	require.ErrorIs(t, err, ErrNetworkUnavailable)
}

func TestUpdate_OptimisticMerge(t *testing.T) {
	c, _, transport := newOfflineCapableClient(t, true)
	ctx := context.Background()

	_, err := c.Doc("items/i1").Set(ctx, map[string]interface{}{"name": "a", "value": 1})
	require.NoError(t, err)

	transport.offline.Store(true)
	version, err := c.Doc("items/i1").Update(ctx, map[string]interface{}{"value": 2})
	require.NoError(t, err)
	require.Equal(t, PendingVersion, version)

	snap, err := c.Doc("items/i1").Get(ctx)
	require.NoError(t, err)
	var data map[string]interface{}
	require.NoError(t, snap.DataTo(&data))
	require.Equal(t, "a", data["name"])
	require.EqualValues(t, 2, data["value"])
}

func TestDelete_Offline(t *testing.T) {
	c, _, transport := newOfflineCapableClient(t, true)
	ctx := context.Background()

	_, err := c.Doc("items/i1").Set(ctx, map[string]int{"n": 1})
	require.NoError(t, err)

	transport.offline.Store(true)
	require.NoError(t, c.Doc("items/i1").Delete(ctx))

	_, found, err := c.cache.getDocument("items/i1")
	require.NoError(t, err)
	require.False(t, found)

	ops, err := c.PendingWrites()
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.Equal(t, opDelete, ops[0].Type)
}

func TestClearQueue(t *testing.T) {
	c, _, transport := newOfflineCapableClient(t, true)
	transport.offline.Store(true)

	_, err := c.Doc("items/i1").Set(context.Background(), map[string]int{"n": 1})
	require.NoError(t, err)

	require.NoError(t, c.ClearQueue())
	ops, err := c.PendingWrites()
	require.NoError(t, err)
	require.Empty(t, ops)
}

func TestPendingWrites_RequiresPersistence(t *testing.T) {
	c, _, _ := newOfflineCapableClient(t, false)
	_, err := c.PendingWrites()
	require.ErrorIs(t, err, ErrPersistenceDisabled)
}

func TestSnapshots_RequiresBroker(t *testing.T) {
	c, _, _ := newOfflineCapableClient(t, false)
	_, err := c.Doc("items/i1").Snapshots(context.Background(), func(*Snapshot) {})
	require.ErrorIs(t, err, ErrRealtimeDisabled)
	_, err = c.Collection("items").Query().Snapshots(context.Background(), func(*QuerySnapshot) {})
	require.ErrorIs(t, err, ErrRealtimeDisabled)
}
