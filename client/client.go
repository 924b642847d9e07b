// Package client is the Go SDK for telestack/db: path references, queries,
// live snapshots, transactions, and an offline-tolerant local cache with a
// durable outbound write queue.
//
// Basic usage:
//
//	c, err := client.New(client.Config{
//		Endpoint: "http://localhost:8080",
//		UserID:   "u1",
//	})
//	snap, err := c.Collection("tasks").Doc("t1").Get(ctx)
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/telestackhq/db/pkg/jsonmerge"
)

// Background cadence: the queue drains every 5s and the incremental sync
// pulls every 30s. Both are cheap when idle.
const (
	drainInterval = 5 * time.Second
	syncInterval  = 30 * time.Second
)

// Config configures a Client.
type Config struct {
	// Endpoint is the HTTP base URL of the server. Mandatory.
	Endpoint string

	// BrokerURL is the broker address (host:port, optionally with a
	// redis:// scheme). Empty disables live subscriptions.
	BrokerURL string

	// WorkspaceID scopes every operation. Defaults to "default".
	WorkspaceID string

	// UserID is the caller identity. Mandatory.
	UserID string

	// EnablePersistence turns on the local cache and outbound queue.
	EnablePersistence bool

	// CachePath is the local store file. Defaults to "telestack-cache.db".
	CachePath string

	// HTTPClient overrides the default HTTP client (tests).
	HTTPClient *http.Client
}

// Client is the entry point of the SDK. One persistent broker connection is
// shared by all subscriptions.
type Client struct {
	cfg   Config
	httpc *http.Client
	cache *boltCache
	rdb   *redis.Client
	hub   *subscriptionHub

	mu          sync.Mutex
	brokerToken string

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New validates cfg and creates a Client. With persistence enabled it also
// starts the periodic queue-drain and incremental-sync loops.
func New(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("client: Endpoint is required")
	}
	if cfg.UserID == "" {
		return nil, errors.New("client: UserID is required")
	}
	if cfg.WorkspaceID == "" {
		cfg.WorkspaceID = "default"
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")

	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: 30 * time.Second}
	}

	c := &Client{
		cfg:   cfg,
		httpc: httpc,
		done:  make(chan struct{}),
	}

	if cfg.EnablePersistence {
		path := cfg.CachePath
		if path == "" {
			path = "telestack-cache.db"
		}
		cache, err := openCache(path)
		if err != nil {
			return nil, err
		}
		c.cache = cache
	}

	if cfg.BrokerURL != "" {
		addr := strings.TrimPrefix(strings.TrimPrefix(cfg.BrokerURL, "redis://"), "rediss://")
		c.rdb = redis.NewClient(&redis.Options{Addr: addr})
		c.hub = newSubscriptionHub(c.rdb)
	}

	if c.cache != nil {
		c.wg.Add(1)
		go c.backgroundLoop()
	}

	return c, nil
}

// Close stops background loops and releases the cache and broker connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.wg.Wait()
		if c.hub != nil {
			c.hub.close()
		}
		if c.rdb != nil {
			if cerr := c.rdb.Close(); cerr != nil {
				err = cerr
			}
		}
		if c.cache != nil {
			if cerr := c.cache.close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	})
	return err
}

// Collection returns a reference to the top-level collection name.
func (c *Client) Collection(name string) *CollectionRef {
	return &CollectionRef{c: c, path: name, err: validateCollectionPath(name)}
}

// Doc returns a reference to the document at a full path, e.g.
// "users/u1/posts/p1".
func (c *Client) Doc(path string) *DocumentRef {
	return &DocumentRef{c: c, path: path, err: validateDocumentPath(path)}
}

// PendingWrites exposes the outbound queue for inspection: writes that have
// not been acknowledged by the server, in submission order.
func (c *Client) PendingWrites() ([]QueuedOp, error) {
	if c.cache == nil {
		return nil, ErrPersistenceDisabled
	}
	return c.cache.queueEntries()
}

// ClearQueue drops every queued write. The cache keeps its optimistic state;
// the next sync converges it with the server.
func (c *Client) ClearQueue() error {
	if c.cache == nil {
		return ErrPersistenceDisabled
	}
	return c.cache.clearQueue()
}

// BrokerToken fetches (and caches) a broker subscription token from the
// server's token issuer.
func (c *Client) BrokerToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	cached := c.brokerToken
	c.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	var resp struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, "/documents/auth/token", nil,
		map[string]string{"userId": c.cfg.UserID}, &resp)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.brokerToken = resp.Token
	c.mu.Unlock()
	return resp.Token, nil
}

// backgroundLoop runs the periodic queue drain and incremental sync until
// Close.
func (c *Client) backgroundLoop() {
	defer c.wg.Done()

	drainTicker := time.NewTicker(drainInterval)
	syncTicker := time.NewTicker(syncInterval)
	defer drainTicker.Stop()
	defer syncTicker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-drainTicker.C:
			ctx, cancel := context.WithTimeout(context.Background(), drainInterval)
			c.drainQueue(ctx)
			cancel()
		case <-syncTicker.C:
			ctx, cancel := context.WithTimeout(context.Background(), syncInterval)
			c.syncOnce(ctx)
			cancel()
		}
	}
}

// drainQueue replays queued writes serially to preserve per-path ordering.
// The first failure halts the drain until the next trigger.
func (c *Client) drainQueue(ctx context.Context) {
	ops, err := c.cache.queueEntries()
	if err != nil {
		return
	}
	for _, op := range ops {
		version, err := c.pushOp(ctx, op)
		if err != nil {
			return
		}
		if op.Type != opDelete {
			if doc, ok, _ := c.cache.getDocument(op.Path); ok {
				doc.Version = version
				doc.Pending = false
				_ = c.cache.putDocument(op.Path, doc)
			}
		}
		_ = c.cache.dequeue(op.Seq)
	}
}

// syncChange is one entry of the incremental change stream.
type syncChange struct {
	Version   int64           `json:"version"`
	DocID     string          `json:"docId"`
	EventType string          `json:"eventType"`
	Payload   json.RawMessage `json:"payload"`
	Path      string          `json:"path"`
}

// syncOnce pulls the change stream since the last seen version and applies
// it to the cache. Paths with queued writes are skipped so optimistic state
// survives until the queue drains.
func (c *Client) syncOnce(ctx context.Context) {
	since, err := c.cache.lastSeenVersion()
	if err != nil {
		return
	}

	q := url.Values{}
	q.Set("workspaceId", c.cfg.WorkspaceID)
	q.Set("userId", c.cfg.UserID)
	q.Set("since", fmt.Sprintf("%d", since))

	var resp struct {
		Changes []syncChange `json:"changes"`
	}
	if err := c.do(ctx, http.MethodGet, "/documents/sync", q, nil, &resp); err != nil {
		return
	}

	maxVersion := since
	for _, change := range resp.Changes {
		if change.Version > maxVersion {
			maxVersion = change.Version
		}
		if change.Path == "" {
			continue
		}
		if pending, _ := c.cache.hasQueuedWrite(change.Path); pending {
			continue
		}
		switch change.EventType {
		case "INSERT", "SET":
			_ = c.cache.putDocument(change.Path, cachedDoc{Data: change.Payload, Version: change.Version})
		case "UPDATE":
			doc, ok, _ := c.cache.getDocument(change.Path)
			if !ok {
				continue
			}
			merged, err := jsonmerge.Patch(doc.Data, change.Payload)
			if err != nil {
				continue
			}
			_ = c.cache.putDocument(change.Path, cachedDoc{Data: merged, Version: change.Version})
		case "DELETE":
			_ = c.cache.deleteDocument(change.Path)
		}
	}
	if maxVersion > since {
		_ = c.cache.setLastSeenVersion(maxVersion)
	}
}

// do performs one HTTP round-trip. Transport failures wrap
// ErrNetworkUnavailable; error statuses decode into *APIError.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	endpoint := c.cfg.Endpoint + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrNetworkUnavailable, err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var decoded struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(raw, &decoded) == nil {
			apiErr.Code = decoded.Code
			apiErr.Message = decoded.Message
		}
		return apiErr
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// Queue operation kinds.
const (
	opSet    = "set"
	opUpdate = "update"
	opDelete = "delete"
)

// pushOp sends one queued operation to the server and returns the assigned
// version (0 for deletes).
func (c *Client) pushOp(ctx context.Context, op QueuedOp) (int64, error) {
	collection, id, parentPath, err := splitDocPath(op.Path)
	if err != nil {
		return 0, err
	}
	route := "/documents/" + collection + "/" + id

	payload := map[string]interface{}{
		"userId":      c.cfg.UserID,
		"workspaceId": c.cfg.WorkspaceID,
	}
	if parentPath != "" {
		payload["parentPath"] = parentPath
	}
	if op.ExpectedVersion != nil {
		payload["expectedVersion"] = *op.ExpectedVersion
	}

	switch op.Type {
	case opSet, opUpdate:
		payload["data"] = op.Data
		method := http.MethodPut
		if op.Type == opUpdate {
			method = http.MethodPatch
		}
		var resp struct {
			Version int64 `json:"version"`
		}
		if err := c.do(ctx, method, route, nil, payload, &resp); err != nil {
			return 0, err
		}
		return resp.Version, nil
	case opDelete:
		if err := c.do(ctx, http.MethodDelete, route, nil, payload, nil); err != nil {
			return 0, err
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("unknown queued operation type %q", op.Type)
	}
}

// splitDocPath decomposes a document path into the route components the
// server expects: trailing collection segment, document id, and the parent
// document path above them (if any).
func splitDocPath(path string) (collection, id, parentPath string, err error) {
	segments := strings.Split(path, "/")
	if len(segments) < 2 || len(segments)%2 != 0 {
		return "", "", "", fmt.Errorf("not a document path: %q", path)
	}
	collection = segments[len(segments)-2]
	id = segments[len(segments)-1]
	if len(segments) > 2 {
		parentPath = strings.Join(segments[:len(segments)-2], "/")
	}
	return collection, id, parentPath, nil
}

func validateDocumentPath(path string) error {
	if path == "" {
		return errors.New("empty path")
	}
	segments := strings.Split(path, "/")
	if len(segments)%2 != 0 {
		return fmt.Errorf("not a document path (odd segment count): %q", path)
	}
	for _, seg := range segments {
		if seg == "" {
			return fmt.Errorf("path contains empty segment: %q", path)
		}
	}
	return nil
}

func validateCollectionPath(path string) error {
	if path == "" {
		return errors.New("empty path")
	}
	segments := strings.Split(path, "/")
	if len(segments)%2 != 1 {
		return fmt.Errorf("not a collection path (even segment count): %q", path)
	}
	for _, seg := range segments {
		if seg == "" {
			return fmt.Errorf("path contains empty segment: %q", path)
		}
	}
	return nil
}
