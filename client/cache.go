package client

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"

	bolt "go.etcd.io/bbolt"
)

// Bucket names for the local store.
var (
	bucketDocuments = []byte("documents")
	bucketQueue     = []byte("queue")
	bucketMeta      = []byte("meta")
)

var metaKeyLastSeen = []byte("last_seen_version")

// cachedDoc is the value stored per path in the documents bucket.
type cachedDoc struct {
	Data    json.RawMessage `json:"data"`
	Version int64           `json:"version"`
	Pending bool            `json:"pending"`
}

// QueuedOp is one entry of the durable outbound write queue.
type QueuedOp struct {
	Seq             uint64          `json:"-"`
	Type            string          `json:"type"` // set | update | delete
	Path            string          `json:"path"`
	Data            json.RawMessage `json:"data,omitempty"`
	CollectionName  string          `json:"collectionName"`
	ParentPath      string          `json:"parentPath,omitempty"`
	ExpectedVersion *int64          `json:"expectedVersion,omitempty"`
}

// boltCache is the durable local mirror plus outbound queue, backed by a
// single bbolt file.
type boltCache struct {
	db *bolt.DB
}

func openCache(path string) (*boltCache, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketDocuments, bucketQueue, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &boltCache{db: db}, nil
}

func (c *boltCache) close() error {
	return c.db.Close()
}

func (c *boltCache) putDocument(path string, doc cachedDoc) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketDocuments).Put([]byte(path), data)
	})
}

func (c *boltCache) getDocument(path string) (cachedDoc, bool, error) {
	var doc cachedDoc
	found := false
	err := c.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketDocuments).Get([]byte(path))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &doc)
	})
	return doc, found, err
}

func (c *boltCache) deleteDocument(path string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDocuments).Delete([]byte(path))
	})
}

// documentsUnder returns the cached documents exactly one level below the
// collection path, mirroring the server's single-level list semantics.
func (c *boltCache) documentsUnder(collectionPath string) (map[string]cachedDoc, error) {
	prefix := collectionPath + "/"
	out := make(map[string]cachedDoc)
	err := c.db.View(func(tx *bolt.Tx) error {
		cur := tx.Bucket(bucketDocuments).Cursor()
		for k, v := cur.Seek([]byte(prefix)); k != nil && strings.HasPrefix(string(k), prefix); k, v = cur.Next() {
			rest := strings.TrimPrefix(string(k), prefix)
			if strings.Contains(rest, "/") {
				continue
			}
			var doc cachedDoc
			if err := json.Unmarshal(v, &doc); err != nil {
				return err
			}
			out[string(k)] = doc
		}
		return nil
	})
	return out, err
}

func (c *boltCache) enqueue(op QueuedOp) (uint64, error) {
	var seq uint64
	err := c.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketQueue)
		next, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		seq = next
		data, err := json.Marshal(op)
		if err != nil {
			return err
		}
		return bucket.Put(seqKey(seq), data)
	})
	return seq, err
}

func (c *boltCache) dequeue(seq uint64) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketQueue).Delete(seqKey(seq))
	})
}

// queueEntries returns the pending operations in enqueue order.
func (c *boltCache) queueEntries() ([]QueuedOp, error) {
	var ops []QueuedOp
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketQueue).ForEach(func(k, v []byte) error {
			var op QueuedOp
			if err := json.Unmarshal(v, &op); err != nil {
				return err
			}
			op.Seq = binary.BigEndian.Uint64(k)
			ops = append(ops, op)
			return nil
		})
	})
	return ops, err
}

func (c *boltCache) clearQueue() error {
	return c.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketQueue); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketQueue)
		return err
	})
}

// hasQueuedWrite reports whether any queued operation targets path.
func (c *boltCache) hasQueuedWrite(path string) (bool, error) {
	found := false
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketQueue).ForEach(func(_, v []byte) error {
			var op QueuedOp
			if err := json.Unmarshal(v, &op); err != nil {
				return err
			}
			if op.Path == path {
				found = true
			}
			return nil
		})
	})
	return found, err
}

func (c *boltCache) lastSeenVersion() (int64, error) {
	var version int64
	err := c.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketMeta).Get(metaKeyLastSeen)
		if raw == nil {
			return nil
		}
		version = int64(binary.BigEndian.Uint64(raw))
		return nil
	})
	return version, err
}

func (c *boltCache) setLastSeenVersion(version int64) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(version))
		return tx.Bucket(bucketMeta).Put(metaKeyLastSeen, buf)
	})
}

func seqKey(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}
