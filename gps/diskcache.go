package gps

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
	"github.com/jmank88/nuts"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	flock "github.com/theckman/go-flock"
)

// chunksBucket is the single top-level bucket every chunk body lives in.
// Keys are the 12-byte composite (src, dep, chunk) encoding built by
// chunkCacheKey; values are the encoded NodeId list.
var chunksBucket = []byte("chunks")

// diskCache is a persistent, second-level cache for chunk bodies, sitting
// behind a Context's in-memory LRU. It is safe for concurrent Get/Put from
// multiple goroutines in this process; the flock guards against another
// process opening the same file concurrently, since BoltDB itself only
// protects against concurrent access within one process.
type diskCache struct {
	db   *bolt.DB
	lock *flock.Flock
	l    *logrus.Logger
}

func openDiskCache(path string, l *logrus.Logger) (*diskCache, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "creating disk cache directory %s", dir)
	}

	lock := flock.NewFlock(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, errors.Wrap(err, "acquiring disk cache lock")
	}
	if !locked {
		return nil, fmt.Errorf("gps: disk cache at %s is locked by another process", path)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		lock.Unlock()
		return nil, errors.Wrapf(err, "opening bolt database %s", path)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(chunksBucket)
		return err
	})
	if err != nil {
		db.Close()
		lock.Unlock()
		return nil, errors.Wrap(err, "initializing chunks bucket")
	}

	return &diskCache{db: db, lock: lock, l: l}, nil
}

// Close releases the BoltDB handle and the file lock. Must not be called
// concurrently with get/put.
func (c *diskCache) Close() error {
	err := errors.Wrap(c.db.Close(), "closing disk cache database")
	if unlockErr := c.lock.Unlock(); unlockErr != nil && err == nil {
		err = errors.Wrap(unlockErr, "releasing disk cache lock")
	}
	return err
}

func chunkCacheKey(src NodeId, dep NameId, chunk int) nuts.Key {
	key := make(nuts.Key, 12)
	key[0:4].Put(uint64(uint32(src)))
	key[4:8].Put(uint64(uint32(dep)))
	key[8:12].Put(uint64(uint32(chunk)))
	return key
}

func encodeNodeIDs(ids []NodeId) []byte {
	buf := make([]byte, 4+4*len(ids))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(ids)))
	for i, id := range ids {
		binary.BigEndian.PutUint32(buf[4+4*i:8+4*i], uint32(id))
	}
	return buf
}

func decodeNodeIDs(buf []byte) ([]NodeId, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("gps: truncated chunk cache entry (%d bytes)", len(buf))
	}
	n := binary.BigEndian.Uint32(buf[0:4])
	if len(buf) != int(4+4*n) {
		return nil, fmt.Errorf("gps: corrupt chunk cache entry: want %d bytes, have %d", 4+4*n, len(buf))
	}
	ids := make([]NodeId, n)
	for i := range ids {
		ids[i] = NodeId(binary.BigEndian.Uint32(buf[4+4*i : 8+4*i]))
	}
	return ids, nil
}

func (c *diskCache) get(src NodeId, dep NameId, chunk int) ([]NodeId, bool, error) {
	var ids []NodeId
	var ok bool
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(chunksBucket)
		v := b.Get(chunkCacheKey(src, dep, chunk))
		if v == nil {
			return nil
		}
		decoded, err := decodeNodeIDs(v)
		if err != nil {
			return err
		}
		ids, ok = decoded, true
		return nil
	})
	if err != nil {
		return nil, false, errors.Wrap(err, "reading chunk from disk cache")
	}
	return ids, ok, nil
}

func (c *diskCache) put(src NodeId, dep NameId, chunk int, ids []NodeId) error {
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(chunksBucket)
		return b.Put(chunkCacheKey(src, dep, chunk), encodeNodeIDs(ids))
	})
	return errors.Wrap(err, "writing chunk to disk cache")
}
