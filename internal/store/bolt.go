package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/i474232898/weather-gateway/internal/weather"
)

const (
	snapshotBucket = "snapshots"
	timeKeyBytes   = 8
)

// BoltStore persists snapshots in BoltDB: one nested bucket per location,
// keyed by big-endian UnixNano so cursor order is time order.
type BoltStore struct {
	db   *bolt.DB
	opts Options
	now  func() time.Time
}

// OpenBolt opens (or creates) the database at path.
func OpenBolt(path string, opts Options) (*BoltStore, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage directory: %w", err)
		}
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt db: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(snapshotBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("init bucket: %w", err)
	}

	return &BoltStore{db: db, opts: opts, now: time.Now}, nil
}

// Close closes the BoltDB store.
func (b *BoltStore) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

// SaveSnapshot stores the snapshot and prunes the location bucket by count and age.
func (b *BoltStore) SaveSnapshot(snapshot weather.WeatherSnapshot) error {
	value, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(snapshotBucket))
		if root == nil {
			return fmt.Errorf("snapshot bucket missing")
		}
		bucket, err := root.CreateBucketIfNotExists([]byte(snapshot.Location.Key()))
		if err != nil {
			return err
		}
		if err := bucket.Put(encodeTime(snapshot.Timestamp), value); err != nil {
			return err
		}
		return b.prune(bucket)
	})
}

func (b *BoltStore) prune(bucket *bolt.Bucket) error {
	if b.opts.MaxAge > 0 {
		cutoff := encodeTime(b.now().Add(-b.opts.MaxAge))
		c := bucket.Cursor()
		for k, _ := c.First(); k != nil && bytes.Compare(k, cutoff) < 0; k, _ = c.First() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
	}

	if b.opts.MaxHistory > 0 {
		n := 0
		c := bucket.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			n++
		}
		for k, _ := c.First(); k != nil && n > b.opts.MaxHistory; k, _ = c.First() {
			if err := c.Delete(); err != nil {
				return err
			}
			n--
		}
	}
	return nil
}

// GetLatest returns the most recent snapshot for a location.
func (b *BoltStore) GetLatest(loc weather.Location) (weather.WeatherSnapshot, error) {
	var snap weather.WeatherSnapshot
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := locationBucket(tx, loc)
		if bucket == nil {
			return ErrNotFound
		}
		_, v := bucket.Cursor().Last()
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &snap)
	})
	return snap, err
}

// GetRange returns all snapshots for a location between from and to (inclusive).
func (b *BoltStore) GetRange(loc weather.Location, from, to time.Time) ([]weather.WeatherSnapshot, error) {
	var result []weather.WeatherSnapshot
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := locationBucket(tx, loc)
		if bucket == nil {
			return ErrNotFound
		}
		max := encodeTime(to)
		c := bucket.Cursor()
		for k, v := c.Seek(encodeTime(from)); k != nil && bytes.Compare(k, max) <= 0; k, v = c.Next() {
			var snap weather.WeatherSnapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				return fmt.Errorf("decode snapshot: %w", err)
			}
			result = append(result, snap)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, ErrNotFound
	}
	return result, nil
}

func locationBucket(tx *bolt.Tx, loc weather.Location) *bolt.Bucket {
	root := tx.Bucket([]byte(snapshotBucket))
	if root == nil {
		return nil
	}
	return root.Bucket([]byte(loc.Key()))
}

func encodeTime(t time.Time) []byte {
	buf := make([]byte, timeKeyBytes)
	binary.BigEndian.PutUint64(buf, uint64(t.UnixNano()))
	return buf
}
