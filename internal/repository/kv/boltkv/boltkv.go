package boltkv

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"e2e_engine/internal/repository/kv"
	"e2e_engine/internal/utils/log"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

const (
	metadataBucket = "metadata"
	versionKey     = "version"
	schemaVersion  = 0
)

type (
	Store struct {
		db *bolt.DB
	}

	tx struct {
		tx *bolt.Tx
	}
)

// New opens (or creates) the database at path.
func New(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("bolt.Open: %w", err)
	}

	s := &Store{db: db}
	if err := db.Update(s.checkVersion); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) checkVersion(tx *bolt.Tx) error {
	bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
	if err != nil {
		return err
	}

	if b := bkt.Get([]byte(versionKey)); b != nil {
		if len(b) != 8 || binary.BigEndian.Uint64(b) != schemaVersion {
			return fmt.Errorf("boltkv: incompatible schema version %x", b)
		}
		return nil
	}

	var v [8]byte
	binary.BigEndian.PutUint64(v[:], schemaVersion)
	log.Debug("initialised store schema", zap.Int("version", schemaVersion))
	return bkt.Put([]byte(versionKey), v[:])
}

func (s *Store) Update(ctx context.Context, fn func(kv.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(btx *bolt.Tx) error {
		return fn(&tx{tx: btx})
	})
}

func (s *Store) View(ctx context.Context, fn func(kv.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(btx *bolt.Tx) error {
		return fn(&tx{tx: btx})
	})
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (t *tx) bucket(name string, create bool) (*bolt.Bucket, error) {
	if b := t.tx.Bucket([]byte(name)); b != nil {
		return b, nil
	}
	if !create {
		return nil, nil
	}
	if !t.tx.Writable() {
		return nil, kv.ErrReadOnly
	}
	return t.tx.CreateBucket([]byte(name))
}

func (t *tx) Get(bucket string, key []byte) ([]byte, error) {
	b, err := t.bucket(bucket, false)
	if err != nil || b == nil {
		return nil, err
	}
	v := b.Get(key)
	if v == nil {
		return nil, nil
	}
	// bolt memory is only valid for the life of the transaction
	return append([]byte(nil), v...), nil
}

func (t *tx) Put(bucket string, key, value []byte) error {
	if !t.tx.Writable() {
		return kv.ErrReadOnly
	}
	b, err := t.bucket(bucket, true)
	if err != nil {
		return err
	}
	return b.Put(key, value)
}

func (t *tx) Delete(bucket string, key []byte) error {
	if !t.tx.Writable() {
		return kv.ErrReadOnly
	}
	b, err := t.bucket(bucket, false)
	if err != nil || b == nil {
		return err
	}
	return b.Delete(key)
}

func (t *tx) ForEach(bucket string, prefix []byte, fn func(k, v []byte) error) error {
	b, err := t.bucket(bucket, false)
	if err != nil || b == nil {
		return err
	}

	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) OnCommit(fn func()) {
	if t.tx.Writable() {
		t.tx.OnCommit(fn)
	}
}
