// Package kv is the transactional context every persistent component of the
// engine writes through, so that a protocol step, the sends it queues and
// the channel state it ratchets commit or roll back together.
package kv

import (
	"context"
	"errors"
)

var (
	ErrReadOnly = errors.New("kv: write in read-only transaction")
	ErrClosed   = errors.New("kv: store closed")
)

type (
	Tx interface {
		// Get returns nil, nil for a missing key.
		Get(bucket string, key []byte) ([]byte, error)
		Put(bucket string, key, value []byte) error
		Delete(bucket string, key []byte) error
		// ForEach visits keys with the given prefix in ascending order.
		ForEach(bucket string, prefix []byte, fn func(key, value []byte) error) error
		// OnCommit registers fn to run after a successful commit.
		OnCommit(fn func())
	}

	Provider interface {
		Update(ctx context.Context, fn func(tx Tx) error) error
		View(ctx context.Context, fn func(tx Tx) error) error
		Close() error
	}
)

// Keys returns every key under prefix; convenient for deletes during iteration.
func Keys(tx Tx, bucket string, prefix []byte) ([][]byte, error) {
	var keys [][]byte
	err := tx.ForEach(bucket, prefix, func(k, _ []byte) error {
		keys = append(keys, append([]byte(nil), k...))
		return nil
	})
	return keys, err
}

// DeletePrefix removes every key under prefix.
func DeletePrefix(tx Tx, bucket string, prefix []byte) error {
	keys, err := Keys(tx, bucket, prefix)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := tx.Delete(bucket, k); err != nil {
			return err
		}
	}
	return nil
}

// Join builds composite keys.
func Join(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
