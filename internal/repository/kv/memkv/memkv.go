package memkv

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"e2e_engine/internal/repository/kv"
)

type (
	// Store is an in-memory kv.Provider with copy-on-write transactions.
	// Writers are serialised; readers see the last committed snapshot.
	Store struct {
		writeMu sync.Mutex
		mu      sync.RWMutex
		data    map[string]map[string][]byte
		closed  bool
	}

	tx struct {
		data     map[string]map[string][]byte
		writable bool
		hooks    []func()
	}
)

func New() *Store {
	return &Store{data: make(map[string]map[string][]byte)}
}

func (s *Store) Update(ctx context.Context, fn func(kv.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return kv.ErrClosed
	}
	t := &tx{data: clone(s.data), writable: true}
	s.mu.RUnlock()

	if err := fn(t); err != nil {
		return err
	}

	s.mu.Lock()
	s.data = t.data
	s.mu.Unlock()

	for _, h := range t.hooks {
		h()
	}
	return nil
}

func (s *Store) View(ctx context.Context, fn func(kv.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return kv.ErrClosed
	}
	return fn(&tx{data: s.data})
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func clone(src map[string]map[string][]byte) map[string]map[string][]byte {
	out := make(map[string]map[string][]byte, len(src))
	for name, bucket := range src {
		b := make(map[string][]byte, len(bucket))
		for k, v := range bucket {
			b[k] = v
		}
		out[name] = b
	}
	return out
}

func (t *tx) Get(bucket string, key []byte) ([]byte, error) {
	v, ok := t.data[bucket][string(key)]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (t *tx) Put(bucket string, key, value []byte) error {
	if !t.writable {
		return kv.ErrReadOnly
	}
	b, ok := t.data[bucket]
	if !ok {
		b = make(map[string][]byte)
		t.data[bucket] = b
	}
	b[string(key)] = append([]byte(nil), value...)
	return nil
}

func (t *tx) Delete(bucket string, key []byte) error {
	if !t.writable {
		return kv.ErrReadOnly
	}
	delete(t.data[bucket], string(key))
	return nil
}

func (t *tx) ForEach(bucket string, prefix []byte, fn func(k, v []byte) error) error {
	b := t.data[bucket]
	keys := make([]string, 0, len(b))
	for k := range b {
		if bytes.HasPrefix([]byte(k), prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := fn([]byte(k), b[k]); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) OnCommit(fn func()) {
	if t.writable {
		t.hooks = append(t.hooks, fn)
	}
}
