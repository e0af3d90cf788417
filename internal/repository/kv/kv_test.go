package kv_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"e2e_engine/internal/repository/kv"
	"e2e_engine/internal/repository/kv/boltkv"
	"e2e_engine/internal/repository/kv/memkv"

	"github.com/stretchr/testify/require"
)

func providers(t *testing.T) map[string]kv.Provider {
	t.Helper()
	bolt, err := boltkv.New(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { bolt.Close() })

	return map[string]kv.Provider{
		"bolt":   bolt,
		"memory": memkv.New(),
	}
}

func TestCommitAndRollback(t *testing.T) {
	ctx := context.Background()
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			committed := false
			err := p.Update(ctx, func(tx kv.Tx) error {
				tx.OnCommit(func() { committed = true })
				return tx.Put("b", []byte("k1"), []byte("v1"))
			})
			require.NoError(t, err)
			require.True(t, committed)

			boom := errors.New("boom")
			rolledBackHook := false
			err = p.Update(ctx, func(tx kv.Tx) error {
				tx.OnCommit(func() { rolledBackHook = true })
				require.NoError(t, tx.Put("b", []byte("k2"), []byte("v2")))
				require.NoError(t, tx.Delete("b", []byte("k1")))
				return boom
			})
			require.ErrorIs(t, err, boom)
			require.False(t, rolledBackHook)

			require.NoError(t, p.View(ctx, func(tx kv.Tx) error {
				v, err := tx.Get("b", []byte("k1"))
				require.NoError(t, err)
				require.Equal(t, []byte("v1"), v)

				v, err = tx.Get("b", []byte("k2"))
				require.NoError(t, err)
				require.Nil(t, v)

				v, err = tx.Get("missing", []byte("k"))
				require.NoError(t, err)
				require.Nil(t, v)

				require.ErrorIs(t, tx.Put("b", []byte("x"), nil), kv.ErrReadOnly)
				return nil
			}))
		})
	}
}

func TestPrefixIteration(t *testing.T) {
	ctx := context.Background()
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, p.Update(ctx, func(tx kv.Tx) error {
				for _, k := range []string{"a/2", "a/1", "b/1", "a/3"} {
					if err := tx.Put("b", []byte(k), []byte(k)); err != nil {
						return err
					}
				}
				return nil
			}))

			require.NoError(t, p.View(ctx, func(tx kv.Tx) error {
				keys, err := kv.Keys(tx, "b", []byte("a/"))
				require.NoError(t, err)
				require.Equal(t, [][]byte{[]byte("a/1"), []byte("a/2"), []byte("a/3")}, keys)
				return nil
			}))

			require.NoError(t, p.Update(ctx, func(tx kv.Tx) error {
				return kv.DeletePrefix(tx, "b", []byte("a/"))
			}))

			require.NoError(t, p.View(ctx, func(tx kv.Tx) error {
				keys, err := kv.Keys(tx, "b", nil)
				require.NoError(t, err)
				require.Equal(t, [][]byte{[]byte("b/1")}, keys)
				return nil
			}))
		})
	}
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			err := p.Update(ctx, func(tx kv.Tx) error { return nil })
			require.ErrorIs(t, err, context.Canceled)
		})
	}
}
