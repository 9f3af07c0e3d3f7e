package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeFactory returns a fresh store and a function that moves its clock forward.
type storeFactory func(t *testing.T) (Store, func(time.Duration))

func runStoreSuite(t *testing.T, factory storeFactory) {
	t.Run("get absent is not an error", func(t *testing.T) {
		store, _ := factory(t)
		val, found, err := store.Get(context.Background(), "missing")
		require.NoError(t, err)
		assert.False(t, found)
		assert.Empty(t, val)
	})

	t.Run("put then get", func(t *testing.T) {
		store, _ := factory(t)
		ctx := context.Background()
		require.NoError(t, store.Put(ctx, "k", "v", time.Minute))

		val, found, err := store.Get(ctx, "k")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "v", val)
	})

	t.Run("put rejects non-positive ttl", func(t *testing.T) {
		store, _ := factory(t)
		assert.ErrorIs(t, store.Put(context.Background(), "k", "v", 0), ErrInvalidTTL)
		assert.ErrorIs(t, store.AppendToList(context.Background(), "l", "v", -time.Second), ErrInvalidTTL)
	})

	t.Run("entries expire", func(t *testing.T) {
		store, advance := factory(t)
		ctx := context.Background()
		require.NoError(t, store.Put(ctx, "k", "v", time.Minute))

		advance(61 * time.Second)
		_, found, err := store.Get(ctx, "k")
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		store, _ := factory(t)
		ctx := context.Background()
		require.NoError(t, store.Put(ctx, "k", "v", time.Minute))
		require.NoError(t, store.Delete(ctx, "k"))
		require.NoError(t, store.Delete(ctx, "k"))

		_, found, err := store.Get(ctx, "k")
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("list append remove", func(t *testing.T) {
		store, _ := factory(t)
		ctx := context.Background()

		empty, err := store.GetList(ctx, "l")
		require.NoError(t, err)
		assert.NotNil(t, empty)
		assert.Empty(t, empty)

		require.NoError(t, store.AppendToList(ctx, "l", "a", time.Minute))
		require.NoError(t, store.AppendToList(ctx, "l", "b", time.Minute))
		require.NoError(t, store.AppendToList(ctx, "l", "a", time.Minute))

		members, err := store.GetList(ctx, "l")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "b"}, members)

		require.NoError(t, store.RemoveFromList(ctx, "l", "a"))
		require.NoError(t, store.RemoveFromList(ctx, "l", "a"))
		require.NoError(t, store.RemoveFromList(ctx, "missing", "a"))

		members, err = store.GetList(ctx, "l")
		require.NoError(t, err)
		assert.Equal(t, []string{"b"}, members)
	})

	t.Run("delete removes list", func(t *testing.T) {
		store, _ := factory(t)
		ctx := context.Background()
		require.NoError(t, store.AppendToList(ctx, "l", "a", time.Minute))
		require.NoError(t, store.Delete(ctx, "l"))

		members, err := store.GetList(ctx, "l")
		require.NoError(t, err)
		assert.Empty(t, members)
	})

	t.Run("list expires and append extends it", func(t *testing.T) {
		store, advance := factory(t)
		ctx := context.Background()
		require.NoError(t, store.AppendToList(ctx, "l", "a", time.Minute))
		advance(40 * time.Second)
		require.NoError(t, store.AppendToList(ctx, "l", "b", time.Minute))
		advance(40 * time.Second)

		members, err := store.GetList(ctx, "l")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "b"}, members)

		advance(time.Minute)
		members, err = store.GetList(ctx, "l")
		require.NoError(t, err)
		assert.Empty(t, members)
	})

	t.Run("delete if equals", func(t *testing.T) {
		store, _ := factory(t)
		ctx := context.Background()
		require.NoError(t, store.Put(ctx, "k", "owner", time.Minute))

		deleted, err := store.DeleteIfEquals(ctx, "k", "someone-else")
		require.NoError(t, err)
		assert.False(t, deleted)

		deleted, err = store.DeleteIfEquals(ctx, "k", "owner")
		require.NoError(t, err)
		assert.True(t, deleted)

		deleted, err = store.DeleteIfEquals(ctx, "k", "owner")
		require.NoError(t, err)
		assert.False(t, deleted)
	})

	t.Run("delete if equals has one winner", func(t *testing.T) {
		store, _ := factory(t)
		ctx := context.Background()
		require.NoError(t, store.Put(ctx, "k", "owner", time.Minute))

		const workers = 16
		start := make(chan struct{})
		var wg sync.WaitGroup
		results := make(chan bool, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				deleted, err := store.DeleteIfEquals(ctx, "k", "owner")
				assert.NoError(t, err)
				results <- deleted
			}()
		}
		close(start)
		wg.Wait()
		close(results)

		winners := 0
		for deleted := range results {
			if deleted {
				winners++
			}
		}
		assert.Equal(t, 1, winners)
	})

	t.Run("ping", func(t *testing.T) {
		store, _ := factory(t)
		assert.NoError(t, store.Ping(context.Background()))
	})
}
