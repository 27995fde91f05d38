package store

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/waypoint/backend/internal/errors"
	"github.com/kimhsiao/waypoint/backend/internal/models"
)

func sampleDoc(version int64) *models.Itinerary {
	return &models.Itinerary{
		ID:      "it_1",
		Title:   "Kyoto",
		Version: version,
		Days: []*models.Day{
			{Number: 1, Nodes: []*models.Node{
				{ID: "A", Type: models.NodeTypeAttraction, Title: "Fushimi Inari"},
				{ID: "B", Type: models.NodeTypeMeal, Title: "Nishiki Market"},
			}},
		},
	}
}

// stores runs a test body against every DocumentStore in this package.
func stores(t *testing.T) map[string]DocumentStore {
	t.Helper()
	cached, err := NewCachedStore(NewMemoryStore(), &CacheConfig{MaxCost: 1 << 20})
	require.NoError(t, err)
	t.Cleanup(cached.Close)
	return map[string]DocumentStore{
		"memory": NewMemoryStore(),
		"cached": cached,
	}
}

func TestDocumentStore_GetPut(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(ctx, "it_1")
			assert.True(t, errors.Is(err, errors.ErrNotFound))

			require.NoError(t, s.Put(ctx, sampleDoc(5)))
			got, err := s.Get(ctx, "it_1")
			require.NoError(t, err)
			assert.Equal(t, int64(5), got.Version)
			assert.True(t, sampleDoc(5).ContentEqual(got))

			got.Days[0].Nodes[0].Title = "mutated"
			again, err := s.Get(ctx, "it_1")
			require.NoError(t, err)
			assert.Equal(t, "Fushimi Inari", again.Days[0].Nodes[0].Title, "returned values must be copies")
		})
	}
}

func TestDocumentStore_Snapshots(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Put(ctx, sampleDoc(5)))
			next := sampleDoc(6)
			next.Days[0].Nodes = next.Days[0].Nodes[:1]
			require.NoError(t, s.Put(ctx, next))

			snap, err := s.GetSnapshot(ctx, "it_1", 5)
			require.NoError(t, err)
			assert.Len(t, snap.Days[0].Nodes, 2)

			cur, err := s.Get(ctx, "it_1")
			require.NoError(t, err)
			assert.Equal(t, int64(6), cur.Version)
			assert.Len(t, cur.Days[0].Nodes, 1)

			_, err = s.GetSnapshot(ctx, "it_1", 4)
			assert.True(t, errors.Is(err, errors.ErrNotFound))
		})
	}
}

func TestDocumentStore_Delete(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Put(ctx, sampleDoc(1)))
			require.NoError(t, s.Delete(ctx, "it_1"))

			_, err := s.Get(ctx, "it_1")
			assert.True(t, errors.Is(err, errors.ErrNotFound))
			_, err = s.GetSnapshot(ctx, "it_1", 1)
			assert.True(t, errors.Is(err, errors.ErrNotFound))

			err = s.Delete(ctx, "it_1")
			assert.True(t, errors.Is(err, errors.ErrNotFound))
		})
	}
}

func TestMemoryStore_rejectsMissingID(t *testing.T) {
	err := NewMemoryStore().Put(context.Background(), &models.Itinerary{})
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestMemoryStore_cancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMemoryStore().Get(ctx, "it_1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCachedStore_servesHits(t *testing.T) {
	ctx := context.Background()
	backing := NewMemoryStore()
	require.NoError(t, backing.Put(ctx, sampleDoc(1)))

	cached, err := NewCachedStore(backing, nil)
	require.NoError(t, err)
	defer cached.Close()

	_, err = cached.Get(ctx, "it_1")
	require.NoError(t, err)
	cached.Wait()
	_, err = cached.Get(ctx, "it_1")
	require.NoError(t, err)

	hits, misses := cached.Stats()
	assert.Equal(t, uint64(1), misses)
	assert.Equal(t, uint64(1), hits)
}

func TestCachedStore_putReplacesCachedCopy(t *testing.T) {
	ctx := context.Background()
	cached, err := NewCachedStore(NewMemoryStore(), nil)
	require.NoError(t, err)
	defer cached.Close()

	require.NoError(t, cached.Put(ctx, sampleDoc(1)))
	_, err = cached.Get(ctx, "it_1")
	require.NoError(t, err)
	cached.Wait()

	require.NoError(t, cached.Put(ctx, sampleDoc(2)))
	got, err := cached.Get(ctx, "it_1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
}

func TestCachedStore_concurrentReadersNeverSeeOldVersion(t *testing.T) {
	ctx := context.Background()
	cached, err := NewCachedStore(NewMemoryStore(), nil)
	require.NoError(t, err)
	defer cached.Close()
	require.NoError(t, cached.Put(ctx, sampleDoc(0)))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, _ = cached.Get(ctx, "it_1")
			}
		}()
	}
	for v := int64(1); v <= 50; v++ {
		require.NoError(t, cached.Put(ctx, sampleDoc(v)))
	}
	wg.Wait()
	cached.Wait()

	got, err := cached.Get(ctx, "it_1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), got.Version)
}
