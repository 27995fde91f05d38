// Package revisiontest provides a behaviour suite shared by every
// revision.Log implementation.
package revisiontest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/waypoint/backend/internal/errors"
	"github.com/kimhsiao/waypoint/backend/internal/models"
	"github.com/kimhsiao/waypoint/backend/internal/revision"
)

// Doc builds a one-day document whose day holds the given node ids.
func Doc(id string, version int64, nodeIDs ...string) *models.Itinerary {
	day := &models.Day{Number: 1, Nodes: []*models.Node{}}
	for _, n := range nodeIDs {
		day.Nodes = append(day.Nodes, &models.Node{ID: n, Type: models.NodeTypeAttraction, Title: "Stop " + n})
	}
	return &models.Itinerary{ID: id, Title: "Trip", Version: version, Days: []*models.Day{day}}
}

// Record builds an apply revision from before to after.
func Record(before, after *models.Itinerary) *models.RevisionRecord {
	return &models.RevisionRecord{
		ID:          fmt.Sprintf("rev-%s-%d", after.ID, after.Version),
		DocumentID:  after.ID,
		FromVersion: before.Version,
		ToVersion:   after.Version,
		Kind:        models.RevisionApply,
		Actor:       models.ActorUser,
		Diff:        models.ComputeDiff(before, after),
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
		Snapshot:    after,
		Base:        before,
	}
}

// Run exercises log, which must start empty.
func Run(t *testing.T, newLog func(t *testing.T) revision.Log) {
	t.Run("SaveAndGet", func(t *testing.T) { testSaveAndGet(t, newLog(t)) })
	t.Run("History", func(t *testing.T) { testHistory(t, newLog(t)) })
	t.Run("DuplicateRejected", func(t *testing.T) { testDuplicate(t, newLog(t)) })
	t.Run("InvalidRejected", func(t *testing.T) { testInvalid(t, newLog(t)) })
	t.Run("Rollback", func(t *testing.T) { testRollback(t, newLog(t)) })
	t.Run("TouchedSince", func(t *testing.T) { testTouched(t, newLog(t)) })
	t.Run("RemovedSince", func(t *testing.T) { testRemoved(t, newLog(t)) })
	t.Run("DocumentsIsolated", func(t *testing.T) { testIsolation(t, newLog(t)) })
	t.Run("ConcurrentSameVersion", func(t *testing.T) { testConcurrent(t, newLog(t)) })
}

func testSaveAndGet(t *testing.T, log revision.Log) {
	ctx := context.Background()
	v5 := Doc("it_1", 5, "A", "B")
	v6 := Doc("it_1", 6, "A", "N", "B")
	require.NoError(t, log.SaveRevision(ctx, Record(v5, v6)))

	got, err := log.GetRevision(ctx, "it_1", 6)
	require.NoError(t, err)
	assert.Equal(t, int64(6), got.Version)
	assert.True(t, v6.ContentEqual(got))

	base, err := log.GetRevision(ctx, "it_1", 5)
	require.NoError(t, err, "the base snapshot is stored with the first revision")
	assert.True(t, v5.ContentEqual(base))

	_, err = log.GetRevision(ctx, "it_1", 7)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
	_, err = log.GetRevision(ctx, "unknown", 1)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func testHistory(t *testing.T, log revision.Log) {
	ctx := context.Background()
	empty, err := log.GetRevisionHistory(ctx, "it_1")
	require.NoError(t, err)
	assert.Empty(t, empty)

	docs := []*models.Itinerary{
		Doc("it_1", 1, "A"),
		Doc("it_1", 2, "A", "B"),
		Doc("it_1", 3, "B"),
		Doc("it_1", 4, "B", "C"),
	}
	for i := 1; i < len(docs); i++ {
		require.NoError(t, log.SaveRevision(ctx, Record(docs[i-1], docs[i])))
	}

	history, err := log.GetRevisionHistory(ctx, "it_1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	for i, rec := range history {
		assert.Equal(t, int64(i+1), rec.FromVersion)
		assert.Equal(t, int64(i+2), rec.ToVersion)
		assert.Nil(t, rec.Snapshot)
	}
	assert.Equal(t, []string{"B"}, history[0].Diff.Added)
	assert.Equal(t, []string{"A"}, history[1].Diff.Removed)
	assert.Equal(t, models.RevisionApply, history[2].Kind)
}

func testDuplicate(t *testing.T, log revision.Log) {
	ctx := context.Background()
	rec := Record(Doc("it_1", 1, "A"), Doc("it_1", 2, "A", "B"))
	require.NoError(t, log.SaveRevision(ctx, rec))

	again := Record(Doc("it_1", 1, "A"), Doc("it_1", 2, "C"))
	err := log.SaveRevision(ctx, again)
	assert.True(t, errors.Is(err, errors.ErrConflict))

	snap, err := log.GetRevision(ctx, "it_1", 2)
	require.NoError(t, err)
	assert.True(t, snap.HasNode("B"), "the rejected write must not replace the snapshot")
}

func testInvalid(t *testing.T, log revision.Log) {
	ctx := context.Background()
	rec := Record(Doc("it_1", 1, "A"), Doc("it_1", 3, "A"))
	assert.True(t, errors.Is(log.SaveRevision(ctx, rec), errors.ErrValidation))

	history, err := log.GetRevisionHistory(ctx, "it_1")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func testRollback(t *testing.T, log revision.Log) {
	ctx := context.Background()
	v1, v2, v3 := Doc("it_1", 1, "A"), Doc("it_1", 2, "A", "B"), Doc("it_1", 3, "B")
	require.NoError(t, log.SaveRevision(ctx, Record(v1, v2)))
	require.NoError(t, log.SaveRevision(ctx, Record(v2, v3)))

	assert.Error(t, log.RollbackRevision(ctx, "it_1", 2), "only the newest revision can be rolled back")
	require.NoError(t, log.RollbackRevision(ctx, "it_1", 3))

	history, err := log.GetRevisionHistory(ctx, "it_1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, int64(2), history[0].ToVersion)

	_, err = log.GetRevision(ctx, "it_1", 3)
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	// the version can be written again after a rollback
	require.NoError(t, log.SaveRevision(ctx, Record(v2, Doc("it_1", 3, "A", "B", "C"))))
}

func testTouched(t *testing.T, log revision.Log) {
	ctx := context.Background()
	docs := []*models.Itinerary{
		Doc("it_1", 3, "A", "B"),
		Doc("it_1", 4, "A"),
		Doc("it_1", 5, "A", "C"),
	}
	require.NoError(t, log.SaveRevision(ctx, Record(docs[0], docs[1])))
	require.NoError(t, log.SaveRevision(ctx, Record(docs[1], docs[2])))

	touched, err := log.TouchedSince(ctx, "it_1", 3, 5)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"B": true, "C": true}, touched)

	touched, err = log.TouchedSince(ctx, "it_1", 4, 5)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"C": true}, touched)

	touched, err = log.TouchedSince(ctx, "it_1", 5, 5)
	require.NoError(t, err)
	assert.Empty(t, touched)

	_, err = log.TouchedSince(ctx, "it_1", 1, 5)
	assert.True(t, errors.Is(err, errors.ErrNotFound), "history before version 3 is unknown")

	_, err = log.TouchedSince(ctx, "it_1", 3, 7)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func testRemoved(t *testing.T, log revision.Log) {
	ctx := context.Background()
	docs := []*models.Itinerary{
		Doc("it_1", 3, "A", "B"),
		Doc("it_1", 4, "A"),
		Doc("it_1", 5, "A", "C"),
		Doc("it_1", 6, "C"),
	}
	for i := 0; i+1 < len(docs); i++ {
		require.NoError(t, log.SaveRevision(ctx, Record(docs[i], docs[i+1])))
	}

	removed, err := log.RemovedSince(ctx, "it_1", 0, 6)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"A": true, "B": true}, removed)

	removed, err = log.RemovedSince(ctx, "it_1", 4, 6)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"A": true}, removed)

	removed, err = log.RemovedSince(ctx, "unknown", 0, 6)
	require.NoError(t, err)
	assert.Empty(t, removed)
}

func testIsolation(t *testing.T, log revision.Log) {
	ctx := context.Background()
	require.NoError(t, log.SaveRevision(ctx, Record(Doc("it_1", 1, "A"), Doc("it_1", 2, "A", "B"))))
	require.NoError(t, log.SaveRevision(ctx, Record(Doc("it_10", 1, "X"), Doc("it_10", 2))))

	history, err := log.GetRevisionHistory(ctx, "it_1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "it_1", history[0].DocumentID)
}

func testConcurrent(t *testing.T, log revision.Log) {
	ctx := context.Background()
	base := Doc("it_1", 1, "A")

	var wg sync.WaitGroup
	results := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = log.SaveRevision(ctx, Record(base, Doc("it_1", 2, "A", fmt.Sprintf("N%d", i))))
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range results {
		if err == nil {
			ok++
		} else {
			assert.True(t, errors.Is(err, errors.ErrConflict), "unexpected error %v", err)
		}
	}
	assert.Equal(t, 1, ok)

	history, err := log.GetRevisionHistory(ctx, "it_1")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}
