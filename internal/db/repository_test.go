package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/waypoint/backend/internal/errors"
	"github.com/kimhsiao/waypoint/backend/internal/models"
	"github.com/kimhsiao/waypoint/backend/internal/revision"
	"github.com/kimhsiao/waypoint/backend/internal/revision/revisiontest"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	db, err := OpenInMemory()
	require.NoError(t, err)
	require.NoError(t, db.Migrate())

	repo := NewRepository(db.DB)
	t.Cleanup(func() {
		repo.Close()
		db.Close()
	})
	return repo
}

func TestRepository_RevisionLog(t *testing.T) {
	revisiontest.Run(t, func(t *testing.T) revision.Log {
		return newTestRepository(t)
	})
}

func TestRepository_PutGet(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	_, err := repo.Get(ctx, "it_1")
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	doc := revisiontest.Doc("it_1", 1, "A", "B")
	require.NoError(t, repo.Put(ctx, doc))

	got, err := repo.Get(ctx, "it_1")
	require.NoError(t, err)
	assert.True(t, got.ContentEqual(doc))
	assert.Equal(t, int64(1), got.Version)

	next := revisiontest.Doc("it_1", 2, "A")
	next.Title = "Renamed"
	require.NoError(t, repo.Put(ctx, next))

	got, err = repo.Get(ctx, "it_1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Title)
	assert.Equal(t, int64(2), got.Version)
}

func TestRepository_PutRejectsMissingID(t *testing.T) {
	repo := newTestRepository(t)

	err := repo.Put(context.Background(), &models.Itinerary{})
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestRepository_Snapshots(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	require.NoError(t, repo.Put(ctx, revisiontest.Doc("it_1", 1, "A")))
	require.NoError(t, repo.Put(ctx, revisiontest.Doc("it_1", 2, "A", "B")))

	v1, err := repo.GetSnapshot(ctx, "it_1", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, v1.NodeCount())

	v2, err := repo.GetRevision(ctx, "it_1", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, v2.NodeCount())

	_, err = repo.GetSnapshot(ctx, "it_1", 9)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestRepository_Delete(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	before := revisiontest.Doc("it_1", 1, "A")
	after := revisiontest.Doc("it_1", 2, "A", "B")
	require.NoError(t, repo.Put(ctx, before))
	require.NoError(t, repo.SaveRevision(ctx, revisiontest.Record(before, after)))
	require.NoError(t, repo.Put(ctx, after))

	require.NoError(t, repo.Delete(ctx, "it_1"))

	_, err := repo.Get(ctx, "it_1")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
	_, err = repo.GetSnapshot(ctx, "it_1", 1)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
	history, err := repo.GetRevisionHistory(ctx, "it_1")
	require.NoError(t, err)
	assert.Empty(t, history)

	err = repo.Delete(ctx, "it_1")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestRepository_History(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	v1 := revisiontest.Doc("it_1", 1, "A")
	v2 := revisiontest.Doc("it_1", 2, "A", "B")
	rec := revisiontest.Record(v1, v2)
	rec.ChangeSet = &models.ChangeSet{
		Scope: models.ScopeDay,
		Day:   1,
		Ops:   []models.ChangeOperation{{Op: models.OpRemove, ID: "B"}},
	}
	require.NoError(t, repo.SaveRevision(ctx, rec))

	history, err := repo.GetRevisionHistory(ctx, "it_1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	got := history[0]
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, []string{"B"}, got.Diff.Added)
	require.NotNil(t, got.ChangeSet)
	assert.Equal(t, models.OpRemove, got.ChangeSet.Ops[0].Op)
	assert.Nil(t, got.Snapshot)
	assert.True(t, rec.CreatedAt.Equal(got.CreatedAt))
}

func TestRepository_ListItineraries(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	for _, id := range []string{"it_1", "it_2", "it_3"} {
		require.NoError(t, repo.Put(ctx, revisiontest.Doc(id, 1, "A")))
	}

	all, err := repo.ListItineraries(ctx, 10, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	page, err := repo.ListItineraries(ctx, 2, 2)
	require.NoError(t, err)
	assert.Len(t, page, 1)
}

func TestRepository_PrepareStmtCaches(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	first, err := repo.PrepareStmt(ctx, "SELECT 1")
	require.NoError(t, err)
	second, err := repo.PrepareStmt(ctx, "SELECT 1")
	require.NoError(t, err)
	assert.Same(t, first, second)
}
