package store

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// newTestDB creates an in-memory SQLite DB with the document tables migrated.
// The pool is capped at one connection: every in-memory SQLite connection
// sees its own database.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, NewDocumentStore(db).AutoMigrate())
	return db
}

func newTestStore(t *testing.T) *DocumentStore {
	t.Helper()
	return NewDocumentStore(newTestDB(t))
}

func doc(id, collection, key, payload string) *Document {
	return &Document{ID: id, Collection: collection, CompositeKey: key, Payload: payload}
}

func TestDocumentStore_InsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.Insert(ctx, doc("id-1", "source", "a_1.0", `{"id":"id-1"}`), []Ref{
		{Field: "protocol_id", Value: "proto-1"},
	})
	require.NoError(t, err)

	byID, err := s.GetByID(ctx, "source", "id-1")
	require.NoError(t, err)
	assert.Equal(t, "a_1.0", byID.CompositeKey)
	assert.Equal(t, `{"id":"id-1"}`, byID.Payload)

	byKey, err := s.GetByKey(ctx, "source", "a_1.0")
	require.NoError(t, err)
	assert.Equal(t, "id-1", byKey.ID)

	_, err = s.GetByID(ctx, "source", "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetByKey(ctx, "source", "missing_key")
	assert.ErrorIs(t, err, ErrNotFound)

	// Same id under another collection is a different document space.
	_, err = s.GetByID(ctx, "destination", "id-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDocumentStore_InsertDuplicateKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, doc("id-1", "source", "a_1.0", "{}"), nil))

	err := s.Insert(ctx, doc("id-2", "source", "a_1.0", "{}"), nil)
	require.ErrorIs(t, err, ErrDuplicateKey)

	// The same key in another collection does not collide.
	require.NoError(t, s.Insert(ctx, doc("id-3", "destination", "a_1.0", "{}"), nil))
}

func TestDocumentStore_ConcurrentInsertSameKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const writers = 8
	errs := make([]error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Insert(ctx, doc(fmt.Sprintf("id-%d", i), "protocol", "1.0_n", "{}"), nil)
		}(i)
	}
	wg.Wait()

	var created, conflicted int
	for _, err := range errs {
		switch {
		case err == nil:
			created++
		default:
			require.ErrorIs(t, err, ErrDuplicateKey)
			conflicted++
		}
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, writers-1, conflicted)

	docs, err := s.ListCollection(ctx, "protocol")
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestDocumentStore_ReplaceRewritesKeyAndRefs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, doc("id-1", "importer", "1.0_pull", "{}"), []Ref{
		{Field: "protocol_id", Value: "proto-1"},
		{Field: "source_id", Value: "src-1"},
	}))

	err := s.Replace(ctx, doc("id-1", "importer", "1.1_pull", `{"v":"1.1"}`), []Ref{
		{Field: "protocol_id", Value: "proto-2"},
	})
	require.NoError(t, err)

	got, err := s.GetByID(ctx, "importer", "id-1")
	require.NoError(t, err)
	assert.Equal(t, "1.1_pull", got.CompositeKey)
	assert.Equal(t, `{"v":"1.1"}`, got.Payload)

	count, err := s.CountByField(ctx, "importer", "protocol_id", "proto-1")
	require.NoError(t, err)
	assert.Zero(t, count)

	count, err = s.CountByField(ctx, "importer", "protocol_id", "proto-2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	count, err = s.CountByField(ctx, "importer", "source_id", "src-1")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestDocumentStore_ReplaceKeyConflictLeavesBothIntact(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, doc("id-x", "flow", "1.0_x", `{"name":"x"}`), nil))
	require.NoError(t, s.Insert(ctx, doc("id-y", "flow", "1.0_y", `{"name":"y"}`), nil))

	err := s.Replace(ctx, doc("id-y", "flow", "1.0_x", `{"name":"y2"}`), nil)
	require.ErrorIs(t, err, ErrDuplicateKey)

	x, err := s.GetByID(ctx, "flow", "id-x")
	require.NoError(t, err)
	assert.Equal(t, `{"name":"x"}`, x.Payload)

	y, err := s.GetByID(ctx, "flow", "id-y")
	require.NoError(t, err)
	assert.Equal(t, "1.0_y", y.CompositeKey)
	assert.Equal(t, `{"name":"y"}`, y.Payload)
}

func TestDocumentStore_ReplaceMissing(t *testing.T) {
	s := newTestStore(t)

	err := s.Replace(context.Background(), doc("ghost", "flow", "1.0_g", "{}"), nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDocumentStore_DeleteIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, doc("id-1", "step", "1.0_s", "{}"), []Ref{
		{Field: "processor_id", Value: "proc-1"},
	}))

	deleted, err := s.Delete(ctx, "step", "id-1")
	require.NoError(t, err)
	assert.True(t, deleted)

	// Reference rows go with the document.
	count, err := s.CountByField(ctx, "step", "processor_id", "proc-1")
	require.NoError(t, err)
	assert.Zero(t, count)

	deleted, err = s.Delete(ctx, "step", "id-1")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestDocumentStore_CountByField(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, doc("s1", "source", "a_1.0", "{}"), []Ref{
		{Field: "protocol_id", Value: "proto-1"},
	}))
	require.NoError(t, s.Insert(ctx, doc("s2", "source", "b_1.0", "{}"), []Ref{
		{Field: "protocol_id", Value: "proto-1"},
	}))
	require.NoError(t, s.Insert(ctx, doc("d1", "destination", "c_1.0", "{}"), []Ref{
		{Field: "protocol_id", Value: "proto-1"},
	}))
	// Unset references are not indexed.
	require.NoError(t, s.Insert(ctx, doc("s3", "source", "d_1.0", "{}"), []Ref{
		{Field: "protocol_id", Value: ""},
	}))

	count, err := s.CountByField(ctx, "source", "protocol_id", "proto-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	count, err = s.CountByField(ctx, "destination", "protocol_id", "proto-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	count, err = s.CountByField(ctx, "source", "protocol_id", "proto-2")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestDocumentStore_ListCollectionOrdered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, doc("id-b", "protocol", "2.0_b", "{}"), nil))
	require.NoError(t, s.Insert(ctx, doc("id-a", "protocol", "1.0_a", "{}"), nil))

	docs, err := s.ListCollection(ctx, "protocol")
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "1.0_a", docs[0].CompositeKey)
	assert.Equal(t, "2.0_b", docs[1].CompositeKey)

	empty, err := s.ListCollection(ctx, "flow")
	require.NoError(t, err)
	assert.Empty(t, empty)
}
