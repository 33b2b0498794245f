package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myrad-labs/myrad/internal/index"
	"github.com/myrad-labs/myrad/internal/model"
	"github.com/myrad-labs/myrad/internal/resilience"
)

// tickingClock advances one second per call so successive writes get
// strictly increasing timestamps.
type tickingClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *tickingClock {
	return &tickingClock{now: time.Date(2024, 9, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	st.now = newClock().Now
	return st
}

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	st, err := NewFile(t.TempDir())
	require.NoError(t, err)
	st.now = newClock().Now
	return st
}

var backends = map[string]func(t *testing.T) Store{
	"sqlite": func(t *testing.T) Store { return newTestSQLiteStore(t) },
	"file":   func(t *testing.T) Store { return newTestFileStore(t) },
}

func zomatoRecord(t *testing.T, proofID, userID string, orders int64, gmv float64, city any) *model.SellableRecord {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"schema_version":   "zomato_order_history.v1",
		"data_type":        "zomato_order_history",
		"transaction_data": map[string]any{"total_orders": orders, "total_gmv": gmv},
		"audience_segment": map[string]any{"city_cluster": city, "spend_bucket": "500_2k"},
		"preferences":      map[string]any{"top_cuisines": []map[string]any{{"name": "North Indian"}}},
		"cohort":           map[string]any{"cohort_id": "cohort-a", "k_anonymity_threshold": 10},
		"data_quality":     map[string]any{"score": 60, "scale": "0-100"},
	})
	require.NoError(t, err)
	fields, err := index.Project(model.DataTypeZomato, data)
	require.NoError(t, err)
	return &model.SellableRecord{
		UserID:         userID,
		ReclaimProofID: proofID,
		DataType:       model.DataTypeZomato,
		SellableData:   data,
		Metadata:       json.RawMessage(`{"behavioral_insights":{"ordering_pattern":"regular"}}`),
		IndexedFields:  fields,
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, st Store)) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			fn(t, open(t))
		})
	}
}

func TestTableFor(t *testing.T) {
	table, err := TableFor(model.DataTypeNetflix)
	require.NoError(t, err)
	assert.Equal(t, "netflix_sellable_data", table)

	_, err = TableFor("spotify")
	assert.ErrorIs(t, err, resilience.ErrUnknownDataType)
}

func TestStore_IdempotentUpsert(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()

		first, err := st.Upsert(ctx, zomatoRecord(t, "rp-001", "u-1", 42, 1530.50, "tier1_metro"))
		require.NoError(t, err)
		assert.NotEmpty(t, first.ID)
		assert.Equal(t, model.StatusNew, first.Status)

		_, err = st.UpdateStatus(ctx, "rp-001", model.StatusVerified)
		require.NoError(t, err)

		second, err := st.Upsert(ctx, zomatoRecord(t, "rp-001", "u-other", 43, 1600, "tier1_metro"))
		require.NoError(t, err)

		assert.Equal(t, first.ID, second.ID)
		assert.True(t, first.CreatedAt.Equal(second.CreatedAt), "created_at must be preserved")
		assert.True(t, second.UpdatedAt.After(first.UpdatedAt), "updated_at must advance")
		assert.Equal(t, "u-1", second.UserID)
		assert.Equal(t, model.StatusVerified, second.Status)

		got, err := st.Get(ctx, "rp-001")
		require.NoError(t, err)
		assert.Equal(t, int64(43), got.IndexedFields["total_orders"])
		assert.Equal(t, 1600.0, got.IndexedFields["total_gmv"])

		all, err := st.List(ctx, ListFilter{DataType: model.DataTypeZomato})
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})
}

func TestStore_MissingCityPersists(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		rec, err := st.Upsert(ctx, zomatoRecord(t, "rp-002", "u-1", 5, 99, nil))
		require.NoError(t, err)
		assert.Nil(t, rec.IndexedFields["city_cluster"])

		got, err := st.Get(ctx, "rp-002")
		require.NoError(t, err)
		v, ok := got.IndexedFields["city_cluster"]
		assert.True(t, ok)
		assert.Nil(t, v)
		assert.Equal(t, []string{"North Indian"}, got.IndexedFields["top_cuisines"])
	})
}

func TestStore_ProofTypeConflict(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		_, err := st.Upsert(ctx, zomatoRecord(t, "rp-003", "u-1", 1, 10, nil))
		require.NoError(t, err)

		gh := &model.SellableRecord{
			UserID:         "u-1",
			ReclaimProofID: "rp-003",
			DataType:       model.DataTypeGitHub,
			SellableData:   json.RawMessage(`{"developer_profile":{"followers":3}}`),
		}
		_, err = st.Upsert(ctx, gh)
		assert.ErrorIs(t, err, resilience.ErrProofTypeConflict)

		got, err := st.Get(ctx, "rp-003")
		require.NoError(t, err)
		assert.Equal(t, model.DataTypeZomato, got.DataType)

		ghRecords, err := st.List(ctx, ListFilter{DataType: model.DataTypeGitHub})
		require.NoError(t, err)
		assert.Empty(t, ghRecords)
	})
}

func TestStore_GetNotFound(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st Store) {
		_, err := st.Get(context.Background(), "missing")
		assert.ErrorIs(t, err, resilience.ErrNotFound)

		_, err = st.UpdateStatus(context.Background(), "missing", model.StatusVerified)
		assert.ErrorIs(t, err, resilience.ErrNotFound)
	})
}

func TestStore_UpdateStatusRejectsUnknown(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st Store) {
		_, err := st.UpdateStatus(context.Background(), "rp-x", "archived")
		assert.True(t, resilience.IsMalformed(err))
	})
}

func TestStore_ListFilters(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		for _, r := range []*model.SellableRecord{
			zomatoRecord(t, "rp-10", "u-1", 5, 100, "tier2_city"),
			zomatoRecord(t, "rp-11", "u-1", 50, 2000, "tier1_metro"),
			zomatoRecord(t, "rp-12", "u-2", 80, 4000, "tier1_metro"),
			zomatoRecord(t, "rp-13", "u-2", 120, 9000, nil),
		} {
			_, err := st.Upsert(ctx, r)
			require.NoError(t, err)
		}

		recs, err := st.List(ctx, ListFilter{DataType: model.DataTypeZomato})
		require.NoError(t, err)
		require.Len(t, recs, 4)
		assert.Equal(t, "rp-13", recs[0].ReclaimProofID, "newest first")
		assert.Equal(t, "rp-10", recs[3].ReclaimProofID)

		recs, err = st.List(ctx, ListFilter{
			DataType: model.DataTypeZomato,
			Conditions: []Condition{
				{Column: "total_orders", Op: index.OpGTE, Value: int64(50)},
				{Column: "city_cluster", Op: index.OpEQ, Value: "tier1_metro"},
			},
		})
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, "rp-12", recs[0].ReclaimProofID)
		assert.Equal(t, "rp-11", recs[1].ReclaimProofID)

		recs, err = st.List(ctx, ListFilter{DataType: model.DataTypeZomato, UserID: "u-2", Limit: 1, Offset: 1})
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, "rp-12", recs[0].ReclaimProofID)

		all, err := st.List(ctx, ListFilter{DataType: model.DataTypeZomato})
		require.NoError(t, err)
		from := all[1].CreatedAt
		recs, err = st.List(ctx, ListFilter{DataType: model.DataTypeZomato, CreatedFrom: &from})
		require.NoError(t, err)
		assert.Len(t, recs, 2)
		recs, err = st.List(ctx, ListFilter{DataType: model.DataTypeZomato, CreatedBefore: &from})
		require.NoError(t, err)
		assert.Len(t, recs, 2)
	})
}

func TestStore_CohortStats(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		for i, orders := range []int64{10, 20, 30} {
			_, err := st.Upsert(ctx, zomatoRecord(t, "rp-c"+string(rune('a'+i)), "u-1", orders, float64(orders)*10, nil))
			require.NoError(t, err)
		}

		stats, err := st.CohortStats(ctx, model.DataTypeZomato, "cohort-a")
		require.NoError(t, err)
		assert.Equal(t, int64(3), stats.Members)
		require.NotNil(t, stats.Averages["total_orders"])
		assert.InDelta(t, 20.0, *stats.Averages["total_orders"], 0.001)
		assert.Nil(t, stats.Averages["avg_order_value"])

		empty, err := st.CohortStats(ctx, model.DataTypeZomato, "nobody")
		require.NoError(t, err)
		assert.Equal(t, int64(0), empty.Members)
	})
}

func TestStore_UpdateIndexedFields(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		rec, err := st.Upsert(ctx, zomatoRecord(t, "rp-20", "u-1", 7, 70, nil))
		require.NoError(t, err)

		fields := model.IndexedFields{"total_orders": int64(8), "cohort_id": "cohort-b"}
		n, err := st.UpdateIndexedFields(ctx, model.DataTypeZomato, []IndexedUpdate{
			{ReclaimProofID: "rp-20", Fields: fields},
			{ReclaimProofID: "does-not-exist", Fields: fields},
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		got, err := st.Get(ctx, "rp-20")
		require.NoError(t, err)
		assert.Equal(t, int64(8), got.IndexedFields["total_orders"])
		assert.Nil(t, got.IndexedFields["total_gmv"])
		assert.True(t, rec.UpdatedAt.Equal(got.UpdatedAt), "reindex must not touch updated_at")
		assert.JSONEq(t, string(rec.SellableData), string(got.SellableData))
	})
}

func TestStore_UnknownDataType(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st Store) {
		rec := zomatoRecord(t, "rp-30", "u-1", 1, 1, nil)
		rec.DataType = "spotify"
		_, err := st.Upsert(context.Background(), rec)
		assert.ErrorIs(t, err, resilience.ErrUnknownDataType)

		_, err = st.List(context.Background(), ListFilter{DataType: "spotify"})
		assert.ErrorIs(t, err, resilience.ErrUnknownDataType)
	})
}

func TestSQLite_MigrateIdempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	require.NoError(t, st.Migrate(context.Background()))
	require.NoError(t, st.Ping(context.Background()))
}

func TestSQLiteDSN(t *testing.T) {
	tests := []struct {
		dsn  string
		want string
	}{
		{"myrad.db", "myrad.db?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"},
		{"file:myrad.db?cache=shared", "file:myrad.db?cache=shared&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"},
	}
	for _, tt := range tests {
		t.Run(tt.dsn, func(t *testing.T) {
			assert.Equal(t, tt.want, sqliteDSN(tt.dsn))
		})
	}
}

func TestSQLite_PragmasOnEveryConnection(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	// Hold several connections at once so the pool has to open new ones.
	conns := make([]*sql.Conn, 0, 4)
	t.Cleanup(func() {
		for _, c := range conns {
			c.Close() //nolint:errcheck
		}
	})
	for i := 0; i < 4; i++ {
		c, err := st.db.Conn(ctx)
		require.NoError(t, err)
		conns = append(conns, c)

		var fk, busy int
		require.NoError(t, c.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk))
		require.NoError(t, c.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&busy))
		assert.Equal(t, 1, fk, "conn %d", i)
		assert.Equal(t, 5000, busy, "conn %d", i)
	}
}
