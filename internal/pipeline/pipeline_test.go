package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myrad-labs/myrad/internal/config"
	"github.com/myrad-labs/myrad/internal/model"
	"github.com/myrad-labs/myrad/internal/resilience"
	"github.com/myrad-labs/myrad/internal/store"
)

var fixedNow = time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)

func testConfig() config.PipelineConfig {
	return config.PipelineConfig{MinKAnonymity: 10}
}

func newTestPipeline(t *testing.T, st store.Store, opts ...Option) *Pipeline {
	t.Helper()
	reg, err := NewRegistry()
	require.NoError(t, err)
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return New(testConfig(), reg, st, opts...)
}

func newFileStore(t *testing.T) *store.FileStore {
	t.Helper()
	st, err := store.NewFile(t.TempDir())
	require.NoError(t, err)
	return st
}

// failingStore fails every write with the configured error.
type failingStore struct {
	store.Store
	err   error
	calls int
}

func (f *failingStore) Upsert(context.Context, *model.SellableRecord) (*model.SellableRecord, error) {
	f.calls++
	return nil, f.err
}

func zomatoSubmission(proofID string, payload string) model.Submission {
	return model.Submission{
		DataType:       model.DataTypeZomato,
		AnonymizedData: json.RawMessage(payload),
		ReclaimProofID: proofID,
		UserID:         "u-1",
	}
}

func TestRegistry_Lookup(t *testing.T) {
	reg, err := NewRegistry()
	require.NoError(t, err)

	for _, dt := range model.DataTypes {
		p, err := reg.Lookup(dt)
		require.NoError(t, err, dt)
		assert.Equal(t, dt, p.DataType)
		assert.NotNil(t, p.Transform)
		assert.NotNil(t, p.Rules)
	}

	_, err = reg.Lookup("spotify_history")
	assert.ErrorIs(t, err, resilience.ErrUnknownDataType)
}

func TestProcess_ZomatoScenario(t *testing.T) {
	ctx := context.Background()
	st := newFileStore(t)
	p := newTestPipeline(t, st)
	sub := zomatoSubmission("rp-001", `{"total_orders": 42, "total_gmv": 1530.50, "city": "Mumbai"}`)

	first, err := p.Process(ctx, sub)
	require.NoError(t, err)
	assert.False(t, first.Fallback)

	rec := first.Record
	assert.Equal(t, int64(42), rec.IndexedFields["total_orders"])
	assert.Equal(t, 1530.50, rec.IndexedFields["total_gmv"])
	assert.Equal(t, "tier1_metro", rec.IndexedFields["city_cluster"])
	require.NotNil(t, rec.IndexedFields["cohort_id"])
	assert.NotEmpty(t, rec.IndexedFields["cohort_id"])
	assert.NotContains(t, string(rec.SellableData), "Mumbai")

	second, err := p.Process(ctx, sub)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, second.Record.ID)
	assert.Equal(t, rec.CreatedAt, second.Record.CreatedAt)

	all, err := st.List(ctx, store.ListFilter{DataType: model.DataTypeZomato})
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Equal(t, "rp-001", all[0].ReclaimProofID)
}

func TestProcess_MissingCity(t *testing.T) {
	st := newFileStore(t)
	p := newTestPipeline(t, st)

	res, err := p.Process(context.Background(), zomatoSubmission("rp-002", `{"total_orders": 3, "total_gmv": 250}`))
	require.NoError(t, err)

	v, ok := res.Record.IndexedFields["city_cluster"]
	assert.True(t, ok)
	assert.Nil(t, v)

	got, err := st.Get(context.Background(), "rp-002")
	require.NoError(t, err)
	assert.Nil(t, got.IndexedFields["city_cluster"])
}

func TestProcess_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		sub     model.Submission
		check   func(error) bool
		wantMsg string
	}{
		{
			name:  "unknown data type",
			sub:   model.Submission{DataType: "spotify_history", AnonymizedData: json.RawMessage(`{"a":1}`), ReclaimProofID: "rp", UserID: "u"},
			check: func(err error) bool { return errors.Is(err, resilience.ErrUnknownDataType) },
		},
		{
			name:  "empty payload",
			sub:   zomatoSubmission("rp-3", ``),
			check: resilience.IsMalformed,
		},
		{
			name:  "array payload",
			sub:   zomatoSubmission("rp-4", `[1,2]`),
			check: resilience.IsMalformed,
		},
		{
			name:  "empty object",
			sub:   zomatoSubmission("rp-5", `{}`),
			check: resilience.IsMalformed,
		},
		{
			name:  "missing proof id",
			sub:   zomatoSubmission("", `{"total_orders": 1}`),
			check: resilience.IsMalformed,
		},
		{
			name: "missing user id",
			sub: model.Submission{
				DataType: model.DataTypeGitHub, AnonymizedData: json.RawMessage(`{"followers": 1}`), ReclaimProofID: "rp-6",
			},
			check: resilience.IsMalformed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := &failingStore{err: errors.New("must not be called")}
			p := newTestPipeline(t, fs)
			_, err := p.Process(context.Background(), tt.sub)
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected error %v", err)
			assert.Zero(t, fs.calls, "no write may be attempted")
		})
	}
}

func TestProcess_PersistenceFailureSurfaces(t *testing.T) {
	primary := &failingStore{err: resilience.NewPersistenceError("upsert", errors.New("connection refused"))}
	p := newTestPipeline(t, primary)

	_, err := p.Process(context.Background(), zomatoSubmission("rp-7", `{"total_orders": 5}`))
	require.Error(t, err)
	assert.True(t, resilience.IsPersistence(err))
	assert.True(t, resilience.IsTransient(err))
	assert.Equal(t, 1, primary.calls)
}

func TestProcess_DevelopmentFallback(t *testing.T) {
	primary := &failingStore{err: resilience.NewPersistenceError("upsert", errors.New("connection refused"))}
	fallback := newFileStore(t)
	p := newTestPipeline(t, primary, WithFallback(fallback))

	res, err := p.Process(context.Background(), zomatoSubmission("rp-8", `{"total_orders": 5}`))
	require.NoError(t, err)
	assert.True(t, res.Fallback)

	got, err := fallback.Get(context.Background(), "rp-8")
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.IndexedFields["total_orders"])
}

func TestProcess_ConflictSkipsFallback(t *testing.T) {
	primary := &failingStore{err: resilience.ErrProofTypeConflict}
	fallback := newFileStore(t)
	p := newTestPipeline(t, primary, WithFallback(fallback))

	_, err := p.Process(context.Background(), zomatoSubmission("rp-9", `{"total_orders": 5}`))
	assert.ErrorIs(t, err, resilience.ErrProofTypeConflict)

	_, err = fallback.Get(context.Background(), "rp-9")
	assert.ErrorIs(t, err, resilience.ErrNotFound)
}

func TestProcess_CrossTypeProofConflict(t *testing.T) {
	st := newFileStore(t)
	p := newTestPipeline(t, st)
	ctx := context.Background()

	_, err := p.Process(ctx, zomatoSubmission("rp-10", `{"total_orders": 5}`))
	require.NoError(t, err)

	_, err = p.Process(ctx, model.Submission{
		DataType:       model.DataTypeGitHub,
		AnonymizedData: json.RawMessage(`{"followers": 10}`),
		ReclaimProofID: "rp-10",
		UserID:         "u-1",
	})
	assert.ErrorIs(t, err, resilience.ErrProofTypeConflict)
}

func TestBuild_AllProviders(t *testing.T) {
	p := newTestPipeline(t, nil)
	tests := []struct {
		dt      model.DataType
		payload string
		column  string
		want    any
	}{
		{model.DataTypeZomato, `{"total_orders": "1,200", "total_gmv": "₹45,000"}`, "total_orders", int64(1200)},
		{model.DataTypeGitHub, `{"login": "octocat", "followers": 350, "public_repos": 12}`, "follower_count", int64(350)},
		{model.DataTypeNetflix, `{"profile_name": "Asha", "total_titles_watched": 87, "binge_score": 72.5}`, "total_titles", int64(87)},
	}
	for _, tt := range tests {
		t.Run(string(tt.dt), func(t *testing.T) {
			rec, q, err := p.Build(model.Submission{
				DataType: tt.dt, AnonymizedData: json.RawMessage(tt.payload), ReclaimProofID: "rp", UserID: "u",
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, rec.IndexedFields[tt.column])
			assert.Equal(t, model.StatusNew, rec.Status)
			assert.Greater(t, q.Score, 0)

			var tree map[string]any
			require.NoError(t, json.Unmarshal(rec.SellableData, &tree))
			assert.Equal(t, string(tt.dt), tree["data_type"])
			assert.Equal(t, "2024-09-01T12:00:00Z", tree["generated_at"])
			assert.NotContains(t, string(rec.SellableData), "octocat")
			assert.NotContains(t, string(rec.SellableData), "Asha")
		})
	}
}

func TestBuild_SchemaVersionFromConfig(t *testing.T) {
	reg, err := NewRegistry()
	require.NoError(t, err)
	cfg := config.PipelineConfig{
		MinKAnonymity:  5,
		SchemaVersions: map[string]string{string(model.DataTypeGitHub): "github_profile.v2"},
	}
	p := New(cfg, reg, nil)

	rec, _, err := p.Build(model.Submission{
		DataType: model.DataTypeGitHub, AnonymizedData: json.RawMessage(`{"followers": 1}`), ReclaimProofID: "rp", UserID: "u",
	})
	require.NoError(t, err)

	var tree struct {
		SchemaVersion string `json:"schema_version"`
		Cohort        struct {
			K int `json:"k_anonymity_threshold"`
		} `json:"cohort"`
	}
	require.NoError(t, json.Unmarshal(rec.SellableData, &tree))
	assert.Equal(t, "github_profile.v2", tree.SchemaVersion)
	assert.Equal(t, 5, tree.Cohort.K)
}
