// Package query filters persisted sellable records, exports them, and serves
// k-anonymity gated cohort aggregates.
package query

import (
	"context"
	"io"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/myrad-labs/myrad/internal/config"
	"github.com/myrad-labs/myrad/internal/export"
	"github.com/myrad-labs/myrad/internal/index"
	"github.com/myrad-labs/myrad/internal/model"
	"github.com/myrad-labs/myrad/internal/store"
)

var (
	cohortCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "myrad_cohort_cache_hits_total",
		Help: "Cohort aggregate lookups served from cache",
	})
	cohortCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "myrad_cohort_cache_misses_total",
		Help: "Cohort aggregate lookups that queried the store",
	})
	cohortAggregates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "myrad_cohort_aggregates_total",
		Help: "Cohort aggregate responses by status",
	}, []string{"data_type", "status"})
)

// Facade answers record queries, exports and cohort aggregates.
type Facade struct {
	store        store.Store
	k            int
	defaultLimit int
	maxLimit     int
	filterParams map[string][]model.DataType
	cohorts      *expirable.LRU[string, *store.CohortStats]
}

// New creates a Facade. k is the minimum cohort size an aggregate needs
// before any value is reported.
func New(st store.Store, cfg config.QueryConfig, k int) (*Facade, error) {
	params, err := index.FilterParams()
	if err != nil {
		return nil, eris.Wrap(err, "query: load filter rules")
	}
	if k < 1 {
		return nil, eris.Errorf("query: k-anonymity threshold must be at least 1, got %d", k)
	}
	f := &Facade{
		store:        st,
		k:            k,
		defaultLimit: cfg.DefaultLimit,
		maxLimit:     cfg.MaxLimit,
		filterParams: params,
	}
	if f.defaultLimit <= 0 {
		f.defaultLimit = 100
	}
	if f.maxLimit < f.defaultLimit {
		f.maxLimit = f.defaultLimit
	}
	if cfg.CohortCacheSize > 0 && cfg.CohortCacheTTLSecs > 0 {
		f.cohorts = expirable.NewLRU[string, *store.CohortStats](
			cfg.CohortCacheSize, nil, time.Duration(cfg.CohortCacheTTLSecs)*time.Second)
	}
	return f, nil
}

// List returns the records matching req, newest first. Queries spanning
// every provider read offset+limit rows per table and merge them.
func (f *Facade) List(ctx context.Context, req Request) ([]model.SellableRecord, error) {
	if req.Limit <= 0 {
		req.Limit = f.defaultLimit
	}
	if req.DataType != "" {
		return f.store.List(ctx, req.listFilter(req.DataType))
	}

	dts := req.DataTypes()
	results := make([][]model.SellableRecord, len(dts))
	g, gctx := errgroup.WithContext(ctx)
	for i, dt := range dts {
		g.Go(func() error {
			lf := req.listFilter(dt)
			lf.Limit = req.Offset + req.Limit
			lf.Offset = 0
			recs, err := f.store.List(gctx, lf)
			if err != nil {
				return eris.Wrapf(err, "query: list %s", dt)
			}
			results[i] = recs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var merged []model.SellableRecord
	for _, r := range results {
		merged = append(merged, r...)
	}
	store.SortNewestFirst(merged)
	if req.Offset >= len(merged) {
		return nil, nil
	}
	merged = merged[req.Offset:]
	if len(merged) > req.Limit {
		merged = merged[:req.Limit]
	}
	return merged, nil
}

// Get returns one record by reclaim proof id.
func (f *Facade) Get(ctx context.Context, reclaimProofID string) (*model.SellableRecord, error) {
	return f.store.Get(ctx, reclaimProofID)
}

// Export writes the records matching req to w in format.
func (f *Facade) Export(ctx context.Context, req Request, format export.Format, w io.Writer) (int, error) {
	recs, err := f.List(ctx, req)
	if err != nil {
		return 0, err
	}
	cols, err := export.Columns(req.DataTypes()...)
	if err != nil {
		return 0, err
	}
	if err := export.Write(w, format, recs, cols); err != nil {
		return 0, err
	}
	zap.L().Debug("query: export written",
		zap.String("format", string(format)),
		zap.String("data_type", string(req.DataType)),
		zap.Int("records", len(recs)),
	)
	return len(recs), nil
}

// UpdateStatus sets the review status of one record.
func (f *Facade) UpdateStatus(ctx context.Context, reclaimProofID string, status model.RecordStatus) (*model.SellableRecord, error) {
	return f.store.UpdateStatus(ctx, reclaimProofID, status)
}
