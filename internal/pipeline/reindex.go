package pipeline

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/myrad-labs/myrad/internal/index"
	"github.com/myrad-labs/myrad/internal/model"
	"github.com/myrad-labs/myrad/internal/store"
)

// DefaultReindexPageSize is the number of records re-projected per write.
const DefaultReindexPageSize = 500

// ReindexStats summarises a backfill run.
type ReindexStats struct {
	DataType model.DataType `json:"data_type"`
	Scanned  int            `json:"scanned"`
	Updated  int64          `json:"updated"`
}

// Reindex re-runs the indexed-field projection over every stored record of
// dt and rewrites the indexed columns. It uses the same projection as the
// live write path, so records already in sync are rewritten unchanged.
// created_at and updated_at are left alone, which keeps paging stable.
func Reindex(ctx context.Context, st store.Store, dt model.DataType, pageSize int) (*ReindexStats, error) {
	rs, err := index.Rules(dt)
	if err != nil {
		return nil, err
	}
	if pageSize <= 0 {
		pageSize = DefaultReindexPageSize
	}
	log := zap.L().With(zap.String("data_type", string(dt)))
	stats := &ReindexStats{DataType: dt}

	for offset := 0; ; offset += pageSize {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		recs, err := st.List(ctx, store.ListFilter{DataType: dt, Limit: pageSize, Offset: offset})
		if err != nil {
			return stats, eris.Wrapf(err, "pipeline: reindex list %s at offset %d", dt, offset)
		}
		if len(recs) == 0 {
			break
		}

		updates := make([]store.IndexedUpdate, 0, len(recs))
		for _, r := range recs {
			fields, err := rs.Project(r.SellableData)
			if err != nil {
				log.Warn("pipeline: reindex skipped unprojectable record",
					zap.String("reclaim_proof_id", r.ReclaimProofID), zap.Error(err))
				continue
			}
			updates = append(updates, store.IndexedUpdate{ReclaimProofID: r.ReclaimProofID, Fields: fields})
		}
		stats.Scanned += len(recs)

		n, err := st.UpdateIndexedFields(ctx, dt, updates)
		if err != nil {
			return stats, eris.Wrapf(err, "pipeline: reindex write %s at offset %d", dt, offset)
		}
		stats.Updated += n
		contributionsTotal.WithLabelValues(string(dt), outcomeReindexed).Add(float64(n))
		log.Debug("pipeline: reindexed page", zap.Int("offset", offset), zap.Int64("updated", n))

		if len(recs) < pageSize {
			break
		}
	}

	log.Info("pipeline: reindex complete", zap.Int("scanned", stats.Scanned), zap.Int64("updated", stats.Updated))
	return stats, nil
}
