// Package store persists sellable records, one collection per provider,
// with idempotent upsert keyed by reclaim_proof_id.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/myrad-labs/myrad/internal/index"
	"github.com/myrad-labs/myrad/internal/model"
	"github.com/myrad-labs/myrad/internal/resilience"
)

var tables = map[model.DataType]string{
	model.DataTypeZomato:  "zomato_sellable_data",
	model.DataTypeGitHub:  "github_sellable_data",
	model.DataTypeNetflix: "netflix_sellable_data",
}

// TableFor returns the collection backing a data type.
func TableFor(dt model.DataType) (string, error) {
	t, ok := tables[dt]
	if !ok {
		return "", eris.Wrapf(resilience.ErrUnknownDataType, "store: table for %q", dt)
	}
	return t, nil
}

// Condition is one conjunctive predicate on an indexed column.
type Condition struct {
	Column string
	Op     index.Op
	Value  any
}

// ListFilter selects records of one data type. Conditions compose with AND.
type ListFilter struct {
	DataType      model.DataType
	UserID        string
	CreatedFrom   *time.Time // inclusive
	CreatedBefore *time.Time // exclusive
	Conditions    []Condition
	Limit         int
	Offset        int
}

// CohortStats is the raw, ungated size and numeric averages of one cohort.
type CohortStats struct {
	Members  int64
	Averages map[string]*float64
}

// IndexedUpdate carries a recomputed projection for one stored record.
type IndexedUpdate struct {
	ReclaimProofID string
	Fields         model.IndexedFields
}

// Store defines the persistence gateway.
type Store interface {
	// Upsert inserts rec or, when its reclaim_proof_id exists, overwrites
	// sellable_data, metadata, indexed fields and updated_at while keeping
	// id, user_id, status and created_at. It returns the stored row.
	Upsert(ctx context.Context, rec *model.SellableRecord) (*model.SellableRecord, error)
	Get(ctx context.Context, reclaimProofID string) (*model.SellableRecord, error)
	// List returns matching records newest first.
	List(ctx context.Context, filter ListFilter) ([]model.SellableRecord, error)
	UpdateStatus(ctx context.Context, reclaimProofID string, status model.RecordStatus) (*model.SellableRecord, error)
	CohortStats(ctx context.Context, dt model.DataType, cohortID string) (*CohortStats, error)
	// UpdateIndexedFields rewrites indexed columns only; sellable_data and
	// updated_at are untouched.
	UpdateIndexedFields(ctx context.Context, dt model.DataType, updates []IndexedUpdate) (int64, error)

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

func validateRecord(rec *model.SellableRecord) (string, *index.RuleSet, error) {
	if rec == nil {
		return "", nil, resilience.NewMalformedInput("record", "nil")
	}
	table, err := TableFor(rec.DataType)
	if err != nil {
		return "", nil, err
	}
	if rec.ReclaimProofID == "" {
		return "", nil, resilience.NewMalformedInput("reclaimProofId", "required")
	}
	if len(rec.SellableData) == 0 {
		return "", nil, resilience.NewMalformedInput("sellable_data", "required")
	}
	rs, err := index.Rules(rec.DataType)
	if err != nil {
		return "", nil, err
	}
	return table, rs, nil
}

// recordColumns is the fixed column prefix of every provider table.
var recordColumns = []string{
	"id", "user_id", "reclaim_proof_id", "data_type", "status",
	"sellable_data", "metadata", "indexed_fields", "created_at", "updated_at",
}

// preservedOnConflict are never overwritten by a repeated upsert.
var preservedOnConflict = map[string]bool{
	"id": true, "user_id": true, "reclaim_proof_id": true, "data_type": true,
	"status": true, "created_at": true,
}

func upsertColumns(rs *index.RuleSet) (cols, updateCols []string) {
	cols = append(append([]string{}, recordColumns...), rs.Columns()...)
	for _, c := range cols {
		if !preservedOnConflict[c] {
			updateCols = append(updateCols, c)
		}
	}
	return cols, updateCols
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}
