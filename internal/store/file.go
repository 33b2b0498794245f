package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/myrad-labs/myrad/internal/index"
	"github.com/myrad-labs/myrad/internal/model"
	"github.com/myrad-labs/myrad/internal/resilience"
)

// FileStore keeps one JSON document per provider table in a directory. It
// serves development deployments and the development fallback path only.
type FileStore struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

// FileOption configures a FileStore.
type FileOption func(*FileStore)

// WithFileClock overrides the clock used for created_at and updated_at.
func WithFileClock(now func() time.Time) FileOption {
	return func(s *FileStore) { s.now = now }
}

// NewFile opens (creating if needed) a file store rooted at dir.
func NewFile(dir string, opts ...FileOption) (*FileStore, error) {
	if dir == "" {
		return nil, eris.New("file store: empty directory")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, eris.Wrapf(err, "file store: create %s", dir)
	}
	s := &FileStore{dir: dir, now: func() time.Time { return time.Now().UTC() }}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func (s *FileStore) path(table string) string {
	return filepath.Join(s.dir, table+".json")
}

func (s *FileStore) load(dt model.DataType) ([]model.SellableRecord, error) {
	table, err := TableFor(dt)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(table))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, resilience.NewPersistenceError("load", eris.Wrapf(err, "file store: read %s", table))
	}
	var recs []model.SellableRecord
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, resilience.NewPersistenceError("load", eris.Wrapf(err, "file store: decode %s", table))
	}
	rs, err := index.Rules(dt)
	if err != nil {
		return nil, err
	}
	for i := range recs {
		recs[i].IndexedFields = rs.Normalize(recs[i].IndexedFields)
	}
	return recs, nil
}

// save replaces a table document atomically via rename.
func (s *FileStore) save(dt model.DataType, recs []model.SellableRecord) error {
	table, err := TableFor(dt)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return eris.Wrapf(err, "file store: encode %s", table)
	}
	tmp, err := os.CreateTemp(s.dir, table+".*.tmp")
	if err != nil {
		return resilience.NewPersistenceError("save", eris.Wrapf(err, "file store: temp file for %s", table))
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return resilience.NewPersistenceError("save", eris.Wrapf(err, "file store: write %s", table))
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return resilience.NewPersistenceError("save", eris.Wrapf(err, "file store: sync %s", table))
	}
	if err := tmp.Close(); err != nil {
		return resilience.NewPersistenceError("save", eris.Wrapf(err, "file store: close %s", table))
	}
	if err := os.Rename(tmp.Name(), s.path(table)); err != nil {
		return resilience.NewPersistenceError("save", eris.Wrapf(err, "file store: replace %s", table))
	}
	return nil
}

// locate finds the data type and position of a proof across all tables.
func (s *FileStore) locate(proofID string) (model.DataType, []model.SellableRecord, int, error) {
	for _, dt := range model.DataTypes {
		recs, err := s.load(dt)
		if err != nil {
			return "", nil, -1, err
		}
		for i := range recs {
			if recs[i].ReclaimProofID == proofID {
				return dt, recs, i, nil
			}
		}
	}
	return "", nil, -1, nil
}

func (s *FileStore) Upsert(_ context.Context, rec *model.SellableRecord) (*model.SellableRecord, error) {
	_, rs, err := validateRecord(rec)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dt, recs, pos, err := s.locate(rec.ReclaimProofID)
	if err != nil {
		return nil, err
	}
	if pos >= 0 && dt != rec.DataType {
		return nil, eris.Wrapf(resilience.ErrProofTypeConflict, "file store: %s is a %s proof", rec.ReclaimProofID, dt)
	}
	if pos < 0 {
		if recs, err = s.load(rec.DataType); err != nil {
			return nil, err
		}
	}

	now := s.now()
	out := *rec
	out.IndexedFields = rs.Normalize(rec.IndexedFields)
	out.UpdatedAt = now
	if pos >= 0 {
		prev := recs[pos]
		out.ID, out.UserID, out.Status, out.CreatedAt = prev.ID, prev.UserID, prev.Status, prev.CreatedAt
		recs[pos] = out
	} else {
		if out.ID == "" {
			out.ID = uuid.NewString()
		}
		if out.Status == "" {
			out.Status = model.StatusNew
		}
		out.CreatedAt = now
		recs = append(recs, out)
	}
	if err := s.save(rec.DataType, recs); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *FileStore) Get(_ context.Context, reclaimProofID string) (*model.SellableRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, recs, pos, err := s.locate(reclaimProofID)
	if err != nil {
		return nil, err
	}
	if pos < 0 {
		return nil, eris.Wrapf(resilience.ErrNotFound, "file store: get %s", reclaimProofID)
	}
	rec := recs[pos]
	return &rec, nil
}

func (s *FileStore) List(_ context.Context, filter ListFilter) ([]model.SellableRecord, error) {
	if _, err := TableFor(filter.DataType); err != nil {
		return nil, err
	}
	s.mu.Lock()
	recs, err := s.load(filter.DataType)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var matched []model.SellableRecord
	for _, r := range recs {
		if matchesFilter(r, filter) {
			matched = append(matched, r)
		}
	}
	SortNewestFirst(matched)

	if filter.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[filter.Offset:]
	if limit := clampLimit(filter.Limit); len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// SortNewestFirst orders records by created_at descending, breaking ties by
// id descending, matching the relational stores.
func SortNewestFirst(recs []model.SellableRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.After(recs[j].CreatedAt)
		}
		return recs[i].ID > recs[j].ID
	})
}

func matchesFilter(r model.SellableRecord, f ListFilter) bool {
	if f.UserID != "" && r.UserID != f.UserID {
		return false
	}
	if f.CreatedFrom != nil && r.CreatedAt.Before(*f.CreatedFrom) {
		return false
	}
	if f.CreatedBefore != nil && !r.CreatedAt.Before(*f.CreatedBefore) {
		return false
	}
	for _, c := range f.Conditions {
		if !matchesCondition(r.IndexedFields[c.Column], c) {
			return false
		}
	}
	return true
}

func matchesCondition(v any, c Condition) bool {
	if v == nil {
		return false
	}
	if c.Op == index.OpEQ {
		return fmt.Sprint(v) == fmt.Sprint(c.Value)
	}
	got, ok := toFloat(v)
	if !ok {
		return false
	}
	want, ok := toFloat(c.Value)
	if !ok {
		return false
	}
	if c.Op == index.OpGTE {
		return got >= want
	}
	return got <= want
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

func (s *FileStore) UpdateStatus(_ context.Context, reclaimProofID string, status model.RecordStatus) (*model.SellableRecord, error) {
	if !status.Valid() {
		return nil, resilience.NewMalformedInput("status", fmt.Sprintf("unknown status %q", status))
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dt, recs, pos, err := s.locate(reclaimProofID)
	if err != nil {
		return nil, err
	}
	if pos < 0 {
		return nil, eris.Wrapf(resilience.ErrNotFound, "file store: update status %s", reclaimProofID)
	}
	recs[pos].Status = status
	recs[pos].UpdatedAt = s.now()
	if err := s.save(dt, recs); err != nil {
		return nil, err
	}
	rec := recs[pos]
	return &rec, nil
}

func (s *FileStore) CohortStats(_ context.Context, dt model.DataType, cohortID string) (*CohortStats, error) {
	rs, err := index.Rules(dt)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	recs, err := s.load(dt)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	numeric := rs.NumericColumns()
	sums := make(map[string]float64, len(numeric))
	counts := make(map[string]int, len(numeric))
	stats := &CohortStats{Averages: make(map[string]*float64, len(numeric))}
	for _, r := range recs {
		if r.IndexedFields["cohort_id"] != cohortID {
			continue
		}
		stats.Members++
		for _, c := range numeric {
			if v, ok := toFloat(r.IndexedFields[c]); ok {
				sums[c] += v
				counts[c]++
			}
		}
	}
	for _, c := range numeric {
		if counts[c] == 0 {
			stats.Averages[c] = nil
			continue
		}
		avg := sums[c] / float64(counts[c])
		stats.Averages[c] = &avg
	}
	return stats, nil
}

func (s *FileStore) UpdateIndexedFields(_ context.Context, dt model.DataType, updates []IndexedUpdate) (int64, error) {
	rs, err := index.Rules(dt)
	if err != nil {
		return 0, err
	}
	if len(updates) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.load(dt)
	if err != nil {
		return 0, err
	}
	byProof := make(map[string]model.IndexedFields, len(updates))
	for _, u := range updates {
		byProof[u.ReclaimProofID] = rs.Normalize(u.Fields)
	}
	var n int64
	for i := range recs {
		if f, ok := byProof[recs[i].ReclaimProofID]; ok {
			recs[i].IndexedFields = f
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return n, s.save(dt, recs)
}

func (s *FileStore) Migrate(context.Context) error { return nil }

func (s *FileStore) Ping(context.Context) error {
	_, err := os.Stat(s.dir)
	return resilience.NewPersistenceError("ping", err)
}

func (s *FileStore) Close() error { return nil }
