package query

import (
	"context"
	"strings"

	"github.com/myrad-labs/myrad/internal/model"
	"github.com/myrad-labs/myrad/internal/resilience"
	"github.com/myrad-labs/myrad/internal/store"
)

// AggregateStatus tells a suppressed cohort apart from an empty one.
type AggregateStatus string

const (
	AggregateOK         AggregateStatus = "ok"
	AggregateSuppressed AggregateStatus = "suppressed"
	AggregateEmpty      AggregateStatus = "empty"
)

// CohortAggregate is a k-anonymity gated cohort summary. Members and
// Averages are set only when Status is ok.
type CohortAggregate struct {
	DataType            model.DataType      `json:"data_type"`
	CohortID            string              `json:"cohort_id"`
	Status              AggregateStatus     `json:"status"`
	KAnonymityThreshold int                 `json:"k_anonymity_threshold"`
	Members             *int64              `json:"members,omitempty"`
	Averages            map[string]*float64 `json:"averages,omitempty"`
}

// CohortAggregate returns the member count and numeric averages of a cohort
// when it has at least k members, and a suppressed result otherwise.
func (f *Facade) CohortAggregate(ctx context.Context, dt model.DataType, cohortID string) (*CohortAggregate, error) {
	if !dt.Valid() {
		return nil, resilience.NewMalformedInput("dataType", "unknown data type "+string(dt))
	}
	cohortID = strings.TrimSpace(cohortID)
	if cohortID == "" {
		return nil, resilience.NewMalformedInput("cohortId", "required")
	}

	stats, err := f.cohortStats(ctx, dt, cohortID)
	if err != nil {
		return nil, err
	}

	out := &CohortAggregate{DataType: dt, CohortID: cohortID, KAnonymityThreshold: f.k}
	switch {
	case stats.Members == 0:
		out.Status = AggregateEmpty
	case stats.Members < int64(f.k):
		out.Status = AggregateSuppressed
	default:
		out.Status = AggregateOK
		members := stats.Members
		out.Members = &members
		out.Averages = make(map[string]*float64, len(stats.Averages))
		for c, v := range stats.Averages {
			out.Averages[c] = v
		}
	}
	cohortAggregates.WithLabelValues(string(dt), string(out.Status)).Inc()
	return out, nil
}

func (f *Facade) cohortStats(ctx context.Context, dt model.DataType, cohortID string) (*store.CohortStats, error) {
	key := string(dt) + "/" + cohortID
	if f.cohorts != nil {
		if s, ok := f.cohorts.Get(key); ok {
			cohortCacheHits.Inc()
			return s, nil
		}
		cohortCacheMisses.Inc()
	}
	s, err := f.store.CohortStats(ctx, dt, cohortID)
	if err != nil {
		return nil, err
	}
	if f.cohorts != nil {
		f.cohorts.Add(key, s)
	}
	return s, nil
}
