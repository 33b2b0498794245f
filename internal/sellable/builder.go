// Package sellable assembles anonymized provider views into the versioned
// sellable_data tree and its behavioral-insights side document.
package sellable

import (
	"encoding/json"
	"math"
	"time"

	"github.com/rotisserie/eris"

	"github.com/myrad-labs/myrad/internal/model"
)

// QualityScale names the canonical data-quality scale used by every provider.
const QualityScale = "0-100"

// Options carries the inputs a build needs beyond the anonymized view.
type Options struct {
	SchemaVersion string
	// GeneratedAt is recorded verbatim as generated_at; it carries no
	// semantics and is the only wall-clock value in the tree.
	GeneratedAt time.Time
}

// Output is a built sellable document.
type Output struct {
	SellableData json.RawMessage
	Metadata     json.RawMessage
	Quality      DataQuality
	Cohort       model.CohortAssignment
}

// DataQuality is the completeness-based quality section.
type DataQuality struct {
	Score        int     `json:"score"`
	Completeness float64 `json:"completeness"`
	Scale        string  `json:"scale"`
}

// metadataQuality is the data_quality block of the metadata document. The
// schema version recorded here must change whenever a section is renamed.
type metadataQuality struct {
	SchemaVersion string `json:"schema_version"`
	Score         int    `json:"score"`
	Scale         string `json:"scale"`
}

type metadataDoc struct {
	BehavioralInsights any             `json:"behavioral_insights"`
	DataQuality        metadataQuality `json:"data_quality"`
}

// header is shared by every provider tree.
type header struct {
	SchemaVersion string         `json:"schema_version"`
	DataType      model.DataType `json:"data_type"`
	GeneratedAt   string         `json:"generated_at"`
}

func newHeader(dt model.DataType, opts Options) header {
	return header{
		SchemaVersion: opts.SchemaVersion,
		DataType:      dt,
		GeneratedAt:   opts.GeneratedAt.UTC().Format(time.RFC3339),
	}
}

// field is one weighted component of a quality score.
type field struct {
	weight  int
	present bool
}

// score sums the weights of present fields. Weights are non-negative, so
// dropping a field can only lower the score.
func score(fields []field) DataQuality {
	var total, got, present int
	for _, f := range fields {
		total += f.weight
		if f.present {
			got += f.weight
			present++
		}
	}
	q := DataQuality{Scale: QualityScale}
	if total > 0 {
		q.Score = got * 100 / total
	}
	if len(fields) > 0 {
		q.Completeness = math.Round(float64(present)/float64(len(fields))*100) / 100
	}
	return q
}

func finish(tree any, insights any, q DataQuality, cohort model.CohortAssignment, opts Options) (*Output, error) {
	data, err := json.Marshal(tree)
	if err != nil {
		return nil, eris.Wrap(err, "sellable: marshal sellable_data")
	}
	meta, err := json.Marshal(metadataDoc{
		BehavioralInsights: insights,
		DataQuality: metadataQuality{
			SchemaVersion: opts.SchemaVersion,
			Score:         q.Score,
			Scale:         QualityScale,
		},
	})
	if err != nil {
		return nil, eris.Wrap(err, "sellable: marshal metadata")
	}
	return &Output{SellableData: data, Metadata: meta, Quality: q, Cohort: cohort}, nil
}

func dateString(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format("2006-01-02")
	return &s
}

func round2(v *float64) *float64 {
	if v == nil {
		return nil
	}
	r := math.Round(*v*100) / 100
	return &r
}

func present[T any](p *T) bool { return p != nil }
