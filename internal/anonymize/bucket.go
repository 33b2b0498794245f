package anonymize

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/myrad-labs/myrad/internal/model"
)

// Bucket is a half-open range [previous upper, Upper).
type Bucket struct {
	Upper float64
	Label string
}

// Buckets is an ordered set of fixed-width ranges. The last bucket's label
// applies to every value at or above the final boundary.
type Buckets struct {
	Ranges   []Bucket
	Overflow string
}

// Of returns the label for v, or Unclassified when v is nil or negative.
func (b Buckets) Of(v *float64) string {
	if v == nil || *v < 0 {
		return model.Unclassified
	}
	for _, r := range b.Ranges {
		if *v < r.Upper {
			return r.Label
		}
	}
	return b.Overflow
}

// OfInt is Of for integer attributes.
func (b Buckets) OfInt(v *int64) string {
	if v == nil {
		return model.Unclassified
	}
	f := float64(*v)
	return b.Of(&f)
}

var (
	// SpendBuckets groups lifetime order value (provider currency).
	SpendBuckets = Buckets{
		Ranges: []Bucket{
			{Upper: 500, Label: "lt_500"},
			{Upper: 2000, Label: "500_2k"},
			{Upper: 10000, Label: "2k_10k"},
			{Upper: 50000, Label: "10k_50k"},
		},
		Overflow: "50k_plus",
	}

	// FollowerBuckets groups GitHub follower counts by order of magnitude.
	FollowerBuckets = Buckets{
		Ranges: []Bucket{
			{Upper: 10, Label: "lt_10"},
			{Upper: 100, Label: "10_99"},
			{Upper: 1000, Label: "100_999"},
		},
		Overflow: "1000_plus",
	}

	// WatchHourBuckets groups lifetime Netflix watch hours.
	WatchHourBuckets = Buckets{
		Ranges: []Bucket{
			{Upper: 50, Label: "lt_50h"},
			{Upper: 200, Label: "50_199h"},
			{Upper: 500, Label: "200_499h"},
		},
		Overflow: "500h_plus",
	}
)

// QuarterWindow returns "YYYY-Qn" for t, or Unclassified.
func QuarterWindow(t *time.Time) string {
	if t == nil {
		return model.Unclassified
	}
	q := (int(t.Month())-1)/3 + 1
	return fmt.Sprintf("%d-Q%d", t.Year(), q)
}

// EraWindow returns a five-year window such as "2015-2019", or Unclassified.
func EraWindow(t *time.Time) string {
	if t == nil {
		return model.Unclassified
	}
	start := t.Year() - t.Year()%5
	return fmt.Sprintf("%d-%d", start, start+4)
}

func isLabelSpace(r rune) bool {
	return unicode.IsSpace(r) || unicode.IsControl(r)
}

// Label lowercases and snake-cases a free-text enumeration for use as a
// bucket value. Control characters count as whitespace. Nil or blank input
// is Unclassified.
func Label(s *string) string {
	if s == nil {
		return model.Unclassified
	}
	l := strings.Join(strings.FieldsFunc(strings.ToLower(*s), isLabelSpace), "_")
	if l == "" {
		return model.Unclassified
	}
	return l
}
