// Package extract converts raw provider proof payloads into typed, normalized records.
package extract

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/myrad-labs/myrad/internal/resilience"
)

// parseObject validates the top-level payload. Empty, unparseable or
// non-object payloads are structurally fatal; everything below the top level
// degrades to null.
func parseObject(payload []byte) (gjson.Result, error) {
	if len(strings.TrimSpace(string(payload))) == 0 {
		return gjson.Result{}, resilience.NewMalformedInput("anonymizedData", "payload is empty")
	}
	if !gjson.ValidBytes(payload) {
		return gjson.Result{}, resilience.NewMalformedInput("anonymizedData", "payload is not valid JSON")
	}
	doc := gjson.ParseBytes(payload)
	if !doc.IsObject() {
		return gjson.Result{}, resilience.NewMalformedInput("anonymizedData", "payload must be a JSON object")
	}
	empty := true
	doc.ForEach(func(_, _ gjson.Result) bool {
		empty = false
		return false
	})
	if empty {
		return gjson.Result{}, resilience.NewMalformedInput("anonymizedData", "payload has no fields")
	}
	return doc, nil
}

// lookup returns the first path that resolves to a non-null value.
func lookup(doc gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		r := doc.Get(p)
		if r.Exists() && r.Type != gjson.Null {
			return r
		}
	}
	return gjson.Result{}
}

// numberText strips grouping separators, currency markers and whitespace
// from a numeric string ("₹1,530.50" -> "1530.50").
func numberText(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"₹", "$", "€", "£", "INR", "Rs.", "Rs", "USD"} {
		s = strings.TrimPrefix(s, prefix)
	}
	s = strings.ReplaceAll(s, ",", "")
	s = strings.ReplaceAll(s, "_", "")
	return strings.TrimSpace(s)
}

func floatOf(r gjson.Result) (float64, bool) {
	switch r.Type {
	case gjson.Number:
		f, err := strconv.ParseFloat(r.Raw, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	case gjson.String:
		t := numberText(r.Str)
		if t == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// Int coerces r to an integer. Non-integral, non-finite, or unparseable
// values yield nil.
func Int(r gjson.Result) *int64 {
	switch r.Type {
	case gjson.Number:
		if n, err := strconv.ParseInt(r.Raw, 10, 64); err == nil {
			return &n
		}
	case gjson.String:
		if n, err := strconv.ParseInt(numberText(r.Str), 10, 64); err == nil {
			return &n
		}
	}
	f, ok := floatOf(r)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return nil
	}
	// float64(MaxInt64) rounds up to 2^63, which int64 cannot hold.
	if f >= math.MaxInt64 || f < math.MinInt64 {
		return nil
	}
	n := int64(f)
	return &n
}

// Decimal coerces r to a float64, or nil.
func Decimal(r gjson.Result) *float64 {
	f, ok := floatOf(r)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// Text passes a string through verbatim. Blank strings and non-strings
// yield nil.
func Text(r gjson.Result) *string {
	if r.Type != gjson.String || strings.TrimSpace(r.Str) == "" {
		return nil
	}
	s := r.Str
	return &s
}

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Date coerces r to a UTC time. Strings are tried against ISO-8601 layouts;
// numbers are treated as unix seconds, or milliseconds when above 1e12.
func Date(r gjson.Result) *time.Time {
	switch r.Type {
	case gjson.String:
		s := strings.TrimSpace(r.Str)
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				t = t.UTC()
				return &t
			}
		}
		return nil
	case gjson.Number:
		f, ok := floatOf(r)
		if !ok || f <= 0 || math.IsInf(f, 0) {
			return nil
		}
		if f > 1e12 {
			t := time.UnixMilli(int64(f)).UTC()
			return &t
		}
		t := time.Unix(int64(f), 0).UTC()
		return &t
	default:
		return nil
	}
}

// RankedItem is one entry of a provider-ranked list (cuisines, dishes, genres).
type RankedItem struct {
	Name  string
	Count *int64
}

// rankedList reads an array of either strings or objects, keeping source
// order and truncating to limit. Entries without a name are skipped.
func rankedList(r gjson.Result, limit int, nameKeys, countKeys []string) []RankedItem {
	if !r.IsArray() {
		return nil
	}
	var out []RankedItem
	for _, item := range r.Array() {
		if limit > 0 && len(out) >= limit {
			break
		}
		switch {
		case item.Type == gjson.String:
			if name := Text(item); name != nil {
				out = append(out, RankedItem{Name: *name})
			}
		case item.IsObject():
			name := Text(lookup(item, nameKeys...))
			if name == nil {
				continue
			}
			out = append(out, RankedItem{Name: *name, Count: Int(lookup(item, countKeys...))})
		}
	}
	return out
}

// Identity holds the personally identifying values a proof may carry. It
// never leaves the extraction and anonymization stages.
type Identity struct {
	Name     string
	Email    string
	Phone    string
	Username string
}

// Present reports whether the proof carried any identity value.
func (i Identity) Present() bool {
	return i.Name != "" || i.Email != "" || i.Phone != "" || i.Username != ""
}

func identityText(doc gjson.Result, paths ...string) string {
	if s := Text(lookup(doc, paths...)); s != nil {
		return strings.TrimSpace(*s)
	}
	return ""
}
