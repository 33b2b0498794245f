package query

import (
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/myrad-labs/myrad/internal/index"
	"github.com/myrad-labs/myrad/internal/model"
	"github.com/myrad-labs/myrad/internal/resilience"
	"github.com/myrad-labs/myrad/internal/store"
)

// Base filter keys accepted for every data type.
const (
	KeyUserID    = "userId"
	KeyDataType  = "dataType"
	KeyStartDate = "startDate"
	KeyEndDate   = "endDate"
	KeyLimit     = "limit"
	KeyOffset    = "offset"
)

// Request is a validated record query. An empty DataType spans every
// provider; provider filters are only valid with a DataType.
type Request struct {
	DataType   model.DataType
	UserID     string
	StartDate  *time.Time // inclusive
	EndBefore  *time.Time // exclusive
	Conditions []store.Condition
	Limit      int
	Offset     int
}

// DataTypes returns the data types the request spans.
func (r Request) DataTypes() []model.DataType {
	if r.DataType != "" {
		return []model.DataType{r.DataType}
	}
	return model.DataTypes
}

// listFilter renders the per-table store filter.
func (r Request) listFilter(dt model.DataType) store.ListFilter {
	return store.ListFilter{
		DataType:      dt,
		UserID:        r.UserID,
		CreatedFrom:   r.StartDate,
		CreatedBefore: r.EndBefore,
		Conditions:    r.Conditions,
		Limit:         r.Limit,
		Offset:        r.Offset,
	}
}

// parseDate accepts a calendar date or an RFC 3339 timestamp. Calendar dates
// report dateOnly so an end bound can cover the whole day.
func parseDate(key, raw string) (t time.Time, dateOnly bool, err error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t.UTC(), true, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), false, nil
	}
	return time.Time{}, false, resilience.NewMalformedInput(key, "expected YYYY-MM-DD or RFC 3339 timestamp")
}

func parseCount(key, raw string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 0 {
		return 0, resilience.NewMalformedInput(key, "expected a non-negative integer")
	}
	return n, nil
}

// ParseRequest validates query parameters. Unknown keys, repeated keys,
// provider filters without a matching dataType, and malformed values are
// rejected. Extra names listed in ignore are skipped.
func (f *Facade) ParseRequest(values url.Values, ignore ...string) (Request, error) {
	skip := make(map[string]bool, len(ignore))
	for _, k := range ignore {
		skip[k] = true
	}

	req := Request{Limit: f.defaultLimit}
	get := func(key string) (string, error) {
		vs := values[key]
		switch len(vs) {
		case 0:
			return "", nil
		case 1:
			return vs[0], nil
		default:
			return "", resilience.NewMalformedInput(key, "repeated parameter")
		}
	}

	if _, ok := values[KeyDataType]; ok {
		raw, err := get(KeyDataType)
		if err != nil {
			return Request{}, err
		}
		dt := model.DataType(strings.TrimSpace(raw))
		if !dt.Valid() {
			return Request{}, resilience.NewMalformedInput(KeyDataType, "unknown data type "+raw)
		}
		req.DataType = dt
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if skip[key] || key == KeyDataType {
			continue
		}
		raw, err := get(key)
		if err != nil {
			return Request{}, err
		}

		switch key {
		case KeyUserID:
			req.UserID = strings.TrimSpace(raw)
		case KeyStartDate:
			t, _, err := parseDate(key, raw)
			if err != nil {
				return Request{}, err
			}
			req.StartDate = &t
		case KeyEndDate:
			t, dateOnly, err := parseDate(key, raw)
			if err != nil {
				return Request{}, err
			}
			if dateOnly {
				t = t.AddDate(0, 0, 1)
			} else {
				t = t.Add(time.Nanosecond)
			}
			req.EndBefore = &t
		case KeyLimit:
			n, err := parseCount(key, raw)
			if err != nil {
				return Request{}, err
			}
			if n == 0 {
				n = f.defaultLimit
			}
			req.Limit = min(n, f.maxLimit)
		case KeyOffset:
			n, err := parseCount(key, raw)
			if err != nil {
				return Request{}, err
			}
			req.Offset = n
		default:
			cond, err := f.providerCondition(req.DataType, key, raw)
			if err != nil {
				return Request{}, err
			}
			req.Conditions = append(req.Conditions, cond)
		}
	}

	if req.StartDate != nil && req.EndBefore != nil && !req.StartDate.Before(*req.EndBefore) {
		return Request{}, resilience.NewMalformedInput(KeyEndDate, "endDate precedes startDate")
	}
	return req, nil
}

func (f *Facade) providerCondition(dt model.DataType, key, raw string) (store.Condition, error) {
	accepts, known := f.filterParams[key]
	if !known {
		return store.Condition{}, resilience.NewMalformedInput(key, "unrecognized filter")
	}
	if dt == "" {
		return store.Condition{}, resilience.NewMalformedInput(key, "requires dataType (one of "+joinTypes(accepts)+")")
	}
	rs, err := index.Rules(dt)
	if err != nil {
		return store.Condition{}, err
	}
	flt, ok := rs.Filter(key)
	if !ok {
		return store.Condition{}, resilience.NewMalformedInput(key, "not supported for "+string(dt))
	}
	v, err := rs.ParseValue(flt, raw)
	if err != nil {
		return store.Condition{}, err
	}
	return store.Condition{Column: flt.Column, Op: flt.Op, Value: v}, nil
}

func joinTypes(dts []model.DataType) string {
	s := make([]string, len(dts))
	for i, dt := range dts {
		s[i] = string(dt)
	}
	return strings.Join(s, ", ")
}
