// Package index projects finished sellable_data trees into flat indexed
// columns using the declarative rule table in rules.yaml.
package index

import (
	_ "embed"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"

	"github.com/myrad-labs/myrad/internal/extract"
	"github.com/myrad-labs/myrad/internal/model"
	"github.com/myrad-labs/myrad/internal/resilience"
)

//go:embed rules.yaml
var rulesYAML []byte

// ColumnType is the coercion applied to a projected value.
type ColumnType string

// Column types.
const (
	TypeInt         ColumnType = "int"
	TypeDecimal     ColumnType = "decimal"
	TypeString      ColumnType = "string"
	TypeStringArray ColumnType = "string_array"
)

// Op is a filter comparison.
type Op string

// Filter operators.
const (
	OpGTE Op = "gte"
	OpLTE Op = "lte"
	OpEQ  Op = "eq"
)

// Field maps one sellable_data path to an indexed column.
type Field struct {
	Column string     `yaml:"column"`
	Path   string     `yaml:"path"`
	Type   ColumnType `yaml:"type"`
}

// Numeric reports whether the column holds an int or decimal.
func (f Field) Numeric() bool {
	return f.Type == TypeInt || f.Type == TypeDecimal
}

// Filter maps a query parameter onto an indexed column.
type Filter struct {
	Param  string `yaml:"param"`
	Column string `yaml:"column"`
	Op     Op     `yaml:"op"`
}

// RuleSet is the projection and filter table of one data type.
type RuleSet struct {
	DataType model.DataType `yaml:"-"`
	Fields   []Field        `yaml:"fields"`
	Filters  []Filter       `yaml:"filters"`

	byColumn map[string]Field
	byParam  map[string]Filter
}

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

var loadRules = sync.OnceValues(func() (map[model.DataType]*RuleSet, error) {
	return parseRules(rulesYAML)
})

func parseRules(data []byte) (map[model.DataType]*RuleSet, error) {
	var raw map[string]*RuleSet
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, eris.Wrap(err, "index: parse rules")
	}

	out := make(map[model.DataType]*RuleSet, len(raw))
	for name, rs := range raw {
		dt := model.DataType(name)
		if !dt.Valid() {
			return nil, eris.Errorf("index: rules for unknown data type %q", name)
		}
		rs.DataType = dt
		if err := rs.init(); err != nil {
			return nil, err
		}
		out[dt] = rs
	}
	for _, dt := range model.DataTypes {
		if _, ok := out[dt]; !ok {
			return nil, eris.Errorf("index: no rules for data type %q", dt)
		}
	}
	return out, nil
}

func (rs *RuleSet) init() error {
	rs.byColumn = make(map[string]Field, len(rs.Fields))
	for _, f := range rs.Fields {
		if !identRe.MatchString(f.Column) {
			return eris.Errorf("index: %s: invalid column name %q", rs.DataType, f.Column)
		}
		if f.Path == "" {
			return eris.Errorf("index: %s.%s: empty path", rs.DataType, f.Column)
		}
		switch f.Type {
		case TypeInt, TypeDecimal, TypeString, TypeStringArray:
		default:
			return eris.Errorf("index: %s.%s: unknown type %q", rs.DataType, f.Column, f.Type)
		}
		if _, dup := rs.byColumn[f.Column]; dup {
			return eris.Errorf("index: %s: duplicate column %q", rs.DataType, f.Column)
		}
		rs.byColumn[f.Column] = f
	}

	rs.byParam = make(map[string]Filter, len(rs.Filters))
	for _, flt := range rs.Filters {
		f, ok := rs.byColumn[flt.Column]
		if !ok {
			return eris.Errorf("index: %s: filter %q targets unknown column %q", rs.DataType, flt.Param, flt.Column)
		}
		switch flt.Op {
		case OpGTE, OpLTE:
			if !f.Numeric() {
				return eris.Errorf("index: %s: range filter %q on non-numeric column", rs.DataType, flt.Param)
			}
		case OpEQ:
			if f.Type == TypeStringArray {
				return eris.Errorf("index: %s: filter %q on array column", rs.DataType, flt.Param)
			}
		default:
			return eris.Errorf("index: %s: filter %q has unknown op %q", rs.DataType, flt.Param, flt.Op)
		}
		if _, dup := rs.byParam[flt.Param]; dup {
			return eris.Errorf("index: %s: duplicate filter %q", rs.DataType, flt.Param)
		}
		rs.byParam[flt.Param] = flt
	}
	return nil
}

// Rules returns the rule set for a data type.
func Rules(dt model.DataType) (*RuleSet, error) {
	all, err := loadRules()
	if err != nil {
		return nil, err
	}
	rs, ok := all[dt]
	if !ok {
		return nil, eris.Wrapf(resilience.ErrUnknownDataType, "index: rules for %q", dt)
	}
	return rs, nil
}

// Project flattens a sellable_data tree of the given data type.
func Project(dt model.DataType, sellableData []byte) (model.IndexedFields, error) {
	rs, err := Rules(dt)
	if err != nil {
		return nil, err
	}
	return rs.Project(sellableData)
}

// Project flattens sellableData. Every configured column is present in the
// result; paths that are missing or fail coercion map to nil.
func (rs *RuleSet) Project(sellableData []byte) (model.IndexedFields, error) {
	if !gjson.ValidBytes(sellableData) {
		return nil, resilience.NewMalformedInput("sellable_data", "invalid JSON")
	}
	doc := gjson.ParseBytes(sellableData)
	if !doc.IsObject() {
		return nil, resilience.NewMalformedInput("sellable_data", "not a JSON object")
	}

	out := make(model.IndexedFields, len(rs.Fields))
	for _, f := range rs.Fields {
		out[f.Column] = f.coerce(doc.Get(f.Path))
	}
	return out, nil
}

func (f Field) coerce(r gjson.Result) any {
	switch f.Type {
	case TypeInt:
		if v := extract.Int(r); v != nil {
			return *v
		}
	case TypeDecimal:
		if v := extract.Decimal(r); v != nil {
			return *v
		}
	case TypeString:
		if r.Type == gjson.String && strings.TrimSpace(r.Str) != "" {
			return r.Str
		}
	case TypeStringArray:
		if !r.IsArray() {
			return nil
		}
		items := r.Array()
		out := make([]string, 0, len(items))
		for _, it := range items {
			if it.Type == gjson.String {
				out = append(out, it.Str)
			}
		}
		return out
	}
	return nil
}

// Columns returns the column names in rule order.
func (rs *RuleSet) Columns() []string {
	out := make([]string, len(rs.Fields))
	for i, f := range rs.Fields {
		out[i] = f.Column
	}
	return out
}

// NumericColumns returns the int and decimal columns in rule order.
func (rs *RuleSet) NumericColumns() []string {
	var out []string
	for _, f := range rs.Fields {
		if f.Numeric() {
			out = append(out, f.Column)
		}
	}
	return out
}

// Field looks up a column.
func (rs *RuleSet) Field(column string) (Field, bool) {
	f, ok := rs.byColumn[column]
	return f, ok
}

// Filter looks up a filter by query parameter name.
func (rs *RuleSet) Filter(param string) (Filter, bool) {
	f, ok := rs.byParam[param]
	return f, ok
}

// FilterParams maps every provider filter parameter to the data types that
// accept it.
func FilterParams() (map[string][]model.DataType, error) {
	all, err := loadRules()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]model.DataType)
	for _, dt := range model.DataTypes {
		for _, f := range all[dt].Filters {
			out[f.Param] = append(out[f.Param], dt)
		}
	}
	return out, nil
}

// ParseValue converts a raw query parameter into the filter column's type.
func (rs *RuleSet) ParseValue(flt Filter, raw string) (any, error) {
	f := rs.byColumn[flt.Column]
	raw = strings.TrimSpace(raw)
	switch f.Type {
	case TypeInt:
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, resilience.NewMalformedInput(flt.Param, "expected an integer")
		}
		return v, nil
	case TypeDecimal:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, resilience.NewMalformedInput(flt.Param, "expected a number")
		}
		return v, nil
	default:
		if raw == "" {
			return nil, resilience.NewMalformedInput(flt.Param, "empty value")
		}
		return raw, nil
	}
}

// Normalize coerces a decoded indexed_fields document back to projection
// types (int64, float64, string, []string) so stored and freshly projected
// fields compare equal. Unknown columns are dropped.
func (rs *RuleSet) Normalize(in map[string]any) model.IndexedFields {
	out := make(model.IndexedFields, len(rs.Fields))
	for _, f := range rs.Fields {
		out[f.Column] = f.normalize(in[f.Column])
	}
	return out
}

func (f Field) normalize(v any) any {
	if v == nil {
		return nil
	}
	switch f.Type {
	case TypeInt:
		switch n := v.(type) {
		case int64:
			return n
		case int:
			return int64(n)
		case int32:
			return int64(n)
		case float64:
			return int64(n)
		case json.Number:
			if i, err := n.Int64(); err == nil {
				return i
			}
		}
	case TypeDecimal:
		switch n := v.(type) {
		case float64:
			return n
		case float32:
			return float64(n)
		case int64:
			return float64(n)
		case json.Number:
			if x, err := n.Float64(); err == nil {
				return x
			}
		}
	case TypeString:
		if s, ok := v.(string); ok {
			return s
		}
	case TypeStringArray:
		switch a := v.(type) {
		case []string:
			return a
		case []any:
			out := make([]string, 0, len(a))
			for _, it := range a {
				if s, ok := it.(string); ok {
					out = append(out, s)
				}
			}
			return out
		case string:
			// sqlite stores arrays as JSON text.
			var out []string
			if json.Unmarshal([]byte(a), &out) == nil {
				if out == nil {
					out = []string{}
				}
				return out
			}
		}
	}
	return nil
}
