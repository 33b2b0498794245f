// Package export serializes sellable records for buyers.
package export

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/myrad-labs/myrad/internal/index"
	"github.com/myrad-labs/myrad/internal/model"
	"github.com/myrad-labs/myrad/internal/resilience"
)

// Format is an export serialization.
type Format string

const (
	FormatJSON  Format = "json"
	FormatCSV   Format = "csv"
	FormatJSONL Format = "jsonl"
	FormatXLSX  Format = "xlsx"
)

// ParseFormat accepts a case-insensitive format name. Empty means JSON.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatJSON, nil
	case FormatJSON, FormatCSV, FormatJSONL, FormatXLSX:
		return f, nil
	default:
		return "", resilience.NewMalformedInput("format", "unsupported export format "+s)
	}
}

// ContentType returns the MIME type of f.
func (f Format) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv; charset=utf-8"
	case FormatJSONL:
		return "application/x-ndjson"
	case FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		return "application/json"
	}
}

// Extension returns the file extension of f, without a dot.
func (f Format) Extension() string {
	return string(f)
}

// Columns returns the indexed columns of the given data types, deduplicated
// in data-type order.
func Columns(dts ...model.DataType) ([]string, error) {
	var cols []string
	seen := make(map[string]bool)
	for _, dt := range dts {
		rs, err := index.Rules(dt)
		if err != nil {
			return nil, err
		}
		for _, c := range rs.Columns() {
			if !seen[c] {
				seen[c] = true
				cols = append(cols, c)
			}
		}
	}
	return cols, nil
}

// Write serializes recs to w in format f. columns names the indexed columns
// of the tabular formats and is ignored otherwise.
func Write(w io.Writer, f Format, recs []model.SellableRecord, columns []string) error {
	switch f {
	case FormatJSON:
		return WriteJSON(w, recs)
	case FormatCSV:
		return WriteCSV(w, recs, columns)
	case FormatJSONL:
		return WriteJSONL(w, recs)
	case FormatXLSX:
		return WriteXLSX(w, recs, columns)
	default:
		return resilience.NewMalformedInput("format", "unsupported export format "+string(f))
	}
}

// WriteJSON writes recs as one JSON array. sellable_data and metadata are
// embedded as objects.
func WriteJSON(w io.Writer, recs []model.SellableRecord) error {
	if recs == nil {
		recs = []model.SellableRecord{}
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(recs); err != nil {
		return eris.Wrap(err, "export: encode json")
	}
	return nil
}

// WriteJSONL writes one sellable_data document per line.
func WriteJSONL(w io.Writer, recs []model.SellableRecord) error {
	var buf bytes.Buffer
	for _, r := range recs {
		buf.Reset()
		if err := json.Compact(&buf, r.SellableData); err != nil {
			return eris.Wrapf(err, "export: compact sellable_data of %s", r.ReclaimProofID)
		}
		buf.WriteByte('\n')
		if _, err := w.Write(buf.Bytes()); err != nil {
			return eris.Wrap(err, "export: write jsonl line")
		}
	}
	return nil
}
