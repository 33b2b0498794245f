package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"io"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/myrad-labs/myrad/internal/model"
)

// leadingColumns precede the indexed columns in tabular exports.
var leadingColumns = []string{
	"id", "user_id", "reclaim_proof_id", "data_type", "status", "created_at", "updated_at",
}

// trailingColumns follow the indexed columns and hold whole JSON documents.
var trailingColumns = []string{"sellable_data", "metadata"}

// Header returns the tabular header for the given indexed columns.
func Header(columns []string) []string {
	h := make([]string, 0, len(leadingColumns)+len(columns)+len(trailingColumns))
	h = append(h, leadingColumns...)
	h = append(h, columns...)
	return append(h, trailingColumns...)
}

// row renders one record as typed cells in Header order.
func row(r model.SellableRecord, columns []string) ([]any, error) {
	out := []any{
		r.ID, r.UserID, r.ReclaimProofID, string(r.DataType), string(r.Status),
		r.CreatedAt.UTC().Format(time.RFC3339Nano), r.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	for _, c := range columns {
		out = append(out, r.IndexedFields[c])
	}
	sellable, err := compactJSON(r.SellableData)
	if err != nil {
		return nil, eris.Wrapf(err, "export: sellable_data of %s", r.ReclaimProofID)
	}
	meta, err := compactJSON(r.Metadata)
	if err != nil {
		return nil, eris.Wrapf(err, "export: metadata of %s", r.ReclaimProofID)
	}
	return append(out, sellable, meta), nil
}

func compactJSON(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return "", err
	}
	if buf.String() == "null" {
		return "", nil
	}
	return buf.String(), nil
}

// cellText renders a typed cell as text. Arrays become JSON strings and
// nulls become empty cells.
func cellText(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// WriteCSV writes a header and one row per record with RFC 4180 quoting.
func WriteCSV(w io.Writer, recs []model.SellableRecord, columns []string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header(columns)); err != nil {
		return eris.Wrap(err, "export: write csv header")
	}
	line := make([]string, 0, len(leadingColumns)+len(columns)+len(trailingColumns))
	for _, r := range recs {
		cells, err := row(r, columns)
		if err != nil {
			return err
		}
		line = line[:0]
		for _, c := range cells {
			line = append(line, cellText(c))
		}
		if err := cw.Write(line); err != nil {
			return eris.Wrapf(err, "export: write csv row %s", r.ReclaimProofID)
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "export: flush csv")
}

// WriteXLSX writes the CSV layout into a single-sheet workbook. Numeric
// indexed values are stored as numeric cells.
func WriteXLSX(w io.Writer, recs []model.SellableRecord, columns []string) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("records")
	if err != nil {
		return eris.Wrap(err, "export: add xlsx sheet")
	}

	header := sheet.AddRow()
	for _, h := range Header(columns) {
		header.AddCell().SetString(h)
	}
	for _, r := range recs {
		cells, err := row(r, columns)
		if err != nil {
			return err
		}
		xr := sheet.AddRow()
		for _, c := range cells {
			cell := xr.AddCell()
			switch v := c.(type) {
			case int64:
				cell.SetInt64(v)
			case float64:
				cell.SetFloat(v)
			default:
				cell.SetString(cellText(v))
			}
		}
	}

	if err := f.Write(w); err != nil {
		return eris.Wrap(err, "export: write xlsx")
	}
	return nil
}
