package store

import (
	"fmt"
	"strings"

	"github.com/myrad-labs/myrad/internal/index"
)

// dialect holds the per-backend column types used by generated DDL.
type dialect struct {
	json      string
	timestamp string
	now       string
	columns   map[index.ColumnType]string
}

var postgresDialect = dialect{
	json:      "JSONB",
	timestamp: "TIMESTAMPTZ",
	now:       "now()",
	columns: map[index.ColumnType]string{
		index.TypeInt:         "BIGINT",
		index.TypeDecimal:     "DOUBLE PRECISION",
		index.TypeString:      "TEXT",
		index.TypeStringArray: "TEXT[]",
	},
}

// SQLite keeps timestamps as fixed-width UTC text so they sort lexically,
// and arrays as JSON text.
var sqliteDialect = dialect{
	json:      "TEXT",
	timestamp: "TEXT",
	now:       "(strftime('%Y-%m-%dT%H:%M:%fZ','now'))",
	columns: map[index.ColumnType]string{
		index.TypeInt:         "INTEGER",
		index.TypeDecimal:     "REAL",
		index.TypeString:      "TEXT",
		index.TypeStringArray: "TEXT",
	},
}

// createTableSQL renders the base table of a provider. Indexed columns are
// added separately so new rules can extend existing tables.
func (d dialect) createTableSQL(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
	id               TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL,
	reclaim_proof_id TEXT NOT NULL UNIQUE REFERENCES proof_registry(reclaim_proof_id),
	data_type        TEXT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'new' CHECK (status IN ('new', 'verified', 'rejected')),
	sellable_data    %[2]s NOT NULL,
	metadata         %[2]s,
	indexed_fields   %[2]s NOT NULL,
	created_at       %[3]s NOT NULL DEFAULT %[4]s,
	updated_at       %[3]s NOT NULL DEFAULT %[4]s
)`, table, d.json, d.timestamp, d.now)
}

func (d dialect) columnType(f index.Field) string {
	return d.columns[f.Type]
}

// indexSQL renders the secondary indexes of a provider table: creation time,
// user, and every filterable or cohort column.
func indexSQL(table string, rs *index.RuleSet) []string {
	cols := []string{"created_at", "user_id"}
	seen := map[string]bool{"created_at": true, "user_id": true}
	if _, ok := rs.Field("cohort_id"); ok {
		cols = append(cols, "cohort_id")
		seen["cohort_id"] = true
	}
	for _, f := range rs.Filters {
		if !seen[f.Column] {
			cols = append(cols, f.Column)
			seen[f.Column] = true
		}
	}

	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s(%s)", table, c, table, c)
	}
	return out
}

const proofRegistrySQLite = `
CREATE TABLE IF NOT EXISTS proof_registry (
	reclaim_proof_id TEXT PRIMARY KEY,
	data_type        TEXT NOT NULL,
	registered_at    TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);
CREATE INDEX IF NOT EXISTS idx_proof_registry_data_type ON proof_registry(data_type);
`

// registerProofSQL claims a reclaim proof id for a data type and returns the
// data type it is registered under, which differs on a cross-type conflict.
func registerProofSQL(placeholder string) string {
	return fmt.Sprintf(`INSERT INTO proof_registry (reclaim_proof_id, data_type) VALUES (%[1]s1, %[1]s2)
ON CONFLICT (reclaim_proof_id) DO UPDATE SET data_type = proof_registry.data_type
RETURNING data_type`, placeholder)
}

var selectColumns = strings.Join(recordColumns, ", ")
