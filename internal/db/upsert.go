package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpsertConfig defines a single-row INSERT ... ON CONFLICT statement.
type UpsertConfig struct {
	Table        string   // target table (e.g., "zomato_sellable_data")
	Columns      []string // all columns being inserted
	ConflictKeys []string // columns forming the unique constraint
	UpdateCols   []string // columns to update on conflict; nil = all non-conflict columns
	Returning    []string // optional RETURNING columns
	Placeholder  string   // parameter prefix; "" = "$", sqlite accepts "?"
}

// UpsertStatement renders the parameterized upsert for cfg. Placeholders are
// numbered in Columns order.
func UpsertStatement(cfg UpsertConfig) (string, error) {
	if len(cfg.Columns) == 0 {
		return "", eris.New("db: upsert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return "", eris.New("db: upsert: no conflict keys specified")
	}

	updateCols := cfg.UpdateCols
	if updateCols == nil {
		conflictSet := make(map[string]bool, len(cfg.ConflictKeys))
		for _, k := range cfg.ConflictKeys {
			conflictSet[k] = true
		}
		for _, c := range cfg.Columns {
			if !conflictSet[c] {
				updateCols = append(updateCols, c)
			}
		}
	}
	if len(updateCols) == 0 {
		return "", eris.New("db: upsert: nothing to update on conflict")
	}

	prefix := cfg.Placeholder
	if prefix == "" {
		prefix = "$"
	}
	placeholders := make([]string, len(cfg.Columns))
	for i := range cfg.Columns {
		placeholders[i] = fmt.Sprintf("%s%d", prefix, i+1)
	}

	setClauses := make([]string, len(updateCols))
	for i, col := range updateCols {
		id := pgx.Identifier{col}.Sanitize()
		setClauses[i] = fmt.Sprintf("%s = EXCLUDED.%s", id, id)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		sanitizeTable(cfg.Table),
		quoteAndJoin(cfg.Columns),
		strings.Join(placeholders, ", "),
		quoteAndJoin(cfg.ConflictKeys),
		strings.Join(setClauses, ", "),
	)
	if len(cfg.Returning) > 0 {
		fmt.Fprintf(&b, " RETURNING %s", quoteAndJoin(cfg.Returning))
	}
	return b.String(), nil
}

// UpdateConfig defines a keyed bulk update.
type UpdateConfig struct {
	Table      string   // target table
	KeyColumns []string // columns identifying the target row
	Columns    []string // columns to overwrite
}

// BulkUpdate rewrites Columns of existing rows in one transaction:
// 1. Creates an empty temp table shaped like the key and update columns
// 2. COPY rows into the temp table
// 3. UPDATE target ... FROM temp joined on the key columns
//
// Each row holds KeyColumns values followed by Columns values. Rows whose key
// matches nothing are ignored; the returned count is rows actually updated.
func BulkUpdate(ctx context.Context, pool Pool, cfg UpdateConfig, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(cfg.KeyColumns) == 0 {
		return 0, eris.New("db: bulk update: no key columns specified")
	}
	if len(cfg.Columns) == 0 {
		return 0, eris.New("db: bulk update: no columns specified")
	}

	allCols := append(append([]string{}, cfg.KeyColumns...), cfg.Columns...)
	for i, r := range rows {
		if len(r) != len(allCols) {
			return 0, eris.Errorf("db: bulk update: row %d has %d values, want %d", i, len(r), len(allCols))
		}
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: bulk update: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tempTable := tempTableName(cfg.Table)
	createSQL := fmt.Sprintf(
		"CREATE TEMP TABLE %s ON COMMIT DROP AS SELECT %s FROM %s WITH NO DATA",
		pgx.Identifier{tempTable}.Sanitize(),
		quoteAndJoin(allCols),
		sanitizeTable(cfg.Table),
	)
	if _, err := tx.Exec(ctx, createSQL); err != nil {
		return 0, eris.Wrapf(err, "db: bulk update: create temp table for %s", cfg.Table)
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{tempTable}, allCols, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: bulk update: COPY into temp table for %s", cfg.Table)
	}

	tag, err := tx.Exec(ctx, updateFromSQL(cfg, tempTable))
	if err != nil {
		return 0, eris.Wrapf(err, "db: bulk update: UPDATE FROM for %s", cfg.Table)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: bulk update: commit tx")
	}
	return tag.RowsAffected(), nil
}

func updateFromSQL(cfg UpdateConfig, tempTable string) string {
	setClauses := make([]string, len(cfg.Columns))
	for i, col := range cfg.Columns {
		id := pgx.Identifier{col}.Sanitize()
		setClauses[i] = fmt.Sprintf("%s = s.%s", id, id)
	}
	joins := make([]string, len(cfg.KeyColumns))
	for i, col := range cfg.KeyColumns {
		id := pgx.Identifier{col}.Sanitize()
		joins[i] = fmt.Sprintf("t.%s = s.%s", id, id)
	}
	return fmt.Sprintf("UPDATE %s AS t SET %s FROM %s AS s WHERE %s",
		sanitizeTable(cfg.Table),
		strings.Join(setClauses, ", "),
		pgx.Identifier{tempTable}.Sanitize(),
		strings.Join(joins, " AND "),
	)
}

func tempTableName(table string) string {
	return "_tmp_update_" + strings.ReplaceAll(table, ".", "_")
}

// sanitizeTable handles schema-qualified table names like "public.zomato_sellable_data".
func sanitizeTable(table string) string {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) == 2 {
		return pgx.Identifier{parts[0], parts[1]}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

// quoteAndJoin quotes each column name and joins with commas.
func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
