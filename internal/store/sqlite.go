package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/myrad-labs/myrad/internal/db"
	"github.com/myrad-labs/myrad/internal/index"
	"github.com/myrad-labs/myrad/internal/model"
	"github.com/myrad-labs/myrad/internal/resilience"
)

// sqliteTime is a fixed-width UTC layout so stored timestamps order
// lexically.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db      *sql.DB
	timeout time.Duration
	now     func() time.Time
}

// sqlitePragmas are applied by the driver to every pooled connection.
var sqlitePragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
	"foreign_keys(1)",
}

// sqliteDSN appends the connection pragmas to dsn as _pragma parameters.
func sqliteDSN(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	var b strings.Builder
	b.WriteString(dsn)
	for _, p := range sqlitePragmas {
		b.WriteString(sep)
		b.WriteString("_pragma=")
		b.WriteString(p)
		sep = "&"
	}
	return b.String()
}

// NewSQLite opens a SQLite database at the given path in WAL mode.
func NewSQLite(dsn string, timeout time.Duration) (*SQLiteStore, error) {
	conn, err := sql.Open("sqlite", sqliteDSN(dsn))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, eris.Wrap(err, "sqlite: ping")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &SQLiteStore{
		db:      conn,
		timeout: timeout,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *SQLiteStore) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	ctx, cancel := s.callContext(ctx)
	defer cancel()
	return resilience.NewPersistenceError("ping", s.db.PingContext(ctx))
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, proofRegistrySQLite); err != nil {
		return eris.Wrap(err, "sqlite: migrate proof registry")
	}
	for _, dt := range model.DataTypes {
		table, err := TableFor(dt)
		if err != nil {
			return err
		}
		rs, err := index.Rules(dt)
		if err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, sqliteDialect.createTableSQL(table)); err != nil {
			return eris.Wrapf(err, "sqlite: create %s", table)
		}
		existing, err := s.tableColumns(ctx, table)
		if err != nil {
			return err
		}
		for _, f := range rs.Fields {
			if existing[f.Column] {
				continue
			}
			stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, f.Column, sqliteDialect.columnType(f))
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return eris.Wrapf(err, "sqlite: add column %s.%s", table, f.Column)
			}
		}
		for _, stmt := range indexSQL(table, rs) {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return eris.Wrapf(err, "sqlite: index %s", table)
			}
		}
	}
	return nil
}

func (s *SQLiteStore) tableColumns(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: table info %s", table)
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan table info")
		}
		out[name] = true
	}
	return out, eris.Wrap(rows.Err(), "sqlite: table info iterate")
}

// sqliteValue converts a projected value into a SQLite argument; arrays are
// stored as JSON text.
func sqliteValue(v any) (any, error) {
	if arr, ok := v.([]string); ok {
		b, err := json.Marshal(arr)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: marshal array column")
		}
		return string(b), nil
	}
	return v, nil
}

func question(i int) string { return "?" + strconv.Itoa(i) }

func (s *SQLiteStore) Upsert(ctx context.Context, rec *model.SellableRecord) (*model.SellableRecord, error) {
	table, rs, err := validateRecord(rec)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.callContext(ctx)
	defer cancel()

	fields := rs.Normalize(rec.IndexedFields)
	indexedJSON, err := json.Marshal(fields)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal indexed fields")
	}
	now := s.now().Format(sqliteTime)
	id := rec.ID
	if id == "" {
		id = uuid.NewString()
	}
	status := rec.Status
	if status == "" {
		status = model.StatusNew
	}
	var metadata any
	if len(rec.Metadata) > 0 {
		metadata = string(rec.Metadata)
	}

	cols, updateCols := upsertColumns(rs)
	stmt, err := db.UpsertStatement(db.UpsertConfig{
		Table:        table,
		Columns:      cols,
		ConflictKeys: []string{"reclaim_proof_id"},
		UpdateCols:   updateCols,
		Returning:    recordColumns,
		Placeholder:  "?",
	})
	if err != nil {
		return nil, err
	}
	args := []any{
		id, rec.UserID, rec.ReclaimProofID, string(rec.DataType), string(status),
		string(rec.SellableData), metadata, string(indexedJSON), now, now,
	}
	for _, c := range rs.Columns() {
		v, err := sqliteValue(fields[c])
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, resilience.NewPersistenceError("upsert", eris.Wrap(err, "sqlite: begin tx"))
	}
	defer tx.Rollback() //nolint:errcheck

	var registered string
	if err := tx.QueryRowContext(ctx, registerProofSQL("?"), rec.ReclaimProofID, string(rec.DataType)).Scan(&registered); err != nil {
		return nil, resilience.NewPersistenceError("upsert", eris.Wrap(err, "sqlite: register proof"))
	}
	if registered != string(rec.DataType) {
		return nil, eris.Wrapf(resilience.ErrProofTypeConflict, "sqlite: %s is a %s proof", rec.ReclaimProofID, registered)
	}

	out, err := scanSQLite(tx.QueryRowContext(ctx, stmt, args...))
	if err != nil {
		return nil, resilience.NewPersistenceError("upsert", eris.Wrapf(err, "sqlite: upsert into %s", table))
	}
	if err := tx.Commit(); err != nil {
		return nil, resilience.NewPersistenceError("upsert", eris.Wrap(err, "sqlite: commit tx"))
	}
	return out, nil
}

func (s *SQLiteStore) tableOf(ctx context.Context, proofID string) (string, error) {
	var dt string
	err := s.db.QueryRowContext(ctx, "SELECT data_type FROM proof_registry WHERE reclaim_proof_id = ?", proofID).Scan(&dt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", eris.Wrapf(resilience.ErrNotFound, "sqlite: proof %s", proofID)
	}
	if err != nil {
		return "", resilience.NewPersistenceError("lookup", eris.Wrapf(err, "sqlite: lookup proof %s", proofID))
	}
	return TableFor(model.DataType(dt))
}

func (s *SQLiteStore) Get(ctx context.Context, reclaimProofID string) (*model.SellableRecord, error) {
	ctx, cancel := s.callContext(ctx)
	defer cancel()

	table, err := s.tableOf(ctx, reclaimProofID)
	if err != nil {
		return nil, err
	}
	rec, err := scanSQLite(s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE reclaim_proof_id = ?", selectColumns, table),
		reclaimProofID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(resilience.ErrNotFound, "sqlite: get %s", reclaimProofID)
	}
	if err != nil {
		return nil, resilience.NewPersistenceError("get", eris.Wrapf(err, "sqlite: get %s", reclaimProofID))
	}
	return rec, nil
}

func (s *SQLiteStore) List(ctx context.Context, filter ListFilter) ([]model.SellableRecord, error) {
	table, err := TableFor(filter.DataType)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.callContext(ctx)
	defer cancel()

	where, args := whereClause(filter, question, func(t time.Time) any { return t.UTC().Format(sqliteTime) })
	query := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY created_at DESC, id DESC", selectColumns, table, where)
	args = append(args, clampLimit(filter.Limit), filter.Offset)
	query += fmt.Sprintf(" LIMIT %s OFFSET %s", question(len(args)-1), question(len(args)))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, resilience.NewPersistenceError("list", eris.Wrapf(err, "sqlite: list %s", table))
	}
	defer rows.Close()

	var out []model.SellableRecord
	for rows.Next() {
		rec, err := scanSQLite(rows)
		if err != nil {
			return nil, resilience.NewPersistenceError("list", eris.Wrap(err, "sqlite: scan record"))
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, resilience.NewPersistenceError("list", eris.Wrap(err, "sqlite: iterate records"))
	}
	return out, nil
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, reclaimProofID string, status model.RecordStatus) (*model.SellableRecord, error) {
	if !status.Valid() {
		return nil, resilience.NewMalformedInput("status", fmt.Sprintf("unknown status %q", status))
	}
	ctx, cancel := s.callContext(ctx)
	defer cancel()

	table, err := s.tableOf(ctx, reclaimProofID)
	if err != nil {
		return nil, err
	}
	rec, err := scanSQLite(s.db.QueryRowContext(ctx,
		fmt.Sprintf("UPDATE %s SET status = ?1, updated_at = ?2 WHERE reclaim_proof_id = ?3 RETURNING %s", table, selectColumns),
		string(status), s.now().Format(sqliteTime), reclaimProofID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(resilience.ErrNotFound, "sqlite: update status %s", reclaimProofID)
	}
	if err != nil {
		return nil, resilience.NewPersistenceError("update_status", eris.Wrapf(err, "sqlite: update status %s", reclaimProofID))
	}
	return rec, nil
}

func (s *SQLiteStore) CohortStats(ctx context.Context, dt model.DataType, cohortID string) (*CohortStats, error) {
	table, err := TableFor(dt)
	if err != nil {
		return nil, err
	}
	rs, err := index.Rules(dt)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.callContext(ctx)
	defer cancel()

	numeric := rs.NumericColumns()
	stats := &CohortStats{Averages: make(map[string]*float64, len(numeric))}
	avgs := make([]sql.NullFloat64, len(numeric))
	dest := []any{&stats.Members}
	for i := range avgs {
		dest = append(dest, &avgs[i])
	}
	if err := s.db.QueryRowContext(ctx, cohortStatsSQL(table, numeric)+"?", cohortID).Scan(dest...); err != nil {
		return nil, resilience.NewPersistenceError("cohort_stats", eris.Wrapf(err, "sqlite: cohort stats %s", cohortID))
	}
	for i, c := range numeric {
		if avgs[i].Valid {
			v := avgs[i].Float64
			stats.Averages[c] = &v
		} else {
			stats.Averages[c] = nil
		}
	}
	return stats, nil
}

func (s *SQLiteStore) UpdateIndexedFields(ctx context.Context, dt model.DataType, updates []IndexedUpdate) (int64, error) {
	table, err := TableFor(dt)
	if err != nil {
		return 0, err
	}
	rs, err := index.Rules(dt)
	if err != nil {
		return 0, err
	}
	if len(updates) == 0 {
		return 0, nil
	}
	ctx, cancel := s.callContext(ctx)
	defer cancel()

	cols := append([]string{"indexed_fields"}, rs.Columns()...)
	set := ""
	for i, c := range cols {
		if i > 0 {
			set += ", "
		}
		set += fmt.Sprintf("%s = %s", c, question(i+1))
	}
	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE reclaim_proof_id = %s", table, set, question(len(cols)+1))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, resilience.NewPersistenceError("reindex", eris.Wrap(err, "sqlite: begin tx"))
	}
	defer tx.Rollback() //nolint:errcheck

	var total int64
	for _, u := range updates {
		fields := rs.Normalize(u.Fields)
		raw, err := json.Marshal(fields)
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: marshal indexed fields")
		}
		args := []any{string(raw)}
		for _, c := range rs.Columns() {
			v, err := sqliteValue(fields[c])
			if err != nil {
				return 0, err
			}
			args = append(args, v)
		}
		args = append(args, u.ReclaimProofID)
		res, err := tx.ExecContext(ctx, stmt, args...)
		if err != nil {
			return 0, resilience.NewPersistenceError("reindex", eris.Wrapf(err, "sqlite: reindex %s", u.ReclaimProofID))
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, resilience.NewPersistenceError("reindex", eris.Wrap(err, "sqlite: commit tx"))
	}
	return total, nil
}

func scanSQLite(row rowScanner) (*model.SellableRecord, error) {
	var rec model.SellableRecord
	var dt, status, sellable, indexed, created, updated string
	var metadata sql.NullString
	if err := row.Scan(&rec.ID, &rec.UserID, &rec.ReclaimProofID, &dt, &status,
		&sellable, &metadata, &indexed, &created, &updated); err != nil {
		return nil, err
	}
	rec.DataType = model.DataType(dt)
	rec.Status = model.RecordStatus(status)
	rec.SellableData = json.RawMessage(sellable)
	if metadata.Valid && metadata.String != "" {
		rec.Metadata = json.RawMessage(metadata.String)
	}
	var err error
	if rec.CreatedAt, err = time.Parse(sqliteTime, created); err != nil {
		return nil, eris.Wrap(err, "sqlite: parse created_at")
	}
	if rec.UpdatedAt, err = time.Parse(sqliteTime, updated); err != nil {
		return nil, eris.Wrap(err, "sqlite: parse updated_at")
	}
	if rec.IndexedFields, err = decodeIndexed(rec.DataType, []byte(indexed)); err != nil {
		return nil, err
	}
	return &rec, nil
}
