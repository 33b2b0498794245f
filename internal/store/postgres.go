package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/myrad-labs/myrad/internal/db"
	"github.com/myrad-labs/myrad/internal/index"
	"github.com/myrad-labs/myrad/internal/model"
	"github.com/myrad-labs/myrad/internal/resilience"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// migrationLockID serializes concurrent migrate runs across processes.
const migrationLockID = 4471203

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
	timeout time.Duration
	now     func() time.Time
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns     int32
	MinConns     int32
	QueryTimeout time.Duration
}

// NewPostgres creates a PostgresStore with a bounded connection pool. Every
// store call runs under QueryTimeout, which also bounds pool acquisition.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	timeout := 5 * time.Second
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
		if poolCfg.QueryTimeout > 0 {
			timeout = poolCfg.QueryTimeout
		}
	}
	if minConns > maxConns {
		minConns = maxConns
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, resilience.NewPersistenceError("ping", eris.Wrap(err, "postgres: ping"))
	}
	return NewPostgresWithPool(pool, timeout), nil
}

// NewPostgresWithPool wraps an existing pool.
func NewPostgresWithPool(pool db.Pool, timeout time.Duration) *PostgresStore {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &PostgresStore{
		pool:    pool,
		closeFn: pool.Close,
		timeout: timeout,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

func (s *PostgresStore) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := s.callContext(ctx)
	defer cancel()
	return resilience.NewPersistenceError("ping", s.pool.Ping(ctx))
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Migrate applies pending embedded migrations in lexicographic order under
// an advisory lock, then brings every provider table up to its rule set.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	log := zap.L().With(zap.String("component", "store.migrate"))

	if _, err := s.pool.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return eris.Wrap(err, "postgres: acquire migration advisory lock")
	}
	defer func() {
		if _, err := s.pool.Exec(ctx, "SELECT pg_advisory_unlock($1)", migrationLockID); err != nil {
			log.Warn("postgres: failed to release migration advisory lock", zap.Error(err))
		}
	}()

	if _, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
	filename   TEXT PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`); err != nil {
		return eris.Wrap(err, "postgres: ensure migration table")
	}

	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return eris.Wrap(err, "postgres: read migration dir")
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	applied, err := s.appliedMigrations(ctx)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		name := entry.Name()
		if applied[name] {
			continue
		}
		data, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return eris.Wrapf(err, "postgres: read migration %s", name)
		}
		log.Info("applying migration", zap.String("file", name))
		if _, err := s.pool.Exec(ctx, string(data)); err != nil {
			return eris.Wrapf(err, "postgres: apply migration %s", name)
		}
		if _, err := s.pool.Exec(ctx,
			"INSERT INTO schema_migrations (filename, applied_at) VALUES ($1, now())", name,
		); err != nil {
			return eris.Wrapf(err, "postgres: record migration %s", name)
		}
	}

	for _, dt := range model.DataTypes {
		if err := s.ensureProviderTable(ctx, dt); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, "SELECT filename FROM schema_migrations")
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query applied migrations")
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrap(err, "postgres: scan migration row")
		}
		applied[name] = true
	}
	return applied, rows.Err()
}

func (s *PostgresStore) ensureProviderTable(ctx context.Context, dt model.DataType) error {
	table, err := TableFor(dt)
	if err != nil {
		return err
	}
	rs, err := index.Rules(dt)
	if err != nil {
		return err
	}

	stmts := []string{postgresDialect.createTableSQL(table)}
	for _, f := range rs.Fields {
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s",
			table, f.Column, postgresDialect.columnType(f)))
	}
	stmts = append(stmts, indexSQL(table, rs)...)

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return eris.Wrapf(err, "postgres: ensure table %s", table)
		}
	}
	return nil
}

func (s *PostgresStore) Upsert(ctx context.Context, rec *model.SellableRecord) (*model.SellableRecord, error) {
	table, rs, err := validateRecord(rec)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.callContext(ctx)
	defer cancel()

	fields := rs.Normalize(rec.IndexedFields)
	indexedJSON, err := json.Marshal(fields)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal indexed fields")
	}

	now := s.now()
	id := rec.ID
	if id == "" {
		id = uuid.NewString()
	}
	status := rec.Status
	if status == "" {
		status = model.StatusNew
	}
	var metadata []byte
	if len(rec.Metadata) > 0 {
		metadata = rec.Metadata
	}

	cols, updateCols := upsertColumns(rs)
	sql, err := db.UpsertStatement(db.UpsertConfig{
		Table:        table,
		Columns:      cols,
		ConflictKeys: []string{"reclaim_proof_id"},
		UpdateCols:   updateCols,
		Returning:    []string{"id", "user_id", "status", "created_at", "updated_at"},
	})
	if err != nil {
		return nil, err
	}
	args := []any{
		id, rec.UserID, rec.ReclaimProofID, string(rec.DataType), string(status),
		[]byte(rec.SellableData), metadata, indexedJSON, now, now,
	}
	for _, c := range rs.Columns() {
		args = append(args, fields[c])
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, resilience.NewPersistenceError("upsert", eris.Wrap(err, "postgres: begin tx"))
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var registered string
	if err := tx.QueryRow(ctx, registerProofSQL("$"), rec.ReclaimProofID, string(rec.DataType)).Scan(&registered); err != nil {
		return nil, resilience.NewPersistenceError("upsert", eris.Wrap(err, "postgres: register proof"))
	}
	if registered != string(rec.DataType) {
		return nil, eris.Wrapf(resilience.ErrProofTypeConflict, "postgres: %s is a %s proof", rec.ReclaimProofID, registered)
	}

	out := *rec
	out.Metadata = metadata
	out.IndexedFields = fields
	var outStatus string
	if err := tx.QueryRow(ctx, sql, args...).Scan(&out.ID, &out.UserID, &outStatus, &out.CreatedAt, &out.UpdatedAt); err != nil {
		return nil, resilience.NewPersistenceError("upsert", eris.Wrapf(err, "postgres: upsert into %s", table))
	}
	out.Status = model.RecordStatus(outStatus)

	if err := tx.Commit(ctx); err != nil {
		return nil, resilience.NewPersistenceError("upsert", eris.Wrap(err, "postgres: commit tx"))
	}
	return &out, nil
}

func (s *PostgresStore) dataTypeOf(ctx context.Context, proofID string) (model.DataType, error) {
	var dt string
	err := s.pool.QueryRow(ctx, "SELECT data_type FROM proof_registry WHERE reclaim_proof_id = $1", proofID).Scan(&dt)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", eris.Wrapf(resilience.ErrNotFound, "postgres: proof %s", proofID)
	}
	if err != nil {
		return "", resilience.NewPersistenceError("lookup", eris.Wrapf(err, "postgres: lookup proof %s", proofID))
	}
	return model.DataType(dt), nil
}

func (s *PostgresStore) Get(ctx context.Context, reclaimProofID string) (*model.SellableRecord, error) {
	ctx, cancel := s.callContext(ctx)
	defer cancel()

	dt, err := s.dataTypeOf(ctx, reclaimProofID)
	if err != nil {
		return nil, err
	}
	table, err := TableFor(dt)
	if err != nil {
		return nil, err
	}
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE reclaim_proof_id = $1", selectColumns, table),
		reclaimProofID,
	)
	rec, err := scanPostgres(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(resilience.ErrNotFound, "postgres: get %s", reclaimProofID)
	}
	if err != nil {
		return nil, resilience.NewPersistenceError("get", eris.Wrapf(err, "postgres: get %s", reclaimProofID))
	}
	return rec, nil
}

// whereClause renders the conjunctive filter with numbered placeholders
// starting at 1. timeArg converts date bounds into driver arguments.
func whereClause(filter ListFilter, placeholder func(int) string, timeArg func(time.Time) any) (string, []any) {
	var conds []string
	var args []any
	add := func(expr string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(expr, placeholder(len(args))))
	}
	if filter.UserID != "" {
		add("user_id = %s", filter.UserID)
	}
	if filter.CreatedFrom != nil {
		add("created_at >= %s", timeArg(*filter.CreatedFrom))
	}
	if filter.CreatedBefore != nil {
		add("created_at < %s", timeArg(*filter.CreatedBefore))
	}
	for _, c := range filter.Conditions {
		var op string
		switch c.Op {
		case index.OpGTE:
			op = ">="
		case index.OpLTE:
			op = "<="
		default:
			op = "="
		}
		add(pgx.Identifier{c.Column}.Sanitize()+" "+op+" %s", c.Value)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func dollar(i int) string { return fmt.Sprintf("$%d", i) }

func (s *PostgresStore) List(ctx context.Context, filter ListFilter) ([]model.SellableRecord, error) {
	table, err := TableFor(filter.DataType)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.callContext(ctx)
	defer cancel()

	where, args := whereClause(filter, dollar, func(t time.Time) any { return t.UTC() })
	query := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY created_at DESC, id DESC", selectColumns, table, where)
	args = append(args, clampLimit(filter.Limit))
	query += " LIMIT " + dollar(len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += " OFFSET " + dollar(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, resilience.NewPersistenceError("list", eris.Wrapf(err, "postgres: list %s", table))
	}
	defer rows.Close()

	var out []model.SellableRecord
	for rows.Next() {
		rec, err := scanPostgres(rows)
		if err != nil {
			return nil, resilience.NewPersistenceError("list", eris.Wrap(err, "postgres: scan record"))
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, resilience.NewPersistenceError("list", eris.Wrap(err, "postgres: iterate records"))
	}
	return out, nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, reclaimProofID string, status model.RecordStatus) (*model.SellableRecord, error) {
	if !status.Valid() {
		return nil, resilience.NewMalformedInput("status", fmt.Sprintf("unknown status %q", status))
	}
	ctx, cancel := s.callContext(ctx)
	defer cancel()

	dt, err := s.dataTypeOf(ctx, reclaimProofID)
	if err != nil {
		return nil, err
	}
	table, err := TableFor(dt)
	if err != nil {
		return nil, err
	}
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf("UPDATE %s SET status = $1, updated_at = $2 WHERE reclaim_proof_id = $3 RETURNING %s", table, selectColumns),
		string(status), s.now(), reclaimProofID,
	)
	rec, err := scanPostgres(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(resilience.ErrNotFound, "postgres: update status %s", reclaimProofID)
	}
	if err != nil {
		return nil, resilience.NewPersistenceError("update_status", eris.Wrapf(err, "postgres: update status %s", reclaimProofID))
	}
	return rec, nil
}

// cohortStatsSQL counts a cohort and averages its numeric columns.
func cohortStatsSQL(table string, numeric []string) string {
	parts := []string{"count(*)"}
	for _, c := range numeric {
		parts = append(parts, fmt.Sprintf("avg(%s)", c))
	}
	return fmt.Sprintf("SELECT %s FROM %s WHERE cohort_id = ", strings.Join(parts, ", "), table)
}

func (s *PostgresStore) CohortStats(ctx context.Context, dt model.DataType, cohortID string) (*CohortStats, error) {
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
	dest := []any{&stats.Members}
	avgs := make([]*float64, len(numeric))
	for i := range avgs {
		dest = append(dest, &avgs[i])
	}
	if err := s.pool.QueryRow(ctx, cohortStatsSQL(table, numeric)+"$1", cohortID).Scan(dest...); err != nil {
		return nil, resilience.NewPersistenceError("cohort_stats", eris.Wrapf(err, "postgres: cohort stats %s", cohortID))
	}
	for i, c := range numeric {
		stats.Averages[c] = avgs[i]
	}
	return stats, nil
}

func (s *PostgresStore) UpdateIndexedFields(ctx context.Context, dt model.DataType, updates []IndexedUpdate) (int64, error) {
	table, err := TableFor(dt)
	if err != nil {
		return 0, err
	}
	rs, err := index.Rules(dt)
	if err != nil {
		return 0, err
	}
	ctx, cancel := s.callContext(ctx)
	defer cancel()

	rows := make([][]any, 0, len(updates))
	for _, u := range updates {
		fields := rs.Normalize(u.Fields)
		raw, err := json.Marshal(fields)
		if err != nil {
			return 0, eris.Wrap(err, "postgres: marshal indexed fields")
		}
		row := []any{u.ReclaimProofID, raw}
		for _, c := range rs.Columns() {
			row = append(row, fields[c])
		}
		rows = append(rows, row)
	}

	n, err := db.BulkUpdate(ctx, s.pool, db.UpdateConfig{
		Table:      table,
		KeyColumns: []string{"reclaim_proof_id"},
		Columns:    append([]string{"indexed_fields"}, rs.Columns()...),
	}, rows)
	if err != nil {
		return 0, resilience.NewPersistenceError("reindex", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPostgres(row rowScanner) (*model.SellableRecord, error) {
	var rec model.SellableRecord
	var dt, status string
	var sellable, metadata, indexed []byte
	if err := row.Scan(&rec.ID, &rec.UserID, &rec.ReclaimProofID, &dt, &status,
		&sellable, &metadata, &indexed, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.DataType = model.DataType(dt)
	rec.Status = model.RecordStatus(status)
	rec.SellableData = sellable
	if len(metadata) > 0 {
		rec.Metadata = metadata
	}
	fields, err := decodeIndexed(rec.DataType, indexed)
	if err != nil {
		return nil, err
	}
	rec.IndexedFields = fields
	return &rec, nil
}

func decodeIndexed(dt model.DataType, raw []byte) (model.IndexedFields, error) {
	rs, err := index.Rules(dt)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, eris.Wrap(err, "store: decode indexed fields")
		}
	}
	return rs.Normalize(m), nil
}
