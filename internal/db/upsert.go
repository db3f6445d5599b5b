package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpsertConfig defines the parameters for a bulk upsert operation.
type UpsertConfig struct {
	Table        string   // target table (e.g., "events")
	Columns      []string // all columns being inserted
	ConflictKeys []string // columns forming the unique constraint
	UpdateCols   []string // columns to update on conflict; nil = all non-conflict, non-returning columns
	Returning    string   // text column reported back per key; defaults to the first conflict key
}

// BulkResult reports the outcome of a bulk upsert keyed by the natural key.
// Keys of composite constraints are joined with ":".
type BulkResult struct {
	IDs      map[string]string // natural key -> persisted Returning value
	Failed   map[string]error  // natural key -> per-row failure
	Fallback bool              // set-based write failed and rows were written one by one
}

// NewBulkResult returns an empty result.
func NewBulkResult() *BulkResult {
	return &BulkResult{IDs: map[string]string{}, Failed: map[string]error{}}
}

// Upserted returns the number of rows that were written.
func (r *BulkResult) Upserted() int { return len(r.IDs) }

// Err joins the per-row failures, or returns nil.
func (r *BulkResult) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Failed))
	for key, err := range r.Failed {
		errs = append(errs, eris.Wrapf(err, "key %s", key))
	}
	return errors.Join(errs...)
}

// BulkUpsert performs a bulk upsert via a temp table and INSERT ... ON CONFLICT.
//  1. Creates a temp table with the same columns
//  2. COPY rows into the temp table
//  3. INSERT INTO target SELECT ... FROM temp ON CONFLICT (keys) DO UPDATE SET ... RETURNING
//  4. The temp table is dropped on commit
//
// If the set-based write fails, every row is retried on its own so one bad
// row cannot block the rest. Rows sharing a natural key are collapsed, last
// one wins. An error is returned only when nothing could be written.
func BulkUpsert(ctx context.Context, pool Pool, cfg UpsertConfig, rows [][]any) (*BulkResult, error) {
	res := NewBulkResult()
	if len(rows) == 0 {
		return res, nil
	}
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	rows, keys, err := Dedupe(cfg, rows)
	if err != nil {
		return nil, err
	}

	setErr := setUpsert(ctx, pool, cfg, rows, res)
	if setErr == nil {
		return res, nil
	}

	res.Fallback = true
	stmt := RowUpsertSQL(cfg, Dollar)
	for i, row := range rows {
		var id string
		if err := pool.QueryRow(ctx, stmt, row...).Scan(&id); err != nil {
			res.Failed[keys[i]] = err
			continue
		}
		res.IDs[keys[i]] = id
	}
	if len(res.IDs) == 0 {
		return res, eris.Wrapf(errors.Join(setErr, res.Err()), "db: upsert %s: no rows written", cfg.Table)
	}
	return res, nil
}

func setUpsert(ctx context.Context, pool Pool, cfg UpsertConfig, rows [][]any, res *BulkResult) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "db: upsert: begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tempTable := tempTableName(cfg.Table)

	createSQL := fmt.Sprintf(
		"CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		pgx.Identifier{tempTable}.Sanitize(),
		sanitizeTable(cfg.Table),
	)
	if _, err := tx.Exec(ctx, createSQL); err != nil {
		return eris.Wrapf(err, "db: upsert: create temp table for %s", cfg.Table)
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{tempTable}, cfg.Columns, pgx.CopyFromRows(rows)); err != nil {
		return eris.Wrapf(err, "db: upsert: COPY into temp table for %s", cfg.Table)
	}

	colList := quoteAndJoin(cfg.Columns)
	upsertSQL := fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) DO UPDATE SET %s RETURNING %s, %s",
		sanitizeTable(cfg.Table),
		colList,
		colList,
		pgx.Identifier{tempTable}.Sanitize(),
		quoteAndJoin(cfg.ConflictKeys),
		setClause(cfg),
		pgx.Identifier{cfg.Returning}.Sanitize(),
		quoteAndJoin(cfg.ConflictKeys),
	)

	result, err := tx.Query(ctx, upsertSQL)
	if err != nil {
		return eris.Wrapf(err, "db: upsert: INSERT ON CONFLICT for %s", cfg.Table)
	}
	ids := map[string]string{}
	for result.Next() {
		vals := make([]string, 1+len(cfg.ConflictKeys))
		dest := make([]any, len(vals))
		for i := range vals {
			dest[i] = &vals[i]
		}
		if err := result.Scan(dest...); err != nil {
			result.Close()
			return eris.Wrapf(err, "db: upsert: scan returning for %s", cfg.Table)
		}
		ids[strings.Join(vals[1:], ":")] = vals[0]
	}
	result.Close()
	if err := result.Err(); err != nil {
		return eris.Wrapf(err, "db: upsert: INSERT ON CONFLICT for %s", cfg.Table)
	}

	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "db: upsert: commit tx")
	}
	for k, v := range ids {
		res.IDs[k] = v
	}
	return nil
}

// Placeholder renders the n-th (1-based) bind parameter.
type Placeholder func(n int) string

// Dollar renders PostgreSQL placeholders ($1, $2, ...).
func Dollar(n int) string { return fmt.Sprintf("$%d", n) }

// Question renders SQLite placeholders (?).
func Question(int) string { return "?" }

// RowUpsertSQL builds a single-row INSERT ... ON CONFLICT DO UPDATE ... RETURNING
// statement for cfg. The syntax is shared by PostgreSQL and SQLite.
func RowUpsertSQL(cfg UpsertConfig, ph Placeholder) string {
	if cfg.Returning == "" && len(cfg.ConflictKeys) > 0 {
		cfg.Returning = cfg.ConflictKeys[0]
	}
	placeholders := make([]string, len(cfg.Columns))
	for i := range cfg.Columns {
		placeholders[i] = ph(i + 1)
	}
	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s RETURNING %s",
		sanitizeTable(cfg.Table),
		quoteAndJoin(cfg.Columns),
		strings.Join(placeholders, ", "),
		quoteAndJoin(cfg.ConflictKeys),
		setClause(cfg),
		pgx.Identifier{cfg.Returning}.Sanitize(),
	)
}

func setClause(cfg UpsertConfig) string {
	updateCols := cfg.UpdateCols
	if updateCols == nil {
		skip := make(map[string]bool, len(cfg.ConflictKeys)+1)
		for _, k := range cfg.ConflictKeys {
			skip[k] = true
		}
		skip[cfg.Returning] = true
		for _, c := range cfg.Columns {
			if !skip[c] {
				updateCols = append(updateCols, c)
			}
		}
	}
	if len(updateCols) == 0 {
		// DO UPDATE needs at least one assignment for RETURNING to report existing rows.
		k := pgx.Identifier{cfg.ConflictKeys[0]}.Sanitize()
		return fmt.Sprintf("%s = EXCLUDED.%s", k, k)
	}
	clauses := make([]string, len(updateCols))
	for i, col := range updateCols {
		c := pgx.Identifier{col}.Sanitize()
		clauses[i] = fmt.Sprintf("%s = EXCLUDED.%s", c, c)
	}
	return strings.Join(clauses, ", ")
}

func columnIndexes(columns, keys []string) ([]int, error) {
	idx := make([]int, len(keys))
	for i, k := range keys {
		idx[i] = -1
		for j, c := range columns {
			if c == k {
				idx[i] = j
				break
			}
		}
		if idx[i] < 0 {
			return nil, eris.Errorf("db: upsert: conflict key %q not in columns", k)
		}
	}
	return idx, nil
}

func (cfg UpsertConfig) normalize() (UpsertConfig, error) {
	if len(cfg.Columns) == 0 {
		return cfg, eris.New("db: upsert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return cfg, eris.New("db: upsert: no conflict keys specified")
	}
	if cfg.Returning == "" {
		cfg.Returning = cfg.ConflictKeys[0]
	}
	return cfg, nil
}

// Dedupe collapses rows sharing a natural key, keeping the last occurrence
// at the position of the first, and returns the key of each surviving row.
func Dedupe(cfg UpsertConfig, rows [][]any) ([][]any, []string, error) {
	keyIdx, err := columnIndexes(cfg.Columns, cfg.ConflictKeys)
	if err != nil {
		return nil, nil, err
	}
	out, keys := dedupeByIndex(rows, keyIdx)
	return out, keys, nil
}

func dedupeByIndex(rows [][]any, keyIdx []int) ([][]any, []string) {
	pos := make(map[string]int, len(rows))
	out := make([][]any, 0, len(rows))
	keys := make([]string, 0, len(rows))
	for _, row := range rows {
		parts := make([]string, len(keyIdx))
		for i, j := range keyIdx {
			parts[i] = fmt.Sprint(row[j])
		}
		key := strings.Join(parts, ":")
		if p, ok := pos[key]; ok {
			out[p] = row
			continue
		}
		pos[key] = len(out)
		out = append(out, row)
		keys = append(keys, key)
	}
	return out, keys
}

func tempTableName(table string) string {
	return "_tmp_upsert_" + strings.ReplaceAll(table, ".", "_")
}

func identifier(table string) pgx.Identifier {
	parts := strings.SplitN(table, ".", 2)
	return pgx.Identifier(parts)
}

// sanitizeTable handles schema-qualified table names like "public.events".
func sanitizeTable(table string) string {
	return identifier(table).Sanitize()
}

// quoteAndJoin quotes each column name and joins with commas.
func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
