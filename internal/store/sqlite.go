package store

import (
	"context"
	"database/sql"
	"sort"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/wealth-intel/internal/db"
	"github.com/sells-group/wealth-intel/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Bulk writes run
// row by row inside one transaction per call.
type SQLiteStore struct {
	db *sql.DB
}

var sqlb = sq.StatementBuilder.PlaceholderFormat(sq.Question)

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS sources (
	id                      TEXT PRIMARY KEY,
	name                    TEXT NOT NULL,
	url                     TEXT NOT NULL UNIQUE,
	method                  TEXT NOT NULL DEFAULT 'http',
	headline_selector       TEXT NOT NULL DEFAULT '',
	link_selector           TEXT NOT NULL DEFAULT '',
	content_selector        TEXT NOT NULL DEFAULT '',
	status                  TEXT NOT NULL DEFAULT 'active',
	last_scraped_at         DATETIME,
	last_success_at         DATETIME,
	total_runs              INTEGER NOT NULL DEFAULT 0,
	total_successes         INTEGER NOT NULL DEFAULT 0,
	total_failures          INTEGER NOT NULL DEFAULT 0,
	total_scraped           INTEGER NOT NULL DEFAULT 0,
	total_relevant          INTEGER NOT NULL DEFAULT 0,
	last_run_headline_count INTEGER NOT NULL DEFAULT 0,
	consecutive_failures    INTEGER NOT NULL DEFAULT 0,
	last_error              TEXT NOT NULL DEFAULT '',
	failed_selector         TEXT NOT NULL DEFAULT '',
	created_at              DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at              DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS articles (
	id                 TEXT PRIMARY KEY,
	link               TEXT NOT NULL UNIQUE,
	headline           TEXT NOT NULL,
	source_id          TEXT NOT NULL DEFAULT '',
	source_name        TEXT NOT NULL DEFAULT '',
	snippet            TEXT NOT NULL DEFAULT '',
	content            TEXT NOT NULL DEFAULT '',
	relevance_headline TEXT NOT NULL DEFAULT '',
	relevance_article  INTEGER NOT NULL DEFAULT 0,
	assessment_article TEXT NOT NULL DEFAULT '',
	transaction_type   TEXT NOT NULL DEFAULT '',
	key_individuals    TEXT NOT NULL DEFAULT '[]',
	tags               TEXT NOT NULL DEFAULT '[]',
	one_line_summary   TEXT NOT NULL DEFAULT '',
	enrichment_error   TEXT NOT NULL DEFAULT '',
	watchlist_hits     TEXT NOT NULL DEFAULT '[]',
	embedded           BOOLEAN NOT NULL DEFAULT 0,
	emailed            BOOLEAN NOT NULL DEFAULT 0,
	run_id             TEXT NOT NULL DEFAULT '',
	created_at         DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at         DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS events (
	id                      TEXT PRIMARY KEY,
	event_key               TEXT NOT NULL UNIQUE,
	headline                TEXT NOT NULL,
	summary                 TEXT NOT NULL DEFAULT '',
	advisor_summary         TEXT NOT NULL DEFAULT '',
	event_type              TEXT NOT NULL DEFAULT 'other',
	entities                TEXT NOT NULL DEFAULT '[]',
	countries               TEXT NOT NULL DEFAULT '[]',
	key_individuals         TEXT NOT NULL DEFAULT '[]',
	source_articles         TEXT NOT NULL DEFAULT '[]',
	highest_relevance_score INTEGER NOT NULL DEFAULT 0,
	related_opportunities   TEXT NOT NULL DEFAULT '[]',
	historical_context      TEXT NOT NULL DEFAULT '[]',
	date                    TEXT NOT NULL,
	run_id                  TEXT NOT NULL DEFAULT '',
	created_at              DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at              DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS opportunities (
	id                      TEXT PRIMARY KEY,
	opportunity_key         TEXT NOT NULL UNIQUE,
	reach_out_to            TEXT NOT NULL,
	entity_type             TEXT NOT NULL DEFAULT 'person',
	contact_details         TEXT NOT NULL DEFAULT '{}',
	why_contact             TEXT NOT NULL DEFAULT '[]',
	likely_mm_dollar_wealth REAL NOT NULL DEFAULT 0,
	source_event_id         TEXT NOT NULL REFERENCES events(id),
	source_event_key        TEXT NOT NULL DEFAULT '',
	source_article_id       TEXT NOT NULL REFERENCES articles(id),
	run_id                  TEXT NOT NULL DEFAULT '',
	created_at              DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at              DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS watchlist (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	type         TEXT NOT NULL DEFAULT 'person',
	search_terms TEXT NOT NULL DEFAULT '[]',
	created_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS run_verdicts (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL,
	started_at  DATETIME NOT NULL,
	finished_at DATETIME NOT NULL,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	cost        TEXT NOT NULL DEFAULT '{}',
	stats       TEXT NOT NULL DEFAULT '{}',
	judgement   TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_sources_status ON sources(status);
CREATE INDEX IF NOT EXISTS idx_articles_run_id ON articles(run_id);
CREATE INDEX IF NOT EXISTS idx_events_date ON events(date);
CREATE INDEX IF NOT EXISTS idx_opportunities_source_event_id ON opportunities(source_event_id);
CREATE INDEX IF NOT EXISTS idx_run_verdicts_started_at ON run_verdicts(started_at);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) ListSources(ctx context.Context, filter SourceFilter) ([]model.Source, error) {
	query, args, err := sourceQuery(sqlb, filter).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build list sources")
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sources")
	}
	defer rows.Close()

	var sources []model.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan source")
		}
		sources = append(sources, src)
	}
	return sources, eris.Wrap(rows.Err(), "sqlite: list sources iterate")
}

func (s *SQLiteStore) UpsertSources(ctx context.Context, sources []model.Source) (*db.BulkResult, error) {
	res, err := s.upsertRows(ctx, sourceUpsert, sourceRows(sources, time.Now().UTC()))
	return res, eris.Wrap(err, "sqlite: upsert sources")
}

const sqliteApplyHealthSQL = `
UPDATE sources SET
	total_runs = total_runs + 1,
	total_successes = total_successes + CASE WHEN ?1 THEN 1 ELSE 0 END,
	total_failures = total_failures + CASE WHEN ?1 THEN 0 ELSE 1 END,
	total_scraped = total_scraped + ?2,
	last_run_headline_count = ?2,
	consecutive_failures = CASE WHEN ?1 THEN 0 ELSE consecutive_failures + 1 END,
	last_error = CASE WHEN ?1 THEN '' ELSE ?3 END,
	failed_selector = CASE WHEN ?1 THEN '' ELSE ?4 END,
	last_scraped_at = ?5,
	last_success_at = CASE WHEN ?1 THEN ?5 ELSE last_success_at END,
	status = CASE
		WHEN NOT ?1 AND ?6 > 0 AND status = 'active'
			AND total_runs + 1 >= ?6 AND consecutive_failures + 1 >= ?6
		THEN 'paused' ELSE status END,
	updated_at = ?7
WHERE id = ?8`

// ApplySourceHealth commits one run's source analytics in a single transaction.
func (s *SQLiteStore) ApplySourceHealth(ctx context.Context, updates []model.SourceHealthUpdate, pruneMinRuns int) error {
	if len(updates) == 0 {
		return nil
	}
	now := time.Now().UTC()
	return s.inTx(ctx, "apply source health", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, sqliteApplyHealthSQL)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, u := range updates {
			if _, err := stmt.ExecContext(ctx,
				u.Success, u.HeadlineCount, u.Error, u.FailedSelector, u.At.UTC(), pruneMinRuns, now, u.SourceID,
			); err != nil {
				return eris.Wrapf(err, "source %s", u.SourceID)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) AddSourceRelevant(ctx context.Context, counts map[string]int) error {
	if len(counts) == 0 {
		return nil
	}
	ids := make([]string, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	now := time.Now().UTC()
	return s.inTx(ctx, "add source relevant", func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx,
				`UPDATE sources SET total_relevant = total_relevant + ?, updated_at = ? WHERE id = ?`,
				counts[id], now, id,
			); err != nil {
				return eris.Wrapf(err, "source %s", id)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) ExistingLinks(ctx context.Context, links []string) (map[string]bool, error) {
	seen := make(map[string]bool)
	if len(links) == 0 {
		return seen, nil
	}
	query, args, err := sqlb.Select("link").From("articles").Where(sq.Eq{"link": links}).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build existing links")
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: existing links")
	}
	defer rows.Close()
	for rows.Next() {
		var link string
		if err := rows.Scan(&link); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan link")
		}
		seen[link] = true
	}
	return seen, eris.Wrap(rows.Err(), "sqlite: existing links iterate")
}

func (s *SQLiteStore) UpsertArticles(ctx context.Context, articles []model.Article) (*db.BulkResult, error) {
	rows, err := articleRows(articles, time.Now().UTC())
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: upsert articles")
	}
	res, err := s.upsertRows(ctx, articleUpsert, rows)
	return res, eris.Wrap(err, "sqlite: upsert articles")
}

func (s *SQLiteStore) UpsertEvents(ctx context.Context, events []model.SynthesizedEvent) (*db.BulkResult, error) {
	rows, err := eventRows(events, time.Now().UTC())
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: upsert events")
	}
	res, err := s.upsertRows(ctx, eventUpsert, rows)
	return res, eris.Wrap(err, "sqlite: upsert events")
}

func (s *SQLiteStore) UpsertOpportunities(ctx context.Context, opps []model.Opportunity) (*db.BulkResult, error) {
	rows, err := opportunityRows(opps, time.Now().UTC())
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: upsert opportunities")
	}
	res, err := s.upsertRows(ctx, opportunityUpsert, rows)
	return res, eris.Wrap(err, "sqlite: upsert opportunities")
}

// SetEventOpportunities merges opportunityIDs into the event's related list.
func (s *SQLiteStore) SetEventOpportunities(ctx context.Context, eventID string, opportunityIDs []string) error {
	ids, err := jsonText(uniqueStrings(opportunityIDs))
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal opportunity ids")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET related_opportunities = (
			SELECT json_group_array(value) FROM (
				SELECT value FROM json_each(events.related_opportunities)
				UNION
				SELECT value FROM json_each(?)
			)
		), updated_at = ? WHERE id = ?`,
		ids, time.Now().UTC(), eventID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set event opportunities %s", eventID)
	}
	return checkRowsAffected(res, "event", eventID)
}

func (s *SQLiteStore) ListWatchlist(ctx context.Context) ([]model.WatchlistEntity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, type, search_terms FROM watchlist ORDER BY name`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list watchlist")
	}
	defer rows.Close()

	var out []model.WatchlistEntity
	for rows.Next() {
		w, err := scanWatchlist(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan watchlist")
		}
		out = append(out, w)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list watchlist iterate")
}

func (s *SQLiteStore) UpsertWatchlist(ctx context.Context, entities []model.WatchlistEntity) (*db.BulkResult, error) {
	rows, err := watchlistRows(entities)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: upsert watchlist")
	}
	res, err := s.upsertRows(ctx, watchlistUpsert, rows)
	return res, eris.Wrap(err, "sqlite: upsert watchlist")
}

func (s *SQLiteStore) InsertRunVerdict(ctx context.Context, v *model.RunVerdict) error {
	v.ID = newID(v.ID)
	row, err := verdictRow(v)
	if err != nil {
		return eris.Wrap(err, "sqlite: insert run verdict")
	}
	query, args, err := sqlb.Insert("run_verdicts").Columns(verdictColumns...).Values(row...).ToSql()
	if err != nil {
		return eris.Wrap(err, "sqlite: build insert run verdict")
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return eris.Wrap(err, "sqlite: insert run verdict")
}

func (s *SQLiteStore) ListRunVerdicts(ctx context.Context, filter VerdictFilter) ([]model.RunVerdict, error) {
	query, args, err := verdictQuery(sqlb, filter).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build list verdicts")
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list verdicts")
	}
	defer rows.Close()

	var out []model.RunVerdict
	for rows.Next() {
		v, err := scanVerdict(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan verdict")
		}
		out = append(out, v)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list verdicts iterate")
}

// upsertRows writes each row with its own statement so a failing row is
// recorded in the result without aborting its siblings.
func (s *SQLiteStore) upsertRows(ctx context.Context, cfg db.UpsertConfig, rows [][]any) (*db.BulkResult, error) {
	res := db.NewBulkResult()
	if len(rows) == 0 {
		return res, nil
	}
	rows, keys, err := db.Dedupe(cfg, rows)
	if err != nil {
		return nil, err
	}
	stmt := db.RowUpsertSQL(cfg, db.Question)
	for i, row := range rows {
		var id string
		if err := s.db.QueryRowContext(ctx, stmt, row...).Scan(&id); err != nil {
			res.Failed[keys[i]] = err
			continue
		}
		res.IDs[keys[i]] = id
	}
	if len(res.IDs) == 0 {
		return res, eris.Wrapf(res.Err(), "upsert %s: no rows written", cfg.Table)
	}
	return res, nil
}

func (s *SQLiteStore) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrapf(err, "sqlite: %s: begin tx", op)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return eris.Wrapf(err, "sqlite: %s", op)
	}
	return eris.Wrapf(tx.Commit(), "sqlite: %s: commit", op)
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}
