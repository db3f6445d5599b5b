package store

import (
	"context"
	"sort"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/wealth-intel/internal/db"
	"github.com/sells-group/wealth-intel/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS sources (
	id                      TEXT PRIMARY KEY,
	name                    TEXT NOT NULL,
	url                     TEXT NOT NULL UNIQUE,
	method                  TEXT NOT NULL DEFAULT 'http',
	headline_selector       TEXT NOT NULL DEFAULT '',
	link_selector           TEXT NOT NULL DEFAULT '',
	content_selector        TEXT NOT NULL DEFAULT '',
	status                  TEXT NOT NULL DEFAULT 'active',
	last_scraped_at         TIMESTAMPTZ,
	last_success_at         TIMESTAMPTZ,
	total_runs              INTEGER NOT NULL DEFAULT 0,
	total_successes         INTEGER NOT NULL DEFAULT 0,
	total_failures          INTEGER NOT NULL DEFAULT 0,
	total_scraped           INTEGER NOT NULL DEFAULT 0,
	total_relevant          INTEGER NOT NULL DEFAULT 0,
	last_run_headline_count INTEGER NOT NULL DEFAULT 0,
	consecutive_failures    INTEGER NOT NULL DEFAULT 0,
	last_error              TEXT NOT NULL DEFAULT '',
	failed_selector         TEXT NOT NULL DEFAULT '',
	created_at              TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at              TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_sources_status ON sources(status);

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
	key_individuals    JSONB NOT NULL DEFAULT '[]',
	tags               JSONB NOT NULL DEFAULT '[]',
	one_line_summary   TEXT NOT NULL DEFAULT '',
	enrichment_error   TEXT NOT NULL DEFAULT '',
	watchlist_hits     JSONB NOT NULL DEFAULT '[]',
	embedded           BOOLEAN NOT NULL DEFAULT false,
	emailed            BOOLEAN NOT NULL DEFAULT false,
	run_id             TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_articles_run_id ON articles(run_id);

CREATE TABLE IF NOT EXISTS events (
	id                      TEXT PRIMARY KEY,
	event_key               TEXT NOT NULL UNIQUE,
	headline                TEXT NOT NULL,
	summary                 TEXT NOT NULL DEFAULT '',
	advisor_summary         TEXT NOT NULL DEFAULT '',
	event_type              TEXT NOT NULL DEFAULT 'other',
	entities                JSONB NOT NULL DEFAULT '[]',
	countries               JSONB NOT NULL DEFAULT '[]',
	key_individuals         JSONB NOT NULL DEFAULT '[]',
	source_articles         JSONB NOT NULL DEFAULT '[]',
	highest_relevance_score INTEGER NOT NULL DEFAULT 0,
	related_opportunities   JSONB NOT NULL DEFAULT '[]',
	historical_context      JSONB NOT NULL DEFAULT '[]',
	date                    TEXT NOT NULL,
	run_id                  TEXT NOT NULL DEFAULT '',
	created_at              TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at              TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_events_date ON events(date);

CREATE TABLE IF NOT EXISTS opportunities (
	id                      TEXT PRIMARY KEY,
	opportunity_key         TEXT NOT NULL UNIQUE,
	reach_out_to            TEXT NOT NULL,
	entity_type             TEXT NOT NULL DEFAULT 'person',
	contact_details         JSONB NOT NULL DEFAULT '{}',
	why_contact             JSONB NOT NULL DEFAULT '[]',
	likely_mm_dollar_wealth DOUBLE PRECISION NOT NULL DEFAULT 0,
	source_event_id         TEXT NOT NULL REFERENCES events(id),
	source_event_key        TEXT NOT NULL DEFAULT '',
	source_article_id       TEXT NOT NULL REFERENCES articles(id),
	run_id                  TEXT NOT NULL DEFAULT '',
	created_at              TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at              TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_opportunities_source_event_id ON opportunities(source_event_id);

CREATE TABLE IF NOT EXISTS watchlist (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	type         TEXT NOT NULL DEFAULT 'person',
	search_terms JSONB NOT NULL DEFAULT '[]',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS run_verdicts (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	cost        JSONB NOT NULL DEFAULT '{}',
	stats       JSONB NOT NULL DEFAULT '{}',
	judgement   JSONB NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_run_verdicts_started_at ON run_verdicts(started_at DESC);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) ListSources(ctx context.Context, filter SourceFilter) ([]model.Source, error) {
	query, args, err := sourceQuery(psql, filter).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build list sources")
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sources")
	}
	defer rows.Close()

	var sources []model.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan source")
		}
		sources = append(sources, src)
	}
	return sources, eris.Wrap(rows.Err(), "postgres: list sources iterate")
}

func (s *PostgresStore) UpsertSources(ctx context.Context, sources []model.Source) (*db.BulkResult, error) {
	res, err := db.BulkUpsert(ctx, s.pool, sourceUpsert, sourceRows(sources, time.Now().UTC()))
	return res, eris.Wrap(err, "postgres: upsert sources")
}

const applyHealthSQL = `
UPDATE sources AS s SET
	total_runs = s.total_runs + 1,
	total_successes = s.total_successes + CASE WHEN u.success THEN 1 ELSE 0 END,
	total_failures = s.total_failures + CASE WHEN u.success THEN 0 ELSE 1 END,
	total_scraped = s.total_scraped + u.count,
	last_run_headline_count = u.count,
	consecutive_failures = CASE WHEN u.success THEN 0 ELSE s.consecutive_failures + 1 END,
	last_error = CASE WHEN u.success THEN '' ELSE u.error END,
	failed_selector = CASE WHEN u.success THEN '' ELSE u.failed_selector END,
	last_scraped_at = u.at,
	last_success_at = CASE WHEN u.success THEN u.at ELSE s.last_success_at END,
	status = CASE
		WHEN NOT u.success AND $7 > 0 AND s.status = 'active'
			AND s.total_runs + 1 >= $7 AND s.consecutive_failures + 1 >= $7
		THEN 'paused' ELSE s.status END,
	updated_at = now()
FROM unnest($1::text[], $2::bool[], $3::int[], $4::text[], $5::text[], $6::timestamptz[])
	AS u(id, success, count, error, failed_selector, at)
WHERE s.id = u.id`

// ApplySourceHealth commits one run's source analytics in a single statement.
func (s *PostgresStore) ApplySourceHealth(ctx context.Context, updates []model.SourceHealthUpdate, pruneMinRuns int) error {
	if len(updates) == 0 {
		return nil
	}
	n := len(updates)
	ids := make([]string, n)
	success := make([]bool, n)
	counts := make([]int, n)
	errs := make([]string, n)
	selectors := make([]string, n)
	ats := make([]time.Time, n)
	for i, u := range updates {
		ids[i] = u.SourceID
		success[i] = u.Success
		counts[i] = u.HeadlineCount
		errs[i] = u.Error
		selectors[i] = u.FailedSelector
		ats[i] = u.At
	}
	_, err := s.pool.Exec(ctx, applyHealthSQL, ids, success, counts, errs, selectors, ats, pruneMinRuns)
	return eris.Wrap(err, "postgres: apply source health")
}

func (s *PostgresStore) AddSourceRelevant(ctx context.Context, counts map[string]int) error {
	if len(counts) == 0 {
		return nil
	}
	ids := make([]string, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	ns := make([]int, len(ids))
	for i, id := range ids {
		ns[i] = counts[id]
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE sources AS s SET total_relevant = s.total_relevant + u.n, updated_at = now()
		 FROM unnest($1::text[], $2::int[]) AS u(id, n) WHERE s.id = u.id`,
		ids, ns,
	)
	return eris.Wrap(err, "postgres: add source relevant")
}

func (s *PostgresStore) ExistingLinks(ctx context.Context, links []string) (map[string]bool, error) {
	seen := make(map[string]bool)
	if len(links) == 0 {
		return seen, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT link FROM articles WHERE link = ANY($1)`, links)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: existing links")
	}
	defer rows.Close()
	for rows.Next() {
		var link string
		if err := rows.Scan(&link); err != nil {
			return nil, eris.Wrap(err, "postgres: scan link")
		}
		seen[link] = true
	}
	return seen, eris.Wrap(rows.Err(), "postgres: existing links iterate")
}

func (s *PostgresStore) UpsertArticles(ctx context.Context, articles []model.Article) (*db.BulkResult, error) {
	rows, err := articleRows(articles, time.Now().UTC())
	if err != nil {
		return nil, eris.Wrap(err, "postgres: upsert articles")
	}
	res, err := db.BulkUpsert(ctx, s.pool, articleUpsert, rows)
	return res, eris.Wrap(err, "postgres: upsert articles")
}

func (s *PostgresStore) UpsertEvents(ctx context.Context, events []model.SynthesizedEvent) (*db.BulkResult, error) {
	rows, err := eventRows(events, time.Now().UTC())
	if err != nil {
		return nil, eris.Wrap(err, "postgres: upsert events")
	}
	res, err := db.BulkUpsert(ctx, s.pool, eventUpsert, rows)
	return res, eris.Wrap(err, "postgres: upsert events")
}

func (s *PostgresStore) UpsertOpportunities(ctx context.Context, opps []model.Opportunity) (*db.BulkResult, error) {
	rows, err := opportunityRows(opps, time.Now().UTC())
	if err != nil {
		return nil, eris.Wrap(err, "postgres: upsert opportunities")
	}
	res, err := db.BulkUpsert(ctx, s.pool, opportunityUpsert, rows)
	return res, eris.Wrap(err, "postgres: upsert opportunities")
}

// SetEventOpportunities merges opportunityIDs into the event's related list.
func (s *PostgresStore) SetEventOpportunities(ctx context.Context, eventID string, opportunityIDs []string) error {
	ids, err := jsonText(uniqueStrings(opportunityIDs))
	if err != nil {
		return eris.Wrap(err, "postgres: marshal opportunity ids")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE events SET related_opportunities = (
			SELECT COALESCE(jsonb_agg(DISTINCT v), '[]'::jsonb)
			FROM jsonb_array_elements_text(related_opportunities || $2::jsonb) AS v
		), updated_at = now() WHERE id = $1`,
		eventID, ids,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set event opportunities %s", eventID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("event not found: %s", eventID)
	}
	return nil
}

func (s *PostgresStore) ListWatchlist(ctx context.Context) ([]model.WatchlistEntity, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, type, search_terms FROM watchlist ORDER BY name`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list watchlist")
	}
	defer rows.Close()

	var out []model.WatchlistEntity
	for rows.Next() {
		w, err := scanWatchlist(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan watchlist")
		}
		out = append(out, w)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list watchlist iterate")
}

func (s *PostgresStore) UpsertWatchlist(ctx context.Context, entities []model.WatchlistEntity) (*db.BulkResult, error) {
	rows, err := watchlistRows(entities)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: upsert watchlist")
	}
	res, err := db.BulkUpsert(ctx, s.pool, watchlistUpsert, rows)
	return res, eris.Wrap(err, "postgres: upsert watchlist")
}

// InsertRunVerdict appends v via COPY; verdicts are never updated.
func (s *PostgresStore) InsertRunVerdict(ctx context.Context, v *model.RunVerdict) error {
	v.ID = newID(v.ID)
	row, err := verdictRow(v)
	if err != nil {
		return eris.Wrap(err, "postgres: insert run verdict")
	}
	_, err = db.CopyFrom(ctx, s.pool, "run_verdicts", verdictColumns, [][]any{row})
	return eris.Wrap(err, "postgres: insert run verdict")
}

func (s *PostgresStore) ListRunVerdicts(ctx context.Context, filter VerdictFilter) ([]model.RunVerdict, error) {
	query, args, err := verdictQuery(psql, filter).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build list verdicts")
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list verdicts")
	}
	defer rows.Close()

	var out []model.RunVerdict
	for rows.Next() {
		v, err := scanVerdict(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan verdict")
		}
		out = append(out, v)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list verdicts iterate")
}
