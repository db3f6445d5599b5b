package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var eventCfg = UpsertConfig{
	Table:        "events",
	Columns:      []string{"id", "event_key", "headline"},
	ConflictKeys: []string{"event_key"},
	Returning:    "id",
}

func TestBulkUpsert_EmptyRows(t *testing.T) {
	res, err := BulkUpsert(context.TODO(), nil, eventCfg, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Upserted())
	assert.NoError(t, res.Err())
}

func TestBulkUpsert_NoColumns(t *testing.T) {
	_, err := BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table:        "events",
		ConflictKeys: []string{"event_key"},
	}, [][]any{{1, "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")
}

func TestBulkUpsert_NoConflictKeys(t *testing.T) {
	_, err := BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table:   "events",
		Columns: []string{"id", "name"},
	}, [][]any{{1, "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")
}

func TestBulkUpsert_UnknownConflictKey(t *testing.T) {
	_, err := BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table:        "events",
		Columns:      []string{"id", "name"},
		ConflictKeys: []string{"event_key"},
	}, [][]any{{1, "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `conflict key "event_key" not in columns`)
}

func TestBulkUpsert_SetBased(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_events" \(LIKE "events" INCLUDING DEFAULTS\)`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_events"}, eventCfg.Columns).WillReturnResult(2)
	mock.ExpectQuery(`INSERT INTO "events" .* ON CONFLICT \("event_key"\) DO UPDATE SET "headline" = EXCLUDED."headline" RETURNING "id", "event_key"`).
		WillReturnRows(pgxmock.NewRows([]string{"id", "event_key"}).
			AddRow("existing-id", "moller-sale-2026-10-15").
			AddRow("new-id", "acme-ipo-2026-10-15"))
	mock.ExpectCommit()

	res, err := BulkUpsert(context.Background(), mock, eventCfg, [][]any{
		{"new-id-1", "moller-sale-2026-10-15", "first"},
		{"new-id", "acme-ipo-2026-10-15", "IPO"},
	})
	require.NoError(t, err)
	assert.False(t, res.Fallback)
	assert.Equal(t, 2, res.Upserted())
	assert.Equal(t, "existing-id", res.IDs["moller-sale-2026-10-15"])
	assert.Equal(t, "new-id", res.IDs["acme-ipo-2026-10-15"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_FallbackIsolatesBadRow(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_events"}, eventCfg.Columns).
		WillReturnError(errors.New("invalid byte sequence"))
	mock.ExpectRollback()

	mock.ExpectQuery(`INSERT INTO "events" .* VALUES \(\$1, \$2, \$3\) ON CONFLICT`).
		WithArgs("a", "k1", "good").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("a"))
	mock.ExpectQuery(`INSERT INTO "events" .* VALUES \(\$1, \$2, \$3\) ON CONFLICT`).
		WithArgs("b", "k2", "bad\x00").
		WillReturnError(errors.New("invalid byte sequence"))

	res, err := BulkUpsert(context.Background(), mock, eventCfg, [][]any{
		{"a", "k1", "good"},
		{"b", "k2", "bad\x00"},
	})
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.Equal(t, map[string]string{"k1": "a"}, res.IDs)
	require.Contains(t, res.Failed, "k2")
	assert.Error(t, res.Err())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_AllRowsFail(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin().WillReturnError(errors.New("connection refused"))
	mock.ExpectQuery(`INSERT INTO "events"`).
		WithArgs("a", "k1", "x").
		WillReturnError(errors.New("connection refused"))

	res, err := BulkUpsert(context.Background(), mock, eventCfg, [][]any{{"a", "k1", "x"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no rows written")
	assert.Len(t, res.Failed, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDedupe_LastWins(t *testing.T) {
	rows, keys, err := Dedupe(eventCfg, [][]any{
		{"1", "k1", "old"},
		{"2", "k2", "x"},
		{"3", "k1", "new"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"k1", "k2"}, keys)
	assert.Equal(t, [][]any{{"3", "k1", "new"}, {"2", "k2", "x"}}, rows)
}

func TestSetClause(t *testing.T) {
	assert.Equal(t, `"headline" = EXCLUDED."headline"`, setClause(eventCfg))

	cfg := eventCfg
	cfg.UpdateCols = []string{}
	assert.Equal(t, `"event_key" = EXCLUDED."event_key"`, setClause(cfg))
}

func TestRowUpsertSQL(t *testing.T) {
	assert.Equal(t,
		`INSERT INTO "events" ("id", "event_key", "headline") VALUES ($1, $2, $3) ON CONFLICT ("event_key") DO UPDATE SET "headline" = EXCLUDED."headline" RETURNING "id"`,
		RowUpsertSQL(eventCfg, Dollar))
	assert.Contains(t, RowUpsertSQL(eventCfg, Question), "VALUES (?, ?, ?)")
}

func TestSanitizeTable(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"simple", `"simple"`},
		{"public.events", `"public"."events"`},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitizeTable(tt.input))
		})
	}
}

func TestQuoteAndJoin(t *testing.T) {
	assert.Equal(t, `"id", "name", "value"`, quoteAndJoin([]string{"id", "name", "value"}))
}
