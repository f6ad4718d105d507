package store

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixed = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type payload struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// exerciseLog runs the shared Log contract against an implementation.
func exerciseLog(t *testing.T, log Log) {
	t.Helper()
	ctx := context.Background()

	r1, err := NewRecord(TimelineStream("main"), 0, "action", payload{Name: "a", Score: 51.5})
	require.NoError(t, err)
	seq, err := log.Append(ctx, r1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	r2, err := NewRecord(TimelineStream("main"), 2, "action", payload{Name: "b", Score: 48})
	require.NoError(t, err)
	seq, err = log.Append(ctx, r2)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)

	_, err = log.Append(ctx, r2)
	assert.True(t, errors.Is(err, ErrDuplicate), "got %v", err)

	other, err := NewRecord(RedTeamStream("main"), 0, "outcome", payload{Name: "ring"})
	require.NoError(t, err)
	_, err = log.Append(ctx, other)
	require.NoError(t, err)

	recs, err := log.Read(ctx, TimelineStream("main"))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, uint64(1), recs[0].Seq)
	assert.Equal(t, "action", recs[0].Kind)

	var p payload
	require.NoError(t, recs[1].Decode(&p))
	assert.Equal(t, payload{Name: "b", Score: 48}, p)

	empty, err := log.Read(ctx, TimelineStream("missing"))
	require.NoError(t, err)
	assert.Empty(t, empty)

	streams, err := log.Streams(ctx, "timeline/")
	require.NoError(t, err)
	assert.Equal(t, []string{"timeline/main"}, streams)

	all, err := log.Streams(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"redteam/main", "timeline/main"}, all)
}

func TestMemoryLog(t *testing.T) {
	exerciseLog(t, NewMemoryLog().WithClock(func() time.Time { return fixed }))
}

func TestMemoryLogHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMemoryLog().Append(ctx, Record{Stream: "s"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFileLog(t *testing.T) {
	dir := t.TempDir()
	log, err := NewFileLogWithClock(dir, func() time.Time { return fixed })
	require.NoError(t, err)
	exerciseLog(t, log)

	// A fresh instance over the same directory sees the same records.
	reopened, err := NewFileLog(dir)
	require.NoError(t, err)
	seq, err := reopened.Append(context.Background(), Record{Stream: TimelineStream("main"), Kind: "action", Payload: []byte(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), seq)
}

func TestSQLiteLog(t *testing.T) {
	ctx := context.Background()
	log, err := OpenSQL(ctx, "sqlite", filepath.Join(t.TempDir(), "trust.db"))
	require.NoError(t, err)
	defer func() { _ = log.Close() }()

	exerciseLog(t, log.WithClock(func() time.Time { return fixed }))

	recs, err := log.Read(ctx, TimelineStream("main"))
	require.NoError(t, err)
	assert.True(t, recs[0].CreatedAt.Equal(fixed))
}

func TestOpenSQLRejectsUnknownDriver(t *testing.T) {
	_, err := OpenSQL(context.Background(), "mysql", "")
	assert.Error(t, err)
}

func TestSQLLog_AppendPostgres(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer func() { _ = db.Close() }()

	log := NewSQLLog(db, DialectPostgres).WithClock(func() time.Time { return fixed })
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COALESCE(MAX(seq), 0) FROM trust_records WHERE stream = $1`)).
		WithArgs("timeline/main").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(4))
	mock.ExpectExec("INSERT INTO trust_records").
		WithArgs("timeline/main", int64(5), "action", `{"x":1}`, fixed).
		WillReturnResult(sqlmock.NewResult(1, 1))

	seq, err := log.Append(ctx, Record{Stream: "timeline/main", Kind: "action", Payload: []byte(`{"x":1}`)})
	require.NoError(t, err)
	assert.Equal(t, uint64(5), seq)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLog_AppendDuplicate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	log := NewSQLLog(db, DialectPostgres)
	mock.ExpectExec("INSERT INTO trust_records").
		WillReturnError(errors.New(`pq: duplicate key value violates unique constraint "trust_records_pkey"`))

	_, err = log.Append(context.Background(), Record{Stream: "s", Seq: 1, Kind: "k", Payload: []byte(`{}`)})
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLog_ReadSQLitePlaceholders(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	log := NewSQLLog(db, DialectSQLite)
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE stream = ? ORDER BY seq`)).
		WithArgs("replay/s1").
		WillReturnRows(sqlmock.NewRows([]string{"stream", "seq", "kind", "payload", "created_at"}).
			AddRow("replay/s1", int64(1), "session", `{"status":"draft"}`, fixed))

	recs, err := log.Read(context.Background(), "replay/s1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.JSONEq(t, `{"status":"draft"}`, string(recs[0].Payload))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRebind(t *testing.T) {
	l := NewSQLLog(nil, DialectSQLite)
	assert.Equal(t, "VALUES (?, ?, ?)", l.rebind("VALUES ($1, $2, $10)"))
	assert.Equal(t, "price $ 5", l.rebind("price $ 5"))

	pg := NewSQLLog(nil, DialectPostgres)
	assert.Equal(t, "VALUES ($1)", pg.rebind("VALUES ($1)"))
}
