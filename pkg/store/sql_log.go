package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Dialect selects placeholder syntax.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLLog implements Log using database/sql.
// It supports both Postgres and SQLite via standard drivers.
type SQLLog struct {
	db      *sql.DB
	dialect Dialect
	clock   func() time.Time
}

func NewSQLLog(db *sql.DB, dialect Dialect) *SQLLog {
	return &SQLLog{db: db, dialect: dialect, clock: time.Now}
}

// WithClock overrides clock for testing.
func (s *SQLLog) WithClock(clock func() time.Time) *SQLLog {
	s.clock = clock
	return s
}

// OpenSQL opens and initializes a SQL-backed log. driver is "sqlite" or
// "postgres"; the postgres driver must be registered by the caller.
func OpenSQL(ctx context.Context, driver, dsn string) (*SQLLog, error) {
	dialect := Dialect(driver)
	if dialect != DialectSQLite && dialect != DialectPostgres {
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if dialect == DialectSQLite {
		// SQLite allows a single writer; serialize through one connection.
		db.SetMaxOpenConns(1)
	}
	s := NewSQLLog(db, dialect)
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS trust_records (
	stream TEXT NOT NULL,
	seq BIGINT NOT NULL,
	kind TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (stream, seq)
);
`

func (s *SQLLog) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the underlying database.
func (s *SQLLog) Close() error { return s.db.Close() }

// rebind rewrites $N placeholders for drivers that expect '?'.
func (s *SQLLog) rebind(query string) string {
	if s.dialect != DialectSQLite {
		return query
	}
	var b strings.Builder
	for i := 0; i < len(query); i++ {
		if query[i] == '$' && i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
			j := i + 1
			for j < len(query) && query[j] >= '0' && query[j] <= '9' {
				j++
			}
			b.WriteByte('?')
			i = j - 1
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *SQLLog) Append(ctx context.Context, rec Record) (uint64, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.clock().UTC()
	}
	if rec.Seq == 0 {
		var maxSeq int64
		row := s.db.QueryRowContext(ctx, s.rebind(`SELECT COALESCE(MAX(seq), 0) FROM trust_records WHERE stream = $1`), rec.Stream)
		if err := row.Scan(&maxSeq); err != nil {
			return 0, fmt.Errorf("next seq for %s: %w", rec.Stream, err)
		}
		rec.Seq = uint64(maxSeq) + 1
	}

	query := `
		INSERT INTO trust_records (stream, seq, kind, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := s.db.ExecContext(ctx, s.rebind(query),
		rec.Stream, int64(rec.Seq), rec.Kind, string(rec.Payload), rec.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%w: %s#%d", ErrDuplicate, rec.Stream, rec.Seq)
		}
		return 0, err
	}
	return rec.Seq, nil
}

func (s *SQLLog) Read(ctx context.Context, stream string) ([]Record, error) {
	query := `SELECT stream, seq, kind, payload, created_at FROM trust_records WHERE stream = $1 ORDER BY seq`
	rows, err := s.db.QueryContext(ctx, s.rebind(query), stream)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]Record, 0)
	for rows.Next() {
		var (
			rec     Record
			seq     int64
			payload string
		)
		if err := rows.Scan(&rec.Stream, &seq, &rec.Kind, &payload, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Seq = uint64(seq)
		rec.Payload = json.RawMessage(payload)
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SQLLog) Streams(ctx context.Context, prefix string) ([]string, error) {
	query := `SELECT DISTINCT stream FROM trust_records WHERE stream LIKE $1 ORDER BY stream`
	rows, err := s.db.QueryContext(ctx, s.rebind(query), escapeLike(prefix)+"%")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]string, 0)
	for rows.Next() {
		var stream string
		if err := rows.Scan(&stream); err != nil {
			return nil, err
		}
		if strings.HasPrefix(stream, prefix) {
			result = append(result, stream)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// escapeLike neutralizes LIKE wildcards; results are re-filtered by prefix.
func escapeLike(s string) string {
	return strings.ReplaceAll(s, "%", "_")
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}
