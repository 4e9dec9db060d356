package journal

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/oteltap/oteltap/migrations"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type PostgresStore struct {
	DSN string
	db  *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}

	store := &PostgresStore{
		DSN: dsn,
		db:  db,
	}
	if err := store.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const capturePGInsertSQL = `
INSERT INTO captures (
    id,
    correlation_id,
    timestamp,
    method,
    path,
    content_kind,
    captured,
    parse_error,
    size_bytes,
    skip_reason,
    duration_us,
    created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

func (s *PostgresStore) WriteRecord(ctx context.Context, record *Record) error {
	if record == nil {
		return nil
	}

	row := normalizeRecord(record)
	if _, err := s.db.ExecContext(ctx, capturePGInsertSQL,
		row.ID,
		row.CorrelationID,
		row.Timestamp,
		row.Method,
		row.Path,
		row.ContentKind,
		row.Captured,
		row.ParseError,
		row.SizeBytes,
		row.SkipReason,
		row.DurationUS,
		row.CreatedAt,
	); err != nil {
		return fmt.Errorf("write capture record %q: %w", row.ID, err)
	}

	return nil
}

func (s *PostgresStore) WriteBatch(ctx context.Context, records []*Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin postgres batch transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, capturePGInsertSQL)
	if err != nil {
		return fmt.Errorf("prepare postgres batch insert: %w", err)
	}
	defer stmt.Close()

	for _, record := range records {
		if record == nil {
			continue
		}
		row := normalizeRecord(record)
		if _, err := stmt.ExecContext(
			ctx,
			row.ID,
			row.CorrelationID,
			row.Timestamp,
			row.Method,
			row.Path,
			row.ContentKind,
			row.Captured,
			row.ParseError,
			row.SizeBytes,
			row.SkipReason,
			row.DurationUS,
			row.CreatedAt,
		); err != nil {
			return fmt.Errorf("write capture record %q in batch: %w", row.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit postgres batch transaction: %w", err)
	}

	return nil
}

const capturePGSelectColumns = `
id,
correlation_id,
timestamp,
method,
path,
content_kind,
captured,
parse_error,
size_bytes,
skip_reason,
duration_us,
created_at
`

func (s *PostgresStore) GetRecord(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+capturePGSelectColumns+" FROM captures WHERE id = $1 LIMIT 1", id)
	record, err := scanCapturePGRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get capture record %q: %w", id, err)
	}
	return record, nil
}

func (s *PostgresStore) QueryRecords(ctx context.Context, filter Filter) (*QueryResult, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	whereSQL, args, err := buildCapturePGWhere(filter)
	if err != nil {
		return nil, err
	}
	args = append(args, limit+1)

	query := fmt.Sprintf(
		"SELECT %s FROM captures WHERE %s ORDER BY created_at DESC, id DESC LIMIT $%d",
		capturePGSelectColumns, whereSQL, len(args),
	)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query capture records: %w", err)
	}
	defer rows.Close()

	items := make([]*Record, 0, limit+1)
	for rows.Next() {
		record, err := scanCapturePGRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan capture row: %w", err)
		}
		items = append(items, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate capture rows: %w", err)
	}

	nextCursor := ""
	if len(items) > limit {
		items = items[:limit]
		last := items[len(items)-1]
		cursorTime := last.CreatedAt
		if cursorTime.IsZero() {
			cursorTime = last.Timestamp
		}
		nextCursor = encodeCaptureCursor(cursorTime, last.ID)
	}

	return &QueryResult{
		Items:      items,
		NextCursor: nextCursor,
	}, nil
}

func (s *PostgresStore) Summary(ctx context.Context, filter Filter) (*Summary, error) {
	whereSQL, args, err := buildCapturePGWhere(filter)
	if err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `
SELECT
	COUNT(*),
	COALESCE(SUM(CASE WHEN captured THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN captured THEN 0 ELSE 1 END), 0),
	COALESCE(SUM(CASE WHEN parse_error THEN 1 ELSE 0 END), 0),
	COALESCE(AVG(duration_us), 0)
FROM captures
WHERE `+whereSQL, args...)

	var summary Summary
	if err := row.Scan(&summary.Total, &summary.Captured, &summary.Skipped, &summary.ParseErrors, &summary.AvgDurationUS); err != nil {
		return nil, fmt.Errorf("query capture summary: %w", err)
	}

	return &summary, nil
}

func (s *PostgresStore) KindStats(ctx context.Context, filter Filter) ([]KindStats, error) {
	whereSQL, args, err := buildCapturePGWhere(filter)
	if err != nil {
		return nil, err
	}

	query := `
SELECT
	content_kind,
	COUNT(*) AS request_count,
	COALESCE(SUM(CASE WHEN captured THEN 1 ELSE 0 END), 0),
	COALESCE(AVG(size_bytes), 0)
FROM captures
WHERE ` + whereSQL + `
GROUP BY content_kind
ORDER BY request_count DESC, content_kind ASC
`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query kind stats: %w", err)
	}
	defer rows.Close()

	stats := make([]KindStats, 0)
	for rows.Next() {
		var item KindStats
		if err := rows.Scan(&item.Kind, &item.RequestCount, &item.CapturedCount, &item.AvgSizeBytes); err != nil {
			return nil, fmt.Errorf("scan kind stats row: %w", err)
		}
		stats = append(stats, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate kind stats rows: %w", err)
	}

	return stats, nil
}

func buildCapturePGWhere(filter Filter) (string, []any, error) {
	where := make([]string, 0, 7)
	args := make([]any, 0, 7)

	next := func() int { return len(args) + 1 }

	if filter.Method != "" {
		args = append(args, filter.Method)
		where = append(where, fmt.Sprintf("method = $%d", len(args)))
	}
	if filter.ContentKind != "" {
		args = append(args, filter.ContentKind)
		where = append(where, fmt.Sprintf("content_kind = $%d", len(args)))
	}
	if filter.Captured != nil {
		args = append(args, *filter.Captured)
		where = append(where, fmt.Sprintf("captured = $%d", len(args)))
	}
	if !filter.From.IsZero() {
		args = append(args, filter.From.UTC())
		where = append(where, fmt.Sprintf("timestamp >= $%d", len(args)))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To.UTC())
		where = append(where, fmt.Sprintf("timestamp <= $%d", len(args)))
	}
	if filter.Cursor != "" {
		createdAt, id, err := decodeCaptureCursor(filter.Cursor)
		if err != nil {
			return "", nil, err
		}
		first := next()
		args = append(args, createdAt.UTC(), id)
		where = append(where, fmt.Sprintf("(created_at < $%d OR (created_at = $%d AND id < $%d))", first, first, first+1))
	}

	if len(where) == 0 {
		return "1=1", args, nil
	}
	return strings.Join(where, " AND "), args, nil
}

func scanCapturePGRow(scanner rowScanner) (*Record, error) {
	var (
		item          Record
		correlationID sql.NullString
		timestamp     sql.NullTime
		skipReason    sql.NullString
		createdAt     sql.NullTime
	)

	if err := scanner.Scan(
		&item.ID,
		&correlationID,
		&timestamp,
		&item.Method,
		&item.Path,
		&item.ContentKind,
		&item.Captured,
		&item.ParseError,
		&item.SizeBytes,
		&skipReason,
		&item.DurationUS,
		&createdAt,
	); err != nil {
		return nil, err
	}

	if correlationID.Valid {
		item.CorrelationID = correlationID.String
	}
	if skipReason.Valid {
		item.SkipReason = skipReason.String
	}
	if timestamp.Valid {
		item.Timestamp = timestamp.Time.UTC()
	}
	if createdAt.Valid {
		item.CreatedAt = createdAt.Time.UTC()
	}

	return &item, nil
}

func (s *PostgresStore) configure() error {
	s.db.SetMaxOpenConns(8)
	s.db.SetMaxIdleConns(4)
	s.db.SetConnMaxLifetime(30 * time.Minute)
	return nil
}

func (s *PostgresStore) ensureSchema() error {
	if err := migrations.Apply(context.Background(), s.db, migrations.DriverPostgres); err != nil {
		return fmt.Errorf("ensure postgres schema: %w", err)
	}
	return nil
}
