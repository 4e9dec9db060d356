package journal

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oteltap/oteltap/migrations"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	Path string
	db   *sql.DB
	// SQLite allows only one writer at a time; serialize writes to avoid
	// SQLITE_BUSY contention when callers invoke WriteRecord/WriteBatch
	// concurrently.
	writeMu sync.Mutex
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %q: %w", path, err)
	}

	store := &SQLiteStore{
		Path: path,
		db:   db,
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

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const captureInsertSQL = `
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
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (s *SQLiteStore) WriteRecord(ctx context.Context, record *Record) error {
	if record == nil {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	row := normalizeRecord(record)
	err := retrySQLiteBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, captureInsertSQL,
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
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("write capture record %q: %w", row.ID, err)
	}

	return nil
}

func (s *SQLiteStore) WriteBatch(ctx context.Context, records []*Record) error {
	if len(records) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return retrySQLiteBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin sqlite batch transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		stmt, err := tx.PrepareContext(ctx, captureInsertSQL)
		if err != nil {
			return fmt.Errorf("prepare sqlite batch insert: %w", err)
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
			return fmt.Errorf("commit sqlite batch transaction: %w", err)
		}

		return nil
	})
}

const (
	sqliteBusyMaxRetries     = 12
	sqliteBusyInitialBackoff = 5 * time.Millisecond
	sqliteBusyMaxBackoff     = 250 * time.Millisecond
)

// retrySQLiteBusy retries transient lock contention so queued records are
// not dropped during concurrent writes.
func retrySQLiteBusy(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		err   error
		timer *time.Timer
	)
	stopTimer := func() {
		if timer == nil {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
	defer stopTimer()

	for retries := 0; ; retries++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isSQLiteBusyError(err) || retries >= sqliteBusyMaxRetries {
			return err
		}

		wait := sqliteBusyInitialBackoff << retries
		if wait > sqliteBusyMaxBackoff {
			wait = sqliteBusyMaxBackoff
		}

		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			stopTimer()
			timer.Reset(wait)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "sqlite_busy") || strings.Contains(value, "database is locked")
}

const captureSelectColumns = `
id,
correlation_id,
CAST(timestamp AS TEXT),
method,
path,
content_kind,
captured,
parse_error,
size_bytes,
skip_reason,
duration_us,
CAST(created_at AS TEXT)
`

func (s *SQLiteStore) GetRecord(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+captureSelectColumns+" FROM captures WHERE id = ? LIMIT 1", id)
	record, err := scanCaptureRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get capture record %q: %w", id, err)
	}
	return record, nil
}

func (s *SQLiteStore) QueryRecords(ctx context.Context, filter Filter) (*QueryResult, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	whereSQL, args, err := buildCaptureWhere(filter)
	if err != nil {
		return nil, err
	}
	args = append(args, limit+1)

	query := "SELECT " + captureSelectColumns + " FROM captures WHERE " + whereSQL + " ORDER BY created_at DESC, id DESC LIMIT ?"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query capture records: %w", err)
	}
	defer rows.Close()

	items := make([]*Record, 0, limit+1)
	for rows.Next() {
		record, err := scanCaptureRow(rows)
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

func (s *SQLiteStore) Summary(ctx context.Context, filter Filter) (*Summary, error) {
	whereSQL, args, err := buildCaptureWhere(filter)
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

func (s *SQLiteStore) KindStats(ctx context.Context, filter Filter) ([]KindStats, error) {
	whereSQL, args, err := buildCaptureWhere(filter)
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

func buildCaptureWhere(filter Filter) (string, []any, error) {
	where := make([]string, 0, 7)
	args := make([]any, 0, 7)

	if filter.Method != "" {
		where = append(where, "method = ?")
		args = append(args, filter.Method)
	}
	if filter.ContentKind != "" {
		where = append(where, "content_kind = ?")
		args = append(args, filter.ContentKind)
	}
	if filter.Captured != nil {
		where = append(where, "captured = ?")
		args = append(args, *filter.Captured)
	}
	if !filter.From.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, filter.From.UTC())
	}
	if !filter.To.IsZero() {
		where = append(where, "timestamp <= ?")
		args = append(args, filter.To.UTC())
	}
	if filter.Cursor != "" {
		createdAt, id, err := decodeCaptureCursor(filter.Cursor)
		if err != nil {
			return "", nil, err
		}
		where = append(where, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, createdAt.UTC(), createdAt.UTC(), id)
	}

	if len(where) == 0 {
		return "1=1", args, nil
	}
	return strings.Join(where, " AND "), args, nil
}

func encodeCaptureCursor(createdAt time.Time, id string) string {
	if createdAt.IsZero() || id == "" {
		return ""
	}
	raw := createdAt.UTC().Format(time.RFC3339Nano) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCaptureCursor(cursor string) (time.Time, string, error) {
	payload, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: decode base64 cursor", ErrInvalidCursor)
	}
	parts := strings.SplitN(string(payload), "|", 2)
	if len(parts) != 2 || strings.TrimSpace(parts[1]) == "" {
		return time.Time{}, "", fmt.Errorf("%w: missing id", ErrInvalidCursor)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(parts[0]))
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: parse created_at", ErrInvalidCursor)
	}
	return createdAt.UTC(), strings.TrimSpace(parts[1]), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCaptureRow(scanner rowScanner) (*Record, error) {
	var (
		item          Record
		correlationID sql.NullString
		timestampText sql.NullString
		skipReason    sql.NullString
		createdAtText sql.NullString
	)

	if err := scanner.Scan(
		&item.ID,
		&correlationID,
		&timestampText,
		&item.Method,
		&item.Path,
		&item.ContentKind,
		&item.Captured,
		&item.ParseError,
		&item.SizeBytes,
		&skipReason,
		&item.DurationUS,
		&createdAtText,
	); err != nil {
		return nil, err
	}

	if correlationID.Valid {
		item.CorrelationID = correlationID.String
	}
	if skipReason.Valid {
		item.SkipReason = skipReason.String
	}

	if timestampText.Valid {
		parsedTimestamp, err := parseSQLiteTimestamp(timestampText.String)
		if err != nil {
			return nil, fmt.Errorf("parse timestamp %q: %w", timestampText.String, err)
		}
		item.Timestamp = parsedTimestamp
	}
	if createdAtText.Valid {
		parsedCreatedAt, err := parseSQLiteTimestamp(createdAtText.String)
		if err != nil {
			return nil, fmt.Errorf("parse created_at %q: %w", createdAtText.String, err)
		}
		item.CreatedAt = parsedCreatedAt
	}

	return &item, nil
}

func parseSQLiteTimestamp(raw string) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, nil
	}

	withTZLayouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05-07:00",
		"2006-01-02 15:04:05 -0700 MST",
	}
	for _, layout := range withTZLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), nil
		}
	}

	withoutTZLayouts := []string{
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
	}
	for _, layout := range withoutTZLayouts {
		if parsed, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return parsed.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("unsupported sqlite datetime format")
}

func (s *SQLiteStore) configure() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		return fmt.Errorf("enable sqlite WAL mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA synchronous = NORMAL;`); err != nil {
		return fmt.Errorf("set sqlite synchronous mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		return fmt.Errorf("set sqlite busy timeout: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ensureSchema() error {
	if err := migrations.Apply(context.Background(), s.db, migrations.DriverSQLite); err != nil {
		return fmt.Errorf("ensure sqlite schema: %w", err)
	}
	return nil
}
