// Package journal persists capture outcomes locally for operator reports.
// Records describe what happened to a request body (kind, size, skip
// reason) and deliberately never include body content, redacted or not.
package journal

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("journal record not found")
var ErrInvalidCursor = errors.New("journal cursor is invalid")

// Record is one capture outcome.
type Record struct {
	ID            string
	CorrelationID string
	Timestamp     time.Time
	Method        string
	Path          string
	ContentKind   string
	Captured      bool
	ParseError    bool
	SizeBytes     int
	SkipReason    string
	DurationUS    int64
	CreatedAt     time.Time
}

type Store interface {
	WriteRecord(ctx context.Context, record *Record) error
	WriteBatch(ctx context.Context, records []*Record) error
	GetRecord(ctx context.Context, id string) (*Record, error)
	QueryRecords(ctx context.Context, filter Filter) (*QueryResult, error)
	Summary(ctx context.Context, filter Filter) (*Summary, error)
	KindStats(ctx context.Context, filter Filter) ([]KindStats, error)
	Close() error
}

type Filter struct {
	Method      string
	ContentKind string
	Captured    *bool
	From        time.Time
	To          time.Time
	Limit       int
	Cursor      string
}

type QueryResult struct {
	Items      []*Record
	NextCursor string
}

type Summary struct {
	Total         int64
	Captured      int64
	Skipped       int64
	ParseErrors   int64
	AvgDurationUS float64
}

type KindStats struct {
	Kind          string
	RequestCount  int64
	CapturedCount int64
	AvgSizeBytes  float64
}

// NewRecordID returns a unique journal record identifier.
func NewRecordID() string {
	var bytes [16]byte
	if _, err := rand.Read(bytes[:]); err != nil {
		return fmt.Sprintf("cap-%d", time.Now().UnixNano())
	}
	return "cap-" + hex.EncodeToString(bytes[:])
}

func normalizeRecord(in *Record) *Record {
	row := *in
	now := time.Now().UTC()

	if row.ID == "" {
		row.ID = NewRecordID()
	}
	if row.Timestamp.IsZero() {
		row.Timestamp = now
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	if row.Method == "" {
		row.Method = "UNKNOWN"
	}
	if row.Path == "" {
		row.Path = "/"
	}
	if row.ContentKind == "" {
		row.ContentKind = "unsupported"
	}

	return &row
}
