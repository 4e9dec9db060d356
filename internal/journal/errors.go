package journal

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// Write failure classes reported by ClassifyWriteError. They label the
// write-failure metric and the writer's warning logs.
const (
	WriteErrorClassConnection = "connection"
	WriteErrorClassTimeout    = "timeout"
	WriteErrorClassContention = "contention"
	WriteErrorClassConstraint = "constraint"
	WriteErrorClassUnknown    = "unknown"
)

// messageMarkers classifies driver errors that arrive as flattened
// strings. Both pgx and modernc.org/sqlite surface their low-level
// failures as plain text by the time they cross the Store interface.
// Entries are checked in order; the first class with a matching marker
// wins.
var messageMarkers = []struct {
	class   string
	markers []string
}{
	{WriteErrorClassConnection, []string{
		"connection refused",
		"broken pipe",
		"no such host",
	}},
	{WriteErrorClassTimeout, []string{
		"timeout",
		"deadline exceeded",
	}},
	{WriteErrorClassContention, []string{
		"sqlite_busy",
		"database is locked",
	}},
	{WriteErrorClassConstraint, []string{
		"violates foreign key constraint",
		"violates unique constraint",
		"violates check constraint",
		"duplicate key",
	}},
}

var connectionErrnos = []syscall.Errno{
	syscall.ECONNREFUSED,
	syscall.ECONNRESET,
	syscall.ECONNABORTED,
}

// ClassifyWriteError buckets a journal write failure into one of the
// WriteErrorClass values so operators can alert on categories rather
// than raw error text. Typed checks run before string matching, and
// timeouts are tested before connection failures since a net.Error can
// be both.
func ClassifyWriteError(err error) string {
	if err == nil {
		return WriteErrorClassUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return WriteErrorClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return WriteErrorClassTimeout
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return WriteErrorClassConnection
	}
	for _, errno := range connectionErrnos {
		if errors.Is(err, errno) {
			return WriteErrorClassConnection
		}
	}

	msg := strings.ToLower(err.Error())
	for _, entry := range messageMarkers {
		for _, marker := range entry.markers {
			if strings.Contains(msg, marker) {
				return entry.class
			}
		}
	}
	return WriteErrorClassUnknown
}
