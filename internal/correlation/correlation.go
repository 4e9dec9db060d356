// Package correlation assigns each request a stable identifier that
// follows it from the inbound edge into span attributes, log lines, and
// journal records.
package correlation

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HeaderName is the header oteltap reads and re-stamps on every request
// it touches.
const HeaderName = "X-Oteltap-Correlation-ID"

const (
	idPrefix = "tap-"
	maxIDLen = 128
)

// fallbackHeaders are accepted from upstream proxies and gateways when
// the canonical header is absent, in priority order.
var fallbackHeaders = [...]string{
	"X-Request-ID",
	"X-Request-Id",
	"X-Correlation-ID",
	"X-Correlation-Id",
}

type contextKey struct{}

// EnsureRequest resolves the request's correlation identifier and
// stamps it on both the context and the canonical header. Resolution
// order: an identifier already in the context, then inbound headers,
// then a freshly generated one.
func EnsureRequest(req *http.Request) (*http.Request, string) {
	if req == nil {
		return nil, ""
	}

	id, ok := FromContext(req.Context())
	if !ok {
		if id = FromHeaders(req.Header); id == "" {
			id = NewID()
		}
		req = req.WithContext(WithContext(req.Context(), id))
	}

	if req.Header == nil {
		req.Header = make(http.Header)
	}
	req.Header.Set(HeaderName, id)
	return req, id
}

// WithContext stores id for later lookup. An identifier that fails
// normalization is not stored.
func WithContext(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if id = normalizeID(id); id == "" {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identifier stored by WithContext.
func FromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, _ := ctx.Value(contextKey{}).(string)
	id = normalizeID(id)
	return id, id != ""
}

// FromHeaders picks the first usable identifier from the inbound
// headers, preferring the canonical header over proxy-set fallbacks.
func FromHeaders(headers http.Header) string {
	if headers == nil {
		return ""
	}
	if id := normalizeID(headers.Get(HeaderName)); id != "" {
		return id
	}
	for _, name := range fallbackHeaders {
		if id := normalizeID(headers.Get(name)); id != "" {
			return id
		}
	}
	return ""
}

// NewID generates a fresh identifier, falling back to a timestamp-based
// one if the random source fails.
func NewID() string {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return fmt.Sprintf("%s%d", idPrefix, time.Now().UnixNano())
	}
	return idPrefix + hex.EncodeToString(raw[:])
}

// normalizeID trims and caps an identifier. Identifiers end up in span
// attributes, log lines, and SQL parameters; one containing anything
// outside [A-Za-z0-9._:-] is discarded rather than escaped.
func normalizeID(raw string) string {
	id := strings.TrimSpace(raw)
	if len(id) > maxIDLen {
		id = id[:maxIDLen]
	}
	if strings.IndexFunc(id, isInvalidIDRune) >= 0 {
		return ""
	}
	return id
}

func isInvalidIDRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	case r == '-', r == '_', r == '.', r == ':':
		return false
	}
	return true
}
