package oteltap

import (
	"log/slog"

	"github.com/oteltap/oteltap/internal/capture"
	"github.com/oteltap/oteltap/internal/journal"
)

// Option customizes a Shim before its components are built.
type Option func(*Shim)

// WithLogger sets the structured logger used by every component. The
// default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Shim) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSink registers an additional callback invoked for every capture
// outcome, after metrics and journal accounting. The callback runs on
// the capture goroutine and must not block.
func WithSink(sink capture.Sink) Option {
	return func(s *Shim) {
		s.extraSink = sink
	}
}

// WithStore supplies a pre-built journal store, bypassing the driver
// selection in the journal config. The Shim takes ownership and closes
// the store on Shutdown.
func WithStore(store journal.Store) Option {
	return func(s *Shim) {
		s.store = store
	}
}
