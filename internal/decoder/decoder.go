// Package decoder wraps the native MEF3 decoding library behind a narrow
// capability interface: open, read a contiguous time range per channel,
// close. It is the only package that touches the underlying library.
package decoder

import (
	"context"
	"sync"

	"github.com/bnelair/brainmaze-mef3-server/pkg/errors"
)

// ChannelMetadata describes one channel of a recording as reported by the
// decoder on open.
type ChannelMetadata struct {
	Name       string
	SampleRate float64
}

// Metadata is the immutable snapshot captured when a file is opened:
// channel list, sample rates per channel, and the recording's time range.
type Metadata struct {
	Channels []ChannelMetadata
	StartUs  int64
	EndUs    int64
}

// ChannelNames returns the channel list in recording order.
func (m Metadata) ChannelNames() []string {
	names := make([]string, len(m.Channels))
	for i, c := range m.Channels {
		names[i] = c.Name
	}
	return names
}

// DurationUs returns the recording's total duration in microseconds.
func (m Metadata) DurationUs() int64 {
	return m.EndUs - m.StartUs
}

// SampleRate returns the sampling frequency for the named channel, or 0 if
// the channel is not present.
func (m Metadata) SampleRate(name string) float64 {
	for _, c := range m.Channels {
		if c.Name == name {
			return c.SampleRate
		}
	}
	return 0
}

// Matrix is a decoded reading: one row per requested channel, in the order
// requested, row-major float64 samples.
type Matrix struct {
	Rows    [][]float64
	Columns int
}

// Handle is an open decoder session for one recording. The adapter owns it
// and never exposes the concrete library handle to callers.
type Handle interface {
	// Read returns samples for the named channels over [t0Us, t1Us), t0
	// inclusive and t1 exclusive. Rows are ordered as requested.
	Read(ctx context.Context, channels []string, t0Us, t1Us int64) (Matrix, error)
	// Close releases the underlying library resources.
	Close() error
}

// Adapter is the capability the rest of the system depends on: open a
// recording, read a time range, close. Implementations must be safe for
// concurrent use by multiple callers against distinct handles; whether
// concurrent reads on the *same* handle are safe is implementation-defined
// — LocalDirectoryAdapter serializes them per handle because the reference
// decoder it wraps is not documented as re-entrant.
type Adapter interface {
	Open(ctx context.Context, path string) (Metadata, Handle, error)
}

// serializedHandle wraps a Handle that is not safe for concurrent reads,
// serializing access with a per-handle lock. Decoders for formats like
// MEF3 are frequently not re-entrant per handle, so the adapter serializes
// per-handle reads with a per-file lock rather than assuming thread safety.
type serializedHandle struct {
	mu    sync.Mutex
	inner Handle
}

func (h *serializedHandle) Read(ctx context.Context, channels []string, t0Us, t1Us int64) (Matrix, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inner.Read(ctx, channels, t0Us, t1Us)
}

func (h *serializedHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inner.Close()
}

// classify builds the structured error for a decoder failure under the code
// the caller has already chosen (not_found, corrupt, io, and so on), tagged
// with component, operation and the raw cause. The taxonomy has no
// unsupported code.
func classify(code errors.Code, component, operation, message string, cause error) *errors.Error {
	return errors.New(code, message).
		WithComponent(component).
		WithOperation(operation).
		WithCause(cause)
}
