package decoder

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bnelair/brainmaze-mef3-server/pkg/errors"
)

// FakeAdapter is a deterministic test substitute: it counts calls and
// returns known, reproducible matrices instead of touching a real MEF3
// container. Value for a (channel, sample-index) pair is sin-free and
// purely arithmetic so assertions can recompute it without floating-point
// surprises: channelIndex*1e6 + sampleIndex.
type FakeAdapter struct {
	mu        sync.Mutex
	meta      Metadata
	openCalls int64
	readDelay time.Duration
	failOpen  error
	handles   map[string]*fakeHandle
}

// NewFakeAdapter builds a fake recording with the given channels and sample
// rates, spanning [0, durationUs).
func NewFakeAdapter(channels []ChannelMetadata, durationUs int64) *FakeAdapter {
	return &FakeAdapter{
		meta:    Metadata{Channels: channels, StartUs: 0, EndUs: durationUs},
		handles: make(map[string]*fakeHandle),
	}
}

// WithReadDelay makes every Read sleep for d before returning, to exercise
// single-flight and cancellation races deterministically.
func (a *FakeAdapter) WithReadDelay(d time.Duration) *FakeAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.readDelay = d
	return a
}

// FailNextOpen makes the next Open call return err instead of succeeding.
func (a *FakeAdapter) FailNextOpen(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failOpen = err
}

func (a *FakeAdapter) Open(ctx context.Context, path string) (Metadata, Handle, error) {
	a.mu.Lock()
	if a.failOpen != nil {
		err := a.failOpen
		a.failOpen = nil
		a.mu.Unlock()
		return Metadata{}, nil, err
	}
	atomic.AddInt64(&a.openCalls, 1)
	h, exists := a.handles[path]
	if !exists || atomic.LoadInt32(&h.closed) != 0 {
		// A closed handle is never handed out again. The replacement carries
		// the path's read count forward so ReadCalls stays a per-path total.
		next := &fakeHandle{adapter: a}
		if exists {
			next.readCalls = atomic.LoadInt64(&h.readCalls)
		}
		h = next
		a.handles[path] = h
	}
	a.mu.Unlock()
	return a.meta, h, nil
}

// OpenCalls returns how many times Open has succeeded.
func (a *FakeAdapter) OpenCalls() int64 {
	return atomic.LoadInt64(&a.openCalls)
}

// ReadCalls returns the total number of Read invocations across all handles
// opened for path, or 0 if path was never opened.
func (a *FakeAdapter) ReadCalls(path string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, ok := a.handles[path]
	if !ok {
		return 0
	}
	return atomic.LoadInt64(&h.readCalls)
}

type fakeHandle struct {
	adapter   *FakeAdapter
	readCalls int64
	closed    int32
}

func (h *fakeHandle) Read(ctx context.Context, channels []string, t0Us, t1Us int64) (Matrix, error) {
	if atomic.LoadInt32(&h.closed) != 0 {
		return Matrix{}, errors.New(errors.CodeNotOpen, "read on closed fake handle").
			WithComponent("decoder").WithOperation("Read")
	}
	atomic.AddInt64(&h.readCalls, 1)

	if h.adapter.readDelay > 0 {
		select {
		case <-time.After(h.adapter.readDelay):
		case <-ctx.Done():
			return Matrix{}, errors.New(errors.CodeIO, "read canceled").WithCause(ctx.Err())
		}
	}

	meta := h.adapter.meta
	samplesPerUs := func(rate float64) int64 {
		return int64((float64(t1Us-t0Us) * rate) / 1_000_000)
	}

	out := Matrix{Rows: make([][]float64, len(channels))}
	for i, name := range channels {
		rate := meta.SampleRate(name)
		if rate == 0 {
			return Matrix{}, errors.New(errors.CodeInvalidChannel, fmt.Sprintf("unknown channel %q", name)).
				WithComponent("decoder").WithOperation("Read")
		}
		channelIndex := channelOrdinal(meta, name)
		n := samplesPerUs(rate)
		row := make([]float64, n)
		firstSample := int64((float64(t0Us) * rate) / 1_000_000)
		for j := range row {
			row[j] = float64(channelIndex)*1e6 + float64(firstSample+int64(j))
		}
		out.Rows[i] = row
		if out.Columns == 0 {
			out.Columns = len(row)
		}
	}
	return out, nil
}

func (h *fakeHandle) Close() error {
	atomic.StoreInt32(&h.closed, 1)
	return nil
}

func channelOrdinal(meta Metadata, name string) int {
	for i, c := range meta.Channels {
		if c.Name == name {
			return i
		}
	}
	return -1
}
