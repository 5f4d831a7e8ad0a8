// Package fileview tracks per-open-file mutable state: segment duration,
// active channel subset, recording metadata, and the derived segment count.
// The version field is the sole mechanism tying a decoded chunk to the
// parameters under which it was produced.
package fileview

import (
	"math"
	"sync"

	"github.com/bnelair/brainmaze-mef3-server/internal/decoder"
	"github.com/bnelair/brainmaze-mef3-server/pkg/errors"
)

// View is the mutable per-open-file state. Exactly one View exists per open
// FileId, from open_file until close_file.
type View struct {
	mu sync.RWMutex

	metadata       decoder.Metadata
	segmentSeconds float64
	activeChannels []string
	segmentCount   int
	version        int64
}

// New constructs a View defaulting to "entire recording as one segment"
// and "all channels, in recording order".
func New(metadata decoder.Metadata) *View {
	v := &View{metadata: metadata}
	v.segmentSeconds = float64(metadata.DurationUs()) / 1_000_000
	if v.segmentSeconds <= 0 {
		v.segmentSeconds = 1
	}
	v.recomputeSegmentCount()
	return v
}

// Metadata returns the immutable recording metadata captured on open.
func (v *View) Metadata() decoder.Metadata {
	return v.metadata
}

// Version returns the current view version.
func (v *View) Version() int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.version
}

// SegmentSeconds returns the current segment duration in seconds.
func (v *View) SegmentSeconds() float64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.segmentSeconds
}

// ActiveChannels returns the current channel subset and order. An empty
// result here never occurs externally: New and SetActiveChannels normalize
// "all channels" to the full recording-order list.
func (v *View) ActiveChannels() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]string, len(v.activeChannels))
	copy(out, v.activeChannels)
	return out
}

// GetSegmentCount returns the current derived segment count.
func (v *View) GetSegmentCount() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.segmentCount
}

// SetSegmentSeconds sets the segment duration, recomputes segment_count, and
// bumps the version. Returns the new version and segment count so the caller
// can invalidate stale cache entries and report the new count.
func (v *View) SetSegmentSeconds(seconds float64) (version int64, segmentCount int, err error) {
	if seconds <= 0 {
		return 0, 0, errors.New(errors.CodeInvalidArgument, "segment_seconds must be positive").
			WithComponent("fileview").WithOperation("SetSegmentSeconds")
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.segmentSeconds = seconds
	v.recomputeSegmentCount()
	v.version++
	return v.version, v.segmentCount, nil
}

// SetActiveChannels validates and sets the active channel subset. An empty
// list resets to "all channels, in recording order." Order is preserved;
// duplicate names are rejected. Returns the new version.
func (v *View) SetActiveChannels(names []string) (version int64, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if len(names) == 0 {
		v.activeChannels = v.metadata.ChannelNames()
		v.version++
		return v.version, nil
	}

	seen := make(map[string]bool, len(names))
	known := make(map[string]bool, len(v.metadata.Channels))
	for _, c := range v.metadata.Channels {
		known[c.Name] = true
	}
	for _, name := range names {
		if !known[name] {
			return 0, errors.New(errors.CodeInvalidChannel, "unknown channel "+name).
				WithComponent("fileview").WithOperation("SetActiveChannels").WithDetail("channel", name)
		}
		if seen[name] {
			return 0, errors.New(errors.CodeInvalidArgument, "duplicate channel "+name).
				WithComponent("fileview").WithOperation("SetActiveChannels").WithDetail("channel", name)
		}
		seen[name] = true
	}

	v.activeChannels = append([]string(nil), names...)
	v.version++
	return v.version, nil
}

// SegmentRange returns (t_start_us, t_end_us) for segment i. Fails with
// out_of_range if i is outside [0, segment_count).
func (v *View) SegmentRange(i int) (tStartUs, tEndUs int64, err error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if i < 0 || i >= v.segmentCount {
		return 0, 0, errors.New(errors.CodeOutOfRange,
			"segment index out of range").
			WithComponent("fileview").WithOperation("SegmentRange").
			WithDetail("index", i).WithDetail("segment_count", v.segmentCount)
	}

	segmentUs := int64(v.segmentSeconds * 1_000_000)
	start := v.metadata.StartUs + int64(i)*segmentUs
	end := start + segmentUs
	if end > v.metadata.EndUs {
		end = v.metadata.EndUs
	}
	return start, end, nil
}

// Snapshot returns the view version, segment count, and active channels
// under a single lock acquisition, for callers (like GetSignalSegment) that
// need a consistent view of all three.
func (v *View) Snapshot() (version int64, segmentCount int, activeChannels []string) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	chans := make([]string, len(v.activeChannels))
	copy(chans, v.activeChannels)
	return v.version, v.segmentCount, chans
}

func (v *View) recomputeSegmentCount() {
	duration := float64(v.metadata.DurationUs()) / 1_000_000
	v.segmentCount = int(math.Ceil(duration / v.segmentSeconds))
	if v.segmentCount < 1 {
		v.segmentCount = 1
	}
	if v.activeChannels == nil {
		v.activeChannels = v.metadata.ChannelNames()
	}
}
