// Package filemanager is the public façade the RPC layer sits on: open and
// close files, mutate per-file view state, and service chunk requests by
// coordinating the chunk cache and prefetch scheduler. It is the only
// package that acquires the required lock order — registry, then FileView,
// then cache, then decoder handle — never in reverse.
package filemanager

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/bnelair/brainmaze-mef3-server/internal/chunkcache"
	"github.com/bnelair/brainmaze-mef3-server/internal/circuit"
	"github.com/bnelair/brainmaze-mef3-server/internal/decoder"
	"github.com/bnelair/brainmaze-mef3-server/internal/fileview"
	"github.com/bnelair/brainmaze-mef3-server/internal/metrics"
	"github.com/bnelair/brainmaze-mef3-server/internal/prefetch"
	"github.com/bnelair/brainmaze-mef3-server/pkg/errors"
	"github.com/bnelair/brainmaze-mef3-server/pkg/health"
	"github.com/bnelair/brainmaze-mef3-server/pkg/utils"
)

// FileInfo is the metadata OpenFile and the RPC surface's OpenFile operation
// return: the recording's channel list and time range as captured on open.
type FileInfo struct {
	Path     string
	Channels []decoder.ChannelMetadata
	StartUs  int64
	EndUs    int64
}

// Segment is the RPC surface's GetSignalSegment response shape: a decoded
// chunk plus its (rows, columns) for wire serialization, which stays the
// RPC layer's own concern.
type Segment struct {
	Data         [][]float64
	ChannelNames []string
	SampleRates  []float64
	TStartUs     int64
	TEndUs       int64
	Rows         int
	Columns      int
}

type openFile struct {
	id     string
	handle decoder.Handle
	view   *fileview.View
}

// Manager is the top-level façade: open/close files, mutate View, service
// chunk requests, and coordinate the cache and prefetch scheduler. Exactly
// one Manager exists per process; it holds no package-level singleton state.
type Manager struct {
	mu    sync.RWMutex
	files map[string]*openFile

	adapter   decoder.Adapter
	cache     *chunkcache.Cache
	scheduler *prefetch.Scheduler
	breakers  *circuit.Manager
	health    *health.Tracker
	metrics   *metrics.Collector
	logger    *slog.Logger

	nPrefetch int
}

// Config bundles a Manager's collaborators. Adapter and Cache are required;
// a nil Scheduler disables prefetch, and the rest default to harmless
// no-op-equivalents so tests can
// construct a minimal Manager without standing up the full observability
// stack. The retry policy for a failing read lives on CircuitBreakers'
// Config.Retry, not here: a read's retry and its breaker accounting are one
// operation, not two independently wired ones.
type Config struct {
	Adapter         decoder.Adapter
	Cache           *chunkcache.Cache
	Scheduler       *prefetch.Scheduler
	NPrefetch       int
	CircuitBreakers *circuit.Manager
	Health          *health.Tracker
	Metrics         *metrics.Collector
	Logger          *slog.Logger
}

// New constructs a Manager from cfg.
func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		files:     make(map[string]*openFile),
		adapter:   cfg.Adapter,
		cache:     cfg.Cache,
		scheduler: cfg.Scheduler,
		breakers:  cfg.CircuitBreakers,
		health:    cfg.Health,
		metrics:   cfg.Metrics,
		logger:    logger,
		nPrefetch: cfg.NPrefetch,
	}
}

// OpenFile opens path if it is not already open, registering a FileView with
// default parameters (whole recording as one segment, all channels). It is
// idempotent: calling it again for an already-open path returns the same
// metadata without touching the decoder.
func (m *Manager) OpenFile(ctx context.Context, path string) (FileInfo, error) {
	id, err := utils.CanonicalFileID(path)
	if err != nil {
		return FileInfo{}, errors.New(errors.CodeInvalidArgument, err.Error()).
			WithComponent("filemanager").WithOperation("OpenFile")
	}

	m.mu.RLock()
	if existing, ok := m.files[id]; ok {
		m.mu.RUnlock()
		return infoFor(id, existing.view.Metadata()), nil
	}
	m.mu.RUnlock()

	meta, handle, err := m.adapter.Open(ctx, path)
	if err != nil {
		return FileInfo{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.files[id]; ok {
		// Lost the race: another caller opened it first. Close our handle,
		// keep theirs.
		_ = handle.Close()
		return infoFor(id, existing.view.Metadata()), nil
	}

	m.files[id] = &openFile{id: id, handle: handle, view: fileview.New(meta)}
	if m.breakers != nil {
		m.breakers.GetBreaker(id)
	}
	if m.health != nil {
		m.health.Track(id)
	}
	m.logger.Info("file opened", "file_id", id, "channels", len(meta.Channels))
	return infoFor(id, meta), nil
}

// CloseFile invalidates the file's entire cache footprint, drains its
// pending prefetches, closes the decoder handle, and drops its FileView.
// Idempotent: closing an unknown path is a no-op.
func (m *Manager) CloseFile(path string) error {
	id, err := utils.CanonicalFileID(path)
	if err != nil {
		return errors.New(errors.CodeInvalidArgument, err.Error()).
			WithComponent("filemanager").WithOperation("CloseFile")
	}

	m.mu.Lock()
	of, ok := m.files[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.files, id)
	m.mu.Unlock()

	if m.scheduler != nil {
		m.scheduler.DrainFile(id)
	}
	m.cache.InvalidateFile(id)
	if m.breakers != nil {
		m.breakers.RemoveBreaker(id)
	}
	if m.health != nil {
		m.health.Forget(id)
	}
	err = of.handle.Close()
	m.logger.Info("file closed", "file_id", id)
	return err
}

// ListOpenFiles returns a sorted snapshot of currently open FileIds.
func (m *Manager) ListOpenFiles() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.files))
	for id := range m.files {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SetSegmentSeconds mutates path's segment duration and invalidates cache
// entries produced under the prior view version, returning the new segment
// count.
func (m *Manager) SetSegmentSeconds(path string, seconds float64) (int, error) {
	of, err := m.lookup(path, "SetSegmentSeconds")
	if err != nil {
		return 0, err
	}
	version, count, err := of.view.SetSegmentSeconds(seconds)
	if err != nil {
		return 0, err
	}
	m.cache.Invalidate(of.id, version)
	if m.scheduler != nil {
		m.scheduler.DrainFile(of.id)
	}
	return count, nil
}

// SetActiveChannels mutates path's active channel subset and invalidates
// cache entries produced under the prior view version.
func (m *Manager) SetActiveChannels(path string, names []string) error {
	of, err := m.lookup(path, "SetActiveChannels")
	if err != nil {
		return err
	}
	version, err := of.view.SetActiveChannels(names)
	if err != nil {
		return err
	}
	m.cache.Invalidate(of.id, version)
	if m.scheduler != nil {
		m.scheduler.DrainFile(of.id)
	}
	return nil
}

// GetSegmentCount returns path's current segment count. Following the
// original server's behavior, a path that is not open reports 0 rather than
// failing with not_open.
func (m *Manager) GetSegmentCount(path string) int {
	id, err := utils.CanonicalFileID(path)
	if err != nil {
		return 0
	}
	m.mu.RLock()
	of, ok := m.files[id]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	return of.view.GetSegmentCount()
}

// GetSignalSegment resolves path's current view, validates the index,
// resolves the chunk through the cache's single-flight path, and submits
// the next N_prefetch keys to the scheduler before returning.
func (m *Manager) GetSignalSegment(ctx context.Context, path string, index int) (Segment, error) {
	of, err := m.lookup(path, "GetSignalSegment")
	if err != nil {
		return Segment{}, err
	}

	version, segmentCount, channels := of.view.Snapshot()
	if index < 0 || index >= segmentCount {
		return Segment{}, errors.New(errors.CodeOutOfRange, "segment index out of range").
			WithComponent("filemanager").WithOperation("GetSignalSegment").
			WithDetail("index", index).WithDetail("segment_count", segmentCount)
	}

	key := chunkcache.Key{FileID: of.id, Version: version, Index: index}
	chunk, err := m.cache.GetOrCompute(key, m.decodeFunc(ctx, of, index, channels))
	if err != nil {
		return Segment{}, err
	}

	m.submitPrefetch(of, version, index, segmentCount, channels)

	rows, cols := chunk.Shape()
	return Segment{
		Data:         chunk.Data,
		ChannelNames: chunk.ChannelNames,
		SampleRates:  chunk.SampleRates,
		TStartUs:     chunk.TStartUs,
		TEndUs:       chunk.TEndUs,
		Rows:         rows,
		Columns:      cols,
	}, nil
}

// decodeFunc builds the ComputeFunc for (of, index) pinned to the channel
// set active when the caller snapshotted the view. It must not re-read
// of.view for channels: a concurrent SetActiveChannels between submission
// and execution would otherwise decode the wrong channels for a version
// that is about to be (or already has been) invalidated.
func (m *Manager) decodeFunc(ctx context.Context, of *openFile, index int, channels []string) chunkcache.ComputeFunc {
	return func() (chunkcache.Chunk, error) {
		tStart, tEnd, err := of.view.SegmentRange(index)
		if err != nil {
			return chunkcache.Chunk{}, err
		}

		var matrix decoder.Matrix
		readOnce := func() error {
			var readErr error
			matrix, readErr = of.handle.Read(ctx, channels, tStart, tEnd)
			return readErr
		}

		var readErr error
		if m.breakers != nil {
			breaker := m.breakers.GetBreaker(of.id)
			readErr = breaker.Execute(readOnce)
		} else {
			readErr = readOnce()
		}
		if readErr != nil {
			if m.health != nil {
				m.health.RecordFailure(of.id, readErr)
			}
			return chunkcache.Chunk{}, readErr
		}
		if m.health != nil {
			m.health.RecordSuccess(of.id)
		}

		rates := make([]float64, len(channels))
		meta := of.view.Metadata()
		for i, name := range channels {
			rates[i] = meta.SampleRate(name)
		}
		return chunkcache.Chunk{
			Data:         matrix.Rows,
			ChannelNames: channels,
			SampleRates:  rates,
			TStartUs:     tStart,
			TEndUs:       tEnd,
		}, nil
	}
}

// submitPrefetch enqueues the next nPrefetch indices after index, skipping
// indices past segmentCount and those already satisfied or in flight.
func (m *Manager) submitPrefetch(of *openFile, version int64, index, segmentCount int, channels []string) {
	if m.scheduler == nil || m.nPrefetch <= 0 {
		return
	}
	for d := 1; d <= m.nPrefetch; d++ {
		next := index + d
		if next >= segmentCount {
			break
		}
		key := chunkcache.Key{FileID: of.id, Version: version, Index: next}
		if m.cache.Has(key) {
			continue
		}
		m.scheduler.Submit(prefetch.Request{
			FileID:  of.id,
			Key:     key,
			Compute: m.decodeFunc(context.Background(), of, next, channels),
		})
	}
}

func (m *Manager) lookup(path, operation string) (*openFile, error) {
	id, err := utils.CanonicalFileID(path)
	if err != nil {
		return nil, errors.New(errors.CodeInvalidArgument, err.Error()).
			WithComponent("filemanager").WithOperation(operation)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	of, ok := m.files[id]
	if !ok {
		return nil, errors.New(errors.CodeNotOpen, "file is not open").
			WithComponent("filemanager").WithOperation(operation).WithDetail("path", path)
	}
	return of, nil
}

func infoFor(id string, meta decoder.Metadata) FileInfo {
	return FileInfo{
		Path:     id,
		Channels: meta.Channels,
		StartUs:  meta.StartUs,
		EndUs:    meta.EndUs,
	}
}
