// Package health tracks per-file decoder health and recovery. A file's
// health is driven by two signals: the consecutive outcome of its own reads,
// and state transitions reported by its circuit breaker (see
// internal/circuit). A breaker trip always marks a file unavailable; a
// breaker closing again, or a single successful read while the file is
// degraded but not tripped, marks it healthy.
package health

import (
	"fmt"
	"sync"
	"time"

	stderr "errors"

	"github.com/bnelair/brainmaze-mef3-server/pkg/errors"
)

// Status is a file's decode health.
type Status int

const (
	// StatusHealthy means recent reads have succeeded (or no read has
	// failed enough times in a row to matter).
	StatusHealthy Status = iota
	// StatusDegraded means a file has seen a run of read failures that
	// hasn't yet tripped its circuit breaker.
	StatusDegraded
	// StatusUnavailable means a file's circuit breaker is open: the File
	// Manager is rejecting reads against it without touching the decoder.
	StatusUnavailable
)

// String returns the string representation of a status.
func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// FileHealth is one tracked file's current decode health.
type FileHealth struct {
	FileID            string    `json:"file_id"`
	Status            Status    `json:"status"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	LastError         string    `json:"last_error,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Tracker tracks decode health for every currently open file.
type Tracker struct {
	mu sync.RWMutex

	degradeThreshold int
	files            map[string]*FileHealth
}

// NewTracker creates a Tracker. degradeThreshold is the number of
// consecutive read failures, short of a breaker trip, that marks a file
// degraded rather than healthy.
func NewTracker(degradeThreshold int) *Tracker {
	if degradeThreshold <= 0 {
		degradeThreshold = 3
	}
	return &Tracker{
		degradeThreshold: degradeThreshold,
		files:            make(map[string]*FileHealth),
	}
}

// DefaultTracker returns a Tracker with this package's baseline degrade
// threshold.
func DefaultTracker() *Tracker {
	return NewTracker(3)
}

// Track starts tracking fileID, called by the File Manager when a file is
// opened. A no-op if fileID is already tracked.
func (t *Tracker) Track(fileID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.files[fileID]; exists {
		return
	}
	t.files[fileID] = &FileHealth{
		FileID:    fileID,
		Status:    StatusHealthy,
		UpdatedAt: time.Now(),
	}
}

// Forget drops fileID, called by the File Manager when the file is closed.
func (t *Tracker) Forget(fileID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.files, fileID)
}

// RecordSuccess records a successful read for fileID, resetting its
// consecutive-error count and clearing any degraded status that wasn't
// escalated all the way to unavailable by a breaker trip.
func (t *Tracker) RecordSuccess(fileID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	fh, exists := t.files[fileID]
	if !exists {
		return
	}

	fh.ConsecutiveErrors = 0
	fh.LastError = ""
	fh.UpdatedAt = time.Now()
	if fh.Status == StatusDegraded {
		fh.Status = StatusHealthy
	}
}

// RecordFailure records a failed read for fileID. isViewError distinguishes
// a view-mutation failure (SetSegmentSeconds, SetActiveChannels) from a
// read-path failure so view errors — bad index, bad channel name — don't
// count toward degrading a file whose decoder is perfectly fine.
func (t *Tracker) RecordFailure(fileID string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	fh, exists := t.files[fileID]
	if !exists {
		return
	}

	fh.UpdatedAt = time.Now()
	if err != nil {
		fh.LastError = err.Error()
	}
	if isViewError(err) {
		return
	}

	fh.ConsecutiveErrors++
	if fh.Status == StatusHealthy && fh.ConsecutiveErrors >= t.degradeThreshold {
		fh.Status = StatusDegraded
	}
}

// MarkUnavailable marks fileID unavailable, called from the circuit
// breaker's OnStateChange hook when a file's breaker opens.
func (t *Tracker) MarkUnavailable(fileID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	fh, exists := t.files[fileID]
	if !exists {
		return
	}
	fh.Status = StatusUnavailable
	fh.UpdatedAt = time.Now()
}

// MarkRecovered marks fileID healthy again, called from the circuit
// breaker's OnStateChange hook when a half-open probe read succeeds and the
// breaker closes.
func (t *Tracker) MarkRecovered(fileID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	fh, exists := t.files[fileID]
	if !exists {
		return
	}
	fh.Status = StatusHealthy
	fh.ConsecutiveErrors = 0
	fh.LastError = ""
	fh.UpdatedAt = time.Now()
}

// Status returns fileID's current status. An untracked file is reported
// unavailable, matching the File Manager's own lookup semantics for a file
// that isn't open.
func (t *Tracker) Status(fileID string) Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if fh, exists := t.files[fileID]; exists {
		return fh.Status
	}
	return StatusUnavailable
}

// Get returns a copy of fileID's tracked health and whether it is tracked.
func (t *Tracker) Get(fileID string) (FileHealth, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	fh, exists := t.files[fileID]
	if !exists {
		return FileHealth{}, false
	}
	return *fh, true
}

// Snapshot returns a copy of every tracked file's health, keyed by FileId.
func (t *Tracker) Snapshot() map[string]FileHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make(map[string]FileHealth, len(t.files))
	for id, fh := range t.files {
		result[id] = *fh
	}
	return result
}

// DegradedFiles returns the FileIds that are not currently healthy, for the
// metrics/health endpoint to surface.
func (t *Tracker) DegradedFiles() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var ids []string
	for id, fh := range t.files {
		if fh.Status != StatusHealthy {
			ids = append(ids, id)
		}
	}
	return ids
}

// Check returns an error describing any non-healthy files, suitable for a
// process-level health handler.
func (t *Tracker) Check() error {
	degraded := t.DegradedFiles()
	if len(degraded) > 0 {
		return fmt.Errorf("files with degraded decode health: %v", degraded)
	}
	return nil
}

// isViewError reports whether err is a view-mutation or lookup failure
// rather than a decoder read failure.
func isViewError(err error) bool {
	if err == nil {
		return false
	}
	var fileErr *errors.Error
	if stderr.As(err, &fileErr) {
		switch fileErr.Code {
		case errors.CodeInvalidArgument,
			errors.CodeInvalidChannel,
			errors.CodeOutOfRange,
			errors.CodeNotOpen:
			return true
		}
	}
	return false
}
