// Package circuit protects decoder reads behind a breaker per open file. A
// recording whose decoder keeps returning io errors trips its breaker so
// the File Manager and prefetch scheduler stop hammering it on every
// foreground read and speculative prefetch tick, instead failing fast until
// the timeout elapses and a half-open probe succeeds.
//
// A breaker does not just count raw failures: it runs each read through a
// retry.Retryer first, so a read that fails once and then succeeds on the
// single retry the decoder adapter is allowed is scored as one success, not
// a failure. Only a read that is still failing after its retry counts
// against the trip threshold.
package circuit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mef3errors "github.com/bnelair/brainmaze-mef3-server/pkg/errors"
	"github.com/bnelair/brainmaze-mef3-server/pkg/retry"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed - reads pass through to the decoder.
	StateClosed State = iota
	// StateOpen - reads are rejected without touching the decoder.
	StateOpen
	// StateHalfOpen - a limited number of reads are let through to test whether the decoder has recovered.
	StateHalfOpen
)

// String returns the string representation of state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config contains circuit breaker configuration.
type Config struct {
	// Maximum number of reads allowed to pass through when state is half-open.
	MaxRequests uint32 `yaml:"max_requests"`

	// Period of the closed state after which the breaker resets its counts.
	Interval time.Duration `yaml:"interval"`

	// Period of the open state after which the breaker enters half-open state
	// and lets a probe read through.
	Timeout time.Duration `yaml:"timeout"`

	// Retry governs the single retry a failing read gets before its outcome
	// is scored against ReadyToTrip. Zero value defaults to
	// retry.DefaultConfig(), the decoder adapter's own policy.
	Retry retry.Config `yaml:"retry"`

	// ReadyToTrip decides whether a decoder's recent read failures should
	// open its breaker.
	ReadyToTrip func(counts Counts) bool `yaml:"-"`

	// OnStateChange is called whenever a breaker transitions state, keyed by
	// FileId.
	OnStateChange func(name string, from State, to State) `yaml:"-"`

	// IsSuccessful decides whether a decoder read's error should be counted
	// as a failure. Errors classified invalidated (the view changed under a
	// racing prefetch) are not decoder failures and should not trip a
	// breaker on their own.
	IsSuccessful func(err error) bool `yaml:"-"`
}

// Counts holds the numbers of reads and their successes/failures.
type Counts struct {
	Requests             uint32    `json:"requests"`
	TotalSuccesses       uint32    `json:"total_successes"`
	TotalFailures        uint32    `json:"total_failures"`
	ConsecutiveSuccesses uint32    `json:"consecutive_successes"`
	ConsecutiveFailures  uint32    `json:"consecutive_failures"`
	LastActivity         time.Time `json:"last_activity"`
}

// CircuitBreaker guards one open file's decoder reads.
type CircuitBreaker struct {
	name    string
	config  Config
	retryer *retry.Retryer

	mu     sync.Mutex
	state  State
	counts Counts
	expiry time.Time
}

// NewCircuitBreaker creates a circuit breaker for the file identified by name.
func NewCircuitBreaker(name string, config Config) *CircuitBreaker {
	if config.MaxRequests == 0 {
		config.MaxRequests = 1
	}
	if config.Interval <= 0 {
		config.Interval = 60 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	if config.Retry.MaxAttempts == 0 {
		config.Retry = retry.DefaultConfig()
	}
	if config.ReadyToTrip == nil {
		config.ReadyToTrip = defaultReadyToTrip
	}
	if config.IsSuccessful == nil {
		config.IsSuccessful = defaultIsSuccessful
	}

	return &CircuitBreaker{
		name:    name,
		config:  config,
		retryer: retry.New(config.Retry),
		state:   StateClosed,
		counts:  Counts{},
		expiry:  time.Now().Add(config.Interval),
	}
}

// defaultReadyToTrip trips after at least 20 reads with a 50% failure rate,
// the point at which a recording's decoder is more likely broken than
// experiencing an isolated transient read failure.
func defaultReadyToTrip(counts Counts) bool {
	return counts.Requests >= 20 &&
		float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
}

// defaultIsSuccessful treats any read error as a failure except invalidated,
// which means the view moved out from under a racing prefetch rather than
// the decoder being unhealthy.
func defaultIsSuccessful(err error) bool {
	if err == nil {
		return true
	}
	var fileErr *mef3errors.Error
	if errors.As(err, &fileErr) && fileErr.Code == mef3errors.CodeInvalidated {
		return true
	}
	return false
}

// Execute runs fn — a decoder read — if the breaker allows it, retrying it
// once per the breaker's retry policy before scoring the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}

	err := cb.retryer.Do(fn)
	cb.afterRequest(err)
	return err
}

// ExecuteWithContext runs fn with ctx if the breaker allows it, retrying it
// once per the breaker's retry policy before scoring the outcome.
func (cb *CircuitBreaker) ExecuteWithContext(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}

	err := cb.retryer.DoWithContext(ctx, fn)
	cb.afterRequest(err)
	return err
}

// beforeRequest is called before issuing a decoder read.
func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state, _ := cb.currentState(now)

	if state == StateOpen {
		return ErrOpenState
	}

	if state == StateHalfOpen && cb.counts.Requests >= cb.config.MaxRequests {
		return ErrTooManyRequests
	}

	cb.counts.onRequest()
	return nil
}

// afterRequest records the outcome of a decoder read.
func (cb *CircuitBreaker) afterRequest(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state, _ := cb.currentState(now)

	if cb.config.IsSuccessful(err) {
		cb.onSuccess(state, now)
	} else {
		cb.onFailure(state, now)
	}
}

// onSuccess handles a successful decoder read.
func (cb *CircuitBreaker) onSuccess(state State, now time.Time) {
	cb.counts.onSuccess()

	if state == StateHalfOpen {
		cb.setState(StateClosed, now)
	}
}

// onFailure handles a failed decoder read.
func (cb *CircuitBreaker) onFailure(state State, now time.Time) {
	cb.counts.onFailure()

	switch state {
	case StateClosed:
		if cb.config.ReadyToTrip(cb.counts) {
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		cb.setState(StateOpen, now)
	}
}

// currentState returns the current state of the circuit breaker.
func (cb *CircuitBreaker) currentState(now time.Time) (State, time.Time) {
	switch cb.state {
	case StateClosed:
		if !cb.expiry.IsZero() && cb.expiry.Before(now) {
			cb.counts.clear()
			cb.expiry = now.Add(cb.config.Interval)
		}
	case StateOpen:
		if cb.expiry.Before(now) {
			cb.setState(StateHalfOpen, now)
		}
	}
	return cb.state, cb.expiry
}

// setState changes the state of the circuit breaker.
func (cb *CircuitBreaker) setState(state State, now time.Time) {
	prev := cb.state

	if cb.state == state {
		return
	}

	cb.state = state
	cb.counts.clear()

	switch state {
	case StateClosed:
		cb.expiry = now.Add(cb.config.Interval)
	case StateOpen:
		cb.expiry = now.Add(cb.config.Timeout)
	case StateHalfOpen:
		cb.expiry = time.Time{}
	}

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.name, prev, state)
	}
}

// GetState returns the current state of the circuit breaker.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state, _ := cb.currentState(time.Now())
	return state
}

// GetCounts returns a copy of the current counts.
func (cb *CircuitBreaker) GetCounts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return cb.counts
}

// Reset clears the breaker back to closed with empty counts. Manager.ResetAll
// calls it for every tracked breaker; a file that is closed and reopened gets
// a new breaker instead, since CloseFile removes the old one.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.counts.clear()
	cb.setState(StateClosed, time.Now())
}

// Name returns the FileId this breaker guards.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Methods for Counts struct.

func (c *Counts) onRequest() {
	c.Requests++
	c.LastActivity = time.Now()
}

func (c *Counts) onSuccess() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

func (c *Counts) clear() {
	c.Requests = 0
	c.TotalSuccesses = 0
	c.TotalFailures = 0
	c.ConsecutiveSuccesses = 0
	c.ConsecutiveFailures = 0
	c.LastActivity = time.Time{}
}

// Errors

var (
	// ErrOpenState is returned when a file's breaker is open and a decoder
	// read is rejected without touching the decoder.
	ErrOpenState = errors.New("circuit breaker is open")

	// ErrTooManyRequests is returned when too many probe reads are made
	// while a breaker is half-open.
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Manager owns one circuit breaker per open FileId.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	config   Config
}

// NewManager creates a circuit breaker manager. Every breaker it creates
// shares config.
func NewManager(config Config) *Manager {
	return &Manager{
		breakers: make(map[string]*CircuitBreaker),
		config:   config,
	}
}

// GetBreaker gets or creates the breaker for the file identified by name,
// called by the File Manager with the file's canonical FileId on every
// decoder read.
func (m *Manager) GetBreaker(name string) *CircuitBreaker {
	m.mu.RLock()
	if breaker, exists := m.breakers[name]; exists {
		m.mu.RUnlock()
		return breaker
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check in case another goroutine created it.
	if breaker, exists := m.breakers[name]; exists {
		return breaker
	}

	breaker := NewCircuitBreaker(name, m.config)
	m.breakers[name] = breaker
	return breaker
}

// GetAllBreakers returns a copy of all circuit breakers, keyed by FileId.
func (m *Manager) GetAllBreakers() map[string]*CircuitBreaker {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]*CircuitBreaker, len(m.breakers))
	for name, breaker := range m.breakers {
		result[name] = breaker
	}
	return result
}

// RemoveBreaker drops the breaker for name, called by the File Manager when
// the corresponding file is closed.
func (m *Manager) RemoveBreaker(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.breakers, name)
}

// ResetAll resets every tracked breaker to closed.
func (m *Manager) ResetAll() {
	m.mu.RLock()
	breakers := make([]*CircuitBreaker, 0, len(m.breakers))
	for _, breaker := range m.breakers {
		breakers = append(breakers, breaker)
	}
	m.mu.RUnlock()

	for _, breaker := range breakers {
		breaker.Reset()
	}
}

// GetStats returns statistics for all tracked breakers, keyed by FileId.
func (m *Manager) GetStats() map[string]CircuitBreakerStats {
	m.mu.RLock()
	breakers := make(map[string]*CircuitBreaker, len(m.breakers))
	for name, breaker := range m.breakers {
		breakers[name] = breaker
	}
	m.mu.RUnlock()

	stats := make(map[string]CircuitBreakerStats)
	for name, breaker := range breakers {
		stats[name] = CircuitBreakerStats{
			Name:   name,
			State:  breaker.GetState(),
			Counts: breaker.GetCounts(),
		}
	}
	return stats
}

// CircuitBreakerStats represents statistics for a single file's breaker.
type CircuitBreakerStats struct {
	Name   string `json:"name"`
	State  State  `json:"state"`
	Counts Counts `json:"counts"`
}

// TrippedFiles returns the FileIds whose breaker is currently open.
func (m *Manager) TrippedFiles() []string {
	stats := m.GetStats()

	var openFiles []string
	for name, stat := range stats {
		if stat.State == StateOpen {
			openFiles = append(openFiles, name)
		}
	}
	return openFiles
}

// HealthCheck reports which open files currently have a tripped breaker,
// useful for the metrics/health endpoint to surface decoders that are
// failing outright rather than merely slow.
func (m *Manager) HealthCheck() error {
	openFiles := m.TrippedFiles()
	if len(openFiles) > 0 {
		return fmt.Errorf("circuit breakers open for files: %v", openFiles)
	}
	return nil
}
