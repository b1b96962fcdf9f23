package observability

import (
	"log/slog"
	"sync"
	"time"

	obsmetrics "github.com/forgestack/agentd/internal/adapter/observability"
)

// CircuitState represents the state of one provider's circuit.
type CircuitState int

const (
	// StateClosed allows requests through and counts consecutive failures.
	StateClosed CircuitState = iota
	// StateHalfOpen admits exactly one probe request to test recovery.
	StateHalfOpen
	// StateOpen denies all requests until the open timeout passes.
	StateOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// CircuitBreaker is the admission gate for one provider. Consecutive
// failures open it; after the open timeout one probe is admitted, and the
// probe's outcome decides between closing and re-opening.
type CircuitBreaker struct {
	mu sync.Mutex

	provider         string
	failureThreshold int
	openTimeout      time.Duration
	now              func() time.Time

	state         CircuitState
	failures      int
	openedAt      time.Time
	probeInFlight bool

	totalRequests int64
	totalFailures int64
}

// NewCircuitBreaker creates a closed breaker for one provider.
func NewCircuitBreaker(provider string, failureThreshold int, openTimeout time.Duration, now func() time.Time) *CircuitBreaker {
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{
		provider:         provider,
		failureThreshold: failureThreshold,
		openTimeout:      openTimeout,
		now:              now,
		state:            StateClosed,
	}
}

// Admit reports whether a request to the provider may be issued now. An
// open breaker whose timeout has elapsed transitions to half-open and
// admits the caller as the single probe.
func (cb *CircuitBreaker) Admit() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if cb.now().Sub(cb.openedAt) >= cb.openTimeout {
			cb.transition(StateHalfOpen)
			cb.probeInFlight = true
			return true
		}
		return false
	case StateHalfOpen:
		if cb.probeInFlight {
			return false
		}
		cb.probeInFlight = true
		return true
	default:
		return false
	}
}

// Allows reports whether a request would currently be admitted, without
// consuming the half-open probe slot or moving the breaker. Callers that
// only route on breaker state use this; the slot is taken by Admit at the
// point the request is actually issued.
func (cb *CircuitBreaker) Allows() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		return cb.now().Sub(cb.openedAt) >= cb.openTimeout
	case StateHalfOpen:
		return !cb.probeInFlight
	default:
		return false
	}
}

// Record feeds the outcome of an admitted request back into the breaker.
func (cb *CircuitBreaker) Record(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++
	if success {
		cb.failures = 0
		if cb.state != StateClosed {
			cb.transition(StateClosed)
		}
		cb.probeInFlight = false
		return
	}

	cb.totalFailures++
	switch cb.state {
	case StateHalfOpen:
		// Probe failed; back to open with a fresh timeout.
		cb.openedAt = cb.now()
		cb.probeInFlight = false
		cb.transition(StateOpen)
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.failureThreshold {
			cb.openedAt = cb.now()
			cb.transition(StateOpen)
		}
	}
}

// transition must be called with the mutex held.
func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	cb.state = to
	obsmetrics.SetCircuitState(cb.provider, int(to), to.String())
	lg := slog.Default()
	if to == StateOpen {
		lg.Warn("circuit opened",
			slog.String("provider", cb.provider),
			slog.String("from", from.String()),
			slog.Int("failures", cb.failures))
		return
	}
	lg.Info("circuit transition",
		slog.String("provider", cb.provider),
		slog.String("from", from.String()),
		slog.String("to", to.String()))
}

// CircuitStats is a point-in-time reading of one breaker, served by the
// admin endpoint.
type CircuitStats struct {
	Provider      string     `json:"provider"`
	State         string     `json:"state"`
	Failures      int        `json:"failures"`
	OpenedAt      *time.Time `json:"opened_at,omitempty"`
	TotalRequests int64      `json:"total_requests"`
	TotalFailures int64      `json:"total_failures"`
}

// Stats returns the breaker's current counters.
func (cb *CircuitBreaker) Stats() CircuitStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	st := CircuitStats{
		Provider:      cb.provider,
		State:         cb.state.String(),
		Failures:      cb.failures,
		TotalRequests: cb.totalRequests,
		TotalFailures: cb.totalFailures,
	}
	if cb.state != StateClosed && !cb.openedAt.IsZero() {
		t := cb.openedAt
		st.OpenedAt = &t
	}
	return st
}

// CircuitRegistry holds one breaker per provider behind a single lock for
// the map; each cell has its own lock so providers do not contend with each
// other. It implements domain.CircuitGate. State is process-local and
// rebuilt empty on start.
type CircuitRegistry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker

	failureThreshold int
	openTimeout      time.Duration
	now              func() time.Time
}

// NewCircuitRegistry creates an empty registry; breakers are created lazily
// per provider. A nil clock uses time.Now.
func NewCircuitRegistry(failureThreshold int, openTimeout time.Duration, now func() time.Time) *CircuitRegistry {
	if now == nil {
		now = time.Now
	}
	return &CircuitRegistry{
		breakers:         make(map[string]*CircuitBreaker),
		failureThreshold: failureThreshold,
		openTimeout:      openTimeout,
		now:              now,
	}
}

func (r *CircuitRegistry) breaker(provider string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[provider]
	r.mu.RUnlock()
	if ok {
		return cb
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[provider]; ok {
		return cb
	}
	cb = NewCircuitBreaker(provider, r.failureThreshold, r.openTimeout, r.now)
	r.breakers[provider] = cb
	return cb
}

// Admit implements domain.CircuitGate.
func (r *CircuitRegistry) Admit(provider string) bool {
	return r.breaker(provider).Admit()
}

// Allows implements domain.CircuitGate.
func (r *CircuitRegistry) Allows(provider string) bool {
	return r.breaker(provider).Allows()
}

// Record implements domain.CircuitGate.
func (r *CircuitRegistry) Record(provider string, success bool) {
	r.breaker(provider).Record(success)
}

// Snapshot returns stats for every provider seen so far.
func (r *CircuitRegistry) Snapshot() []CircuitStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]CircuitStats, 0, len(r.breakers))
	for _, cb := range r.breakers {
		out = append(out, cb.Stats())
	}
	return out
}
