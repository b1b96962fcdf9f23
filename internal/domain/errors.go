package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors. Adapters wrap their library errors into one of these so
// usecases and the HTTP layer can branch with errors.Is without importing
// driver packages.
var (
	// ErrInvalidArgument marks malformed or out-of-range caller input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotFound marks a missing row or queue entry.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks a state transition rejected by an idempotency guard.
	ErrConflict = errors.New("conflict")
	// ErrBudgetExceeded marks a project whose actual cost reached its budget.
	ErrBudgetExceeded = errors.New("project budget exceeded")
	// ErrPricingUnknown marks a provider with no pricing entry and no default.
	ErrPricingUnknown = errors.New("pricing unknown for provider")
	// ErrProviderUnavailable marks transient provider trouble: HTTP 5xx, 429,
	// or a network error. Retriable, and counts as a circuit failure.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrProviderRejected marks a definitive provider refusal (HTTP 4xx other
	// than 429). Terminal; retrying the same request cannot succeed.
	ErrProviderRejected = errors.New("provider rejected request")
	// ErrCircuitOpen marks an admission denied by an open circuit. The job is
	// redelivered later without consuming a retry attempt.
	ErrCircuitOpen = errors.New("circuit open")
	// ErrSandboxStart marks a failure to launch the job sandbox. Retriable,
	// but not a provider failure: it never moves the circuit.
	ErrSandboxStart = errors.New("sandbox start failed")
	// ErrSandboxTimeout marks a run that exceeded the sandbox deadline.
	ErrSandboxTimeout = errors.New("sandbox timed out")
	// ErrToolUnknown marks a tool call whose name no handler claims.
	ErrToolUnknown = errors.New("unknown tool")
	// ErrMaxIterations marks an agent loop that hit its iteration cap without
	// the model finishing its turn.
	ErrMaxIterations = errors.New("max iterations reached")
	// ErrJobCancelled marks a run stopped by an operator cancel request.
	ErrJobCancelled = errors.New("job cancelled")
	// ErrInternal marks invariant violations and unexpected adapter failures.
	ErrInternal = errors.New("internal error")
)

// FailureKind tells the dispatcher how to settle a failed attempt.
type FailureKind int

const (
	// FailureRetriable applies the retry policy without touching the circuit.
	FailureRetriable FailureKind = iota
	// FailureProvider applies the retry policy and records a circuit failure
	// for the provider that caused it.
	FailureProvider
	// FailureTerminal sends the job straight to dead-letter.
	FailureTerminal
	// FailureBudget blocks the job; it can only resume through a budget raise
	// and an admin re-drive.
	FailureBudget
	// FailureAdmitDenied redelivers the job later without a status change and
	// without consuming a retry attempt.
	FailureAdmitDenied
)

// String returns the settlement name used in logs and metrics labels.
func (k FailureKind) String() string {
	switch k {
	case FailureRetriable:
		return "retriable"
	case FailureProvider:
		return "provider"
	case FailureTerminal:
		return "terminal"
	case FailureBudget:
		return "budget"
	case FailureAdmitDenied:
		return "admit_denied"
	default:
		return "unknown"
	}
}

// Classify maps an attempt error to its settlement kind. Unrecognized errors
// default to retriable so transient infrastructure trouble never dead-letters
// a job on the first hit.
func Classify(err error) FailureKind {
	switch {
	case errors.Is(err, ErrCircuitOpen):
		return FailureAdmitDenied
	case errors.Is(err, ErrBudgetExceeded):
		return FailureBudget
	case errors.Is(err, ErrProviderUnavailable):
		return FailureProvider
	case errors.Is(err, ErrProviderRejected),
		errors.Is(err, ErrJobCancelled),
		errors.Is(err, ErrMaxIterations),
		errors.Is(err, ErrInvalidArgument),
		errors.Is(err, ErrPricingUnknown):
		return FailureTerminal
	case errors.Is(err, ErrSandboxStart), errors.Is(err, ErrSandboxTimeout):
		return FailureRetriable
	default:
		return FailureRetriable
	}
}

// FailureReasonFor returns the short stable tag stored in failure_reason.
// Full error text goes to last_error; this column is for grouping.
func FailureReasonFor(err error) string {
	switch {
	case errors.Is(err, ErrSandboxStart):
		return "sandbox start failed"
	case errors.Is(err, ErrSandboxTimeout):
		return "sandbox timed out"
	case errors.Is(err, ErrBudgetExceeded):
		return "budget exceeded"
	case errors.Is(err, ErrProviderRejected):
		return "provider rejected request"
	case errors.Is(err, ErrProviderUnavailable):
		return "provider unavailable"
	case errors.Is(err, ErrJobCancelled):
		return "user cancelled"
	case errors.Is(err, ErrMaxIterations):
		return "max iterations reached"
	case errors.Is(err, ErrPricingUnknown):
		return "pricing unknown"
	default:
		return "attempt failed"
	}
}

// MaxRetriesReason builds the dead-letter reason recorded after the retry
// budget runs out.
func MaxRetriesReason(maxRetries int, lastError string) string {
	return fmt.Sprintf("max retries (%d) exceeded: %s", maxRetries, lastError)
}
