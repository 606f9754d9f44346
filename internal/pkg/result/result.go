// Package result carries values that may have been produced in a degraded mode.
// Hard failures are still returned as plain errors.
package result

// Status describes how complete a Result is.
type Status int

const (
	StatusOK Status = iota
	StatusDegraded
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Result is a value together with the reason it may be incomplete.
type Result[T any] struct {
	Value  T
	Status Status
	Reason string
}

func OK[T any](v T) Result[T] {
	return Result[T]{Value: v, Status: StatusOK}
}

// Degraded wraps a best-effort value. Reason is meant for logs, not for end users.
func Degraded[T any](v T, reason string) Result[T] {
	return Result[T]{Value: v, Status: StatusDegraded, Reason: reason}
}

func (r Result[T]) IsDegraded() bool {
	return r.Status == StatusDegraded
}
