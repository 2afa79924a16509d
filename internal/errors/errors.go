package errors

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind is a stable classification of a call failure, independent of the
// transport's raw error representation. Retryability decisions key off it.
type Kind string

const (
	// Transport-reported kinds
	KindUnavailable       Kind = "UNAVAILABLE"
	KindDeadlineExceeded  Kind = "DEADLINE_EXCEEDED"
	KindResourceExhausted Kind = "RESOURCE_EXHAUSTED"
	KindAborted           Kind = "ABORTED"
	KindInvalidArgument   Kind = "INVALID_ARGUMENT"
	KindNotFound          Kind = "NOT_FOUND"
	KindAlreadyExists     Kind = "ALREADY_EXISTS"
	KindPermissionDenied  Kind = "PERMISSION_DENIED"
	KindUnauthenticated   Kind = "UNAUTHENTICATED"
	KindInternal          Kind = "INTERNAL"

	// Synthetic kinds produced inside the balancing layer
	KindCircuitOpen        Kind = "CIRCUIT_OPEN"
	KindNoServersAvailable Kind = "NO_SERVERS_AVAILABLE"
	KindPoolExhausted      Kind = "POOL_EXHAUSTED"
	KindDuplicateBackend   Kind = "DUPLICATE_BACKEND"
)

// CallError is a classified, enriched call failure. Classification happens
// once, where the raw transport error first surfaces; layers above only add
// enrichment fields and must not re-classify.
type CallError struct {
	Kind      Kind      `json:"kind"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`

	// Executor enrichment
	Method       string        `json:"method,omitempty"`
	Attempts     int           `json:"attempts,omitempty"`
	Elapsed      time.Duration `json:"elapsed,omitempty"`
	BreakerState string        `json:"breaker_state,omitempty"`

	// Balancer enrichment
	BackendID string `json:"backend_id,omitempty"`
	Strategy  string `json:"strategy,omitempty"`

	// Facade enrichment
	RequestID string `json:"request_id,omitempty"`
	GatewayID string `json:"gateway_id,omitempty"`

	Cause error `json:"-"`
}

// Error implements the error interface
func (e *CallError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("[%s][%s] %s", e.RequestID, e.Kind, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause
func (e *CallError) Unwrap() error {
	return e.Cause
}

// Is matches errors by kind
func (e *CallError) Is(target error) bool {
	var t *CallError
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// Retryable reports whether retrying the call may succeed. PoolExhausted is
// not retryable here because the pool fails fast rather than blocking.
func (e *CallError) Retryable() bool {
	switch e.Kind {
	case KindUnavailable, KindDeadlineExceeded, KindResourceExhausted, KindAborted:
		return true
	default:
		return false
	}
}

// Synthetic reports whether the error was produced inside the balancing
// layer rather than by the backend, so callers can degrade gracefully
// instead of treating it as a data error.
func (e *CallError) Synthetic() bool {
	switch e.Kind {
	case KindCircuitOpen, KindNoServersAvailable, KindPoolExhausted, KindDuplicateBackend:
		return true
	default:
		return false
	}
}

// WithMethod attaches the call's method name
func (e *CallError) WithMethod(method string) *CallError {
	e.Method = method
	return e
}

// WithAttempts attaches the executor's attempt count, elapsed time, and the
// breaker state at the time of failure
func (e *CallError) WithAttempts(attempts int, elapsed time.Duration, breakerState string) *CallError {
	e.Attempts = attempts
	e.Elapsed = elapsed
	e.BreakerState = breakerState
	return e
}

// WithBackend attaches the selected backend id and strategy name
func (e *CallError) WithBackend(backendID, strategy string) *CallError {
	e.BackendID = backendID
	e.Strategy = strategy
	return e
}

// WithRequest attaches the facade's request and gateway ids
func (e *CallError) WithRequest(requestID, gatewayID string) *CallError {
	e.RequestID = requestID
	e.GatewayID = gatewayID
	return e
}

// New creates a classified error
func New(kind Kind, message string) *CallError {
	return &CallError{
		Kind:      kind,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Newf creates a classified error with a formatted message
func Newf(kind Kind, format string, args ...interface{}) *CallError {
	return New(kind, fmt.Sprintf(format, args...))
}

// Classify turns a raw transport error into a classified error. Already
// classified errors pass through unchanged so classification happens exactly
// once.
func Classify(err error) *CallError {
	if err == nil {
		return nil
	}

	var ce *CallError
	if errors.As(err, &ce) {
		return ce
	}

	kind := KindInternal
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindDeadlineExceeded
	case errors.Is(err, context.Canceled):
		kind = KindAborted
	default:
		if st, ok := status.FromError(err); ok {
			kind = kindFromCode(st.Code())
		}
	}

	return &CallError{
		Kind:      kind,
		Message:   err.Error(),
		Timestamp: time.Now(),
		Cause:     err,
	}
}

// kindFromCode maps gRPC status codes to error kinds
func kindFromCode(code codes.Code) Kind {
	switch code {
	case codes.Unavailable:
		return KindUnavailable
	case codes.DeadlineExceeded:
		return KindDeadlineExceeded
	case codes.ResourceExhausted:
		return KindResourceExhausted
	case codes.Aborted:
		return KindAborted
	case codes.InvalidArgument:
		return KindInvalidArgument
	case codes.NotFound, codes.Unimplemented:
		return KindNotFound
	case codes.AlreadyExists:
		return KindAlreadyExists
	case codes.PermissionDenied:
		return KindPermissionDenied
	case codes.Unauthenticated:
		return KindUnauthenticated
	case codes.Canceled:
		return KindAborted
	default:
		return KindInternal
	}
}

// GRPCCode maps an error kind back to the gRPC status code the proxy
// surfaces to its caller. Synthetic kinds map to Unavailable/ResourceExhausted
// and stay distinguishable via the error-kind trailer.
func GRPCCode(kind Kind) codes.Code {
	switch kind {
	case KindUnavailable, KindCircuitOpen, KindNoServersAvailable:
		return codes.Unavailable
	case KindDeadlineExceeded:
		return codes.DeadlineExceeded
	case KindResourceExhausted, KindPoolExhausted:
		return codes.ResourceExhausted
	case KindAborted:
		return codes.Aborted
	case KindInvalidArgument:
		return codes.InvalidArgument
	case KindNotFound:
		return codes.NotFound
	case KindAlreadyExists, KindDuplicateBackend:
		return codes.AlreadyExists
	case KindPermissionDenied:
		return codes.PermissionDenied
	case KindUnauthenticated:
		return codes.Unauthenticated
	default:
		return codes.Internal
	}
}

// KindOf extracts the kind from any error, KindInternal for unclassified ones
func KindOf(err error) Kind {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}

// IsRetryable reports whether an error is worth retrying
func IsRetryable(err error) bool {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Retryable()
	}
	return false
}

// IsKind reports whether the error carries the given kind
func IsKind(err error, kind Kind) bool {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}

// AsCallError extracts a *CallError, classifying on the fly when needed so
// the facade always hands its caller an enriched, classified error
func AsCallError(err error) *CallError {
	if err == nil {
		return nil
	}
	var ce *CallError
	if errors.As(err, &ce) {
		return ce
	}
	return Classify(err)
}
