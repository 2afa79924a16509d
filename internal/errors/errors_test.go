package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestClassifyGRPCStatus(t *testing.T) {
	cases := []struct {
		code codes.Code
		kind Kind
	}{
		{codes.Unavailable, KindUnavailable},
		{codes.DeadlineExceeded, KindDeadlineExceeded},
		{codes.ResourceExhausted, KindResourceExhausted},
		{codes.Aborted, KindAborted},
		{codes.InvalidArgument, KindInvalidArgument},
		{codes.NotFound, KindNotFound},
		{codes.Unimplemented, KindNotFound},
		{codes.AlreadyExists, KindAlreadyExists},
		{codes.PermissionDenied, KindPermissionDenied},
		{codes.Unauthenticated, KindUnauthenticated},
		{codes.Internal, KindInternal},
		{codes.Unknown, KindInternal},
	}

	for _, tc := range cases {
		ce := Classify(status.Error(tc.code, "boom"))
		assert.Equal(t, tc.kind, ce.Kind, "code %s", tc.code)
		assert.NotNil(t, ce.Cause)
	}
}

func TestClassifyContextErrors(t *testing.T) {
	assert.Equal(t, KindDeadlineExceeded, Classify(context.DeadlineExceeded).Kind)
	assert.Equal(t, KindAborted, Classify(context.Canceled).Kind)
	assert.Equal(t, KindDeadlineExceeded,
		Classify(fmt.Errorf("attempt: %w", context.DeadlineExceeded)).Kind)
}

func TestClassifyPassthrough(t *testing.T) {
	original := New(KindCircuitOpen, "circuit open")
	reclassified := Classify(original)
	assert.Same(t, original, reclassified, "classification must happen exactly once")

	wrapped := fmt.Errorf("outer: %w", original)
	assert.Same(t, original, Classify(wrapped))
}

func TestClassifyNil(t *testing.T) {
	assert.Nil(t, Classify(nil))
	assert.Nil(t, AsCallError(nil))
}

func TestRetryableSet(t *testing.T) {
	retryable := []Kind{KindUnavailable, KindDeadlineExceeded, KindResourceExhausted, KindAborted}
	for _, kind := range retryable {
		assert.True(t, New(kind, "x").Retryable(), "kind %s", kind)
	}

	notRetryable := []Kind{
		KindInvalidArgument, KindNotFound, KindAlreadyExists, KindPermissionDenied,
		KindUnauthenticated, KindInternal,
		KindCircuitOpen, KindNoServersAvailable, KindPoolExhausted, KindDuplicateBackend,
	}
	for _, kind := range notRetryable {
		assert.False(t, New(kind, "x").Retryable(), "kind %s", kind)
	}
}

func TestSyntheticKinds(t *testing.T) {
	assert.True(t, New(KindCircuitOpen, "x").Synthetic())
	assert.True(t, New(KindNoServersAvailable, "x").Synthetic())
	assert.True(t, New(KindPoolExhausted, "x").Synthetic())
	assert.True(t, New(KindDuplicateBackend, "x").Synthetic())
	assert.False(t, New(KindUnavailable, "x").Synthetic())
}

func TestGRPCCodeRoundTrip(t *testing.T) {
	// Transport kinds must survive a code round trip
	for _, kind := range []Kind{
		KindUnavailable, KindDeadlineExceeded, KindResourceExhausted, KindAborted,
		KindInvalidArgument, KindNotFound, KindAlreadyExists,
		KindPermissionDenied, KindUnauthenticated, KindInternal,
	} {
		assert.Equal(t, kind, kindFromCode(GRPCCode(kind)), "kind %s", kind)
	}

	// Synthetic kinds map onto shared codes; distinguishability rides on the
	// error-kind trailer instead
	assert.Equal(t, codes.Unavailable, GRPCCode(KindCircuitOpen))
	assert.Equal(t, codes.Unavailable, GRPCCode(KindNoServersAvailable))
	assert.Equal(t, codes.ResourceExhausted, GRPCCode(KindPoolExhausted))
	assert.Equal(t, codes.AlreadyExists, GRPCCode(KindDuplicateBackend))
}

func TestEnrichment(t *testing.T) {
	ce := New(KindUnavailable, "connection refused").
		WithMethod("/echo.Echo/Ping").
		WithAttempts(3, 250*time.Millisecond, "closed").
		WithBackend("10.0.0.1:50051", "round_robin").
		WithRequest("req-1", "gw-1")

	assert.Equal(t, "/echo.Echo/Ping", ce.Method)
	assert.Equal(t, 3, ce.Attempts)
	assert.Equal(t, 250*time.Millisecond, ce.Elapsed)
	assert.Equal(t, "10.0.0.1:50051", ce.BackendID)
	assert.Equal(t, "round_robin", ce.Strategy)
	assert.Contains(t, ce.Error(), "req-1")
	assert.Contains(t, ce.Error(), "UNAVAILABLE")
}

func TestErrorsIsMatchesByKind(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", New(KindPoolExhausted, "all handles busy"))

	require.True(t, stderrors.Is(err, New(KindPoolExhausted, "anything")))
	assert.False(t, stderrors.Is(err, New(KindUnavailable, "anything")))
	assert.True(t, IsKind(err, KindPoolExhausted))
	assert.Equal(t, KindPoolExhausted, KindOf(err))
}
