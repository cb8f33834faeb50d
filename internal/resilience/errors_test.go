package resilience

import (
	"errors"
	"syscall"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

func TestClassify_Taxonomy(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"nil", nil, ClassFatal},
		{"client config", NewClientConfigError(errors.New("bad key"), 401), ClassFatal},
		{"schema validation", NewSchemaValidationError([]string{"title: required"}), ClassFatal},
		{"invalid state", NewInvalidStateError("resume on non-failed run"), ClassFatal},
		{"rate limit", NewRateLimitError(errors.New("429")), ClassRateLimit},
		{"overload", NewOverloadError(errors.New("529")), ClassOverload},
		{"transient", NewTransientError(errors.New("503"), 503), ClassTransient},
		{"persistence", NewPersistenceError(errors.New("conn refused"), "store: upsert"), ClassTransient},
		{"plain error", errors.New("something else"), ClassFatal},
		{"conn reset", syscall.ECONNRESET, ClassTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClassify_Wrapped(t *testing.T) {
	// Classification must see through eris wrapping.
	inner := NewRateLimitError(errors.New("too many requests"))
	wrapped := eris.Wrap(inner, "inference: call chunk 3")
	assert.Equal(t, ClassRateLimit, Classify(wrapped))

	fatal := eris.Wrap(NewClientConfigError(errors.New("401"), 401), "inference: call chunk 0")
	assert.Equal(t, ClassFatal, Classify(fatal))
}

func TestIsTransient_StringHeuristics(t *testing.T) {
	assert.True(t, IsTransient(errors.New("read tcp: connection reset by peer")))
	assert.True(t, IsTransient(errors.New("dial tcp: i/o timeout")))
	assert.False(t, IsTransient(errors.New("invalid request payload")))
	assert.False(t, IsTransient(nil))
}

func TestRetryable(t *testing.T) {
	assert.False(t, Retryable(NewClientConfigError(errors.New("403"), 403)))
	assert.False(t, Retryable(NewSchemaValidationError(nil)))
	assert.True(t, Retryable(NewRateLimitError(errors.New("429"))))
	assert.True(t, Retryable(NewOverloadError(errors.New("529"))))
	assert.True(t, Retryable(NewTransientError(errors.New("502"), 502)))
}

func TestClassifyHTTPStatus(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorClass
	}{
		{400, ClassFatal},
		{401, ClassFatal},
		{403, ClassFatal},
		{408, ClassTransient},
		{429, ClassRateLimit},
		{500, ClassTransient},
		{503, ClassTransient},
		{529, ClassOverload},
		{550, ClassTransient},
		{302, ClassFatal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyHTTPStatus(tt.status), "status %d", tt.status)
	}
}

func TestErrorClass_String(t *testing.T) {
	assert.Equal(t, "fatal", ClassFatal.String())
	assert.Equal(t, "rate_limit", ClassRateLimit.String())
	assert.Equal(t, "overload", ClassOverload.String())
	assert.Equal(t, "transient", ClassTransient.String())
	assert.Equal(t, "unknown", ErrorClass(42).String())
}
