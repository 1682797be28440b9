package errors

import (
	stderr "errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	t.Parallel()

	err := New(CodeNotFound, "sysint", "object not found")
	assert.Equal(t, CodeNotFound, err.Code)
	assert.Equal(t, CategoryNamespace, err.Category)
	assert.False(t, err.Retryable)
	assert.False(t, err.Timestamp.IsZero())
}

func TestRetryable(t *testing.T) {
	t.Parallel()

	cases := []struct {
		code      Code
		retryable bool
	}{
		{CodeTimeout, true},
		{CodeConnection, true},
		{CodeServerBusy, true},
		{CodeServerOutOfMem, true},
		{CodeSecurity, false},
		{CodeNotFound, false},
		{CodeAlreadyExists, false},
		{CodeProtocol, false},
	}
	for _, c := range cases {
		err := New(c.code, "rpc", "test")
		assert.Equal(t, c.retryable, err.Retryable, "code %s", c.code)
	}
}

func TestWrapAndUnwrap(t *testing.T) {
	t.Parallel()

	cause := stderr.New("underlying transport failure")
	err := New(CodeConnection, "rpc", "send failed").WithCause(cause).WithOperation("post_send")

	assert.Equal(t, cause, stderr.Unwrap(err))
	assert.Contains(t, err.Error(), "post_send")
	assert.Contains(t, err.Error(), "ECONNFAILED")
}

func TestIs(t *testing.T) {
	t.Parallel()

	a := New(CodeNotFound, "sysint", "a")
	b := New(CodeNotFound, "sysint", "b")
	c := New(CodeAlreadyExists, "sysint", "c")

	assert.True(t, stderr.Is(a, b))
	assert.False(t, stderr.Is(a, c))
}

func TestWithDetail(t *testing.T) {
	t.Parallel()

	err := New(CodeInvalid, "configcache", "bad layout").WithDetail("fs_id", uint32(7))
	assert.Equal(t, uint32(7), err.Details["fs_id"])
}
