package apperr

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatusMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind Kind
		want int
	}{
		{KindValidation, http.StatusBadRequest},
		{KindNotFound, http.StatusNotFound},
		{KindArchived, http.StatusGone},
		{KindRateLimited, http.StatusTooManyRequests},
		{KindQueueFull, http.StatusServiceUnavailable},
		{KindConflict, http.StatusConflict},
		{KindIntegrity, http.StatusInternalServerError},
		{KindTransport, http.StatusInternalServerError},
		{KindInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			t.Parallel()
			e := New(tt.kind, "message")
			assert.Equal(t, tt.want, e.HTTPStatus())
		})
	}
}

func TestAsRecoversTypedError(t *testing.T) {
	t.Parallel()

	e := New(KindValidation, "bad input")
	ae, ok := As(e)
	require := assert.New(t)
	require.True(ok)
	require.Equal(e, ae)

	_, ok = As(errors.New("plain error"))
	require.False(ok)
}

func TestAsDoesNotUnwrapFmtWrapping(t *testing.T) {
	t.Parallel()

	wrapped := &wrapError{inner: New(KindNotFound, "missing")}
	_, ok := As(wrapped)
	assert.False(t, ok, "As is a plain type assertion and must not see through an intermediate wrapper")
}

type wrapError struct{ inner error }

func (w *wrapError) Error() string { return w.inner.Error() }
func (w *wrapError) Unwrap() error { return w.inner }

func TestWrapPreservesCauseInErrorString(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection refused")
	e := Wrap(KindInternal, "querying store", cause)
	assert.Contains(t, e.Error(), "connection refused")
	assert.ErrorIs(t, e, cause)
}
