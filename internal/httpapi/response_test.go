package httpapi

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/e2b-dev/collab-core/internal/apperr"
)

func newTestContext() (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	return c, w
}

func TestWriteErrorMapsTypedErrorToItsStatus(t *testing.T) {
	t.Parallel()

	c, w := newTestContext()
	writeError(c, apperr.New(apperr.KindNotFound, "room not found"))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"error":"room not found"}`, w.Body.String())
}

func TestWriteErrorMasksInternalKind(t *testing.T) {
	t.Parallel()

	c, w := newTestContext()
	writeError(c, apperr.Wrap(apperr.KindInternal, "db write failed", errors.New("connection reset")))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"internal server error"}`, w.Body.String())
	assert.NotContains(t, w.Body.String(), "connection reset")
}

func TestWriteErrorTreatsUntypedErrorsAsInternal(t *testing.T) {
	t.Parallel()

	c, w := newTestContext()
	writeError(c, errors.New("unexpected panic recovery detail"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"internal server error"}`, w.Body.String())
	assert.NotContains(t, w.Body.String(), "panic recovery detail")
}

func TestBadRequest(t *testing.T) {
	t.Parallel()

	c, w := newTestContext()
	badRequest(c, "roomId is required")

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"roomId is required"}`, w.Body.String())
}
