package obshttp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubHandler struct {
	err  error
	last []byte
}

func (s *stubHandler) Handle(_ context.Context, raw []byte, _ time.Time) error {
	s.last = raw
	return s.err
}

func TestHealthzReturnsOK(t *testing.T) {
	srv := New(&stubHandler{}, zap.NewNop())
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	srv.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNotifyForwardsBodyToHandler(t *testing.T) {
	h := &stubHandler{}
	srv := New(h, zap.NewNop())
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/notify", strings.NewReader(`{"bucket":"b","name":"ds1/t1/_SUCCESS"}`))
	srv.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(h.last), "ds1/t1/_SUCCESS")
}

func TestNotifyTranslatesHandlerErrorTo422(t *testing.T) {
	h := &stubHandler{err: assert.AnError}
	srv := New(h, zap.NewNop())
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/notify", strings.NewReader(`{}`))
	srv.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}
