package middleware

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubBodyValidator struct {
	name string
	err  error
}

func (s *stubBodyValidator) ValidateRequest(name string, _ []byte) error {
	s.name = name
	return s.err
}

var echoHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	b, _ := io.ReadAll(r.Body)
	w.Write(b)
})

func TestValidateBody_PassesAndRestoresBody(t *testing.T) {
	v := &stubBodyValidator{}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"url":"x"}`))
	rec := httptest.NewRecorder()

	ValidateBody(v, "order_request", 0)(echoHandler).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, `{"url":"x"}`, rec.Body.String())
	require.Equal(t, "order_request", v.name)
}

func TestValidateBody_Rejects(t *testing.T) {
	v := &stubBodyValidator{err: errors.New("validation failed: url is required")}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()

	ValidateBody(v, "order_request", 0)(echoHandler).ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.JSONEq(t, `{"error":"validation failed: url is required"}`, rec.Body.String())
}

func TestValidateBody_TooLarge(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("a", 100)))
	rec := httptest.NewRecorder()
	ValidateBody(&stubBodyValidator{}, "order_request", 10)(echoHandler).ServeHTTP(rec, req)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}
