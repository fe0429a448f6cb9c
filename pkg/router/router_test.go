package router

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errCustom = errors.New("custom error")

func Test_ErrorMapper(t *testing.T) {
	router := New()
	router.RegisterErrorMapper(errCustom, func(err error) JsonError {
		return JsonError{Code: 400, Err: "mapped"}
	})

	tcs := []struct {
		name string
		err  error
		exp  JsonError
	}{
		{
			name: "sentinel",
			err:  errCustom,
			exp:  JsonError{Code: 400, Err: "mapped"},
		},
		{
			name: "wrapped sentinel",
			err:  fmt.Errorf("loading: %w", errCustom),
			exp:  JsonError{Code: 400, Err: "mapped"},
		},
		{
			name: "unmapped",
			err:  errors.New("random error"),
			exp:  router.defaultError,
		},
		{
			name: "api error",
			err:  JsonError{Code: 400, Err: "API Error"},
			exp:  JsonError{Code: 400, Err: "API Error"},
		},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.exp, router.mapError(tc.err))
		})
	}
}

func Test_SubRouterSharesMappers(t *testing.T) {
	router := New()
	router.Route("/api", func(r *Router) {
		r.Get("/fail", func(w http.ResponseWriter, r *http.Request) error {
			return fmt.Errorf("handler: %w", errCustom)
		})
	})
	router.RegisterErrorMapper(errCustom, func(err error) JsonError {
		return NewJsonError(http.StatusTeapot, "teapot")
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/fail", nil))

	require.Equal(t, http.StatusTeapot, rec.Code)
	assert.JSONEq(t, `{"code":418,"error":"teapot"}`, rec.Body.String())
}

func Test_Middleware(t *testing.T) {
	router := New()
	deny := func(next http.Handler) HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) error {
			if r.Header.Get("X-Allow") == "" {
				return NewJsonError(http.StatusUnauthorized, "unauthenticated")
			}
			next.ServeHTTP(w, r)
			return nil
		}
	}
	router.With(deny).Get("/private", func(w http.ResponseWriter, r *http.Request) error {
		return JSON(w, http.StatusOK, map[string]bool{"ok": true})
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/private", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/private", nil)
	req.Header.Set("X-Allow", "1")
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
}
