package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DeepStacker/option-chain-d-sub000/internal/metrics"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runMiddleware(t *testing.T, h echo.HandlerFunc) (*httptest.ResponseRecorder, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/topics/NIFTY", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	return rec, Middleware()(h)(c)
}

func TestMiddleware_StructuredError(t *testing.T) {
	metrics.HTTPErrorsTotal.Reset()

	rec, err := runMiddleware(t, func(c echo.Context) error {
		return NotFoundError("no local subscribers").WithContext("topic", "NIFTY")
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "no local subscribers", resp.Error)
	assert.Equal(t, TypeNotFound, resp.Type)
	assert.Equal(t, "NIFTY", resp.Context["topic"])
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.HTTPErrorsTotal.WithLabelValues("not_found")))
}

func TestMiddleware_PlainErrorBecomesInternal(t *testing.T) {
	metrics.HTTPErrorsTotal.Reset()

	rec, err := runMiddleware(t, func(c echo.Context) error {
		return fmt.Errorf("unexpected")
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "internal server error", resp.Error)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.HTTPErrorsTotal.WithLabelValues("internal")))
}

func TestMiddleware_EchoHTTPErrorPassesThrough(t *testing.T) {
	metrics.HTTPErrorsTotal.Reset()

	_, err := runMiddleware(t, func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "draining")
	})

	var httpErr *echo.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusServiceUnavailable, httpErr.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.HTTPErrorsTotal.WithLabelValues("unavailable")))
}

func TestMiddleware_NoError(t *testing.T) {
	metrics.HTTPErrorsTotal.Reset()

	rec, err := runMiddleware(t, func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, testutil.CollectAndCount(metrics.HTTPErrorsTotal))
}

func TestStatusType(t *testing.T) {
	assert.Equal(t, "not_found", statusType(http.StatusNotFound))
	assert.Equal(t, "unavailable", statusType(http.StatusServiceUnavailable))
	assert.Equal(t, "validation", statusType(http.StatusTooManyRequests))
	assert.Equal(t, "internal", statusType(http.StatusBadGateway))
}
