package middleware

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func TestRequestID_GeneratesNew(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		if rid, _ := c.Get("request_id").(string); rid == "" {
			t.Error("expected request_id to be generated")
		}
		return c.String(http.StatusOK, "ok")
	}

	if err := RequestID()(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("expected X-Request-ID response header")
	}
}

func TestRequestID_PreservesExisting(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "my-custom-id")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	RequestID()(func(c echo.Context) error { return nil })(c)

	if got := rec.Header().Get(RequestIDHeader); got != "my-custom-id" {
		t.Errorf("expected my-custom-id in response header, got %s", got)
	}
}

func TestLogger_LogsRequest(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/studies", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	pid := uuid.New()
	c.Set("partition_id", pid)

	err := Logger(logger)(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, `"path":"/api/v1/studies"`) {
		t.Errorf("log line missing path: %s", out)
	}
	if !strings.Contains(out, pid.String()) {
		t.Errorf("log line missing partition id: %s", out)
	}
}

func TestLogger_RendersHandlerError(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := Logger(zerolog.New(&buf))(func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusConflict, "duplicate")
	})(c)
	if err != nil {
		t.Fatalf("expected error to be handled, got %v", err)
	}
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", rec.Code)
	}
	if !strings.Contains(buf.String(), `"status":409`) {
		t.Errorf("log line missing final status: %s", buf.String())
	}
}

func TestRecovery_CatchesPanic(t *testing.T) {
	logger := zerolog.New(os.Stderr)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/panic", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := Recovery(logger)(func(c echo.Context) error {
		panic("test panic")
	})(c)

	var httpErr *echo.HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", httpErr.Code)
	}
}

func TestRecovery_PassesThrough(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := Recovery(zerolog.Nop())(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func runPartition(t *testing.T, fallback uuid.UUID, req *http.Request) (uuid.UUID, error) {
	t.Helper()
	e := echo.New()
	c := e.NewContext(req, httptest.NewRecorder())
	var got uuid.UUID
	err := Partition(fallback)(func(c echo.Context) error {
		got, _ = PartitionFromContext(c)
		return nil
	})(c)
	return got, err
}

func TestPartition_HeaderWins(t *testing.T) {
	header, query, fallback := uuid.New(), uuid.New(), uuid.New()
	req := httptest.NewRequest(http.MethodGet, "/?partition_id="+query.String(), nil)
	req.Header.Set(PartitionHeader, header.String())

	got, err := runPartition(t, fallback, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != header {
		t.Errorf("partition = %s, want header value %s", got, header)
	}
}

func TestPartition_QueryThenFallback(t *testing.T) {
	query, fallback := uuid.New(), uuid.New()

	got, _ := runPartition(t, fallback, httptest.NewRequest(http.MethodGet, "/?partition_id="+query.String(), nil))
	if got != query {
		t.Errorf("partition = %s, want query value %s", got, query)
	}
	got, _ = runPartition(t, fallback, httptest.NewRequest(http.MethodGet, "/", nil))
	if got != fallback {
		t.Errorf("partition = %s, want fallback %s", got, fallback)
	}
}

func TestPartition_Rejects(t *testing.T) {
	tests := []struct {
		name     string
		fallback uuid.UUID
		header   string
	}{
		{"malformed", uuid.New(), "not-a-uuid"},
		{"missing", uuid.Nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set(PartitionHeader, tt.header)
			}
			_, err := runPartition(t, tt.fallback, req)
			var httpErr *echo.HTTPError
			if !errors.As(err, &httpErr) || httpErr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %v", err)
			}
		})
	}
}
