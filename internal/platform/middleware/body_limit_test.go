package middleware

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func readAllHandler(got *[]byte) echo.HandlerFunc {
	return func(c echo.Context) error {
		b, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return err
		}
		*got = b
		return c.NoContent(http.StatusNoContent)
	}
}

func TestBodyLimit_AllowsSmallBody(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/instances", bytes.NewReader([]byte("DICM")))
	c := e.NewContext(req, httptest.NewRecorder())

	var got []byte
	if err := BodyLimit(16)(readAllHandler(&got))(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != "DICM" {
		t.Errorf("body = %q", got)
	}
}

func TestBodyLimit_RejectsDeclaredLength(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/instances", bytes.NewReader(make([]byte, 32)))
	c := e.NewContext(req, httptest.NewRecorder())

	called := false
	err := BodyLimit(16)(func(c echo.Context) error { called = true; return nil })(c)
	var httpErr *echo.HTTPError
	if !errors.As(err, &httpErr) || httpErr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %v", err)
	}
	if called {
		t.Error("handler should not run")
	}
}

func TestBodyLimit_RejectsUndeclaredLength(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/instances", bytes.NewReader(make([]byte, 32)))
	req.ContentLength = -1
	c := e.NewContext(req, httptest.NewRecorder())

	var got []byte
	err := BodyLimit(16)(readAllHandler(&got))(c)
	var httpErr *echo.HTTPError
	if !errors.As(err, &httpErr) || httpErr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 from reader, got %v", err)
	}
}

func TestBodyLimit_Disabled(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(make([]byte, 64)))
	c := e.NewContext(req, httptest.NewRecorder())

	var got []byte
	if err := BodyLimit(0)(readAllHandler(&got))(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 64 {
		t.Errorf("read %d bytes, want 64", len(got))
	}
}
