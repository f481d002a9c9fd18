package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestErrorIsKind(t *testing.T) {
	cause := errors.New("boom")
	err := E("pipeline.StartExtraction", ErrInvalidTransition, "pending -> transcribing", cause)

	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("errors.Is should match kind")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("errors.Is should match wrapped cause")
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatalf("unexpected kind match")
	}

	wrapped := fmt.Errorf("outer: %w", err)
	if !errors.Is(wrapped, ErrInvalidTransition) {
		t.Fatalf("kind should survive wrapping")
	}
	want := "pipeline.StartExtraction: pending -> transcribing: boom"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{InvalidInput("op", "bad"), http.StatusBadRequest},
		{NotFound("op", "missing"), http.StatusNotFound},
		{E("op", ErrObjectNotFound, "", nil), http.StatusNotFound},
		{E("op", ErrInvalidTransition, "", nil), http.StatusConflict},
		{E("op", ErrStaleReservation, "", nil), http.StatusConflict},
		{E("op", ErrBackendUnavailable, "", nil), http.StatusBadGateway},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := HTTPStatus(c.err); got != c.want {
			t.Fatalf("HTTPStatus(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}
