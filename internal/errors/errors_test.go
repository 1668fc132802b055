package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"google.golang.org/grpc/codes"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"nil", nil, ""},
		{"typed", NotFound("delegation", "d1"), ErrCodeNotFound},
		{"wrapped typed", fmt.Errorf("accept: %w", Conflict("terminal")), ErrCodeConflict},
		{"untyped", errors.New("boom"), ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWrap_Unwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := Unavailable("user directory", cause)

	if !errors.Is(err, cause) {
		t.Fatal("expected wrapped cause to be reachable via errors.Is")
	}
	if err.Code != ErrCodeUnavailable {
		t.Errorf("Code = %q, want %q", err.Code, ErrCodeUnavailable)
	}
	if got := err.Error(); got != "UNAVAILABLE: user directory unavailable: connection refused" {
		t.Errorf("Error() = %q", got)
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{NotFound("project", "p1"), http.StatusNotFound},
		{Conflict("x"), http.StatusConflict},
		{InvalidInput("phone", "required"), http.StatusBadRequest},
		{New(ErrCodeUnauthorized, "no"), http.StatusForbidden},
		{Unavailable("redis", nil), http.StatusServiceUnavailable},
		{errors.New("x"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := HTTPStatus(tt.err); got != tt.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestGRPCCode(t *testing.T) {
	if got := GRPCCode(nil); got != codes.OK {
		t.Errorf("GRPCCode(nil) = %v, want OK", got)
	}
	if got := GRPCCode(Conflict("terminal")); got != codes.FailedPrecondition {
		t.Errorf("GRPCCode(conflict) = %v, want FailedPrecondition", got)
	}
	if got := GRPCCode(NotFound("delegation", "d1")); got != codes.NotFound {
		t.Errorf("GRPCCode(not found) = %v, want NotFound", got)
	}
}

func TestIsCode(t *testing.T) {
	if IsCode(nil, ErrCodeNotFound) {
		t.Error("IsCode(nil) = true, want false")
	}
	if !IsCode(InvalidInput("start_date", "required"), ErrCodeInvalidInput) {
		t.Error("IsCode(invalid input) = false, want true")
	}
}
