package shared

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestAPIError_WithDetails(t *testing.T) {
	apiErr := NewAPIError("invalid_config", "bad resolution").WithDetails(map[string]string{"field": "resolution"})
	if apiErr.Code != "invalid_config" {
		t.Errorf("unexpected code %q", apiErr.Code)
	}
	if apiErr.Details == nil {
		t.Error("details should be set")
	}
}

func TestHTTPError_StatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{ErrInvalidConfig, http.StatusBadRequest},
		{ErrSessionNotFound, http.StatusNotFound},
		{ErrInvalidState, http.StatusConflict},
		{ErrSessionClosed, http.StatusConflict},
		{ErrNegotiationFailed, http.StatusBadGateway},
		{ErrConnectionFailed, http.StatusBadGateway},
		{ErrTimeout, http.StatusGatewayTimeout},
		{errors.New("unexpected"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		if got := HTTPError(tc.err); got.Code != tc.want {
			t.Errorf("HTTPError(%v) = %d, want %d", tc.err, got.Code, tc.want)
		}
	}
}

func TestHTTPError_WrappedErrors(t *testing.T) {
	wrapped := fmt.Errorf("%w: resolution must be WxH, got \"720p\"", ErrInvalidConfig)
	httpErr := HTTPError(wrapped)
	if httpErr.Code != http.StatusBadRequest {
		t.Errorf("wrapped ErrInvalidConfig should map to 400, got %d", httpErr.Code)
	}

	apiErr, ok := httpErr.Message.(*APIError)
	if !ok {
		t.Fatalf("expected *APIError payload, got %T", httpErr.Message)
	}
	if apiErr.Message != wrapped.Error() {
		t.Errorf("error text lost: %q", apiErr.Message)
	}
}

func TestHTTPError_UnknownErrorHidesDetails(t *testing.T) {
	httpErr := HTTPError(errors.New("pq: connection refused"))
	apiErr, ok := httpErr.Message.(*APIError)
	if !ok {
		t.Fatalf("expected *APIError payload, got %T", httpErr.Message)
	}
	if apiErr.Message != "internal error" {
		t.Errorf("internal details leaked: %q", apiErr.Message)
	}
}
