package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	testCases := []struct {
		desc string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"validation", Validationf("bad %s", "field"), http.StatusBadRequest},
		{"wrapped conflict", fmt.Errorf("while creating: %w", Conflictf("dup")), http.StatusConflict},
		{"not found", NotFoundf("automation %q not found", "abc"), http.StatusNotFound},
		{"plain", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			if got := HTTPStatus(tc.err); got != tc.want {
				t.Errorf("Bad status; got %d, want %d", got, tc.want)
			}
		})
	}
}

func TestMessageStripsContext(t *testing.T) {
	err := fmt.Errorf("while handling request: %w", fmt.Errorf("while validating: %w", Validationf("Medicine cannot be empty")))
	if got, want := Message(err), "Medicine cannot be empty"; got != want {
		t.Errorf("Bad message; got %q, want %q", got, want)
	}
	if !errors.Is(err, ErrValidation) {
		t.Errorf("Wrapped error lost its kind")
	}

	if got, want := Message(errors.New("disk on fire")), "Internal server error"; got != want {
		t.Errorf("Bad message for untyped error; got %q, want %q", got, want)
	}
}
