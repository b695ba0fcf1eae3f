package healthz

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHandler(t *testing.T) {
	testCases := []struct {
		desc  string
		check func(context.Context) error
		want  int
	}{
		{desc: "no check", check: nil, want: http.StatusOK},
		{desc: "passing", check: func(context.Context) error { return nil }, want: http.StatusOK},
		{desc: "failing", check: func(context.Context) error { return errors.New("down") }, want: http.StatusServiceUnavailable},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			rec := httptest.NewRecorder()
			New(tc.check).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			if rec.Code != tc.want {
				t.Errorf("Bad status; got %d, want %d", rec.Code, tc.want)
			}
		})
	}
}
