// Package httpmetrics counts served requests with OpenCensus.
package httpmetrics

import (
	"log/slog"
	"net/http"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

var (
	MethodKey = tag.MustNewKey("method")
	RouteKey  = tag.MustNewKey("route")
	CodeKey   = tag.MustNewKey("code")

	RequestCount = stats.Int64("pillbox/requests", "Requests handled by the API", stats.UnitDimensionless)

	RequestCountView = &view.View{
		Name:        "pillbox/requests",
		Description: "Counter of requests that have been handled",

		TagKeys: []tag.Key{MethodKey, RouteKey, CodeKey},

		Measure:     RequestCount,
		Aggregation: view.Count(),
	}
)

// RegisterViews makes the request counter visible to exporters.
func RegisterViews() error {
	return view.Register(RequestCountView)
}

// Wrapper records one RequestCount measurement per request served by inner.
type Wrapper struct {
	// route names the pattern that served r, so IDs in paths don't explode
	// the tag cardinality.  It is consulted after inner returns.
	route func(r *http.Request) string

	inner http.Handler
}

func New(inner http.Handler, route func(r *http.Request) string) *Wrapper {
	return &Wrapper{
		route: route,
		inner: inner,
	}
}

// Middleware adapts New for routers that take func(http.Handler) http.Handler.
func Middleware(route func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return New(next, route)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.code = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *Wrapper) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
	h.inner.ServeHTTP(rec, r)

	route := r.URL.Path
	if h.route != nil {
		if pattern := h.route(r); pattern != "" {
			route = pattern
		}
	}

	slog.DebugContext(r.Context(), "Served request",
		slog.String("method", r.Method),
		slog.String("route", route),
		slog.Int("code", rec.code))

	stats.RecordWithOptions(
		r.Context(),
		stats.WithTags(
			tag.Insert(MethodKey, r.Method),
			tag.Insert(RouteKey, route),
			tag.Insert(CodeKey, http.StatusText(rec.code)),
		),
		stats.WithMeasurements(RequestCount.M(1)))
}
