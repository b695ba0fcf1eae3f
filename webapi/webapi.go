// Package webapi exposes pillbox over JSON HTTP.
package webapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"pillbox/adherence"
	"pillbox/dbtypes"
	"pillbox/errs"
	"pillbox/httpmetrics"
	"pillbox/inventory"
	"pillbox/ledger"
	"pillbox/registry"
	"pillbox/trigger"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// HealthText is served at the root path.
const HealthText = "Smart Medicine Monitoring Backend is running!"

type Registry interface {
	Create(ctx context.Context, req registry.CreateRequest) (*dbtypes.Automation, error)
	List(ctx context.Context) ([]*dbtypes.Automation, error)
	SetStatus(ctx context.Context, id, status string) (*registry.StatusChange, error)
	Delete(ctx context.Context, id string) error
	InstantDispense(ctx context.Context, medicine string) (*dbtypes.Automation, error)
}

type Ledger interface {
	Create(ctx context.Context, req ledger.CreateRequest) (*dbtypes.HistoryRecord, error)
	List(ctx context.Context, page, limit int) (*ledger.Page, error)
}

type Trigger interface {
	Run(ctx context.Context) (*trigger.Result, error)
}

type Resolver interface {
	Resolve(ctx context.Context, req adherence.ResolveRequest) (*adherence.Resolution, error)
}

type Inventory interface {
	Get(ctx context.Context) (inventory.Counters, error)
	AddStock(ctx context.Context, deltas map[string]int64) (*inventory.StockChange, error)
}

type API struct {
	registry  Registry
	ledger    Ledger
	trigger   Trigger
	resolver  Resolver
	inventory Inventory

	allowedOrigins []string

	// development attaches internal error detail to responses.
	development bool
}

type APIOpt func(*API)

func WithAllowedOrigins(origins []string) APIOpt {
	return func(a *API) {
		a.allowedOrigins = origins
	}
}

func WithDevelopment(development bool) APIOpt {
	return func(a *API) {
		a.development = development
	}
}

func New(reg Registry, led Ledger, trig Trigger, res Resolver, inv Inventory, opts ...APIOpt) *API {
	a := &API{
		registry:  reg,
		ledger:    led,
		trigger:   trig,
		resolver:  res,
		inventory: inv,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// routePattern names the chi route that served r.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		return rctx.RoutePattern()
	}
	return ""
}

// Handler builds the router.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(httpmetrics.Middleware(routePattern))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:     a.allowedOrigins,
		AllowedMethods:     []string{"GET", "HEAD", "PUT", "PATCH", "POST", "DELETE"},
		AllowedHeaders:     []string{"Accept", "Content-Type"},
		AllowCredentials:   true,
		OptionsPassthrough: false,
	}))

	r.Get("/", a.healthHandler)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/automation", a.createAutomationHandler)
		r.Get("/automation", a.listAutomationsHandler)
		r.Post("/automation/instant", a.instantDispenseHandler)
		r.Put("/automation/{id}", a.setAutomationStatusHandler)
		r.Delete("/automation/{id}", a.deleteAutomationHandler)

		r.Post("/iot", a.createHistoryHandler)
		r.Get("/iot", a.listHistoryHandler)
		r.Get("/iot/handler", a.triggerHandler)
		r.Put("/iot/handler", a.resolveHandler)

		r.Get("/medicine", a.getMedicineHandler)
		r.Put("/medicine", a.addMedicineHandler)
	})

	return r
}

type envelope struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func writeJSON(ctx context.Context, w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// It's too late to write an error to the HTTP response.
		slog.ErrorContext(ctx, "Error while writing response", slog.Any("err", err))
	}
}

func writeSuccess(ctx context.Context, w http.ResponseWriter, code int, message string, data any) {
	writeJSON(ctx, w, code, &envelope{Status: "success", Message: message, Data: data})
}

// writeError reports err with the status code of its kind.  Internal errors
// get a generic message.
func (a *API) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	code := errs.HTTPStatus(err)
	body := map[string]any{
		"status":  "error",
		"message": errs.Message(err),
	}

	var capErr *inventory.CapacityError
	var missingErr *inventory.MissingFieldsError
	switch {
	case errors.As(err, &capErr):
		body["medicine"] = capErr.Medicine
		body["current"] = capErr.Current
		body["attempted_add"] = capErr.AttemptedAdd
		body["would_be"] = capErr.WouldBe
		body["max_allowed"] = capErr.MaxAllowed
	case errors.As(err, &missingErr):
		body["missingFields"] = missingErr.Fields
	}

	if code == http.StatusInternalServerError {
		slog.ErrorContext(ctx, "Internal error while serving request", slog.Any("err", err))
		if a.development {
			body["details"] = err.Error()
		}
	}
	writeJSON(ctx, w, code, body)
}

// readJSON decodes the request body into v.  Malformed bodies are validation
// errors.
func readJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errs.Validationf("Malformed request body: %v", err)
	}
	return nil
}

func (a *API) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte(HealthText))
}
