package webapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"pillbox/adherence"
	"pillbox/dbtypes"
	"pillbox/errs"
	"pillbox/ledger"
	"pillbox/registry"
	"pillbox/trigger"

	"github.com/go-chi/chi/v5"
)

func (a *API) createAutomationHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req := registry.CreateRequest{}
	if err := readJSON(r, &req); err != nil {
		a.writeError(ctx, w, err)
		return
	}

	automation, err := a.registry.Create(ctx, req)
	if err != nil {
		a.writeError(ctx, w, err)
		return
	}
	writeSuccess(ctx, w, http.StatusCreated, "Automation added successfully", automation)
}

// listAutomationsHandler answers with a bare array.
func (a *API) listAutomationsHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	automations, err := a.registry.List(ctx)
	if err != nil {
		a.writeError(ctx, w, err)
		return
	}
	if automations == nil {
		automations = []*dbtypes.Automation{}
	}
	writeJSON(ctx, w, http.StatusOK, automations)
}

func (a *API) instantDispenseHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req := struct {
		Medicine string `json:"medicine"`
	}{}
	if err := readJSON(r, &req); err != nil {
		a.writeError(ctx, w, err)
		return
	}

	automation, err := a.registry.InstantDispense(ctx, req.Medicine)
	if err != nil {
		a.writeError(ctx, w, err)
		return
	}
	writeSuccess(ctx, w, http.StatusCreated, "Instant dispense scheduled", automation)
}

func (a *API) setAutomationStatusHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req := struct {
		Status string `json:"status"`
	}{}
	if err := readJSON(r, &req); err != nil {
		a.writeError(ctx, w, err)
		return
	}

	change, err := a.registry.SetStatus(ctx, chi.URLParam(r, "id"), req.Status)
	if err != nil {
		a.writeError(ctx, w, err)
		return
	}
	writeSuccess(ctx, w, http.StatusOK, "Automation status updated successfully", change)
}

func (a *API) deleteAutomationHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := a.registry.Delete(ctx, chi.URLParam(r, "id")); err != nil {
		a.writeError(ctx, w, err)
		return
	}
	writeSuccess(ctx, w, http.StatusOK, "Automation deleted successfully", nil)
}

func (a *API) createHistoryHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req := ledger.CreateRequest{}
	if err := readJSON(r, &req); err != nil {
		a.writeError(ctx, w, err)
		return
	}

	record, err := a.ledger.Create(ctx, req)
	if err != nil {
		a.writeError(ctx, w, err)
		return
	}
	writeSuccess(ctx, w, http.StatusCreated, "History added successfully", record)
}

// queryInt reads a positive integer query parameter, falling back to def
// when it is absent.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return 0, errs.Validationf("Invalid %s value", name)
	}
	return v, nil
}

func (a *API) listHistoryHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	page, err := queryInt(r, "page", 1)
	if err != nil {
		a.writeError(ctx, w, err)
		return
	}
	limit, err := queryInt(r, "limit", 10)
	if err != nil {
		a.writeError(ctx, w, err)
		return
	}

	result, err := a.ledger.List(ctx, page, limit)
	if err != nil {
		a.writeError(ctx, w, err)
		return
	}
	items := result.Items
	if items == nil {
		items = []*dbtypes.HistoryRecord{}
	}
	writeJSON(ctx, w, http.StatusOK, &struct {
		envelope
		Pagination ledger.Pagination `json:"pagination"`
	}{
		envelope:   envelope{Status: "success", Message: "History fetched successfully", Data: items},
		Pagination: result.Pagination,
	})
}

func (a *API) triggerHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	result, err := a.trigger.Run(ctx)
	if err != nil {
		a.writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, &struct {
		Status string `json:"status"`
		*trigger.Result
	}{
		Status: "success",
		Result: result,
	})
}

func (a *API) resolveHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// The device sends no body; a correlation ID is optional.
	req := adherence.ResolveRequest{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		a.writeError(ctx, w, errs.Validationf("Malformed request body: %v", err))
		return
	}

	resolution, err := a.resolver.Resolve(ctx, req)
	if err != nil {
		a.writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, &struct {
		Status string `json:"status"`
		*adherence.Resolution
	}{
		Status:     "success",
		Resolution: resolution,
	})
}

func (a *API) getMedicineHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	counters, err := a.inventory.Get(ctx)
	if err != nil {
		a.writeError(ctx, w, err)
		return
	}
	writeSuccess(ctx, w, http.StatusOK, "Medicine values retrieved successfully", counters)
}

func (a *API) addMedicineHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	deltas := map[string]int64{}
	if err := readJSON(r, &deltas); err != nil {
		a.writeError(ctx, w, err)
		return
	}

	change, err := a.inventory.AddStock(ctx, deltas)
	if err != nil {
		a.writeError(ctx, w, err)
		return
	}
	writeSuccess(ctx, w, http.StatusOK, "Medicines added successfully", change)
}
