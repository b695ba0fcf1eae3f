// Package registry manages automations: scheduled, one-shot dispense rules.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"pillbox/dbtypes"
	"pillbox/errs"
)

type Store interface {
	CreateAutomation(ctx context.Context, a *dbtypes.Automation) error
	FindAutomation(ctx context.Context, title, medicine, scheduleTime string) (*dbtypes.Automation, error)
	ListAutomations(ctx context.Context) ([]*dbtypes.Automation, error)
	UpdateAutomationStatus(ctx context.Context, id, status, updatedAt string) error
	DeleteAutomation(ctx context.Context, id string) error
}

// InstantTitle is the title of automations created by InstantDispense.
const InstantTitle = "Instant dispense"

type CreateRequest struct {
	Title        string `json:"automation_title"`
	Action       string `json:"action"`
	Medicine     string `json:"medicine"`
	ScheduleTime string `json:"schedule_time"`
	TakenTime    string `json:"taken_time"`
	Status       string `json:"status"`
}

// StatusChange is the result of SetStatus.
type StatusChange struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	UpdatedAt string `json:"updated_at"`
}

type Registry struct {
	store     Store
	medicines []string
	loc       *time.Location
	now       func() time.Time
}

type RegistryOpt func(*Registry)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) RegistryOpt {
	return func(r *Registry) {
		r.now = now
	}
}

// New creates a Registry accepting only the given medicine identifiers.
func New(store Store, medicines []string, loc *time.Location, opts ...RegistryOpt) *Registry {
	r := &Registry{
		store:     store,
		medicines: append([]string(nil), medicines...),
		loc:       loc,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) knownMedicine(m string) bool {
	for _, known := range r.medicines {
		if known == m {
			return true
		}
	}
	return false
}

func validStatus(s string) bool {
	return s == dbtypes.AutomationOn || s == dbtypes.AutomationOff
}

// Create validates and stores a new automation.  An automation with the same
// title, medicine and schedule time is a conflict.
//
// The duplicate check and the insert are separate store calls, so two
// identical concurrent creates can both succeed.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (*dbtypes.Automation, error) {
	title := strings.TrimSpace(req.Title)
	action := strings.TrimSpace(req.Action)
	medicine := strings.TrimSpace(req.Medicine)
	if title == "" || action == "" || medicine == "" || req.ScheduleTime == "" {
		return nil, errs.Validationf("Missing required fields: automation_title, action, medicine and schedule_time are required")
	}
	if !r.knownMedicine(medicine) {
		return nil, errs.Validationf("Invalid medicine %q: must be one of %s", medicine, strings.Join(r.medicines, ", "))
	}

	status := req.Status
	if status == "" {
		status = dbtypes.AutomationOn
	}
	if !validStatus(status) {
		return nil, errs.Validationf("Invalid status value. Must be 'on' or 'off'")
	}

	scheduleTime, err := dbtypes.CanonicalTimestamp(req.ScheduleTime, r.loc)
	if err != nil {
		return nil, errs.Validationf("Invalid schedule_time: %v", err)
	}
	var takenTime string
	if req.TakenTime != "" {
		takenTime, err = dbtypes.CanonicalTimestamp(req.TakenTime, r.loc)
		if err != nil {
			return nil, errs.Validationf("Invalid taken_time: %v", err)
		}
	}

	existing, err := r.store.FindAutomation(ctx, title, medicine, scheduleTime)
	switch {
	case err == nil:
		return nil, errs.Conflictf("Automation with same title, medicine and schedule already exists (id %s)", existing.ID)
	case !errors.Is(err, errs.ErrNotFound):
		return nil, fmt.Errorf("while checking for duplicate automation: %w", err)
	}

	stamp := dbtypes.FormatTimestamp(r.now(), r.loc)
	a := &dbtypes.Automation{
		Title:        title,
		Action:       action,
		Medicine:     medicine,
		ScheduleTime: scheduleTime,
		TakenTime:    takenTime,
		Status:       status,
		CreatedAt:    stamp,
		UpdatedAt:    stamp,
	}
	if err := r.store.CreateAutomation(ctx, a); err != nil {
		return nil, fmt.Errorf("while storing automation: %w", err)
	}

	slog.InfoContext(ctx, "Created automation",
		slog.String("id", a.ID),
		slog.String("medicine", a.Medicine),
		slog.String("schedule_time", a.ScheduleTime))
	return a, nil
}

// InstantDispense creates an automation due in the current minute, so the
// next trigger pass fires it.
func (r *Registry) InstantDispense(ctx context.Context, medicine string) (*dbtypes.Automation, error) {
	medicine = strings.TrimSpace(medicine)
	if !r.knownMedicine(medicine) {
		return nil, errs.Validationf("Invalid medicine %q: must be one of %s", medicine, strings.Join(r.medicines, ", "))
	}
	due := r.now().In(r.loc).Truncate(time.Minute)
	a, err := r.Create(ctx, CreateRequest{
		Title:        InstantTitle,
		Action:       "dispense",
		Medicine:     medicine,
		ScheduleTime: dbtypes.FormatTimestamp(due, r.loc),
		Status:       dbtypes.AutomationOn,
	})
	if err != nil {
		return nil, fmt.Errorf("while creating instant dispense: %w", err)
	}
	return a, nil
}

func (r *Registry) List(ctx context.Context) ([]*dbtypes.Automation, error) {
	all, err := r.store.ListAutomations(ctx)
	if err != nil {
		return nil, fmt.Errorf("while listing automations: %w", err)
	}
	return all, nil
}

// SetStatus switches an automation on or off.
func (r *Registry) SetStatus(ctx context.Context, id, status string) (*StatusChange, error) {
	if !validStatus(status) {
		return nil, errs.Validationf("Invalid status value. Must be 'on' or 'off'")
	}
	stamp := dbtypes.FormatTimestamp(r.now(), r.loc)
	if err := r.store.UpdateAutomationStatus(ctx, id, status, stamp); err != nil {
		return nil, fmt.Errorf("while setting status of automation %s: %w", id, err)
	}
	return &StatusChange{ID: id, Status: status, UpdatedAt: stamp}, nil
}

// Delete removes an automation.  Deleting an absent ID is not an error.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := r.store.DeleteAutomation(ctx, id); err != nil {
		return fmt.Errorf("while deleting automation %s: %w", id, err)
	}
	return nil
}
