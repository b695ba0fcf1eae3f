// Package trigger fires the automations that are due in the current minute.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pillbox/dbtypes"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

type Store interface {
	ListActiveAutomations(ctx context.Context) ([]*dbtypes.Automation, error)
	CreateHistory(ctx context.Context, h *dbtypes.HistoryRecord) error
	RetireAutomation(ctx context.Context, id, correlationID, updatedAt string) error
}

// Inventory is satisfied by *inventory.Accessor.
type Inventory interface {
	Decrement(ctx context.Context, medicine string, amount int64) error
}

// Failure is an automation that matched but could not be fully fired.  Some
// of its effects may have been applied.
type Failure struct {
	AutomationID string `json:"automation_id"`
	Error        string `json:"error"`
}

type Result struct {
	Triggered   bool                  `json:"triggered"`
	Message     string                `json:"message"`
	Automations []*dbtypes.Automation `json:"automations,omitempty"`
	Failures    []Failure             `json:"failures,omitempty"`
}

type Engine struct {
	store       Store
	inventory   Inventory
	loc         *time.Location
	now         func() time.Time
	lock        FireLock
	concurrency int64
}

type EngineOpt func(*Engine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) EngineOpt {
	return func(e *Engine) {
		e.now = now
	}
}

// WithFireLock guards each firing with lock.
func WithFireLock(lock FireLock) EngineOpt {
	return func(e *Engine) {
		e.lock = lock
	}
}

// WithConcurrency bounds how many automations are fired at once.
func WithConcurrency(n int64) EngineOpt {
	return func(e *Engine) {
		e.concurrency = n
	}
}

// New creates an Engine that matches schedules in the civil calendar of loc.
func New(store Store, inv Inventory, loc *time.Location, opts ...EngineOpt) *Engine {
	e := &Engine{
		store:       store,
		inventory:   inv,
		loc:         loc,
		now:         time.Now,
		concurrency: 16,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Due reports whether an automation scheduled at scheduled falls in the same
// civil minute as now.  Seconds are ignored.
func Due(scheduled time.Time, now civil.DateTime, loc *time.Location) bool {
	s := civil.DateTimeOf(scheduled.In(loc))
	return s.Date == now.Date && s.Time.Hour == now.Time.Hour && s.Time.Minute == now.Time.Minute
}

// Run performs one trigger pass.  A failure to fire one automation is
// logged and reported in the result without affecting the others.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	tracer := otel.Tracer("pillbox/trigger")
	var span trace.Span
	ctx, span = tracer.Start(ctx, "Engine.Run")
	defer span.End()

	nowTime := e.now().In(e.loc)
	now := civil.DateTimeOf(nowTime)
	stamp := dbtypes.FormatTimestamp(nowTime, e.loc)

	active, err := e.store.ListActiveAutomations(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("while listing active automations: %w", err)
	}

	var due []*dbtypes.Automation
	for _, a := range active {
		scheduled, err := dbtypes.ParseTimestamp(a.ScheduleTime, e.loc)
		if err != nil {
			slog.WarnContext(ctx, "Skipping automation with unreadable schedule",
				slog.String("id", a.ID),
				slog.String("schedule_time", a.ScheduleTime),
				slog.Any("err", err))
			continue
		}
		if Due(scheduled, now, e.loc) {
			due = append(due, a)
		}
	}
	span.SetAttributes(attribute.Int("active", len(active)), attribute.Int("due", len(due)))

	result := &Result{}
	var mu sync.Mutex
	var eg errgroup.Group
	sem := semaphore.NewWeighted(e.concurrency)
	for _, a := range due {
		a := a
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("while acquiring concurrency limiter semaphore: %w", err)
		}

		eg.Go(func() error {
			defer sem.Release(1)

			fired, err := e.fire(ctx, a, now, stamp)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				slog.ErrorContext(ctx, "Error while firing automation",
					slog.String("id", a.ID),
					slog.String("medicine", a.Medicine),
					slog.Any("err", err))
				result.Failures = append(result.Failures, Failure{AutomationID: a.ID, Error: err.Error()})
				return nil
			}
			if fired != nil {
				result.Automations = append(result.Automations, fired)
			}
			return nil
		})
	}
	eg.Wait()

	result.Triggered = len(result.Automations) != 0
	if result.Triggered {
		result.Message = fmt.Sprintf("%d automation(s) triggered", len(result.Automations))
	} else {
		result.Message = "No automations matched current time"
	}
	return result, nil
}

// fire applies the effects of one due automation: dispense one dose, open a
// pending History record, and retire the automation.  It returns nil without
// error when another pass already holds the fire lock.
func (e *Engine) fire(ctx context.Context, a *dbtypes.Automation, minute civil.DateTime, stamp string) (*dbtypes.Automation, error) {
	tracer := otel.Tracer("pillbox/trigger")
	var span trace.Span
	ctx, span = tracer.Start(ctx, "Engine.fire")
	defer span.End()
	span.SetAttributes(attribute.String("automation_id", a.ID), attribute.String("medicine", a.Medicine))

	if e.lock != nil {
		ok, err := e.lock.Acquire(ctx, a.ID, minute)
		if err != nil {
			return nil, err
		}
		if !ok {
			slog.InfoContext(ctx, "Automation already fired this minute", slog.String("id", a.ID))
			return nil, nil
		}
	}

	correlationID := uuid.NewString()

	title := a.Title
	action := a.Action
	h := &dbtypes.HistoryRecord{
		Title:         &title,
		Action:        &action,
		Medicine:      a.Medicine,
		ScheduledTime: a.ScheduleTime,
		TakenTime:     "",
		Status:        dbtypes.HistoryPending,
		CorrelationID: correlationID,
		AutomationID:  a.ID,
		CreatedAt:     stamp,
		UpdatedAt:     stamp,
	}

	// The three effects are independent and none is rolled back if another
	// fails.
	var eg errgroup.Group
	eg.Go(func() error {
		if err := e.inventory.Decrement(ctx, a.Medicine, 1); err != nil {
			return fmt.Errorf("while dispensing: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		if err := e.store.CreateHistory(ctx, h); err != nil {
			return fmt.Errorf("while recording dispense: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		if err := e.store.RetireAutomation(ctx, a.ID, correlationID, stamp); err != nil {
			return fmt.Errorf("while retiring: %w", err)
		}
		return nil
	})
	if err := eg.Wait(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	slog.InfoContext(ctx, "Fired automation",
		slog.String("id", a.ID),
		slog.String("medicine", a.Medicine),
		slog.String("correlation_id", correlationID),
		slog.String("history_id", h.ID))

	fired := *a
	fired.Status = dbtypes.AutomationOff
	fired.TakenTime = ""
	fired.CorrelationID = correlationID
	fired.UpdatedAt = stamp
	return &fired, nil
}
