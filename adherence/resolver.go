package adherence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pillbox/dbtypes"
	"pillbox/errs"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Store is the slice of the document store the resolver needs.
type Store interface {
	GetAutomation(ctx context.Context, id string) (*dbtypes.Automation, error)
	LatestPendingAutomation(ctx context.Context) (*dbtypes.Automation, error)
	LatestPendingHistory(ctx context.Context, medicine string) (*dbtypes.HistoryRecord, error)
	HistoryByCorrelation(ctx context.Context, correlationID string) (*dbtypes.HistoryRecord, error)
	ResolveDose(ctx context.Context, r *dbtypes.DoseResolution) error
}

// ResolveRequest is a "taken" signal.  CorrelationID is optional; without it
// the resolver picks the most relevant pending record itself.
type ResolveRequest struct {
	CorrelationID string `json:"correlation_id"`
}

// Resolved describes the write applied to a History record.
type Resolved struct {
	ID            string  `json:"id"`
	Medicine      string  `json:"medicine"`
	ScheduledTime string  `json:"scheduled_time"`
	TakenTime     string  `json:"taken_time"`
	Status        Outcome `json:"status"`
	UpdatedAt     string  `json:"updated_at"`
	AutomationID  string  `json:"automation_id,omitempty"`
}

// Resolution is the result of a taken signal.  Updated is false when there
// was nothing pending to resolve.
type Resolution struct {
	Updated bool      `json:"updated"`
	Message string    `json:"message"`
	Data    *Resolved `json:"data,omitempty"`
}

type Resolver struct {
	store  Store
	policy Policy
	loc    *time.Location
	now    func() time.Time
}

type ResolverOpt func(*Resolver)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) ResolverOpt {
	return func(r *Resolver) {
		r.now = now
	}
}

func NewResolver(store Store, policy Policy, loc *time.Location, opts ...ResolverOpt) *Resolver {
	r := &Resolver{
		store:  store,
		policy: policy,
		loc:    loc,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the table the resolver classifies with.
func (r *Resolver) Policy() Policy {
	return r.policy
}

// Resolve binds a taken signal to one pending History record, and to the
// Automation that produced it when that is known, and classifies the dose.
func (r *Resolver) Resolve(ctx context.Context, req ResolveRequest) (*Resolution, error) {
	tracer := otel.Tracer("pillbox/adherence")
	var span trace.Span
	ctx, span = tracer.Start(ctx, "Resolver.Resolve")
	defer span.End()

	var h *dbtypes.HistoryRecord
	var automationID string
	var err error
	if req.CorrelationID != "" {
		h, automationID, err = r.selectCorrelated(ctx, req.CorrelationID)
	} else {
		h, automationID, err = r.selectLatest(ctx)
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if h == nil {
		return &Resolution{Updated: false, Message: "No pending history records found"}, nil
	}
	span.SetAttributes(attribute.String("history_id", h.ID), attribute.String("automation_id", automationID))

	scheduled, err := dbtypes.ParseTimestamp(h.ScheduledTime, r.loc)
	if err != nil {
		return nil, fmt.Errorf("while reading scheduled time of history record %s: %w", h.ID, err)
	}
	now := r.now()
	outcome := r.policy.Classify(scheduled, now)
	stamp := dbtypes.FormatTimestamp(now, r.loc)

	err = r.store.ResolveDose(ctx, &dbtypes.DoseResolution{
		HistoryID:    h.ID,
		AutomationID: automationID,
		TakenTime:    stamp,
		Status:       string(outcome),
		UpdatedAt:    stamp,
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("while resolving history record %s: %w", h.ID, err)
	}

	slog.InfoContext(ctx, "Resolved dose",
		slog.String("history_id", h.ID),
		slog.String("automation_id", automationID),
		slog.String("medicine", h.Medicine),
		slog.String("outcome", string(outcome)))

	return &Resolution{
		Updated: true,
		Message: "History record updated",
		Data: &Resolved{
			ID:            h.ID,
			Medicine:      h.Medicine,
			ScheduledTime: h.ScheduledTime,
			TakenTime:     stamp,
			Status:        outcome,
			UpdatedAt:     stamp,
			AutomationID:  automationID,
		},
	}, nil
}

func (r *Resolver) selectCorrelated(ctx context.Context, correlationID string) (*dbtypes.HistoryRecord, string, error) {
	h, err := r.store.HistoryByCorrelation(ctx, correlationID)
	if err != nil {
		return nil, "", fmt.Errorf("while looking up correlation %s: %w", correlationID, err)
	}
	if !h.Pending() {
		return nil, "", errs.Conflictf("Dose %s was already resolved as %s", correlationID, h.Status)
	}
	if h.AutomationID == "" {
		return h, "", nil
	}

	// The automation may have been deleted since it fired.
	if _, err := r.store.GetAutomation(ctx, h.AutomationID); errors.Is(err, errs.ErrNotFound) {
		return h, "", nil
	} else if err != nil {
		return nil, "", fmt.Errorf("while looking up automation %s: %w", h.AutomationID, err)
	}
	return h, h.AutomationID, nil
}

// selectLatest prefers the dose of the most recently fired automation, then
// the newest pending record for that automation's medicine, then the newest
// pending record of all.
func (r *Resolver) selectLatest(ctx context.Context) (*dbtypes.HistoryRecord, string, error) {
	a, err := r.store.LatestPendingAutomation(ctx)
	if errors.Is(err, errs.ErrNotFound) {
		a = nil
	} else if err != nil {
		return nil, "", fmt.Errorf("while looking up pending automation: %w", err)
	}

	if a != nil {
		h, err := r.store.HistoryByCorrelation(ctx, a.CorrelationID)
		switch {
		case err == nil && h.Pending():
			return h, a.ID, nil
		case err != nil && !errors.Is(err, errs.ErrNotFound):
			return nil, "", fmt.Errorf("while looking up correlation %s: %w", a.CorrelationID, err)
		}

		h, err = r.store.LatestPendingHistory(ctx, a.Medicine)
		switch {
		case err == nil:
			return h, a.ID, nil
		case !errors.Is(err, errs.ErrNotFound):
			return nil, "", fmt.Errorf("while looking up pending history for %s: %w", a.Medicine, err)
		}
	}

	h, err := r.store.LatestPendingHistory(ctx, "")
	if errors.Is(err, errs.ErrNotFound) {
		return nil, "", nil
	} else if err != nil {
		return nil, "", fmt.Errorf("while looking up pending history: %w", err)
	}
	return h, "", nil
}
