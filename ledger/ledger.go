// Package ledger records adherence events and pages through them.
package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pillbox/adherence"
	"pillbox/dbtypes"
	"pillbox/errs"
)

type Store interface {
	CreateHistory(ctx context.Context, h *dbtypes.HistoryRecord) error
	CountHistory(ctx context.Context) (int, error)
	ListHistoryPage(ctx context.Context, offset, limit int) ([]*dbtypes.HistoryRecord, error)
}

// CreateRequest is a directly submitted History record.  TakenTime is
// optional; without it the record is stored pending.
type CreateRequest struct {
	Title         *string `json:"history_title"`
	Action        *string `json:"action"`
	Medicine      string  `json:"medicine"`
	ScheduledTime string  `json:"scheduled_time"`
	TakenTime     string  `json:"taken_time"`
}

// Page is one page of History records, newest first.
type Page struct {
	Items      []*dbtypes.HistoryRecord `json:"items"`
	Pagination Pagination               `json:"pagination"`
}

type Pagination struct {
	Total      int  `json:"total"`
	Page       int  `json:"page"`
	Limit      int  `json:"limit"`
	TotalPages int  `json:"total_pages"`
	HasNext    bool `json:"has_next"`
	HasPrev    bool `json:"has_prev"`
}

type Ledger struct {
	store Store
	loc   *time.Location
	now   func() time.Time
}

type LedgerOpt func(*Ledger)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) LedgerOpt {
	return func(l *Ledger) {
		l.now = now
	}
}

func New(store Store, loc *time.Location, opts ...LedgerOpt) *Ledger {
	l := &Ledger{
		store: store,
		loc:   loc,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Create validates and stores a History record.  A supplied taken time is
// graded with adherence.ClassifyRecorded.
func (l *Ledger) Create(ctx context.Context, req CreateRequest) (*dbtypes.HistoryRecord, error) {
	medicine := strings.TrimSpace(req.Medicine)
	if medicine == "" || req.ScheduledTime == "" {
		return nil, errs.Validationf("Missing required fields: medicine and scheduled_time are required")
	}

	scheduled, err := dbtypes.ParseTimestamp(req.ScheduledTime, l.loc)
	if err != nil {
		return nil, errs.Validationf("Invalid scheduled_time: %v", err)
	}

	stamp := dbtypes.FormatTimestamp(l.now(), l.loc)
	h := &dbtypes.HistoryRecord{
		Title:         req.Title,
		Action:        req.Action,
		Medicine:      medicine,
		ScheduledTime: dbtypes.FormatTimestamp(scheduled, l.loc),
		Status:        dbtypes.HistoryPending,
		CreatedAt:     stamp,
		UpdatedAt:     stamp,
	}

	if req.TakenTime != "" {
		taken, err := dbtypes.ParseTimestamp(req.TakenTime, l.loc)
		if err != nil {
			return nil, errs.Validationf("Invalid taken_time: %v", err)
		}
		h.TakenTime = dbtypes.FormatTimestamp(taken, l.loc)
		h.Status = adherence.ClassifyRecorded(scheduled, taken)
	}

	if err := l.store.CreateHistory(ctx, h); err != nil {
		return nil, fmt.Errorf("while storing history record: %w", err)
	}
	return h, nil
}

// List returns page (1-indexed) of size limit.
func (l *Ledger) List(ctx context.Context, page, limit int) (*Page, error) {
	if page < 1 {
		return nil, errs.Validationf("Invalid page: must be a positive integer")
	}
	if limit < 1 {
		return nil, errs.Validationf("Invalid limit: must be a positive integer")
	}

	total, err := l.store.CountHistory(ctx)
	if err != nil {
		return nil, fmt.Errorf("while counting history: %w", err)
	}
	items, err := l.store.ListHistoryPage(ctx, (page-1)*limit, limit)
	if err != nil {
		return nil, fmt.Errorf("while listing history page %d: %w", page, err)
	}

	totalPages := (total + limit - 1) / limit
	return &Page{
		Items: items,
		Pagination: Pagination{
			Total:      total,
			Page:       page,
			Limit:      limit,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
			HasPrev:    page > 1,
		},
	}, nil
}
