package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"pillbox/adherence"
	"pillbox/dbtypes"
	"pillbox/errs"
	"pillbox/kvstore"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

var pht = time.FixedZone("PHT", 8*60*60)

func newTestLedger(t *testing.T, now func() time.Time) *Ledger {
	t.Helper()
	s, err := kvstore.Open(t.TempDir(), "settings")
	if err != nil {
		t.Fatalf("Unexpected error opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, pht, WithClock(now))
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 10, 15, 10, 20, 0, 0, pht)
	l := newTestLedger(t, func() time.Time { return now })

	testCases := []struct {
		desc string
		req  CreateRequest
		want *dbtypes.HistoryRecord
	}{
		{
			desc: "pending",
			req:  CreateRequest{Medicine: "medicine_1", ScheduledTime: "2026-10-15T10:00"},
			want: &dbtypes.HistoryRecord{
				Medicine:      "medicine_1",
				ScheduledTime: "2026-10-15T10:00:00.000+08:00",
				Status:        dbtypes.HistoryPending,
				CreatedAt:     "2026-10-15T10:20:00.000+08:00",
				UpdatedAt:     "2026-10-15T10:20:00.000+08:00",
			},
		},
		{
			desc: "taken early",
			req:  CreateRequest{Medicine: "medicine_1", ScheduledTime: "2026-10-15T02:00:00Z", TakenTime: "2026-10-15T09:58:00+08:00"},
			want: &dbtypes.HistoryRecord{
				Medicine:      "medicine_1",
				ScheduledTime: "2026-10-15T10:00:00.000+08:00",
				TakenTime:     "2026-10-15T09:58:00.000+08:00",
				Status:        adherence.RecordedOnTime,
				CreatedAt:     "2026-10-15T10:20:00.000+08:00",
				UpdatedAt:     "2026-10-15T10:20:00.000+08:00",
			},
		},
		{
			desc: "taken late",
			req:  CreateRequest{Medicine: "medicine_2", ScheduledTime: "2026-10-15 10:00", TakenTime: "2026-10-15 10:10"},
			want: &dbtypes.HistoryRecord{
				Medicine:      "medicine_2",
				ScheduledTime: "2026-10-15T10:00:00.000+08:00",
				TakenTime:     "2026-10-15T10:10:00.000+08:00",
				Status:        adherence.RecordedLate,
				CreatedAt:     "2026-10-15T10:20:00.000+08:00",
				UpdatedAt:     "2026-10-15T10:20:00.000+08:00",
			},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			got, err := l.Create(ctx, tc.req)
			if err != nil {
				t.Fatalf("Create failed: %v", err)
			}
			if got.ID == "" {
				t.Errorf("Create didn't assign an ID")
			}
			if diff := cmp.Diff(got, tc.want, cmpopts.IgnoreFields(dbtypes.HistoryRecord{}, "ID")); diff != "" {
				t.Errorf("Bad record; diff (-got +want)\n%s", diff)
			}
		})
	}
}

func TestCreateValidation(t *testing.T) {
	l := newTestLedger(t, time.Now)

	testCases := []struct {
		desc string
		req  CreateRequest
	}{
		{desc: "no medicine", req: CreateRequest{ScheduledTime: "2026-10-15T10:00"}},
		{desc: "no scheduled time", req: CreateRequest{Medicine: "medicine_1"}},
		{desc: "bad scheduled time", req: CreateRequest{Medicine: "medicine_1", ScheduledTime: "tomorrow"}},
		{desc: "bad taken time", req: CreateRequest{Medicine: "medicine_1", ScheduledTime: "2026-10-15T10:00", TakenTime: "soon"}},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			if _, err := l.Create(context.Background(), tc.req); !errors.Is(err, errs.ErrValidation) {
				t.Errorf("Got err %v, want validation", err)
			}
		})
	}
}

func TestList(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 10, 15, 8, 0, 0, 0, pht)
	tick := 0
	l := newTestLedger(t, func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	})

	for i := 1; i <= 25; i++ {
		if _, err := l.Create(ctx, CreateRequest{Medicine: "medicine_1", ScheduledTime: fmt.Sprintf("2026-10-15T08:%02d", i)}); err != nil {
			t.Fatalf("Create #%d failed: %v", i, err)
		}
	}

	got, err := l.List(ctx, 2, 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}

	wantPagination := Pagination{Total: 25, Page: 2, Limit: 10, TotalPages: 3, HasNext: true, HasPrev: true}
	if diff := cmp.Diff(got.Pagination, wantPagination); diff != "" {
		t.Errorf("Bad pagination; diff (-got +want)\n%s", diff)
	}

	// Newest first: items 11-20 are the 15th down to the 6th record created.
	var gotScheduled []string
	for _, h := range got.Items {
		gotScheduled = append(gotScheduled, h.ScheduledTime)
	}
	var wantScheduled []string
	for i := 15; i >= 6; i-- {
		wantScheduled = append(wantScheduled, fmt.Sprintf("2026-10-15T08:%02d:00.000+08:00", i))
	}
	if diff := cmp.Diff(gotScheduled, wantScheduled); diff != "" {
		t.Errorf("Bad page items; diff (-got +want)\n%s", diff)
	}

	last, err := l.List(ctx, 3, 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(last.Items) != 5 || last.Pagination.HasNext || !last.Pagination.HasPrev {
		t.Errorf("Bad last page: %d items, %+v", len(last.Items), last.Pagination)
	}

	for _, bad := range [][2]int{{0, 10}, {1, 0}, {-1, -1}} {
		if _, err := l.List(ctx, bad[0], bad[1]); !errors.Is(err, errs.ErrValidation) {
			t.Errorf("List(%d, %d) got err %v, want validation", bad[0], bad[1], err)
		}
	}
}
