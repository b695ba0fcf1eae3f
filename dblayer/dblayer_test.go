package dblayer

import (
	"context"
	"errors"
	"os"
	"testing"

	"pillbox/dbtypes"
	"pillbox/errs"

	"cloud.google.com/go/firestore"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
)

// newTestDB connects to the Firestore emulator, using a fresh project so
// tests do not see each other's documents.
func newTestDB(t *testing.T) *DB {
	t.Helper()
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	client, err := firestore.NewClient(context.Background(), "pillbox-test-"+uuid.NewString()[:8])
	if err != nil {
		t.Fatalf("Unexpected error creating Firestore client: %v", err)
	}
	db := New(client, "settings")
	t.Cleanup(func() { db.Close() })
	return db
}

func TestAutomations(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	a := &dbtypes.Automation{
		Title:        "Morning",
		Action:       "dispense",
		Medicine:     "medicine_1",
		ScheduleTime: "2026-10-15T08:00:00.000+08:00",
		Status:       dbtypes.AutomationOn,
	}
	if err := db.CreateAutomation(ctx, a); err != nil {
		t.Fatalf("CreateAutomation failed: %v", err)
	}

	found, err := db.FindAutomation(ctx, "Morning", "medicine_1", "2026-10-15T08:00:00.000+08:00")
	if err != nil {
		t.Fatalf("FindAutomation failed: %v", err)
	}
	if diff := cmp.Diff(found, a); diff != "" {
		t.Errorf("Bad automation; diff (-got +want)\n%s", diff)
	}

	if err := db.RetireAutomation(ctx, a.ID, "corr", "2026-10-15T08:00:10.000+08:00"); err != nil {
		t.Fatalf("RetireAutomation failed: %v", err)
	}
	active, err := db.ListActiveAutomations(ctx)
	if err != nil {
		t.Fatalf("ListActiveAutomations failed: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("Retired automation still active: %+v", active)
	}
	latest, err := db.LatestPendingAutomation(ctx)
	if err != nil {
		t.Fatalf("LatestPendingAutomation failed: %v", err)
	}
	if latest.ID != a.ID || latest.CorrelationID != "corr" {
		t.Errorf("Bad latest pending automation: %+v", latest)
	}

	if err := db.UpdateAutomationStatus(ctx, "nope", dbtypes.AutomationOff, "x"); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("UpdateAutomationStatus on unknown id; got err %v, want not found", err)
	}
}

func TestResolveDose(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	h := &dbtypes.HistoryRecord{
		Medicine:      "medicine_1",
		ScheduledTime: "2026-10-15T08:00:00.000+08:00",
		Status:        dbtypes.HistoryPending,
		CorrelationID: "corr",
		CreatedAt:     "2026-10-15T08:00:10.000+08:00",
	}
	if err := db.CreateHistory(ctx, h); err != nil {
		t.Fatalf("CreateHistory failed: %v", err)
	}

	if err := db.ResolveDose(ctx, &dbtypes.DoseResolution{HistoryID: h.ID, AutomationID: "vanished", TakenTime: "t", Status: "on_time"}); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("Got err %v, want not found", err)
	}

	err := db.ResolveDose(ctx, &dbtypes.DoseResolution{
		HistoryID: h.ID,
		TakenTime: "2026-10-15T08:03:00.000+08:00",
		Status:    "on_time",
		UpdatedAt: "2026-10-15T08:03:00.000+08:00",
	})
	if err != nil {
		t.Fatalf("ResolveDose failed: %v", err)
	}
	got, err := db.HistoryByCorrelation(ctx, "corr")
	if err != nil {
		t.Fatalf("HistoryByCorrelation failed: %v", err)
	}
	if got.Pending() || got.Status != "on_time" {
		t.Errorf("History not resolved: %+v", got)
	}
	if n, err := db.CountHistory(ctx); err != nil || n != 1 {
		t.Errorf("CountHistory got (%d, %v), want (1, nil)", n, err)
	}
}

func TestInventory(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	if _, err := db.GetInventory(ctx); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("GetInventory before seeding; got err %v, want not found", err)
	}
	if err := db.SetInventory(ctx, map[string]int64{"medicine_1": 2}, "seed"); err != nil {
		t.Fatalf("SetInventory failed: %v", err)
	}
	if err := db.DecrementInventory(ctx, "medicine_1", 3, "later"); err != nil {
		t.Fatalf("DecrementInventory failed: %v", err)
	}
	err := db.UpdateInventory(ctx, func(inv *dbtypes.Inventory) (map[string]int64, error) {
		return map[string]int64{"medicine_1": inv.Counts["medicine_1"] + 4}, nil
	}, "latest")
	if err != nil {
		t.Fatalf("UpdateInventory failed: %v", err)
	}

	got, err := db.GetInventory(ctx)
	if err != nil {
		t.Fatalf("GetInventory failed: %v", err)
	}
	want := &dbtypes.Inventory{Counts: map[string]int64{"medicine_1": 3}, LastUpdated: "latest"}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("Bad inventory; diff (-got +want)\n%s", diff)
	}
}
