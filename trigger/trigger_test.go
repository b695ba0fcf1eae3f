package trigger

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"pillbox/dbtypes"
	"pillbox/inventory"
	"pillbox/kvstore"

	"cloud.google.com/go/civil"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var pht = time.FixedZone("PHT", 8*60*60)

type fixture struct {
	store *kvstore.Store
	inv   *inventory.Accessor
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := kvstore.Open(t.TempDir(), "settings")
	if err != nil {
		t.Fatalf("Unexpected error opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	f := &fixture{store: s}
	f.inv = inventory.New(s, []string{"medicine_1", "medicine_2"}, 10, pht, inventory.WithClock(f.clock))
	if err := s.SetInventory(context.Background(), map[string]int64{"medicine_1": 5, "medicine_2": 5}, "seed"); err != nil {
		t.Fatalf("SetInventory failed: %v", err)
	}
	return f
}

func (f *fixture) clock() time.Time {
	return f.now
}

func (f *fixture) engine(opts ...EngineOpt) *Engine {
	return New(f.store, f.inv, pht, append([]EngineOpt{WithClock(f.clock)}, opts...)...)
}

func (f *fixture) schedule(t *testing.T, medicine, scheduleTime string) *dbtypes.Automation {
	t.Helper()
	a := &dbtypes.Automation{
		Title:        "dose",
		Action:       "dispense",
		Medicine:     medicine,
		ScheduleTime: scheduleTime,
		Status:       dbtypes.AutomationOn,
	}
	if err := f.store.CreateAutomation(context.Background(), a); err != nil {
		t.Fatalf("CreateAutomation failed: %v", err)
	}
	return a
}

func TestRunFiresOncePerMinute(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.schedule(t, "medicine_1", "2026-10-15T14:32:00.000+08:00")
	e := f.engine()

	f.now = time.Date(2026, 10, 15, 14, 32, 47, 0, pht)
	got, err := e.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !got.Triggered || len(got.Automations) != 1 || len(got.Failures) != 0 {
		t.Fatalf("Bad result: %+v", got)
	}
	firedAutomation := got.Automations[0]
	if firedAutomation.ID != a.ID || firedAutomation.CorrelationID == "" {
		t.Errorf("Bad fired automation: %+v", firedAutomation)
	}

	counts, err := f.inv.Get(ctx)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if diff := cmp.Diff(counts, inventory.Counters{"medicine_1": 4, "medicine_2": 5}); diff != "" {
		t.Errorf("Bad inventory; diff (-got +want)\n%s", diff)
	}

	h, err := f.store.HistoryByCorrelation(ctx, firedAutomation.CorrelationID)
	if err != nil {
		t.Fatalf("HistoryByCorrelation failed: %v", err)
	}
	title, action := "dose", "dispense"
	wantHistory := &dbtypes.HistoryRecord{
		ID:            h.ID,
		Title:         &title,
		Action:        &action,
		Medicine:      "medicine_1",
		ScheduledTime: "2026-10-15T14:32:00.000+08:00",
		Status:        dbtypes.HistoryPending,
		CorrelationID: firedAutomation.CorrelationID,
		AutomationID:  a.ID,
		CreatedAt:     "2026-10-15T14:32:47.000+08:00",
		UpdatedAt:     "2026-10-15T14:32:47.000+08:00",
	}
	if diff := cmp.Diff(h, wantHistory); diff != "" {
		t.Errorf("Bad history record; diff (-got +want)\n%s", diff)
	}

	retired, err := f.store.GetAutomation(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetAutomation failed: %v", err)
	}
	if retired.Status != dbtypes.AutomationOff || retired.TakenTime != "" {
		t.Errorf("Automation not retired: %+v", retired)
	}

	// Same minute again: the automation is no longer on.
	f.now = time.Date(2026, 10, 15, 14, 32, 59, 0, pht)
	again, err := e.Run(ctx)
	if err != nil {
		t.Fatalf("Second Run failed: %v", err)
	}
	if again.Triggered {
		t.Errorf("Automation fired twice: %+v", again)
	}
	if n, _ := f.store.CountHistory(ctx); n != 1 {
		t.Errorf("Got %d history records, want 1", n)
	}
}

func TestRunIgnoresOtherMinutes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	e := f.engine()

	f.schedule(t, "medicine_1", "2026-10-15T14:32:00.000+08:00")
	// Same wall-clock minute on another day.
	f.schedule(t, "medicine_2", "2026-10-14T14:33:00.000+08:00")
	// 14:33 in Manila written in UTC.
	utc := f.schedule(t, "medicine_2", "2026-10-15T06:33:30Z")

	f.now = time.Date(2026, 10, 15, 14, 33, 0, 0, pht)
	got, err := e.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(got.Automations) != 1 || got.Automations[0].ID != utc.ID {
		t.Errorf("Bad automations fired at 14:33: %+v", got.Automations)
	}

	counts, err := f.inv.Get(ctx)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if diff := cmp.Diff(counts, inventory.Counters{"medicine_1": 5, "medicine_2": 4}); diff != "" {
		t.Errorf("Bad inventory; diff (-got +want)\n%s", diff)
	}
}

func TestRunNothingActive(t *testing.T) {
	f := newFixture(t)
	f.now = time.Now()

	got, err := f.engine().Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	want := &Result{Triggered: false, Message: "No automations matched current time"}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("Bad result; diff (-got +want)\n%s", diff)
	}
}

// failingInventory rejects decrements of one medicine.
type failingInventory struct {
	Inventory
	medicine string
}

func (f *failingInventory) Decrement(ctx context.Context, medicine string, amount int64) error {
	if medicine == f.medicine {
		return errors.New("dispenser jammed")
	}
	return f.Inventory.Decrement(ctx, medicine, amount)
}

func TestRunReportsPartialFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	e := New(f.store, &failingInventory{Inventory: f.inv, medicine: "medicine_2"}, pht, WithClock(f.clock))

	ok := f.schedule(t, "medicine_1", "2026-10-15T09:00:00.000+08:00")
	bad := f.schedule(t, "medicine_2", "2026-10-15T09:00:00.000+08:00")

	f.now = time.Date(2026, 10, 15, 9, 0, 5, 0, pht)
	got, err := e.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(got.Automations) != 1 || got.Automations[0].ID != ok.ID {
		t.Errorf("Bad automations: %+v", got.Automations)
	}
	if len(got.Failures) != 1 || got.Failures[0].AutomationID != bad.ID {
		t.Errorf("Bad failures: %+v", got.Failures)
	}

	// The sibling effects of the failed decrement are not rolled back.
	retired, err := f.store.GetAutomation(ctx, bad.ID)
	if err != nil {
		t.Fatalf("GetAutomation failed: %v", err)
	}
	if retired.Status != dbtypes.AutomationOff {
		t.Errorf("Failed automation not retired: %+v", retired)
	}
	if n, _ := f.store.CountHistory(ctx); n != 2 {
		t.Errorf("Got %d history records, want 2", n)
	}
}

type denyLock struct {
	denied map[string]bool
}

func (l *denyLock) Acquire(ctx context.Context, id string, minute civil.DateTime) (bool, error) {
	return !l.denied[id], nil
}

func TestRunRespectsFireLock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.schedule(t, "medicine_1", "2026-10-15T09:00:00.000+08:00")
	b := f.schedule(t, "medicine_2", "2026-10-15T09:00:00.000+08:00")
	e := f.engine(WithFireLock(&denyLock{denied: map[string]bool{a.ID: true}}))

	f.now = time.Date(2026, 10, 15, 9, 0, 0, 0, pht)
	got, err := e.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(got.Automations) != 1 || got.Automations[0].ID != b.ID {
		t.Errorf("Bad automations: %+v", got.Automations)
	}

	held, err := f.store.GetAutomation(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetAutomation failed: %v", err)
	}
	if held.Status != dbtypes.AutomationOn {
		t.Errorf("Locked-out automation was touched: %+v", held)
	}
}

func TestRedisLock(t *testing.T) {
	addr := os.Getenv("PILLBOX_TEST_REDIS")
	if addr == "" {
		t.Skip("PILLBOX_TEST_REDIS not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })

	lock := NewRedisLock(client, time.Minute)
	id := uuid.NewString()
	minute := civil.DateTimeOf(time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC))
	t.Cleanup(func() { client.Del(ctx, fireKey(id, minute)) })

	first, err := lock.Acquire(ctx, id, minute)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	second, err := lock.Acquire(ctx, id, minute)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if !first || second {
		t.Errorf("Got (%v, %v) from two acquisitions, want (true, false)", first, second)
	}
}

func TestFireKey(t *testing.T) {
	minute := civil.DateTime{
		Date: civil.Date{Year: 2026, Month: time.March, Day: 7},
		Time: civil.Time{Hour: 8, Minute: 5, Second: 42},
	}
	if got, want := fireKey("abc", minute), "pillbox:fire:abc:202603070805"; got != want {
		t.Errorf("Bad key; got %q, want %q", got, want)
	}
}
