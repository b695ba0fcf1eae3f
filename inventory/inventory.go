// Package inventory guards the per-medicine dose counters.
//
// Counters live in a single shared settings document.  Refills are checked
// against a maximum capacity before anything is written; dispensing
// decrements unconditionally.
package inventory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"pillbox/dbtypes"
	"pillbox/errs"
)

// Store is the slice of the document store the accessor needs.
type Store interface {
	GetInventory(ctx context.Context) (*dbtypes.Inventory, error)
	UpdateInventory(ctx context.Context, mutate func(*dbtypes.Inventory) (map[string]int64, error), updatedAt string) error
	DecrementInventory(ctx context.Context, medicine string, amount int64, updatedAt string) error
}

// Counters maps each medicine identifier to its remaining dose count.
type Counters map[string]int64

// StockChange is the outcome of a successful refill.
type StockChange struct {
	Previous          Counters `json:"previous"`
	Added             Counters `json:"added"`
	NewTotal          Counters `json:"new_total"`
	RemainingCapacity Counters `json:"remaining_capacity"`
}

// CapacityError reports a refill that would overflow a counter.  It is a
// validation error.
type CapacityError struct {
	Medicine     string `json:"medicine"`
	Current      int64  `json:"current"`
	AttemptedAdd int64  `json:"attempted_add"`
	WouldBe      int64  `json:"would_be"`
	MaxAllowed   int64  `json:"max_allowed"`
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("Cannot add %d to %s (current: %d) - would exceed %d", e.AttemptedAdd, e.Medicine, e.Current, e.MaxAllowed)
}

func (e *CapacityError) Unwrap() error {
	return errs.ErrValidation
}

// MissingFieldsError reports tracked medicines absent from the settings
// document.  It is a validation error.
type MissingFieldsError struct {
	Fields []string
}

func (e *MissingFieldsError) Error() string {
	return fmt.Sprintf("Required medicine fields not found in document: %s", strings.Join(e.Fields, ", "))
}

func (e *MissingFieldsError) Unwrap() error {
	return errs.ErrValidation
}

type Accessor struct {
	store       Store
	medicines   []string
	maxCapacity int64
	loc         *time.Location
	now         func() time.Time
}

type AccessorOpt func(*Accessor)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) AccessorOpt {
	return func(a *Accessor) {
		a.now = now
	}
}

// New creates an Accessor over the given closed set of medicine identifiers.
func New(store Store, medicines []string, maxCapacity int64, loc *time.Location, opts ...AccessorOpt) *Accessor {
	a := &Accessor{
		store:       store,
		medicines:   append([]string(nil), medicines...),
		maxCapacity: maxCapacity,
		loc:         loc,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// MaxCapacity is the ceiling every counter is held under.
func (a *Accessor) MaxCapacity() int64 {
	return a.maxCapacity
}

// Known reports whether medicine is one of the tracked identifiers.
func (a *Accessor) Known(medicine string) bool {
	for _, m := range a.medicines {
		if m == medicine {
			return true
		}
	}
	return false
}

// Medicines returns the tracked identifiers.
func (a *Accessor) Medicines() []string {
	return append([]string(nil), a.medicines...)
}

func (a *Accessor) timestamp() string {
	return dbtypes.FormatTimestamp(a.now(), a.loc)
}

// Get returns every tracked counter.
func (a *Accessor) Get(ctx context.Context) (Counters, error) {
	inv, err := a.store.GetInventory(ctx)
	if err != nil {
		return nil, fmt.Errorf("while reading inventory: %w", err)
	}

	counters := Counters{}
	var missing []string
	for _, m := range a.medicines {
		count, ok := inv.Counts[m]
		if !ok {
			missing = append(missing, m)
			continue
		}
		counters[m] = count
	}
	if len(missing) != 0 {
		return nil, &MissingFieldsError{Fields: missing}
	}
	return counters, nil
}

// AddStock adds deltas to the counters.  Medicines absent from deltas are left
// alone.  If any counter would exceed the maximum capacity nothing is written.
func (a *Accessor) AddStock(ctx context.Context, deltas map[string]int64) (*StockChange, error) {
	added := Counters{}
	for _, m := range a.medicines {
		added[m] = 0
	}
	for m, delta := range deltas {
		if !a.Known(m) {
			return nil, errs.Validationf("Unknown medicine %q", m)
		}
		if delta < 0 {
			return nil, errs.Validationf("Cannot add a negative amount (%d) to %s", delta, m)
		}
		added[m] = delta
	}

	var change *StockChange
	err := a.store.UpdateInventory(ctx, func(inv *dbtypes.Inventory) (map[string]int64, error) {
		// Rebuilt on every attempt; the store may rerun this.
		change = &StockChange{
			Previous:          Counters{},
			Added:             added,
			NewTotal:          Counters{},
			RemainingCapacity: Counters{},
		}
		for _, m := range a.sortedMedicines() {
			current := inv.Counts[m]
			next := current + added[m]
			if next > a.maxCapacity {
				return nil, &CapacityError{
					Medicine:     m,
					Current:      current,
					AttemptedAdd: added[m],
					WouldBe:      next,
					MaxAllowed:   a.maxCapacity,
				}
			}
			change.Previous[m] = current
			change.NewTotal[m] = next
			change.RemainingCapacity[m] = a.maxCapacity - next
		}
		return change.NewTotal, nil
	}, a.timestamp())
	if err != nil {
		return nil, fmt.Errorf("while adding stock: %w", err)
	}
	return change, nil
}

// Decrement lowers one counter by amount.  There is no lower bound, so a
// dispenser that keeps firing on an empty slot drives the counter negative.
func (a *Accessor) Decrement(ctx context.Context, medicine string, amount int64) error {
	if err := a.store.DecrementInventory(ctx, medicine, amount, a.timestamp()); err != nil {
		return fmt.Errorf("while decrementing %s by %d: %w", medicine, amount, err)
	}
	return nil
}

// sortedMedicines gives capacity checks a stable order, so the reported
// overflow is always the first offending medicine.
func (a *Accessor) sortedMedicines() []string {
	ms := a.Medicines()
	sort.Strings(ms)
	return ms
}
