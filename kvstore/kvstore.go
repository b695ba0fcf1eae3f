// Package kvstore implements the pillbox document store on an embedded
// Badger database.
//
// Every document is a JSON value under the key "<collection>/<id>".  Queries
// scan a collection prefix; there are no secondary indexes, which is fine for
// the handful of documents a single dispenser accumulates.
package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"pillbox/dbtypes"
	"pillbox/errs"

	"github.com/dgraph-io/badger"
	"github.com/google/uuid"
	"golang.org/x/xerrors"
)

// Error is a storage failure with the frame it was raised from.
type Error struct {
	Message string

	inner error
	frame xerrors.Frame
}

func newError(message string, inner error) *Error {
	return &Error{
		Message: message,
		inner:   inner,
		frame:   xerrors.Caller(1),
	}
}

func (e *Error) Error() string {
	if e.inner == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.inner)
}

func (e *Error) Format(f fmt.State, c rune) { // implements fmt.Formatter
	xerrors.FormatError(e, f, c)
}

func (e *Error) FormatError(p xerrors.Printer) error { // implements xerrors.Formatter
	p.Print(e.Message)
	if p.Detail() {
		e.frame.Format(p)
	}
	return e.inner
}

func (e *Error) Unwrap() error {
	return e.inner
}

type Store struct {
	db *badger.DB

	inventoryDoc string
}

// Open opens (creating if needed) the Badger database in dataDir.
func Open(dataDir, inventoryDoc string) (*Store, error) {
	db, err := badger.Open(badger.DefaultOptions(dataDir))
	if err != nil {
		return nil, xerrors.Errorf("while opening badger kv dir %q: %w", dataDir, err)
	}
	return &Store{db: db, inventoryDoc: inventoryDoc}, nil
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return xerrors.Errorf("while closing database: %w", err)
	}
	return nil
}

// Ping checks that the database still accepts reads.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(s.inventoryKey())
		if err != nil && !xerrors.Is(err, badger.ErrKeyNotFound) {
			return newError("inventory document unreadable", err)
		}
		return nil
	})
}

func docKey(collection, id string) []byte {
	return []byte(collection + "/" + id)
}

func collectionPrefix(collection string) []byte {
	return []byte(collection + "/")
}

func (s *Store) inventoryKey() []byte {
	return docKey(dbtypes.MedicinesCollection, s.inventoryDoc)
}

// update runs fn in a read-write transaction, retrying on commit conflicts.
func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for {
		err := s.db.Update(fn)
		if !xerrors.Is(err, badger.ErrConflict) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func getJSON(txn *badger.Txn, key []byte, v interface{}) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	data, err := item.ValueCopy(nil)
	if err != nil {
		return newError(fmt.Sprintf("while reading %s", key), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return newError(fmt.Sprintf("while unmarshaling %s", key), err)
	}
	return nil
}

func setJSON(txn *badger.Txn, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return newError(fmt.Sprintf("while marshaling %s", key), err)
	}
	if err := txn.Set(key, data); err != nil {
		return newError(fmt.Sprintf("while writing %s", key), err)
	}
	return nil
}

// scan calls fn with the raw value of every document in collection, in key
// order.
func scan(txn *badger.Txn, collection string, fn func(data []byte) error) error {
	prefix := collectionPrefix(collection)
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		data, err := it.Item().ValueCopy(nil)
		if err != nil {
			return newError(fmt.Sprintf("while reading %s", it.Item().Key()), err)
		}
		if err := fn(data); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) automationsWhere(keep func(*dbtypes.Automation) bool) ([]*dbtypes.Automation, error) {
	automations := []*dbtypes.Automation{}
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, dbtypes.AutomationsCollection, func(data []byte) error {
			a := &dbtypes.Automation{}
			if err := json.Unmarshal(data, a); err != nil {
				return newError("while unmarshaling automation", err)
			}
			if keep(a) {
				automations = append(automations, a)
			}
			return nil
		})
	})
	if err != nil {
		return nil, xerrors.Errorf("while scanning automations: %w", err)
	}
	return automations, nil
}

func (s *Store) historyWhere(keep func(*dbtypes.HistoryRecord) bool) ([]*dbtypes.HistoryRecord, error) {
	records := []*dbtypes.HistoryRecord{}
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, dbtypes.HistoryCollection, func(data []byte) error {
			h := &dbtypes.HistoryRecord{}
			if err := json.Unmarshal(data, h); err != nil {
				return newError("while unmarshaling history record", err)
			}
			if keep(h) {
				records = append(records, h)
			}
			return nil
		})
	})
	if err != nil {
		return nil, xerrors.Errorf("while scanning history: %w", err)
	}
	return records, nil
}

// sortNewestFirst orders records by created_at descending, with the ID as a
// tie breaker so the order is deterministic.
func sortNewestFirst(records []*dbtypes.HistoryRecord) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt != records[j].CreatedAt {
			return records[i].CreatedAt > records[j].CreatedAt
		}
		return records[i].ID > records[j].ID
	})
}

func (s *Store) CreateAutomation(ctx context.Context, a *dbtypes.Automation) error {
	a.ID = uuid.NewString()
	err := s.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, docKey(dbtypes.AutomationsCollection, a.ID), a)
	})
	if err != nil {
		return xerrors.Errorf("while creating automation: %w", err)
	}
	return nil
}

func (s *Store) FindAutomation(ctx context.Context, title, medicine, scheduleTime string) (*dbtypes.Automation, error) {
	found, err := s.automationsWhere(func(a *dbtypes.Automation) bool {
		return a.Title == title && a.Medicine == medicine && a.ScheduleTime == scheduleTime
	})
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, errs.NotFoundf("no automation %q for %s at %s", title, medicine, scheduleTime)
	}
	return found[0], nil
}

func (s *Store) ListAutomations(ctx context.Context) ([]*dbtypes.Automation, error) {
	return s.automationsWhere(func(*dbtypes.Automation) bool { return true })
}

func (s *Store) ListActiveAutomations(ctx context.Context) ([]*dbtypes.Automation, error) {
	return s.automationsWhere(func(a *dbtypes.Automation) bool { return a.Status == dbtypes.AutomationOn })
}

func (s *Store) GetAutomation(ctx context.Context, id string) (*dbtypes.Automation, error) {
	a := &dbtypes.Automation{}
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, docKey(dbtypes.AutomationsCollection, id), a)
	})
	if xerrors.Is(err, badger.ErrKeyNotFound) {
		return nil, errs.NotFoundf("Automation not found")
	}
	if err != nil {
		return nil, xerrors.Errorf("while retrieving automation %s: %w", id, err)
	}
	return a, nil
}

// modifyAutomation applies fn to a stored automation inside one transaction.
func (s *Store) modifyAutomation(ctx context.Context, id string, fn func(*dbtypes.Automation)) error {
	key := docKey(dbtypes.AutomationsCollection, id)
	err := s.update(ctx, func(txn *badger.Txn) error {
		a := &dbtypes.Automation{}
		if err := getJSON(txn, key, a); err != nil {
			return err
		}
		fn(a)
		return setJSON(txn, key, a)
	})
	if xerrors.Is(err, badger.ErrKeyNotFound) {
		return errs.NotFoundf("Automation not found")
	}
	return err
}

func (s *Store) UpdateAutomationStatus(ctx context.Context, id, status, updatedAt string) error {
	err := s.modifyAutomation(ctx, id, func(a *dbtypes.Automation) {
		a.Status = status
		a.UpdatedAt = updatedAt
	})
	if err != nil {
		return xerrors.Errorf("while updating automation %s: %w", id, err)
	}
	return nil
}

func (s *Store) DeleteAutomation(ctx context.Context, id string) error {
	err := s.update(ctx, func(txn *badger.Txn) error {
		return txn.Delete(docKey(dbtypes.AutomationsCollection, id))
	})
	if err != nil {
		return xerrors.Errorf("while deleting automation %s: %w", id, err)
	}
	return nil
}

func (s *Store) RetireAutomation(ctx context.Context, id, correlationID, updatedAt string) error {
	err := s.modifyAutomation(ctx, id, func(a *dbtypes.Automation) {
		a.Status = dbtypes.AutomationOff
		a.TakenTime = ""
		a.CorrelationID = correlationID
		a.UpdatedAt = updatedAt
	})
	if err != nil {
		return xerrors.Errorf("while retiring automation %s: %w", id, err)
	}
	return nil
}

func (s *Store) LatestPendingAutomation(ctx context.Context) (*dbtypes.Automation, error) {
	found, err := s.automationsWhere(func(a *dbtypes.Automation) bool {
		return a.Status == dbtypes.AutomationOff && a.TakenTime == "" && a.CorrelationID != ""
	})
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, errs.NotFoundf("No pending automations found")
	}

	latest := found[0]
	for _, a := range found[1:] {
		if a.UpdatedAt > latest.UpdatedAt || (a.UpdatedAt == latest.UpdatedAt && a.ID > latest.ID) {
			latest = a
		}
	}
	return latest, nil
}

func (s *Store) CreateHistory(ctx context.Context, h *dbtypes.HistoryRecord) error {
	h.ID = uuid.NewString()
	err := s.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, docKey(dbtypes.HistoryCollection, h.ID), h)
	})
	if err != nil {
		return xerrors.Errorf("while creating history record: %w", err)
	}
	return nil
}

func (s *Store) CountHistory(ctx context.Context) (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := collectionPrefix(dbtypes.HistoryCollection)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, xerrors.Errorf("while counting history: %w", err)
	}
	return count, nil
}

func (s *Store) ListHistoryPage(ctx context.Context, offset, limit int) ([]*dbtypes.HistoryRecord, error) {
	records, err := s.historyWhere(func(*dbtypes.HistoryRecord) bool { return true })
	if err != nil {
		return nil, err
	}
	sortNewestFirst(records)

	if offset >= len(records) {
		return []*dbtypes.HistoryRecord{}, nil
	}
	end := offset + limit
	if end > len(records) {
		end = len(records)
	}
	return records[offset:end], nil
}

func (s *Store) LatestPendingHistory(ctx context.Context, medicine string) (*dbtypes.HistoryRecord, error) {
	records, err := s.historyWhere(func(h *dbtypes.HistoryRecord) bool {
		return h.Pending() && (medicine == "" || h.Medicine == medicine)
	})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, errs.NotFoundf("No pending history records found")
	}
	sortNewestFirst(records)
	return records[0], nil
}

func (s *Store) HistoryByCorrelation(ctx context.Context, correlationID string) (*dbtypes.HistoryRecord, error) {
	records, err := s.historyWhere(func(h *dbtypes.HistoryRecord) bool {
		return h.CorrelationID == correlationID
	})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, errs.NotFoundf("no history record for correlation ID %q", correlationID)
	}
	return records[0], nil
}

// ResolveDose applies the resolution in one transaction.  Both documents must
// exist.
func (s *Store) ResolveDose(ctx context.Context, r *dbtypes.DoseResolution) error {
	err := s.update(ctx, func(txn *badger.Txn) error {
		historyKey := docKey(dbtypes.HistoryCollection, r.HistoryID)
		h := &dbtypes.HistoryRecord{}
		if err := getJSON(txn, historyKey, h); err != nil {
			return err
		}
		h.TakenTime = r.TakenTime
		h.Status = r.Status
		h.UpdatedAt = r.UpdatedAt
		if err := setJSON(txn, historyKey, h); err != nil {
			return err
		}

		if r.AutomationID == "" {
			return nil
		}
		automationKey := docKey(dbtypes.AutomationsCollection, r.AutomationID)
		a := &dbtypes.Automation{}
		if err := getJSON(txn, automationKey, a); err != nil {
			return err
		}
		a.TakenTime = r.TakenTime
		a.UpdatedAt = r.UpdatedAt
		return setJSON(txn, automationKey, a)
	})
	if xerrors.Is(err, badger.ErrKeyNotFound) {
		return errs.NotFoundf("record to resolve no longer exists")
	}
	if err != nil {
		return xerrors.Errorf("while resolving history record %s: %w", r.HistoryID, err)
	}
	return nil
}

func (s *Store) GetInventory(ctx context.Context) (*dbtypes.Inventory, error) {
	inv := &dbtypes.Inventory{}
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, s.inventoryKey(), inv)
	})
	if xerrors.Is(err, badger.ErrKeyNotFound) {
		return nil, errs.NotFoundf("Medicine settings document not found")
	}
	if err != nil {
		return nil, xerrors.Errorf("while reading inventory document: %w", err)
	}
	if inv.Counts == nil {
		inv.Counts = map[string]int64{}
	}
	return inv, nil
}

// UpdateInventory runs mutate inside a transaction.  A conflicting concurrent
// write makes the whole read-modify-write run again.
func (s *Store) UpdateInventory(ctx context.Context, mutate func(*dbtypes.Inventory) (map[string]int64, error), updatedAt string) error {
	err := s.update(ctx, func(txn *badger.Txn) error {
		inv := &dbtypes.Inventory{}
		if err := getJSON(txn, s.inventoryKey(), inv); err != nil {
			return err
		}
		if inv.Counts == nil {
			inv.Counts = map[string]int64{}
		}

		next, err := mutate(inv)
		if err != nil {
			return err
		}

		for medicine, count := range next {
			inv.Counts[medicine] = count
		}
		inv.LastUpdated = updatedAt
		return setJSON(txn, s.inventoryKey(), inv)
	})
	if xerrors.Is(err, badger.ErrKeyNotFound) {
		return errs.NotFoundf("Medicine settings not found")
	}
	if err != nil {
		return xerrors.Errorf("while updating inventory: %w", err)
	}
	return nil
}

func (s *Store) DecrementInventory(ctx context.Context, medicine string, amount int64, updatedAt string) error {
	return s.UpdateInventory(ctx, func(inv *dbtypes.Inventory) (map[string]int64, error) {
		return map[string]int64{medicine: inv.Counts[medicine] - amount}, nil
	}, updatedAt)
}

func (s *Store) SetInventory(ctx context.Context, counts map[string]int64, updatedAt string) error {
	inv := &dbtypes.Inventory{Counts: counts, LastUpdated: updatedAt}
	err := s.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, s.inventoryKey(), inv)
	})
	if err != nil {
		return xerrors.Errorf("while writing inventory document: %w", err)
	}
	return nil
}
