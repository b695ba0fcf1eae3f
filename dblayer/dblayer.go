// Package dblayer packages up all Firestore accesses.
package dblayer

import (
	"context"
	"fmt"

	"pillbox/dbtypes"
	"pillbox/errs"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type DB struct {
	firestoreClient *firestore.Client

	// ID of the singleton inventory settings document.
	inventoryDoc string
}

func New(firestoreClient *firestore.Client, inventoryDoc string) *DB {
	return &DB{
		firestoreClient: firestoreClient,
		inventoryDoc:    inventoryDoc,
	}
}

func (db *DB) Close() error {
	return db.firestoreClient.Close()
}

// Ping checks that Firestore answers.  A missing inventory document is not a
// failure.
func (db *DB) Ping(ctx context.Context) error {
	_, err := db.inventoryRef().Get(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("while reading inventory document: %w", err)
	}
	return nil
}

func (db *DB) automations() *firestore.CollectionRef {
	return db.firestoreClient.Collection(dbtypes.AutomationsCollection)
}

func (db *DB) history() *firestore.CollectionRef {
	return db.firestoreClient.Collection(dbtypes.HistoryCollection)
}

func (db *DB) inventoryRef() *firestore.DocumentRef {
	return db.firestoreClient.Collection(dbtypes.MedicinesCollection).Doc(db.inventoryDoc)
}

func automationFromSnapshot(snap *firestore.DocumentSnapshot) (*dbtypes.Automation, error) {
	a := &dbtypes.Automation{}
	if err := snap.DataTo(a); err != nil {
		return nil, fmt.Errorf("while unmarshaling automation %s: %w", snap.Ref.ID, err)
	}
	a.ID = snap.Ref.ID
	return a, nil
}

func historyFromSnapshot(snap *firestore.DocumentSnapshot) (*dbtypes.HistoryRecord, error) {
	h := &dbtypes.HistoryRecord{}
	if err := snap.DataTo(h); err != nil {
		return nil, fmt.Errorf("while unmarshaling history record %s: %w", snap.Ref.ID, err)
	}
	h.ID = snap.Ref.ID
	return h, nil
}

func collectAutomations(iter *firestore.DocumentIterator) ([]*dbtypes.Automation, error) {
	defer iter.Stop()
	automations := []*dbtypes.Automation{}
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("while iterating automations: %w", err)
		}

		a, err := automationFromSnapshot(snap)
		if err != nil {
			return nil, err
		}
		automations = append(automations, a)
	}
	return automations, nil
}

func collectHistory(iter *firestore.DocumentIterator) ([]*dbtypes.HistoryRecord, error) {
	defer iter.Stop()
	records := []*dbtypes.HistoryRecord{}
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("while iterating history: %w", err)
		}

		h, err := historyFromSnapshot(snap)
		if err != nil {
			return nil, err
		}
		records = append(records, h)
	}
	return records, nil
}

// CreateAutomation stores a new automation, filling in its ID.
func (db *DB) CreateAutomation(ctx context.Context, a *dbtypes.Automation) error {
	ref := db.automations().NewDoc()
	if _, err := ref.Create(ctx, a); err != nil {
		return fmt.Errorf("while creating automation: %w", err)
	}
	a.ID = ref.ID
	return nil
}

// FindAutomation returns an automation with exactly this (title, medicine,
// schedule time) triple.
func (db *DB) FindAutomation(ctx context.Context, title, medicine, scheduleTime string) (*dbtypes.Automation, error) {
	iter := db.automations().
		Where("automation_title", "==", title).
		Where("medicine", "==", medicine).
		Where("schedule_time", "==", scheduleTime).
		Limit(1).
		Documents(ctx)
	found, err := collectAutomations(iter)
	if err != nil {
		return nil, fmt.Errorf("while looking up automation %q: %w", title, err)
	}
	if len(found) == 0 {
		return nil, errs.NotFoundf("no automation %q for %s at %s", title, medicine, scheduleTime)
	}
	return found[0], nil
}

func (db *DB) ListAutomations(ctx context.Context) ([]*dbtypes.Automation, error) {
	return collectAutomations(db.automations().Documents(ctx))
}

// ListActiveAutomations returns the automations eligible for triggering.
func (db *DB) ListActiveAutomations(ctx context.Context) ([]*dbtypes.Automation, error) {
	return collectAutomations(db.automations().Where("status", "==", dbtypes.AutomationOn).Documents(ctx))
}

func (db *DB) GetAutomation(ctx context.Context, id string) (*dbtypes.Automation, error) {
	snap, err := db.automations().Doc(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, errs.NotFoundf("Automation not found")
	}
	if err != nil {
		return nil, fmt.Errorf("while retrieving automation %s: %w", id, err)
	}
	return automationFromSnapshot(snap)
}

func (db *DB) UpdateAutomationStatus(ctx context.Context, id, newStatus, updatedAt string) error {
	_, err := db.automations().Doc(id).Update(ctx, []firestore.Update{
		{Path: "status", Value: newStatus},
		{Path: "updated_at", Value: updatedAt},
	})
	if status.Code(err) == codes.NotFound {
		return errs.NotFoundf("Automation not found")
	}
	if err != nil {
		return fmt.Errorf("while updating automation %s: %w", id, err)
	}
	return nil
}

// DeleteAutomation removes an automation.  Deleting an absent ID succeeds.
func (db *DB) DeleteAutomation(ctx context.Context, id string) error {
	if _, err := db.automations().Doc(id).Delete(ctx); err != nil {
		return fmt.Errorf("while deleting automation %s: %w", id, err)
	}
	return nil
}

// RetireAutomation marks a fired automation off, with its taken time cleared
// and the firing's correlation ID recorded.
func (db *DB) RetireAutomation(ctx context.Context, id, correlationID, updatedAt string) error {
	_, err := db.automations().Doc(id).Update(ctx, []firestore.Update{
		{Path: "status", Value: dbtypes.AutomationOff},
		{Path: "taken_time", Value: ""},
		{Path: "correlation_id", Value: correlationID},
		{Path: "updated_at", Value: updatedAt},
	})
	if err != nil {
		return fmt.Errorf("while retiring automation %s: %w", id, err)
	}
	return nil
}

// LatestPendingAutomation returns the most recently fired automation whose
// dose has not been taken yet.
func (db *DB) LatestPendingAutomation(ctx context.Context) (*dbtypes.Automation, error) {
	iter := db.automations().
		Where("status", "==", dbtypes.AutomationOff).
		Where("taken_time", "==", "").
		OrderBy("updated_at", firestore.Desc).
		Documents(ctx)
	candidates, err := collectAutomations(iter)
	if err != nil {
		return nil, fmt.Errorf("while looking up pending automations: %w", err)
	}

	// Automations switched off by hand never fired and carry no correlation
	// ID.
	for _, a := range candidates {
		if a.CorrelationID != "" {
			return a, nil
		}
	}
	return nil, errs.NotFoundf("No pending automations found")
}

// CreateHistory stores a new history record, filling in its ID.
func (db *DB) CreateHistory(ctx context.Context, h *dbtypes.HistoryRecord) error {
	ref := db.history().NewDoc()
	if _, err := ref.Create(ctx, h); err != nil {
		return fmt.Errorf("while creating history record: %w", err)
	}
	h.ID = ref.ID
	return nil
}

func (db *DB) CountHistory(ctx context.Context) (int, error) {
	iter := db.history().Select().Documents(ctx)
	defer iter.Stop()

	count := 0
	for {
		_, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("while counting history: %w", err)
		}
		count++
	}
	return count, nil
}

// ListHistoryPage returns history newest first, skipping offset records.
func (db *DB) ListHistoryPage(ctx context.Context, offset, limit int) ([]*dbtypes.HistoryRecord, error) {
	iter := db.history().
		OrderBy("created_at", firestore.Desc).
		Offset(offset).
		Limit(limit).
		Documents(ctx)
	return collectHistory(iter)
}

// LatestPendingHistory returns the most recently created pending record,
// restricted to one medicine unless medicine is empty.
func (db *DB) LatestPendingHistory(ctx context.Context, medicine string) (*dbtypes.HistoryRecord, error) {
	q := db.history().Where("taken_time", "==", "")
	if medicine != "" {
		q = q.Where("medicine", "==", medicine)
	}
	found, err := collectHistory(q.OrderBy("created_at", firestore.Desc).Limit(1).Documents(ctx))
	if err != nil {
		return nil, fmt.Errorf("while looking up pending history: %w", err)
	}
	if len(found) == 0 {
		return nil, errs.NotFoundf("No pending history records found")
	}
	return found[0], nil
}

func (db *DB) HistoryByCorrelation(ctx context.Context, correlationID string) (*dbtypes.HistoryRecord, error) {
	found, err := collectHistory(db.history().Where("correlation_id", "==", correlationID).Limit(1).Documents(ctx))
	if err != nil {
		return nil, fmt.Errorf("while looking up history for correlation %s: %w", correlationID, err)
	}
	if len(found) == 0 {
		return nil, errs.NotFoundf("no history record for correlation ID %q", correlationID)
	}
	return found[0], nil
}

// ResolveDose applies a resolution in a single write batch.
func (db *DB) ResolveDose(ctx context.Context, r *dbtypes.DoseResolution) error {
	batch := db.firestoreClient.Batch()
	batch.Update(db.history().Doc(r.HistoryID), []firestore.Update{
		{Path: "taken_time", Value: r.TakenTime},
		{Path: "status", Value: r.Status},
		{Path: "updated_at", Value: r.UpdatedAt},
	})
	if r.AutomationID != "" {
		batch.Update(db.automations().Doc(r.AutomationID), []firestore.Update{
			{Path: "taken_time", Value: r.TakenTime},
			{Path: "updated_at", Value: r.UpdatedAt},
		})
	}
	if _, err := batch.Commit(ctx); status.Code(err) == codes.NotFound {
		return errs.NotFoundf("record to resolve no longer exists")
	} else if err != nil {
		return fmt.Errorf("while committing resolution of history record %s: %w", r.HistoryID, err)
	}
	return nil
}

func inventoryFromSnapshot(snap *firestore.DocumentSnapshot) (*dbtypes.Inventory, error) {
	inv := &dbtypes.Inventory{Counts: map[string]int64{}}
	for field, value := range snap.Data() {
		if field == dbtypes.LastUpdatedField {
			inv.LastUpdated = fmt.Sprint(value)
			continue
		}
		switch v := value.(type) {
		case int64:
			inv.Counts[field] = v
		case float64:
			inv.Counts[field] = int64(v)
		default:
			return nil, fmt.Errorf("inventory field %q has non-numeric value %v", field, value)
		}
	}
	return inv, nil
}

func (db *DB) GetInventory(ctx context.Context) (*dbtypes.Inventory, error) {
	snap, err := db.inventoryRef().Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, errs.NotFoundf("Medicine settings document not found")
	}
	if err != nil {
		return nil, fmt.Errorf("while reading inventory document: %w", err)
	}
	return inventoryFromSnapshot(snap)
}

// UpdateInventory runs a transactional read-modify-write of the counters.
//
// mutate receives the current document and returns the counters to write.
// It may run more than once if the transaction is retried.
func (db *DB) UpdateInventory(ctx context.Context, mutate func(*dbtypes.Inventory) (map[string]int64, error), updatedAt string) error {
	ref := db.inventoryRef()
	return db.firestoreClient.RunTransaction(ctx, func(ctx context.Context, txn *firestore.Transaction) error {
		snap, err := txn.Get(ref)
		if status.Code(err) == codes.NotFound {
			return errs.NotFoundf("Medicine settings not found")
		}
		if err != nil {
			return fmt.Errorf("while reading inventory document: %w", err)
		}

		current, err := inventoryFromSnapshot(snap)
		if err != nil {
			return err
		}

		next, err := mutate(current)
		if err != nil {
			return err
		}

		updates := []firestore.Update{{Path: dbtypes.LastUpdatedField, Value: updatedAt}}
		for medicine, count := range next {
			updates = append(updates, firestore.Update{Path: medicine, Value: count})
		}
		if err := txn.Update(ref, updates); err != nil {
			return fmt.Errorf("while updating inventory document: %w", err)
		}
		return nil
	})
}

// DecrementInventory atomically lowers one counter.  There is no floor.
func (db *DB) DecrementInventory(ctx context.Context, medicine string, amount int64, updatedAt string) error {
	_, err := db.inventoryRef().Update(ctx, []firestore.Update{
		{Path: medicine, Value: firestore.Increment(-amount)},
		{Path: dbtypes.LastUpdatedField, Value: updatedAt},
	})
	if status.Code(err) == codes.NotFound {
		return errs.NotFoundf("Medicine settings not found")
	}
	if err != nil {
		return fmt.Errorf("while decrementing %s: %w", medicine, err)
	}
	return nil
}

// SetInventory overwrites the inventory document.
func (db *DB) SetInventory(ctx context.Context, counts map[string]int64, updatedAt string) error {
	data := map[string]interface{}{dbtypes.LastUpdatedField: updatedAt}
	for medicine, count := range counts {
		data[medicine] = count
	}
	if _, err := db.inventoryRef().Set(ctx, data); err != nil {
		return fmt.Errorf("while writing inventory document: %w", err)
	}
	return nil
}
