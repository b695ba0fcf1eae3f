// Package dbtypes holds the document shapes pillbox keeps in its store.
//
// Relationships between documents are by value (medicine identifier,
// timestamps, correlation ID), never by reference.
package dbtypes

import (
	"fmt"
	"time"
)

// Collection names.
const (
	AutomationsCollection = "automations"
	HistoryCollection     = "history"
	MedicinesCollection   = "medicines"
)

// Automation status values.
const (
	AutomationOn  = "on"
	AutomationOff = "off"
)

// HistoryPending is the status of a History record that has not been
// resolved yet.
const HistoryPending = "pending"

// Automation is a scheduled dispense rule.
type Automation struct {
	ID string `firestore:"-" json:"id"`

	Title    string `firestore:"automation_title" json:"automation_title"`
	Action   string `firestore:"action" json:"action"`
	Medicine string `firestore:"medicine" json:"medicine"`

	// Absolute, non-recurring.
	ScheduleTime string `firestore:"schedule_time" json:"schedule_time"`

	// Empty until the dose dispensed by this automation is taken.
	TakenTime string `firestore:"taken_time" json:"taken_time"`

	// AutomationOn means eligible for triggering.
	Status string `firestore:"status" json:"status"`

	// Set when the automation fires, and copied onto the History record the
	// firing produces.
	CorrelationID string `firestore:"correlation_id" json:"correlation_id"`

	CreatedAt string `firestore:"created_at" json:"created_at"`
	UpdatedAt string `firestore:"updated_at" json:"updated_at"`
}

// HistoryRecord is one adherence event.  It is pending while TakenTime is
// empty.
type HistoryRecord struct {
	ID string `firestore:"-" json:"id"`

	Title    *string `firestore:"history_title" json:"history_title"`
	Action   *string `firestore:"action" json:"action"`
	Medicine string  `firestore:"medicine" json:"medicine"`

	ScheduledTime string `firestore:"scheduled_time" json:"scheduled_time"`
	TakenTime     string `firestore:"taken_time" json:"taken_time"`

	// Free text: "pending", one of the resolution outcomes, or one of the
	// recorded-at-creation labels.
	Status string `firestore:"status" json:"status"`

	CorrelationID string `firestore:"correlation_id" json:"correlation_id,omitempty"`
	AutomationID  string `firestore:"automation_id" json:"automation_id,omitempty"`

	CreatedAt string `firestore:"created_at" json:"created_at"`
	UpdatedAt string `firestore:"updated_at" json:"updated_at"`
}

// Pending reports whether the record still awaits a taken signal.
func (h *HistoryRecord) Pending() bool {
	return h.TakenTime == ""
}

// Inventory is the shared settings document holding per-medicine dose
// counters.
type Inventory struct {
	Counts      map[string]int64 `json:"counts"`
	LastUpdated string           `json:"lastUpdated"`
}

// LastUpdatedField is the inventory document field stamped on every write.
const LastUpdatedField = "lastUpdated"

// TimestampLayout is the canonical rendering of every stored timestamp.
//
// It has a fixed width for a given zone, so lexical order of stored values
// matches chronological order.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// inputLayouts are accepted by ParseTimestamp.  Layouts without a zone are
// interpreted in the reference zone.
var inputLayouts = []struct {
	layout string
	zoned  bool
}{
	{time.RFC3339Nano, true},
	{"2006-01-02T15:04:05", false},
	{"2006-01-02T15:04", false},
	{"2006-01-02 15:04:05", false},
	{"2006-01-02 15:04", false},
}

// FormatTimestamp renders t canonically in loc.
func FormatTimestamp(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(TimestampLayout)
}

// ParseTimestamp parses an absolute timestamp.  Zone-less inputs are taken to
// be in loc.
func ParseTimestamp(s string, loc *time.Location) (time.Time, error) {
	for _, l := range inputLayouts {
		var t time.Time
		var err error
		if l.zoned {
			t, err = time.Parse(l.layout, s)
		} else {
			t, err = time.ParseInLocation(l.layout, s, loc)
		}
		if err == nil {
			return t.In(loc), nil
		}
	}
	return time.Time{}, fmt.Errorf("timestamp %q is not in ISO 8601 format", s)
}

// CanonicalTimestamp re-renders an accepted input timestamp in the canonical
// layout.
func CanonicalTimestamp(s string, loc *time.Location) (string, error) {
	t, err := ParseTimestamp(s, loc)
	if err != nil {
		return "", err
	}
	return FormatTimestamp(t, loc), nil
}
