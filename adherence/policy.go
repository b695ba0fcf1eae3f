// Package adherence classifies how promptly a dose was taken and binds a
// "taken" signal to the pending record it belongs to.
package adherence

import (
	"fmt"
	"time"
)

// Outcome is the terminal classification of a pending dose.
type Outcome string

const (
	OnTime  Outcome = "on_time"
	Late    Outcome = "late"
	Missed  Outcome = "missed"
	Expired Outcome = "expired"
)

// Labels used when a History record is created with its taken time already
// known.  This vocabulary is separate from Outcome.
const (
	RecordedOnTime = "taken on time"
	RecordedLate   = "taken late"
)

// RecordedGrace is the largest delay ClassifyRecorded still calls on time.
const RecordedGrace = 5 * time.Minute

// Policy is a resolution table.  Each bound is inclusive and measured from
// the scheduled time; anything past MissedWindow is expired.
type Policy struct {
	Name string

	OnTimeGrace  time.Duration
	LateWindow   time.Duration
	MissedWindow time.Duration
}

var (
	// Standard treats up to five minutes of delay as on time.
	Standard = Policy{
		Name:         "standard",
		OnTimeGrace:  5 * time.Minute,
		LateWindow:   10 * time.Minute,
		MissedWindow: 24 * time.Hour,
	}

	// Strict treats any delay at all as late.
	Strict = Policy{
		Name:         "strict",
		OnTimeGrace:  0,
		LateWindow:   10 * time.Minute,
		MissedWindow: 24 * time.Hour,
	}
)

// PolicyByName looks up one of the named policies.
func PolicyByName(name string) (Policy, error) {
	switch name {
	case Standard.Name:
		return Standard, nil
	case Strict.Name:
		return Strict, nil
	}
	return Policy{}, fmt.Errorf("unknown adherence policy %q", name)
}

// Classify grades a dose scheduled at scheduled and taken at resolved.  Early
// doses are on time.
func (p Policy) Classify(scheduled, resolved time.Time) Outcome {
	delay := resolved.Sub(scheduled)
	switch {
	case delay <= p.OnTimeGrace:
		return OnTime
	case delay <= p.LateWindow:
		return Late
	case delay <= p.MissedWindow:
		return Missed
	default:
		return Expired
	}
}

// ClassifyRecorded grades a dose whose taken time was supplied when its
// History record was created.
func ClassifyRecorded(scheduled, taken time.Time) string {
	if taken.Sub(scheduled) <= RecordedGrace {
		return RecordedOnTime
	}
	return RecordedLate
}
