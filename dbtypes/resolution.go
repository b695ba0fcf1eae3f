package dbtypes

// DoseResolution describes the single write that resolves a pending History
// record, and optionally the Automation that produced it.
//
// Stores apply it as one atomic batch.
type DoseResolution struct {
	HistoryID string

	// Empty when no Automation is bound to the resolution.
	AutomationID string

	TakenTime string
	Status    string
	UpdatedAt string
}
