package enums

// PurchaseStatus tracks the lifecycle of a Play Billing purchase grant.
type PurchaseStatus string

const (
	PurchaseStatusPending   PurchaseStatus = "pending"
	PurchaseStatusCompleted PurchaseStatus = "completed"
	PurchaseStatusRefunded  PurchaseStatus = "refunded"
	PurchaseStatusFailed    PurchaseStatus = "failed"
)

// IsValid reports whether the status is a known value.
func (s PurchaseStatus) IsValid() bool {
	switch s {
	case PurchaseStatusPending, PurchaseStatusCompleted, PurchaseStatusRefunded, PurchaseStatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether the purchase can no longer change state,
// except for the completed -> refunded clawback transition.
func (s PurchaseStatus) IsTerminal() bool {
	return s == PurchaseStatusRefunded || s == PurchaseStatusFailed
}
