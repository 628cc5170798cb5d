package enums

// OperationStatus is the state machine for a metered generation operation.
// FAILED is reachable only before the debit happens (validation rejections);
// a debited operation always terminates as COMPLETED or REFUNDED.
type OperationStatus string

const (
	OperationStatusPending   OperationStatus = "pending"
	OperationStatusCompleted OperationStatus = "completed"
	OperationStatusRefunded  OperationStatus = "refunded"
	OperationStatusFailed    OperationStatus = "failed"
)

// IsValid reports whether the status is a known value.
func (s OperationStatus) IsValid() bool {
	switch s {
	case OperationStatusPending, OperationStatusCompleted, OperationStatusRefunded, OperationStatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether the operation reached its final state.
func (s OperationStatus) IsTerminal() bool {
	return s == OperationStatusCompleted || s == OperationStatusRefunded || s == OperationStatusFailed
}
