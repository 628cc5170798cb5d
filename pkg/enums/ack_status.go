package enums

// AckStatus tracks a deferred purchase acknowledgement retry row.
type AckStatus string

const (
	AckStatusPending   AckStatus = "pending"
	AckStatusDone      AckStatus = "done"
	AckStatusExhausted AckStatus = "exhausted"
)

// IsValid reports whether the status is a known value.
func (s AckStatus) IsValid() bool {
	switch s {
	case AckStatusPending, AckStatusDone, AckStatusExhausted:
		return true
	}
	return false
}
