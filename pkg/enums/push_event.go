package enums

// PushEvent names the balance-sync event carried in a silent data push.
type PushEvent string

const (
	PushEventDeposit           PushEvent = "DEPOSIT"
	PushEventGenerateCompleted PushEvent = "GENERATE_COMPLETED"
	PushEventGenerateRefunded  PushEvent = "GENERATE_REFUNDED"
	PushEventGoogleRefund      PushEvent = "GOOGLE_REFUND"
)

// IsValid reports whether the event is a known value.
func (e PushEvent) IsValid() bool {
	switch e {
	case PushEventDeposit, PushEventGenerateCompleted, PushEventGenerateRefunded, PushEventGoogleRefund:
		return true
	}
	return false
}
