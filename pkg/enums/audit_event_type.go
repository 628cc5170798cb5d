package enums

// AuditEventType categorizes append-only audit entries for refund and
// compensation events.
type AuditEventType string

const (
	AuditEventGoogleRefund      AuditEventType = "google_refund"
	AuditEventGenerationRefund  AuditEventType = "generation_refund"
	AuditEventAutoTimeoutRefund AuditEventType = "auto_timeout_refund"
	AuditEventAckExhausted      AuditEventType = "ack_exhausted"
)

// IsValid reports whether the event type is a known value.
func (t AuditEventType) IsValid() bool {
	switch t {
	case AuditEventGoogleRefund, AuditEventGenerationRefund, AuditEventAutoTimeoutRefund, AuditEventAckExhausted:
		return true
	}
	return false
}
