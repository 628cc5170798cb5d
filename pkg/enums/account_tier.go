package enums

// AccountTier labels the account's plan level.
type AccountTier string

const (
	AccountTierFree AccountTier = "free"
	AccountTierPlus AccountTier = "plus"
)

// IsValid reports whether the tier is a known value.
func (t AccountTier) IsValid() bool {
	return t == AccountTierFree || t == AccountTierPlus
}
