package purchases

import "github.com/shopspring/decimal"

// priceCurrency is the store listing currency for every pack. Regional
// pricing is handled by Play; the ledger records the USD list price.
const priceCurrency = "USD"

// SKU describes a purchasable credit pack. The catalog is the authoritative
// mapping from store product IDs to credit amounts; client-supplied amounts
// are never trusted.
type SKU struct {
	ID      string
	Credits int64
	Bonus   int64
	Price   decimal.Decimal
}

// Total is the credit delta granted by the pack.
func (s SKU) Total() int64 {
	return s.Credits + s.Bonus
}

var catalog = map[string]SKU{
	"credits_50":   {ID: "credits_50", Credits: 50, Price: decimal.RequireFromString("0.99")},
	"credits_120":  {ID: "credits_120", Credits: 100, Bonus: 20, Price: decimal.RequireFromString("1.99")},
	"credits_330":  {ID: "credits_330", Credits: 300, Bonus: 30, Price: decimal.RequireFromString("4.99")},
	"credits_700":  {ID: "credits_700", Credits: 600, Bonus: 100, Price: decimal.RequireFromString("9.99")},
	"credits_1500": {ID: "credits_1500", Credits: 1200, Bonus: 300, Price: decimal.RequireFromString("19.99")},
}

// LookupSKU resolves a store product ID to its credit pack.
func LookupSKU(skuID string) (SKU, bool) {
	sku, ok := catalog[skuID]
	return sku, ok
}
