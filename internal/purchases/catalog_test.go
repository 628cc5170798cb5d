package purchases

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestLookupSKU(t *testing.T) {
	sku, ok := LookupSKU("credits_700")
	if !ok {
		t.Fatalf("known sku not found")
	}
	if sku.Credits != 600 || sku.Bonus != 100 {
		t.Fatalf("wrong pack: %+v", sku)
	}
	if sku.Total() != 700 {
		t.Fatalf("total must include bonus, got %d", sku.Total())
	}
	if !sku.Price.Equal(decimal.RequireFromString("9.99")) {
		t.Fatalf("wrong list price %s", sku.Price)
	}

	if _, ok := LookupSKU("credits_13"); ok {
		t.Fatalf("unknown sku must not resolve")
	}
}

func TestCatalogPricesEveryPack(t *testing.T) {
	for skuID, sku := range catalog {
		if !sku.Price.IsPositive() {
			t.Fatalf("pack %s carries no list price", skuID)
		}
	}
}
