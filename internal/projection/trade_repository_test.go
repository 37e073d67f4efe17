package projection

import "testing"

func TestTradeModelLeg(t *testing.T) {
	t.Parallel()
	m := TradeModel{Price: "100.50", Quantity: "2.25"}
	price, qty, err := m.Leg()
	if err != nil {
		t.Fatalf("Leg: %v", err)
	}
	if price.String() != "100.5" {
		t.Errorf("price = %s, want 100.5", price.String())
	}
	if qty.String() != "2.25" {
		t.Errorf("quantity = %s, want 2.25", qty.String())
	}
}

func TestTradeModelLegBadPrice(t *testing.T) {
	t.Parallel()
	m := TradeModel{Price: "not-a-number", Quantity: "1"}
	if _, _, err := m.Leg(); err == nil {
		t.Fatal("expected error for malformed price")
	}
}

func TestQuoteKeyNamespacing(t *testing.T) {
	t.Parallel()
	if got, want := quoteKey("BTC-USD"), "lob:quote:BTC-USD"; got != want {
		t.Errorf("quoteKey() = %q, want %q", got, want)
	}
}
