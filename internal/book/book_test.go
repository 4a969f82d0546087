package book

import (
	"testing"

	"github.com/shopspring/decimal"

	"exchange-sim/pkg/types"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func limitOrder(id string, side types.Side, price, qty string) *types.Order {
	p := d(price)
	return &types.Order{
		OrderID:   id,
		SessionID: "s1",
		Symbol:    "BTC/USD",
		Side:      side,
		OrderType: types.LIMIT,
		Price:     &p,
		Quantity:  d(qty),
		Status:    types.StatusOpen,
	}
}

func TestBestBidAskOrdering(t *testing.T) {
	t.Parallel()

	b := New("BTC/USD")
	for _, o := range []*types.Order{
		limitOrder("b1", types.BUY, "100", "1"),
		limitOrder("b2", types.BUY, "102", "1"),
		limitOrder("b3", types.BUY, "101", "1"),
		limitOrder("a1", types.SELL, "105", "1"),
		limitOrder("a2", types.SELL, "103", "1"),
		limitOrder("a3", types.SELL, "104", "1"),
	} {
		if err := b.AddOrder(o); err != nil {
			t.Fatalf("add %s: %v", o.OrderID, err)
		}
	}

	if bid, ok := b.BestBid(); !ok || !bid.Equal(d("102")) {
		t.Errorf("best bid = %s, want 102", bid)
	}
	if ask, ok := b.BestAsk(); !ok || !ask.Equal(d("103")) {
		t.Errorf("best ask = %s, want 103", ask)
	}
	if spread, ok := b.Spread(); !ok || !spread.Equal(d("1")) {
		t.Errorf("spread = %s, want 1", spread)
	}
	if mid, ok := b.MidPrice(); !ok || !mid.Equal(d("102.5")) {
		t.Errorf("mid = %s, want 102.5", mid)
	}
}

func TestEmptyBook(t *testing.T) {
	t.Parallel()

	b := New("BTC/USD")
	if _, ok := b.BestBid(); ok {
		t.Error("empty book should have no best bid")
	}
	if _, ok := b.Spread(); ok {
		t.Error("empty book should have no spread")
	}
	if b.BestLevel(types.BUY) != nil {
		t.Error("empty book should have no best level")
	}
}

func TestFIFOWithinLevel(t *testing.T) {
	t.Parallel()

	b := New("BTC/USD")
	first := limitOrder("first", types.SELL, "100", "1")
	second := limitOrder("second", types.SELL, "100", "1")
	b.AddOrder(first)
	b.AddOrder(second)

	level := b.BestLevel(types.SELL)
	if level == nil || len(level.Orders) != 2 {
		t.Fatalf("expected 2 orders at best ask")
	}
	if level.Orders[0].OrderID != "first" {
		t.Errorf("head of level = %s, want first", level.Orders[0].OrderID)
	}
}

func TestRemoveOrderDropsEmptyLevel(t *testing.T) {
	t.Parallel()

	b := New("BTC/USD")
	b.AddOrder(limitOrder("a1", types.SELL, "100", "1"))
	b.AddOrder(limitOrder("a2", types.SELL, "101", "1"))

	if got := b.RemoveOrder("a1"); got == nil || got.OrderID != "a1" {
		t.Fatalf("remove returned %v", got)
	}
	if ask, ok := b.BestAsk(); !ok || !ask.Equal(d("101")) {
		t.Errorf("best ask = %s, want 101 after level removal", ask)
	}
	if b.RemoveOrder("a1") != nil {
		t.Error("removing twice should return nil")
	}
	if b.OrderCount() != 1 {
		t.Errorf("order count = %d, want 1", b.OrderCount())
	}
}

func TestAddOrderValidation(t *testing.T) {
	t.Parallel()

	b := New("BTC/USD")
	wrong := limitOrder("x", types.BUY, "100", "1")
	wrong.Symbol = "ETH/USD"
	if err := b.AddOrder(wrong); err == nil {
		t.Error("expected symbol mismatch error")
	}

	market := &types.Order{OrderID: "m", Symbol: "BTC/USD", Side: types.BUY, OrderType: types.MARKET, Quantity: d("1")}
	if err := b.AddOrder(market); err == nil {
		t.Error("expected error adding market order")
	}
}

func TestDepthAggregation(t *testing.T) {
	t.Parallel()

	b := New("BTC/USD")
	b.AddOrder(limitOrder("b1", types.BUY, "100", "2"))
	b.AddOrder(limitOrder("b2", types.BUY, "100", "3"))
	b.AddOrder(limitOrder("b3", types.BUY, "99", "1"))
	b.AddOrder(limitOrder("a1", types.SELL, "101", "4"))

	bids, asks := b.Depth(10)
	if len(bids) != 2 || len(asks) != 1 {
		t.Fatalf("depth sizes = %d/%d, want 2/1", len(bids), len(asks))
	}
	if !bids[0].Price.Equal(d("100")) || !bids[0].Quantity.Equal(d("5")) {
		t.Errorf("bids[0] = %s@%s, want 5@100", bids[0].Quantity, bids[0].Price)
	}
	if !asks[0].Quantity.Equal(d("4")) {
		t.Errorf("asks[0] qty = %s, want 4", asks[0].Quantity)
	}

	bids, _ = b.Depth(1)
	if len(bids) != 1 {
		t.Errorf("depth(1) bids = %d, want 1", len(bids))
	}
}

func TestDepthReflectsPartialFills(t *testing.T) {
	t.Parallel()

	b := New("BTC/USD")
	o := limitOrder("a1", types.SELL, "100", "5")
	b.AddOrder(o)
	if err := o.Fill(d("2")); err != nil {
		t.Fatal(err)
	}

	_, asks := b.Depth(1)
	if !asks[0].Quantity.Equal(d("3")) {
		t.Errorf("level qty = %s, want remaining 3", asks[0].Quantity)
	}
}

func TestAvailableQuantity(t *testing.T) {
	t.Parallel()

	b := New("BTC/USD")
	b.AddOrder(limitOrder("a1", types.SELL, "100", "1"))
	b.AddOrder(limitOrder("a2", types.SELL, "101", "2"))
	b.AddOrder(limitOrder("a3", types.SELL, "105", "10"))

	// A buyer limited to 101 can reach the first two levels only.
	limit := d("101")
	if got := b.AvailableQuantity(types.SELL, &limit); !got.Equal(d("3")) {
		t.Errorf("available = %s, want 3", got)
	}
	// No limit reaches everything.
	if got := b.AvailableQuantity(types.SELL, nil); !got.Equal(d("13")) {
		t.Errorf("available = %s, want 13", got)
	}

	b.AddOrder(limitOrder("b1", types.BUY, "99", "4"))
	b.AddOrder(limitOrder("b2", types.BUY, "95", "4"))
	floor := d("99")
	if got := b.AvailableQuantity(types.BUY, &floor); !got.Equal(d("4")) {
		t.Errorf("available bids = %s, want 4", got)
	}
}

func TestClear(t *testing.T) {
	t.Parallel()

	b := New("BTC/USD")
	b.AddOrder(limitOrder("a1", types.SELL, "100", "1"))
	b.Clear()
	if b.OrderCount() != 0 {
		t.Errorf("count after clear = %d", b.OrderCount())
	}
	if _, ok := b.BestAsk(); ok {
		t.Error("cleared book should be empty")
	}
}
