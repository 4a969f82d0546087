package engine

import (
	"errors"
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

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

func newTestEngine() *Engine {
	return New([]string{"BTC/USD", "ETH/USD"}, nil, nil)
}

func TestLimitOrderRestsWhenNoMatch(t *testing.T) {
	t.Parallel()

	e := newTestEngine()
	order, fills, err := e.PlaceOrder("s1", "BTC/USD", types.BUY, types.LIMIT, d("1"), dp("100"), types.GTC)
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if len(fills) != 0 {
		t.Fatalf("fills = %d, want 0", len(fills))
	}
	if order.Status != types.StatusOpen {
		t.Errorf("status = %s, want OPEN", order.Status)
	}
	if e.OpenOrderCount() != 1 {
		t.Errorf("open orders = %d, want 1", e.OpenOrderCount())
	}

	bid, _ := e.BestBidAsk("BTC/USD")
	if bid == nil || !bid.Equal(d("100")) {
		t.Errorf("best bid = %v, want 100", bid)
	}
}

func TestCrossingLimitOrdersFillAtMakerPrice(t *testing.T) {
	t.Parallel()

	e := newTestEngine()
	maker, _, err := e.PlaceOrder("s1", "BTC/USD", types.SELL, types.LIMIT, d("1"), dp("100"), types.GTC)
	if err != nil {
		t.Fatal(err)
	}

	// Taker is willing to pay 105 but executes at the resting 100.
	taker, fills, err := e.PlaceOrder("s2", "BTC/USD", types.BUY, types.LIMIT, d("1"), dp("105"), types.GTC)
	if err != nil {
		t.Fatal(err)
	}
	if len(fills) != 2 {
		t.Fatalf("fills = %d, want taker+maker pair", len(fills))
	}
	for _, f := range fills {
		if !f.Price.Equal(d("100")) {
			t.Errorf("fill price = %s, want maker price 100", f.Price)
		}
	}
	if fills[0].IsMaker || !fills[1].IsMaker {
		t.Error("expected taker fill first, maker fill second")
	}
	if taker.Status != types.StatusFilled || maker.Status != types.StatusFilled {
		t.Errorf("statuses = %s/%s, want FILLED/FILLED", taker.Status, maker.Status)
	}
	if last, ok := e.LastPrice("BTC/USD"); !ok || !last.Equal(d("100")) {
		t.Errorf("last price = %s, want 100", last)
	}
}

func TestPartialFillLeavesRemainderOnBook(t *testing.T) {
	t.Parallel()

	e := newTestEngine()
	e.PlaceOrder("s1", "BTC/USD", types.SELL, types.LIMIT, d("0.4"), dp("100"), types.GTC)

	taker, fills, err := e.PlaceOrder("s2", "BTC/USD", types.BUY, types.LIMIT, d("1"), dp("100"), types.GTC)
	if err != nil {
		t.Fatal(err)
	}
	if len(fills) != 2 {
		t.Fatalf("fills = %d, want 2", len(fills))
	}
	if taker.Status != types.StatusPartiallyFilled {
		t.Errorf("taker status = %s, want PARTIALLY_FILLED", taker.Status)
	}
	if !taker.RemainingQuantity().Equal(d("0.6")) {
		t.Errorf("remaining = %s, want 0.6", taker.RemainingQuantity())
	}

	// The remainder rests as the new best bid.
	bid, _ := e.BestBidAsk("BTC/USD")
	if bid == nil || !bid.Equal(d("100")) {
		t.Errorf("best bid = %v, want 100", bid)
	}
}

func TestPriceTimePriority(t *testing.T) {
	t.Parallel()

	e := newTestEngine()
	first, _, _ := e.PlaceOrder("s1", "BTC/USD", types.SELL, types.LIMIT, d("1"), dp("100"), types.GTC)
	second, _, _ := e.PlaceOrder("s2", "BTC/USD", types.SELL, types.LIMIT, d("1"), dp("100"), types.GTC)
	cheaper, _, _ := e.PlaceOrder("s3", "BTC/USD", types.SELL, types.LIMIT, d("1"), dp("99"), types.GTC)

	_, fills, err := e.PlaceOrder("s4", "BTC/USD", types.BUY, types.LIMIT, d("2"), dp("100"), types.GTC)
	if err != nil {
		t.Fatal(err)
	}
	// Best price first, then FIFO at the level: cheaper fully, then first.
	if cheaper.Status != types.StatusFilled {
		t.Error("best-priced maker should fill first")
	}
	if first.Status != types.StatusFilled {
		t.Error("older maker at level should fill before newer")
	}
	if second.Status != types.StatusOpen {
		t.Errorf("newer maker status = %s, want OPEN", second.Status)
	}
	if len(fills) != 4 {
		t.Errorf("fills = %d, want 4", len(fills))
	}
	if !fills[0].Price.Equal(d("99")) {
		t.Errorf("first execution at %s, want 99", fills[0].Price)
	}
}

func TestMarketOrderSweepsLevelsAndCancelsRemainder(t *testing.T) {
	t.Parallel()

	e := newTestEngine()
	e.PlaceOrder("s1", "BTC/USD", types.SELL, types.LIMIT, d("1"), dp("100"), types.GTC)
	e.PlaceOrder("s1", "BTC/USD", types.SELL, types.LIMIT, d("1"), dp("101"), types.GTC)

	order, fills, err := e.PlaceOrder("s2", "BTC/USD", types.BUY, types.MARKET, d("3"), nil, types.GTC)
	if err != nil {
		t.Fatal(err)
	}
	if len(fills) != 4 {
		t.Fatalf("fills = %d, want 4 (two matches)", len(fills))
	}
	if !order.FilledQuantity.Equal(d("2")) {
		t.Errorf("filled = %s, want 2", order.FilledQuantity)
	}
	// Unfillable remainder never rests; the order ends CANCELLED.
	if order.Status != types.StatusCancelled {
		t.Errorf("status = %s, want CANCELLED", order.Status)
	}
	if e.OpenOrderCount() != 0 {
		t.Errorf("open orders = %d, want 0", e.OpenOrderCount())
	}
}

func TestIOCCancelsRemainder(t *testing.T) {
	t.Parallel()

	e := newTestEngine()
	e.PlaceOrder("s1", "BTC/USD", types.SELL, types.LIMIT, d("0.5"), dp("100"), types.GTC)

	order, fills, err := e.PlaceOrder("s2", "BTC/USD", types.BUY, types.LIMIT, d("2"), dp("100"), types.IOC)
	if err != nil {
		t.Fatal(err)
	}
	if len(fills) != 2 {
		t.Fatalf("fills = %d, want 2", len(fills))
	}
	if order.Status != types.StatusCancelled {
		t.Errorf("status = %s, want CANCELLED", order.Status)
	}
	if !order.FilledQuantity.Equal(d("0.5")) {
		t.Errorf("filled = %s, want 0.5", order.FilledQuantity)
	}
	if e.OpenOrderCount() != 0 {
		t.Error("IOC remainder must not rest on the book")
	}
}

func TestFOKRejectsWithoutFullLiquidity(t *testing.T) {
	t.Parallel()

	e := newTestEngine()
	e.PlaceOrder("s1", "BTC/USD", types.SELL, types.LIMIT, d("1"), dp("100"), types.GTC)

	order, fills, err := e.PlaceOrder("s2", "BTC/USD", types.BUY, types.LIMIT, d("2"), dp("100"), types.FOK)
	if err != nil {
		t.Fatal(err)
	}
	if order.Status != types.StatusRejected {
		t.Errorf("status = %s, want REJECTED", order.Status)
	}
	if len(fills) != 0 {
		t.Errorf("fills = %d, want none on FOK reject", len(fills))
	}
	// The resting maker is untouched.
	if e.OpenOrderCount() != 1 {
		t.Errorf("open orders = %d, want 1", e.OpenOrderCount())
	}
}

func TestFOKFillsWhenLiquiditySuffices(t *testing.T) {
	t.Parallel()

	e := newTestEngine()
	e.PlaceOrder("s1", "BTC/USD", types.SELL, types.LIMIT, d("1"), dp("100"), types.GTC)
	e.PlaceOrder("s1", "BTC/USD", types.SELL, types.LIMIT, d("1"), dp("101"), types.GTC)

	order, fills, err := e.PlaceOrder("s2", "BTC/USD", types.BUY, types.LIMIT, d("2"), dp("101"), types.FOK)
	if err != nil {
		t.Fatal(err)
	}
	if order.Status != types.StatusFilled {
		t.Errorf("status = %s, want FILLED", order.Status)
	}
	if len(fills) != 4 {
		t.Errorf("fills = %d, want 4", len(fills))
	}
}

func TestFOKLimitExcludesLevelsPastLimit(t *testing.T) {
	t.Parallel()

	e := newTestEngine()
	e.PlaceOrder("s1", "BTC/USD", types.SELL, types.LIMIT, d("1"), dp("100"), types.GTC)
	e.PlaceOrder("s1", "BTC/USD", types.SELL, types.LIMIT, d("5"), dp("200"), types.GTC)

	// Plenty of liquidity overall, but not within the limit.
	order, _, err := e.PlaceOrder("s2", "BTC/USD", types.BUY, types.LIMIT, d("2"), dp("100"), types.FOK)
	if err != nil {
		t.Fatal(err)
	}
	if order.Status != types.StatusRejected {
		t.Errorf("status = %s, want REJECTED", order.Status)
	}
}

func TestCancelOrder(t *testing.T) {
	t.Parallel()

	e := newTestEngine()
	order, _, _ := e.PlaceOrder("s1", "BTC/USD", types.BUY, types.LIMIT, d("1"), dp("100"), types.GTC)

	cancelled, err := e.CancelOrder("s1", order.OrderID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != types.StatusCancelled {
		t.Errorf("status = %s, want CANCELLED", cancelled.Status)
	}
	if e.OpenOrderCount() != 0 {
		t.Error("cancelled order should leave the book")
	}

	if _, err := e.CancelOrder("s1", order.OrderID); !errors.Is(err, ErrTerminalOrder) {
		t.Errorf("second cancel err = %v, want ErrTerminalOrder", err)
	}
	if _, err := e.CancelOrder("s1", "nope"); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("missing cancel err = %v, want ErrOrderNotFound", err)
	}
}

func TestCancelOrderOwnership(t *testing.T) {
	t.Parallel()

	e := newTestEngine()
	order, _, _ := e.PlaceOrder("s1", "BTC/USD", types.BUY, types.LIMIT, d("1"), dp("100"), types.GTC)

	if _, err := e.CancelOrder("s2", order.OrderID); !errors.Is(err, ErrNotOwner) {
		t.Errorf("err = %v, want ErrNotOwner", err)
	}
	if _, err := e.GetOrder("s2", order.OrderID); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("foreign get err = %v, want ErrOrderNotFound", err)
	}
}

func TestGetOrdersFiltering(t *testing.T) {
	t.Parallel()

	e := newTestEngine()
	e.PlaceOrder("s1", "BTC/USD", types.BUY, types.LIMIT, d("1"), dp("100"), types.GTC)
	e.PlaceOrder("s1", "ETH/USD", types.BUY, types.LIMIT, d("1"), dp("10"), types.GTC)
	e.PlaceOrder("s2", "BTC/USD", types.BUY, types.LIMIT, d("1"), dp("100"), types.GTC)

	if got := len(e.GetOrders("s1", "", "")); got != 2 {
		t.Errorf("all s1 orders = %d, want 2", got)
	}
	if got := len(e.GetOrders("s1", "BTC/USD", "")); got != 1 {
		t.Errorf("s1 BTC orders = %d, want 1", got)
	}
	if got := len(e.GetOrders("s1", "", types.StatusFilled)); got != 0 {
		t.Errorf("s1 filled orders = %d, want 0", got)
	}
}

func TestOrderValidation(t *testing.T) {
	t.Parallel()

	e := newTestEngine()

	if _, _, err := e.PlaceOrder("s1", "DOGE/USD", types.BUY, types.LIMIT, d("1"), dp("1"), types.GTC); !errors.Is(err, ErrInvalidSymbol) {
		t.Errorf("err = %v, want ErrInvalidSymbol", err)
	}
	if _, _, err := e.PlaceOrder("s1", "BTC/USD", types.BUY, types.LIMIT, d("1"), nil, types.GTC); !errors.Is(err, ErrPriceRequired) {
		t.Errorf("err = %v, want ErrPriceRequired", err)
	}
	if _, _, err := e.PlaceOrder("s1", "BTC/USD", types.BUY, types.LIMIT, d("0"), dp("1"), types.GTC); !errors.Is(err, ErrInvalidQuantity) {
		t.Errorf("err = %v, want ErrInvalidQuantity", err)
	}
	if _, _, err := e.PlaceOrder("s1", "BTC/USD", types.BUY, types.LIMIT, d("1"), dp("-5"), types.GTC); !errors.Is(err, ErrInvalidPrice) {
		t.Errorf("err = %v, want ErrInvalidPrice", err)
	}
}

func TestInsufficientBalanceRejects(t *testing.T) {
	t.Parallel()

	e := newTestEngine()
	// Default account holds 100000 USD; this BUY needs 200000.
	order, _, err := e.PlaceOrder("s1", "BTC/USD", types.BUY, types.LIMIT, d("2"), dp("100000"), types.GTC)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
	if order.Status != types.StatusRejected {
		t.Errorf("status = %s, want REJECTED", order.Status)
	}
	// The rejected order is still queryable.
	if _, err := e.GetOrder("s1", order.OrderID); err != nil {
		t.Errorf("rejected order lookup: %v", err)
	}
}

func TestFillSettlesBalances(t *testing.T) {
	t.Parallel()

	e := newTestEngine()
	e.PlaceOrder("seller", "BTC/USD", types.SELL, types.LIMIT, d("1"), dp("100"), types.GTC)
	e.PlaceOrder("buyer", "BTC/USD", types.BUY, types.LIMIT, d("1"), dp("100"), types.GTC)

	buyer := e.Accounts().GetAccount("buyer")
	if got := buyer.GetBalance("USD"); !got.Equal(d("99900")) {
		t.Errorf("buyer USD = %s, want 99900", got)
	}
	if got := buyer.GetBalance("BTC"); !got.Equal(d("1")) {
		t.Errorf("buyer BTC = %s, want 1", got)
	}

	seller := e.Accounts().GetAccount("seller")
	if got := seller.GetBalance("USD"); !got.Equal(d("100100")) {
		t.Errorf("seller USD = %s, want 100100", got)
	}
	if got := seller.GetBalance("BTC"); !got.Equal(d("-1")) {
		t.Errorf("seller BTC = %s, want -1", got)
	}
}

func TestFillUpdatesPositions(t *testing.T) {
	t.Parallel()

	e := newTestEngine()
	e.PlaceOrder("seller", "BTC/USD", types.SELL, types.LIMIT, d("2"), dp("100"), types.GTC)
	e.PlaceOrder("buyer", "BTC/USD", types.BUY, types.LIMIT, d("2"), dp("100"), types.GTC)

	pos := e.Accounts().GetAccount("buyer").GetPosition("BTC/USD")
	if !pos.Quantity.Equal(d("2")) || !pos.AveragePrice.Equal(d("100")) {
		t.Errorf("buyer position = %s@%s, want 2@100", pos.Quantity, pos.AveragePrice)
	}

	short := e.Accounts().GetAccount("seller").GetPosition("BTC/USD")
	if !short.Quantity.Equal(d("-2")) {
		t.Errorf("seller position = %s, want -2", short.Quantity)
	}
}

func TestTradeHookObservesMatches(t *testing.T) {
	t.Parallel()

	e := newTestEngine()
	var gotSymbol string
	var gotQty decimal.Decimal
	e.SetTradeHook(func(symbol string, price, qty decimal.Decimal, side types.Side) {
		gotSymbol, gotQty = symbol, qty
	})

	e.PlaceOrder("s1", "BTC/USD", types.SELL, types.LIMIT, d("1"), dp("100"), types.GTC)
	e.PlaceOrder("s2", "BTC/USD", types.BUY, types.LIMIT, d("1"), dp("100"), types.GTC)

	if gotSymbol != "BTC/USD" || !gotQty.Equal(d("1")) {
		t.Errorf("hook saw %s/%s, want BTC/USD/1", gotSymbol, gotQty)
	}
}

func TestFillsFilter(t *testing.T) {
	t.Parallel()

	e := newTestEngine()
	e.PlaceOrder("s1", "BTC/USD", types.SELL, types.LIMIT, d("1"), dp("100"), types.GTC)
	e.PlaceOrder("s2", "BTC/USD", types.BUY, types.LIMIT, d("1"), dp("100"), types.GTC)

	if got := len(e.Fills("")); got != 2 {
		t.Errorf("all fills = %d, want 2", got)
	}
	s1Fills := e.Fills("s1")
	if len(s1Fills) != 1 || !s1Fills[0].IsMaker {
		t.Errorf("s1 fills = %+v, want one maker fill", s1Fills)
	}
}
