package schema

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestApplyFill(t *testing.T) {
	d := decimal.NewFromInt
	cases := []struct {
		name     string
		startQty int64
		startAvg int64
		side     OrderSide
		qty      int64
		price    int64
		wantQty  int64
		wantAvg  int64
	}{
		{"open long", 0, 0, OrderSideBuy, 100, 50, 100, 50},
		{"add to long reweights", 100, 50, OrderSideBuy, 100, 60, 200, 55},
		{"partial reduce keeps basis", 200, 55, OrderSideSell, 50, 70, 150, 55},
		{"full close zeroes out", 100, 50, OrderSideSell, 100, 70, 0, 0},
		{"flip rebases at fill price", 100, 50, OrderSideSell, 150, 70, -50, 70},
		{"open short", 0, 0, OrderSideSell, 40, 30, -40, 30},
		{"add to short reweights", -40, 30, OrderSideSell, 40, 50, -80, 40},
		{"cover short keeps basis", -80, 40, OrderSideBuy, 30, 20, -50, 40},
		{"cover through zero", -50, 40, OrderSideBuy, 80, 20, 30, 20},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := Position{
				Strategy: "s",
				Contract: Stock("AAPL", "NASDAQ"),
				Quantity: d(tc.startQty),
				AvgPrice: d(tc.startAvg),
			}
			p.ApplyFill(tc.side, d(tc.qty), d(tc.price))
			if !p.Quantity.Equal(d(tc.wantQty)) {
				t.Fatalf("quantity: got %s want %d", p.Quantity, tc.wantQty)
			}
			if !p.AvgPrice.Equal(d(tc.wantAvg)) {
				t.Fatalf("avg price: got %s want %d", p.AvgPrice, tc.wantAvg)
			}
		})
	}
}

func TestContractKeyDistinguishesInstruments(t *testing.T) {
	stock := Stock("AAPL", "NASDAQ")
	call := Option("AAPL", "NASDAQ", "20260320", decimal.NewFromInt(250), "100", RightCall)
	put := Option("AAPL", "NASDAQ", "20260320", decimal.NewFromInt(250), "100", RightPut)

	if stock.Key() == call.Key() {
		t.Fatal("stock and option keys must differ")
	}
	if call.Key() == put.Key() {
		t.Fatal("call and put keys must differ")
	}
	if call.Key() != Option("AAPL", "NASDAQ", "20260320", decimal.NewFromInt(250), "100", RightCall).Key() {
		t.Fatal("equal contracts must share a key")
	}
}

func TestBarMerge(t *testing.T) {
	d := decimal.NewFromInt
	b := Bar{Open: d(10), High: d(12), Low: d(9), Close: d(11), Volume: d(5)}
	b.Merge(Bar{Open: d(11), High: d(15), Low: d(8), Close: d(14), Volume: d(3)})

	if !b.Open.Equal(d(10)) || !b.High.Equal(d(15)) || !b.Low.Equal(d(8)) ||
		!b.Close.Equal(d(14)) || !b.Volume.Equal(d(8)) {
		t.Fatalf("merged bar wrong: %+v", b)
	}
}
