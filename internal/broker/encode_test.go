package broker

import (
	"testing"

	"alertbridge/internal/model"
)

var encodeIntents = []model.OrderIntent{
	{Symbol: "RELIANCE", Exchange: "NSE", Side: model.SideBuy, Qty: 10,
		OrderType: model.OrderTypeMarket, Product: model.ProductIntraday, Validity: model.ValidityDay},
	{Symbol: "SBIN", Exchange: "NSE", Side: model.SideSell, Qty: 25,
		OrderType: model.OrderTypeLimit, Product: model.ProductDelivery, Price: 81550, Validity: model.ValidityDay},
	{Symbol: "NIFTY24DECFUT", Exchange: "NFO", Side: model.SideBuy, Qty: 50,
		OrderType: model.OrderTypeStop, Product: model.ProductNormal, Price: 2401000, TriggerPrice: 2400000, Validity: model.ValidityIOC},
	{Symbol: "TCS", Exchange: "NSE", Side: model.SideSell, Qty: 5,
		OrderType: model.OrderTypeStopMarket, Product: model.ProductIntraday, TriggerPrice: 412500, Validity: model.ValidityDay},
}

var testRI = ResolvedInstrument{BrokerSymbol: "SBIN-EQ", BrokerToken: "3045", BrokerExchange: "NSE"}

// decode(encode(intent)) must preserve side, qty, order type and product for
// every broker kind.
func TestEncodeTables_RoundTrip(t *testing.T) {
	for _, intent := range encodeIntents {
		name := string(intent.Side) + "/" + string(intent.OrderType) + "/" + string(intent.Product)

		// Angel One
		if p, err := angelEncodeOrder(intent, testRI); err != nil {
			t.Errorf("angelone %s: encode: %v", name, err)
		} else {
			side, ot, prod, qty := angelDecodeOrder(p)
			checkRoundTrip(t, "angelone", name, intent, side, ot, prod, qty)
		}

		// Zerodha (form-encoded)
		if form, err := kiteEncodeOrder(intent, testRI); err != nil {
			t.Errorf("zerodha %s: encode: %v", name, err)
		} else {
			side, ot, prod, qty := kiteDecodeOrder(form)
			checkRoundTrip(t, "zerodha", name, intent, side, ot, prod, qty)
		}

		// Upstox
		if p, err := upstoxEncodeOrder(intent, testRI); err != nil {
			t.Errorf("upstox %s: encode: %v", name, err)
		} else {
			side, ot, prod, qty := upstoxDecodeOrder(p)
			// NORMAL and DELIVERY share wire code D; both decode to DELIVERY.
			want := intent.Product
			if want == model.ProductNormal {
				want = model.ProductDelivery
			}
			got := intent
			got.Product = want
			checkRoundTrip(t, "upstox", name, got, side, ot, prod, qty)
		}

		// Fyers
		if p, err := fyersEncodeOrder(intent, testRI); err != nil {
			t.Errorf("fyers %s: encode: %v", name, err)
		} else {
			side, ot, prod, qty := fyersDecodeOrder(p)
			checkRoundTrip(t, "fyers", name, intent, side, ot, prod, qty)
		}

		// Dhan
		if p, err := dhanEncodeOrder("C123", intent, testRI); err != nil {
			t.Errorf("dhan %s: encode: %v", name, err)
		} else {
			side, ot, prod, qty := dhanDecodeOrder(p)
			checkRoundTrip(t, "dhan", name, intent, side, ot, prod, qty)
		}
	}
}

func checkRoundTrip(t *testing.T, broker, name string, want model.OrderIntent, side model.Side, ot model.OrderType, prod model.Product, qty int64) {
	t.Helper()
	if side != want.Side {
		t.Errorf("%s %s: side = %q, want %q", broker, name, side, want.Side)
	}
	if ot != want.OrderType {
		t.Errorf("%s %s: order type = %q, want %q", broker, name, ot, want.OrderType)
	}
	if prod != want.Product {
		t.Errorf("%s %s: product = %q, want %q", broker, name, prod, want.Product)
	}
	if qty != want.Qty {
		t.Errorf("%s %s: qty = %d, want %d", broker, name, qty, want.Qty)
	}
}

// A BUY intent encoded for Fyers must carry the numeric buy code, not the
// normalized word.
func TestFyersEncode_NumericSideCodes(t *testing.T) {
	buy := encodeIntents[0]
	p, err := fyersEncodeOrder(buy, testRI)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if p["side"] != 1 {
		t.Errorf("side = %v, want 1", p["side"])
	}
	sell := buy
	sell.Side = model.SideSell
	p, _ = fyersEncodeOrder(sell, testRI)
	if p["side"] != -1 {
		t.Errorf("side = %v, want -1", p["side"])
	}
	if p["type"] != 2 {
		t.Errorf("MARKET type = %v, want 2", p["type"])
	}
}

func TestUpstoxEncode_SingleLetterProduct(t *testing.T) {
	p, err := upstoxEncodeOrder(encodeIntents[0], testRI)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if p["product"] != "I" {
		t.Errorf("INTRADAY product = %v, want I", p["product"])
	}
}

func TestKiteEncode_ProductVocabulary(t *testing.T) {
	cases := map[model.Product]string{
		model.ProductIntraday: "MIS",
		model.ProductDelivery: "CNC",
		model.ProductNormal:   "NRML",
	}
	for prod, want := range cases {
		intent := encodeIntents[0]
		intent.Product = prod
		form, err := kiteEncodeOrder(intent, testRI)
		if err != nil {
			t.Fatalf("encode %s: %v", prod, err)
		}
		if got := form.Get("product"); got != want {
			t.Errorf("product %s = %q, want %q", prod, got, want)
		}
	}
}

func TestAngelEncode_StoplossVariety(t *testing.T) {
	p, err := angelEncodeOrder(encodeIntents[2], testRI)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if p["variety"] != "STOPLOSS" {
		t.Errorf("variety = %v, want STOPLOSS", p["variety"])
	}
	if p["triggerprice"] != "24000.00" {
		t.Errorf("triggerprice = %v, want 24000.00", p["triggerprice"])
	}
}

// Encoding without a broker instrument identifier must fail before any
// network call.
func TestEncode_MissingToken(t *testing.T) {
	empty := ResolvedInstrument{}
	if _, err := angelEncodeOrder(encodeIntents[0], empty); err == nil {
		t.Error("angelone: expected ValidationError for missing token")
	}
	if _, err := upstoxEncodeOrder(encodeIntents[0], empty); err == nil {
		t.Error("upstox: expected ValidationError for missing instrument key")
	}
	if _, err := dhanEncodeOrder("C1", encodeIntents[0], empty); err == nil {
		t.Error("dhan: expected ValidationError for missing security id")
	}
}

func TestPaiseRupees(t *testing.T) {
	cases := []struct {
		paise int64
		want  string
	}{
		{81550, "815.50"},
		{100, "1.00"},
		{5, "0.05"},
		{2400000, "24000.00"},
	}
	for _, c := range cases {
		if got := paiseToRupees(c.paise); got != c.want {
			t.Errorf("paiseToRupees(%d) = %q, want %q", c.paise, got, c.want)
		}
		if back := parseRupees(c.want); back != c.paise {
			t.Errorf("parseRupees(%q) = %d, want %d", c.want, back, c.paise)
		}
	}
}
