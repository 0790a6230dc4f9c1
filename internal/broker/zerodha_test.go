package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"alertbridge/internal/model"
)

func kiteTestServer(t *testing.T, authHeader *string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/session/token":
			json.NewEncoder(w).Encode(map[string]any{
				"status": "success",
				"data": map[string]any{
					"access_token": "abc123",
				},
			})
		case "/orders/regular":
			*authHeader = r.Header.Get("Authorization")
			json.NewEncoder(w).Encode(map[string]any{
				"status": "success",
				"data": map[string]any{
					"order_id": "151220000000000",
				},
			})
		default:
			http.NotFound(w, r)
		}
	}))
}

// The session returned by ExchangeToken must carry both token halves;
// Kite wants "api_key:access_token" in the Authorization header of every
// subsequent call.
func TestKiteSessionRoundTrip(t *testing.T) {
	var authHeader string
	srv := kiteTestServer(t, &authHeader)
	defer srv.Close()

	z := NewZerodha(srv.URL, 5*time.Second)
	creds := Credentials{APIKey: "testkey", APISecret: "testsecret"}

	sess, err := z.ExchangeToken(context.Background(), creds, "req-token-1")
	if err != nil {
		t.Fatalf("exchange token: %v", err)
	}
	if sess.AccessToken != "testkey:abc123" {
		t.Fatalf("stored access token = %q, want %q", sess.AccessToken, "testkey:abc123")
	}

	intent := model.OrderIntent{
		Symbol:    "RELIANCE",
		Exchange:  "NSE",
		Side:      model.SideBuy,
		Qty:       10,
		OrderType: model.OrderTypeMarket,
		Product:   model.ProductIntraday,
		Validity:  model.ValidityDay,
	}
	ri := ResolvedInstrument{BrokerSymbol: "RELIANCE", BrokerToken: "738561", BrokerExchange: "NSE"}

	placed, err := z.PlaceOrder(context.Background(), intent, ri, sess)
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	if placed.Ref != "151220000000000" {
		t.Errorf("order ref = %q", placed.Ref)
	}
	if authHeader != "token testkey:abc123" {
		t.Errorf("Authorization = %q, want %q", authHeader, "token testkey:abc123")
	}
}

func TestKiteSplitLegacyToken(t *testing.T) {
	// A session missing the api_key half degrades to an empty key rather
	// than misreading the token.
	apiKey, token := kiteSplit(&Session{AccessToken: "bare-token"})
	if apiKey != "" || token != "bare-token" {
		t.Errorf("kiteSplit = (%q, %q)", apiKey, token)
	}

	apiKey, token = kiteSplit(&Session{AccessToken: joinKiteToken("k", "t")})
	if apiKey != "k" || token != "t" {
		t.Errorf("joined split = (%q, %q)", apiKey, token)
	}
}
