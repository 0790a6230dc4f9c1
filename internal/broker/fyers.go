package broker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"alertbridge/internal/model"
)

// Fyers is a redirect-style adapter for the Fyers v3 API. The wire format
// is the most compressed of the five brokers: sides are +1/-1 and order
// types are small integers, so the encode table is numeric.

const (
	fyersRoot       = "https://api-t1.fyers.in"
	fyersLoginURL   = "https://api-t1.fyers.in/api/v3/generate-authcode?client_id=%s&redirect_uri=%s&response_type=code&state=alertbridge"
	fyersSessionTTL = 12 * time.Hour
	fyersRedirect   = "https://localhost/callback"
)

// ── Encode table ──

var fyersSideCodes = map[model.Side]int{
	model.SideBuy:  1,
	model.SideSell: -1,
}

var fyersOrderTypeCodes = map[model.OrderType]int{
	model.OrderTypeLimit:      1,
	model.OrderTypeMarket:     2,
	model.OrderTypeStopMarket: 3,
	model.OrderTypeStop:       4,
}

var fyersProductCodes = map[model.Product]string{
	model.ProductIntraday: "INTRADAY",
	model.ProductDelivery: "CNC",
	model.ProductNormal:   "MARGIN",
}

var fyersValidityCodes = map[model.Validity]string{
	model.ValidityDay: "DAY",
	model.ValidityIOC: "IOC",
}

var (
	fyersSideDecode      = reverse(fyersSideCodes)
	fyersOrderTypeDecode = reverse(fyersOrderTypeCodes)
	fyersProductDecode   = reverse(fyersProductCodes)
)

// fyersEncodeOrder builds the JSON payload for POST /api/v3/orders/sync.
// Pure; no network.
func fyersEncodeOrder(intent model.OrderIntent, ri ResolvedInstrument) (map[string]any, error) {
	if ri.BrokerSymbol == "" {
		return nil, &ValidationError{Field: "symbol", Reason: "missing Fyers symbol (e.g. NSE:SBIN-EQ)"}
	}
	p := map[string]any{
		"symbol":       ri.BrokerSymbol,
		"qty":          intent.Qty,
		"type":         fyersOrderTypeCodes[intent.OrderType],
		"side":         fyersSideCodes[intent.Side],
		"productType":  fyersProductCodes[intent.Product],
		"validity":     fyersValidityCodes[intent.Validity],
		"limitPrice":   float64(intent.Price) / 100,
		"stopPrice":    float64(intent.TriggerPrice) / 100,
		"disclosedQty": intent.DisclosedQty,
		"offlineOrder": false,
	}
	return p, nil
}

func fyersDecodeOrder(p map[string]any) (model.Side, model.OrderType, model.Product, int64) {
	side := fyersSideDecode[asInt(p["side"])]
	ot := fyersOrderTypeDecode[asInt(p["type"])]
	prod := fyersProductDecode[jsonStr(p, "productType")]
	var qty int64
	switch v := p["qty"].(type) {
	case int64:
		qty = v
	case float64:
		qty = int64(v)
	}
	return side, ot, prod, qty
}

func asInt(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	}
	return 0
}

// fyersDecodeStatus maps Fyers numeric order statuses onto the local state
// machine: 1=cancelled, 2=traded, 4=transit, 5=rejected, 6=pending.
func fyersDecodeStatus(code int, filled, total int64) model.OrderStatus {
	switch code {
	case 1:
		return model.StatusCancelled
	case 2:
		return model.StatusComplete
	case 5:
		return model.StatusRejected
	case 4, 6:
		if filled > 0 && filled < total {
			return model.StatusPartiallyFilled
		}
		return model.StatusOpen
	}
	return model.StatusOpen
}

// ── Adapter ──

type fyers struct {
	rc *restClient
}

// NewFyers creates the Fyers v3 adapter. baseURL overrides the production
// endpoint in tests; pass "" for the default.
func NewFyers(baseURL string, timeout time.Duration) Adapter {
	if baseURL == "" {
		baseURL = fyersRoot
	}
	return &fyers{rc: newRestClient(baseURL, timeout)}
}

func (f *fyers) Kind() model.BrokerKind     { return model.KindFyers }
func (f *fyers) AuthStyle() model.AuthStyle { return model.AuthStyleRedirect }

// Fyers authorizes with "client_id:access_token".
func (f *fyers) headers(sess *Session) http.Header {
	h := http.Header{}
	if sess != nil && sess.AccessToken != "" {
		h.Set("Authorization", sess.AccessToken)
	}
	return h
}

func (f *fyers) Authenticate(ctx context.Context, creds Credentials) (AuthResult, error) {
	if creds.APIKey == "" {
		return AuthResult{}, &AuthenticationError{Kind: f.Kind(), Reason: "app id required"}
	}
	loginURL := fmt.Sprintf(fyersLoginURL, url.QueryEscape(creds.APIKey), url.QueryEscape(fyersRedirect))
	return AuthResult{Challenge: &LoginChallenge{LoginURL: loginURL}}, nil
}

func (f *fyers) ExchangeToken(ctx context.Context, creds Credentials, authCode string) (*Session, error) {
	if authCode == "" {
		return nil, &ValidationError{Field: "auth_code", Reason: "empty auth code"}
	}
	sum := sha256.Sum256([]byte(creds.APIKey + ":" + creds.APISecret))
	body := map[string]any{
		"grant_type": "authorization_code",
		"appIdHash":  hex.EncodeToString(sum[:]),
		"code":       authCode,
	}
	out, raw, status, err := f.rc.doJSON(ctx, http.MethodPost, "/api/v3/validate-authcode", nil, nil, body)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK || jsonStr(out, "s") != "ok" {
		return nil, &AuthenticationError{Kind: f.Kind(), Reason: fyersMessage(out, raw)}
	}
	token := jsonStr(out, "access_token")
	if token == "" {
		return nil, &AuthenticationError{Kind: f.Kind(), Reason: "token response missing access_token"}
	}
	// Store as "appId:token" — every subsequent call wants both joined.
	return &Session{
		AccessToken:  creds.APIKey + ":" + token,
		RefreshToken: jsonStr(out, "refresh_token"),
		ExpiresAt:    time.Now().Add(fyersSessionTTL),
	}, nil
}

func (f *fyers) PlaceOrder(ctx context.Context, intent model.OrderIntent, ri ResolvedInstrument, sess *Session) (PlacedOrder, error) {
	payload, err := fyersEncodeOrder(intent, ri)
	if err != nil {
		return PlacedOrder{}, err
	}
	out, raw, status, err := f.rc.doJSON(ctx, http.MethodPost, "/api/v3/orders/sync", f.headers(sess), nil, payload)
	if err != nil {
		return PlacedOrder{}, err
	}
	if err := f.checkSession(out, status); err != nil {
		return PlacedOrder{}, err
	}
	if jsonStr(out, "s") != "ok" {
		return PlacedOrder{}, &BrokerRejectedOrderError{Kind: f.Kind(), RawMessage: fyersMessage(out, raw)}
	}
	ref := jsonStr(out, "id")
	if ref == "" {
		return PlacedOrder{}, &BrokerRejectedOrderError{Kind: f.Kind(), RawMessage: "response missing order id: " + string(raw)}
	}
	return PlacedOrder{Ref: ref, Raw: string(raw)}, nil
}

func (f *fyers) ModifyOrder(ctx context.Context, ref string, intent model.OrderIntent, ri ResolvedInstrument, sess *Session) error {
	payload, err := fyersEncodeOrder(intent, ri)
	if err != nil {
		return err
	}
	payload["id"] = ref
	out, raw, status, err := f.rc.doJSON(ctx, http.MethodPatch, "/api/v3/orders/sync", f.headers(sess), nil, payload)
	if err != nil {
		return err
	}
	if err := f.checkSession(out, status); err != nil {
		return err
	}
	if jsonStr(out, "s") != "ok" {
		return &BrokerRejectedOrderError{Kind: f.Kind(), RawMessage: fyersMessage(out, raw)}
	}
	return nil
}

func (f *fyers) CancelOrder(ctx context.Context, ref string, sess *Session) error {
	body := map[string]any{"id": ref}
	out, raw, status, err := f.rc.doJSON(ctx, http.MethodDelete, "/api/v3/orders/sync", f.headers(sess), nil, body)
	if err != nil {
		return err
	}
	if err := f.checkSession(out, status); err != nil {
		return err
	}
	if jsonStr(out, "s") != "ok" {
		return &BrokerRejectedOrderError{Kind: f.Kind(), RawMessage: fyersMessage(out, raw)}
	}
	return nil
}

func (f *fyers) OrderStatus(ctx context.Context, ref string, sess *Session) (OrderState, error) {
	params := url.Values{}
	params.Set("id", ref)
	out, raw, status, err := f.rc.doJSON(ctx, http.MethodGet, "/api/v3/orders", f.headers(sess), params, nil)
	if err != nil {
		return OrderState{}, err
	}
	if err := f.checkSession(out, status); err != nil {
		return OrderState{}, err
	}
	rows, _ := out["orderBook"].([]any)
	for _, r := range rows {
		row, _ := r.(map[string]any)
		if jsonStr(row, "id") != ref {
			continue
		}
		filled := int64(jsonNum(row, "filledQty"))
		total := int64(jsonNum(row, "qty"))
		return OrderState{
			Status:    fyersDecodeStatus(asInt(row["status"]), filled, total),
			FilledQty: filled,
			AvgPrice:  rupeesToPaise(jsonNum(row, "tradedPrice")),
			Message:   jsonStr(row, "message"),
			Raw:       string(raw),
		}, nil
	}
	return OrderState{}, &BrokerRejectedOrderError{Kind: f.Kind(), RawMessage: "order " + ref + " not in order book"}
}

func (f *fyers) Positions(ctx context.Context, sess *Session) ([]Position, error) {
	out, _, status, err := f.rc.doJSON(ctx, http.MethodGet, "/api/v3/positions", f.headers(sess), nil, nil)
	if err != nil {
		return nil, err
	}
	if err := f.checkSession(out, status); err != nil {
		return nil, err
	}
	rows, _ := out["netPositions"].([]any)
	positions := make([]Position, 0, len(rows))
	for _, r := range rows {
		row, _ := r.(map[string]any)
		positions = append(positions, Position{
			Symbol:   jsonStr(row, "symbol"),
			Exchange: "", // Fyers embeds the exchange in the symbol prefix
			Product:  fyersProductDecode[jsonStr(row, "productType")],
			Qty:      int64(jsonNum(row, "netQty")),
			AvgPrice: rupeesToPaise(jsonNum(row, "netAvg")),
			PnL:      rupeesToPaise(jsonNum(row, "pl")),
		})
	}
	return positions, nil
}

func (f *fyers) Holdings(ctx context.Context, sess *Session) ([]Holding, error) {
	out, _, status, err := f.rc.doJSON(ctx, http.MethodGet, "/api/v3/holdings", f.headers(sess), nil, nil)
	if err != nil {
		return nil, err
	}
	if err := f.checkSession(out, status); err != nil {
		return nil, err
	}
	rows, _ := out["holdings"].([]any)
	holdings := make([]Holding, 0, len(rows))
	for _, r := range rows {
		row, _ := r.(map[string]any)
		holdings = append(holdings, Holding{
			Symbol:    jsonStr(row, "symbol"),
			Qty:       int64(jsonNum(row, "quantity")),
			AvgPrice:  rupeesToPaise(jsonNum(row, "costPrice")),
			LastPrice: rupeesToPaise(jsonNum(row, "ltp")),
		})
	}
	return holdings, nil
}

func (f *fyers) TestConnection(ctx context.Context, sess *Session) error {
	out, _, status, err := f.rc.doJSON(ctx, http.MethodGet, "/api/v3/profile", f.headers(sess), nil, nil)
	if err != nil {
		return err
	}
	return f.checkSession(out, status)
}

func (f *fyers) checkSession(out map[string]any, status int) error {
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return &TokenExpiredError{Kind: f.Kind(), Reason: fyersMessage(out, nil)}
	}
	// Fyers reports expired tokens as code -16 / -17 with HTTP 200.
	if code := asInt(out["code"]); code == -16 || code == -17 {
		return &TokenExpiredError{Kind: f.Kind(), Reason: fyersMessage(out, nil)}
	}
	return nil
}

func fyersMessage(out map[string]any, raw []byte) string {
	if msg := jsonStr(out, "message"); msg != "" {
		return msg
	}
	return string(raw)
}
