package broker

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"alertbridge/internal/model"
)

// Upstox is a redirect-style adapter for the Upstox v2 API. Authenticate
// returns the authorization dialog URL; the callback delivers an auth code
// which ExchangeToken trades for an access token. Products travel as single
// letters on the wire (I = intraday, D = delivery).

const (
	upstoxRoot       = "https://api.upstox.com"
	upstoxLoginURL   = "https://api.upstox.com/v2/login/authorization/dialog?response_type=code&client_id=%s&redirect_uri=%s"
	upstoxSessionTTL = 12 * time.Hour
	upstoxRedirect   = "https://localhost/callback" // overridden per deployment via credentials
)

// ── Encode table ──

var upstoxSideCodes = map[model.Side]string{
	model.SideBuy:  "BUY",
	model.SideSell: "SELL",
}

var upstoxOrderTypeCodes = map[model.OrderType]string{
	model.OrderTypeMarket:     "MARKET",
	model.OrderTypeLimit:      "LIMIT",
	model.OrderTypeStop:       "SL",
	model.OrderTypeStopMarket: "SL-M",
}

// Upstox compresses product to one letter; NORMAL derivatives ride on D.
var upstoxProductCodes = map[model.Product]string{
	model.ProductIntraday: "I",
	model.ProductDelivery: "D",
	model.ProductNormal:   "D",
}

var upstoxValidityCodes = map[model.Validity]string{
	model.ValidityDay: "DAY",
	model.ValidityIOC: "IOC",
}

var (
	upstoxSideDecode      = reverse(upstoxSideCodes)
	upstoxOrderTypeDecode = reverse(upstoxOrderTypeCodes)
)

// upstoxDecodeProduct is written out by hand: the encode table is not
// injective (NORMAL and DELIVERY share D) so decode favors DELIVERY.
func upstoxDecodeProduct(code string) model.Product {
	if code == "I" {
		return model.ProductIntraday
	}
	return model.ProductDelivery
}

// upstoxEncodeOrder builds the JSON payload for POST /v2/order/place. Pure.
func upstoxEncodeOrder(intent model.OrderIntent, ri ResolvedInstrument) (map[string]any, error) {
	if ri.BrokerToken == "" {
		return nil, &ValidationError{Field: "instrument_token", Reason: "missing Upstox instrument key"}
	}
	p := map[string]any{
		"instrument_token":   ri.BrokerToken, // e.g. "NSE_EQ|INE002A01018"
		"transaction_type":   upstoxSideCodes[intent.Side],
		"order_type":         upstoxOrderTypeCodes[intent.OrderType],
		"product":            upstoxProductCodes[intent.Product],
		"validity":           upstoxValidityCodes[intent.Validity],
		"quantity":           intent.Qty,
		"disclosed_quantity": intent.DisclosedQty,
		"price":              float64(intent.Price) / 100,
		"trigger_price":      float64(intent.TriggerPrice) / 100,
		"is_amo":             false,
	}
	return p, nil
}

func upstoxDecodeOrder(p map[string]any) (model.Side, model.OrderType, model.Product, int64) {
	side := upstoxSideDecode[jsonStr(p, "transaction_type")]
	ot := upstoxOrderTypeDecode[jsonStr(p, "order_type")]
	prod := upstoxDecodeProduct(jsonStr(p, "product"))
	qty, _ := p["quantity"].(int64)
	if qty == 0 {
		qty = int64(jsonNum(p, "quantity"))
	}
	return side, ot, prod, qty
}

func upstoxDecodeStatus(s string, filled, total int64) model.OrderStatus {
	switch s {
	case "complete":
		return model.StatusComplete
	case "rejected":
		return model.StatusRejected
	case "cancelled":
		return model.StatusCancelled
	case "open", "trigger pending", "modify pending", "after market order req received":
		if filled > 0 && filled < total {
			return model.StatusPartiallyFilled
		}
		return model.StatusOpen
	}
	return model.StatusOpen
}

// ── Adapter ──

type upstox struct {
	rc *restClient
}

// NewUpstox creates the Upstox v2 adapter. baseURL overrides the production
// endpoint in tests; pass "" for the default.
func NewUpstox(baseURL string, timeout time.Duration) Adapter {
	if baseURL == "" {
		baseURL = upstoxRoot
	}
	return &upstox{rc: newRestClient(baseURL, timeout)}
}

func (u *upstox) Kind() model.BrokerKind     { return model.KindUpstox }
func (u *upstox) AuthStyle() model.AuthStyle { return model.AuthStyleRedirect }

func (u *upstox) headers(token string) http.Header {
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}

func (u *upstox) Authenticate(ctx context.Context, creds Credentials) (AuthResult, error) {
	if creds.APIKey == "" {
		return AuthResult{}, &AuthenticationError{Kind: u.Kind(), Reason: "client id required"}
	}
	loginURL := fmt.Sprintf(upstoxLoginURL, url.QueryEscape(creds.APIKey), url.QueryEscape(upstoxRedirect))
	return AuthResult{Challenge: &LoginChallenge{LoginURL: loginURL}}, nil
}

func (u *upstox) ExchangeToken(ctx context.Context, creds Credentials, code string) (*Session, error) {
	if code == "" {
		return nil, &ValidationError{Field: "code", Reason: "empty authorization code"}
	}
	form := url.Values{}
	form.Set("code", code)
	form.Set("client_id", creds.APIKey)
	form.Set("client_secret", creds.APISecret)
	form.Set("redirect_uri", upstoxRedirect)
	form.Set("grant_type", "authorization_code")

	out, raw, status, err := u.rc.doForm(ctx, http.MethodPost, "/v2/login/authorization/token", nil, form)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &AuthenticationError{Kind: u.Kind(), Reason: upstoxMessage(out, raw)}
	}
	token := jsonStr(out, "access_token")
	if token == "" {
		return nil, &AuthenticationError{Kind: u.Kind(), Reason: "token response missing access_token"}
	}
	return &Session{AccessToken: token, ExpiresAt: time.Now().Add(upstoxSessionTTL)}, nil
}

func (u *upstox) PlaceOrder(ctx context.Context, intent model.OrderIntent, ri ResolvedInstrument, sess *Session) (PlacedOrder, error) {
	payload, err := upstoxEncodeOrder(intent, ri)
	if err != nil {
		return PlacedOrder{}, err
	}
	out, raw, status, err := u.rc.doJSON(ctx, http.MethodPost, "/v2/order/place", u.sessHeaders(sess), nil, payload)
	if err != nil {
		return PlacedOrder{}, err
	}
	if err := u.checkSession(out, status); err != nil {
		return PlacedOrder{}, err
	}
	if jsonStr(out, "status") != "success" {
		return PlacedOrder{}, &BrokerRejectedOrderError{Kind: u.Kind(), RawMessage: upstoxMessage(out, raw)}
	}
	ref := jsonStr(jsonObj(out, "data"), "order_id")
	if ref == "" {
		return PlacedOrder{}, &BrokerRejectedOrderError{Kind: u.Kind(), RawMessage: "response missing order_id: " + string(raw)}
	}
	return PlacedOrder{Ref: ref, Raw: string(raw)}, nil
}

func (u *upstox) ModifyOrder(ctx context.Context, ref string, intent model.OrderIntent, ri ResolvedInstrument, sess *Session) error {
	payload, err := upstoxEncodeOrder(intent, ri)
	if err != nil {
		return err
	}
	payload["order_id"] = ref
	out, raw, status, err := u.rc.doJSON(ctx, http.MethodPut, "/v2/order/modify", u.sessHeaders(sess), nil, payload)
	if err != nil {
		return err
	}
	if err := u.checkSession(out, status); err != nil {
		return err
	}
	if jsonStr(out, "status") != "success" {
		return &BrokerRejectedOrderError{Kind: u.Kind(), RawMessage: upstoxMessage(out, raw)}
	}
	return nil
}

func (u *upstox) CancelOrder(ctx context.Context, ref string, sess *Session) error {
	params := url.Values{}
	params.Set("order_id", ref)
	out, raw, status, err := u.rc.doJSON(ctx, http.MethodDelete, "/v2/order/cancel", u.sessHeaders(sess), params, nil)
	if err != nil {
		return err
	}
	if err := u.checkSession(out, status); err != nil {
		return err
	}
	if jsonStr(out, "status") != "success" {
		return &BrokerRejectedOrderError{Kind: u.Kind(), RawMessage: upstoxMessage(out, raw)}
	}
	return nil
}

func (u *upstox) OrderStatus(ctx context.Context, ref string, sess *Session) (OrderState, error) {
	params := url.Values{}
	params.Set("order_id", ref)
	out, raw, status, err := u.rc.doJSON(ctx, http.MethodGet, "/v2/order/details", u.sessHeaders(sess), params, nil)
	if err != nil {
		return OrderState{}, err
	}
	if err := u.checkSession(out, status); err != nil {
		return OrderState{}, err
	}
	data := jsonObj(out, "data")
	if data == nil {
		return OrderState{}, &BrokerRejectedOrderError{Kind: u.Kind(), RawMessage: "order " + ref + " not found"}
	}
	filled := int64(jsonNum(data, "filled_quantity"))
	total := int64(jsonNum(data, "quantity"))
	return OrderState{
		Status:    upstoxDecodeStatus(jsonStr(data, "status"), filled, total),
		FilledQty: filled,
		AvgPrice:  rupeesToPaise(jsonNum(data, "average_price")),
		Message:   jsonStr(data, "status_message"),
		Raw:       string(raw),
	}, nil
}

func (u *upstox) Positions(ctx context.Context, sess *Session) ([]Position, error) {
	out, _, status, err := u.rc.doJSON(ctx, http.MethodGet, "/v2/portfolio/short-term-positions", u.sessHeaders(sess), nil, nil)
	if err != nil {
		return nil, err
	}
	if err := u.checkSession(out, status); err != nil {
		return nil, err
	}
	rows, _ := out["data"].([]any)
	positions := make([]Position, 0, len(rows))
	for _, r := range rows {
		row, _ := r.(map[string]any)
		positions = append(positions, Position{
			Symbol:   jsonStr(row, "tradingsymbol"),
			Exchange: jsonStr(row, "exchange"),
			Product:  upstoxDecodeProduct(jsonStr(row, "product")),
			Qty:      int64(jsonNum(row, "quantity")),
			AvgPrice: rupeesToPaise(jsonNum(row, "average_price")),
			PnL:      rupeesToPaise(jsonNum(row, "pnl")),
		})
	}
	return positions, nil
}

func (u *upstox) Holdings(ctx context.Context, sess *Session) ([]Holding, error) {
	out, _, status, err := u.rc.doJSON(ctx, http.MethodGet, "/v2/portfolio/long-term-holdings", u.sessHeaders(sess), nil, nil)
	if err != nil {
		return nil, err
	}
	if err := u.checkSession(out, status); err != nil {
		return nil, err
	}
	rows, _ := out["data"].([]any)
	holdings := make([]Holding, 0, len(rows))
	for _, r := range rows {
		row, _ := r.(map[string]any)
		holdings = append(holdings, Holding{
			Symbol:    jsonStr(row, "tradingsymbol"),
			Exchange:  jsonStr(row, "exchange"),
			Qty:       int64(jsonNum(row, "quantity")),
			AvgPrice:  rupeesToPaise(jsonNum(row, "average_price")),
			LastPrice: rupeesToPaise(jsonNum(row, "last_price")),
		})
	}
	return holdings, nil
}

func (u *upstox) TestConnection(ctx context.Context, sess *Session) error {
	out, _, status, err := u.rc.doJSON(ctx, http.MethodGet, "/v2/user/profile", u.sessHeaders(sess), nil, nil)
	if err != nil {
		return err
	}
	return u.checkSession(out, status)
}

func (u *upstox) sessHeaders(sess *Session) http.Header {
	if sess == nil {
		return u.headers("")
	}
	return u.headers(sess.AccessToken)
}

func (u *upstox) checkSession(out map[string]any, status int) error {
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return &TokenExpiredError{Kind: u.Kind(), Reason: upstoxMessage(out, nil)}
	}
	return nil
}

func upstoxMessage(out map[string]any, raw []byte) string {
	if errs, ok := out["errors"].([]any); ok && len(errs) > 0 {
		if e, ok := errs[0].(map[string]any); ok {
			if msg := jsonStr(e, "message"); msg != "" {
				return msg
			}
		}
	}
	if msg := jsonStr(out, "message"); msg != "" {
		return msg
	}
	return string(raw)
}
