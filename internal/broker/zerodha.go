package broker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"alertbridge/internal/model"
)

// Zerodha is the redirect-style adapter for the Kite Connect API. There is
// no headless login: Authenticate returns the Kite login URL, the external
// callback delivers a request token, and ExchangeToken trades it (with a
// SHA-256 checksum over api_key+request_token+api_secret) for an access
// token. Access tokens die at ~6 AM the next day.

const (
	kiteRoot       = "https://api.kite.trade"
	kiteLoginURL   = "https://kite.zerodha.com/connect/login?v=3&api_key=%s"
	kiteSessionTTL = 18 * time.Hour
)

// ── Encode table ──
// Kite speaks form-encoded requests with verbose side words but its own
// product vocabulary (MIS/CNC/NRML).

var kiteSideCodes = map[model.Side]string{
	model.SideBuy:  "BUY",
	model.SideSell: "SELL",
}

var kiteOrderTypeCodes = map[model.OrderType]string{
	model.OrderTypeMarket:     "MARKET",
	model.OrderTypeLimit:      "LIMIT",
	model.OrderTypeStop:       "SL",
	model.OrderTypeStopMarket: "SL-M",
}

var kiteProductCodes = map[model.Product]string{
	model.ProductIntraday: "MIS",
	model.ProductDelivery: "CNC",
	model.ProductNormal:   "NRML",
}

var kiteValidityCodes = map[model.Validity]string{
	model.ValidityDay: "DAY",
	model.ValidityIOC: "IOC",
}

var (
	kiteSideDecode      = reverse(kiteSideCodes)
	kiteOrderTypeDecode = reverse(kiteOrderTypeCodes)
	kiteProductDecode   = reverse(kiteProductCodes)
)

// kiteEncodeOrder builds the form body for POST /orders/{variety}. Pure.
func kiteEncodeOrder(intent model.OrderIntent, ri ResolvedInstrument) (url.Values, error) {
	if ri.BrokerSymbol == "" {
		return nil, &ValidationError{Field: "tradingsymbol", Reason: "missing Kite trading symbol"}
	}
	form := url.Values{}
	form.Set("tradingsymbol", ri.BrokerSymbol)
	form.Set("exchange", ri.BrokerExchange)
	form.Set("transaction_type", kiteSideCodes[intent.Side])
	form.Set("order_type", kiteOrderTypeCodes[intent.OrderType])
	form.Set("product", kiteProductCodes[intent.Product])
	form.Set("validity", kiteValidityCodes[intent.Validity])
	form.Set("quantity", fmt.Sprintf("%d", intent.Qty))
	if intent.Price > 0 {
		form.Set("price", paiseToRupees(intent.Price))
	}
	if intent.TriggerPrice > 0 {
		form.Set("trigger_price", paiseToRupees(intent.TriggerPrice))
	}
	if intent.DisclosedQty > 0 {
		form.Set("disclosed_quantity", fmt.Sprintf("%d", intent.DisclosedQty))
	}
	return form, nil
}

func kiteDecodeOrder(form url.Values) (model.Side, model.OrderType, model.Product, int64) {
	side := kiteSideDecode[form.Get("transaction_type")]
	ot := kiteOrderTypeDecode[form.Get("order_type")]
	prod := kiteProductDecode[form.Get("product")]
	var qty int64
	fmt.Sscanf(form.Get("quantity"), "%d", &qty)
	return side, ot, prod, qty
}

func kiteDecodeStatus(s string, filled, total int64) model.OrderStatus {
	switch s {
	case "COMPLETE":
		return model.StatusComplete
	case "REJECTED":
		return model.StatusRejected
	case "CANCELLED":
		return model.StatusCancelled
	case "OPEN", "TRIGGER PENDING", "MODIFY PENDING", "OPEN PENDING", "AMO REQ RECEIVED":
		if filled > 0 && filled < total {
			return model.StatusPartiallyFilled
		}
		return model.StatusOpen
	}
	return model.StatusOpen
}

// ── Adapter ──

type zerodha struct {
	rc *restClient
}

// NewZerodha creates the Kite Connect adapter. baseURL overrides the
// production endpoint in tests; pass "" for the default.
func NewZerodha(baseURL string, timeout time.Duration) Adapter {
	if baseURL == "" {
		baseURL = kiteRoot
	}
	return &zerodha{rc: newRestClient(baseURL, timeout)}
}

func (z *zerodha) Kind() model.BrokerKind     { return model.KindZerodha }
func (z *zerodha) AuthStyle() model.AuthStyle { return model.AuthStyleRedirect }

func (z *zerodha) headers(apiKey, accessToken string) http.Header {
	h := http.Header{}
	h.Set("X-Kite-Version", "3")
	if accessToken != "" {
		h.Set("Authorization", "token "+apiKey+":"+accessToken)
	}
	return h
}

// Authenticate always returns a login challenge; Kite has no headless path.
func (z *zerodha) Authenticate(ctx context.Context, creds Credentials) (AuthResult, error) {
	if creds.APIKey == "" {
		return AuthResult{}, &AuthenticationError{Kind: z.Kind(), Reason: "api key required"}
	}
	return AuthResult{Challenge: &LoginChallenge{LoginURL: fmt.Sprintf(kiteLoginURL, creds.APIKey)}}, nil
}

func (z *zerodha) ExchangeToken(ctx context.Context, creds Credentials, requestToken string) (*Session, error) {
	if requestToken == "" {
		return nil, &ValidationError{Field: "request_token", Reason: "empty request token"}
	}
	sum := sha256.Sum256([]byte(creds.APIKey + requestToken + creds.APISecret))
	form := url.Values{}
	form.Set("api_key", creds.APIKey)
	form.Set("request_token", requestToken)
	form.Set("checksum", hex.EncodeToString(sum[:]))

	out, raw, status, err := z.rc.doForm(ctx, http.MethodPost, "/session/token", z.headers(creds.APIKey, ""), form)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &AuthenticationError{Kind: z.Kind(), Reason: kiteMessage(out, raw)}
	}
	data := jsonObj(out, "data")
	token := jsonStr(data, "access_token")
	if token == "" {
		return nil, &AuthenticationError{Kind: z.Kind(), Reason: "token exchange response missing access_token"}
	}
	return &Session{
		AccessToken:  joinKiteToken(creds.APIKey, token),
		RefreshToken: jsonStr(data, "refresh_token"),
		ExpiresAt:    time.Now().Add(kiteSessionTTL),
	}, nil
}

// kiteSplit extracts the api_key half of a Kite session. Kite requires
// both halves on every call; the vault stores them joined in AccessToken as
// "api_key:access_token".
func kiteSplit(sess *Session) (apiKey, token string) {
	if sess == nil {
		return "", ""
	}
	parts := strings.SplitN(sess.AccessToken, ":", 2)
	if len(parts) != 2 {
		return "", sess.AccessToken
	}
	return parts[0], parts[1]
}

// joinKiteToken packs the api_key with the access token so the stored
// session is self-contained.
func joinKiteToken(apiKey, accessToken string) string {
	return apiKey + ":" + accessToken
}

func (z *zerodha) PlaceOrder(ctx context.Context, intent model.OrderIntent, ri ResolvedInstrument, sess *Session) (PlacedOrder, error) {
	form, err := kiteEncodeOrder(intent, ri)
	if err != nil {
		return PlacedOrder{}, err
	}
	apiKey, token := kiteSplit(sess)
	out, raw, status, err := z.rc.doForm(ctx, http.MethodPost, "/orders/regular", z.headers(apiKey, token), form)
	if err != nil {
		return PlacedOrder{}, err
	}
	if err := z.checkSession(out, status); err != nil {
		return PlacedOrder{}, err
	}
	if jsonStr(out, "status") == "error" {
		return PlacedOrder{}, &BrokerRejectedOrderError{Kind: z.Kind(), RawMessage: kiteMessage(out, raw)}
	}
	ref := jsonStr(jsonObj(out, "data"), "order_id")
	if ref == "" {
		return PlacedOrder{}, &BrokerRejectedOrderError{Kind: z.Kind(), RawMessage: "response missing order_id: " + string(raw)}
	}
	return PlacedOrder{Ref: ref, Raw: string(raw)}, nil
}

func (z *zerodha) ModifyOrder(ctx context.Context, ref string, intent model.OrderIntent, ri ResolvedInstrument, sess *Session) error {
	form, err := kiteEncodeOrder(intent, ri)
	if err != nil {
		return err
	}
	apiKey, token := kiteSplit(sess)
	out, raw, status, err := z.rc.doForm(ctx, http.MethodPut, "/orders/regular/"+ref, z.headers(apiKey, token), form)
	if err != nil {
		return err
	}
	if err := z.checkSession(out, status); err != nil {
		return err
	}
	if jsonStr(out, "status") == "error" {
		return &BrokerRejectedOrderError{Kind: z.Kind(), RawMessage: kiteMessage(out, raw)}
	}
	return nil
}

func (z *zerodha) CancelOrder(ctx context.Context, ref string, sess *Session) error {
	apiKey, token := kiteSplit(sess)
	out, raw, status, err := z.rc.doForm(ctx, http.MethodDelete, "/orders/regular/"+ref, z.headers(apiKey, token), url.Values{})
	if err != nil {
		return err
	}
	if err := z.checkSession(out, status); err != nil {
		return err
	}
	if jsonStr(out, "status") == "error" {
		return &BrokerRejectedOrderError{Kind: z.Kind(), RawMessage: kiteMessage(out, raw)}
	}
	return nil
}

// OrderStatus reads the order history; the last entry is the current state.
func (z *zerodha) OrderStatus(ctx context.Context, ref string, sess *Session) (OrderState, error) {
	apiKey, token := kiteSplit(sess)
	out, raw, status, err := z.rc.doJSON(ctx, http.MethodGet, "/orders/"+ref, z.headers(apiKey, token), nil, nil)
	if err != nil {
		return OrderState{}, err
	}
	if err := z.checkSession(out, status); err != nil {
		return OrderState{}, err
	}
	rows, _ := out["data"].([]any)
	if len(rows) == 0 {
		return OrderState{}, &BrokerRejectedOrderError{Kind: z.Kind(), RawMessage: "order " + ref + " has no history"}
	}
	row, _ := rows[len(rows)-1].(map[string]any)
	filled := int64(jsonNum(row, "filled_quantity"))
	total := int64(jsonNum(row, "quantity"))
	return OrderState{
		Status:    kiteDecodeStatus(jsonStr(row, "status"), filled, total),
		FilledQty: filled,
		AvgPrice:  rupeesToPaise(jsonNum(row, "average_price")),
		Message:   jsonStr(row, "status_message"),
		Raw:       string(raw),
	}, nil
}

func (z *zerodha) Positions(ctx context.Context, sess *Session) ([]Position, error) {
	apiKey, token := kiteSplit(sess)
	out, _, status, err := z.rc.doJSON(ctx, http.MethodGet, "/portfolio/positions", z.headers(apiKey, token), nil, nil)
	if err != nil {
		return nil, err
	}
	if err := z.checkSession(out, status); err != nil {
		return nil, err
	}
	data := jsonObj(out, "data")
	rows, _ := data["net"].([]any)
	positions := make([]Position, 0, len(rows))
	for _, r := range rows {
		row, _ := r.(map[string]any)
		positions = append(positions, Position{
			Symbol:   jsonStr(row, "tradingsymbol"),
			Exchange: jsonStr(row, "exchange"),
			Product:  kiteProductDecode[jsonStr(row, "product")],
			Qty:      int64(jsonNum(row, "quantity")),
			AvgPrice: rupeesToPaise(jsonNum(row, "average_price")),
			PnL:      rupeesToPaise(jsonNum(row, "pnl")),
		})
	}
	return positions, nil
}

func (z *zerodha) Holdings(ctx context.Context, sess *Session) ([]Holding, error) {
	apiKey, token := kiteSplit(sess)
	out, _, status, err := z.rc.doJSON(ctx, http.MethodGet, "/portfolio/holdings", z.headers(apiKey, token), nil, nil)
	if err != nil {
		return nil, err
	}
	if err := z.checkSession(out, status); err != nil {
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

func (z *zerodha) TestConnection(ctx context.Context, sess *Session) error {
	apiKey, token := kiteSplit(sess)
	out, _, status, err := z.rc.doJSON(ctx, http.MethodGet, "/user/profile", z.headers(apiKey, token), nil, nil)
	if err != nil {
		return err
	}
	return z.checkSession(out, status)
}

func (z *zerodha) checkSession(out map[string]any, status int) error {
	if status == http.StatusForbidden || jsonStr(out, "error_type") == "TokenException" {
		return &TokenExpiredError{Kind: z.Kind(), Reason: jsonStr(out, "message")}
	}
	if status == http.StatusUnauthorized {
		return &TokenExpiredError{Kind: z.Kind(), Reason: "unauthorized"}
	}
	return nil
}

func kiteMessage(out map[string]any, raw []byte) string {
	if msg := jsonStr(out, "message"); msg != "" {
		return msg
	}
	return string(raw)
}
