package broker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/pquerna/otp/totp"

	"alertbridge/internal/model"
)

// AngelOne is the credential+second-factor adapter for Angel One SmartAPI.
// Login replays the stored client code and password with a freshly generated
// TOTP and returns a JWT session synchronously.

const (
	angelRoot       = "https://apiconnect.angelone.in"
	angelSessionTTL = 20 * time.Hour // sessions die at the next pre-market flush
)

var angelRoutes = map[string]string{
	"login":        "/rest/auth/angelbroking/user/v1/loginByPassword",
	"logout":       "/rest/secure/angelbroking/user/v1/logout",
	"profile":      "/rest/secure/angelbroking/user/v1/getProfile",
	"order.place":  "/rest/secure/angelbroking/order/v1/placeOrder",
	"order.modify": "/rest/secure/angelbroking/order/v1/modifyOrder",
	"order.cancel": "/rest/secure/angelbroking/order/v1/cancelOrder",
	"order.book":   "/rest/secure/angelbroking/order/v1/getOrderBook",
	"position":     "/rest/secure/angelbroking/order/v1/getPosition",
	"holding":      "/rest/secure/angelbroking/portfolio/v1/getAllHolding",
}

// ── Encode table ──

var angelSideCodes = map[model.Side]string{
	model.SideBuy:  "BUY",
	model.SideSell: "SELL",
}

var angelOrderTypeCodes = map[model.OrderType]string{
	model.OrderTypeMarket:     "MARKET",
	model.OrderTypeLimit:      "LIMIT",
	model.OrderTypeStop:       "STOPLOSS_LIMIT",
	model.OrderTypeStopMarket: "STOPLOSS_MARKET",
}

var angelProductCodes = map[model.Product]string{
	model.ProductIntraday: "INTRADAY",
	model.ProductDelivery: "DELIVERY",
	model.ProductNormal:   "CARRYFORWARD",
}

var angelValidityCodes = map[model.Validity]string{
	model.ValidityDay: "DAY",
	model.ValidityIOC: "IOC",
}

var (
	angelSideDecode      = reverse(angelSideCodes)
	angelOrderTypeDecode = reverse(angelOrderTypeCodes)
	angelProductDecode   = reverse(angelProductCodes)
)

// angelEncodeOrder builds the SmartAPI order payload. Pure; no network.
func angelEncodeOrder(intent model.OrderIntent, ri ResolvedInstrument) (map[string]any, error) {
	if ri.BrokerToken == "" {
		return nil, &ValidationError{Field: "symboltoken", Reason: "missing Angel One symbol token"}
	}
	variety := "NORMAL"
	if intent.OrderType == model.OrderTypeStop || intent.OrderType == model.OrderTypeStopMarket {
		variety = "STOPLOSS"
	}
	p := map[string]any{
		"variety":         variety,
		"tradingsymbol":   ri.BrokerSymbol,
		"symboltoken":     ri.BrokerToken,
		"exchange":        ri.BrokerExchange,
		"transactiontype": angelSideCodes[intent.Side],
		"ordertype":       angelOrderTypeCodes[intent.OrderType],
		"producttype":     angelProductCodes[intent.Product],
		"duration":        angelValidityCodes[intent.Validity],
		"quantity":        fmt.Sprintf("%d", intent.Qty),
	}
	if intent.Price > 0 {
		p["price"] = paiseToRupees(intent.Price)
	}
	if intent.TriggerPrice > 0 {
		p["triggerprice"] = paiseToRupees(intent.TriggerPrice)
	}
	if intent.DisclosedQty > 0 {
		p["disclosedquantity"] = fmt.Sprintf("%d", intent.DisclosedQty)
	}
	return p, nil
}

// angelDecodeOrder recovers the normalized fields from a SmartAPI order
// payload (used by encode-table tests and order book reconciliation).
func angelDecodeOrder(p map[string]any) (model.Side, model.OrderType, model.Product, int64) {
	side := angelSideDecode[jsonStr(p, "transactiontype")]
	ot := angelOrderTypeDecode[jsonStr(p, "ordertype")]
	prod := angelProductDecode[jsonStr(p, "producttype")]
	var qty int64
	fmt.Sscanf(jsonStr(p, "quantity"), "%d", &qty)
	return side, ot, prod, qty
}

// angelDecodeStatus maps SmartAPI order book statuses onto the local state
// machine.
func angelDecodeStatus(s string, filled, total int64) model.OrderStatus {
	switch s {
	case "complete":
		return model.StatusComplete
	case "rejected":
		return model.StatusRejected
	case "cancelled":
		return model.StatusCancelled
	case "open", "trigger pending", "modified", "open pending", "validation pending":
		if filled > 0 && filled < total {
			return model.StatusPartiallyFilled
		}
		return model.StatusOpen
	}
	return model.StatusOpen
}

// ── Adapter ──

type angelOne struct {
	rc *restClient
	// Header identity fields the SmartAPI insists on.
	localIP, publicIP, mac string
}

// NewAngelOne creates the Angel One adapter. baseURL overrides the
// production endpoint in tests; pass "" for the default.
func NewAngelOne(baseURL string, timeout time.Duration) Adapter {
	if baseURL == "" {
		baseURL = angelRoot
	}
	return &angelOne{
		rc:       newRestClient(baseURL, timeout),
		localIP:  "127.0.0.1",
		publicIP: "106.193.147.98",
		mac:      "00:11:22:33:44:55",
	}
}

func (a *angelOne) Kind() model.BrokerKind     { return model.KindAngelOne }
func (a *angelOne) AuthStyle() model.AuthStyle { return model.AuthStyleCredential }

func (a *angelOne) headers(apiKey, accessToken string) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("X-ClientLocalIP", a.localIP)
	h.Set("X-ClientPublicIP", a.publicIP)
	h.Set("X-MACAddress", a.mac)
	h.Set("X-PrivateKey", apiKey)
	h.Set("X-UserType", "USER")
	h.Set("X-SourceID", "WEB")
	if accessToken != "" {
		h.Set("Authorization", "Bearer "+accessToken)
	}
	return h
}

func (a *angelOne) Authenticate(ctx context.Context, creds Credentials) (AuthResult, error) {
	if creds.ClientCode == "" || creds.Password == "" || creds.TOTPSecret == "" {
		return AuthResult{}, &AuthenticationError{Kind: a.Kind(), Reason: "client code, password and TOTP secret required"}
	}
	code, err := totp.GenerateCode(creds.TOTPSecret, time.Now())
	if err != nil {
		return AuthResult{}, &AuthenticationError{Kind: a.Kind(), Reason: "invalid TOTP secret"}
	}

	body := map[string]any{"clientcode": creds.ClientCode, "password": creds.Password, "totp": code}
	out, raw, status, err := a.rc.doJSON(ctx, http.MethodPost, angelRoutes["login"], a.headers(creds.APIKey, ""), nil, body)
	if err != nil {
		return AuthResult{}, err
	}
	if status != http.StatusOK || !jsonBool(out, "status") {
		return AuthResult{}, &AuthenticationError{Kind: a.Kind(), Reason: angelMessage(out, raw)}
	}
	data := jsonObj(out, "data")
	sess := &Session{
		AccessToken:  jsonStr(data, "jwtToken"),
		RefreshToken: jsonStr(data, "refreshToken"),
		ExpiresAt:    time.Now().Add(angelSessionTTL),
	}
	if sess.AccessToken == "" {
		return AuthResult{}, &AuthenticationError{Kind: a.Kind(), Reason: "login response missing jwtToken"}
	}
	return AuthResult{Session: sess}, nil
}

func (a *angelOne) ExchangeToken(ctx context.Context, creds Credentials, requestToken string) (*Session, error) {
	return nil, &ValidationError{Field: "request_token", Reason: "angelone does not use a redirect login"}
}

func (a *angelOne) PlaceOrder(ctx context.Context, intent model.OrderIntent, ri ResolvedInstrument, sess *Session) (PlacedOrder, error) {
	payload, err := angelEncodeOrder(intent, ri)
	if err != nil {
		return PlacedOrder{}, err
	}
	out, raw, status, err := a.rc.doJSON(ctx, http.MethodPost, angelRoutes["order.place"], a.sessionHeaders(sess), nil, payload)
	if err != nil {
		return PlacedOrder{}, err
	}
	if err := a.checkSession(out, status); err != nil {
		return PlacedOrder{}, err
	}
	if !jsonBool(out, "status") {
		return PlacedOrder{}, &BrokerRejectedOrderError{Kind: a.Kind(), RawMessage: angelMessage(out, raw)}
	}
	ref := jsonStr(jsonObj(out, "data"), "orderid")
	if ref == "" {
		return PlacedOrder{}, &BrokerRejectedOrderError{Kind: a.Kind(), RawMessage: "response missing orderid: " + string(raw)}
	}
	return PlacedOrder{Ref: ref, Raw: string(raw)}, nil
}

func (a *angelOne) ModifyOrder(ctx context.Context, ref string, intent model.OrderIntent, ri ResolvedInstrument, sess *Session) error {
	payload, err := angelEncodeOrder(intent, ri)
	if err != nil {
		return err
	}
	payload["orderid"] = ref
	out, raw, status, err := a.rc.doJSON(ctx, http.MethodPost, angelRoutes["order.modify"], a.sessionHeaders(sess), nil, payload)
	if err != nil {
		return err
	}
	if err := a.checkSession(out, status); err != nil {
		return err
	}
	if !jsonBool(out, "status") {
		return &BrokerRejectedOrderError{Kind: a.Kind(), RawMessage: angelMessage(out, raw)}
	}
	return nil
}

func (a *angelOne) CancelOrder(ctx context.Context, ref string, sess *Session) error {
	body := map[string]any{"variety": "NORMAL", "orderid": ref}
	out, raw, status, err := a.rc.doJSON(ctx, http.MethodPost, angelRoutes["order.cancel"], a.sessionHeaders(sess), nil, body)
	if err != nil {
		return err
	}
	if err := a.checkSession(out, status); err != nil {
		return err
	}
	if !jsonBool(out, "status") {
		return &BrokerRejectedOrderError{Kind: a.Kind(), RawMessage: angelMessage(out, raw)}
	}
	return nil
}

// OrderStatus scans the order book for ref. SmartAPI has no single-order
// endpoint on the basic plan, so the book is the source of truth.
func (a *angelOne) OrderStatus(ctx context.Context, ref string, sess *Session) (OrderState, error) {
	out, raw, status, err := a.rc.doJSON(ctx, http.MethodGet, angelRoutes["order.book"], a.sessionHeaders(sess), nil, nil)
	if err != nil {
		return OrderState{}, err
	}
	if err := a.checkSession(out, status); err != nil {
		return OrderState{}, err
	}
	rows, _ := out["data"].([]any)
	for _, r := range rows {
		row, _ := r.(map[string]any)
		if jsonStr(row, "orderid") != ref {
			continue
		}
		filled := int64(jsonNum(row, "filledshares"))
		total := int64(jsonNum(row, "quantity"))
		return OrderState{
			Status:    angelDecodeStatus(jsonStr(row, "status"), filled, total),
			FilledQty: filled,
			AvgPrice:  rupeesToPaise(jsonNum(row, "averageprice")),
			Message:   jsonStr(row, "text"),
			Raw:       string(raw),
		}, nil
	}
	return OrderState{}, &BrokerRejectedOrderError{Kind: a.Kind(), RawMessage: "order " + ref + " not in order book"}
}

func (a *angelOne) Positions(ctx context.Context, sess *Session) ([]Position, error) {
	out, _, status, err := a.rc.doJSON(ctx, http.MethodGet, angelRoutes["position"], a.sessionHeaders(sess), nil, nil)
	if err != nil {
		return nil, err
	}
	if err := a.checkSession(out, status); err != nil {
		return nil, err
	}
	rows, _ := out["data"].([]any)
	positions := make([]Position, 0, len(rows))
	for _, r := range rows {
		row, _ := r.(map[string]any)
		positions = append(positions, Position{
			Symbol:   jsonStr(row, "tradingsymbol"),
			Exchange: jsonStr(row, "exchange"),
			Product:  angelProductDecode[jsonStr(row, "producttype")],
			Qty:      int64(jsonNum(row, "netqty")),
			AvgPrice: rupeesToPaise(jsonNum(row, "avgnetprice")),
			PnL:      rupeesToPaise(jsonNum(row, "pnl")),
		})
	}
	return positions, nil
}

func (a *angelOne) Holdings(ctx context.Context, sess *Session) ([]Holding, error) {
	out, _, status, err := a.rc.doJSON(ctx, http.MethodGet, angelRoutes["holding"], a.sessionHeaders(sess), nil, nil)
	if err != nil {
		return nil, err
	}
	if err := a.checkSession(out, status); err != nil {
		return nil, err
	}
	data := jsonObj(out, "data")
	rows, _ := data["holdings"].([]any)
	holdings := make([]Holding, 0, len(rows))
	for _, r := range rows {
		row, _ := r.(map[string]any)
		holdings = append(holdings, Holding{
			Symbol:    jsonStr(row, "tradingsymbol"),
			Exchange:  jsonStr(row, "exchange"),
			Qty:       int64(jsonNum(row, "quantity")),
			AvgPrice:  rupeesToPaise(jsonNum(row, "averageprice")),
			LastPrice: rupeesToPaise(jsonNum(row, "ltp")),
		})
	}
	return holdings, nil
}

func (a *angelOne) TestConnection(ctx context.Context, sess *Session) error {
	out, _, status, err := a.rc.doJSON(ctx, http.MethodGet, angelRoutes["profile"], a.sessionHeaders(sess), nil, nil)
	if err != nil {
		return err
	}
	return a.checkSession(out, status)
}

// sessionHeaders builds authenticated headers. The API key is not required
// on session calls once the JWT is present; SmartAPI accepts the bearer
// token alone.
func (a *angelOne) sessionHeaders(sess *Session) http.Header {
	token := ""
	if sess != nil {
		token = sess.AccessToken
	}
	return a.headers("", token)
}

// checkSession normalizes SmartAPI TokenException responses.
func (a *angelOne) checkSession(out map[string]any, status int) error {
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return &TokenExpiredError{Kind: a.Kind(), Reason: fmt.Sprintf("status %d", status)}
	}
	if et := jsonStr(out, "error_type"); et == "TokenException" {
		return &TokenExpiredError{Kind: a.Kind(), Reason: jsonStr(out, "message")}
	}
	return nil
}

func angelMessage(out map[string]any, raw []byte) string {
	if msg := jsonStr(out, "message"); msg != "" {
		return msg
	}
	return string(raw)
}

func jsonBool(m map[string]any, key string) bool {
	if m == nil {
		return false
	}
	b, _ := m[key].(bool)
	return b
}
