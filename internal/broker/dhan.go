package broker

import (
	"context"
	"net/http"
	"time"

	"alertbridge/internal/model"
)

// Dhan is the static-key adapter for the DhanHQ v2 API. There is no login
// flow at all: the user supplies a long-lived access token plus client id,
// and Authenticate validates the pair synchronously against the profile
// endpoint.

const (
	dhanRoot       = "https://api.dhan.co"
	dhanSessionTTL = 24 * 30 * time.Hour // tokens are rotated monthly by the user
)

// ── Encode table ──

var dhanSideCodes = map[model.Side]string{
	model.SideBuy:  "BUY",
	model.SideSell: "SELL",
}

var dhanOrderTypeCodes = map[model.OrderType]string{
	model.OrderTypeMarket:     "MARKET",
	model.OrderTypeLimit:      "LIMIT",
	model.OrderTypeStop:       "STOP_LOSS",
	model.OrderTypeStopMarket: "STOP_LOSS_MARKET",
}

var dhanProductCodes = map[model.Product]string{
	model.ProductIntraday: "INTRADAY",
	model.ProductDelivery: "CNC",
	model.ProductNormal:   "MARGIN",
}

var dhanValidityCodes = map[model.Validity]string{
	model.ValidityDay: "DAY",
	model.ValidityIOC: "IOC",
}

var (
	dhanSideDecode      = reverse(dhanSideCodes)
	dhanOrderTypeDecode = reverse(dhanOrderTypeCodes)
	dhanProductDecode   = reverse(dhanProductCodes)
)

// dhanExchangeSegment maps normalized (exchange, segment) onto Dhan's
// combined exchangeSegment code.
func dhanExchangeSegment(exchange string, segment model.Segment) string {
	switch exchange {
	case "NSE":
		if segment == model.SegmentEquity {
			return "NSE_EQ"
		}
		return "NSE_FNO"
	case "BSE":
		if segment == model.SegmentEquity {
			return "BSE_EQ"
		}
		return "BSE_FNO"
	case "MCX":
		return "MCX_COMM"
	}
	return exchange
}

// dhanEncodeOrder builds the JSON payload for POST /v2/orders. The
// clientID rides in the payload, not a header. Pure; no network.
func dhanEncodeOrder(clientID string, intent model.OrderIntent, ri ResolvedInstrument) (map[string]any, error) {
	if ri.BrokerToken == "" {
		return nil, &ValidationError{Field: "securityId", Reason: "missing Dhan security id"}
	}
	p := map[string]any{
		"dhanClientId":      clientID,
		"transactionType":   dhanSideCodes[intent.Side],
		"exchangeSegment":   ri.BrokerExchange,
		"productType":       dhanProductCodes[intent.Product],
		"orderType":         dhanOrderTypeCodes[intent.OrderType],
		"validity":          dhanValidityCodes[intent.Validity],
		"securityId":        ri.BrokerToken,
		"quantity":          intent.Qty,
		"disclosedQuantity": intent.DisclosedQty,
		"price":             float64(intent.Price) / 100,
		"triggerPrice":      float64(intent.TriggerPrice) / 100,
	}
	return p, nil
}

func dhanDecodeOrder(p map[string]any) (model.Side, model.OrderType, model.Product, int64) {
	side := dhanSideDecode[jsonStr(p, "transactionType")]
	ot := dhanOrderTypeDecode[jsonStr(p, "orderType")]
	prod := dhanProductDecode[jsonStr(p, "productType")]
	var qty int64
	switch v := p["quantity"].(type) {
	case int64:
		qty = v
	case float64:
		qty = int64(v)
	}
	return side, ot, prod, qty
}

func dhanDecodeStatus(s string, filled, total int64) model.OrderStatus {
	switch s {
	case "TRADED":
		return model.StatusComplete
	case "REJECTED":
		return model.StatusRejected
	case "CANCELLED":
		return model.StatusCancelled
	case "PART_TRADED":
		return model.StatusPartiallyFilled
	case "TRANSIT", "PENDING":
		if filled > 0 && filled < total {
			return model.StatusPartiallyFilled
		}
		return model.StatusOpen
	}
	return model.StatusOpen
}

// ── Adapter ──

type dhan struct {
	rc *restClient
}

// NewDhan creates the DhanHQ v2 adapter. baseURL overrides the production
// endpoint in tests; pass "" for the default.
func NewDhan(baseURL string, timeout time.Duration) Adapter {
	if baseURL == "" {
		baseURL = dhanRoot
	}
	return &dhan{rc: newRestClient(baseURL, timeout)}
}

func (d *dhan) Kind() model.BrokerKind     { return model.KindDhan }
func (d *dhan) AuthStyle() model.AuthStyle { return model.AuthStyleStaticKey }

func (d *dhan) headers(token string) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	if token != "" {
		h.Set("access-token", token)
	}
	return h
}

// Authenticate validates the static token pair against /v2/profile. A 401
// here means the key itself is bad, which is an AuthenticationError, not a
// TokenExpiredError — there is no session to refresh.
func (d *dhan) Authenticate(ctx context.Context, creds Credentials) (AuthResult, error) {
	if creds.AccessToken == "" || creds.ClientCode == "" {
		return AuthResult{}, &AuthenticationError{Kind: d.Kind(), Reason: "access token and client id required"}
	}
	out, raw, status, err := d.rc.doJSON(ctx, http.MethodGet, "/v2/profile", d.headers(creds.AccessToken), nil, nil)
	if err != nil {
		return AuthResult{}, err
	}
	if status != http.StatusOK {
		return AuthResult{}, &AuthenticationError{Kind: d.Kind(), Reason: dhanMessage(out, raw)}
	}
	// Stash the client id with the token; order payloads need it.
	return AuthResult{Session: &Session{
		AccessToken: creds.ClientCode + ":" + creds.AccessToken,
		ExpiresAt:   time.Now().Add(dhanSessionTTL),
	}}, nil
}

func (d *dhan) ExchangeToken(ctx context.Context, creds Credentials, requestToken string) (*Session, error) {
	return nil, &ValidationError{Field: "request_token", Reason: "dhan uses a static access token"}
}

func dhanSplit(sess *Session) (clientID, token string) {
	if sess == nil {
		return "", ""
	}
	for i := 0; i < len(sess.AccessToken); i++ {
		if sess.AccessToken[i] == ':' {
			return sess.AccessToken[:i], sess.AccessToken[i+1:]
		}
	}
	return "", sess.AccessToken
}

func (d *dhan) PlaceOrder(ctx context.Context, intent model.OrderIntent, ri ResolvedInstrument, sess *Session) (PlacedOrder, error) {
	clientID, token := dhanSplit(sess)
	payload, err := dhanEncodeOrder(clientID, intent, ri)
	if err != nil {
		return PlacedOrder{}, err
	}
	out, raw, status, err := d.rc.doJSON(ctx, http.MethodPost, "/v2/orders", d.headers(token), nil, payload)
	if err != nil {
		return PlacedOrder{}, err
	}
	if err := d.checkSession(status); err != nil {
		return PlacedOrder{}, err
	}
	ref := jsonStr(out, "orderId")
	if status != http.StatusOK || ref == "" {
		return PlacedOrder{}, &BrokerRejectedOrderError{Kind: d.Kind(), RawMessage: dhanMessage(out, raw)}
	}
	return PlacedOrder{Ref: ref, Raw: string(raw)}, nil
}

func (d *dhan) ModifyOrder(ctx context.Context, ref string, intent model.OrderIntent, ri ResolvedInstrument, sess *Session) error {
	clientID, token := dhanSplit(sess)
	payload, err := dhanEncodeOrder(clientID, intent, ri)
	if err != nil {
		return err
	}
	payload["orderId"] = ref
	out, raw, status, err := d.rc.doJSON(ctx, http.MethodPut, "/v2/orders/"+ref, d.headers(token), nil, payload)
	if err != nil {
		return err
	}
	if err := d.checkSession(status); err != nil {
		return err
	}
	if status != http.StatusOK {
		return &BrokerRejectedOrderError{Kind: d.Kind(), RawMessage: dhanMessage(out, raw)}
	}
	return nil
}

func (d *dhan) CancelOrder(ctx context.Context, ref string, sess *Session) error {
	_, token := dhanSplit(sess)
	out, raw, status, err := d.rc.doJSON(ctx, http.MethodDelete, "/v2/orders/"+ref, d.headers(token), nil, nil)
	if err != nil {
		return err
	}
	if err := d.checkSession(status); err != nil {
		return err
	}
	if status != http.StatusOK {
		return &BrokerRejectedOrderError{Kind: d.Kind(), RawMessage: dhanMessage(out, raw)}
	}
	return nil
}

func (d *dhan) OrderStatus(ctx context.Context, ref string, sess *Session) (OrderState, error) {
	_, token := dhanSplit(sess)
	out, raw, status, err := d.rc.doJSON(ctx, http.MethodGet, "/v2/orders/"+ref, d.headers(token), nil, nil)
	if err != nil {
		return OrderState{}, err
	}
	if err := d.checkSession(status); err != nil {
		return OrderState{}, err
	}
	if status != http.StatusOK || out == nil {
		return OrderState{}, &BrokerRejectedOrderError{Kind: d.Kind(), RawMessage: "order " + ref + " not found"}
	}
	filled := int64(jsonNum(out, "filledQty"))
	total := int64(jsonNum(out, "quantity"))
	return OrderState{
		Status:    dhanDecodeStatus(jsonStr(out, "orderStatus"), filled, total),
		FilledQty: filled,
		AvgPrice:  rupeesToPaise(jsonNum(out, "averageTradedPrice")),
		Message:   jsonStr(out, "omsErrorDescription"),
		Raw:       string(raw),
	}, nil
}

func (d *dhan) Positions(ctx context.Context, sess *Session) ([]Position, error) {
	_, token := dhanSplit(sess)
	_, raw, status, err := d.rc.doJSON(ctx, http.MethodGet, "/v2/positions", d.headers(token), nil, nil)
	if err != nil {
		return nil, err
	}
	if err := d.checkSession(status); err != nil {
		return nil, err
	}
	return dhanParsePositions(raw), nil
}

func (d *dhan) Holdings(ctx context.Context, sess *Session) ([]Holding, error) {
	_, token := dhanSplit(sess)
	_, raw, status, err := d.rc.doJSON(ctx, http.MethodGet, "/v2/holdings", d.headers(token), nil, nil)
	if err != nil {
		return nil, err
	}
	if err := d.checkSession(status); err != nil {
		return nil, err
	}
	return dhanParseHoldings(raw), nil
}

func (d *dhan) TestConnection(ctx context.Context, sess *Session) error {
	_, token := dhanSplit(sess)
	_, _, status, err := d.rc.doJSON(ctx, http.MethodGet, "/v2/profile", d.headers(token), nil, nil)
	if err != nil {
		return err
	}
	return d.checkSession(status)
}

// Dhan has no session to expire; a 401 on a data call still maps to
// TokenExpiredError so the lifecycle manager re-validates the key, which
// then surfaces AuthenticationError if the key was revoked.
func (d *dhan) checkSession(status int) error {
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return &TokenExpiredError{Kind: d.Kind(), Reason: "access token rejected"}
	}
	return nil
}

func dhanMessage(out map[string]any, raw []byte) string {
	if msg := jsonStr(out, "errorMessage"); msg != "" {
		return msg
	}
	if msg := jsonStr(out, "omsErrorDescription"); msg != "" {
		return msg
	}
	return string(raw)
}
