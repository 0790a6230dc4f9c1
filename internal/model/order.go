package model

import (
	"fmt"
	"time"
)

// Side is the normalized transaction side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType is the normalized order type.
type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeStop       OrderType = "SL"   // stoploss limit
	OrderTypeStopMarket OrderType = "SL-M" // stoploss market
)

// Product is the normalized product type.
type Product string

const (
	ProductIntraday Product = "INTRADAY"
	ProductDelivery Product = "DELIVERY"
	ProductNormal   Product = "NORMAL" // carry-forward for derivatives
)

// Validity is the normalized order validity.
type Validity string

const (
	ValidityDay Validity = "DAY"
	ValidityIOC Validity = "IOC"
)

// OrderIntent is the normalized, broker-agnostic description of a desired
// order as delivered by the alert-intake layer. Prices are int64 paise
// (1 INR = 100 paise) to avoid float drift.
type OrderIntent struct {
	Symbol       string    `json:"symbol"`
	Exchange     string    `json:"exchange"`
	Side         Side      `json:"side"`
	Qty          int64     `json:"qty"`
	OrderType    OrderType `json:"order_type"`
	Product      Product   `json:"product"`
	Price        int64     `json:"price"`         // limit price in paise (0 for market)
	TriggerPrice int64     `json:"trigger_price"` // trigger price in paise (SL/SL-M only)
	Validity     Validity  `json:"validity"`
	DisclosedQty int64     `json:"disclosed_qty"`
}

// Validate checks the intent structurally before any broker dispatch.
// Intake-side validation is not trusted; the core re-validates.
func (oi *OrderIntent) Validate() error {
	if oi.Symbol == "" {
		return fmt.Errorf("intent: missing symbol")
	}
	if oi.Exchange == "" {
		return fmt.Errorf("intent: missing exchange")
	}
	switch oi.Side {
	case SideBuy, SideSell:
	default:
		return fmt.Errorf("intent: invalid side %q", oi.Side)
	}
	if oi.Qty <= 0 {
		return fmt.Errorf("intent: qty must be positive, got %d", oi.Qty)
	}
	switch oi.OrderType {
	case OrderTypeMarket, OrderTypeLimit, OrderTypeStop, OrderTypeStopMarket:
	default:
		return fmt.Errorf("intent: invalid order type %q", oi.OrderType)
	}
	switch oi.Product {
	case ProductIntraday, ProductDelivery, ProductNormal:
	default:
		return fmt.Errorf("intent: invalid product %q", oi.Product)
	}
	if oi.OrderType == OrderTypeLimit && oi.Price <= 0 {
		return fmt.Errorf("intent: LIMIT order requires price")
	}
	if (oi.OrderType == OrderTypeStop || oi.OrderType == OrderTypeStopMarket) && oi.TriggerPrice <= 0 {
		return fmt.Errorf("intent: %s order requires trigger price", oi.OrderType)
	}
	if oi.OrderType == OrderTypeStop && oi.Price <= 0 {
		return fmt.Errorf("intent: SL order requires price")
	}
	switch oi.Validity {
	case ValidityDay, ValidityIOC:
	case "":
		oi.Validity = ValidityDay
	default:
		return fmt.Errorf("intent: invalid validity %q", oi.Validity)
	}
	if oi.DisclosedQty < 0 || oi.DisclosedQty > oi.Qty {
		return fmt.Errorf("intent: disclosed qty %d out of range", oi.DisclosedQty)
	}
	return nil
}

// OrderStatus is the local order state machine:
//
//	SUBMITTED → OPEN → {PARTIALLY_FILLED ⇄ OPEN} → {COMPLETE | CANCELLED | REJECTED}
//
// FAILED marks a submission that never reached the broker's book.
// COMPLETE, CANCELLED, REJECTED and FAILED are terminal.
type OrderStatus string

const (
	StatusSubmitted       OrderStatus = "SUBMITTED"
	StatusOpen            OrderStatus = "OPEN"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusComplete        OrderStatus = "COMPLETE"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusFailed          OrderStatus = "FAILED"
)

// IsTerminal reports whether the status admits no further transitions.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusComplete, StatusCancelled, StatusRejected, StatusFailed:
		return true
	}
	return false
}

// allowedTransitions encodes the order state machine. OPEN⇄PARTIALLY_FILLED
// oscillation is permitted (broker order books report both during fills);
// everything else is strictly forward.
var allowedTransitions = map[OrderStatus]map[OrderStatus]bool{
	StatusSubmitted: {
		StatusOpen: true, StatusPartiallyFilled: true,
		StatusComplete: true, StatusCancelled: true, StatusRejected: true, StatusFailed: true,
	},
	StatusOpen: {
		StatusPartiallyFilled: true,
		StatusComplete:        true, StatusCancelled: true, StatusRejected: true,
	},
	StatusPartiallyFilled: {
		StatusOpen:     true,
		StatusComplete: true, StatusCancelled: true, StatusRejected: true,
	},
}

// CanTransition reports whether from→to is a legal order state transition.
func CanTransition(from, to OrderStatus) bool {
	if from == to {
		return false
	}
	return allowedTransitions[from][to]
}

// OrderRecord is the persisted order, created at submission time and
// mutated only by the initial submission result and the reconciliation
// engine. Never deleted, only transitioned.
type OrderRecord struct {
	ID             string      `json:"id"`
	ConnectionID   string      `json:"connection_id"`
	BrokerOrderRef string      `json:"broker_order_ref"` // broker-assigned order id
	Symbol         string      `json:"symbol"`
	Exchange       string      `json:"exchange"`
	Side           Side        `json:"side"`
	OrderType      OrderType   `json:"order_type"`
	Product        Product     `json:"product"`
	Status         OrderStatus `json:"status"`
	Qty            int64       `json:"qty"`
	FilledQty      int64       `json:"filled_qty"`
	Price          int64       `json:"price"`                  // requested price, paise
	AvgPrice       int64       `json:"avg_price"`              // average executed price, paise
	RawResponse    string      `json:"raw_response,omitempty"` // opaque broker payload, retained for audit
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}
