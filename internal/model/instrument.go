package model

import "time"

// Segment classifies an instrument's market segment.
type Segment string

const (
	SegmentEquity     Segment = "EQ"
	SegmentFutures    Segment = "FUT"
	SegmentOptions    Segment = "OPT"
	SegmentCurrency   Segment = "CUR"
	SegmentCommodity  Segment = "COM"
)

// Instrument is a broker-agnostic tradable security/contract definition.
// Unique per (symbol, exchange, segment). Created and updated only by the
// symbol sync service; read-only everywhere else.
type Instrument struct {
	Symbol         string  `json:"symbol"`
	Name           string  `json:"name"`
	Exchange       string  `json:"exchange"` // NSE, BSE, NFO, MCX, CDS
	Segment        Segment `json:"segment"`
	InstrumentType string  `json:"instrument_type"` // EQ, FUT, CE, PE
	LotSize        int     `json:"lot_size"`
	TickSize       int64   `json:"tick_size"` // minimum price movement in paise

	// Derivative-only fields; zero values for equities.
	Expiry     time.Time `json:"expiry,omitempty"`
	Strike     int64     `json:"strike,omitempty"` // paise
	OptionType string    `json:"option_type,omitempty"` // CE or PE
}

// Key returns the instrument's identity key: "exchange:segment:symbol".
func (i *Instrument) Key() string {
	return i.Exchange + ":" + string(i.Segment) + ":" + i.Symbol
}

// BrokerInstrumentMapping links one Instrument to one broker's identifiers.
// Identity key is (instrument, broker kind); one mapping per supporting
// broker. Upserted only by the symbol sync service.
type BrokerInstrumentMapping struct {
	InstrumentKey  string     `json:"instrument_key"` // Instrument.Key()
	Kind           BrokerKind `json:"kind"`
	BrokerSymbol   string     `json:"broker_symbol"`   // broker's trading symbol string
	BrokerToken    string     `json:"broker_token"`    // broker-specific instrument token/id
	BrokerExchange string     `json:"broker_exchange"` // broker-specific exchange code
	Active         bool       `json:"active"`
	UpdatedAt      time.Time  `json:"updated_at"`
}
