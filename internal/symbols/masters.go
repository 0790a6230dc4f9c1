package symbols

import (
	"compress/gzip"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"alertbridge/internal/model"
)

// Default published instrument master endpoints. Overridable per service
// for tests and mirrors.
var defaultMasterURLs = map[model.BrokerKind]string{
	model.KindAngelOne: "https://margincalculator.angelbroking.com/OpenAPI_File/files/OpenAPIScripMaster.json",
	model.KindZerodha:  "https://api.kite.trade/instruments",
	model.KindUpstox:   "https://assets.upstox.com/market-quote/instruments/exchange/complete.json.gz",
	model.KindFyers:    "https://public.fyers.in/sym_details/NSE_CM.csv",
	model.KindDhan:     "https://images.dhan.co/api-data/api-scrip-master.csv",
}

// masterParser turns one broker's raw master body into normalized
// instruments and mappings. Parsers are pure; fetching is the service's
// job.
type masterParser func(r io.Reader) ([]model.Instrument, []model.BrokerInstrumentMapping, error)

var masterParsers = map[model.BrokerKind]masterParser{
	model.KindAngelOne: parseAngelMaster,
	model.KindZerodha:  parseKiteMaster,
	model.KindUpstox:   parseUpstoxMaster,
	model.KindFyers:    parseFyersMaster,
	model.KindDhan:     parseDhanMaster,
}

func fetchMaster(ctx context.Context, client *http.Client, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch master: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch master: HTTP %d", resp.StatusCode)
	}
	if strings.HasSuffix(url, ".gz") {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("gunzip master: %w", err)
		}
		return &gzipBody{gz: gz, body: resp.Body}, nil
	}
	return resp.Body, nil
}

type gzipBody struct {
	gz   *gzip.Reader
	body io.ReadCloser
}

func (g *gzipBody) Read(p []byte) (int, error) { return g.gz.Read(p) }
func (g *gzipBody) Close() error {
	g.gz.Close()
	return g.body.Close()
}

// ── Angel One: one large JSON array ──

type angelScrip struct {
	Token          string `json:"token"`
	Symbol         string `json:"symbol"`
	Name           string `json:"name"`
	Expiry         string `json:"expiry"`
	Strike         string `json:"strike"`
	LotSize        string `json:"lotsize"`
	InstrumentType string `json:"instrumenttype"`
	ExchSeg        string `json:"exch_seg"`
	TickSize       string `json:"tick_size"`
}

func parseAngelMaster(r io.Reader) ([]model.Instrument, []model.BrokerInstrumentMapping, error) {
	var scrips []angelScrip
	if err := json.NewDecoder(r).Decode(&scrips); err != nil {
		return nil, nil, fmt.Errorf("angel master decode: %w", err)
	}

	var instruments []model.Instrument
	var mappings []model.BrokerInstrumentMapping
	now := time.Now().UTC()
	for _, sc := range scrips {
		exchange, segment, ok := angelExchSeg(sc.ExchSeg, sc.InstrumentType)
		if !ok {
			continue
		}
		// Angel equity symbols carry an "-EQ" suffix; strip it for the
		// canonical symbol, keep it in the mapping.
		symbol := strings.TrimSuffix(sc.Symbol, "-EQ")
		strike := int64(parseFloat(sc.Strike)) // Angel strikes are already in paise
		if strike < 0 {
			strike = 0
		}
		in := model.Instrument{
			Symbol:         symbol,
			Name:           sc.Name,
			Exchange:       exchange,
			Segment:        segment,
			InstrumentType: normalizeInstrumentType(sc.InstrumentType, segment),
			LotSize:        atoiDefault(sc.LotSize, 1),
			TickSize:       paiseFromString(sc.TickSize),
			Expiry:         parseExpiry(sc.Expiry, "02Jan2006"),
			Strike:         strike,
			OptionType:     optionType(sc.InstrumentType),
		}
		instruments = append(instruments, in)
		mappings = append(mappings, model.BrokerInstrumentMapping{
			InstrumentKey:  in.Key(),
			Kind:           model.KindAngelOne,
			BrokerSymbol:   sc.Symbol,
			BrokerToken:    sc.Token,
			BrokerExchange: sc.ExchSeg,
			Active:         true,
			UpdatedAt:      now,
		})
	}
	return instruments, mappings, nil
}

func angelExchSeg(exchSeg, instrumentType string) (string, model.Segment, bool) {
	switch exchSeg {
	case "NSE":
		return "NSE", model.SegmentEquity, true
	case "BSE":
		return "BSE", model.SegmentEquity, true
	case "NFO":
		if strings.HasPrefix(instrumentType, "OPT") {
			return "NFO", model.SegmentOptions, true
		}
		return "NFO", model.SegmentFutures, true
	case "CDS":
		return "CDS", model.SegmentCurrency, true
	case "MCX":
		return "MCX", model.SegmentCommodity, true
	}
	return "", "", false
}

// ── Zerodha: CSV with a header row ──

func parseKiteMaster(r io.Reader) ([]model.Instrument, []model.BrokerInstrumentMapping, error) {
	rows, header, err := readCSV(r)
	if err != nil {
		return nil, nil, fmt.Errorf("kite master: %w", err)
	}

	var instruments []model.Instrument
	var mappings []model.BrokerInstrumentMapping
	now := time.Now().UTC()
	for _, row := range rows {
		get := func(col string) string { return csvField(row, header, col) }
		exchange := get("exchange")
		segment := kiteSegment(get("segment"), get("instrument_type"))
		if segment == "" {
			continue
		}
		symbol := get("tradingsymbol")
		in := model.Instrument{
			Symbol:         symbol,
			Name:           get("name"),
			Exchange:       exchange,
			Segment:        segment,
			InstrumentType: get("instrument_type"),
			LotSize:        atoiDefault(get("lot_size"), 1),
			TickSize:       rupeeStrToPaise(get("tick_size")),
			Expiry:         parseExpiry(get("expiry"), "2006-01-02"),
			Strike:         rupeeStrToPaise(get("strike")),
			OptionType:     optionType(get("instrument_type")),
		}
		instruments = append(instruments, in)
		mappings = append(mappings, model.BrokerInstrumentMapping{
			InstrumentKey:  in.Key(),
			Kind:           model.KindZerodha,
			BrokerSymbol:   symbol,
			BrokerToken:    get("instrument_token"),
			BrokerExchange: exchange,
			Active:         true,
			UpdatedAt:      now,
		})
	}
	return instruments, mappings, nil
}

func kiteSegment(seg, itype string) model.Segment {
	switch {
	case seg == "NSE" || seg == "BSE" || strings.HasSuffix(seg, "-EQ"):
		return model.SegmentEquity
	case strings.HasSuffix(seg, "-FUT"):
		return model.SegmentFutures
	case strings.HasSuffix(seg, "-OPT"):
		return model.SegmentOptions
	case strings.HasPrefix(seg, "CDS"):
		return model.SegmentCurrency
	case strings.HasPrefix(seg, "MCX"):
		return model.SegmentCommodity
	}
	switch itype {
	case "EQ":
		return model.SegmentEquity
	case "FUT":
		return model.SegmentFutures
	case "CE", "PE":
		return model.SegmentOptions
	}
	return ""
}

// ── Upstox: gzipped JSON array ──

type upstoxScrip struct {
	InstrumentKey  string  `json:"instrument_key"`
	TradingSymbol  string  `json:"trading_symbol"`
	Name           string  `json:"name"`
	Exchange       string  `json:"exchange"`
	Segment        string  `json:"segment"` // NSE_EQ, NSE_FO, ...
	InstrumentType string  `json:"instrument_type"`
	LotSize        int     `json:"lot_size"`
	TickSize       float64 `json:"tick_size"` // paise
	Expiry         int64   `json:"expiry"`    // epoch millis
	StrikePrice    float64 `json:"strike_price"`
}

func parseUpstoxMaster(r io.Reader) ([]model.Instrument, []model.BrokerInstrumentMapping, error) {
	var scrips []upstoxScrip
	if err := json.NewDecoder(r).Decode(&scrips); err != nil {
		return nil, nil, fmt.Errorf("upstox master decode: %w", err)
	}

	var instruments []model.Instrument
	var mappings []model.BrokerInstrumentMapping
	now := time.Now().UTC()
	for _, sc := range scrips {
		segment := upstoxSegment(sc.Segment, sc.InstrumentType)
		if segment == "" {
			continue
		}
		var expiry time.Time
		if sc.Expiry > 0 {
			expiry = time.UnixMilli(sc.Expiry).UTC()
		}
		in := model.Instrument{
			Symbol:         sc.TradingSymbol,
			Name:           sc.Name,
			Exchange:       sc.Exchange,
			Segment:        segment,
			InstrumentType: sc.InstrumentType,
			LotSize:        maxInt(sc.LotSize, 1),
			TickSize:       int64(sc.TickSize),
			Expiry:         expiry,
			Strike:         int64(sc.StrikePrice * 100),
			OptionType:     optionType(sc.InstrumentType),
		}
		instruments = append(instruments, in)
		mappings = append(mappings, model.BrokerInstrumentMapping{
			InstrumentKey:  in.Key(),
			Kind:           model.KindUpstox,
			BrokerSymbol:   sc.TradingSymbol,
			BrokerToken:    sc.InstrumentKey,
			BrokerExchange: sc.Segment,
			Active:         true,
			UpdatedAt:      now,
		})
	}
	return instruments, mappings, nil
}

func upstoxSegment(seg, itype string) model.Segment {
	switch {
	case strings.HasSuffix(seg, "_EQ"):
		return model.SegmentEquity
	case strings.HasSuffix(seg, "_FO"):
		if itype == "CE" || itype == "PE" {
			return model.SegmentOptions
		}
		return model.SegmentFutures
	case strings.HasPrefix(seg, "NCD") || strings.HasPrefix(seg, "CDS"):
		return model.SegmentCurrency
	case strings.HasPrefix(seg, "MCX"):
		return model.SegmentCommodity
	}
	return ""
}

// ── Fyers: headerless positional CSV ──

// Column layout of the Fyers symbol file. The file ships without a
// header row.
const (
	fyCToken = iota
	fyCName
	fyCInstrumentCode
	fyCLotSize
	fyCTickSize
	_ // ISIN
	_ // trading session
	_ // last update
	fyCExpiry // epoch seconds
	fyCTicker // "NSE:RELIANCE-EQ"
	fyCExchange
	fyCSegment
	fyCScripCode
	fyCUnderlying
	fyColumns
)

func parseFyersMaster(r io.Reader) ([]model.Instrument, []model.BrokerInstrumentMapping, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	var instruments []model.Instrument
	var mappings []model.BrokerInstrumentMapping
	now := time.Now().UTC()
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("fyers master: %w", err)
		}
		if len(row) < fyColumns {
			continue
		}
		ticker := row[fyCTicker] // NSE:RELIANCE-EQ
		exchange, brokerSymbol, ok := strings.Cut(ticker, ":")
		if !ok {
			continue
		}
		symbol := strings.TrimSuffix(brokerSymbol, "-EQ")
		segment, itype := fyersSegment(row[fyCInstrumentCode])
		if segment == "" {
			continue
		}
		var expiry time.Time
		if secs := parseFloat(row[fyCExpiry]); secs > 0 {
			expiry = time.Unix(int64(secs), 0).UTC()
		}
		in := model.Instrument{
			Symbol:         symbol,
			Name:           row[fyCName],
			Exchange:       exchange,
			Segment:        segment,
			InstrumentType: itype,
			LotSize:        atoiDefault(row[fyCLotSize], 1),
			TickSize:       rupeeStrToPaise(row[fyCTickSize]),
			Expiry:         expiry,
		}
		instruments = append(instruments, in)
		mappings = append(mappings, model.BrokerInstrumentMapping{
			InstrumentKey:  in.Key(),
			Kind:           model.KindFyers,
			BrokerSymbol:   ticker,
			BrokerToken:    row[fyCToken],
			BrokerExchange: exchange,
			Active:         true,
			UpdatedAt:      now,
		})
	}
	return instruments, mappings, nil
}

// fyersSegment maps Fyers numeric instrument codes. 0 is cash equity,
// 11 index futures, 12 stock futures, 13/14 options.
func fyersSegment(code string) (model.Segment, string) {
	switch code {
	case "0", "50":
		return model.SegmentEquity, "EQ"
	case "11", "12":
		return model.SegmentFutures, "FUT"
	case "13", "14":
		return model.SegmentOptions, "OPT"
	}
	return "", ""
}

// ── Dhan: CSV with SEM_* header columns ──

func parseDhanMaster(r io.Reader) ([]model.Instrument, []model.BrokerInstrumentMapping, error) {
	rows, header, err := readCSV(r)
	if err != nil {
		return nil, nil, fmt.Errorf("dhan master: %w", err)
	}

	var instruments []model.Instrument
	var mappings []model.BrokerInstrumentMapping
	now := time.Now().UTC()
	for _, row := range rows {
		get := func(col string) string { return csvField(row, header, col) }
		exchange := dhanExchange(get("SEM_EXM_EXCH_ID"))
		if exchange == "" {
			continue
		}
		segment, itype := dhanSegment(get("SEM_EXCH_INSTRUMENT_TYPE"), get("SEM_OPTION_TYPE"))
		if segment == "" {
			continue
		}
		symbol := strings.TrimSuffix(get("SEM_TRADING_SYMBOL"), "-EQ")
		in := model.Instrument{
			Symbol:         symbol,
			Name:           get("SEM_CUSTOM_SYMBOL"),
			Exchange:       exchange,
			Segment:        segment,
			InstrumentType: itype,
			LotSize:        atoiDefault(get("SEM_LOT_UNITS"), 1),
			TickSize:       rupeeStrToPaise(get("SEM_TICK_SIZE")),
			Expiry:         parseExpiry(get("SEM_EXPIRY_DATE"), "2006-01-02"),
			Strike:         rupeeStrToPaise(get("SEM_STRIKE_PRICE")),
			OptionType:     get("SEM_OPTION_TYPE"),
		}
		instruments = append(instruments, in)
		mappings = append(mappings, model.BrokerInstrumentMapping{
			InstrumentKey:  in.Key(),
			Kind:           model.KindDhan,
			BrokerSymbol:   get("SEM_TRADING_SYMBOL"),
			BrokerToken:    get("SEM_SMST_SECURITY_ID"),
			BrokerExchange: get("SEM_EXM_EXCH_ID") + "_" + get("SEM_SEGMENT"),
			Active:         true,
			UpdatedAt:      now,
		})
	}
	return instruments, mappings, nil
}

func dhanExchange(id string) string {
	switch id {
	case "NSE", "BSE", "MCX":
		return id
	}
	return ""
}

func dhanSegment(itype, optType string) (model.Segment, string) {
	switch itype {
	case "ES", "EQ":
		return model.SegmentEquity, "EQ"
	case "FUTIDX", "FUTSTK", "FUTCOM":
		return model.SegmentFutures, "FUT"
	case "OPTIDX", "OPTSTK", "OPTFUT":
		if optType == "" {
			optType = "CE"
		}
		return model.SegmentOptions, optType
	case "FUTCUR":
		return model.SegmentCurrency, "FUT"
	case "OPTCUR":
		return model.SegmentCurrency, optType
	}
	return "", ""
}

// ── shared parse helpers ──

func readCSV(r io.Reader) ([][]string, map[string]int, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, nil, err
	}
	if len(rows) == 0 {
		return nil, nil, fmt.Errorf("empty csv")
	}
	header := make(map[string]int, len(rows[0]))
	for i, col := range rows[0] {
		header[strings.TrimSpace(col)] = i
	}
	return rows[1:], header, nil
}

func csvField(row []string, header map[string]int, col string) string {
	i, ok := header[col]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func atoiDefault(s string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f
}

// rupeeStrToPaise converts a decimal rupee string like "0.05" to paise.
func rupeeStrToPaise(s string) int64 {
	f := parseFloat(s)
	if f <= 0 {
		return 0
	}
	return int64(f*100 + 0.5)
}

// paiseFromString parses a tick size that the feed already reports in
// paise.
func paiseFromString(s string) int64 {
	f := parseFloat(s)
	if f <= 0 {
		return 5
	}
	return int64(f + 0.5)
}

func parseExpiry(s, layout string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	// Date-time variants appear in some feeds; keep the date part.
	if i := strings.IndexByte(s, ' '); i > 0 {
		s = s[:i]
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func optionType(itype string) string {
	switch itype {
	case "CE", "PE":
		return itype
	case "OPTIDX", "OPTSTK":
		return ""
	}
	if strings.HasSuffix(itype, "CE") {
		return "CE"
	}
	if strings.HasSuffix(itype, "PE") {
		return "PE"
	}
	return ""
}

func normalizeInstrumentType(itype string, segment model.Segment) string {
	if itype == "" && segment == model.SegmentEquity {
		return "EQ"
	}
	return itype
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
