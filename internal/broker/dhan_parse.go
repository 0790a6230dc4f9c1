package broker

import "encoding/json"

// Dhan returns bare JSON arrays for portfolio endpoints, so these parse the
// raw bytes instead of going through the object decoder.

func dhanParsePositions(raw []byte) []Position {
	var rows []map[string]any
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil
	}
	positions := make([]Position, 0, len(rows))
	for _, row := range rows {
		positions = append(positions, Position{
			Symbol:   jsonStr(row, "tradingSymbol"),
			Exchange: jsonStr(row, "exchangeSegment"),
			Product:  dhanProductDecode[jsonStr(row, "productType")],
			Qty:      int64(jsonNum(row, "netQty")),
			AvgPrice: rupeesToPaise(jsonNum(row, "costPrice")),
			PnL:      rupeesToPaise(jsonNum(row, "realizedProfit")),
		})
	}
	return positions
}

func dhanParseHoldings(raw []byte) []Holding {
	var rows []map[string]any
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil
	}
	holdings := make([]Holding, 0, len(rows))
	for _, row := range rows {
		holdings = append(holdings, Holding{
			Symbol:    jsonStr(row, "tradingSymbol"),
			Exchange:  jsonStr(row, "exchange"),
			Qty:       int64(jsonNum(row, "totalQty")),
			AvgPrice:  rupeesToPaise(jsonNum(row, "avgCostPrice")),
			LastPrice: rupeesToPaise(jsonNum(row, "lastTradedPrice")),
		})
	}
	return holdings
}
