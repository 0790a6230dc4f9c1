// Package symbols maintains the instrument index: search, broker-token
// resolution, and the periodic sync of each broker's instrument master.
package symbols

import (
	"sort"
	"strings"
	"sync"
	"time"

	"alertbridge/internal/broker"
	"alertbridge/internal/model"
)

// segmentRank orders search ties: equities first, then near derivatives,
// then the rest.
var segmentRank = map[model.Segment]int{
	model.SegmentEquity:    0,
	model.SegmentFutures:   1,
	model.SegmentOptions:   2,
	model.SegmentCurrency:  3,
	model.SegmentCommodity: 4,
}

// match scores for Search. Exact symbol beats prefix beats name substring.
const (
	scoreExact     = 3
	scorePrefix    = 2
	scoreSubstring = 1
)

// index is an immutable snapshot. Readers grab the current pointer and
// never see a partially rebuilt state; Load swaps in a fresh index whole.
type index struct {
	instruments []model.Instrument
	byKey       map[string]model.Instrument
	// (exchange:symbol) → instrument keys, over all segments
	bySymbol map[string][]string
	// instrument key → broker kind → mapping
	mappings map[string]map[model.BrokerKind]model.BrokerInstrumentMapping
	builtAt  time.Time
}

// Resolver answers symbol search and broker-token resolution against the
// latest synced snapshot. Safe for concurrent use; writes come only from
// the sync service.
type Resolver struct {
	mu   sync.RWMutex
	snap *index
}

func NewResolver() *Resolver {
	return &Resolver{snap: &index{
		byKey:    map[string]model.Instrument{},
		bySymbol: map[string][]string{},
		mappings: map[string]map[model.BrokerKind]model.BrokerInstrumentMapping{},
	}}
}

// Load rebuilds the index from a full instrument + mapping set and swaps
// it in atomically.
func (r *Resolver) Load(instruments []model.Instrument, mappings []model.BrokerInstrumentMapping) {
	next := &index{
		instruments: instruments,
		byKey:       make(map[string]model.Instrument, len(instruments)),
		bySymbol:    make(map[string][]string),
		mappings:    make(map[string]map[model.BrokerKind]model.BrokerInstrumentMapping),
		builtAt:     time.Now(),
	}
	for _, in := range instruments {
		key := in.Key()
		next.byKey[key] = in
		sk := symbolKey(in.Exchange, in.Symbol)
		next.bySymbol[sk] = append(next.bySymbol[sk], key)
	}
	for _, m := range mappings {
		if !m.Active {
			continue
		}
		byKind := next.mappings[m.InstrumentKey]
		if byKind == nil {
			byKind = make(map[model.BrokerKind]model.BrokerInstrumentMapping)
			next.mappings[m.InstrumentKey] = byKind
		}
		byKind[m.Kind] = m
	}

	r.mu.Lock()
	r.snap = next
	r.mu.Unlock()
}

func (r *Resolver) snapshot() *index {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap
}

// Count returns the number of indexed instruments.
func (r *Resolver) Count() int {
	return len(r.snapshot().instruments)
}

// Candidate is one ranked search result.
type Candidate struct {
	Instrument model.Instrument          `json:"instrument"`
	Brokers    []model.BrokerKind        `json:"brokers"`
	score      int
}

// Search ranks instruments against a query. Exact symbol matches come
// first, then symbol prefixes, then substring matches on the display
// name; ties fall to segment order (equity, futures, options, ...) and
// for derivatives to the nearer expiry. exchange and segment filter when
// non-empty.
func (r *Resolver) Search(query, exchange string, segment model.Segment, limit int) []Candidate {
	q := strings.ToUpper(strings.TrimSpace(query))
	if q == "" {
		return nil
	}
	snap := r.snapshot()

	var out []Candidate
	for _, in := range snap.instruments {
		if exchange != "" && in.Exchange != exchange {
			continue
		}
		if segment != "" && in.Segment != segment {
			continue
		}
		score := matchScore(&in, q)
		if score == 0 {
			continue
		}
		out = append(out, Candidate{
			Instrument: in,
			Brokers:    snap.brokersFor(in.Key()),
			score:      score,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := &out[i], &out[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if sr := segmentRank[a.Instrument.Segment] - segmentRank[b.Instrument.Segment]; sr != 0 {
			return sr < 0
		}
		// nearer expiry first; zero expiry (equities) sorts ahead
		return a.Instrument.Expiry.Before(b.Instrument.Expiry)
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func matchScore(in *model.Instrument, q string) int {
	sym := strings.ToUpper(in.Symbol)
	switch {
	case sym == q:
		return scoreExact
	case strings.HasPrefix(sym, q):
		return scorePrefix
	case strings.Contains(strings.ToUpper(in.Name), q):
		return scoreSubstring
	}
	return 0
}

// Resolve maps (symbol, exchange) to the broker-specific identifiers for
// one broker kind. Pure lookup against the current snapshot; repeated
// calls over unchanged data return the same result. When several
// segments list the same symbol the lowest-ranked segment with a mapping
// wins (equity before derivatives).
func (r *Resolver) Resolve(symbol, exchange string, kind model.BrokerKind) (broker.ResolvedInstrument, error) {
	snap := r.snapshot()
	keys := snap.bySymbol[symbolKey(exchange, strings.ToUpper(symbol))]

	best := -1
	var bestMapping model.BrokerInstrumentMapping
	for _, key := range keys {
		m, ok := snap.mappings[key][kind]
		if !ok {
			continue
		}
		rank := segmentRank[snap.byKey[key].Segment]
		if best == -1 || rank < best {
			best = rank
			bestMapping = m
		}
	}
	if best == -1 {
		return broker.ResolvedInstrument{}, &broker.UnsupportedSymbolError{
			Symbol: symbol, Exchange: exchange, Kind: kind,
		}
	}
	return broker.ResolvedInstrument{
		BrokerSymbol:   bestMapping.BrokerSymbol,
		BrokerToken:    bestMapping.BrokerToken,
		BrokerExchange: bestMapping.BrokerExchange,
	}, nil
}

// SupportedBrokers returns every broker kind with an active mapping for
// (symbol, exchange), across all segments.
func (r *Resolver) SupportedBrokers(symbol, exchange string) []model.BrokerKind {
	snap := r.snapshot()
	keys := snap.bySymbol[symbolKey(exchange, strings.ToUpper(symbol))]

	seen := map[model.BrokerKind]bool{}
	var kinds []model.BrokerKind
	for _, key := range keys {
		for kind := range snap.mappings[key] {
			if !seen[kind] {
				seen[kind] = true
				kinds = append(kinds, kind)
			}
		}
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

func (ix *index) brokersFor(key string) []model.BrokerKind {
	byKind := ix.mappings[key]
	if len(byKind) == 0 {
		return nil
	}
	kinds := make([]model.BrokerKind, 0, len(byKind))
	for kind := range byKind {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

func symbolKey(exchange, symbol string) string {
	return exchange + ":" + strings.ToUpper(symbol)
}
