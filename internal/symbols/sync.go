package symbols

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"alertbridge/internal/events"
	"alertbridge/internal/metrics"
	"alertbridge/internal/model"

	"github.com/robfig/cron/v3"
)

// SyncStatus is the per-broker outcome of one sync run.
type SyncStatus struct {
	Kind        model.BrokerKind `json:"kind"`
	Status      string           `json:"sync_status"` // ok, failed, already_running
	Instruments int              `json:"instruments"`
	Mappings    int              `json:"mappings"`
	Error       string           `json:"error,omitempty"`
	Took        time.Duration    `json:"took"`
}

const (
	SyncOK             = "ok"
	SyncFailed         = "failed"
	SyncAlreadyRunning = "already_running"
)

// SyncService ingests each broker's published instrument master,
// normalizes it, persists it, and refreshes the resolver index. Broker
// syncs run concurrently and fail independently; at most one sync is in
// flight per broker kind.
type SyncService struct {
	store    model.InstrumentStore
	resolver *Resolver
	client   *http.Client
	urls     map[model.BrokerKind]string

	mu       sync.Mutex
	inFlight map[model.BrokerKind]bool
	last     map[model.BrokerKind]SyncStatus

	bus    *events.Bus
	health *metrics.HealthStatus
	cron   *cron.Cron
}

func NewSyncService(store model.InstrumentStore, resolver *Resolver) *SyncService {
	urls := make(map[model.BrokerKind]string, len(defaultMasterURLs))
	for k, u := range defaultMasterURLs {
		urls[k] = u
	}
	return &SyncService{
		store:    store,
		resolver: resolver,
		client:   &http.Client{Timeout: 120 * time.Second},
		urls:     urls,
		inFlight: make(map[model.BrokerKind]bool),
		last:     make(map[model.BrokerKind]SyncStatus),
	}
}

// SetBus wires the event bus; each finished broker sync publishes its
// status report.
func (s *SyncService) SetBus(bus *events.Bus) { s.bus = bus }

// SetHealth wires the health status sink and seeds the indexed-symbol
// count from the current index.
func (s *SyncService) SetHealth(h *metrics.HealthStatus) {
	s.health = h
	h.SetIndexedSymbols(s.resolver.Count())
}

// SetMasterURL overrides one broker's master endpoint.
func (s *SyncService) SetMasterURL(kind model.BrokerKind, url string) {
	s.urls[kind] = url
}

// SyncBroker runs one broker's sync. A second call while that broker is
// already syncing is a no-op reporting already_running.
func (s *SyncService) SyncBroker(ctx context.Context, kind model.BrokerKind) SyncStatus {
	s.mu.Lock()
	if s.inFlight[kind] {
		s.mu.Unlock()
		log.Printf("[symbolsync] %s: sync already in progress, skipping", kind)
		return SyncStatus{Kind: kind, Status: SyncAlreadyRunning}
	}
	s.inFlight[kind] = true
	s.mu.Unlock()

	start := time.Now()
	st := s.runSync(ctx, kind)
	st.Took = time.Since(start)

	s.mu.Lock()
	s.inFlight[kind] = false
	s.last[kind] = st
	s.mu.Unlock()

	metrics.SymbolSyncRuns.WithLabelValues(string(kind), st.Status).Inc()
	if s.bus != nil {
		s.bus.PublishSyncStatus(ctx, st)
	}
	if st.Status == SyncFailed {
		log.Printf("[symbolsync] %s: sync failed after %v: %s", kind, st.Took, st.Error)
	} else {
		log.Printf("[symbolsync] %s: synced %d instruments, %d mappings in %v",
			kind, st.Instruments, st.Mappings, st.Took)
	}
	return st
}

func (s *SyncService) runSync(ctx context.Context, kind model.BrokerKind) SyncStatus {
	st := SyncStatus{Kind: kind, Status: SyncFailed}

	url, ok := s.urls[kind]
	if !ok {
		st.Error = fmt.Sprintf("no master url for broker %s", kind)
		return st
	}
	parse, ok := masterParsers[kind]
	if !ok {
		st.Error = fmt.Sprintf("no master parser for broker %s", kind)
		return st
	}

	body, err := fetchMaster(ctx, s.client, url)
	if err != nil {
		st.Error = err.Error()
		return st
	}
	defer body.Close()

	instruments, mappings, err := parse(body)
	if err != nil {
		st.Error = err.Error()
		return st
	}
	if len(instruments) == 0 {
		st.Error = "master parsed to zero instruments"
		return st
	}

	if err := s.store.UpsertInstruments(instruments); err != nil {
		st.Error = fmt.Sprintf("persist instruments: %v", err)
		return st
	}
	if err := s.store.UpsertMappings(mappings); err != nil {
		st.Error = fmt.Sprintf("persist mappings: %v", err)
		return st
	}

	st.Status = SyncOK
	st.Instruments = len(instruments)
	st.Mappings = len(mappings)
	return st
}

// SyncAll syncs every broker concurrently and reloads the resolver index
// once from the store. One broker failing never blocks or fails the
// others.
func (s *SyncService) SyncAll(ctx context.Context) []SyncStatus {
	kinds := model.AllBrokerKinds
	results := make([]SyncStatus, len(kinds))

	var wg sync.WaitGroup
	for i, kind := range kinds {
		wg.Add(1)
		go func(i int, kind model.BrokerKind) {
			defer wg.Done()
			results[i] = s.SyncBroker(ctx, kind)
		}(i, kind)
	}
	wg.Wait()

	if err := s.ReloadIndex(); err != nil {
		log.Printf("[symbolsync] index reload failed: %v", err)
	}
	return results
}

// ReloadIndex rebuilds the resolver from the persisted instrument set.
// Called after syncs and at startup so the index survives restarts.
func (s *SyncService) ReloadIndex() error {
	instruments, mappings, err := s.store.LoadAll()
	if err != nil {
		return fmt.Errorf("load instruments: %w", err)
	}
	s.resolver.Load(instruments, mappings)
	metrics.InstrumentsIndexed.Set(float64(len(instruments)))
	if s.health != nil {
		s.health.SetIndexedSymbols(len(instruments))
	}
	log.Printf("[symbolsync] index loaded: %d instruments, %d mappings",
		len(instruments), len(mappings))
	return nil
}

// Report returns the last known status for every broker kind.
func (s *SyncService) Report() []SyncStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SyncStatus, 0, len(model.AllBrokerKinds))
	for _, kind := range model.AllBrokerKinds {
		st, ok := s.last[kind]
		if !ok {
			st = SyncStatus{Kind: kind, Status: "never_run"}
		}
		out = append(out, st)
	}
	return out
}

// StartSchedule runs SyncAll on a cron spec (for example "30 8 * * 1-5"
// for pre-open weekdays). Returns an error for a bad spec.
func (s *SyncService) StartSchedule(ctx context.Context, spec string) error {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		s.SyncAll(ctx)
	})
	if err != nil {
		return fmt.Errorf("bad sync schedule %q: %w", spec, err)
	}
	c.Start()
	s.cron = c
	log.Printf("[symbolsync] scheduled full sync: %q", spec)
	return nil
}

// Stop halts the cron schedule, waiting for a running job to finish.
func (s *SyncService) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}
