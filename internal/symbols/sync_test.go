package symbols

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"alertbridge/internal/model"
)

// fakeInstrumentStore keeps upserts in memory, keyed the same way the
// real store is.
type fakeInstrumentStore struct {
	mu          sync.Mutex
	instruments map[string]model.Instrument
	mappings    map[string]model.BrokerInstrumentMapping
}

func newFakeInstrumentStore() *fakeInstrumentStore {
	return &fakeInstrumentStore{
		instruments: map[string]model.Instrument{},
		mappings:    map[string]model.BrokerInstrumentMapping{},
	}
}

func (f *fakeInstrumentStore) UpsertInstruments(ins []model.Instrument) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, in := range ins {
		f.instruments[in.Key()] = in
	}
	return nil
}

func (f *fakeInstrumentStore) UpsertMappings(maps []model.BrokerInstrumentMapping) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range maps {
		f.mappings[m.InstrumentKey+"|"+string(m.Kind)] = m
	}
	return nil
}

func (f *fakeInstrumentStore) LoadAll() ([]model.Instrument, []model.BrokerInstrumentMapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ins []model.Instrument
	for _, in := range f.instruments {
		ins = append(ins, in)
	}
	var maps []model.BrokerInstrumentMapping
	for _, m := range f.mappings {
		maps = append(maps, m)
	}
	return ins, maps, nil
}

const kiteMasterFixture = `instrument_token,exchange_token,tradingsymbol,name,last_price,expiry,strike,tick_size,lot_size,instrument_type,segment,exchange
738561,2885,RELIANCE,RELIANCE INDUSTRIES,0,,0,0.05,1,EQ,NSE,NSE`

const angelMasterFixture = `[{"token":"2885","symbol":"RELIANCE-EQ","name":"RELIANCE","expiry":"","strike":"0","lotsize":"1","instrumenttype":"","exch_seg":"NSE","tick_size":"5.0"}]`

func TestSyncBrokerFailureIsolation(t *testing.T) {
	kiteSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(kiteMasterFixture))
	}))
	defer kiteSrv.Close()
	angelSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusInternalServerError)
	}))
	defer angelSrv.Close()

	store := newFakeInstrumentStore()
	svc := NewSyncService(store, NewResolver())
	svc.SetMasterURL(model.KindZerodha, kiteSrv.URL)
	svc.SetMasterURL(model.KindAngelOne, angelSrv.URL)
	// unreachable endpoints for the rest
	for _, k := range []model.BrokerKind{model.KindUpstox, model.KindFyers, model.KindDhan} {
		svc.SetMasterURL(k, "http://127.0.0.1:1/master")
	}

	results := svc.SyncAll(context.Background())
	byKind := map[model.BrokerKind]SyncStatus{}
	for _, st := range results {
		byKind[st.Kind] = st
	}

	if byKind[model.KindZerodha].Status != SyncOK {
		t.Errorf("zerodha sync = %+v, want ok", byKind[model.KindZerodha])
	}
	if byKind[model.KindAngelOne].Status != SyncFailed {
		t.Errorf("angelone sync = %+v, want failed", byKind[model.KindAngelOne])
	}
	if byKind[model.KindAngelOne].Error == "" {
		t.Error("failed sync carries no error detail")
	}

	// The successful broker's data is indexed despite the failures.
	if _, err := svc.resolver.Resolve("RELIANCE", "NSE", model.KindZerodha); err != nil {
		t.Errorf("resolve after partial sync: %v", err)
	}
}

func TestSyncBrokerAlreadyRunning(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(started) })
		<-release
		w.Write([]byte(angelMasterFixture))
	}))
	defer srv.Close()

	svc := NewSyncService(newFakeInstrumentStore(), NewResolver())
	svc.SetMasterURL(model.KindAngelOne, srv.URL)

	done := make(chan SyncStatus, 1)
	go func() {
		done <- svc.SyncBroker(context.Background(), model.KindAngelOne)
	}()
	<-started

	// Second request while the first is mid-fetch is a no-op.
	st := svc.SyncBroker(context.Background(), model.KindAngelOne)
	if st.Status != SyncAlreadyRunning {
		t.Fatalf("concurrent sync status = %s, want %s", st.Status, SyncAlreadyRunning)
	}

	close(release)
	select {
	case first := <-done:
		if first.Status != SyncOK {
			t.Errorf("first sync = %+v, want ok", first)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first sync never finished")
	}

	// After completion a new sync may run again.
	st = svc.SyncBroker(context.Background(), model.KindAngelOne)
	if st.Status != SyncOK {
		t.Errorf("follow-up sync = %+v, want ok", st)
	}
}

func TestSyncReportCoversAllBrokers(t *testing.T) {
	svc := NewSyncService(newFakeInstrumentStore(), NewResolver())
	report := svc.Report()
	if len(report) != len(model.AllBrokerKinds) {
		t.Fatalf("report has %d entries, want %d", len(report), len(model.AllBrokerKinds))
	}
	for _, st := range report {
		if st.Status != "never_run" {
			t.Errorf("%s status = %s before any run", st.Kind, st.Status)
		}
	}
}
