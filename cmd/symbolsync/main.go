// Command symbolsync downloads every broker's instrument master, rebuilds
// the unified instrument table, and prints a per-broker report. Intended
// for cron or a one-off refresh while the bridge is down.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"alertbridge/config"
	"alertbridge/internal/model"
	"alertbridge/internal/store/sqlite"
	"alertbridge/internal/symbols"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	brokerFlag := flag.String("broker", "", "sync a single broker (angelone, zerodha, upstox, fyers, dhan); default all")
	timeoutFlag := flag.Duration("timeout", 10*time.Minute, "overall deadline")
	flag.Parse()

	cfg := config.Load()

	store, err := sqlite.New(cfg.SQLitePath)
	if err != nil {
		log.Fatalf("[symbolsync] open store: %v", err)
	}
	defer store.Close()

	resolver := symbols.NewResolver()
	svc := symbols.NewSyncService(store, resolver)

	ctx, cancel := context.WithTimeout(context.Background(), *timeoutFlag)
	defer cancel()

	var report []symbols.SyncStatus
	if *brokerFlag != "" {
		kind := model.BrokerKind(*brokerFlag)
		if !kind.Valid() {
			log.Fatalf("[symbolsync] unknown broker %q", *brokerFlag)
		}
		report = []symbols.SyncStatus{svc.SyncBroker(ctx, kind)}
		if err := svc.ReloadIndex(); err != nil {
			log.Printf("[symbolsync] index reload: %v", err)
		}
	} else {
		report = svc.SyncAll(ctx)
	}

	failed := 0
	for _, st := range report {
		switch st.Status {
		case symbols.SyncOK:
			log.Printf("[symbolsync] %-9s ok: %d instruments, %d mappings in %v",
				st.Kind, st.Instruments, st.Mappings, st.Took.Round(time.Millisecond))
		default:
			failed++
			log.Printf("[symbolsync] %-9s %s: %s", st.Kind, st.Status, st.Error)
		}
	}
	log.Printf("[symbolsync] index holds %d instruments", resolver.Count())
	if failed > 0 {
		log.Fatalf("[symbolsync] %d broker(s) failed", failed)
	}
}
