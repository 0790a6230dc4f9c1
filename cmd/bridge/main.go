package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"alertbridge/config"
	"alertbridge/internal/api"
	"alertbridge/internal/broker"
	"alertbridge/internal/events"
	"alertbridge/internal/gateway"
	"alertbridge/internal/logger"
	"alertbridge/internal/markethours"
	"alertbridge/internal/metrics"
	"alertbridge/internal/notification"
	"alertbridge/internal/orders"
	"alertbridge/internal/store/sqlite"
	"alertbridge/internal/symbols"
	"alertbridge/internal/token"
	"alertbridge/internal/vault"
)

const brokerTimeout = 10 * time.Second

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[bridge] starting...")

	cfg := config.Load()
	if cfg.VaultMasterKey == "" {
		log.Fatal("[bridge] VAULT_MASTER_KEY not set")
	}
	logger.Init("bridge", logger.ParseLevel(cfg.LogLevel))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- Storage ----
	store, err := sqlite.New(cfg.SQLitePath)
	if err != nil {
		log.Fatalf("[bridge] open store: %v", err)
	}
	defer store.Close()

	v, err := vault.NewSQLite(cfg.SQLitePath, cfg.VaultMasterKey)
	if err != nil {
		log.Fatalf("[bridge] open vault: %v", err)
	}

	// ---- Redis + event bus ----
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Printf("[bridge] redis unreachable, events are local-only: %v", err)
	}
	bus := events.NewBus(rdb)

	// ---- Broker adapters ----
	registry := broker.NewRegistry()
	registry.Register(broker.NewAngelOne("", brokerTimeout))
	registry.Register(broker.NewZerodha("", brokerTimeout))
	registry.Register(broker.NewUpstox("", brokerTimeout))
	registry.Register(broker.NewFyers("", brokerTimeout))
	registry.Register(broker.NewDhan("", brokerTimeout))

	// ---- Symbols ----
	resolver := symbols.NewResolver()
	syncSvc := symbols.NewSyncService(store, resolver)
	syncSvc.SetBus(bus)
	if err := syncSvc.ReloadIndex(); err != nil {
		log.Printf("[bridge] initial index load: %v", err)
	}
	if cfg.SyncCronSpec != "" {
		if err := syncSvc.StartSchedule(ctx, cfg.SyncCronSpec); err != nil {
			log.Fatalf("[bridge] sync schedule %q: %v", cfg.SyncCronSpec, err)
		}
		defer syncSvc.Stop()
	}

	// ---- Token lifecycle ----
	tokens := token.NewManager(store, v, registry, bus, cfg.TokenRefreshThreshold)
	tokens.StartSweeper(ctx, cfg.ExpirySweepInterval)

	// ---- Health + metrics ----
	health := metrics.NewHealthStatus()
	health.StartLivenessChecker(ctx, rdb, store.DB(), 15*time.Second)
	tokens.SetHealth(health)
	syncSvc.SetHealth(health)
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	// ---- Order reconciliation ----
	reconciler := orders.NewReconciler(store, store, registry, tokens, bus, cfg.ReconcileInterval)
	reconciler.SetHealth(health)
	if cfg.RespectMarketHrs {
		reconciler.SetGate(markethours.ReconcileActive)
	}
	if err := reconciler.Seed(); err != nil {
		log.Printf("[bridge] reconciler seed: %v", err)
	}
	go reconciler.Run(ctx)

	coordinator := orders.NewCoordinator(store, store, registry, resolver, tokens, bus, reconciler)

	// ---- Notifications ----
	backends := []notification.Notifier{notification.NewLogNotifier()}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		backends = append(backends, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	if cfg.WebhookURL != "" {
		backends = append(backends, notification.NewWebhookNotifier(cfg.WebhookURL))
	}
	notification.NewDispatcher(bus, notification.NewMultiNotifier(backends...))

	// ---- WebSocket fan-out ----
	hub := gateway.NewHub(rdb, cfg.ReplayBufferSize)
	go hub.Run(ctx)

	// ---- HTTP API ----
	server := api.NewServer(tokens, coordinator, store, store, resolver, syncSvc, hub)
	httpSrv := &http.Server{
		Addr:    cfg.APIAddr,
		Handler: server.Handler(),
	}
	go func() {
		log.Printf("[bridge] api listening on %s", cfg.APIAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[bridge] api server: %v", err)
		}
	}()

	// ---- Shutdown ----
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("[bridge] shutting down...")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[bridge] api shutdown: %v", err)
	}
	metricsSrv.Stop(shutdownCtx)
	log.Println("[bridge] stopped")
}
