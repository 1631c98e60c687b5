package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/sentinel_vault/config"
	"github.com/sentinel_vault/handler"
	"github.com/sentinel_vault/model"
	"github.com/sentinel_vault/repository"
	"github.com/sentinel_vault/router"
	"github.com/sentinel_vault/service"
)

func main() {
	cfg := config.Load()

	db := initDB(cfg)

	txRepo := repository.NewTransactionRepository(db)
	alertRepo := repository.NewAlertRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	agentRepo := repository.NewAgentRepository(db)
	vendorRepo := repository.NewVendorRepository(db)
	walletRepo := repository.NewWalletRepository(db)
	scheduleRepo := repository.NewScheduleRepository(db)
	savingsRepo := repository.NewSavingsRepository(db)
	execLogRepo := repository.NewExecutionLogRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)

	keys := service.NewKeyService(cfg.AgentEncryptionSecret, cfg.LegacyEncryptionKey)
	notifier := service.NewNotifier(cfg.WebhookURL, cfg.SlackWebhookURL)

	ledgers := initLedgers(cfg)
	defaultLedger, ok := ledgers[cfg.DefaultNetwork]
	if !ok {
		log.Fatalf("default network %s has no ledger client", cfg.DefaultNetwork)
	}

	watchdog := service.NewWatchdog(defaultLedger, txRepo, agentRepo, vendorRepo, alertRepo, auditRepo, notifier)

	paymentLedgers := make(map[string]service.PaymentLedger, len(ledgers))
	for name, l := range ledgers {
		paymentLedgers[name] = l
	}
	executor := service.NewExecutor(paymentLedgers, cfg.DefaultNetwork,
		scheduleRepo, savingsRepo, walletRepo, execLogRepo, notificationRepo, keys, notifier)

	authHandler := handler.NewAuthHandler(cfg)
	monitorHandler := handler.NewMonitorHandler(watchdog, defaultLedger, txRepo, alertRepo, agentRepo, vendorRepo, auditRepo)
	scheduleHandler := handler.NewScheduleHandler(cfg, scheduleRepo, savingsRepo, execLogRepo, notificationRepo, auditRepo)
	walletHandler := handler.NewWalletHandler(cfg, walletRepo, keys, auditRepo, ledgers)

	engine := router.SetupRouter(cfg, authHandler, monitorHandler, scheduleHandler, walletHandler)
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: engine}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return watchdog.Run(ctx) })
	g.Go(func() error { return executor.Run(ctx) })
	g.Go(func() error {
		log.Printf("api listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("supervisor stopped: %v", err)
	}
	log.Println("supervisor stopped")
}

func initDB(cfg *config.Config) *gorm.DB {
	db, err := gorm.Open(postgres.Open(cfg.DatabaseDSN), &gorm.Config{})
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	if err := model.AutoMigrate(db); err != nil {
		log.Fatalf("migrate database: %v", err)
	}
	return db
}

// initLedgers dials every network with a configured vault. The default
// network is required; others are optional.
func initLedgers(cfg *config.Config) map[string]*service.LedgerClient {
	ledgers := make(map[string]*service.LedgerClient)
	for name, network := range cfg.Networks {
		if network.VaultAddress == "" {
			if name == cfg.DefaultNetwork {
				log.Fatalf("default network %s has no vault contract configured", name)
			}
			continue
		}
		client, err := service.NewLedgerClient(network)
		if err != nil {
			if name == cfg.DefaultNetwork {
				log.Fatalf("dial %s: %v", name, err)
			}
			log.Printf("skipping network %s: %v", name, err)
			continue
		}
		ledgers[name] = client
	}
	return ledgers
}
