package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"x-ui-provisioner/internal/app/master"
	"x-ui-provisioner/internal/config"
	"x-ui-provisioner/internal/database"
	"x-ui-provisioner/internal/logger"
	"x-ui-provisioner/internal/notify"
	"x-ui-provisioner/internal/panel"
	"x-ui-provisioner/internal/reconciler"
	"x-ui-provisioner/internal/repository"
	"x-ui-provisioner/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/mymmrac/telego"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger.InitLogger(logger.ParseLevel(cfg.LogLevel))
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("database connection error: %v", err)
	}
	if cfg.AutoMigrate {
		if err := database.AutoMigrate(db); err != nil {
			log.Fatalf("database migration error: %v", err)
		}
	}

	rdb, err := database.ConnectRedis(ctx, cfg)
	if err != nil {
		log.Fatalf("redis error: %v", err)
	}

	var (
		seq    repository.SequenceAllocator = repository.NewDBSequenceAllocator()
		dedupe notify.Deduper               = notify.NewMemoryDeduper()
	)
	if rdb != nil {
		defer rdb.Close()
		seq = repository.NewRedisSequenceAllocator(rdb)
		dedupe = notify.NewRedisDeduper(rdb)
	}

	var notifier notify.Notifier = notify.LogNotifier{}
	if cfg.TelegramToken != "" && cfg.TelegramAdminChatID != 0 {
		bot, err := telego.NewBot(cfg.TelegramToken)
		if err != nil {
			log.Fatalf("telegram bot error: %v", err)
		}
		notifier = notify.NewTelegramNotifier(bot, cfg.TelegramAdminChatID, cfg.File.Topics, dedupe)
		logger.Info("admin notifications go to telegram")
	}

	gateway := panel.NewGateway(panel.HTTPDialer(cfg.PanelTimeout))
	settings := service.NewSettingService(db, cfg.File.Settings)
	lifecycle := service.NewClientLifecycleService(gateway, settings, seq, notifier)
	panels := service.NewPanelService(db)

	monitor := service.NewHealthMonitor(panels, gateway, notifier, cfg.HealthCheckSchedule)
	if err := monitor.Start(); err != nil {
		log.Fatalf("health monitor error: %v", err)
	}
	defer monitor.Stop()

	loops := reconciler.New(db, lifecycle, notifier, cfg.UsageSyncSchedule, cfg.ExpirySweepSchedule)
	if err := loops.Start(); err != nil {
		log.Fatalf("reconciler error: %v", err)
	}
	defer loops.Stop()

	server := master.NewServer(master.Deps{
		DB:          db,
		Lifecycle:   lifecycle,
		Panels:      panels,
		Settings:    settings,
		Health:      monitor,
		UsageSync:   loops.UsageSync,
		ExpirySweep: loops.ExpirySweep,
		Callers:     master.NewCallers(cfg.File.Callers),
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(":" + cfg.HTTPPort)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Errorf("admin API stopped: %v", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warningf("admin API shutdown: %v", err)
	}
}
