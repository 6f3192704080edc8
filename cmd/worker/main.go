package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"botfleet-backend/internal/bridge"
	"botfleet-backend/internal/cache/redis"
	"botfleet-backend/internal/campaign"
	"botfleet-backend/internal/common/config"
	"botfleet-backend/internal/common/logger"
	httpserver "botfleet-backend/internal/http"
	"botfleet-backend/internal/lifecycle"
	"botfleet-backend/internal/modules"
	"botfleet-backend/internal/platform/db"
	rplatform "botfleet-backend/internal/platform/redis"
	"botfleet-backend/internal/platform/telegram"
	"botfleet-backend/internal/registry"
	"botfleet-backend/internal/scheduler"
	"botfleet-backend/internal/tenantdb"
)

func main() {
	// Загружаем конфигурацию
	cfg, err := config.Load()
	if err != nil {
		logger.Init("botfleet-worker", true)
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger.Init("botfleet-worker", cfg.Debug)

	instanceID := uuid.NewString()
	logger.Info().
		Str("instance_id", instanceID).
		Bool("debug", cfg.Debug).
		Msg("Starting botfleet worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Реестр тенантов
	registryDB, err := db.Open(ctx, cfg.RegistryDatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to registry database")
	}
	defer registryDB.Close()

	store := registry.NewStore(registryDB)
	if err := store.Migrate(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to migrate registry schema")
	}
	logger.Info().Msg("Registry database ready")

	// Redis для кэша настроек модулей
	redisClient, err := rplatform.Open(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer redisClient.Close()

	settingsCache := redis.NewSettingsCache(redisClient, 10*time.Minute)

	// Реестр модулей
	mods := modules.NewRegistry(store, settingsCache)
	for _, m := range modules.Builtin() {
		mods.Register(m)
	}
	order, err := mods.ResolveOrder()
	if err != nil {
		logger.Fatal().Err(err).Msg("Module dependency resolution failed")
	}
	logger.Info().Strs("order", order).Msg("Modules registered")

	// Пулы per-tenant баз
	pools := tenantdb.NewManager(tenantdb.PoolConfig{
		MaxOpenConns:   cfg.TenantDB.MaxOpenConns,
		MaxIdleConns:   cfg.TenantDB.MaxIdleConns,
		ConnMaxIdle:    cfg.TenantDB.ConnMaxIdle,
		AcquireTimeout: cfg.TenantDB.AcquireTimeout,
	})
	defer pools.CloseAll()

	// Менеджер жизненного цикла ботов
	fleet := lifecycle.NewManager(store, pools, mods, func(token string) lifecycle.BotClient {
		return telegram.NewClient(token)
	})
	if err := fleet.Reconcile(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Initial reconciliation failed")
	}
	defer fleet.StopAll()

	// Мост уведомлений и планировщик
	wake := make(chan struct{}, 1)
	notifBridge := bridge.New(cfg.RegistryDatabaseURL, cfg.Listener.MinReconnect, cfg.Listener.MaxReconnect, fleet, mods, wake)
	go notifBridge.Run(ctx)

	tenantStore := tenantdb.NewStore()
	engine := campaign.NewEngine(tenantStore, mods, campaign.Config{
		PageSize:         cfg.Broadcast.PageSize,
		MessageDelay:     cfg.Broadcast.MessageDelay,
		SendRetries:      cfg.Broadcast.SendRetries,
		CancelCheckEvery: cfg.Broadcast.CancelCheckEvery,
	}, cfg.AdminIDs)

	sched := scheduler.New(fleet, pools, tenantStore, engine,
		cfg.Scheduler.Interval, cfg.Scheduler.MaxConcurrentTenants, wake)
	go sched.Run(ctx)

	// Операционный HTTP
	ops := httpserver.NewServer(store, fleet, pools, cfg.HTTP.CORSAllowedOrigins, cfg.Debug)
	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      ops.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", cfg.HTTP.Addr).Msg("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Failed to start HTTP server")
		}
	}()

	// Ждем сигнала для graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server forced to shutdown")
	}

	logger.Info().Msg("Worker exited")
}
