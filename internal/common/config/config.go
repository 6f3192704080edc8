package config

import (
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	Debug bool `env:"DEBUG" envDefault:"false"`

	// Registry database (tenant store). Per-tenant databases are discovered
	// from its rows at runtime.
	RegistryDatabaseURL string `env:"REGISTRY_DATABASE_URL,required"`

	Redis struct {
		Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
		Password string `env:"REDIS_PASSWORD" envDefault:""`
		DB       int    `env:"REDIS_DB" envDefault:"0"`
	}

	TenantDB struct {
		MaxOpenConns   int           `env:"TENANT_DB_MAX_OPEN_CONNS" envDefault:"10"`
		MaxIdleConns   int           `env:"TENANT_DB_MAX_IDLE_CONNS" envDefault:"2"`
		ConnMaxIdle    time.Duration `env:"TENANT_DB_CONN_MAX_IDLE" envDefault:"5m"`
		AcquireTimeout time.Duration `env:"TENANT_DB_ACQUIRE_TIMEOUT" envDefault:"10s"`
	}

	Scheduler struct {
		Interval time.Duration `env:"SCHEDULER_INTERVAL" envDefault:"30s"`
		// Upper bound on tenants processed at the same time.
		MaxConcurrentTenants int `env:"SCHEDULER_MAX_CONCURRENT_TENANTS" envDefault:"8"`
	}

	Broadcast struct {
		PageSize     int           `env:"BROADCAST_PAGE_SIZE" envDefault:"100"`
		MessageDelay time.Duration `env:"MESSAGE_DELAY" envDefault:"50ms"`
		SendRetries  int           `env:"SEND_RETRIES" envDefault:"3"`
		// Cancellation is polled once per this many sends.
		CancelCheckEvery int `env:"CANCEL_CHECK_EVERY" envDefault:"25"`
	}

	Listener struct {
		MinReconnect time.Duration `env:"LISTENER_MIN_RECONNECT" envDefault:"1s"`
		MaxReconnect time.Duration `env:"LISTENER_MAX_RECONNECT" envDefault:"30s"`
	}

	HTTP struct {
		Addr               string `env:"HTTP_ADDR" envDefault:":8081"`
		CORSAllowedOrigins string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*"`
	}

	// Global admins receive completion reports for every tenant.
	AdminIDs []int64 `env:"ADMIN_IDS" envSeparator:","`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		// Игнорируем ошибку, если .env файл не найден
		// В production окружении переменные могут быть установлены напрямую
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}
