package gateway

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/llmgate/internal/cache"
	"github.com/BaSui01/llmgate/internal/database"
	"github.com/BaSui01/llmgate/internal/metrics"
)

// CoreConfig carries the initialization inputs the core accepts: the
// persistent-store connection string, the init-script path for table
// creation, cache sizing, and the client pool size.
type CoreConfig struct {
	DSN             string
	InitScriptPath  string
	CacheTTL        time.Duration
	CacheMaxEntries int
	PoolSize        int

	Dispatch DispatchConfig

	// RedisAddr enables the cross-process model-list cache when non-empty.
	RedisAddr     string
	ModelCacheTTL time.Duration

	DBPool database.PoolConfig

	// MetricsRegisterer receives the gateway collectors. Nil means the
	// default Prometheus registry.
	MetricsRegisterer prometheus.Registerer
}

// DefaultCoreConfig returns a config suitable for local development.
func DefaultCoreConfig() CoreConfig {
	return CoreConfig{
		DSN:             "llmgate.db",
		CacheTTL:        time.Hour,
		CacheMaxEntries: 1000,
		PoolSize:        4,
		Dispatch:        DefaultDispatchConfig(),
		ModelCacheTTL:   5 * time.Minute,
		DBPool:          database.DefaultPoolConfig(),
	}
}

// Core assembles the credential-and-dispatch engine: store, decrypted key
// cache, call-log sink, and dispatcher. It is the explicit value form of the
// process-wide gateway state.
type Core struct {
	DB         *gorm.DB
	DBPool     *database.PoolManager
	Keys       *KeyStore
	KeyCache   *KeyCache
	CallLogs   *CallLogStore
	Dispatcher *Dispatcher
	Collector  *metrics.Collector
	ModelCache *cache.Manager

	config CoreConfig
	logger *zap.Logger
}

// OpenDatabase opens a gorm connection, selecting the driver from the DSN:
// postgres for "postgres://" / key=value DSNs, mysql for "@tcp(" DSNs,
// sqlite otherwise.
func OpenDatabase(dsn string) (*gorm.DB, error) {
	gcfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"), strings.Contains(dsn, "host="):
		return gorm.Open(postgres.Open(dsn), gcfg)
	case strings.Contains(dsn, "@tcp("):
		return gorm.Open(mysql.Open(dsn), gcfg)
	default:
		return gorm.Open(sqlite.Open(dsn), gcfg)
	}
}

// NewCore opens the store, creates the schema, preloads the decrypted key
// cache, and wires the dispatcher. Adapters are registered by the caller.
func NewCore(ctx context.Context, cfg CoreConfig, logger *zap.Logger) (*Core, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if cfg.DBPool == (database.PoolConfig{}) {
		cfg.DBPool = database.DefaultPoolConfig()
	}

	db, err := OpenDatabase(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	dbPool, err := database.NewPoolManager(db, cfg.DBPool, logger)
	if err != nil {
		return nil, err
	}

	if err := initSchema(db, cfg.InitScriptPath); err != nil {
		return nil, err
	}

	keys := NewKeyStore(db, logger)
	keyCache := NewKeyCache(KeyCacheConfig{TTL: cfg.CacheTTL, MaxEntries: cfg.CacheMaxEntries}, logger)
	if err := keyCache.Preload(ctx, keys); err != nil {
		return nil, err
	}

	callLogs := NewCallLogStore(db, logger)
	collector := metrics.NewCollector("llmgate", cfg.MetricsRegisterer, logger)

	opts := []DispatcherOption{
		WithCallSink(callLogs),
		WithCollector(collector),
	}

	var modelCache *cache.Manager
	if cfg.RedisAddr != "" {
		cacheCfg := cache.DefaultConfig()
		cacheCfg.Addr = cfg.RedisAddr
		modelCache, err = cache.NewManager(cacheCfg, logger)
		if err != nil {
			// 模型列表缓存是可选的，Redis 不可用时降级为直连
			logger.Warn("model cache unavailable, continuing without it", zap.Error(err))
		} else {
			opts = append(opts, WithModelCache(modelCache, cfg.ModelCacheTTL))
		}
	}

	dispatcher := NewDispatcher(cfg.Dispatch, logger, opts...)

	return &Core{
		DB:         db,
		DBPool:     dbPool,
		Keys:       keys,
		KeyCache:   keyCache,
		CallLogs:   callLogs,
		Dispatcher: dispatcher,
		Collector:  collector,
		ModelCache: modelCache,
		config:     cfg,
		logger:     logger.With(zap.String("component", "core")),
	}, nil
}

// initSchema creates the tables, preferring the operator-provided init
// script and falling back to AutoMigrate.
func initSchema(db *gorm.DB, initScriptPath string) error {
	if initScriptPath != "" {
		script, err := os.ReadFile(initScriptPath)
		if err != nil {
			return fmt.Errorf("read init script: %w", err)
		}
		for _, stmt := range strings.Split(string(script), ";") {
			stmt = strings.TrimSpace(stmt)
			if stmt == "" {
				continue
			}
			if err := db.Exec(stmt).Error; err != nil {
				return fmt.Errorf("execute init script statement: %w", err)
			}
		}
		return nil
	}
	if err := db.AutoMigrate(&ProviderKey{}, &CallLog{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// ReloadProvider refreshes a provider's active sequence after store
// mutations and updates the active-keys gauge.
func (c *Core) ReloadProvider(ctx context.Context, provider string) error {
	if err := c.KeyCache.Reload(ctx, c.Keys, provider); err != nil {
		return err
	}
	if c.Collector != nil {
		c.Collector.SetActiveKeys(provider, c.KeyCache.ActiveCount(provider))
	}
	return nil
}

// Close releases the core's resources.
func (c *Core) Close() error {
	if c.ModelCache != nil {
		if err := c.ModelCache.Close(); err != nil {
			c.logger.Warn("closing model cache", zap.Error(err))
		}
	}
	return c.DBPool.Close()
}
