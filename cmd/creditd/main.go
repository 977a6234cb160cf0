package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/VirtualStagingLab/credits/internal/httpserver"
	"github.com/VirtualStagingLab/credits/internal/notify"
	"github.com/VirtualStagingLab/credits/internal/store/gormstore"
	"github.com/VirtualStagingLab/credits/internal/store/pgstore"
	"github.com/VirtualStagingLab/credits/internal/sweeper"
	"github.com/VirtualStagingLab/credits/pkg/credits"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL    = "database-url"
	flagListenAddr     = "listen-addr"
	flagAllowedOrigins = "allowed-origins"
	flagSweepInterval  = "sweep-interval"
	flagRenewalDays    = "renewal-days"
	flagStoreEngine    = "store-engine"
	flagConfigFile     = "config"

	configKeyDatabaseURL    = "database_url"
	configKeyListenAddr     = "listen_addr"
	configKeyAllowedOrigins = "allowed_origins"
	configKeySweepInterval  = "sweep_interval"
	configKeyRenewalDays    = "renewal_days"
	configKeyStoreEngine    = "store_engine"
	configKeyThresholds     = "alert_thresholds"
	configKeyPacks          = "packs"

	storeEngineGorm = "gorm"
	storeEnginePgx  = "pgx"

	defaultDatabaseURL   = "sqlite:///tmp/credits.db"
	defaultListenAddr    = ":8080"
	defaultSweepInterval = 24 * time.Hour
)

type packConfig struct {
	PackKey        string `mapstructure:"pack_key"`
	PriceID        string `mapstructure:"price_id"`
	Credits        int64  `mapstructure:"credits"`
	ValidityMonths int    `mapstructure:"validity_months"`
	GraceDays      int    `mapstructure:"grace_days"`
	AutoExtend     bool   `mapstructure:"auto_extend"`
	Label          string `mapstructure:"label"`
}

type runtimeConfig struct {
	DatabaseURL    string
	ListenAddr     string
	AllowedOrigins []string
	SweepInterval  time.Duration
	RenewalDays    int
	StoreEngine    string
	Thresholds     []int64
	Packs          []packConfig
}

// Default pack tiers, overridden by the packs key in the config file.
var defaultPacks = []packConfig{
	{PackKey: "starter", PriceID: "price_starter3", Credits: 3, ValidityMonths: 2, Label: "Starter (3 photos)"},
	{PackKey: "standard", PriceID: "price_standard10", Credits: 10, ValidityMonths: 6, Label: "Standard (10 photos)"},
	{PackKey: "bulk25", PriceID: "price_bulk25", Credits: 25, ValidityMonths: 12, GraceDays: 14, AutoExtend: true, Label: "Bulk (25 photos)"},
	{PackKey: "bulk60", PriceID: "price_bulk60", Credits: 60, ValidityMonths: 12, GraceDays: 14, AutoExtend: true, Label: "Agency (60 photos)"},
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "Staging credit ledger service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or sqlite connection string")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().StringSlice(flagAllowedOrigins, nil, "allowed CORS origins")
	cmd.Flags().Duration(flagSweepInterval, defaultSweepInterval, "expiry sweep period")
	cmd.Flags().Int(flagRenewalDays, 0, "auto-extend renewal window in days (0 uses the engine default)")
	cmd.Flags().String(flagStoreEngine, storeEngineGorm, "storage engine: gorm or pgx (pgx requires a postgres DSN)")
	cmd.Flags().String(flagConfigFile, "", "optional YAML config file with packs and alert thresholds")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:    "DATABASE_URL",
		configKeyListenAddr:     "LISTEN_ADDR",
		configKeySweepInterval:  "SWEEP_INTERVAL",
		configKeyStoreEngine:    "STORE_ENGINE",
		configKeyRenewalDays:    "RENEWAL_DAYS",
		configKeyAllowedOrigins: "ALLOWED_ORIGINS",
	}
	for key, env := range bindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}
	flagsByKey := map[string]string{
		configKeyDatabaseURL:    flagDatabaseURL,
		configKeyListenAddr:     flagListenAddr,
		configKeySweepInterval:  flagSweepInterval,
		configKeyStoreEngine:    flagStoreEngine,
		configKeyRenewalDays:    flagRenewalDays,
		configKeyAllowedOrigins: flagAllowedOrigins,
	}
	for key, flagName := range flagsByKey {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	if configPath, _ := cmd.Flags().GetString(flagConfigFile); configPath != "" {
		viper.SetConfigFile(configPath)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("read config file: %w", err)
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	cfg.AllowedOrigins = viper.GetStringSlice(configKeyAllowedOrigins)
	cfg.SweepInterval = viper.GetDuration(configKeySweepInterval)
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	cfg.RenewalDays = viper.GetInt(configKeyRenewalDays)
	cfg.StoreEngine = viper.GetString(configKeyStoreEngine)
	if cfg.StoreEngine == "" {
		cfg.StoreEngine = storeEngineGorm
	}
	if cfg.StoreEngine != storeEngineGorm && cfg.StoreEngine != storeEnginePgx {
		return fmt.Errorf("unsupported store engine %q", cfg.StoreEngine)
	}

	if viper.IsSet(configKeyThresholds) {
		for _, value := range viper.GetIntSlice(configKeyThresholds) {
			cfg.Thresholds = append(cfg.Thresholds, int64(value))
		}
	}
	cfg.Packs = defaultPacks
	if viper.IsSet(configKeyPacks) {
		var packs []packConfig
		if err := viper.UnmarshalKey(configKeyPacks, &packs); err != nil {
			return fmt.Errorf("decode packs: %w", err)
		}
		cfg.Packs = packs
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("store open: %w", err)
	}
	defer func() { _ = cleanup() }()

	packTable, err := credits.NewPackTable(packRules(cfg.Packs))
	if err != nil {
		return fmt.Errorf("pack table: %w", err)
	}

	options := []credits.ServiceOption{
		credits.WithOperationLogger(&zapOperationLogger{logger: logger}),
		credits.WithNotifier(notify.NewLogNotifier(logger)),
	}
	if len(cfg.Thresholds) > 0 {
		thresholds, err := credits.NewThresholdList(cfg.Thresholds)
		if err != nil {
			return fmt.Errorf("alert thresholds: %w", err)
		}
		options = append(options, credits.WithThresholds(thresholds))
	}
	if cfg.RenewalDays > 0 {
		options = append(options, credits.WithRenewalDays(cfg.RenewalDays))
	}

	creditService, err := credits.NewService(store, packTable, options...)
	if err != nil {
		return fmt.Errorf("credit service init: %w", err)
	}

	go sweeper.Run(ctx, creditService, cfg.SweepInterval, logger)

	server := httpserver.New(logger, creditService)
	return server.Run(ctx, httpserver.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
	})
}

func openStore(ctx context.Context, cfg *runtimeConfig) (credits.Store, func() error, error) {
	driver, sqlitePath, err := resolveDriver(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}

	if cfg.StoreEngine == storeEnginePgx {
		if driver != "postgres" {
			return nil, nil, fmt.Errorf("pgx store engine requires a postgres DSN")
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return pgstore.New(pool), func() error { pool.Close(); return nil }, nil
	}

	var db *gorm.DB
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
	default:
		return nil, nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	// Postgres schemas are managed by migrations; sqlite gets them here.
	if driver == "sqlite" {
		if err := gormstore.Migrate(db); err != nil {
			_ = sqlDB.Close()
			return nil, nil, fmt.Errorf("auto migrate: %w", err)
		}
	}
	return gormstore.New(db.WithContext(ctx)), sqlDB.Close, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "credits.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

func packRules(configs []packConfig) []credits.PackRule {
	rules := make([]credits.PackRule, 0, len(configs))
	for _, config := range configs {
		rules = append(rules, credits.PackRule{
			PackKey:        config.PackKey,
			PriceID:        config.PriceID,
			Credits:        config.Credits,
			ValidityMonths: config.ValidityMonths,
			GraceDays:      config.GraceDays,
			AutoExtend:     config.AutoExtend,
			Label:          config.Label,
		})
	}
	return rules
}

// zapOperationLogger adapts zap to the domain OperationLogger callback.
type zapOperationLogger struct {
	logger *zap.Logger
}

func (adapter *zapOperationLogger) LogOperation(ctx context.Context, entry credits.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if entry.UserID != "" {
		fields = append(fields, zap.String("user_id", entry.UserID))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount", entry.Amount))
	}
	if entry.SourceID != "" {
		fields = append(fields, zap.String("source_id", entry.SourceID))
	}
	if entry.Threshold != nil {
		fields = append(fields, zap.Int64("threshold", *entry.Threshold))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		adapter.logger.Warn("credit operation failed", fields...)
		return
	}
	adapter.logger.Info("credit operation", fields...)
}
