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

	"github.com/MarkoPoloResearchLab/wager/internal/gameserver"
	"github.com/MarkoPoloResearchLab/wager/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/wager/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/wager/pkg/ledger"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagListenAddr           = "listen-addr"
	flagGRPCListenAddr       = "grpc-listen-addr"
	flagDatabaseURL          = "database-url"
	flagStoreDriver          = "store-driver"
	flagAllowedOrigins       = "allowed-origins"
	flagJWTSigningKey        = "jwt-signing-key"
	flagJWTIssuer            = "jwt-issuer"
	flagJWTCookieName        = "jwt-cookie-name"
	flagResolveDelay         = "resolve-delay"
	flagQueueIdleTimeout     = "queue-idle-timeout"
	flagHouseBootstrapAmount = "house-bootstrap-amount"
	flagLedgerTimeout        = "ledger-timeout"
	envPrefix                = "WAGERD"

	defaultDatabaseURL = "sqlite:///tmp/wager.db"
	storeDriverGORM    = "gorm"
	storeDriverPGX     = "pgx"
	databasePostgres   = "postgres"
	databaseSQLite     = "sqlite"
)

type runtimeConfig struct {
	Server      gameserver.Config
	DatabaseURL string
	StoreDriver string
}

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "wagerd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "wagerd",
		Short:         "Head-to-head wagering game server",
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

	cmd.Flags().String(flagListenAddr, ":8080", "HTTP and websocket listen address")
	cmd.Flags().String(flagGRPCListenAddr, ":7001", "gRPC health listen address")
	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "sqlite:// path or postgres:// connection string")
	cmd.Flags().String(flagStoreDriver, storeDriverGORM, "ledger store implementation (gorm or pgx)")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	cmd.Flags().String(flagJWTSigningKey, "", "TAuth JWT signing key (required)")
	cmd.Flags().String(flagJWTIssuer, "tauth", "expected JWT issuer")
	cmd.Flags().String(flagJWTCookieName, "app_session", "JWT cookie name")
	cmd.Flags().Duration(flagResolveDelay, 2*time.Second, "pause between match and resolution")
	cmd.Flags().Duration(flagQueueIdleTimeout, 0, "cancel queued searches after this long (0 disables)")
	cmd.Flags().String(flagHouseBootstrapAmount, "10", "one-time house balance grant in major units")
	cmd.Flags().Duration(flagLedgerTimeout, 3*time.Second, "timeout for each ledger call")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, flagName := range []string{
		flagListenAddr, flagGRPCListenAddr, flagDatabaseURL, flagStoreDriver, flagAllowedOrigins,
		flagJWTSigningKey, flagJWTIssuer, flagJWTCookieName, flagResolveDelay, flagQueueIdleTimeout,
		flagHouseBootstrapAmount, flagLedgerTimeout,
	} {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(v.GetString(flagStoreDriver)))
	switch cfg.StoreDriver {
	case storeDriverGORM:
	case storeDriverPGX:
		if driver, _, err := resolveDriver(cfg.DatabaseURL); err != nil || driver != databasePostgres {
			return fmt.Errorf("%s=%s requires a postgres database url", flagStoreDriver, storeDriverPGX)
		}
	default:
		return fmt.Errorf("unsupported %s %q", flagStoreDriver, cfg.StoreDriver)
	}

	cfg.Server = gameserver.Config{
		ListenAddr:           strings.TrimSpace(v.GetString(flagListenAddr)),
		GRPCListenAddr:       strings.TrimSpace(v.GetString(flagGRPCListenAddr)),
		AllowedOrigins:       gameserver.ParseAllowedOrigins(v.GetString(flagAllowedOrigins)),
		SessionSigningKey:    v.GetString(flagJWTSigningKey),
		SessionIssuer:        strings.TrimSpace(v.GetString(flagJWTIssuer)),
		SessionCookieName:    strings.TrimSpace(v.GetString(flagJWTCookieName)),
		ResolveDelay:         v.GetDuration(flagResolveDelay),
		QueueIdleTimeout:     v.GetDuration(flagQueueIdleTimeout),
		HouseBootstrapAmount: strings.TrimSpace(v.GetString(flagHouseBootstrapAmount)),
		LedgerTimeout:        v.GetDuration(flagLedgerTimeout),
	}
	return cfg.Server.Validate()
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	clock := func() int64 { return time.Now().UTC().Unix() }
	ledgerService, err := ledger.NewService(store, clock, ledger.WithOperationLogger(gameserver.NewZapOperationLogger(logger.Named("ledger"))))
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}

	server, err := gameserver.NewServer(cfg.Server, ledgerService, logger)
	if err != nil {
		return fmt.Errorf("game server init: %w", err)
	}
	logger.Info("wagerd starting",
		zap.String("listen_addr", cfg.Server.ListenAddr),
		zap.String("grpc_listen_addr", cfg.Server.GRPCListenAddr),
		zap.String("store_driver", cfg.StoreDriver),
	)
	return server.Run(ctx)
}

func openStore(ctx context.Context, cfg *runtimeConfig) (ledger.Store, func(), error) {
	if cfg.StoreDriver == storeDriverPGX {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database open: %w", err)
		}
		store := pgstore.New(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("ensure schema: %w", err)
		}
		return store, pool.Close, nil
	}

	gormDB, closeDB, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("database open: %w", err)
	}
	store := gormstore.New(gormDB)
	if err := store.AutoMigrate(ctx); err != nil {
		_ = closeDB()
		return nil, nil, fmt.Errorf("auto migrate: %w", err)
	}
	return store, func() { _ = closeDB() }, nil
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, err
	}

	var db *gorm.DB
	switch driver {
	case databasePostgres:
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	case databaseSQLite:
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
	if driver == databaseSQLite {
		sqlDB.SetMaxOpenConns(1)
	}
	return db.WithContext(ctx), sqlDB.Close, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return databasePostgres, "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		parsed, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := parsed.Path
		if path == "" {
			path = parsed.Host
		}
		if path == "" || path == "/" {
			path = "wager.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return databaseSQLite, sqlitePath, err
	}
	sqlitePath, err := normalizeSQLitePath(dsn)
	return databaseSQLite, sqlitePath, err
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
