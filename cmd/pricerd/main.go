package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/streetmarket/repricer/auth"
	"github.com/streetmarket/repricer/breaker"
	"github.com/streetmarket/repricer/marketplace"
	"github.com/streetmarket/repricer/pricing"
	"github.com/streetmarket/repricer/proxypool"
	"github.com/streetmarket/repricer/ratelimit"
	"github.com/streetmarket/repricer/sessionpool"
	"github.com/streetmarket/repricer/status"
	"github.com/streetmarket/repricer/util"

	_ "github.com/joho/godotenv/autoload"

	"github.com/carlmjohnson/versioninfo"
	"github.com/urfave/cli/v2"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "pricerd",
		Usage:   "marketplace repricing daemon",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "db-url",
			Usage:   "database connection string",
			Value:   "sqlite://./data/pricerd/repricer.sqlite",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.IntFlag{
			Name:    "max-db-connections",
			Value:   40,
			EnvVars: []string{"MAX_DB_CONNECTIONS"},
		},
		&cli.StringFlag{
			Name:    "marketplace-host",
			Usage:   "scheme, hostname, and port of the marketplace",
			Value:   "https://marketplace.example.com",
			EnvVars: []string{"PRICERD_MARKETPLACE_HOST"},
		},
		&cli.StringFlag{
			Name:    "session-key",
			Usage:   "hex-encoded 32-byte key sealing stored sessions",
			EnvVars: []string{"PRICERD_SESSION_KEY"},
		},
		&cli.StringFlag{
			Name:    "status-listen",
			Usage:   "IP or address, and port, to listen on for status and metrics APIs",
			Value:   ":3999",
			EnvVars: []string{"PRICERD_STATUS_LISTEN"},
		},
		&cli.Float64Flag{
			Name:    "request-rate",
			Usage:   "steady-state outbound requests per second",
			Value:   8,
			EnvVars: []string{"PRICERD_REQUEST_RATE"},
		},
		&cli.IntFlag{
			Name:    "request-burst",
			Value:   16,
			EnvVars: []string{"PRICERD_REQUEST_BURST"},
		},
		&cli.Int64Flag{
			Name:    "price-floor",
			Usage:   "marketplace-wide minimum price in minor units",
			Value:   10,
			EnvVars: []string{"PRICERD_PRICE_FLOOR"},
		},
		&cli.Int64Flag{
			Name:    "price-step",
			Usage:   "default undercut step in minor units",
			Value:   10,
			EnvVars: []string{"PRICERD_PRICE_STEP"},
		},
		&cli.DurationFlag{
			Name:    "reprice-interval",
			Value:   5 * time.Minute,
			EnvVars: []string{"PRICERD_REPRICE_INTERVAL"},
		},
		&cli.IntFlag{
			Name:    "reprice-concurrency",
			Value:   4,
			EnvVars: []string{"PRICERD_REPRICE_CONCURRENCY"},
		},
		&cli.IntFlag{
			Name:    "shard-index",
			Usage:   "which product shard this instance owns",
			Value:   0,
			EnvVars: []string{"PRICERD_SHARD_INDEX"},
		},
		&cli.IntFlag{
			Name:    "shard-count",
			Usage:   "total daemon instances sweeping products",
			Value:   1,
			EnvVars: []string{"PRICERD_SHARD_COUNT"},
		},
		&cli.StringFlag{
			Name:    "proxy-provision-url",
			Usage:   "base URL of the proxy vendor API; empty disables provisioning",
			EnvVars: []string{"PRICERD_PROXY_PROVISION_URL"},
		},
		&cli.StringFlag{
			Name:    "proxy-provision-key",
			EnvVars: []string{"PRICERD_PROXY_PROVISION_KEY"},
		},
		&cli.IntFlag{
			Name:    "proxy-min-available",
			Usage:   "provisioning threshold reported on the status API",
			Value:   20,
			EnvVars: []string{"PRICERD_PROXY_MIN_AVAILABLE"},
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log verbosity level (eg: warn, info, debug)",
			EnvVars: []string{"PRICERD_LOG_LEVEL", "LOG_LEVEL"},
		},
	}

	app.Action = runPricerd
	return app.Run(args)
}

func runPricerd(cctx *cli.Context) error {
	// Trap SIGINT and SIGTERM to trigger a shutdown.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	logger, err := util.SetupSlog(util.LogOptions{LogLevel: cctx.String("log-level")})
	if err != nil {
		return err
	}

	key, err := hex.DecodeString(cctx.String("session-key"))
	if err != nil {
		return fmt.Errorf("parsing session-key: %w", err)
	}
	crypto, err := auth.NewCrypto(key)
	if err != nil {
		return fmt.Errorf("session-key must be 32 bytes of hex: %w", err)
	}

	db, err := util.SetupDatabase(cctx.String("db-url"), cctx.Int("max-db-connections"))
	if err != nil {
		return err
	}

	var provisioner proxypool.Provisioner
	if purl := cctx.String("proxy-provision-url"); purl != "" {
		provisioner = &proxypool.HTTPProvisioner{
			BaseURL: purl,
			APIKey:  cctx.String("proxy-provision-key"),
			Client:  util.RobustHTTPClient(),
		}
	}
	proxies := proxypool.NewPool(db, provisioner)
	if err := proxies.MigrateDatabase(); err != nil {
		return err
	}

	sessionStore := auth.NewGormSessionStore(db, crypto)
	if err := sessionStore.MigrateDatabase(); err != nil {
		return err
	}
	if err := db.AutoMigrate(&pricing.ProductConfig{}, &pricing.PriceHistory{}, &pricing.StoreSettings{}); err != nil {
		return err
	}

	breakers := breaker.NewRegistry()
	limiter := ratelimit.NewLimiter(cctx.Float64("request-rate"), cctx.Int("request-burst"))
	throttle := ratelimit.NewAdaptiveThrottle(ratelimit.DefaultThrottleConfig())
	sessions := sessionpool.NewPool(sessionpool.DefaultConfig(), limiter, throttle, breakers)

	client := marketplace.NewClient(cctx.String("marketplace-host"), sessions)
	manager := auth.NewManager(sessionStore, client)

	rotators, err := proxypool.NewRotatorCache(db, proxypool.DefaultRotatorConfig(), 0)
	if err != nil {
		return err
	}

	engine := pricing.NewEngine(db, client, manager, rotators,
		cctx.Int64("price-floor"), cctx.Int64("price-step"))

	wcfg := pricing.DefaultWorkerConfig()
	wcfg.Interval = cctx.Duration("reprice-interval")
	wcfg.Concurrency = int64(cctx.Int("reprice-concurrency"))
	wcfg.ShardIndex = cctx.Int("shard-index")
	wcfg.ShardCount = cctx.Int("shard-count")
	worker := pricing.NewWorker(engine, wcfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessions.StartReaper(ctx)
	go worker.Run(ctx)

	srv := status.NewServer(db, breakers, proxies, cctx.Int("proxy-min-available"))
	srvErr := make(chan error, 1)
	go func() {
		srvErr <- srv.Start(cctx.String("status-listen"))
	}()

	logger.Info("startup complete",
		"shard", wcfg.ShardIndex,
		"shards", wcfg.ShardCount,
		"marketplace", cctx.String("marketplace-host"))

	select {
	case <-signals:
		logger.Info("received shutdown signal")
	case err := <-srvErr:
		if err != nil {
			logger.Error("status server failed", "err", err)
		}
		logger.Info("shutting down")
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("error during status server shutdown", "err", err)
	}
	sessions.Close()

	logger.Info("shutdown complete")
	return nil
}
