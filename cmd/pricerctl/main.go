package main

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/streetmarket/repricer/auth"
	"github.com/streetmarket/repricer/breaker"
	"github.com/streetmarket/repricer/marketplace"
	"github.com/streetmarket/repricer/pricing"
	"github.com/streetmarket/repricer/proxypool"
	"github.com/streetmarket/repricer/ratelimit"
	"github.com/streetmarket/repricer/sessionpool"
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
		Name:    "pricerctl",
		Usage:   "admin CLI for the repricing system",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "db-url",
			Value:   "sqlite://./data/pricerd/repricer.sqlite",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.StringFlag{
			Name:    "marketplace-host",
			Value:   "https://marketplace.example.com",
			EnvVars: []string{"PRICERD_MARKETPLACE_HOST"},
		},
		&cli.StringFlag{
			Name:    "session-key",
			Usage:   "hex-encoded 32-byte key sealing stored sessions",
			EnvVars: []string{"PRICERD_SESSION_KEY"},
		},
		&cli.StringFlag{
			Name:    "log-level",
			Value:   "warn",
			EnvVars: []string{"PRICERD_LOG_LEVEL", "LOG_LEVEL"},
		},
	}

	app.Commands = []*cli.Command{
		poolCmd,
		repriceCmd,
		loginCmd,
	}

	return app.Run(args)
}

func setup(cctx *cli.Context) error {
	_, err := util.SetupSlog(util.LogOptions{LogLevel: cctx.String("log-level"), LogFormat: "text"})
	return err
}

func openDB(cctx *cli.Context) (*proxypool.Pool, error) {
	db, err := util.SetupDatabase(cctx.String("db-url"), 4)
	if err != nil {
		return nil, err
	}
	pool := proxypool.NewPool(db, nil)
	if err := pool.MigrateDatabase(); err != nil {
		return nil, err
	}
	return pool, nil
}

// buildEngine assembles the same object graph the daemon runs, minus the
// background workers.
func buildEngine(cctx *cli.Context) (*pricing.Engine, *auth.Manager, error) {
	key, err := hex.DecodeString(cctx.String("session-key"))
	if err != nil {
		return nil, nil, fmt.Errorf("parsing session-key: %w", err)
	}
	crypto, err := auth.NewCrypto(key)
	if err != nil {
		return nil, nil, fmt.Errorf("session-key must be 32 bytes of hex: %w", err)
	}

	db, err := util.SetupDatabase(cctx.String("db-url"), 4)
	if err != nil {
		return nil, nil, err
	}

	store := auth.NewGormSessionStore(db, crypto)
	if err := store.MigrateDatabase(); err != nil {
		return nil, nil, err
	}
	if err := db.AutoMigrate(&proxypool.Proxy{}, &pricing.ProductConfig{}, &pricing.PriceHistory{}, &pricing.StoreSettings{}); err != nil {
		return nil, nil, err
	}

	sessions := sessionpool.NewPool(sessionpool.DefaultConfig(),
		ratelimit.NewLimiter(8, 16),
		ratelimit.NewAdaptiveThrottle(ratelimit.DefaultThrottleConfig()),
		breaker.NewRegistry(),
	)
	client := marketplace.NewClient(cctx.String("marketplace-host"), sessions)
	manager := auth.NewManager(store, client)

	rotators, err := proxypool.NewRotatorCache(db, proxypool.DefaultRotatorConfig(), 0)
	if err != nil {
		return nil, nil, err
	}

	engine := pricing.NewEngine(db, client, manager, rotators, 10, 10)
	return engine, manager, nil
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

var poolCmd = &cli.Command{
	Name:  "pool",
	Usage: "inspect and manage the proxy inventory",
	Subcommands: []*cli.Command{
		&cli.Command{
			Name:  "status",
			Usage: "show proxy counts by status and module",
			Action: func(cctx *cli.Context) error {
				if err := setup(cctx); err != nil {
					return err
				}
				pool, err := openDB(cctx)
				if err != nil {
					return err
				}
				avail, err := pool.CheckAvailability(cctx.Context, cctx.Int("min-available"))
				if err != nil {
					return err
				}
				byModule, err := pool.StatusByModule(cctx.Context)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{
					"availability": avail,
					"by_module":    byModule,
				})
			},
			Flags: []cli.Flag{
				&cli.IntFlag{
					Name:  "min-available",
					Value: 20,
				},
			},
		},
		&cli.Command{
			Name:      "allocate",
			Usage:     "assign available proxies to a user, per module",
			ArgsUsage: `<user-id>`,
			Flags: []cli.Flag{
				&cli.IntFlag{Name: "pricing", Value: 0},
				&cli.IntFlag{Name: "orders", Value: 0},
				&cli.IntFlag{Name: "catalog", Value: 0},
				&cli.IntFlag{Name: "reserve", Value: 0},
			},
			Action: func(cctx *cli.Context) error {
				if err := setup(cctx); err != nil {
					return err
				}
				userID := cctx.Args().First()
				if userID == "" {
					return fmt.Errorf("need user id to allocate to")
				}
				pool, err := openDB(cctx)
				if err != nil {
					return err
				}
				distribution := map[string]int{
					proxypool.ModulePricing: cctx.Int("pricing"),
					proxypool.ModuleOrders:  cctx.Int("orders"),
					proxypool.ModuleCatalog: cctx.Int("catalog"),
					proxypool.ModuleReserve: cctx.Int("reserve"),
				}
				if err := pool.AllocateToUser(cctx.Context, userID, distribution); err != nil {
					return err
				}
				fmt.Println("allocated")
				return nil
			},
		},
		&cli.Command{
			Name:      "deallocate",
			Usage:     "return all of a user's proxies to the shared pool",
			ArgsUsage: `<user-id>`,
			Action: func(cctx *cli.Context) error {
				if err := setup(cctx); err != nil {
					return err
				}
				userID := cctx.Args().First()
				if userID == "" {
					return fmt.Errorf("need user id to deallocate")
				}
				pool, err := openDB(cctx)
				if err != nil {
					return err
				}
				n, err := pool.DeallocateFromUser(cctx.Context, userID)
				if err != nil {
					return err
				}
				fmt.Printf("released %d proxies\n", n)
				return nil
			},
		},
	},
}

var repriceCmd = &cli.Command{
	Name:      "reprice",
	Usage:     "run one reprice cycle for a single product",
	ArgsUsage: `<product-id>`,
	Action: func(cctx *cli.Context) error {
		if err := setup(cctx); err != nil {
			return err
		}
		productID := cctx.Args().First()
		if productID == "" {
			return fmt.Errorf("need product id to reprice")
		}
		engine, _, err := buildEngine(cctx)
		if err != nil {
			return err
		}
		res, err := engine.RepriceProduct(cctx.Context, productID)
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var loginCmd = &cli.Command{
	Name:      "login",
	Usage:     "log a merchant account in and store its session",
	ArgsUsage: `<account-id>`,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "email",
			Required: true,
		},
		&cli.StringFlag{
			Name:     "password",
			Required: true,
			EnvVars:  []string{"PRICERCTL_PASSWORD"},
		},
	},
	Action: func(cctx *cli.Context) error {
		if err := setup(cctx); err != nil {
			return err
		}
		accountID := cctx.Args().First()
		if accountID == "" {
			return fmt.Errorf("need account id to log in")
		}
		_, manager, err := buildEngine(cctx)
		if err != nil {
			return err
		}

		res, err := manager.Login(cctx.Context, accountID, cctx.String("email"), cctx.String("password"), nil)
		if err != nil {
			return err
		}
		if res.Status == auth.StatusAuthenticated {
			fmt.Printf("logged in as %s (%s)\n", res.Session.ShopName, res.Session.MerchantID)
			return nil
		}

		fmt.Print("SMS code: ")
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil {
			return err
		}
		sess, err := manager.CompleteSms(cctx.Context, accountID, res.Partial, strings.TrimSpace(line), nil)
		if err != nil {
			return err
		}
		fmt.Printf("logged in as %s (%s)\n", sess.ShopName, sess.MerchantID)
		return nil
	},
}
