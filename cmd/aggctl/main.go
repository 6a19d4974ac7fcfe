// aggctl — разовые операции без поднятия сервиса: агрегация в stdout,
// загрузка дашбордов в Postgres и подготовка хэшей API-ключей.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/xela07ax/telemetry-aggregator/internal/app"
	"github.com/xela07ax/telemetry-aggregator/internal/cache"
	"github.com/xela07ax/telemetry-aggregator/internal/console/handler"
	"github.com/xela07ax/telemetry-aggregator/internal/core"
	"github.com/xela07ax/telemetry-aggregator/internal/domain"
	"github.com/xela07ax/telemetry-aggregator/internal/engine"
	"github.com/xela07ax/telemetry-aggregator/internal/infra"
	"github.com/xela07ax/telemetry-aggregator/internal/infra/auth"
	"github.com/xela07ax/telemetry-aggregator/internal/repository/postgres"
)

func main() {
	a := &cli.App{
		Name:  "aggctl",
		Usage: "dashboard telemetry aggregation tool",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config file",
				EnvVars: []string{"AGGCTL_CONFIG"},
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "log to stderr at debug level",
			},
		},
		Commands: []*cli.Command{
			aggregateCommand(),
			importCommand(),
			listCommand(),
			hashKeyCommand(),
		},
	}
	if err := a.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "aggctl:", err)
		os.Exit(1)
	}
}

func aggregateCommand() *cli.Command {
	return &cli.Command{
		Name:      "aggregate",
		Usage:     "aggregate a dashboard and print the result as JSON",
		ArgsUsage: "<dashboard-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "dir", Usage: "read dashboards from <dir>/<id>.json instead of Postgres"},
			&cli.StringFlag{Name: "prometheus", Usage: "Prometheus URL (overrides backends.prometheus_url)"},
			&cli.BoolFlag{Name: "mock", Usage: "answer every query with a synthetic series"},
			&cli.StringFlag{Name: "from", Usage: "window start, epoch seconds or RFC3339"},
			&cli.StringFlag{Name: "to", Usage: "window end, epoch seconds or RFC3339 (default: now)"},
			&cli.DurationFlag{Name: "since", Value: time.Hour, Usage: "window length when --from is not set"},
			&cli.StringFlag{Name: "filter", Usage: "entity filter, case-insensitive substring ('-' and '_' are interchangeable)"},
			&cli.BoolFlag{Name: "errors-only", Usage: "keep only entities with errors"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.ShowSubcommandHelp(c)
			}
			cfg, logger, err := setup(c)
			if err != nil {
				return err
			}
			defer logger.Sync()

			if dir := c.String("dir"); dir != "" {
				cfg.Dashboards.Source, cfg.Dashboards.Dir = "dir", dir
			}
			if u := c.String("prometheus"); u != "" {
				cfg.Backends.Metrics, cfg.Backends.PrometheusURL = "prometheus", u
			}
			if c.Bool("mock") {
				cfg.Backends.Metrics = "mock"
			}
			window, err := parseWindow(c)
			if err != nil {
				return err
			}

			res, err := aggregate(c.Context, cfg, core.Request{
				DashboardID:  c.Args().First(),
				Window:       window,
				EntityFilter: c.String("filter"),
				ErrorsOnly:   c.Bool("errors-only"),
			}, logger)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(c.App.Writer)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
}

func aggregate(ctx context.Context, cfg *infra.Config, req core.Request, logger *zap.Logger) (*domain.AggregationResult, error) {
	pool, err := app.OpenPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if pool != nil {
		defer pool.Close()
	}

	metrics := engine.NewMetrics(nil)
	backends, err := app.OpenBackends(cfg, pool, metrics, logger)
	if err != nil {
		return nil, err
	}
	defer backends.Close()

	var source core.DashboardSource = core.DirSource{Dir: cfg.Dashboards.Dir}
	if cfg.Dashboards.Source == "postgres" {
		source = postgres.NewDashboardRepo(pool)
	}
	agg, err := app.NewAggregator(cfg, source, backends.Fetchers, clock.New(), metrics, logger)
	if err != nil {
		return nil, err
	}
	return agg.Aggregate(ctx, req)
}

func importCommand() *cli.Command {
	return &cli.Command{
		Name:      "import",
		Usage:     "validate dashboard JSON files and upsert them into Postgres",
		ArgsUsage: "<file.json>...",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "id", Usage: "dashboard id (single file only, default: file name without extension)"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 || (c.IsSet("id") && c.NArg() > 1) {
				return cli.ShowSubcommandHelp(c)
			}
			repo, cfg, closeFn, err := openRepo(c)
			if err != nil {
				return err
			}
			defer closeFn()
			inv := openInvalidator(c.Context, cfg, repo)

			for _, path := range c.Args().Slice() {
				raw, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				id := c.String("id")
				if id == "" {
					id = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
				}
				def, err := repo.Save(c.Context, id, raw)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				fmt.Fprintf(c.App.Writer, "imported %s (%q, %d widgets)\n", id, def.Title, len(def.Widgets))
				if inv != nil {
					if err := inv.Invalidate(c.Context, id); err != nil {
						fmt.Fprintf(c.App.ErrWriter, "warning: cache for %s not invalidated: %v\n", id, err)
					}
				}
			}
			return nil
		},
	}
}

func listCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "list dashboards stored in Postgres",
		Action: func(c *cli.Context) error {
			repo, _, closeFn, err := openRepo(c)
			if err != nil {
				return err
			}
			defer closeFn()

			defs, err := repo.List(c.Context)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTITLE")
			for _, d := range defs {
				fmt.Fprintf(tw, "%s\t%s\n", d.ID, d.Title)
			}
			return tw.Flush()
		},
	}
}

func hashKeyCommand() *cli.Command {
	return &cli.Command{
		Name:      "hash-key",
		Usage:     "print a bcrypt hash for auth.api_keys[].hash",
		ArgsUsage: "<secret>",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "cost", Value: 12, Usage: "bcrypt cost"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.ShowSubcommandHelp(c)
			}
			h, err := auth.HashAPIKey(c.Args().First(), c.Int("cost"))
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, h)
			return nil
		},
	}
}

func setup(c *cli.Context) (*infra.Config, *zap.Logger, error) {
	cfg, err := infra.LoadConfig(c.String("config"))
	if err != nil {
		return nil, nil, err
	}
	// stdout занят результатом, логи только в stderr
	lc := infra.LoggerConfig{Level: "warn", Format: "console"}
	if c.Bool("verbose") {
		lc.Level = "debug"
	}
	logger, err := infra.NewLogger(lc)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func openRepo(c *cli.Context) (*postgres.DashboardRepo, *infra.Config, func(), error) {
	cfg, _, err := setup(c)
	if err != nil {
		return nil, nil, nil, err
	}
	if cfg.Database.URL == "" {
		return nil, nil, nil, fmt.Errorf("database.url is required")
	}
	pool, err := postgres.NewPool(c.Context, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return nil, nil, nil, err
	}
	return postgres.NewDashboardRepo(pool), cfg, pool.Close, nil
}

// openInvalidator — сброс кэша запущенных telemetryd после импорта. nil, если Redis недоступен.
func openInvalidator(ctx context.Context, cfg *infra.Config, repo *postgres.DashboardRepo) *cache.DashboardCache {
	if !cfg.Cache.Enabled {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil
	}
	return cache.New(repo, rdb, cfg.Cache, clock.New(), nil)
}

func parseWindow(c *cli.Context) (domain.TimeWindow, error) {
	end := time.Now()
	if s := c.String("to"); s != "" {
		t, err := handler.ParseTime(s)
		if err != nil {
			return domain.TimeWindow{}, fmt.Errorf("--to: %w", err)
		}
		end = t
	}
	start := end.Add(-c.Duration("since"))
	if s := c.String("from"); s != "" {
		t, err := handler.ParseTime(s)
		if err != nil {
			return domain.TimeWindow{}, fmt.Errorf("--from: %w", err)
		}
		start = t
	}
	return domain.TimeWindow{From: start.Unix(), To: end.Unix()}, nil
}
