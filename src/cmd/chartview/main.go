package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/urfave/cli/v2"

	"chartview/src/alert"
	"chartview/src/backend"
	"chartview/src/candle"
	"chartview/src/common"
	"chartview/src/config"
	"chartview/src/loader"
	"chartview/src/marketdata"
	"chartview/src/scriptload"
	"chartview/src/server"
)

func main() {
	app := &cli.App{
		Name:  "chartview",
		Usage: "chart source loader for the crypto alerting dashboard",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Value: "config.yaml", Usage: "config file path"},
			&cli.BoolFlag{Name: "dev", Usage: "log to stdout instead of rotated files"},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the chart session server",
				Action: runServe,
			},
			{
				Name:  "render",
				Usage: "render one chart document to the render directory",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "symbol", Required: true},
					&cli.StringFlag{Name: "interval", Value: "1m"},
					&cli.StringFlag{Name: "style", Value: "candlestick"},
					&cli.BoolFlag{Name: "volume"},
				},
				Action: runRender,
			},
			{
				Name:   "list",
				Usage:  "list previously rendered chart documents",
				Action: runList,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		common.Logger.Sugar().Fatalf("chartview: %v", err)
	}
}

func buildDeps(cfg *config.Config) server.Deps {
	fetchers := []marketdata.Fetcher{marketdata.NewAPIFetcher(cfg.DataSource.APIBaseURL)}
	if cfg.DataSource.UseBinance {
		fetchers = append(fetchers, marketdata.NewBinanceFetcher())
	}
	return server.Deps{
		Candidates: cfg.Candidates(),
		Registry:   scriptload.NewRegistry(nil),
		Provider:   marketdata.NewProvider(fetchers...),
		Alerts:     alert.NewClient(cfg.Alerts.BaseURL),
		Lookback:   cfg.DataSource.LookbackHours,
	}
}

func runServe(c *cli.Context) error {
	common.InitLogger(c.Bool("dev"))
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	deps := buildDeps(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.LiveStream.Enabled {
		stream := marketdata.NewStream()
		if err := stream.Init(ctx); err != nil {
			common.Logger.Sugar().Warnf("live stream unavailable: %v", err)
		} else {
			deps.Stream = stream
			defer stream.Clean()
		}
	}

	components := []common.Component{
		server.New(cfg.Server.Addr, deps),
	}
	errCh := make(chan error, len(components))
	for _, component := range components {
		go func(component common.Component) {
			defer common.HandlePanic()
			errCh <- component.Run(ctx)
		}(component)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
		cancel()
		return nil
	case err := <-errCh:
		return err
	}
}

func runRender(c *cli.Context) error {
	common.InitLogger(true)
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	interval, err := candle.ParseInterval(c.String("interval"))
	if err != nil {
		return err
	}
	deps := buildDeps(cfg)

	req := &candle.Request{Symbol: c.String("symbol"), Interval: interval}
	l := loader.New(req, loader.Config{
		Candidates:    deps.Candidates,
		Registry:      deps.Registry,
		Provider:      deps.Provider,
		Alerts:        deps.Alerts,
		LookbackHours: deps.Lookback,
		Options: backend.Options{
			Style:      backend.Style(c.String("style")),
			ShowVolume: c.Bool("volume"),
		},
	})
	defer l.Close()
	if err := l.Run(context.Background()); err != nil {
		return fmt.Errorf("%w (fallback: %s)", err, l.DeepLink())
	}
	html, ok := l.HTML()
	if !ok {
		return fmt.Errorf("no document rendered for %s", req.Symbol)
	}

	dir := cfg.Render.Dir
	if dir == "" {
		dir = common.RenderDir
	}
	if err := common.EnsureDir(dir); err != nil {
		return err
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.html", req.Symbol, interval))
	if err := os.WriteFile(path, html, 0o644); err != nil {
		return err
	}
	common.Logger.Sugar().Infof("rendered %s (%s, %s backend) to %s",
		req.Symbol, l.Provenance(), l.ActiveBackend(), path)
	return nil
}

func runList(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	dir := cfg.Render.Dir
	if dir == "" {
		dir = common.RenderDir
	}
	files, err := common.ListFiles(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, f := range files {
		fmt.Println(filepath.Join(dir, f))
	}
	return nil
}
