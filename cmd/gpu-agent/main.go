package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/maltedev/gpu-drop-agent/internal/api"
	"github.com/maltedev/gpu-drop-agent/internal/browser"
	"github.com/maltedev/gpu-drop-agent/internal/checkout"
	"github.com/maltedev/gpu-drop-agent/internal/clock"
	"github.com/maltedev/gpu-drop-agent/internal/config"
	"github.com/maltedev/gpu-drop-agent/internal/events"
	"github.com/maltedev/gpu-drop-agent/internal/handoff"
	"github.com/maltedev/gpu-drop-agent/internal/metrics"
	"github.com/maltedev/gpu-drop-agent/internal/models"
	"github.com/maltedev/gpu-drop-agent/internal/nvidia"
	"github.com/maltedev/gpu-drop-agent/internal/prober"
	"github.com/maltedev/gpu-drop-agent/internal/resolver"
	"github.com/maltedev/gpu-drop-agent/internal/setup"
	"github.com/maltedev/gpu-drop-agent/internal/storage"
)

const (
	exitOK          = 0
	exitFatal       = 1
	exitDropFailure = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	envFile := flag.String("env", config.DefaultEnvFile, "environment file with credentials and settings")
	interactive := flag.Bool("setup", false, "ask for headless mode and offer to save credentials before starting")
	dropURL := flag.String("drop-url", "", "product URL for a scheduled drop; enables drop mode")
	dropTime := flag.String("drop-time", "", "drop instant: \"YYYY-MM-DD HH:MM[:SS]\" local time, RFC3339 or unix seconds (default: now)")
	flag.Parse()

	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if *interactive {
		if _, err := setup.CaptureCredentials(setup.Terminal{}, *envFile); err != nil {
			bootLogger.Error("credential setup failed", "error", err)
			return exitFatal
		}
	}

	cfg, err := config.Load(*envFile)
	if err != nil {
		bootLogger.Error("failed to load config", "error", err)
		return exitFatal
	}
	if err := cfg.Validate(); err != nil {
		bootLogger.Error("invalid config", "error", err)
		return exitFatal
	}

	logger := cfg.Logging.NewLogger(os.Stdout)
	slog.SetDefault(logger)

	if *interactive {
		headless, err := setup.AskHeadless(setup.Terminal{})
		if err != nil {
			logger.Error("setup failed", "error", err)
			return exitFatal
		}
		cfg.Browser.Headless = headless
	}

	if cfg.Credentials.UsesPlaceholderCredentials() {
		logger.Warn("placeholder credentials in use, login will fail against the real site",
			"env_file", *envFile)
	}

	cache, err := storage.Open(cfg.Cache.Path)
	if err != nil {
		logger.Error("failed to load SKU cache", "path", cfg.Cache.Path, "error", err)
		return exitFatal
	}
	logger.Info("SKU cache loaded", "path", cache.Path(), "models", cache.Len())

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	publisher := connectPublisher(ctx, cfg.Redis, logger)
	defer publisher.Close()

	b, err := browser.New(&browser.Options{
		Headless:       cfg.Browser.Headless,
		Timeout:        cfg.Browser.Timeout,
		UserAgent:      cfg.Browser.UserAgent,
		ViewportWidth:  cfg.Browser.ViewportWidth,
		ViewportHeight: cfg.Browser.ViewportHeight,
		Locale:         cfg.Browser.Locale,
		TimezoneID:     cfg.Browser.TimezoneID,
		ExtraHeaders:   browser.DefaultOptions().ExtraHeaders,
	}, logger)
	if err != nil {
		logger.Error("failed to start browser", "error", err)
		return exitFatal
	}
	defer b.Close()

	session, err := b.OpenSession()
	if err != nil {
		logger.Error("failed to open browser session", "error", err)
		return exitFatal
	}

	driver := checkout.NewDriver(session, checkout.Credentials{
		Username: cfg.Credentials.Username,
		Password: cfg.Credentials.Password,
		RealName: cfg.Credentials.RealName,
	}, checkout.Config{
		SiteURL:           cfg.Checkout.SiteURL,
		AffordanceTimeout: cfg.Checkout.AffordanceTimeout,
		ControlTimeout:    cfg.Checkout.ControlTimeout,
		Selectors:         selectors(cfg.Selectors),
		Metrics:           m,
	}, logger)

	if err := driver.Bootstrap(ctx); err != nil {
		logger.Error("failed to bootstrap session", "error", err)
		return exitFatal
	}

	var outcomes handoff.Publisher
	if publisher != nil {
		outcomes = publisher
	}
	handOff := handoff.New(handoff.SystemOpener{}, outcomes, handoff.Config{
		BasketURL: cfg.Checkout.BasketURL,
		NoOpen:    cfg.Browser.NoOpen,
	}, logger)

	if *dropURL != "" {
		return runDrop(ctx, cfg, driver, handOff, reg, cache, *dropURL, *dropTime, logger)
	}
	return runReactive(ctx, cfg, driver, handOff, publisher, m, reg, cache, logger)
}

func runReactive(
	ctx context.Context,
	cfg *config.Config,
	driver *checkout.Driver,
	handOff *handoff.Handoff,
	publisher *events.Publisher,
	m *metrics.Metrics,
	reg *prometheus.Registry,
	cache *storage.SkuCache,
	logger *slog.Logger,
) int {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	client := nvidia.NewClient(nvidia.Options{
		ListingURL:   cfg.API.ListingURL,
		InventoryURL: cfg.API.InventoryURL,
		Locale:       cfg.API.Locale,
		PageSize:     cfg.API.PageSize,
		Timeout:      cfg.API.Timeout,
		UserAgent:    cfg.Browser.UserAgent,
	}, logger)

	var purchased sync.Once

	handler := func(ctx context.Context, gpu models.GpuModel, purchaseURL string) {
		if err := publisher.Publish(ctx, events.TypeStockDetected, string(gpu), map[string]string{"url": purchaseURL}); err != nil {
			logger.Warn("failed to publish stock event", "gpu", gpu, "error", err)
		}

		outcome := driver.AddToCart(ctx, gpu, purchaseURL)
		handOff.Deliver(ctx, outcome)

		if outcome.Success && cfg.Checkout.ExitOnSuccess {
			purchased.Do(func() {
				logger.Info("purchase handed off, shutting down", "gpu", gpu)
				cancel()
			})
		}
	}

	res := resolver.New(client, cache, logger, resolver.Config{
		Interval: cfg.Polling.ListingInterval,
		Metrics:  m,
	})
	prb := prober.New(client, cache, handler, logger, prober.Config{
		Interval: cfg.Polling.InventoryInterval,
		Metrics:  m,
	})

	var wg sync.WaitGroup
	startLoop := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				logger.Error("loop stopped", "loop", name, "error", err)
			}
		}()
	}

	startLoop("listing", res.Start)
	startLoop("inventory", prb.Start)

	if cfg.Status.Addr != "" {
		router := api.NewRouter(api.NewHandlers(cache, prb, handOff, "reactive", logger), reg)
		startLoop("status", func(ctx context.Context) error {
			return api.Serve(ctx, cfg.Status.Addr, router, cfg.Status.ShutdownTimeout, logger)
		})
	}

	<-ctx.Done()
	logger.Info("shutting down")
	wg.Wait()
	prb.Wait()

	return exitOK
}

func runDrop(
	ctx context.Context,
	cfg *config.Config,
	driver *checkout.Driver,
	handOff *handoff.Handoff,
	reg *prometheus.Registry,
	cache *storage.SkuCache,
	productURL, dropTime string,
	logger *slog.Logger,
) int {
	target := time.Now()
	if dropTime != "" {
		loc, err := cfg.Drop.DropLocation()
		if err != nil {
			logger.Error("invalid drop timezone", "error", err)
			return exitFatal
		}
		target, err = clock.ParseDropTime(dropTime, loc)
		if err != nil {
			logger.Error("invalid drop time", "error", err)
			return exitFatal
		}
	}

	var clk clock.Clock = clock.System{}
	if cfg.Drop.TimeSync {
		servers := []string{cfg.Checkout.SiteURL, "https://www.cloudflare.com", "https://www.google.com"}
		oc := clock.NewOffsetClock(logger)
		if err := oc.Sync(ctx, servers...); err != nil {
			logger.Warn("clock sync failed, using local time", "error", err)
		}
		clk = oc

		syncCtx, stopSync := context.WithCancel(ctx)
		defer stopSync()
		go oc.KeepSynced(syncCtx, time.Minute, servers...)
	}

	if cfg.Status.Addr != "" {
		router := api.NewRouter(api.NewHandlers(cache, nil, handOff, "drop", logger), reg)
		go func() {
			if err := api.Serve(ctx, cfg.Status.Addr, router, cfg.Status.ShutdownTimeout, logger); err != nil {
				logger.Error("status server failed", "error", err)
			}
		}()
	}

	waiter := checkout.NewWaiter(driver, clk, checkout.WaiterConfig{
		SpinInterval:      cfg.Drop.SpinInterval,
		AffordanceTimeout: cfg.Drop.AffordanceTimeout,
		BackoffBase:       cfg.Drop.BackoffBase,
		BackoffSpread:     cfg.Drop.BackoffSpread,
		ChallengeMarker:   cfg.Drop.ChallengeMarker,
		ChallengeTimeout:  cfg.Drop.ChallengeTimeout,
	}, logger)

	logger.Info("drop mode", "url", productURL, "target", target.UTC().Format(time.RFC3339))

	outcome, err := waiter.Run(ctx, target, productURL)
	if err != nil {
		logger.Info("drop wait cancelled", "error", err)
		return exitDropFailure
	}

	handOff.Deliver(ctx, outcome)
	if !outcome.Success {
		return exitDropFailure
	}
	return exitOK
}

func connectPublisher(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) *events.Publisher {
	if cfg.Addr == "" {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unavailable, events disabled", "addr", cfg.Addr, "error", err)
		client.Close()
		return nil
	}

	logger.Info("publishing events to redis", "addr", cfg.Addr, "stream", cfg.Stream)
	return events.NewPublisher(client, cfg.Stream, logger)
}

func selectors(o config.SelectorsConfig) checkout.Selectors {
	s := checkout.DefaultSelectors()
	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	override(&s.ConsentTrigger, o.ConsentTrigger)
	override(&s.ConsentDecline, o.ConsentDecline)
	override(&s.LoginOpen, o.LoginOpen)
	override(&s.LoginUsername, o.LoginUsername)
	override(&s.LoginPassword, o.LoginPassword)
	override(&s.LoginSubmit, o.LoginSubmit)
	override(&s.AccountLabel, o.AccountLabel)
	override(&s.AddToBasket, o.AddToBasket)
	override(&s.CartMarker, o.CartMarker)
	override(&s.CheckoutLink, o.CheckoutLink)
	override(&s.ChallengeFrame, o.ChallengeFrame)
	return s
}

func init() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintln(flag.CommandLine.Output(), "Watches NVIDIA Founders Edition stock and pushes it into a proshop.fi basket.")
		fmt.Fprintln(flag.CommandLine.Output(), "Without -drop-url the agent polls inventory; with it, it waits for a scheduled drop.")
		fmt.Fprintln(flag.CommandLine.Output())
		flag.PrintDefaults()
	}
}
