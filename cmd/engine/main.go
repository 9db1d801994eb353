package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"market_maker/internal/account"
	"market_maker/internal/config"
	"market_maker/internal/core"
	"market_maker/internal/exchange"
	"market_maker/internal/exchange/bybit"
	"market_maker/internal/logging"
	"market_maker/internal/stream"
	"market_maker/internal/trading/orchestrator"
	"market_maker/pkg/telemetry"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/engine.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("engine version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLoggerFromString(cfg.System.LogLevel, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}

	logger.Info("starting engine", "version", version, "accounts", len(cfg.Accounts))

	tel, err := telemetry.Setup("hedgegrid-engine")
	if err != nil {
		logger.Warn("failed to initialize metrics exporter", "error", err)
	} else {
		logger.Info("metrics exporter initialized")
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tel.Shutdown(shutdownCtx); err != nil {
				logger.Warn("metrics shutdown failed", "error", err)
			}
		}()

		go serveMetrics(cfg.System.MetricsPort, logger)
	}

	orch := orchestrator.New(logger)

	for _, accCfg := range cfg.Accounts {
		if err := registerAccount(orch, accCfg, cfg.System, logger); err != nil {
			logger.Fatal("failed to register account", "account_id", accCfg.ID, "error", err)
		}
	}

	logStartupBanner(cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := orch.StartAll(ctx); err != nil {
		logger.Fatal("failed to start accounts", "error", err)
	}

	logger.Info("engine running", "accounts", orch.AccountIDs())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	<-sigChan

	logger.Info("received shutdown signal, gracefully shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	orch.ShutdownAll(shutdownCtx)

	logger.Info("engine stopped")
}

// registerAccount constructs one account's exchange credentials, stream
// hub binding, and full Runtime, wrapping the exchange in the dry-run
// decorator when the account's config asks for it, and registers the
// result with orch.
func registerAccount(orch *orchestrator.Orchestrator, accCfg config.AccountConfig, sysCfg config.SystemConfig, logger core.ILogger) error {
	apiKey := config.Secret(os.Getenv(accCfg.APIKeyEnv))
	apiSecret := config.Secret(os.Getenv(accCfg.APISecretEnv))
	if apiKey == "" || apiSecret == "" {
		return fmt.Errorf("missing credentials: env vars %s / %s are not set", accCfg.APIKeyEnv, accCfg.APISecretEnv)
	}

	env := core.EnvProduction
	if accCfg.DemoTrading {
		env = core.EnvDemo
	}

	var ex core.IExchange = bybit.NewBybitExchange(string(apiKey), string(apiSecret), env, logger)
	if accCfg.DryRun {
		ex = exchange.NewDryRunAdapter(ex, logger)
	}

	hub := stream.NewHub(logger)
	creds := core.Credentials{APIKey: string(apiKey), APISecret: string(apiSecret)}

	rt, err := account.New(accCfg, sysCfg, ex, hub, creds, logger)
	if err != nil {
		return err
	}

	return orch.Register(accCfg.ID, rt)
}

// logStartupBanner emits the per-account startup diagnostics summary:
// symbols traded, demo/dry-run status, and the MM-rate threshold, so an
// operator reading the first lines of the log can tell at a glance what
// this process is about to do before it touches the exchange.
func logStartupBanner(cfg *config.Config, logger core.ILogger) {
	for _, acc := range cfg.Accounts {
		symbols := make([]string, 0, len(acc.Strategies))
		for _, s := range acc.Strategies {
			symbols = append(symbols, s.Symbol)
		}
		logger.Info("account configured",
			"account_id", acc.ID,
			"name", acc.Name,
			"demo_trading", acc.DemoTrading,
			"dry_run", acc.DryRun,
			"mm_rate_threshold", acc.RiskManagement.MMRateThresholdPercent,
			"symbols", symbols,
		)
	}
}

func serveMetrics(port int, logger core.ILogger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	logger.Info("metrics server listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("metrics server stopped", "error", err)
	}
}
