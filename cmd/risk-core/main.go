package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/joho/godotenv"

	"github.com/alphapulse/risk-core/internal/agent"
	"github.com/alphapulse/risk-core/internal/config"
	"github.com/alphapulse/risk-core/internal/logger"
	"github.com/alphapulse/risk-core/internal/monitoring"
	"github.com/alphapulse/risk-core/internal/store"
	"github.com/alphapulse/risk-core/internal/venue"
	"github.com/alphapulse/risk-core/internal/venue/bybit"
	"github.com/alphapulse/risk-core/internal/venue/paper"
	"github.com/alphapulse/risk-core/pkg/types"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	appLog, err := logger.New("risk_core")
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer appLog.Close()

	conn, err := buildConnector(cfg)
	if err != nil {
		log.Fatalf("Failed to build venue connector: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := conn.Connect(ctx); err != nil {
		log.Fatalf("Failed to connect to %s: %v", conn.GetName(), err)
	}
	defer conn.Disconnect()

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	sink := monitoring.NewPrometheusSink("risk_core")
	app := agent.New(cfg, conn, st, sink, appLog)
	if err := app.Recover(); err != nil {
		log.Fatalf("Failed to recover state: %v", err)
	}

	printStartup(cfg, conn)
	startHTTP(cfg, sink, conn, app, appLog)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		appLog.Status("Shutdown signal received")
		cancel()
	}()

	if err := app.Run(ctx); err != nil && err != context.Canceled {
		appLog.LogError("agent run", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	app.Shutdown(shutdownCtx, false)
	printSummary(app.Metrics().Snapshot())
}

func buildConnector(cfg *config.Config) (venue.Connector, error) {
	var conn venue.Connector
	switch cfg.Venue.Name {
	case "paper":
		conn = paper.New(10_000)
	case "bybit":
		conn = bybit.NewConnector(bybit.Config{
			APIKey:    cfg.Venue.APIKey,
			APISecret: cfg.Venue.Secret,
			Testnet:   cfg.Venue.Testnet,
			Category:  cfg.Venue.Category,
		})
	default:
		return nil, fmt.Errorf("unknown venue %q", cfg.Venue.Name)
	}

	return venue.NewGuard(conn, venue.GuardConfig{CallTimeout: cfg.Venue.CallTimeout}), nil
}

func startHTTP(cfg *config.Config, sink *monitoring.PrometheusSink, conn venue.Connector, app *agent.Agent, appLog *logger.Logger) {
	health := monitoring.NewHealthChecker()
	health.Register("venue", func() error {
		if !conn.IsConnected() {
			return fmt.Errorf("venue disconnected")
		}
		return nil
	})
	health.Register("cycle", func() error {
		last := app.LastCycle()
		if last.IsZero() {
			return nil // first cycle not due yet
		}
		if time.Since(last) > 3*cfg.Agent.CycleInterval {
			return fmt.Errorf("last cycle %v ago", time.Since(last).Round(time.Second))
		}
		return nil
	})

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", sink.Handler())
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Monitoring.PrometheusPort)
		if err := http.ListenAndServe(addr, metricsMux); err != nil {
			appLog.LogError("metrics server", err)
		}
	}()

	healthMux := http.NewServeMux()
	healthMux.Handle("/health", health.Handler())
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Monitoring.HealthPort)
		if err := http.ListenAndServe(addr, healthMux); err != nil {
			appLog.LogError("health server", err)
		}
	}()
}

func printStartup(cfg *config.Config, conn venue.Connector) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle("RISK CORE")
	t.SetStyle(table.StyleRounded)

	tier := cfg.TierFor(0)
	t.AppendRows([]table.Row{
		{"📊 Symbol", cfg.Agent.Symbol},
		{"🏪 Venue", conn.GetName()},
		{"⏰ Cycle", cfg.Agent.CycleInterval.String()},
		{"💰 Risk/Trade", fmt.Sprintf("%.2f%%", cfg.Risk.RiskPerTrade*100)},
		{"🔢 Max Positions", fmt.Sprintf("%d", cfg.Risk.MaxPositions)},
		{"🛑 Daily Loss Cap", fmt.Sprintf("%.2f%%", cfg.Risk.MaxDailyLossFraction*100)},
		{"📏 First Tier Stop", fmt.Sprintf("%.1f%% (%s)", tier.MaxStopPct*100, tier.Cadence)},
	})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, WidthMin: 18, Align: text.AlignLeft},
		{Number: 2, WidthMin: 25, Align: text.AlignLeft},
	})
	t.Render()
	fmt.Println()
}

func printSummary(snap types.MetricsSnapshot) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle("SESSION SUMMARY")
	t.SetStyle(table.StyleRounded)

	profitFactor := "∞"
	if !math.IsInf(snap.ProfitFactor, 1) {
		profitFactor = fmt.Sprintf("%.2f", snap.ProfitFactor)
	}
	sharpe := "n/a"
	if snap.RollingSharpeValid {
		sharpe = fmt.Sprintf("%.2f", snap.RollingSharpe)
	}

	t.AppendRows([]table.Row{
		{"📈 Trades", fmt.Sprintf("%d", snap.TotalTrades)},
		{"💵 Gross Profit", fmt.Sprintf("%.2f", snap.GrossProfit)},
		{"💸 Gross Loss", fmt.Sprintf("%.2f", snap.GrossLoss)},
		{"⚖️ Profit Factor", profitFactor},
		{"🎯 Win Rate", fmt.Sprintf("%.1f%%", snap.WinRate*100)},
		{"🧮 Expectancy", fmt.Sprintf("%.2f", snap.Expectancy)},
		{"📐 Sharpe (rolling)", sharpe},
		{"📉 Max Drawdown", fmt.Sprintf("%.2f%%", snap.Drawdown.MaxDrawdownPct*100)},
	})
	t.Render()
}
