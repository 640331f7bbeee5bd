// Cryptobots — a multi-venue portfolio trading engine for cryptocurrency
// spot and perpetual futures markets.
//
// Architecture:
//
//	main.go              — CLI entry point: run, balances, rebalance, watch, candles
//	engine/engine.go     — orchestrator: venue sessions, reconnect watchdog, periodic rebalancing
//	trader/trader.go     — portfolio pricing and conversion routing over live order books
//	trader/rebalance.go  — trade-to-portfolio: plans sell-before-buy legs, executes market routes
//	trader/limit.go      — limit execution: repegged top-of-book orders with slippage cap
//	account/account.go   — per-venue account state machine fed by the user stream
//	venue/...            — exchange adapters (Binance spot, Binance USD-M futures, FTX)
//	book/book.go         — order book reconstruction from snapshot + depth diffs
//	transport/...        — REST/WebSocket transport: circuit breaker, weighted rate scheduler
//	risk/guard.go        — pre-trade guard: leg notional, turnover window, failure trip
//	store/store.go       — SQLite journal of orders and fills (warm start, fill dedup)
//	publish/publish.go   — Redis stream mirror of fills and tickers
//	api/server.go        — status server: health, snapshot, WebSocket stream, Prometheus metrics
//
// What it does:
//
//	The engine holds a portfolio at configured target weights across one
//	or more exchanges. It prices every holding through live order books,
//	computes the trades that move the portfolio to its targets, and
//	executes them as routed market or repegged limit orders, selling
//	before buying so the quote balance funds each step.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"cryptobots/internal/config"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "cryptobots",
	Short: "Multi-venue crypto portfolio trading engine",
	Long: `Cryptobots connects to crypto exchanges (Binance spot, Binance USD-M
futures, FTX), reconstructs their order books in real time, and trades a
portfolio toward configured target weights.

Start the daemon with 'cryptobots run'. The remaining commands are
one-shot: inspect balances, rebalance once, watch books, fetch candles.`,
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (default configs/config.yaml, or $CRYPTOBOTS_CONFIG)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// configPath resolves the config file path: --config flag, then
// $CRYPTOBOTS_CONFIG, then the default location.
func configPath() string {
	if cfgPath != "" {
		return cfgPath
	}
	if p := os.Getenv("CRYPTOBOTS_CONFIG"); p != "" {
		return p
	}
	return "configs/config.yaml"
}

// loadConfig loads and validates the config file.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the slog logger per the logging config. The daemon
// logs to stdout; one-shot commands pass stderr to keep tables pipeable.
func newLogger(lc config.LoggingConfig, out io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(lc.Level)}
	var handler slog.Handler
	if lc.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
