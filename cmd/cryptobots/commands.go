package main

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"cryptobots/internal/account"
	"cryptobots/internal/api"
	"cryptobots/internal/config"
	"cryptobots/internal/engine"
	"cryptobots/internal/store"
	"cryptobots/internal/trader"
	"cryptobots/pkg/types"
)

var (
	balancesFills int

	rebalanceTargets string
	rebalanceLimit   bool
	rebalanceDryRun  bool

	watchVenueName string

	candlesVenueName  string
	candlesStart      string
	candlesEnd        string
	candlesResolution time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the trading engine until interrupted",
	Long: `Connect every enabled venue, keep the accounts and order books live,
and rebalance toward the configured target weights on the configured
interval. Runs until SIGINT/SIGTERM.`,
	RunE: runRun,
}

var balancesCmd = &cobra.Command{
	Use:   "balances",
	Short: "Show balances, valuations and portfolio weights per venue",
	Long: `Connect each enabled venue read-only, price every holding through the
live order books and print balances, values and weights. Never places
or cancels orders.`,
	RunE: runBalances,
}

var rebalanceCmd = &cobra.Command{
	Use:   "rebalance",
	Short: "Rebalance every venue portfolio to target weights once",
	Long: `Run one trade-to-portfolio pass on every enabled venue. Targets come
from --targets or trader.targets in the config; weights are normalized,
so they need not sum to 1.

Example usage:
  cryptobots rebalance --targets BTC=0.5,ETH=0.3,USDT=0.2
  cryptobots rebalance --dry-run            # show drift, trade nothing
  cryptobots rebalance --limit              # repegged limit orders`,
	RunE: runRebalance,
}

var watchCmd = &cobra.Command{
	Use:   "watch PAIR [PAIR...]",
	Short: "Stream top-of-book quotes for the given pairs",
	Long: `Subscribe the order books of the given pairs on one venue and print
the best bid/ask once a second until interrupted. Public data only;
no credentials required.

Pairs are written BASE/QUOTE for spot (BTC/USDT) and BASE-PERP for
perpetual futures (BTC-PERP).`,
	Args: cobra.MinimumNArgs(1),
	RunE: runWatch,
}

var candlesCmd = &cobra.Command{
	Use:   "candles PAIR",
	Short: "Fetch historical OHLCV candles",
	Args:  cobra.ExactArgs(1),
	RunE:  runCandles,
}

func init() {
	rootCmd.AddCommand(runCmd, balancesCmd, rebalanceCmd, watchCmd, candlesCmd)

	balancesCmd.Flags().IntVar(&balancesFills, "fills", 0, "also print the last N journaled fills per venue")

	rebalanceCmd.Flags().StringVar(&rebalanceTargets, "targets", "", "target weights, e.g. BTC=0.5,ETH=0.3,USDT=0.2 (default: trader.targets from config)")
	rebalanceCmd.Flags().BoolVar(&rebalanceLimit, "limit", false, "execute with repegged limit orders instead of market orders")
	rebalanceCmd.Flags().BoolVar(&rebalanceDryRun, "dry-run", false, "print current vs target weights without trading")

	watchCmd.Flags().StringVar(&watchVenueName, "venue", "", "venue to watch (default: first enabled venue in config)")

	candlesCmd.Flags().StringVar(&candlesVenueName, "venue", "", "venue to query (default: first enabled venue in config)")
	candlesCmd.Flags().StringVar(&candlesStart, "start", "", "window start, RFC3339 or YYYY-MM-DD (default: end-24h)")
	candlesCmd.Flags().StringVar(&candlesEnd, "end", "", "window end (default: now)")
	candlesCmd.Flags().DurationVar(&candlesResolution, "resolution", time.Hour, "candle resolution, e.g. 1m, 15m, 1h, 4h")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging, os.Stdout)

	eng, err := engine.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	var srv *api.Server
	if cfg.API.Enabled {
		srv = api.NewServer(cfg.API, eng, cfg, logger)
		go func() {
			if err := srv.Start(); err != nil {
				logger.Error("status server failed", "error", err)
			}
		}()
		logger.Info("status server started", "url", fmt.Sprintf("http://localhost:%d", cfg.API.Port))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx); err != nil {
		if srv != nil {
			srv.Stop()
		}
		return fmt.Errorf("start engine: %w", err)
	}

	logger.Info("cryptobots started",
		"venues", len(eng.Sessions()),
		"quote", cfg.Trader.Quote,
		"rebalance_interval", cfg.Trader.Interval.String(),
		"use_limit", cfg.Trader.UseLimit,
	)

	<-ctx.Done()
	logger.Info("received shutdown signal")

	if srv != nil {
		if err := srv.Stop(); err != nil {
			logger.Error("failed to stop status server", "error", err)
		}
	}
	eng.Stop()
	return nil
}

func runBalances(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var journal *store.Store
	if balancesFills > 0 {
		if cfg.Journal.Path == "" {
			return fmt.Errorf("--fills needs journal.path set in config")
		}
		journal, err = store.Open(cfg.Journal.Path)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer journal.Close()
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, vc := range cfg.Venues {
		if !vc.Enabled {
			continue
		}
		if err := printVenueBalances(ctx, w, vc, cfg, journal, logger); err != nil {
			return err
		}
	}
	return w.Flush()
}

// printVenueBalances connects one venue read-only, prices its holdings
// and writes the balance table. Nothing here places or cancels orders.
func printVenueBalances(ctx context.Context, w *tabwriter.Writer, vc config.VenueConfig, cfg *config.Config, journal *store.Store, logger *slog.Logger) error {
	adapter, _, err := engine.NewVenue(vc, logger)
	if err != nil {
		return err
	}
	defer adapter.Close()

	creds := types.Credentials{Key: vc.Key, Secret: vc.Secret, Subaccount: vc.Subaccount}
	acct := account.New(adapter, creds, logger)
	tr := trader.New(acct, adapter, trader.Config{
		Assets:     cfg.Trader.Assets,
		Quotes:     cfg.Trader.Quotes,
		RouteBases: cfg.Trader.RouteBases,
	}, logger)

	if err := adapter.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", vc.Name, err)
	}
	acct.Start(ctx)
	defer acct.Stop()
	if err := acct.Sync(ctx); err != nil {
		return fmt.Errorf("sync %s: %w", vc.Name, err)
	}
	if err := tr.Prepare(ctx); err != nil {
		logger.Warn("pricing unavailable, values omitted", "venue", vc.Name, "error", err)
	}

	quote := cfg.Trader.Quote
	balances := acct.Balances()
	available := acct.Available()
	values := tr.PortfolioValues(balances, quote)
	weights := tr.WeightedPortfolio(quote)

	fmt.Fprintf(w, "%s\n", strings.ToUpper(vc.Name))
	fmt.Fprintf(w, "ASSET\tTOTAL\tAVAILABLE\tVALUE %s\tWEIGHT\n", quote)
	for _, asset := range sortedKeys(balances) {
		fmt.Fprintf(w, "%s\t%.8f\t%.8f\t%.2f\t%.4f\n",
			asset, balances[asset], available[asset], values[asset], weights[asset])
	}
	if fc := acct.FreeCollateral(); fc > 0 {
		fmt.Fprintf(w, "free collateral\t%.2f\n", fc)
	}
	for _, p := range acct.Positions() {
		side := "long"
		if p.Side < 0 {
			side = "short"
		}
		fmt.Fprintf(w, "position\t%s\t%s\t%.8f\t@ %.2f\tpnl %+.2f\n",
			p.Pair.String(), side, p.Volume, p.EntryPrice, p.PnL)
	}
	fmt.Fprintln(w)

	if journal != nil {
		fills, err := journal.RecentFills(ctx, adapter.Name(), balancesFills)
		if err != nil {
			return fmt.Errorf("recent fills %s: %w", vc.Name, err)
		}
		fmt.Fprintf(w, "RECENT FILLS (%d)\n", len(fills))
		for _, f := range fills {
			fmt.Fprintf(w, "%s\t%s\t%s\t%.8f\t@ %.8f\n",
				f.Time.Format(time.RFC3339), f.Pair.String(), f.Side, f.Volume, f.Price)
		}
		fmt.Fprintln(w)
	}
	return nil
}

func runRebalance(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	targets := cfg.Trader.Targets
	if rebalanceTargets != "" {
		targets, err = parseTargets(rebalanceTargets)
		if err != nil {
			return err
		}
	}
	if len(targets) == 0 {
		return fmt.Errorf("no targets: pass --targets or set trader.targets in config")
	}

	// One-shot pass: the engine's own periodic loop and API stay off.
	cfg.Trader.Interval = 0
	cfg.API.Enabled = false

	logger := newLogger(cfg.Logging, os.Stderr)
	eng, err := engine.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer eng.Stop()

	if rebalanceDryRun {
		return printDrift(eng, targets, cfg.Trader.Quote)
	}

	useLimit := cfg.Trader.UseLimit
	if cmd.Flags().Changed("limit") {
		useLimit = rebalanceLimit
	}

	results, err := eng.Rebalance(ctx, targets, useLimit)
	printPortfolios(results)
	return err
}

// printDrift shows current vs normalized target weights without trading.
func printDrift(eng *engine.Engine, targets map[string]float64, quote string) error {
	var total float64
	for _, wt := range targets {
		total += wt
	}
	if total <= 0 {
		return fmt.Errorf("target weights sum to zero")
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, s := range eng.Sessions() {
		current := s.Trader().WeightedPortfolio(quote)
		fmt.Fprintf(w, "%s\n", strings.ToUpper(s.Name()))
		fmt.Fprintf(w, "ASSET\tCURRENT\tTARGET\tDELTA\n")
		var drift float64
		for _, asset := range unionKeys(targets, current) {
			target := targets[asset] / total
			delta := target - current[asset]
			drift += math.Abs(delta)
			fmt.Fprintf(w, "%s\t%.4f\t%.4f\t%+.4f\n", asset, current[asset], target, delta)
		}
		fmt.Fprintf(w, "total drift\t%.4f\n\n", drift)
	}
	return w.Flush()
}

// printPortfolios writes the post-rebalance holdings per venue.
func printPortfolios(results map[string]map[string]float64) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "%s\n", strings.ToUpper(name))
		fmt.Fprintf(w, "ASSET\tHOLDING\n")
		for _, asset := range sortedKeys(results[name]) {
			fmt.Fprintf(w, "%s\t%.8f\n", asset, results[name][asset])
		}
		fmt.Fprintln(w)
	}
	w.Flush()
}

func runWatch(cmd *cobra.Command, args []string) error {
	pairs := make([]types.Pair, 0, len(args))
	for _, arg := range args {
		p, err := parsePair(arg)
		if err != nil {
			return err
		}
		pairs = append(pairs, p)
	}

	vc, err := resolveVenue(watchVenueName)
	if err != nil {
		return err
	}
	logger := newLogger(config.LoggingConfig{Level: "warn"}, os.Stderr)

	adapter, _, err := engine.NewVenue(vc, logger)
	if err != nil {
		return err
	}
	defer adapter.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := adapter.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", vc.Name, err)
	}
	if err := adapter.SubscribeOrderBooks(ctx, pairs...); err != nil {
		return fmt.Errorf("subscribe books: %w", err)
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Println()
			return nil
		case <-ticker.C:
			now := time.Now().Format("15:04:05")
			for _, pair := range pairs {
				b, ok := adapter.Book(pair)
				if !ok {
					continue
				}
				bids, asks, err := b.Snapshot(1)
				if err != nil || len(bids) == 0 || len(asks) == 0 {
					fmt.Printf("%s  %-12s  (book not ready)\n", now, pair)
					continue
				}
				fmt.Printf("%s  %-12s  bid %.8g (%.6g)  ask %.8g (%.6g)  mid %.8g\n",
					now, pair,
					bids[0].Price, bids[0].Volume,
					asks[0].Price, asks[0].Volume,
					(bids[0].Price+asks[0].Price)/2)
			}
		}
	}
}

func runCandles(cmd *cobra.Command, args []string) error {
	pair, err := parsePair(args[0])
	if err != nil {
		return err
	}
	end, err := parseTime(candlesEnd, time.Now())
	if err != nil {
		return err
	}
	start, err := parseTime(candlesStart, end.Add(-24*time.Hour))
	if err != nil {
		return err
	}
	if !start.Before(end) {
		return fmt.Errorf("start %s is not before end %s", start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	if candlesResolution <= 0 {
		return fmt.Errorf("resolution must be positive")
	}

	vc, err := resolveVenue(candlesVenueName)
	if err != nil {
		return err
	}
	logger := newLogger(config.LoggingConfig{Level: "warn"}, os.Stderr)

	adapter, _, err := engine.NewVenue(vc, logger)
	if err != nil {
		return err
	}
	defer adapter.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := adapter.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", vc.Name, err)
	}
	candles, err := adapter.GetCandles(ctx, pair, start, end, candlesResolution)
	if err != nil {
		return fmt.Errorf("get candles: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "TIME\tOPEN\tHIGH\tLOW\tCLOSE\tVOLUME\n")
	for _, c := range candles {
		fmt.Fprintf(w, "%s\t%.8g\t%.8g\t%.8g\t%.8g\t%.8g\n",
			c.Time.Format("2006-01-02 15:04"), c.Open, c.High, c.Low, c.Close, c.BaseVolume)
	}
	return w.Flush()
}

// resolveVenue picks the venue config for public-data commands. A bare
// venue name works without a config file; credentials are not needed.
func resolveVenue(name string) (config.VenueConfig, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		if name == "" {
			return config.VenueConfig{}, fmt.Errorf("no --venue given and config not loadable: %w", err)
		}
		return config.VenueConfig{Name: name}, nil
	}
	if name == "" {
		for _, vc := range cfg.Venues {
			if vc.Enabled {
				return vc, nil
			}
		}
		return config.VenueConfig{}, fmt.Errorf("no enabled venues in %s", configPath())
	}
	for _, vc := range cfg.Venues {
		if vc.Name == name {
			return vc, nil
		}
	}
	return config.VenueConfig{Name: name}, nil
}

// parsePair parses "BTC/USDT" or "BTC-PERP".
func parsePair(s string) (types.Pair, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if base, ok := strings.CutSuffix(s, "-PERP"); ok && base != "" {
		return types.Perp(base), nil
	}
	base, quote, ok := strings.Cut(s, "/")
	if !ok || base == "" || quote == "" {
		return types.Pair{}, fmt.Errorf("invalid pair %q (want BASE/QUOTE or BASE-PERP)", s)
	}
	return types.Pair{Base: base, Quote: quote}, nil
}

// parseTargets parses "BTC=0.5,ETH=0.3,USDT=0.2".
func parseTargets(s string) (map[string]float64, error) {
	out := make(map[string]float64)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		asset, weight, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("invalid target %q (want ASSET=WEIGHT)", part)
		}
		w, err := strconv.ParseFloat(strings.TrimSpace(weight), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid weight in %q: %w", part, err)
		}
		if w < 0 {
			return nil, fmt.Errorf("negative weight in %q", part)
		}
		out[strings.ToUpper(strings.TrimSpace(asset))] = w
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no targets given")
	}
	return out, nil
}

func parseTime(s string, fallback time.Time) (time.Time, error) {
	if s == "" {
		return fallback, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q (want RFC3339 or YYYY-MM-DD)", s)
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// unionKeys returns the sorted union of both maps' keys.
func unionKeys(a, b map[string]float64) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var keys []string
	for k := range a {
		seen[k] = true
		keys = append(keys, k)
	}
	for k := range b {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
