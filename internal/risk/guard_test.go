package risk

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"cryptobots/internal/config"
	"cryptobots/pkg/types"
)

var btcUSDT = types.Pair{Base: "BTC", Quote: "USDT"}

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		MaxLegNotional:         1000,
		MaxTurnover:            2500,
		TurnoverWindow:         time.Minute,
		MaxConsecutiveFailures: 3,
		CooldownAfterTrip:      5 * time.Minute,
	}
}

func newTestGuard(cfg config.RiskConfig) (*Guard, *time.Time) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	g := NewGuard(cfg, logger)
	now := time.Unix(1700000000, 0)
	g.now = func() time.Time { return now }
	return g, &now
}

func TestAllowLegUnderLimits(t *testing.T) {
	t.Parallel()
	g, _ := newTestGuard(testRiskConfig())

	if err := g.AllowLeg(btcUSDT, types.Sell, 500); err != nil {
		t.Fatalf("AllowLeg under limits: %v", err)
	}
	snap := g.GetSnapshot()
	if snap.WindowTurnover != 500 {
		t.Errorf("window turnover = %v, want 500", snap.WindowTurnover)
	}
	if snap.Tripped {
		t.Error("guard should not be tripped")
	}
}

func TestAllowLegNotionalCap(t *testing.T) {
	t.Parallel()
	g, _ := newTestGuard(testRiskConfig())

	err := g.AllowLeg(btcUSDT, types.Buy, 1500)
	if !errors.Is(err, ErrLegNotional) {
		t.Fatalf("AllowLeg(1500) = %v, want ErrLegNotional", err)
	}
	// A rejected leg must not count against turnover.
	if snap := g.GetSnapshot(); snap.WindowTurnover != 0 {
		t.Errorf("window turnover = %v after a rejected leg, want 0", snap.WindowTurnover)
	}
}

func TestTurnoverWindow(t *testing.T) {
	t.Parallel()
	g, now := newTestGuard(testRiskConfig())

	for i := 0; i < 2; i++ {
		if err := g.AllowLeg(btcUSDT, types.Sell, 1000); err != nil {
			t.Fatalf("AllowLeg #%d: %v", i, err)
		}
	}
	// 2000 admitted; 600 more would exceed the 2500 cap.
	if err := g.AllowLeg(btcUSDT, types.Sell, 600); !errors.Is(err, ErrTurnover) {
		t.Fatalf("AllowLeg over turnover = %v, want ErrTurnover", err)
	}
	// 500 still fits exactly.
	if err := g.AllowLeg(btcUSDT, types.Sell, 500); err != nil {
		t.Fatalf("AllowLeg at the cap: %v", err)
	}

	// Old admissions roll out of the window.
	*now = now.Add(2 * time.Minute)
	if err := g.AllowLeg(btcUSDT, types.Sell, 1000); err != nil {
		t.Fatalf("AllowLeg after window rolled: %v", err)
	}
	if snap := g.GetSnapshot(); snap.WindowTurnover != 1000 {
		t.Errorf("window turnover = %v after expiry, want 1000", snap.WindowTurnover)
	}
}

func TestConsecutiveFailuresTrip(t *testing.T) {
	t.Parallel()
	g, now := newTestGuard(testRiskConfig())

	placeErr := fmt.Errorf("venue rejected order")
	g.RecordOutcome(placeErr)
	g.RecordOutcome(placeErr)
	if g.Tripped() {
		t.Fatal("guard tripped before the failure limit")
	}
	g.RecordOutcome(placeErr)
	if !g.Tripped() {
		t.Fatal("guard should trip on the third consecutive failure")
	}

	if err := g.AllowLeg(btcUSDT, types.Sell, 100); !errors.Is(err, ErrTripped) {
		t.Fatalf("AllowLeg while tripped = %v, want ErrTripped", err)
	}

	snap := g.GetSnapshot()
	if !snap.Tripped || snap.TripReason == "" {
		t.Errorf("snapshot = %+v, want tripped with a reason", snap)
	}

	// The trip clears itself after the cooldown.
	*now = now.Add(6 * time.Minute)
	if err := g.AllowLeg(btcUSDT, types.Sell, 100); err != nil {
		t.Fatalf("AllowLeg after cooldown: %v", err)
	}
	if g.Tripped() {
		t.Error("guard still tripped after cooldown")
	}
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	t.Parallel()
	g, _ := newTestGuard(testRiskConfig())

	placeErr := fmt.Errorf("venue rejected order")
	g.RecordOutcome(placeErr)
	g.RecordOutcome(placeErr)
	g.RecordOutcome(nil)
	g.RecordOutcome(placeErr)
	g.RecordOutcome(placeErr)
	if g.Tripped() {
		t.Error("interleaved successes should keep the streak below the limit")
	}
	if snap := g.GetSnapshot(); snap.ConsecutiveFailures != 2 {
		t.Errorf("consecutive failures = %d, want 2", snap.ConsecutiveFailures)
	}
}

func TestZeroLimitsDisableChecks(t *testing.T) {
	t.Parallel()
	g, _ := newTestGuard(config.RiskConfig{})

	for i := 0; i < 10; i++ {
		if err := g.AllowLeg(btcUSDT, types.Buy, 1e9); err != nil {
			t.Fatalf("AllowLeg with no limits: %v", err)
		}
		g.RecordOutcome(fmt.Errorf("failure %d", i))
	}
	if g.Tripped() {
		t.Error("zero MaxConsecutiveFailures must never trip")
	}
}
