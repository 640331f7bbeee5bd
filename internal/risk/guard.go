// Package risk enforces pre-trade limits on the rebalancer.
//
// The guard is consulted synchronously before every rebalance leg and
// checks it against configured limits:
//
//   - Per-leg notional: caps the quote value of any single conversion
//   - Turnover:         caps the summed notional admitted within a rolling window
//   - Failure trip:     consecutive placement failures engage a trip switch
//     that blocks all legs until a cooldown expires
//
// Turnover is counted at admission, not at fill, so the window bounds
// what could have been sent even when fills lag or never arrive. A
// tripped guard clears itself lazily on the first check after the
// cooldown.
package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cryptobots/internal/config"
	"cryptobots/internal/metrics"
	"cryptobots/pkg/types"
)

var (
	// ErrTripped rejects all legs while the trip switch is engaged.
	ErrTripped = errors.New("risk guard tripped")
	// ErrLegNotional rejects a single leg above the per-leg cap.
	ErrLegNotional = errors.New("leg notional above limit")
	// ErrTurnover rejects legs that would exceed the rolling turnover cap.
	ErrTurnover = errors.New("turnover limit reached")
)

type admission struct {
	notional float64
	at       time.Time
}

// Guard enforces the limits. Zero-valued limits disable their check, so
// an empty config admits everything.
type Guard struct {
	cfg    config.RiskConfig
	logger *slog.Logger
	now    func() time.Time

	mu           sync.Mutex
	admissions   []admission
	failures     int
	tripped      bool
	trippedUntil time.Time
	tripReason   string
}

// NewGuard creates a guard with the given limits.
func NewGuard(cfg config.RiskConfig, logger *slog.Logger) *Guard {
	if cfg.TurnoverWindow <= 0 {
		cfg.TurnoverWindow = time.Hour
	}
	if cfg.CooldownAfterTrip <= 0 {
		cfg.CooldownAfterTrip = 10 * time.Minute
	}
	return &Guard{
		cfg:    cfg,
		logger: logger.With("component", "risk"),
		now:    time.Now,
	}
}

// AllowLeg admits or rejects one rebalance leg. Admitted notional
// counts against the turnover window immediately.
func (g *Guard) AllowLeg(pair types.Pair, side types.Side, notional float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if g.tripped {
		if now.Before(g.trippedUntil) {
			return fmt.Errorf("%w until %s: %s",
				ErrTripped, g.trippedUntil.Format(time.RFC3339), g.tripReason)
		}
		g.tripped = false
		g.failures = 0
		g.logger.Info("risk trip cooldown expired")
	}

	if g.cfg.MaxLegNotional > 0 && notional > g.cfg.MaxLegNotional {
		return fmt.Errorf("%w: %s %s %.2f > %.2f",
			ErrLegNotional, pair, side, notional, g.cfg.MaxLegNotional)
	}

	g.pruneLocked(now)
	if g.cfg.MaxTurnover > 0 {
		var window float64
		for _, a := range g.admissions {
			window += a.notional
		}
		if window+notional > g.cfg.MaxTurnover {
			return fmt.Errorf("%w: %.2f admitted in the last %s, %.2f more exceeds %.2f",
				ErrTurnover, window, g.cfg.TurnoverWindow, notional, g.cfg.MaxTurnover)
		}
	}

	g.admissions = append(g.admissions, admission{notional: notional, at: now})
	return nil
}

// RecordOutcome feeds back the placement result of an admitted leg. Any
// success resets the failure streak; enough consecutive failures trip
// the guard.
func (g *Guard) RecordOutcome(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err == nil {
		g.failures = 0
		return
	}
	// Operator cancellation is not a venue failure.
	if errors.Is(err, context.Canceled) {
		return
	}

	g.failures++
	if g.cfg.MaxConsecutiveFailures > 0 && g.failures >= g.cfg.MaxConsecutiveFailures && !g.tripped {
		g.tripLocked(fmt.Sprintf("%d consecutive placement failures, last: %v", g.failures, err))
	}
}

func (g *Guard) tripLocked(reason string) {
	g.tripped = true
	g.trippedUntil = g.now().Add(g.cfg.CooldownAfterTrip)
	g.tripReason = reason
	metrics.RiskTrips.Inc()

	g.logger.Error("RISK TRIP",
		"reason", reason,
		"cooldown_until", g.trippedUntil,
	)
}

// pruneLocked drops admissions older than the turnover window.
func (g *Guard) pruneLocked(now time.Time) {
	cutoff := now.Add(-g.cfg.TurnoverWindow)
	i := 0
	for i < len(g.admissions) && g.admissions[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		g.admissions = append(g.admissions[:0], g.admissions[i:]...)
	}
}

// Tripped reports whether the trip switch is currently engaged.
func (g *Guard) Tripped() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tripped && g.now().Before(g.trippedUntil)
}

// Snapshot represents current guard state for the dashboard.
type Snapshot struct {
	WindowTurnover      float64   `json:"window_turnover"`
	MaxTurnover         float64   `json:"max_turnover"`
	MaxLegNotional      float64   `json:"max_leg_notional"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Tripped             bool      `json:"tripped"`
	TrippedUntil        time.Time `json:"tripped_until,omitempty"`
	TripReason          string    `json:"trip_reason,omitempty"`
}

// GetSnapshot returns current guard state.
func (g *Guard) GetSnapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.pruneLocked(g.now())
	var window float64
	for _, a := range g.admissions {
		window += a.notional
	}

	s := Snapshot{
		WindowTurnover:      window,
		MaxTurnover:         g.cfg.MaxTurnover,
		MaxLegNotional:      g.cfg.MaxLegNotional,
		ConsecutiveFailures: g.failures,
		Tripped:             g.tripped && g.now().Before(g.trippedUntil),
	}
	if s.Tripped {
		s.TrippedUntil = g.trippedUntil
		s.TripReason = g.tripReason
	}
	return s
}
