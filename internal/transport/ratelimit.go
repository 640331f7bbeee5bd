// ratelimit.go implements the per-venue request scheduler.
//
// Venues meter REST traffic in weighted sliding windows: every request
// carries a weight per limit kind (e.g. Binance's REQUEST_WEIGHT and
// RAW_REQUESTS), and each kind allows at most `limit` weight per `window`.
// The scheduler tracks what was spent and when, admits requests that fit,
// and sleeps callers until the oldest spend slides out of the window when
// they don't. Admission is serialized by a single mutex across kinds so a
// request charging two kinds never consumes budget on one without the other.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cryptobots/internal/metrics"
	"cryptobots/pkg/types"
)

// Weights maps a venue limit kind to the integer weight a request charges
// against it.
type Weights map[string]int

type spend struct {
	at     time.Time
	weight int
}

// limitWindow is one venue limit kind: a bounded window and the ring of
// recent spends inside it.
type limitWindow struct {
	window  time.Duration
	limit   int
	entries []spend // oldest first, pruned on every admission pass
}

func (w *limitWindow) prune(now time.Time) {
	i := 0
	for i < len(w.entries) && now.Sub(w.entries[i].at) >= w.window {
		i++
	}
	if i > 0 {
		w.entries = append(w.entries[:0], w.entries[i:]...)
	}
}

func (w *limitWindow) spent() int {
	total := 0
	for _, e := range w.entries {
		total += e.weight
	}
	return total
}

// Scheduler gates every REST request for one venue behind its weight
// windows. Windows are registered from the venue's exchange-info rate
// limits at connect time; requests whose kinds have no registered window
// pass through unmetered.
type Scheduler struct {
	mu      sync.Mutex
	venue   string
	windows map[string]*limitWindow
	logger  *slog.Logger
}

// NewScheduler creates an empty scheduler for a venue.
func NewScheduler(venue string, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		venue:   venue,
		windows: make(map[string]*limitWindow),
		logger:  logger.With("component", "scheduler", "venue", venue),
	}
}

// RegisterWindow installs or replaces the limit for one kind. Replacing
// keeps the recorded spends, so re-running connect after a reconnect does
// not grant a fresh budget.
func (s *Scheduler) RegisterWindow(kind string, window time.Duration, limit int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.windows[kind]; ok {
		w.window = window
		w.limit = limit
		return
	}
	s.windows[kind] = &limitWindow{window: window, limit: limit}
	s.logger.Debug("rate window registered", "kind", kind, "window", window, "limit", limit)
}

// Wait blocks until every kind in weights can absorb its charge, records
// the spend, and returns. The admission check and the spend are atomic
// under one lock. Returns ErrRateLimitExhausted for a weight that can
// never fit, or the context error if cancelled while sleeping.
func (s *Scheduler) Wait(ctx context.Context, weights Weights) error {
	if len(weights) == 0 {
		return nil
	}
	waited := time.Now()
	for {
		s.mu.Lock()
		now := time.Now()
		var sleep time.Duration
		admit := true
		for kind, weight := range weights {
			w, ok := s.windows[kind]
			if !ok {
				continue
			}
			if weight > w.limit {
				s.mu.Unlock()
				return fmt.Errorf("%s %q: weight %d exceeds window limit %d: %w",
					s.venue, kind, weight, w.limit, types.ErrRateLimitExhausted)
			}
			w.prune(now)
			if w.spent()+weight > w.limit {
				admit = false
				// The budget frees up when the oldest spend leaves the window.
				d := w.window - now.Sub(w.entries[0].at)
				if d > sleep {
					sleep = d
				}
			}
		}
		if admit {
			for kind, weight := range weights {
				if w, ok := s.windows[kind]; ok {
					w.entries = append(w.entries, spend{at: now, weight: weight})
				}
			}
			s.mu.Unlock()
			metrics.SchedulerWaitSeconds.WithLabelValues(s.venue).Observe(time.Since(waited).Seconds())
			return nil
		}
		s.mu.Unlock()

		if sleep <= 0 {
			sleep = 10 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// WindowUsage is a point-in-time view of one limit kind, for the status
// snapshot.
type WindowUsage struct {
	Kind   string        `json:"kind"`
	Window time.Duration `json:"window"`
	Limit  int           `json:"limit"`
	Spent  int           `json:"spent"`
}

// Usage reports current spend per registered kind.
func (s *Scheduler) Usage() []WindowUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	out := make([]WindowUsage, 0, len(s.windows))
	for kind, w := range s.windows {
		w.prune(now)
		out = append(out, WindowUsage{Kind: kind, Window: w.window, Limit: w.limit, Spent: w.spent()})
	}
	return out
}
