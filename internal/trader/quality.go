package trader

import (
	"sync"
	"time"

	"cryptobots/internal/metrics"
	"cryptobots/pkg/types"
)

const defaultQualityWindow = 256

// LegReport captures the execution quality of one completed rebalance
// hop: achieved VWAP against the mid observed just before placing.
type LegReport struct {
	Pair   types.Pair
	Side   types.Side
	PreMid float64
	VWAP   float64
	Volume float64
	// Slippage in basis points, positive when execution was worse than
	// the pre-trade mid.
	Slippage float64
	Time     time.Time
}

// Quality keeps a rolling window of leg reports and feeds the slippage
// histogram.
type Quality struct {
	mu      sync.Mutex
	window  int
	reports []LegReport
}

func NewQuality(window int) *Quality {
	if window <= 0 {
		window = defaultQualityWindow
	}
	return &Quality{window: window}
}

func (q *Quality) Record(venueName string, r LegReport) {
	if r.PreMid <= 0 || r.VWAP <= 0 {
		return
	}
	r.Slippage = r.Side.Sign() * (r.VWAP - r.PreMid) / r.PreMid * 1e4
	metrics.SlippageBps.WithLabelValues(venueName, string(r.Side)).Observe(r.Slippage)

	q.mu.Lock()
	q.reports = append(q.reports, r)
	if len(q.reports) > q.window {
		q.reports = q.reports[len(q.reports)-q.window:]
	}
	q.mu.Unlock()
}

// Reports returns a copy of the rolling window, oldest first.
func (q *Quality) Reports() []LegReport {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]LegReport(nil), q.reports...)
}

// AverageSlippage is the mean slippage over the window, in basis points.
func (q *Quality) AverageSlippage() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.reports) == 0 {
		return 0
	}
	var sum float64
	for _, r := range q.reports {
		sum += r.Slippage
	}
	return sum / float64(len(q.reports))
}
