package api

import (
	"time"

	"cryptobots/internal/config"
	"cryptobots/internal/risk"
	"cryptobots/internal/transport"
	"cryptobots/pkg/types"
)

// Snapshot is the complete status-server state: one block per venue plus
// the shared risk guard and a condensed view of the configuration.
type Snapshot struct {
	Timestamp time.Time     `json:"timestamp"`
	Venues    []VenueStatus `json:"venues"`
	Risk      risk.Snapshot `json:"risk"`
	Config    ConfigSummary `json:"config"`
}

// VenueStatus is the per-venue block of the snapshot.
type VenueStatus struct {
	Name      string `json:"name"`
	Connected bool   `json:"connected"`

	Balances  map[string]float64 `json:"balances"`
	Available map[string]float64 `json:"available"`

	FreeCollateral float64          `json:"free_collateral,omitempty"`
	Leverage       float64          `json:"leverage,omitempty"`
	Positions      []PositionStatus `json:"positions,omitempty"`

	OpenOrders []OrderStatus `json:"open_orders,omitempty"`
	Books      []BookTop     `json:"books,omitempty"`

	Limits         []transport.WindowUsage `json:"rate_limits,omitempty"`
	AvgSlippageBps float64                 `json:"avg_slippage_bps"`
}

// PositionStatus is one open futures position.
type PositionStatus struct {
	Pair       string  `json:"pair"`
	Side       string  `json:"side"` // "long" or "short"
	Volume     float64 `json:"volume"`
	EntryPrice float64 `json:"entry_price"`
	Margin     float64 `json:"margin"`
	PnL        float64 `json:"pnl"`
}

// NewPositionStatus converts a position to its snapshot form.
func NewPositionStatus(p *types.Position) PositionStatus {
	side := "long"
	if p.Side < 0 {
		side = "short"
	}
	return PositionStatus{
		Pair:       p.Pair.String(),
		Side:       side,
		Volume:     p.Volume,
		EntryPrice: p.EntryPrice,
		Margin:     p.Margin,
		PnL:        p.PnL,
	}
}

// OrderStatus is one order in its wire form.
type OrderStatus struct {
	OrderID string  `json:"order_id"`
	Pair    string  `json:"pair"`
	Side    string  `json:"side"`
	Type    string  `json:"type"`
	Price   float64 `json:"price,omitempty"`
	Volume  float64 `json:"volume"`
	Filled  float64 `json:"filled_volume"`
	Status  string  `json:"status"`
}

// NewOrderStatus converts an order to its snapshot form.
func NewOrderStatus(o types.Order) OrderStatus {
	return OrderStatus{
		OrderID: o.ID,
		Pair:    o.Pair.String(),
		Side:    string(o.Side),
		Type:    string(o.Type),
		Price:   o.Price,
		Volume:  o.Volume,
		Filled:  o.FilledVolume,
		Status:  string(o.Status),
	}
}

// BookTop is the best bid/ask of one subscribed book.
type BookTop struct {
	Pair      string  `json:"pair"`
	BidPrice  float64 `json:"bid_price"`
	BidVolume float64 `json:"bid_volume"`
	AskPrice  float64 `json:"ask_price"`
	AskVolume float64 `json:"ask_volume"`
	MidPrice  float64 `json:"mid_price"`
}

// ConfigSummary condenses the running configuration for the dashboard.
// Credentials never appear here.
type ConfigSummary struct {
	Venues []string `json:"venues"`

	Assets        []string           `json:"assets"`
	Quotes        []string           `json:"quotes"`
	Quote         string             `json:"quote"`
	Targets       map[string]float64 `json:"targets,omitempty"`
	RebalanceEach string             `json:"rebalance_each,omitempty"`
	UseLimit      bool               `json:"use_limit"`
	MaxSlippage   float64            `json:"max_slippage"`

	MaxLegNotional float64 `json:"max_leg_notional"`
	MaxTurnover    float64 `json:"max_turnover"`

	JournalEnabled bool `json:"journal_enabled"`
	RedisEnabled   bool `json:"redis_enabled"`
}

// NewConfigSummary builds the config block of the snapshot.
func NewConfigSummary(cfg *config.Config) ConfigSummary {
	s := ConfigSummary{
		Assets:         cfg.Trader.Assets,
		Quotes:         cfg.Trader.Quotes,
		Quote:          cfg.Trader.Quote,
		Targets:        cfg.Trader.Targets,
		UseLimit:       cfg.Trader.UseLimit,
		MaxSlippage:    cfg.Trader.MaxSlippage,
		MaxLegNotional: cfg.Risk.MaxLegNotional,
		MaxTurnover:    cfg.Risk.MaxTurnover,
		JournalEnabled: cfg.Journal.Path != "",
		RedisEnabled:   cfg.Redis.Enabled,
	}
	if cfg.Trader.Interval > 0 {
		s.RebalanceEach = cfg.Trader.Interval.String()
	}
	for _, v := range cfg.Venues {
		if v.Enabled {
			s.Venues = append(s.Venues, v.Name)
		}
	}
	return s
}
