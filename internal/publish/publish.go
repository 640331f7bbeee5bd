// Package publish mirrors fills and book tickers onto Redis streams.
//
// Each venue gets two streams, <prefix>:fills:<venue> and
// <prefix>:tickers:<venue>, trimmed with approximate MAXLEN so the mirror
// never grows unbounded. Publishing is best effort: callers count and log
// failures but never let them touch the trade path.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"cryptobots/internal/config"
	"cryptobots/internal/metrics"
	"cryptobots/pkg/types"
)

const (
	defaultPrefix = "cryptobots"
	defaultMaxLen = 10000
)

// Publisher writes fill and ticker events to capped Redis streams.
type Publisher struct {
	client *redis.Client
	prefix string
	maxLen int64
	logger *slog.Logger
}

// New connects to Redis and verifies the connection with a ping.
func New(cfg config.RedisConfig, logger *slog.Logger) (*Publisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	prefix := cfg.StreamPrefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = defaultMaxLen
	}
	p := &Publisher{
		client: client,
		prefix: prefix,
		maxLen: maxLen,
		logger: logger.With("component", "publish"),
	}
	p.logger.Info("redis stream mirror connected", "addr", cfg.Addr, "prefix", prefix)
	return p, nil
}

// Close releases the Redis connection.
func (p *Publisher) Close() error {
	return p.client.Close()
}

type fillMessage struct {
	Venue   string             `json:"venue"`
	FillID  string             `json:"fill_id"`
	OrderID string             `json:"order_id"`
	Pair    string             `json:"pair"`
	Side    string             `json:"side"`
	Price   float64            `json:"price"`
	Volume  float64            `json:"volume"`
	Fees    map[string]float64 `json:"fees,omitempty"`
	Time    int64              `json:"time_ms"`
}

// PublishFill appends one execution to the venue's fill stream.
func (p *Publisher) PublishFill(ctx context.Context, venueName string, f *types.Fill) error {
	msg := fillMessage{
		Venue:   venueName,
		FillID:  f.ID,
		OrderID: f.OrderID,
		Pair:    f.Pair.String(),
		Side:    string(f.Side),
		Price:   f.Price,
		Volume:  f.Volume,
		Fees:    f.Fees,
		Time:    f.Time.UnixMilli(),
	}
	return p.add(ctx, p.prefix+":fills:"+venueName, "fills", msg)
}

type tickerMessage struct {
	Venue     string  `json:"venue"`
	Pair      string  `json:"pair"`
	BidPrice  float64 `json:"bid_price"`
	BidVolume float64 `json:"bid_volume"`
	AskPrice  float64 `json:"ask_price"`
	AskVolume float64 `json:"ask_volume"`
	Time      int64   `json:"time_ms"`
}

// PublishTicker appends one best bid/ask observation to the venue's ticker
// stream.
func (p *Publisher) PublishTicker(ctx context.Context, venueName string, pair types.Pair, t types.BookTicker) error {
	msg := tickerMessage{
		Venue:     venueName,
		Pair:      pair.String(),
		BidPrice:  t.BidPrice,
		BidVolume: t.BidVolume,
		AskPrice:  t.AskPrice,
		AskVolume: t.AskVolume,
		Time:      t.Time,
	}
	return p.add(ctx, p.prefix+":tickers:"+venueName, "tickers", msg)
}

func (p *Publisher) add(ctx context.Context, stream, kind string, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", kind, err)
	}
	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	}).Err()
	if err != nil {
		metrics.PublishErrors.WithLabelValues(kind).Inc()
		return fmt.Errorf("xadd %s: %w", stream, err)
	}
	return nil
}
