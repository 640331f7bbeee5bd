// Package transport implements the per-venue connectivity substrate: one
// pooled REST client and one long-lived WebSocket, plus the weight-window
// request scheduler that gates every REST call.
//
// The REST side wraps resty with bounded retries on network errors (never
// on non-2xx responses, which are surfaced verbatim as HTTPStatusError) and
// a circuit breaker that fails fast after consecutive transport failures.
// The WebSocket side serializes writes under a mutex, throttles outbound
// frames to the venue's messages-per-second cap, and runs a single listener
// goroutine that decodes inbound frames onto one queue consumed by the
// venue adapter's parse task.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"cryptobots/internal/metrics"
	"cryptobots/pkg/types"
)

const (
	restTimeout       = 10 * time.Second
	pingInterval      = 50 * time.Second // keep-alive pings on the venue socket
	readTimeout       = 90 * time.Second // ~2 missed pings triggers disconnect
	writeTimeout      = 10 * time.Second
	inboundBufferSize = 1024
	// Venues cap inbound control messages; Binance allows 5/s on the
	// market streams endpoint. One message of headroom is kept.
	wsSendRate  = rate.Limit(4)
	wsSendBurst = 4
)

// Request carries the optional parts of a REST call. Body is pre-marshaled
// by the caller because signed venues HMAC the exact bytes on the wire.
type Request struct {
	Params  map[string]string
	Headers map[string]string
	Body    []byte
	Weights Weights
}

// Conn multiplexes one venue's REST and WebSocket connectivity.
type Conn struct {
	venue string
	wsURL string

	http    *resty.Client
	breaker *gobreaker.CircuitBreaker
	sched   *Scheduler

	connMu    sync.Mutex // guards conn pointer and writes
	conn      *websocket.Conn
	wsLimiter *rate.Limiter
	wsID      atomic.Int64
	pongCh    chan struct{}

	open        atomic.Bool
	inboundMu   sync.Mutex
	inbound     chan json.RawMessage
	listenerCtx context.Context
	stopListen  context.CancelFunc

	logger *slog.Logger
}

// New creates a connection manager for one venue. Connect must be called
// before WebSocket use; REST calls work immediately.
func New(venue, restBaseURL, wsURL string, sched *Scheduler, logger *slog.Logger) *Conn {
	httpClient := resty.New().
		SetBaseURL(restBaseURL).
		SetTimeout(restTimeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			// Retry network failures only. A non-2xx is a venue answer and
			// must reach the caller untouched; retrying a POST /order on
			// 5xx risks a double placement.
			return err != nil
		}).
		SetHeader("Content-Type", "application/json")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        venue + "-rest",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Conn{
		venue:     venue,
		wsURL:     wsURL,
		http:      httpClient,
		breaker:   breaker,
		sched:     sched,
		wsLimiter: rate.NewLimiter(wsSendRate, wsSendBurst),
		pongCh:    make(chan struct{}, 1),
		logger:    logger.With("component", "transport", "venue", venue),
	}
}

// Scheduler exposes the venue's rate scheduler so adapters can register
// windows parsed from exchange info.
func (c *Conn) Scheduler() *Scheduler { return c.sched }

// Open reports whether the WebSocket is up.
func (c *Conn) Open() bool { return c.open.Load() }

// Connect dials the WebSocket and starts the listener and keep-alive
// goroutines. Calling Connect on an open connection is a no-op.
func (c *Conn) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.open.Load() {
		return nil
	}

	// A listener from a previous connection may still be winding down
	// after an organic read failure; stop it before dialing again.
	if c.stopListen != nil {
		c.stopListen()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w: %w", c.wsURL, types.ErrTransport, err)
	}
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		select {
		case c.pongCh <- struct{}{}:
		default:
		}
		return nil
	})

	c.conn = conn
	c.open.Store(true)

	c.inboundMu.Lock()
	c.inbound = make(chan json.RawMessage, inboundBufferSize)
	c.inboundMu.Unlock()

	lctx, cancel := context.WithCancel(context.Background())
	c.listenerCtx, c.stopListen = lctx, cancel
	go c.listen(lctx, conn)
	go c.pingLoop(lctx)

	metrics.ConnectionStatus.WithLabelValues(c.venue).Set(1)
	c.logger.Info("websocket connected", "url", c.wsURL)
	return nil
}

// Close tears the connection down: stops the listener, closes the socket,
// and releases idle HTTP connections. Idempotent.
func (c *Conn) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.stopListen != nil {
		c.stopListen()
	}
	var err error
	if c.conn != nil {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeTimeout))
		err = c.conn.Close()
		c.conn = nil
	}
	c.open.Store(false)
	c.http.GetClient().CloseIdleConnections()
	metrics.ConnectionStatus.WithLabelValues(c.venue).Set(0)
	return err
}

// Inbound returns the current decoded-frame queue. The channel is closed
// when the listener exits; after a reconnect the adapter must re-fetch it.
func (c *Conn) Inbound() <-chan json.RawMessage {
	c.inboundMu.Lock()
	defer c.inboundMu.Unlock()
	return c.inbound
}

// WSSend assigns a monotonic request id to the frame (unless the caller
// set one), serializes it, and writes it on the socket. Writes pass an
// outbound rate limiter and are serialized under the connection mutex.
func (c *Conn) WSSend(ctx context.Context, frame map[string]any) error {
	if _, ok := frame["id"]; !ok {
		frame["id"] = c.wsID.Add(1)
	}
	return c.WSSendRaw(ctx, frame)
}

// WSSendRaw sends the frame untouched, for venues whose protocol has no
// request ids.
func (c *Conn) WSSendRaw(ctx context.Context, frame map[string]any) error {
	if !c.open.Load() {
		return types.ErrWSClosed
	}
	if err := c.wsLimiter.Wait(ctx); err != nil {
		return err
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return types.ErrWSClosed
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("ws send: %w: %w", types.ErrTransport, err)
	}
	return nil
}

// CheckConnection probes both transports concurrently: a lightweight GET
// against pingEndpoint and a WS ping awaiting its pong. The first failure
// wins; the whole probe is bounded by timeout.
func (c *Conn) CheckConnection(ctx context.Context, pingEndpoint string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := c.Get(gctx, pingEndpoint, Request{})
		return err
	})
	g.Go(func() error {
		return c.wsPing(gctx)
	})
	return g.Wait()
}

func (c *Conn) wsPing(ctx context.Context) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil || !c.open.Load() {
		return types.ErrWSClosed
	}

	// Drain a stale pong so we wait for ours.
	select {
	case <-c.pongCh:
	default:
	}
	if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("ws ping: %w: %w", types.ErrTransport, err)
	}
	select {
	case <-c.pongCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("ws pong: %w", ctx.Err())
	}
}

// listen reads frames until the socket fails or the connection is closed.
// Each frame must be valid JSON; anything else flips the transport to
// closed, failing pending sends, and the inbound channel is closed so the
// adapter's parse task drains and exits.
func (c *Conn) listen(ctx context.Context, conn *websocket.Conn) {
	c.inboundMu.Lock()
	inbound := c.inbound
	c.inboundMu.Unlock()

	defer func() {
		// Only mark the transport down if no newer connection has been
		// established while this listener was exiting.
		c.connMu.Lock()
		if c.conn == conn {
			c.open.Store(false)
			metrics.ConnectionStatus.WithLabelValues(c.venue).Set(0)
		}
		c.connMu.Unlock()
		close(inbound)
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("websocket read failed", "error", err)
			}
			return
		}
		if !json.Valid(msg) {
			c.logger.Error("non-json frame on venue socket", "frame", string(msg))
			return
		}
		metrics.WSFrames.WithLabelValues(c.venue, "raw").Inc()

		frame := make(json.RawMessage, len(msg))
		copy(frame, msg)
		select {
		case inbound <- frame:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Conn) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.connMu.Lock()
			conn := c.conn
			c.connMu.Unlock()
			if conn == nil {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.logger.Warn("keep-alive ping failed", "error", err)
				return
			}
		}
	}
}

// Get issues a rate-limited GET. The response body is returned raw for the
// adapter to decode.
func (c *Conn) Get(ctx context.Context, endpoint string, req Request) (json.RawMessage, error) {
	return c.do(ctx, "GET", endpoint, req)
}

// Post issues a rate-limited POST.
func (c *Conn) Post(ctx context.Context, endpoint string, req Request) (json.RawMessage, error) {
	return c.do(ctx, "POST", endpoint, req)
}

// Put issues a rate-limited PUT.
func (c *Conn) Put(ctx context.Context, endpoint string, req Request) (json.RawMessage, error) {
	return c.do(ctx, "PUT", endpoint, req)
}

// Delete issues a rate-limited DELETE.
func (c *Conn) Delete(ctx context.Context, endpoint string, req Request) (json.RawMessage, error) {
	return c.do(ctx, "DELETE", endpoint, req)
}

func (c *Conn) do(ctx context.Context, method, endpoint string, req Request) (json.RawMessage, error) {
	if c.sched != nil {
		if err := c.sched.Wait(ctx, req.Weights); err != nil {
			return nil, err
		}
	}

	result, err := c.breaker.Execute(func() (any, error) {
		r := c.http.R().SetContext(ctx)
		if len(req.Params) > 0 {
			r.SetQueryParams(req.Params)
		}
		if len(req.Headers) > 0 {
			r.SetHeaders(req.Headers)
		}
		if req.Body != nil {
			r.SetBody(req.Body)
		}
		resp, err := r.Execute(method, endpoint)
		if err != nil {
			return nil, err
		}
		return resp, nil
	})
	if err != nil {
		metrics.RestRequests.WithLabelValues(c.venue, method, "transport_error").Inc()
		return nil, fmt.Errorf("%s %s: %w: %w", method, endpoint, types.ErrTransport, err)
	}

	resp := result.(*resty.Response)
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		metrics.RestRequests.WithLabelValues(c.venue, method, "http_error").Inc()
		body := make([]byte, len(resp.Body()))
		copy(body, resp.Body())
		return nil, &types.HTTPStatusError{Status: resp.StatusCode(), Endpoint: endpoint, Body: body}
	}
	metrics.RestRequests.WithLabelValues(c.venue, method, "ok").Inc()
	return json.RawMessage(resp.Body()), nil
}
