package ftx

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"hash/crc32"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"cryptobots/internal/transport"
	"cryptobots/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

var testCreds = types.Credentials{Key: "test-key", Secret: "test-secret"}

const marketsBody = `{"success": true, "result": [
	{"name": "BTC/USDT", "type": "spot", "enabled": true, "postOnly": false, "restricted": false,
	 "baseCurrency": "BTC", "quoteCurrency": "USDT",
	 "priceIncrement": 1.0, "sizeIncrement": 0.0001, "minProvideSize": 0.0001},
	{"name": "BTC-PERP", "type": "future", "enabled": true, "postOnly": false, "restricted": false,
	 "underlying": "BTC",
	 "priceIncrement": 1.0, "sizeIncrement": 0.0001, "minProvideSize": 0.001},
	{"name": "DOGE/USDT", "type": "spot", "enabled": false, "restricted": false,
	 "baseCurrency": "DOGE", "quoteCurrency": "USDT",
	 "priceIncrement": 0.0000005, "sizeIncrement": 1.0, "minProvideSize": 1.0},
	{"name": "LUNA/USD", "type": "spot", "enabled": true, "restricted": true,
	 "baseCurrency": "LUNA", "quoteCurrency": "USD",
	 "priceIncrement": 0.001, "sizeIncrement": 0.01, "minProvideSize": 0.01}
]}`

var testUpgrader = websocket.Upgrader{}

// wsHarness is the server side of the stream socket. It speaks the
// venue's op protocol: subscribes are confirmed, orderbook subscribes are
// answered with a canned partial snapshot, pings get pongs. Everything
// the client sends is recorded.
type wsHarness struct {
	mu          sync.Mutex
	conn        *websocket.Conn
	frames      chan map[string]any
	partials    map[string]map[string]any
	rejectLogin bool
}

func (h *wsHarness) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := testUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	h.mu.Lock()
	h.conn = conn
	h.mu.Unlock()
	for {
		var frame map[string]any
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		select {
		case h.frames <- frame:
		default:
		}
		op, _ := frame["op"].(string)
		channel, _ := frame["channel"].(string)
		market, _ := frame["market"].(string)
		switch op {
		case "ping":
			h.write(map[string]any{"type": "pong"})
		case "subscribe":
			h.mu.Lock()
			reject := h.rejectLogin
			partial := h.partials[market]
			h.mu.Unlock()
			if reject && (channel == "orders" || channel == "fills") {
				h.write(map[string]any{"type": "error", "code": 400, "msg": "Not logged in"})
				continue
			}
			h.write(map[string]any{"type": "subscribed", "channel": channel, "market": market})
			if channel == "orderbook" && partial != nil {
				h.write(map[string]any{"channel": "orderbook", "market": market, "type": "partial", "data": partial})
			}
		case "unsubscribe":
			h.write(map[string]any{"type": "unsubscribed", "channel": channel, "market": market})
		}
	}
}

func (h *wsHarness) write(v any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn != nil {
		h.conn.WriteJSON(v)
	}
}

func (h *wsHarness) push(t *testing.T, frame map[string]any) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		ok := h.conn != nil
		h.mu.Unlock()
		if ok {
			h.write(frame)
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("websocket server never accepted a connection")
}

func (h *wsHarness) nextFrame(t *testing.T) map[string]any {
	t.Helper()
	select {
	case frame := <-h.frames:
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client frame")
		return nil
	}
}

type capturedRequest struct {
	Method string
	Path   string
	URI    string // path plus raw query, as signed
	Header http.Header
	Body   []byte
}

type venueFixture struct {
	mux *http.ServeMux
	srv *httptest.Server
	ws  *wsHarness

	mu   sync.Mutex
	reqs []capturedRequest
}

func newVenueFixture(t *testing.T) *venueFixture {
	t.Helper()
	f := &venueFixture{
		mux: http.NewServeMux(),
		ws: &wsHarness{
			frames: make(chan map[string]any, 64),
			partials: map[string]map[string]any{
				"BTC/USDT": {
					"time":     1600000000.0,
					"checksum": 0,
					"bids":     [][]float64{{100, 1}, {99, 2}},
					"asks":     [][]float64{{101, 1}, {102, 2}},
				},
				"BTC-PERP": {
					"time":     1600000000.0,
					"checksum": 0,
					"bids":     [][]float64{{30000, 1}},
					"asks":     [][]float64{{30010, 1}},
				},
			},
		},
	}
	f.mux.HandleFunc("/ws", f.ws.handle)
	f.handleJSON("GET /api/markets", marketsBody)
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(bytes.NewReader(body))
		f.mu.Lock()
		f.reqs = append(f.reqs, capturedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			URI:    r.URL.RequestURI(),
			Header: r.Header.Clone(),
			Body:   body,
		})
		f.mu.Unlock()
		f.mux.ServeHTTP(w, r)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *venueFixture) handleJSON(pattern, body string) {
	f.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, body)
	})
}

func (f *venueFixture) handleStatus(pattern string, status int, body string) {
	f.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	})
}

func (f *venueFixture) lastRequest(t *testing.T, method, path string) capturedRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.reqs) - 1; i >= 0; i-- {
		if f.reqs[i].Method == method && f.reqs[i].Path == path {
			return f.reqs[i]
		}
	}
	t.Fatalf("no %s %s request captured", method, path)
	return capturedRequest{}
}

func (f *venueFixture) connect(t *testing.T, name string) *transport.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
	sched := transport.NewScheduler(name, testLogger())
	return transport.New(name, f.srv.URL, wsURL, sched, testLogger())
}

func newClient(t *testing.T) (*Client, *venueFixture) {
	t.Helper()
	f := newVenueFixture(t)
	c := New(f.connect(t, "ftx"), testLogger())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, f
}

func nextEvent(t *testing.T, c *Client) types.UserEvent {
	t.Helper()
	select {
	case ev := <-c.UserEvents():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for user event")
		return types.UserEvent{}
	}
}

// verifySigned recomputes the header signature over ts+method+uri+body.
func verifySigned(t *testing.T, req capturedRequest, method string) {
	t.Helper()
	if got := req.Header.Get("FTX-KEY"); got != testCreds.Key {
		t.Errorf("FTX-KEY = %q, want %q", got, testCreds.Key)
	}
	ts := req.Header.Get("FTX-TS")
	if ts == "" {
		t.Fatal("missing FTX-TS header")
	}
	mac := hmac.New(sha256.New, []byte(testCreds.Secret))
	mac.Write([]byte(ts + method + req.URI))
	mac.Write(req.Body)
	want := hex.EncodeToString(mac.Sum(nil))
	if got := req.Header.Get("FTX-SIGN"); got != want {
		t.Errorf("FTX-SIGN = %q, want %q", got, want)
	}
}

func TestConnectLoadsMarkets(t *testing.T) {
	c, _ := newClient(t)

	markets := c.Markets()
	if len(markets) != 2 {
		t.Fatalf("got %d markets, want 2 (disabled and restricted filtered)", len(markets))
	}

	spot, ok := c.Market(types.Pair{Base: "BTC", Quote: "USDT"})
	if !ok {
		t.Fatal("BTC/USDT not loaded")
	}
	if spot.Kind != types.KindSpot || spot.Name != "BTC/USDT" {
		t.Errorf("spot market = %+v", spot)
	}
	if spot.BasePrecision != 4 || spot.PricePrecision != 0 {
		t.Errorf("precisions = %d/%d, want 4/0", spot.BasePrecision, spot.PricePrecision)
	}

	perp, ok := c.Market(types.Perp("BTC"))
	if !ok {
		t.Fatal("BTC-PERP not loaded")
	}
	if perp.Kind != types.KindFuture || perp.Underlying != "BTC" {
		t.Errorf("perp market = %+v", perp)
	}
}

func TestConnectRegistersRequestWindow(t *testing.T) {
	c, _ := newClient(t)

	for _, w := range c.conn.Scheduler().Usage() {
		if w.Kind == "REQUESTS" {
			if w.Limit != 30 || w.Window != time.Second {
				t.Errorf("REQUESTS window = %d per %s, want 30 per 1s", w.Limit, w.Window)
			}
			return
		}
	}
	t.Fatal("REQUESTS window not registered")
}

func TestSubscribeOrderBooks(t *testing.T) {
	c, f := newClient(t)
	pair := types.Pair{Base: "BTC", Quote: "USDT"}

	if err := c.SubscribeOrderBooks(context.Background(), pair); err != nil {
		t.Fatalf("SubscribeOrderBooks: %v", err)
	}

	frame := f.ws.nextFrame(t)
	if frame["op"] != "subscribe" || frame["channel"] != "orderbook" || frame["market"] != "BTC/USDT" {
		t.Errorf("subscribe frame = %v", frame)
	}

	b, ok := c.Book(pair)
	if !ok {
		t.Fatal("book not tracked")
	}
	mid, err := b.MidPrice()
	if err != nil {
		t.Fatalf("MidPrice: %v", err)
	}
	if mid != 100.5 {
		t.Errorf("mid = %v, want 100.5", mid)
	}
}

func TestBookDeltaWithChecksum(t *testing.T) {
	c, f := newClient(t)
	pair := types.Pair{Base: "BTC", Quote: "USDT"}
	if err := c.SubscribeOrderBooks(context.Background(), pair); err != nil {
		t.Fatalf("SubscribeOrderBooks: %v", err)
	}
	b, _ := c.Book(pair)

	// Deleting the 101 ask leaves bids 100,99 and ask 102; the checksum
	// covers the interleaved top-of-book string of that state.
	sum := crc32.ChecksumIEEE([]byte("100:1:102:2:99:2"))
	changed := b.Changed()
	f.ws.push(t, map[string]any{
		"channel": "orderbook", "market": "BTC/USDT", "type": "update",
		"data": map[string]any{
			"time":     1600000001.5,
			"checksum": sum,
			"bids":     [][]float64{},
			"asks":     [][]float64{{101, 0}},
		},
	})

	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("book never applied the delta")
	}
	mid, err := b.MidPrice()
	if err != nil {
		t.Fatalf("MidPrice: %v", err)
	}
	if mid != 101 {
		t.Errorf("mid = %v, want 101", mid)
	}
}

func TestBookChecksumMismatchResubscribes(t *testing.T) {
	c, f := newClient(t)
	pair := types.Pair{Base: "BTC", Quote: "USDT"}
	if err := c.SubscribeOrderBooks(context.Background(), pair); err != nil {
		t.Fatalf("SubscribeOrderBooks: %v", err)
	}
	f.ws.nextFrame(t) // the original subscribe

	b, _ := c.Book(pair)
	f.ws.push(t, map[string]any{
		"channel": "orderbook", "market": "BTC/USDT", "type": "update",
		"data": map[string]any{
			"time":     1600000002.0,
			"checksum": 12345,
			"bids":     [][]float64{},
			"asks":     [][]float64{{101, 0}},
		},
	})

	select {
	case <-b.Failed():
	case <-time.After(2 * time.Second):
		t.Fatal("book did not fail on checksum mismatch")
	}

	// The watcher resubscribes after a beat and the harness answers with
	// a fresh partial.
	frame := f.ws.nextFrame(t)
	if frame["op"] != "subscribe" || frame["channel"] != "orderbook" {
		t.Errorf("expected resubscribe, got %v", frame)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if nb, ok := c.Book(pair); ok && nb.Initialized() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("replacement book never initialized")
}

func TestSubscribeBookTickers(t *testing.T) {
	c, f := newClient(t)
	pair := types.Perp("BTC")

	if err := c.SubscribeBookTickers(context.Background(), pair); err != nil {
		t.Fatalf("SubscribeBookTickers: %v", err)
	}
	frame := f.ws.nextFrame(t)
	if frame["channel"] != "ticker" || frame["market"] != "BTC-PERP" {
		t.Errorf("subscribe frame = %v", frame)
	}

	f.ws.push(t, map[string]any{
		"channel": "ticker", "market": "BTC-PERP", "type": "update",
		"data": map[string]any{"bid": 30000.0, "ask": 30010.0, "bidSize": 2.5, "askSize": 1.0, "time": 1600000003.25},
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if bt, ok := c.BookTicker(pair); ok {
			if bt.BidPrice != 30000 || bt.AskPrice != 30010 || bt.Time != 1600000003250 {
				t.Errorf("ticker = %+v", bt)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("ticker never recorded")
}

func TestSubscribeUserData(t *testing.T) {
	c, f := newClient(t)

	if err := c.SubscribeUserData(context.Background(), testCreds); err != nil {
		t.Fatalf("SubscribeUserData: %v", err)
	}

	login := f.ws.nextFrame(t)
	if login["op"] != "login" {
		t.Fatalf("first frame = %v, want login", login)
	}
	args, ok := login["args"].(map[string]any)
	if !ok {
		t.Fatalf("login args = %v", login["args"])
	}
	if args["key"] != testCreds.Key {
		t.Errorf("login key = %v", args["key"])
	}
	tsMilli := int64(args["time"].(float64))
	mac := hmac.New(sha256.New, []byte(testCreds.Secret))
	mac.Write([]byte(strconv.FormatInt(tsMilli, 10) + "websocket_login"))
	if want := hex.EncodeToString(mac.Sum(nil)); args["sign"] != want {
		t.Errorf("login sign = %v, want %v", args["sign"], want)
	}

	for _, channel := range []string{"orders", "fills"} {
		frame := f.ws.nextFrame(t)
		if frame["op"] != "subscribe" || frame["channel"] != channel {
			t.Errorf("frame = %v, want subscribe %s", frame, channel)
		}
	}

	if ev := nextEvent(t, c); ev.Kind != types.UserEventAuth {
		t.Errorf("event kind = %s, want auth", ev.Kind)
	}
}

func TestSubscribeUserDataRejected(t *testing.T) {
	f := newVenueFixture(t)
	f.ws.rejectLogin = true
	c := New(f.connect(t, "ftx"), testLogger())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	err := c.SubscribeUserData(context.Background(), testCreds)
	if !errors.Is(err, types.ErrAuthFailed) {
		t.Fatalf("err = %v, want ErrAuthFailed", err)
	}
}

func TestOrderChannel(t *testing.T) {
	c, f := newClient(t)
	if err := c.SubscribeUserData(context.Background(), testCreds); err != nil {
		t.Fatalf("SubscribeUserData: %v", err)
	}
	nextEvent(t, c) // auth

	f.ws.push(t, map[string]any{
		"channel": "orders", "type": "update",
		"data": map[string]any{
			"id": 24852229, "clientId": nil, "market": "BTC-PERP",
			"type": "limit", "side": "buy", "size": 0.5, "price": 30000.0,
			"status": "open", "filledSize": 0.1,
		},
	})

	ev := nextEvent(t, c)
	if ev.Kind != types.UserEventOrder || ev.Order == nil {
		t.Fatalf("event = %+v", ev)
	}
	o := ev.Order
	if o.ID != "24852229" || o.Pair != types.Perp("BTC") || o.Side != types.Buy {
		t.Errorf("order = %+v", o)
	}
	if o.Status != types.OrderOpen || o.FilledVolume != 0.1 || o.Price != 30000 {
		t.Errorf("order state = %+v", o)
	}
}

func TestFillChannel(t *testing.T) {
	c, f := newClient(t)
	if err := c.SubscribeUserData(context.Background(), testCreds); err != nil {
		t.Fatalf("SubscribeUserData: %v", err)
	}
	nextEvent(t, c) // auth

	f.ws.push(t, map[string]any{
		"channel": "fills", "type": "update",
		"data": map[string]any{
			"market": "BTC-PERP", "orderId": 24852229, "tradeId": 19129310,
			"side": "sell", "size": 0.25, "price": 30005.0,
			"time": "2021-08-01T12:30:45.123456+00:00",
			"fee":  0.05, "feeCurrency": "USD",
		},
	})

	ev := nextEvent(t, c)
	if ev.Kind != types.UserEventFill || ev.Fill == nil {
		t.Fatalf("event = %+v", ev)
	}
	fill := ev.Fill
	if fill.ID != "19129310" || fill.OrderID != "24852229" || fill.Side != types.Sell {
		t.Errorf("fill = %+v", fill)
	}
	if fill.Volume != 0.25 || fill.Price != 30005 {
		t.Errorf("fill size = %+v", fill)
	}
	want := time.Date(2021, 8, 1, 12, 30, 45, 123456000, time.UTC)
	if !fill.Time.Equal(want) {
		t.Errorf("fill time = %v, want %v", fill.Time, want)
	}
	if fill.Fees["USD"] != 0.05 {
		t.Errorf("fees = %v", fill.Fees)
	}
}

func TestMalformedFillEmitsError(t *testing.T) {
	c, f := newClient(t)
	if err := c.SubscribeUserData(context.Background(), testCreds); err != nil {
		t.Fatalf("SubscribeUserData: %v", err)
	}
	nextEvent(t, c) // auth

	f.ws.push(t, map[string]any{
		"channel": "fills", "type": "update",
		"data": map[string]any{
			"market": "BTC-PERP", "orderId": 1, "tradeId": 2,
			"side": "sell", "size": 0.25, "price": 30005.0,
			"time": "not-a-time",
		},
	})

	ev := nextEvent(t, c)
	if ev.Kind != types.UserEventFill || ev.Err == nil || ev.Fill != nil {
		t.Fatalf("event = %+v, want fill-kind parse error", ev)
	}
}

const placedOrderBody = `{"success": true, "result": {
	"id": 9596912, "clientId": null, "market": "BTC/USDT",
	"type": "market", "side": "buy", "size": 0.5, "price": null,
	"status": "new", "filledSize": 0
}}`

func TestMarketOrder(t *testing.T) {
	c, f := newClient(t)
	f.handleJSON("POST /api/orders", placedOrderBody)

	order, err := c.MarketOrder(context.Background(), testCreds, types.MarketOrderRequest{
		Pair: types.Pair{Base: "BTC", Quote: "USDT"}, Side: types.Buy, Volume: 0.5,
	})
	if err != nil {
		t.Fatalf("MarketOrder: %v", err)
	}
	if order.ID != "9596912" || order.Status != types.OrderNew || order.Type != types.OrderTypeMarket {
		t.Errorf("order = %+v", order)
	}

	req := f.lastRequest(t, "POST", "/api/orders")
	verifySigned(t, req, "POST")
	var payload map[string]any
	if err := json.Unmarshal(req.Body, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["market"] != "BTC/USDT" || payload["side"] != "buy" || payload["type"] != "market" {
		t.Errorf("payload = %v", payload)
	}
	if payload["size"] != 0.5 {
		t.Errorf("size = %v, want 0.5", payload["size"])
	}
	if v, present := payload["price"]; !present || v != nil {
		t.Errorf("price = %v, want explicit null", v)
	}

	if ev := nextEvent(t, c); ev.Kind != types.UserEventOrder || ev.Order.ID != "9596912" {
		t.Errorf("event = %+v", ev)
	}
}

func TestMarketOrderQuoteVolume(t *testing.T) {
	c, f := newClient(t)
	f.handleJSON("POST /api/orders", placedOrderBody)

	// No book subscribed yet: the conversion subscribes one on demand and
	// walks the asks (101 then 102), so 100 quote buys 100/101 base,
	// floored to the size increment.
	_, err := c.MarketOrder(context.Background(), testCreds, types.MarketOrderRequest{
		Pair: types.Pair{Base: "BTC", Quote: "USDT"}, Side: types.Buy, QuoteVolume: 100,
	})
	if err != nil {
		t.Fatalf("MarketOrder: %v", err)
	}

	req := f.lastRequest(t, "POST", "/api/orders")
	var payload map[string]any
	if err := json.Unmarshal(req.Body, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	size, _ := payload["size"].(float64)
	if math.Abs(size-0.99) > 1e-9 {
		t.Errorf("size = %v, want 0.99", size)
	}
}

func TestMarketOrderBelowMinimum(t *testing.T) {
	c, f := newClient(t)

	_, err := c.MarketOrder(context.Background(), testCreds, types.MarketOrderRequest{
		Pair: types.Perp("BTC"), Side: types.Buy, Volume: 0.0005,
	})
	if err == nil {
		t.Fatal("expected minimum-size rejection")
	}
	f.mu.Lock()
	for _, r := range f.reqs {
		if r.Path == "/api/orders" {
			t.Error("rejected order still reached the venue")
		}
	}
	f.mu.Unlock()
}

func TestLimitOrderFlags(t *testing.T) {
	c, f := newClient(t)
	f.handleJSON("POST /api/orders", placedOrderBody)

	_, err := c.LimitOrder(context.Background(), testCreds, types.LimitOrderRequest{
		Pair: types.Pair{Base: "BTC", Quote: "USDT"}, Side: types.Buy,
		Price: 30000.7, Volume: 0.5, PostOnly: true,
	})
	if err != nil {
		t.Fatalf("LimitOrder: %v", err)
	}

	req := f.lastRequest(t, "POST", "/api/orders")
	verifySigned(t, req, "POST")
	var payload map[string]any
	if err := json.Unmarshal(req.Body, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["type"] != "limit" || payload["postOnly"] != true || payload["ioc"] != false {
		t.Errorf("payload = %v", payload)
	}
	// Buy prices snap down to the 1.0 tick.
	if payload["price"] != 30000.0 {
		t.Errorf("price = %v, want 30000", payload["price"])
	}
}

func TestCancelOrderClosedRace(t *testing.T) {
	c, f := newClient(t)
	f.handleStatus("DELETE /api/orders/42", http.StatusBadRequest,
		`{"success": false, "error": "Order already closed"}`)

	err := c.CancelOrder(context.Background(), testCreds, types.Pair{Base: "BTC", Quote: "USDT"}, "42")
	if !errors.Is(err, types.ErrOrderClosed) {
		t.Fatalf("err = %v, want ErrOrderClosed", err)
	}
}

func TestCancelOrder(t *testing.T) {
	c, f := newClient(t)
	f.handleJSON("DELETE /api/orders/42", `{"success": true, "result": "Order queued for cancellation"}`)

	if err := c.CancelOrder(context.Background(), testCreds, types.Pair{Base: "BTC", Quote: "USDT"}, "42"); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	verifySigned(t, f.lastRequest(t, "DELETE", "/api/orders/42"), "DELETE")
}

func TestCancelAllOrders(t *testing.T) {
	c, f := newClient(t)
	f.handleJSON("DELETE /api/orders", `{"success": true, "result": "Orders queued for cancellation"}`)

	if err := c.CancelAllOrders(context.Background(), testCreds); err != nil {
		t.Fatalf("CancelAllOrders: %v", err)
	}
	verifySigned(t, f.lastRequest(t, "DELETE", "/api/orders"), "DELETE")
}

func TestGetOpenOrders(t *testing.T) {
	c, f := newClient(t)
	f.handleJSON("GET /api/orders", `{"success": true, "result": [
		{"id": 1, "clientId": "c-1", "market": "BTC/USDT", "type": "limit", "side": "buy",
		 "size": 1.0, "price": 95.0, "status": "open", "filledSize": 0.5},
		{"id": 2, "clientId": null, "market": "BTC-PERP", "type": "limit", "side": "sell",
		 "size": 0.1, "price": 31000.0, "status": "new", "filledSize": 0}
	]}`)

	orders, err := c.GetOpenOrders(context.Background(), testCreds)
	if err != nil {
		t.Fatalf("GetOpenOrders: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("got %d orders", len(orders))
	}
	if orders[0].ClientID != "c-1" || orders[0].FilledVolume != 0.5 {
		t.Errorf("orders[0] = %+v", orders[0])
	}
	if orders[1].Pair != types.Perp("BTC") || orders[1].Status != types.OrderNew {
		t.Errorf("orders[1] = %+v", orders[1])
	}
	// Both also land on the event queue for the account.
	for range orders {
		if ev := nextEvent(t, c); ev.Kind != types.UserEventOrder {
			t.Errorf("event = %+v", ev)
		}
	}
}

func TestGetFills(t *testing.T) {
	c, f := newClient(t)
	f.handleJSON("GET /api/fills", `{"success": true, "result": [
		{"market": "BTC/USDT", "orderId": 7, "tradeId": 100, "side": "buy",
		 "size": 0.2, "price": 101.0, "time": "2021-08-01T12:00:00+00:00",
		 "fee": 0.01, "feeCurrency": "USDT"},
		{"market": "BTC/USDT", "orderId": 8, "tradeId": 101, "side": "buy",
		 "size": 0.3, "price": 102.0, "time": "2021-08-01T12:00:01+00:00",
		 "fee": 0.02, "feeCurrency": "USDT"}
	]}`)

	fills, err := c.GetFills(context.Background(), testCreds, types.Pair{Base: "BTC", Quote: "USDT"}, "7")
	if err != nil {
		t.Fatalf("GetFills: %v", err)
	}
	if len(fills) != 1 || fills[0].ID != "100" {
		t.Fatalf("fills = %+v", fills)
	}

	req := f.lastRequest(t, "GET", "/api/fills")
	if req.URI != "/api/fills?orderId=7" {
		t.Errorf("request URI = %q", req.URI)
	}
	// The query is part of the signed path.
	verifySigned(t, req, "GET")
}

func TestGetAccountBalances(t *testing.T) {
	c, f := newClient(t)
	f.handleJSON("GET /api/wallet/balances", `{"success": true, "result": [
		{"coin": "USD", "total": 100.0, "availableWithoutBorrow": 80.0},
		{"coin": "BTC", "total": 1.5, "availableWithoutBorrow": 1.5},
		{"coin": "DUST", "total": 0, "availableWithoutBorrow": 0}
	]}`)

	total, available, err := c.GetAccountBalances(context.Background(), testCreds)
	if err != nil {
		t.Fatalf("GetAccountBalances: %v", err)
	}
	if len(total) != 2 || total["USD"] != 100 || total["BTC"] != 1.5 {
		t.Errorf("total = %v", total)
	}
	if available["USD"] != 80 {
		t.Errorf("available = %v", available)
	}
}

func TestGetPositions(t *testing.T) {
	c, f := newClient(t)
	f.handleJSON("GET /api/positions", `{"success": true, "result": [
		{"future": "BTC-PERP", "side": "sell", "size": 0.5, "openSize": 0.5,
		 "entryPrice": 30000.0, "initialMarginRequirement": 0.1, "unrealizedPnl": -12.5},
		{"future": "ETH-PERP", "side": "buy", "size": 0, "openSize": 0,
		 "entryPrice": null, "initialMarginRequirement": 0.1, "unrealizedPnl": 0}
	]}`)

	positions, err := c.GetPositions(context.Background(), testCreds)
	if err != nil {
		t.Fatalf("GetPositions: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("got %d positions, want 1 (flat skipped)", len(positions))
	}
	p := positions[0]
	if p.Pair != types.Perp("BTC") || p.Side != -1 || p.Volume != 0.5 {
		t.Errorf("position = %+v", p)
	}
	if p.Margin != 30000*0.5*0.1 || p.PnL != -12.5 {
		t.Errorf("position margin/pnl = %+v", p)
	}
}

func TestGetAccountInfo(t *testing.T) {
	c, f := newClient(t)
	f.handleJSON("GET /api/account", `{"success": true, "result": {
		"positions": [
			{"future": "BTC-PERP", "side": "buy", "size": 0.2,
			 "entryPrice": 29000.0, "initialMarginRequirement": 0.05, "unrealizedPnl": 10.0}
		],
		"leverage": 20.0, "freeCollateral": 5000.0,
		"makerFee": 0.0002, "takerFee": 0.0007
	}}`)

	info, err := c.GetAccountInfo(context.Background(), testCreds)
	if err != nil {
		t.Fatalf("GetAccountInfo: %v", err)
	}
	if info.Leverage != 20 || info.FreeCollateral != 5000 {
		t.Errorf("info = %+v", info)
	}
	if info.MakerFee != 0.0002 || info.TakerFee != 0.0007 {
		t.Errorf("fees = %+v", info)
	}
	if len(info.Positions) != 1 || info.Positions[0].Side != 1 {
		t.Errorf("positions = %+v", info.Positions)
	}
}

func TestSetLeverage(t *testing.T) {
	c, f := newClient(t)
	f.handleJSON("POST /api/account/leverage", `{"success": true, "result": null}`)

	if err := c.SetLeverage(context.Background(), testCreds, types.Perp("BTC"), 10); err != nil {
		t.Fatalf("SetLeverage: %v", err)
	}
	req := f.lastRequest(t, "POST", "/api/account/leverage")
	verifySigned(t, req, "POST")
	var payload map[string]any
	if err := json.Unmarshal(req.Body, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["leverage"] != 10.0 {
		t.Errorf("payload = %v", payload)
	}
}

func TestGetCandles(t *testing.T) {
	c, f := newClient(t)
	f.handleJSON("GET /api/markets/BTC-PERP/candles", `{"success": true, "result": [
		{"time": 1630454400000.0, "open": 47000.0, "high": 47500.0,
		 "low": 46800.0, "close": 47200.0, "volume": 1500000.0}
	]}`)

	start := time.Unix(1630454400, 0)
	end := time.Unix(1630458000, 0)
	candles, err := c.GetCandles(context.Background(), types.Perp("BTC"), start, end, time.Minute)
	if err != nil {
		t.Fatalf("GetCandles: %v", err)
	}
	if len(candles) != 1 {
		t.Fatalf("got %d candles", len(candles))
	}
	cd := candles[0]
	if !cd.Time.Equal(time.UnixMilli(1630454400000)) || cd.Open != 47000 || cd.Close != 47200 {
		t.Errorf("candle = %+v", cd)
	}
	if cd.QuoteVolume != 1500000 || cd.BaseVolume != 0 {
		t.Errorf("candle volume = %+v", cd)
	}

	req := f.lastRequest(t, "GET", "/api/markets/BTC-PERP/candles")
	if req.URI != "/api/markets/BTC-PERP/candles?resolution=60&start_time=1630454400&end_time=1630458000" {
		t.Errorf("request URI = %q", req.URI)
	}

	if _, err := c.GetCandles(context.Background(), types.Perp("BTC"), start, end, 7*time.Minute); err == nil {
		t.Error("expected unsupported-resolution error")
	}
}
