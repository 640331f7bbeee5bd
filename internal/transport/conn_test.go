package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"cryptobots/pkg/types"
)

var testUpgrader = websocket.Upgrader{}

// wsEchoServer echoes every frame back and answers a frame containing
// "poison" with a deliberately malformed payload.
func wsEchoServer() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			mt, msg, err := c.ReadMessage()
			if err != nil {
				return
			}
			if strings.Contains(string(msg), "poison") {
				c.WriteMessage(websocket.TextMessage, []byte("{not json"))
				continue
			}
			if err := c.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}
}

func newTestConn(t *testing.T, handler http.Handler) (*Conn, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	c := New("test", srv.URL, wsURL, NewScheduler("test", testLogger()), testLogger())
	t.Cleanup(func() { c.Close() })
	return c, srv
}

func TestGetReturnsBody(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/time", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"serverTime":1625097600000}`))
	})
	c, _ := newTestConn(t, mux)

	raw, err := c.Get(context.Background(), "/api/v3/time", Request{})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	var body struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.ServerTime != 1625097600000 {
		t.Errorf("serverTime = %d, want 1625097600000", body.ServerTime)
	}
}

func TestGetSendsQueryParams(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/depth", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("symbol"); got != "BTCUSDT" {
			t.Errorf("symbol param = %q, want BTCUSDT", got)
		}
		w.Write([]byte(`{}`))
	})
	c, _ := newTestConn(t, mux)

	_, err := c.Get(context.Background(), "/api/v3/depth", Request{
		Params: map[string]string{"symbol": "BTCUSDT", "limit": "100"},
	})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
}

func TestNon2xxReturnsHTTPStatusError(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/order", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	})
	c, _ := newTestConn(t, mux)

	_, err := c.Post(context.Background(), "/api/v3/order", Request{})
	var statusErr *types.HTTPStatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("error = %v, want HTTPStatusError", err)
	}
	if statusErr.Status != http.StatusBadRequest {
		t.Errorf("Status = %d, want 400", statusErr.Status)
	}
	if !strings.Contains(string(statusErr.Body), "-1121") {
		t.Errorf("Body = %s, want venue error code preserved", statusErr.Body)
	}
	if errors.Is(err, types.ErrTransport) {
		t.Error("venue rejection must not be classified as transport error")
	}
}

func TestTransportErrorWrapped(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close() // refuse all connections

	c := New("test", srv.URL, "", NewScheduler("test", testLogger()), testLogger())
	_, err := c.Get(context.Background(), "/ping", Request{})
	if !errors.Is(err, types.ErrTransport) {
		t.Errorf("error = %v, want ErrTransport", err)
	}
}

func TestWSSendBeforeConnect(t *testing.T) {
	t.Parallel()
	c := New("test", "http://localhost", "ws://localhost", nil, testLogger())
	err := c.WSSend(context.Background(), map[string]any{"method": "SUBSCRIBE"})
	if !errors.Is(err, types.ErrWSClosed) {
		t.Errorf("WSSend before Connect = %v, want ErrWSClosed", err)
	}
}

func TestWSRoundTripAssignsIDs(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.Handle("/ws", wsEchoServer())
	c, _ := newTestConn(t, mux)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	inbound := c.Inbound()

	for want := int64(1); want <= 2; want++ {
		if err := c.WSSend(context.Background(), map[string]any{"method": "SUBSCRIBE"}); err != nil {
			t.Fatalf("WSSend: %v", err)
		}
		select {
		case raw := <-inbound:
			var frame struct {
				ID int64 `json:"id"`
			}
			if err := json.Unmarshal(raw, &frame); err != nil {
				t.Fatalf("unmarshal echo: %v", err)
			}
			if frame.ID != want {
				t.Errorf("frame id = %d, want %d", frame.ID, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("no echo received")
		}
	}
}

func TestConnectIdempotent(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.Handle("/ws", wsEchoServer())
	c, _ := newTestConn(t, mux)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if !c.Open() {
		t.Error("Open() = false after Connect")
	}
}

func TestBadFrameClosesConnection(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.Handle("/ws", wsEchoServer())
	c, _ := newTestConn(t, mux)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	inbound := c.Inbound()

	if err := c.WSSend(context.Background(), map[string]any{"method": "poison"}); err != nil {
		t.Fatalf("WSSend: %v", err)
	}

	// The malformed reply must tear the connection down and close the
	// inbound queue so the parse task can drain and exit.
	timeout := time.After(2 * time.Second)
	closed := false
	for !closed {
		select {
		case _, ok := <-inbound:
			if !ok {
				closed = true
			}
		case <-timeout:
			t.Fatal("inbound channel not closed after bad frame")
		}
	}

	if c.Open() {
		t.Error("Open() = true after bad frame")
	}
	if err := c.WSSend(context.Background(), map[string]any{"method": "SUBSCRIBE"}); !errors.Is(err, types.ErrWSClosed) {
		t.Errorf("WSSend after failure = %v, want ErrWSClosed", err)
	}
}

func TestCheckConnection(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/ping", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// Read loop so the default ping handler answers our pings.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	c, _ := newTestConn(t, mux)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.CheckConnection(context.Background(), "/api/v3/ping", 2*time.Second); err != nil {
		t.Errorf("CheckConnection: %v", err)
	}
}

func TestCheckConnectionClosedSocket(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/ping", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	c, _ := newTestConn(t, mux)

	err := c.CheckConnection(context.Background(), "/api/v3/ping", time.Second)
	if !errors.Is(err, types.ErrWSClosed) {
		t.Errorf("CheckConnection without socket = %v, want ErrWSClosed", err)
	}
}

func TestCloseIdempotent(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.Handle("/ws", wsEchoServer())
	c, _ := newTestConn(t, mux)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	c.Close()
	if err := c.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if c.Open() {
		t.Error("Open() = true after Close")
	}
}
