package venue

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"cryptobots/pkg/types"
)

func hmacHex(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

var signTS = time.UnixMilli(1700000000000)

func TestQuerySignerSignsSortedParams(t *testing.T) {
	t.Parallel()
	s := NewQuerySigner(types.Credentials{Key: "api-key", Secret: "api-secret"}, "X-MBX-APIKEY")

	params := map[string]string{"symbol": "BTCUSDT", "side": "BUY"}
	signed, headers, err := s.Sign("POST", "/api/v3/order", params, nil, signTS)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	// Keys sorted alphabetically, timestamp injected.
	want := hmacHex("api-secret", "side=BUY&symbol=BTCUSDT&timestamp=1700000000000")
	if signed["signature"] != want {
		t.Errorf("signature = %s, want %s", signed["signature"], want)
	}
	if signed["timestamp"] != "1700000000000" {
		t.Errorf("timestamp = %s, want 1700000000000", signed["timestamp"])
	}
	if signed["symbol"] != "BTCUSDT" || signed["side"] != "BUY" {
		t.Errorf("original params not preserved: %v", signed)
	}
	if headers["X-MBX-APIKEY"] != "api-key" {
		t.Errorf("key header = %v", headers)
	}
}

func TestQuerySignerDeterministic(t *testing.T) {
	t.Parallel()
	s := NewQuerySigner(types.Credentials{Key: "k", Secret: "sec"}, "X-MBX-APIKEY")

	params := map[string]string{"a": "1", "b": "2"}
	first, _, err := s.Sign("GET", "/x", params, nil, signTS)
	if err != nil {
		t.Fatal(err)
	}
	second, _, err := s.Sign("GET", "/x", params, nil, signTS)
	if err != nil {
		t.Fatal(err)
	}
	if first["signature"] != second["signature"] {
		t.Errorf("signatures differ for identical input: %s vs %s", first["signature"], second["signature"])
	}
}

func TestHeaderSignerPayload(t *testing.T) {
	t.Parallel()
	s := NewHeaderSigner(types.Credentials{Key: "key", Secret: "secret"}, "FTX")

	_, headers, err := s.Sign("get", "/api/markets", nil, nil, signTS)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	// Method uppercased in the payload.
	want := hmacHex("secret", "1700000000000GET/api/markets")
	if headers["FTX-SIGN"] != want {
		t.Errorf("FTX-SIGN = %s, want %s", headers["FTX-SIGN"], want)
	}
	if headers["FTX-KEY"] != "key" {
		t.Errorf("FTX-KEY = %s", headers["FTX-KEY"])
	}
	if headers["FTX-TS"] != "1700000000000" {
		t.Errorf("FTX-TS = %s", headers["FTX-TS"])
	}
	if _, ok := headers["FTX-SUBACCOUNT"]; ok {
		t.Error("FTX-SUBACCOUNT set without a subaccount")
	}
}

func TestHeaderSignerBodyAndSubaccount(t *testing.T) {
	t.Parallel()
	s := NewHeaderSigner(types.Credentials{Key: "key", Secret: "secret", Subaccount: "sub one"}, "FTX")

	body := []byte(`{"market":"BTC/USD","size":1}`)
	_, headers, err := s.Sign("POST", "/api/orders", nil, body, signTS)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	want := hmacHex("secret", "1700000000000POST/api/orders"+string(body))
	if headers["FTX-SIGN"] != want {
		t.Errorf("FTX-SIGN = %s, want %s", headers["FTX-SIGN"], want)
	}
	if headers["FTX-SUBACCOUNT"] != "sub%20one" {
		t.Errorf("FTX-SUBACCOUNT = %s, want sub%%20one", headers["FTX-SUBACCOUNT"])
	}
}

func TestLoginArgs(t *testing.T) {
	t.Parallel()
	s := NewHeaderSigner(types.Credentials{Key: "key", Secret: "secret"}, "FTX")

	args := s.LoginArgs(signTS)
	want := hmacHex("secret", "1700000000000websocket_login")
	if args["sign"] != want {
		t.Errorf("sign = %v, want %s", args["sign"], want)
	}
	if args["time"] != int64(1700000000000) {
		t.Errorf("time = %v, want 1700000000000", args["time"])
	}
	if args["key"] != "key" {
		t.Errorf("key = %v", args["key"])
	}
	if _, ok := args["subaccount"]; ok {
		t.Error("subaccount present without one configured")
	}
}
