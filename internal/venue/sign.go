package venue

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strconv"
	"strings"
	"time"

	"cryptobots/pkg/types"
)

// Signer augments one request with venue authentication. Implementations
// are pure functions of their inputs: given the same credentials,
// request parts and timestamp they always produce the same output.
type Signer interface {
	// Sign returns the query parameters and headers to send. Either input
	// may be nil; the returned maps replace, not merge with, the inputs.
	Sign(method, path string, params map[string]string, body []byte, ts time.Time) (signedParams, headers map[string]string, err error)
}

// QuerySigner implements the query-parameter scheme: HMAC-SHA256 over the
// URL-encoded parameter set including a millisecond timestamp, appended
// as a `signature` parameter, with the API key in a header.
//
// The payload is url.Values.Encode of the parameters, which sorts keys
// alphabetically. The HTTP layer encodes query parameters the same way,
// so the signed bytes always match the sent bytes.
type QuerySigner struct {
	creds     types.Credentials
	keyHeader string
}

func NewQuerySigner(creds types.Credentials, keyHeader string) *QuerySigner {
	return &QuerySigner{creds: creds, keyHeader: keyHeader}
}

func (s *QuerySigner) Sign(method, path string, params map[string]string, body []byte, ts time.Time) (map[string]string, map[string]string, error) {
	v := url.Values{}
	for k, val := range params {
		v.Set(k, val)
	}
	v.Set("timestamp", strconv.FormatInt(ts.UnixMilli(), 10))

	mac := hmac.New(sha256.New, []byte(s.creds.Secret))
	mac.Write([]byte(v.Encode()))

	signed := make(map[string]string, len(v)+1)
	for k := range v {
		signed[k] = v.Get(k)
	}
	signed["signature"] = hex.EncodeToString(mac.Sum(nil))

	headers := map[string]string{s.keyHeader: s.creds.Key}
	return signed, headers, nil
}

// KeyHeader returns the API-key header alone, for endpoints that are
// keyed but not signed (listen-key management).
func (s *QuerySigner) KeyHeader() map[string]string {
	return map[string]string{s.keyHeader: s.creds.Key}
}

// HeaderSigner implements the header scheme: HMAC-SHA256 over
// `ts + METHOD + path + body`, split across KEY/SIGN/TS headers with an
// optional SUBACCOUNT header. For GET requests, path must already carry
// the encoded query string because the venue signs the full request path.
type HeaderSigner struct {
	creds  types.Credentials
	prefix string // header prefix, e.g. "FTX"
}

func NewHeaderSigner(creds types.Credentials, prefix string) *HeaderSigner {
	return &HeaderSigner{creds: creds, prefix: prefix}
}

func (s *HeaderSigner) Sign(method, path string, params map[string]string, body []byte, ts time.Time) (map[string]string, map[string]string, error) {
	tsStr := strconv.FormatInt(ts.UnixMilli(), 10)
	payload := tsStr + strings.ToUpper(method) + path
	if len(body) > 0 {
		payload += string(body)
	}

	mac := hmac.New(sha256.New, []byte(s.creds.Secret))
	mac.Write([]byte(payload))

	headers := map[string]string{
		s.prefix + "-KEY":  s.creds.Key,
		s.prefix + "-SIGN": hex.EncodeToString(mac.Sum(nil)),
		s.prefix + "-TS":   tsStr,
	}
	if s.creds.Subaccount != "" {
		headers[s.prefix+"-SUBACCOUNT"] = url.PathEscape(s.creds.Subaccount)
	}
	return params, headers, nil
}

// LoginArgs builds the payload of the authenticated WebSocket login frame:
// HMAC-SHA256 over `ts + "websocket_login"`.
func (s *HeaderSigner) LoginArgs(ts time.Time) map[string]any {
	tsMilli := ts.UnixMilli()
	mac := hmac.New(sha256.New, []byte(s.creds.Secret))
	mac.Write([]byte(strconv.FormatInt(tsMilli, 10) + "websocket_login"))

	args := map[string]any{
		"key":  s.creds.Key,
		"sign": hex.EncodeToString(mac.Sum(nil)),
		"time": tsMilli,
	}
	if s.creds.Subaccount != "" {
		args["subaccount"] = s.creds.Subaccount
	}
	return args
}
