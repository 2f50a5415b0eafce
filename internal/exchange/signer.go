package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strconv"
	"time"
)

// Credentials is the key pair a signed request is made with
type Credentials struct {
	APIKey    string
	APISecret string
}

// Sign returns the hex HMAC-SHA256 of payload keyed by secret
func Sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// signedQuery adds timestamp and recvWindow to params and appends the
// signature last, as the exchange verifies the query in order.
func signedQuery(params url.Values, secret string, now time.Time, recvWindow int64) string {
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(now.UnixMilli(), 10))
	if recvWindow > 0 {
		params.Set("recvWindow", strconv.FormatInt(recvWindow, 10))
	}

	query := params.Encode()
	return query + "&signature=" + Sign(secret, query)
}
