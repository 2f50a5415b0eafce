package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ajitpratap0/streamgate/internal/db"
)

const (
	pathSpotUserStream    = "/api/v3/userDataStream"
	pathFuturesUserStream = "/fapi/v1/listenKey"
)

func userStreamPath(market db.MarketType) string {
	if market == db.MarketFutures {
		return pathFuturesUserStream
	}
	return pathSpotUserStream
}

// listenKeyParams returns the query of keepalive and close calls. Futures
// identifies the key by the API key alone.
func listenKeyParams(market db.MarketType, listenKey string) url.Values {
	if market == db.MarketFutures {
		return url.Values{}
	}
	return url.Values{"listenKey": {listenKey}}
}

// CreateListenKey opens a user data stream and returns its listen key
func (c *Client) CreateListenKey(ctx context.Context, market db.MarketType, creds Credentials) (string, error) {
	resp, err := c.do(ctx, market, http.MethodPost, userStreamPath(market), url.Values{}, &creds, authKey)
	if err != nil {
		return "", err
	}

	var out struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return "", fmt.Errorf("failed to decode listen key: %w", err)
	}
	if out.ListenKey == "" {
		return "", fmt.Errorf("empty listen key in %s response", market)
	}
	return out.ListenKey, nil
}

// KeepAliveListenKey extends a listen key's validity by 60 minutes
func (c *Client) KeepAliveListenKey(ctx context.Context, market db.MarketType, creds Credentials, listenKey string) error {
	_, err := c.do(ctx, market, http.MethodPut, userStreamPath(market), listenKeyParams(market, listenKey), &creds, authKey)
	return err
}

// CloseListenKey closes a user data stream
func (c *Client) CloseListenKey(ctx context.Context, market db.MarketType, creds Credentials, listenKey string) error {
	_, err := c.do(ctx, market, http.MethodDelete, userStreamPath(market), listenKeyParams(market, listenKey), &creds, authKey)
	return err
}
