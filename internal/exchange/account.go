package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/streamgate/internal/db"
)

const (
	pathSpotAccount    = "/api/v3/account"
	pathFuturesAccount = "/fapi/v2/account"
)

// Balance is one asset of an account snapshot
type Balance struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
}

// Total returns free plus locked
func (b Balance) Total() decimal.Decimal {
	return b.Free.Add(b.Locked)
}

// FetchBalances returns the non-zero balances of a credential's spot or futures account
func (c *Client) FetchBalances(ctx context.Context, market db.MarketType, creds Credentials) ([]Balance, error) {
	switch market {
	case db.MarketSpot:
		return c.fetchSpotBalances(ctx, creds)
	case db.MarketFutures:
		return c.fetchFuturesBalances(ctx, creds)
	default:
		return nil, fmt.Errorf("unsupported market %s", market)
	}
}

func (c *Client) fetchSpotBalances(ctx context.Context, creds Credentials) ([]Balance, error) {
	params := url.Values{"omitZeroBalances": {"true"}}
	resp, err := c.do(ctx, db.MarketSpot, http.MethodGet, pathSpotAccount, params, &creds, authSigned)
	if err != nil {
		return nil, err
	}

	var account struct {
		Balances []struct {
			Asset  string          `json:"asset"`
			Free   decimal.Decimal `json:"free"`
			Locked decimal.Decimal `json:"locked"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(resp.Body, &account); err != nil {
		return nil, fmt.Errorf("failed to decode spot account: %w", err)
	}

	balances := make([]Balance, 0, len(account.Balances))
	for _, b := range account.Balances {
		bal := Balance{Asset: b.Asset, Free: b.Free, Locked: b.Locked}
		if bal.Total().IsZero() {
			continue
		}
		balances = append(balances, bal)
	}
	return balances, nil
}

func (c *Client) fetchFuturesBalances(ctx context.Context, creds Credentials) ([]Balance, error) {
	resp, err := c.do(ctx, db.MarketFutures, http.MethodGet, pathFuturesAccount, url.Values{}, &creds, authSigned)
	if err != nil {
		return nil, err
	}

	var account struct {
		Assets []struct {
			Asset            string          `json:"asset"`
			WalletBalance    decimal.Decimal `json:"walletBalance"`
			AvailableBalance decimal.Decimal `json:"availableBalance"`
		} `json:"assets"`
	}
	if err := json.Unmarshal(resp.Body, &account); err != nil {
		return nil, fmt.Errorf("failed to decode futures account: %w", err)
	}

	balances := make([]Balance, 0, len(account.Assets))
	for _, a := range account.Assets {
		if a.WalletBalance.IsZero() {
			continue
		}
		// Margin in use shows up as wallet minus available
		locked := a.WalletBalance.Sub(a.AvailableBalance)
		if locked.IsNegative() {
			locked = decimal.Zero
		}
		balances = append(balances, Balance{
			Asset:  a.Asset,
			Free:   a.WalletBalance.Sub(locked),
			Locked: locked,
		})
	}
	return balances, nil
}
