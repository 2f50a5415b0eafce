package exchange

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/ajitpratap0/streamgate/internal/apperr"
	"github.com/ajitpratap0/streamgate/internal/db"
	"github.com/ajitpratap0/streamgate/internal/metrics"
)

// Exchange base URLs
const (
	MainnetSpotURL    = "https://api.binance.com"
	MainnetFuturesURL = "https://fapi.binance.com"
	TestnetSpotURL    = "https://testnet.binance.vision"
	TestnetFuturesURL = "https://testnet.binancefuture.com"
)

const (
	defaultTimeout    = 10 * time.Second
	defaultRecvWindow = 5000
	maxBodySize       = 4 << 20
)

// Config configures a Client. Empty base URLs follow Testnet.
type Config struct {
	Testnet         bool
	SpotBaseURL     string
	FuturesBaseURL  string
	Timeout         time.Duration
	RecvWindow      int64
	WeightThreshold int
	GuardPause      time.Duration
	Breaker         BreakerSettings
	HTTPClient      *http.Client
}

// auth selects how a request is authenticated
type auth int

const (
	authNone   auth = iota
	authKey         // API key header only (user data stream endpoints)
	authSigned      // API key header plus HMAC signature
)

// host is the per-market state: one weight budget, one breaker, one clock offset
type host struct {
	market  db.MarketType
	baseURL string
	guard   *WeightGuard
	breaker *gobreaker.CircuitBreaker
	offset  atomic.Int64 // server minus local clock, ms
}

// Client is the signed REST client shared by all credentials of an environment
type Client struct {
	hosts      map[db.MarketType]*host
	http       *http.Client
	timeout    time.Duration
	recvWindow int64
	now        func() time.Time
	log        zerolog.Logger
}

// Response is a successful exchange reply
type Response struct {
	Status    int
	Body      []byte
	RateLimit RateLimitInfo
}

// NewClient creates a REST client for spot and futures
func NewClient(cfg Config, log zerolog.Logger) *Client {
	spotURL, futuresURL := MainnetSpotURL, MainnetFuturesURL
	if cfg.Testnet {
		spotURL, futuresURL = TestnetSpotURL, TestnetFuturesURL
	}
	if cfg.SpotBaseURL != "" {
		spotURL = cfg.SpotBaseURL
	}
	if cfg.FuturesBaseURL != "" {
		futuresURL = cfg.FuturesBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RecvWindow <= 0 {
		cfg.RecvWindow = defaultRecvWindow
	}
	if cfg.Breaker == (BreakerSettings{}) {
		cfg.Breaker = DefaultBreakerSettings()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	c := &Client{
		hosts:      make(map[db.MarketType]*host, 2),
		http:       httpClient,
		timeout:    cfg.Timeout,
		recvWindow: cfg.RecvWindow,
		now:        time.Now,
		log:        log,
	}
	for market, baseURL := range map[db.MarketType]string{db.MarketSpot: spotURL, db.MarketFutures: futuresURL} {
		name := market.String()
		c.hosts[market] = &host{
			market:  market,
			baseURL: strings.TrimRight(baseURL, "/"),
			guard:   NewWeightGuard(name, cfg.WeightThreshold, cfg.GuardPause, log.With().Str("market", name).Logger()),
			breaker: newBreaker("binance_"+name, cfg.Breaker),
		}
	}

	log.Info().
		Bool("testnet", cfg.Testnet).
		Str("spot_url", spotURL).
		Str("futures_url", futuresURL).
		Msg("Exchange client initialized")

	return c
}

// BaseURL returns the REST base URL of a market
func (c *Client) BaseURL(market db.MarketType) string {
	if h, ok := c.hosts[market]; ok {
		return h.baseURL
	}
	return ""
}

// Guard returns the weight guard of a market
func (c *Client) Guard(market db.MarketType) *WeightGuard {
	if h, ok := c.hosts[market]; ok {
		return h.guard
	}
	return nil
}

func (c *Client) host(market db.MarketType) (*host, error) {
	h, ok := c.hosts[market]
	if !ok {
		return nil, fmt.Errorf("unsupported market %s", market)
	}
	return h, nil
}

// do runs one REST call through the weight guard and the breaker
func (c *Client) do(ctx context.Context, market db.MarketType, method, path string, params url.Values, creds *Credentials, mode auth) (*Response, error) {
	h, err := c.host(market)
	if err != nil {
		return nil, err
	}
	if mode != authNone && (creds == nil || creds.APIKey == "") {
		return nil, &APIError{Kind: apperr.ErrAuthFailure, Endpoint: path, Msg: "missing API key"}
	}

	if err := h.guard.Wait(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	out, err := h.breaker.Execute(func() (interface{}, error) {
		return c.roundTrip(ctx, h, method, path, params, creds, mode)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = &APIError{Kind: apperr.ErrConnectionLost, Endpoint: path, Msg: err.Error()}
	}
	metrics.RecordExchangeCall(market.String(), path, float64(time.Since(start).Milliseconds()), err)
	if err != nil {
		return nil, err
	}
	return out.(*Response), nil
}

func (c *Client) roundTrip(ctx context.Context, h *host, method, path string, params url.Values, creds *Credentials, mode auth) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	query := params.Encode()
	if mode == authSigned {
		now := c.now().Add(time.Duration(h.offset.Load()) * time.Millisecond)
		query = signedQuery(params, creds.APISecret, now, c.recvWindow)
	}
	target := h.baseURL + path
	if query != "" {
		target += "?" + query
	}

	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if mode != authNone {
		req.Header.Set("X-MBX-APIKEY", creds.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &APIError{Kind: apperr.ErrConnectionLost, Endpoint: path, Msg: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, &APIError{Kind: apperr.ErrConnectionLost, Status: resp.StatusCode, Endpoint: path, Msg: err.Error()}
	}

	info := ParseRateLimit(resp.Header)
	h.guard.Observe(info)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := classify(path, resp.StatusCode, resp.Header, body)
		if errors.Is(apiErr, apperr.ErrRateLimited) {
			h.guard.Block(apiErr.RetryAfter)
		}
		c.log.Debug().
			Str("market", h.market.String()).
			Str("method", method).
			Str("path", path).
			Int("status", resp.StatusCode).
			Int("code", apiErr.Code).
			Msg("Exchange call failed")
		return nil, apiErr
	}

	return &Response{Status: resp.StatusCode, Body: body, RateLimit: info}, nil
}
