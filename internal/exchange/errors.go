package exchange

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ajitpratap0/streamgate/internal/apperr"
)

// ErrRejected marks a request the exchange refused for reasons other than
// auth or throttling (bad parameters, unknown order, filter failure)
var ErrRejected = errors.New("request rejected")

// Binance error codes with special handling
const (
	codeTooManyRequests  = -1003
	codeInvalidSignature = -1022
	codeBadAPIKeyFormat  = -2014
	codeRejectedAPIKey   = -2015
	codeUnknownListenKey = -1125
)

// defaultRetryAfter is used when a throttled response carries no Retry-After header
const defaultRetryAfter = 10 * time.Second

// APIError is a failed exchange call. Kind is one of the apperr sentinels or ErrRejected.
type APIError struct {
	Kind       error
	Status     int
	Code       int
	Msg        string
	Endpoint   string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: %s (status %d, code %d): %s", e.Endpoint, e.Kind, e.Status, e.Code, e.Msg)
	}
	return fmt.Sprintf("%s: %s (status %d): %s", e.Endpoint, e.Kind, e.Status, e.Msg)
}

// Unwrap exposes the kind so errors.Is(err, apperr.ErrAuthFailure) works
func (e *APIError) Unwrap() error {
	return e.Kind
}

// IsUnknownListenKey reports whether the exchange no longer knows a listen key
func IsUnknownListenKey(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == codeUnknownListenKey
}

// RetryAfter returns the server requested wait of a rate-limited error, or 0
func RetryAfter(err error) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	return 0
}

type errorBody struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// classify turns a non-2xx response into an APIError
func classify(endpoint string, status int, header http.Header, body []byte) *APIError {
	e := &APIError{Status: status, Endpoint: endpoint}

	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil && (eb.Code != 0 || eb.Msg != "") {
		e.Code = eb.Code
		e.Msg = eb.Msg
	} else {
		e.Msg = truncate(string(body), 256)
	}

	switch {
	case status == http.StatusTooManyRequests || status == http.StatusTeapot || e.Code == codeTooManyRequests:
		e.Kind = apperr.ErrRateLimited
		e.RetryAfter = parseRetryAfter(header.Get("Retry-After"))
	case e.Code == codeBadAPIKeyFormat || e.Code == codeRejectedAPIKey || e.Code == codeInvalidSignature ||
		status == http.StatusUnauthorized:
		e.Kind = apperr.ErrAuthFailure
	case status >= 500:
		e.Kind = apperr.ErrConnectionLost
	default:
		e.Kind = ErrRejected
	}
	return e
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return defaultRetryAfter
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return defaultRetryAfter
	}
	return time.Duration(secs) * time.Second
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
