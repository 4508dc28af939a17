package binance

import (
	"net/http"
	"strings"
	"time"
)

const (
	defaultAPIBaseURL    = "https://fapi.binance.com"
	defaultStreamBaseURL = "wss://fstream.binance.com"

	defaultHTTPTimeout         = 10 * time.Second
	defaultRecvWindow          = 5 * time.Second
	defaultRetryMaxAttempts    = 3
	defaultRetryInitialDelay   = 2 * time.Second
	defaultRequestsPerSecond   = 8.0
	defaultUserStreamKeepAlive = 15 * time.Minute
)

// Options configure the Binance USD-M futures client.
type Options struct {
	APIKey    string
	APISecret string

	// BaseURL overrides the REST endpoint, primarily for tests and testnet.
	BaseURL string
	// StreamURL overrides the websocket endpoint.
	StreamURL string

	HTTPClient *http.Client

	HTTPTimeout       time.Duration
	RecvWindow        time.Duration
	RetryMaxAttempts  int
	RetryInitialDelay time.Duration
	// RequestsPerSecond paces outbound REST calls; retries stay bounded
	// regardless.
	RequestsPerSecond   float64
	UserStreamKeepAlive time.Duration

	clock func() time.Time
}

func withDefaults(in Options) Options {
	if strings.TrimSpace(in.BaseURL) == "" {
		in.BaseURL = defaultAPIBaseURL
	}
	in.BaseURL = strings.TrimSuffix(strings.TrimSpace(in.BaseURL), "/")
	if strings.TrimSpace(in.StreamURL) == "" {
		in.StreamURL = defaultStreamBaseURL
	}
	in.StreamURL = strings.TrimSuffix(strings.TrimSpace(in.StreamURL), "/")
	if in.HTTPTimeout <= 0 {
		in.HTTPTimeout = defaultHTTPTimeout
	}
	if in.RecvWindow <= 0 {
		in.RecvWindow = defaultRecvWindow
	}
	if in.RetryMaxAttempts <= 0 {
		in.RetryMaxAttempts = defaultRetryMaxAttempts
	}
	if in.RetryInitialDelay <= 0 {
		in.RetryInitialDelay = defaultRetryInitialDelay
	}
	if in.RequestsPerSecond <= 0 {
		in.RequestsPerSecond = defaultRequestsPerSecond
	}
	if in.UserStreamKeepAlive <= 0 {
		in.UserStreamKeepAlive = defaultUserStreamKeepAlive
	}
	if in.clock == nil {
		in.clock = time.Now
	}
	return in
}

func (o Options) endpoint(path string) string {
	if strings.TrimSpace(path) == "" {
		return o.BaseURL
	}
	if strings.HasPrefix(path, "/") {
		return o.BaseURL + path
	}
	return o.BaseURL + "/" + path
}
