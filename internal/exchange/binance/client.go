// Package binance implements the transport gateway and user-data stream
// listener for the Binance USD-M futures API.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/openordinal/execsync/errs"
)

// Client issues signed REST calls against the Binance futures API with a
// bounded retry policy for transient failures.
type Client struct {
	opts    Options
	http    *http.Client
	limiter *rate.Limiter
	clock   func() time.Time
}

// NewClient constructs a REST client from the supplied options.
func NewClient(opts Options) *Client {
	opts = withDefaults(opts)
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.HTTPTimeout}
	}
	return &Client{
		opts:    opts,
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1),
		clock:   opts.clock,
	}
}

type binanceError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Binance error codes the engine classifies individually. Classification is
// by numeric code, never by message text.
const (
	codeTooManyRequests      = -1003
	codeInvalidTIF           = -1115
	codeInvalidQuantity      = -1013
	codePrecisionOverFilter  = -1111
	codeMandatoryParam       = -1102
	codeNewOrderRejected     = -2010
	codeCancelRejected       = -2011
	codeNoSuchOrder          = -2013
	codeMarginInsufficient   = -2019
	codeNoNeedToChangeMargin = -4046
	codeLeverageNotValid     = -4028
)

// signedQuery appends recvWindow, timestamp, and signature to params.
func (c *Client) signedQuery(params url.Values) string {
	if params == nil {
		params = url.Values{}
	}
	if c.opts.RecvWindow > 0 {
		params.Set("recvWindow", strconv.FormatInt(c.opts.RecvWindow.Milliseconds(), 10))
	}
	params.Set("timestamp", strconv.FormatInt(c.clock().UTC().UnixMilli(), 10))
	payload := params.Encode()
	return payload + "&signature=" + signPayload(payload, c.opts.APISecret)
}

func signPayload(payload, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// doSigned executes one signed request with bounded retries on transient
// failures. Non-transient errors abort immediately as classified errors.
func (c *Client) doSigned(ctx context.Context, op, method, path string, params url.Values) ([]byte, error) {
	operation := func() ([]byte, error) {
		body, err := c.once(ctx, op, method, path, params)
		if err != nil && !errs.Transient(err) {
			return nil, backoff.Permanent(err)
		}
		return body, err
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.opts.RetryInitialDelay

	body, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(c.opts.RetryMaxAttempts)),
	)
	if err == nil {
		return body, nil
	}
	if errs.Transient(err) {
		return nil, errs.New(op, errs.CodeUnavailable,
			errs.WithCanonicalCode(errs.CanonicalTransportFailure),
			errs.WithMessage(fmt.Sprintf("retries exhausted after %d attempts", c.opts.RetryMaxAttempts)),
			errs.WithCause(err))
	}
	return nil, err
}

func (c *Client) once(ctx context.Context, op, method, path string, params url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("limiter wait: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.opts.HTTPTimeout)
	defer cancel()

	query := c.signedQuery(params)
	endpoint := c.opts.endpoint(path)

	var req *http.Request
	var err error
	if method == http.MethodGet || method == http.MethodDelete {
		req, err = http.NewRequestWithContext(reqCtx, method, endpoint+"?"+query, nil)
	} else {
		req, err = http.NewRequestWithContext(reqCtx, method, endpoint, strings.NewReader(query))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", op, err)
	}
	req.Header.Set("X-MBX-APIKEY", c.opts.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errs.New(op, errs.CodeNetwork, errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errs.New(op, errs.CodeNetwork, errs.WithCause(err))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, classifyError(op, resp.StatusCode, body)
	}
	return body, nil
}

// classifyError maps an HTTP failure onto the engine's error taxonomy using
// the numeric code of the Binance error body.
func classifyError(op string, status int, body []byte) error {
	var apiErr binanceError
	_ = json.Unmarshal(body, &apiErr)

	opts := []errs.Option{
		errs.WithHTTP(status),
		errs.WithRawCode(strconv.Itoa(apiErr.Code)),
		errs.WithRawMessage(strings.TrimSpace(apiErr.Msg)),
	}

	switch {
	case status == http.StatusTooManyRequests || status == 418 || apiErr.Code == codeTooManyRequests:
		return errs.New(op, errs.CodeRateLimited, opts...)
	case status >= http.StatusInternalServerError:
		return errs.New(op, errs.CodeExchange, opts...)
	}

	switch apiErr.Code {
	case codeNewOrderRejected, codeMarginInsufficient:
		opts = append(opts, errs.WithCanonicalCode(errs.CanonicalInsufficientBalance))
		return errs.New(op, errs.CodeExchange, opts...)
	case codeNoSuchOrder, codeCancelRejected:
		opts = append(opts, errs.WithCanonicalCode(errs.CanonicalOrderNotFound))
		return errs.New(op, errs.CodeExchange, opts...)
	case codeInvalidQuantity, codePrecisionOverFilter, codeInvalidTIF, codeMandatoryParam, codeLeverageNotValid:
		opts = append(opts, errs.WithCanonicalCode(errs.CanonicalInvalidRequest))
		return errs.New(op, errs.CodeInvalid, opts...)
	}

	opts = append(opts, errs.WithCanonicalCode(errs.CanonicalInvalidRequest))
	return errs.New(op, errs.CodeExchange, opts...)
}

// rawCodeIs reports whether err carries the given Binance error code.
func rawCodeIs(err error, code int) bool {
	var e *errs.E
	if !errors.As(err, &e) || e == nil {
		return false
	}
	return e.RawCode == strconv.Itoa(code)
}
