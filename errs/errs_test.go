package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesCanonical(t *testing.T) {
	err := New(
		"binance.placeOrder",
		CodeInvalid,
		WithHTTP(400),
		WithMessage("invalid order payload"),
		WithRawCode("-2013"),
		WithRawMessage("Order does not exist."),
		WithCanonicalCode(CanonicalOrderNotFound),
		WithCause(errors.New("binance http 400")),
	)

	out := err.Error()
	if !strings.Contains(out, "op=binance.placeOrder") {
		t.Fatalf("expected op marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=invalid_request") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, "canonical=order_not_found") {
		t.Fatalf("expected canonical classification in error string: %s", out)
	}
	if !strings.Contains(out, "raw_code=\"-2013\"") {
		t.Fatalf("expected raw exchange code in error string: %s", out)
	}
	if !strings.Contains(out, "cause=\"binance http 400\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestWithCanonicalCodeEmptyDefaultsToUnknown(t *testing.T) {
	err := New("binance.placeOrder", CodeInvalid, WithCanonicalCode("   "))
	if err.Canonical != CanonicalUnknown {
		t.Fatalf("expected canonical code to default to unknown, got %q", err.Canonical)
	}
	if strings.Contains(err.Error(), "canonical=") {
		t.Fatalf("canonical marker should be omitted when code is unknown: %s", err.Error())
	}
}

func TestTransientClassification(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{New("binance.getOrder", CodeNetwork), true},
		{New("binance.getOrder", CodeRateLimited, WithHTTP(429)), true},
		{New("binance.getOrder", CodeUnavailable, WithHTTP(503)), true},
		{New("binance.getOrder", CodeExchange, WithHTTP(502)), true},
		{New("binance.getOrder", CodeExchange, WithHTTP(400)), false},
		{New("binance.getOrder", CodeInvalid), false},
		{errors.New("plain"), false},
		{nil, false},
	}
	for i, tc := range cases {
		if got := Transient(tc.err); got != tc.want {
			t.Fatalf("case %d: Transient(%v) = %v, want %v", i, tc.err, got, tc.want)
		}
	}
}

func TestCanonicalOfUnwrapsWrappedErrors(t *testing.T) {
	inner := New("binance.placeOrder", CodeExchange,
		WithHTTP(400),
		WithCanonicalCode(CanonicalInsufficientBalance))
	wrapped := fmt.Errorf("submit ETH-USDT: %w", inner)

	if got := CanonicalOf(wrapped); got != CanonicalInsufficientBalance {
		t.Fatalf("CanonicalOf = %q, want insufficient_balance", got)
	}
	if !IsCanonical(wrapped, CanonicalInsufficientBalance) {
		t.Fatal("IsCanonical should match through wrapping")
	}
}
