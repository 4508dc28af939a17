package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/openordinal/execsync/errs"
	"github.com/openordinal/execsync/internal/numeric"
	"github.com/openordinal/execsync/internal/schema"
)

type orderResponse struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Status        string `json:"status"`
	OrigQty       string `json:"origQty"`
	Price         string `json:"price"`
	ExecutedQty   string `json:"executedQty"`
	CumQuote      string `json:"cumQuote"`
	AvgPrice      string `json:"avgPrice"`
	TransactTime  int64  `json:"transactTime"`
	UpdateTime    int64  `json:"updateTime"`
}

type positionRiskEntry struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	UnrealizedProfit string `json:"unRealizedProfit"`
	IsolatedWallet   string `json:"isolatedWallet"`
	Leverage         string `json:"leverage"`
}

type accountResponse struct {
	TotalWalletBalance string         `json:"totalWalletBalance"`
	AvailableBalance   string         `json:"availableBalance"`
	Assets             []accountAsset `json:"assets"`
}

type accountAsset struct {
	Asset            string `json:"asset"`
	WalletBalance    string `json:"walletBalance"`
	AvailableBalance string `json:"availableBalance"`
}

type exchangeInfoResponse struct {
	Symbols []exchangeInfoSymbol `json:"symbols"`
}

type exchangeInfoSymbol struct {
	Symbol  string               `json:"symbol"`
	Status  string               `json:"status"`
	Filters []exchangeInfoFilter `json:"filters"`
}

type exchangeInfoFilter struct {
	FilterType     string `json:"filterType"`
	TickSize       string `json:"tickSize"`
	StepSize       string `json:"stepSize"`
	MinQty         string `json:"minQty"`
	MinNotional    string `json:"notional"`
	MinNotionalAlt string `json:"minNotional"`
}

type listenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}

// PlaceOrder submits a new order and returns the normalized acknowledgement.
// newOrderRespType=RESULT makes instantly matched market orders report their
// terminal status and executed totals in the same response.
func (c *Client) PlaceOrder(ctx context.Context, req schema.OrderRequest) (schema.OrderAck, error) {
	const op = "binance.placeOrder"

	params := url.Values{}
	params.Set("symbol", restSymbol(req.Symbol))
	side, err := binanceSide(req.Side)
	if err != nil {
		return schema.OrderAck{}, err
	}
	params.Set("side", side)
	typeValue, err := binanceOrderType(req.Type)
	if err != nil {
		return schema.OrderAck{}, err
	}
	params.Set("type", typeValue)
	if req.Quantity.Sign() <= 0 {
		return schema.OrderAck{}, errs.New(op, errs.CodeInvalid,
			errs.WithCanonicalCode(errs.CanonicalInvalidQuantity),
			errs.WithMessage("quantity required"))
	}
	params.Set("quantity", req.Quantity.String())
	if req.Type != schema.OrderTypeMarket {
		if req.Price == nil || req.Price.Sign() <= 0 {
			return schema.OrderAck{}, errs.New(op, errs.CodeInvalid,
				errs.WithCanonicalCode(errs.CanonicalInvalidRequest),
				errs.WithMessage(fmt.Sprintf("%s order requires price", req.Type)))
		}
	}
	switch req.Type {
	case schema.OrderTypeLimit:
		params.Set("price", req.Price.String())
		params.Set("timeInForce", "GTC")
	case schema.OrderTypeStop:
		params.Set("stopPrice", req.Price.String())
	case schema.OrderTypeStopLimit:
		// One configured price serves as both trigger and limit.
		params.Set("price", req.Price.String())
		params.Set("stopPrice", req.Price.String())
		params.Set("timeInForce", "GTC")
	}
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}
	params.Set("newOrderRespType", "RESULT")

	body, err := c.doSigned(ctx, op, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return schema.OrderAck{}, err
	}
	return decodeOrderAck(op, body)
}

// CancelOrder requests cancellation of an open order. Cancellation is not
// assumed complete until a terminal state is observed by the reconciler.
func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	const op = "binance.cancelOrder"

	params := url.Values{}
	params.Set("symbol", restSymbol(symbol))
	params.Set("orderId", exchangeOrderID)

	_, err := c.doSigned(ctx, op, http.MethodDelete, "/fapi/v1/order", params)
	return err
}

// GetOrder queries the current exchange-side state of an order.
func (c *Client) GetOrder(ctx context.Context, symbol, exchangeOrderID string) (schema.OrderAck, error) {
	const op = "binance.getOrder"

	params := url.Values{}
	params.Set("symbol", restSymbol(symbol))
	params.Set("orderId", exchangeOrderID)

	body, err := c.doSigned(ctx, op, http.MethodGet, "/fapi/v1/order", params)
	if err != nil {
		return schema.OrderAck{}, err
	}
	return decodeOrderAck(op, body)
}

// GetPositionRisk returns the exchange position record for the symbol.
func (c *Client) GetPositionRisk(ctx context.Context, symbol string) (schema.PositionRisk, error) {
	const op = "binance.getPositionRisk"

	params := url.Values{}
	params.Set("symbol", restSymbol(symbol))

	body, err := c.doSigned(ctx, op, http.MethodGet, "/fapi/v2/positionRisk", params)
	if err != nil {
		return schema.PositionRisk{}, err
	}
	var entries []positionRiskEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return schema.PositionRisk{}, fmt.Errorf("decode position risk: %w", err)
	}
	want := restSymbol(symbol)
	for _, entry := range entries {
		if entry.Symbol != want {
			continue
		}
		leverage, _ := strconv.Atoi(strings.TrimSpace(entry.Leverage))
		return schema.PositionRisk{
			Symbol:         entry.Symbol,
			PositionAmt:    parseDecimal(entry.PositionAmt),
			EntryPrice:     parseDecimal(entry.EntryPrice),
			UnrealizedPnL:  parseDecimal(entry.UnrealizedProfit),
			IsolatedWallet: parseDecimal(entry.IsolatedWallet),
			Leverage:       leverage,
		}, nil
	}
	return schema.PositionRisk{Symbol: want}, nil
}

// GetBalance fetches a fresh account balance snapshot. Snapshots are never
// cached; every accuracy-sensitive caller pays for a round trip.
func (c *Client) GetBalance(ctx context.Context) (schema.BalanceSnapshot, error) {
	const op = "binance.getBalance"

	body, err := c.doSigned(ctx, op, http.MethodGet, "/fapi/v2/account", url.Values{})
	if err != nil {
		return schema.BalanceSnapshot{}, err
	}
	var account accountResponse
	if err := json.Unmarshal(body, &account); err != nil {
		return schema.BalanceSnapshot{}, fmt.Errorf("decode account: %w", err)
	}
	snapshot := schema.BalanceSnapshot{
		TotalBalance:     parseDecimal(account.TotalWalletBalance),
		AvailableBalance: parseDecimal(account.AvailableBalance),
		Assets:           make([]schema.AssetBalance, 0, len(account.Assets)),
	}
	for _, asset := range account.Assets {
		name := strings.ToUpper(strings.TrimSpace(asset.Asset))
		if name == "" {
			continue
		}
		snapshot.Assets = append(snapshot.Assets, schema.AssetBalance{
			Asset:     name,
			Total:     parseDecimal(asset.WalletBalance),
			Available: parseDecimal(asset.AvailableBalance),
		})
	}
	return snapshot, nil
}

// SetLeverage sets the leverage multiplier for a symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	const op = "binance.setLeverage"

	if leverage <= 0 {
		return errs.New(op, errs.CodeInvalid,
			errs.WithCanonicalCode(errs.CanonicalInvalidRequest),
			errs.WithMessage("leverage must be positive"))
	}
	params := url.Values{}
	params.Set("symbol", restSymbol(symbol))
	params.Set("leverage", strconv.Itoa(leverage))

	_, err := c.doSigned(ctx, op, http.MethodPost, "/fapi/v1/leverage", params)
	return err
}

// SetMarginMode sets the margin mode for a symbol. A "no need to change"
// response from the exchange is success: the call is idempotent.
func (c *Client) SetMarginMode(ctx context.Context, symbol string, mode schema.MarginMode) error {
	const op = "binance.setMarginMode"

	params := url.Values{}
	params.Set("symbol", restSymbol(symbol))
	params.Set("marginType", strings.ToUpper(string(mode)))

	_, err := c.doSigned(ctx, op, http.MethodPost, "/fapi/v1/marginType", params)
	if err != nil && rawCodeIs(err, codeNoNeedToChangeMargin) {
		return nil
	}
	return err
}

// TransferMargin moves isolated-margin collateral for a symbol.
func (c *Client) TransferMargin(ctx context.Context, symbol string, amount decimal.Decimal, direction schema.MarginDirection) error {
	const op = "binance.transferMargin"

	if amount.Sign() <= 0 {
		return errs.New(op, errs.CodeInvalid,
			errs.WithCanonicalCode(errs.CanonicalInvalidRequest),
			errs.WithMessage("transfer amount must be positive"))
	}
	params := url.Values{}
	params.Set("symbol", restSymbol(symbol))
	params.Set("amount", amount.String())
	params.Set("type", strconv.Itoa(int(direction)))
	params.Set("positionSide", "BOTH")

	_, err := c.doSigned(ctx, op, http.MethodPost, "/fapi/v1/positionMargin", params)
	return err
}

// SymbolFilters fetches the precision and minimum filters for one symbol.
func (c *Client) SymbolFilters(ctx context.Context, symbol string) (schema.SymbolFilters, error) {
	const op = "binance.exchangeInfo"

	endpoint := c.opts.endpoint("/fapi/v1/exchangeInfo")
	reqCtx, cancel := context.WithTimeout(ctx, c.opts.HTTPTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return schema.SymbolFilters{}, fmt.Errorf("create exchangeInfo request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return schema.SymbolFilters{}, errs.New(op, errs.CodeNetwork, errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return schema.SymbolFilters{}, errs.New(op, errs.CodeExchange, errs.WithHTTP(resp.StatusCode))
	}
	var payload exchangeInfoResponse
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(&payload); err != nil {
		return schema.SymbolFilters{}, fmt.Errorf("decode exchangeInfo: %w", err)
	}

	want := restSymbol(symbol)
	for _, sym := range payload.Symbols {
		if sym.Symbol != want {
			continue
		}
		filters := schema.SymbolFilters{Symbol: want}
		for _, filter := range sym.Filters {
			switch strings.ToUpper(strings.TrimSpace(filter.FilterType)) {
			case "PRICE_FILTER":
				filters.TickSize = parseDecimal(filter.TickSize)
			case "LOT_SIZE":
				filters.StepSize = parseDecimal(filter.StepSize)
				filters.MinQty = parseDecimal(filter.MinQty)
			case "MIN_NOTIONAL":
				value := filter.MinNotional
				if strings.TrimSpace(value) == "" {
					value = filter.MinNotionalAlt
				}
				filters.MinNotional = parseDecimal(value)
			}
		}
		return filters, nil
	}
	return schema.SymbolFilters{}, errs.New(op, errs.CodeInvalid,
		errs.WithCanonicalCode(errs.CanonicalInvalidRequest),
		errs.WithMessage(fmt.Sprintf("unknown symbol %s", symbol)))
}

// CreateListenKey opens a user data stream and returns its listen key.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	const op = "binance.createListenKey"

	body, err := c.doSigned(ctx, op, http.MethodPost, "/fapi/v1/listenKey", url.Values{})
	if err != nil {
		return "", err
	}
	var payload listenKeyResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("decode listen key: %w", err)
	}
	if strings.TrimSpace(payload.ListenKey) == "" {
		return "", errors.New("binance: empty listen key")
	}
	return payload.ListenKey, nil
}

// KeepAliveListenKey extends the listen key validity window.
func (c *Client) KeepAliveListenKey(ctx context.Context) error {
	const op = "binance.keepAliveListenKey"

	_, err := c.doSigned(ctx, op, http.MethodPut, "/fapi/v1/listenKey", url.Values{})
	return err
}

func decodeOrderAck(op string, body []byte) (schema.OrderAck, error) {
	var order orderResponse
	if err := json.Unmarshal(body, &order); err != nil {
		return schema.OrderAck{}, fmt.Errorf("decode %s response: %w", op, err)
	}

	executed := parseDecimal(order.ExecutedQty)
	cumQuote := parseDecimal(order.CumQuote)
	avgPrice := parseDecimal(order.AvgPrice)
	if avgPrice.Sign() == 0 && executed.Sign() > 0 && cumQuote.Sign() > 0 {
		avgPrice = cumQuote.Div(executed)
	}

	transact := order.TransactTime
	if transact == 0 {
		transact = order.UpdateTime
	}
	var ts time.Time
	if transact > 0 {
		ts = time.UnixMilli(transact).UTC()
	}

	return schema.OrderAck{
		Symbol:          order.Symbol,
		ClientOrderID:   order.ClientOrderID,
		ExchangeOrderID: strconv.FormatInt(order.OrderID, 10),
		Side:            sideFromBinance(order.Side),
		Type:            orderTypeFromBinance(order.Type),
		Status:          statusFromBinance(order.Status),
		Quantity:        parseDecimal(order.OrigQty),
		Price:           parseDecimal(order.Price),
		ExecutedQty:     executed,
		CumQuote:        cumQuote,
		AvgPrice:        avgPrice,
		TransactTime:    ts,
	}, nil
}

func parseDecimal(value string) decimal.Decimal {
	d, ok := numeric.Parse(value)
	if !ok {
		return decimal.Zero
	}
	return d
}

// restSymbol normalizes a symbol for the REST surface (uppercase, no separator).
func restSymbol(symbol string) string {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	symbol = strings.ReplaceAll(symbol, "-", "")
	return strings.ReplaceAll(symbol, "/", "")
}

func binanceSide(side schema.Side) (string, error) {
	switch side {
	case schema.SideBuy:
		return "BUY", nil
	case schema.SideSell:
		return "SELL", nil
	default:
		return "", errs.New("binance.side", errs.CodeInvalid,
			errs.WithCanonicalCode(errs.CanonicalInvalidRequest),
			errs.WithMessage(fmt.Sprintf("unsupported side %q", side)))
	}
}

func binanceOrderType(orderType schema.OrderType) (string, error) {
	switch orderType {
	case schema.OrderTypeMarket:
		return "MARKET", nil
	case schema.OrderTypeLimit:
		return "LIMIT", nil
	case schema.OrderTypeStop:
		return "STOP_MARKET", nil
	case schema.OrderTypeStopLimit:
		return "STOP", nil
	default:
		return "", errs.New("binance.orderType", errs.CodeInvalid,
			errs.WithCanonicalCode(errs.CanonicalInvalidRequest),
			errs.WithMessage(fmt.Sprintf("unsupported order type %q", orderType)))
	}
}

func sideFromBinance(side string) schema.Side {
	if strings.EqualFold(side, "SELL") {
		return schema.SideSell
	}
	return schema.SideBuy
}

func orderTypeFromBinance(orderType string) schema.OrderType {
	switch strings.ToUpper(strings.TrimSpace(orderType)) {
	case "LIMIT":
		return schema.OrderTypeLimit
	case "STOP_MARKET":
		return schema.OrderTypeStop
	case "STOP":
		return schema.OrderTypeStopLimit
	default:
		return schema.OrderTypeMarket
	}
}

func statusFromBinance(status string) schema.OrderStatus {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "NEW":
		return schema.OrderStatusSubmitted
	case "PARTIALLY_FILLED":
		return schema.OrderStatusPartiallyFilled
	case "FILLED":
		return schema.OrderStatusFilled
	case "CANCELED":
		return schema.OrderStatusCanceled
	case "REJECTED":
		return schema.OrderStatusRejected
	case "EXPIRED":
		return schema.OrderStatusExpired
	default:
		return schema.OrderStatusSubmitted
	}
}
