package binance

import (
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/openordinal/execsync/internal/schema"
)

type userEventKind int

const (
	eventIgnored userEventKind = iota
	eventOrderUpdate
	eventListenKeyExpired
	eventStreamError
)

// futuresOrderUpdate is the ORDER_TRADE_UPDATE payload of the USD-M user
// data stream. Order fields live under the nested "o" object.
type futuresOrderUpdate struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Order     struct {
		Symbol          string `json:"s"`
		ClientOrderID   string `json:"c"`
		Side            string `json:"S"`
		OrderType       string `json:"o"`
		ExecType        string `json:"x"`
		Status          string `json:"X"`
		OrderID         int64  `json:"i"`
		LastQty         string `json:"l"`
		CumQty          string `json:"z"`
		LastPrice       string `json:"L"`
		CumQuote        string `json:"Z"`
		Commission      string `json:"n"`
		CommissionAsset string `json:"N"`
		TradeTime       int64  `json:"T"`
		TradeID         int64  `json:"t"`
		AvgPrice        string `json:"ap"`
	} `json:"o"`
}

// spotExecutionReport is the flat executionReport event of the spot user
// data stream. The testnet and some spot deployments still emit it.
// Single-letter keys the decoder does not consume still need exact-case
// fields ("E", "O", "I", "C") so they cannot bind case-insensitively to the
// lowercase fields.
type spotExecutionReport struct {
	EventType         string `json:"e"`
	EventTime         int64  `json:"E"`
	Symbol            string `json:"s"`
	ClientOrderID     string `json:"c"`
	OrigClientOrderID string `json:"C"`
	Side              string `json:"S"`
	OrderType         string `json:"o"`
	CreationTime      int64  `json:"O"`
	ExecType          string `json:"x"`
	Status            string `json:"X"`
	OrderID           int64  `json:"i"`
	IgnoreID          int64  `json:"I"`
	LastQty           string `json:"l"`
	CumQty            string `json:"z"`
	LastPrice         string `json:"L"`
	CumQuote          string `json:"Z"`
	Commission        string `json:"n"`
	CommissionAsset   string `json:"N"`
	TransactTime      int64  `json:"T"`
	TradeID           int64  `json:"t"`
}

// eventProbe needs the exact-case "E" field: without it Go's case-insensitive
// key matching binds the numeric event time to the "e" event type.
type eventProbe struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
}

// parseUserEvent decodes one user-data-stream frame. Events other than order
// updates and listen key expiry are ignored without error.
func parseUserEvent(data []byte) (schema.ExecutionReport, userEventKind, error) {
	var probe eventProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		return schema.ExecutionReport{}, eventIgnored, fmt.Errorf("probe event type: %w", err)
	}

	switch probe.EventType {
	case "ORDER_TRADE_UPDATE":
		report, err := parseFuturesOrderUpdate(data)
		if err != nil {
			return schema.ExecutionReport{}, eventIgnored, err
		}
		return report, eventOrderUpdate, nil
	case "executionReport":
		report, err := parseSpotExecutionReport(data)
		if err != nil {
			return schema.ExecutionReport{}, eventIgnored, err
		}
		return report, eventOrderUpdate, nil
	case "listenKeyExpired":
		return schema.ExecutionReport{}, eventListenKeyExpired, nil
	case "error":
		return schema.ExecutionReport{}, eventStreamError, nil
	default:
		// ACCOUNT_UPDATE, MARGIN_CALL, balance pushes: not order lifecycle.
		return schema.ExecutionReport{}, eventIgnored, nil
	}
}

func parseFuturesOrderUpdate(data []byte) (schema.ExecutionReport, error) {
	var event futuresOrderUpdate
	if err := json.Unmarshal(data, &event); err != nil {
		return schema.ExecutionReport{}, fmt.Errorf("decode order update: %w", err)
	}
	o := event.Order
	report := schema.ExecutionReport{
		Symbol:          o.Symbol,
		ClientOrderID:   o.ClientOrderID,
		ExchangeOrderID: formatOrderID(o.OrderID),
		Side:            sideFromBinance(o.Side),
		OrderType:       orderTypeFromBinance(o.OrderType),
		Status:          statusFromBinance(o.Status),
		LastQty:         parseDecimal(o.LastQty),
		LastPrice:       parseDecimal(o.LastPrice),
		CumQty:          parseDecimal(o.CumQty),
		CumQuote:        parseDecimal(o.CumQuote),
		Commission:      parseDecimal(o.Commission),
		CommissionAsset: strings.TrimSpace(o.CommissionAsset),
		TradeID:         o.TradeID,
	}
	// Futures reports cumulative quote only through the average price.
	if report.CumQuote.Sign() == 0 {
		if avg := parseDecimal(o.AvgPrice); avg.Sign() > 0 {
			report.CumQuote = avg.Mul(report.CumQty)
		}
	}
	if o.TradeTime > 0 {
		report.TransactTime = time.UnixMilli(o.TradeTime).UTC()
	} else if event.EventTime > 0 {
		report.TransactTime = time.UnixMilli(event.EventTime).UTC()
	}
	return report, nil
}

func parseSpotExecutionReport(data []byte) (schema.ExecutionReport, error) {
	var event spotExecutionReport
	if err := json.Unmarshal(data, &event); err != nil {
		return schema.ExecutionReport{}, fmt.Errorf("decode execution report: %w", err)
	}
	report := schema.ExecutionReport{
		Symbol:          event.Symbol,
		ClientOrderID:   event.ClientOrderID,
		ExchangeOrderID: formatOrderID(event.OrderID),
		Side:            sideFromBinance(event.Side),
		OrderType:       orderTypeFromBinance(event.OrderType),
		Status:          statusFromBinance(event.Status),
		LastQty:         parseDecimal(event.LastQty),
		LastPrice:       parseDecimal(event.LastPrice),
		CumQty:          parseDecimal(event.CumQty),
		CumQuote:        parseDecimal(event.CumQuote),
		Commission:      parseDecimal(event.Commission),
		CommissionAsset: strings.TrimSpace(event.CommissionAsset),
		TradeID:         event.TradeID,
	}
	if event.TransactTime > 0 {
		report.TransactTime = time.UnixMilli(event.TransactTime).UTC()
	}
	return report, nil
}

func formatOrderID(id int64) string {
	if id == 0 {
		return ""
	}
	return fmt.Sprintf("%d", id)
}
