package trading

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Aidin1998/birdtrade/internal/pricing"
)

// Side is buy or sell.
type Side = pricing.Side

const (
	Buy  = pricing.Buy
	Sell = pricing.Sell
)

// Status is the lifecycle stage recorded in order_activity.
type Status string

const (
	StatusReceived  Status = "order_received"
	StatusProcessed Status = "order_processed"
)

// Field is a request value sent either as a JSON string or a bare number.
// null and blank strings are empty.
type Field string

func (f *Field) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0, bytes.Equal(b, []byte("null")):
		*f = ""
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = Field(strings.TrimSpace(s))
	case b[0] == '-' || (b[0] >= '0' && b[0] <= '9'):
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return err
		}
		*f = Field(n.String())
	default:
		return fmt.Errorf("expected a string or number, got %s", b)
	}
	return nil
}

func (f Field) String() string { return string(f) }

// SubmitRequest is the body of an order submission.
type SubmitRequest struct {
	Stock         Field `json:"stock" validate:"required"`
	OrderType     Field `json:"orderType" validate:"required"`
	Shares        Field `json:"shares" validate:"required"`
	CurrentPrice  Field `json:"currentPrice" validate:"required"`
	EstimatedCost Field `json:"estimatedCost" validate:"required"`
}

// SubmitResult is returned once the immediate phase has committed.
type SubmitResult struct {
	Message string `json:"message"`
	OrderID string `json:"orderId"`
	// NewPrice is the instrument price after this order.
	NewPrice decimal.Decimal `json:"-"`
}

// Order is the parsed, validated form of a SubmitRequest.
type Order struct {
	Symbol        string
	Side          Side
	Shares        int64
	Price         decimal.Decimal
	EstimatedCost decimal.Decimal
}

// Instrument is a tradable symbol and its current price.
type Instrument struct {
	Symbol       string          `json:"symbol"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	Details      string          `json:"details"`
	Name         string          `json:"name"`
}

// MarshalJSON renders the price with two decimals.
func (i Instrument) MarshalJSON() ([]byte, error) {
	type alias Instrument
	return json.Marshal(struct {
		alias
		CurrentPrice string `json:"current_price"`
	}{alias: alias(i), CurrentPrice: pricing.Format(i.CurrentPrice)})
}

// Continuation carries everything the deferred phase needs. It is built in
// the immediate phase so both phases share one set of identifiers.
type Continuation struct {
	OrderID             string          `json:"order_id"`
	OrderNbr            string          `json:"order_nbr"`
	Symbol              string          `json:"symbol"`
	Side                Side            `json:"side"`
	Shares              int64           `json:"shares"`
	Price               decimal.Decimal `json:"price"`
	ExecutionID         string          `json:"execution_id"`
	TradeID             string          `json:"trade_id"`
	ProcessedActivityID string          `json:"processed_activity_id"`
}

// IncompleteOrder is an order that was received but never processed.
type IncompleteOrder struct {
	OrderID    string          `json:"order_id"`
	OrderNbr   string          `json:"order_nbr"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"order_type"`
	Shares     int64           `json:"total_qty"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	ReceivedAt time.Time       `json:"received_at"`
}
