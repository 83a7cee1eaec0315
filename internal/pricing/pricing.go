// Package pricing moves an instrument's price by one tick per accepted order.
package pricing

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Places is the number of fractional digits prices are kept to.
const Places = 2

// Tick is the fixed amount one order moves the price.
var Tick = decimal.New(10, -2)

// ParseSide accepts buy or sell in any case.
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToLower(strings.TrimSpace(s))) {
	case Buy:
		return Buy, nil
	case Sell:
		return Sell, nil
	default:
		return "", fmt.Errorf("unknown order side %q", s)
	}
}

// Valid reports whether s is buy or sell.
func (s Side) Valid() bool { return s == Buy || s == Sell }

// Adjust returns current moved one tick up for a buy and down for a sell,
// rounded to two places. There is no lower bound.
func Adjust(current decimal.Decimal, side Side) (decimal.Decimal, error) {
	switch side {
	case Buy:
		return current.Add(Tick).Round(Places), nil
	case Sell:
		return current.Sub(Tick).Round(Places), nil
	default:
		return decimal.Decimal{}, fmt.Errorf("unknown order side %q", side)
	}
}

// Parse reads a price from its decimal text form.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid price %q: %w", s, err)
	}
	return d, nil
}

// Format renders a price with exactly two fractional digits.
func Format(d decimal.Decimal) string {
	return d.StringFixed(Places)
}
