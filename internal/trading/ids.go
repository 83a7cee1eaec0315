package trading

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// IDs are generated once per order and never reused.
type IDs struct {
	OrderID             string
	OrderNbr            string
	ActivityID          string
	ExecutionID         string
	TradeID             string
	ProcessedActivityID string
}

// IDGenerator produces the identifiers for a new order.
type IDGenerator interface {
	NewIDs() (IDs, error)
}

const (
	orderNbrPrefix   = "ORD"
	orderNbrLength   = 14
	orderNbrAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

// RandomIDs issues version 4 UUIDs and random order numbers.
type RandomIDs struct{}

func (RandomIDs) NewIDs() (IDs, error) {
	var ids IDs
	for _, dst := range []*string{&ids.OrderID, &ids.ActivityID, &ids.ExecutionID, &ids.TradeID, &ids.ProcessedActivityID} {
		u, err := uuid.NewRandom()
		if err != nil {
			return IDs{}, fmt.Errorf("generate id: %w", err)
		}
		*dst = u.String()
	}

	nbr, err := orderNumber()
	if err != nil {
		return IDs{}, err
	}
	ids.OrderNbr = nbr
	return ids, nil
}

func orderNumber() (string, error) {
	buf := make([]byte, orderNbrLength)
	max := big.NewInt(int64(len(orderNbrAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate order number: %w", err)
		}
		buf[i] = orderNbrAlphabet[n.Int64()]
	}
	return orderNbrPrefix + string(buf), nil
}
