package migrations

import (
	"time"

	"github.com/shopspring/decimal"
)

// Instrument is a tradable symbol. The price column is the only one the
// order pipeline updates.
type Instrument struct {
	Symbol       string          `gorm:"column:symbol;primaryKey;type:STRING"`
	CurrentPrice decimal.Decimal `gorm:"column:current_price;type:DECIMAL(12,2);not null"`
	Details      string          `gorm:"column:details;type:STRING"`
	Name         string          `gorm:"column:name;type:STRING"`
}

func (Instrument) TableName() string { return "instruments" }

type Order struct {
	OrderID      string          `gorm:"column:order_id;primaryKey;type:UUID"`
	OrderNbr     string          `gorm:"column:order_nbr;type:STRING;index;not null"`
	AccountNbr   string          `gorm:"column:account_nbr;type:STRING;not null"`
	Symbol       string          `gorm:"column:symbol;type:STRING;index;not null"`
	OrderEntryTS time.Time       `gorm:"column:order_entry_ts;not null"`
	TotalQty     int64           `gorm:"column:total_qty;not null"`
	OrderType    string          `gorm:"column:order_type;type:STRING;not null"`
	UnitPrice    decimal.Decimal `gorm:"column:unit_price;type:DECIMAL(12,2);not null"`
}

func (Order) TableName() string { return "orders" }

type OrderActivity struct {
	ActivityID      string          `gorm:"column:activity_id;primaryKey;type:UUID"`
	OrderID         string          `gorm:"column:order_id;type:UUID;index:idx_activity_order_status,priority:1;not null"`
	OrderNbr        string          `gorm:"column:order_nbr;type:STRING;not null"`
	OrderStatus     string          `gorm:"column:order_status;type:STRING;index:idx_activity_order_status,priority:2;not null"`
	ActivityEntryTS time.Time       `gorm:"column:activity_entry_ts;index;not null"`
	Symbol          string          `gorm:"column:symbol;type:STRING;not null"`
	TotalQty        int64           `gorm:"column:total_qty;not null"`
	OrderType       string          `gorm:"column:order_type;type:STRING;not null"`
	UnitPrice       decimal.Decimal `gorm:"column:unit_price;type:DECIMAL(12,2);not null"`
}

func (OrderActivity) TableName() string { return "order_activity" }

type OrderProcessing struct {
	ExecutionID     string          `gorm:"column:execution_id;primaryKey;type:UUID"`
	OrderID         string          `gorm:"column:order_id;type:UUID;index;not null"`
	OrderStatus     string          `gorm:"column:order_status;type:STRING;not null"`
	OrderNbr        string          `gorm:"column:order_nbr;type:STRING;not null"`
	OrderExecutedTS time.Time       `gorm:"column:order_executed_ts;not null"`
	Symbol          string          `gorm:"column:symbol;type:STRING;not null"`
	TotalQty        int64           `gorm:"column:total_qty;not null"`
	UnitPrice       decimal.Decimal `gorm:"column:unit_price;type:DECIMAL(12,2);not null"`
}

func (OrderProcessing) TableName() string { return "order_processing" }

type Trade struct {
	TradeID     string          `gorm:"column:trade_id;primaryKey;type:UUID"`
	ExecutionID string          `gorm:"column:execution_id;type:UUID;index;not null"`
	Symbol      string          `gorm:"column:symbol;type:STRING;not null"`
	OrderType   string          `gorm:"column:order_type;type:STRING;not null"`
	TradePrice  decimal.Decimal `gorm:"column:trade_price;type:DECIMAL(12,2);not null"`
	Quantity    int64           `gorm:"column:quantity;not null"`
	TradeTS     time.Time       `gorm:"column:trade_ts;not null"`
}

func (Trade) TableName() string { return "trades" }

// Models lists every table in creation order.
func Models() []any {
	return []any{&Instrument{}, &Order{}, &OrderActivity{}, &OrderProcessing{}, &Trade{}}
}
