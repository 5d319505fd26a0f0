package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order lifecycle values stored in the `status` column.
const (
	OrderStatusPending   = "pending"
	OrderStatusConfirmed = "confirmed"
)

// Payment values stored in the `payment_status` column.
const (
	PaymentStatusUnpaid = "unpaid"
	PaymentStatusPaid   = "paid"
)

// LineItem is one cart line. Price is the unit price.
type LineItem struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"price"`
	Quantity int             `json:"quantity"`
}

// Subtotal returns Price x Quantity rounded to cents.
func (l LineItem) Subtotal() decimal.Decimal {
	return l.Price.Mul(decimal.NewFromInt(int64(l.Quantity))).Round(2)
}

// LineItems is a cart.
type LineItems []LineItem

// Total sums the subtotals of all lines.
func (items LineItems) Total() decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.Subtotal())
	}
	return total.Round(2)
}

// Order maps to the `orders` table of the shared order repository.
type Order struct {
	ID             string          `gorm:"column:id;primaryKey;size:100" json:"id"`
	UserID         string          `gorm:"column:user_id;size:100;index" json:"user_id"`
	CustomerName   string          `gorm:"column:customer_name;size:200" json:"customer_name"`
	CustomerPhone  string          `gorm:"column:customer_phone;size:50" json:"customer_phone"`
	CustomerEmail  string          `gorm:"column:customer_email;size:200" json:"customer_email"`
	Address        string          `gorm:"column:address;size:500" json:"address"`
	Items          LineItems       `gorm:"column:items;type:text;serializer:json" json:"items"`
	Subtotal       decimal.Decimal `gorm:"column:subtotal;type:decimal(12,2)" json:"subtotal"`
	DeliveryFee    decimal.Decimal `gorm:"column:delivery_fee;type:decimal(12,2)" json:"delivery_fee"`
	Total          decimal.Decimal `gorm:"column:total;type:decimal(12,2)" json:"total"`
	Status         string          `gorm:"column:status;size:50;index" json:"status"`
	PaymentStatus  string          `gorm:"column:payment_status;size:50;index" json:"payment_status"`
	PaymentMethod  string          `gorm:"column:payment_method;size:100" json:"payment_method"`
	GatewayOrderID string          `gorm:"column:gateway_order_id;size:100" json:"gateway_order_id,omitempty"`
	Notes          string          `gorm:"column:notes;type:text" json:"notes,omitempty"`
	CreatedAt      time.Time       `gorm:"column:created_at" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"column:updated_at" json:"updated_at"`
	PaidAt         *time.Time      `gorm:"column:paid_at" json:"paid_at,omitempty"`
}

func (Order) TableName() string {
	return "orders"
}

// IsPayable reports whether the order still waits for payment.
func (o *Order) IsPayable() bool {
	return o.Status == OrderStatusPending && o.PaymentStatus == PaymentStatusUnpaid
}
