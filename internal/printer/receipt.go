package printer

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"posbridge/internal/models"
)

// Width is the column count of a 58mm thermal roll.
const Width = 32

// Store is the identity block printed at the top of each receipt.
type Store struct {
	Name          string
	Address       string
	Phone         string
	TaxID         string
	CurrencyLabel string
	TaxRate       decimal.Decimal // e.g. 0.18, included in item prices
}

// Line is one receipt row.
type Line struct {
	Name      string
	UnitPrice decimal.Decimal
	Quantity  int
	Subtotal  decimal.Decimal
}

// Job is everything needed to print one receipt.
type Job struct {
	OrderID       string
	Lines         []Line
	Net           decimal.Decimal
	Tax           decimal.Decimal
	Total         decimal.Decimal
	PaymentMethod string
	Timestamp     time.Time
	CustomerName  string
	Store         Store
}

// NewJob builds a receipt for items. Prices include tax, so Total equals the
// amount charged and Tax is the included share: total * rate / (1 + rate).
func NewJob(orderID string, items models.LineItems, method string, at time.Time, customerName string, store Store) Job {
	lines := make([]Line, 0, len(items))
	for _, it := range items {
		lines = append(lines, Line{
			Name:      it.Name,
			UnitPrice: it.Price,
			Quantity:  it.Quantity,
			Subtotal:  it.Subtotal(),
		})
	}

	total := items.Total()
	tax := decimal.Zero
	if store.TaxRate.IsPositive() {
		tax = total.Mul(store.TaxRate).Div(decimal.NewFromInt(1).Add(store.TaxRate)).Round(2)
	}

	return Job{
		OrderID:       orderID,
		Lines:         lines,
		Net:           total.Sub(tax),
		Tax:           tax,
		Total:         total,
		PaymentMethod: method,
		Timestamp:     at,
		CustomerName:  customerName,
		Store:         store,
	}
}

// QRData is the payload of the receipt's QR code.
func (j Job) QRData() string {
	return fmt.Sprintf("order:%s:%s", j.OrderID, j.Total.StringFixed(2))
}

func (j Job) storeName() string {
	if j.Store.Name == "" {
		return "CMI PAYMENT DEMO"
	}
	return strings.ToUpper(j.Store.Name)
}

// Body renders everything below the store name.
func (j Job) Body(width int) string {
	var b strings.Builder
	double := strings.Repeat("=", width)
	single := strings.Repeat("-", width)
	cur := j.Store.CurrencyLabel

	if j.Store.Address != "" {
		b.WriteString(j.Store.Address + "\n")
	}
	if j.Store.Phone != "" {
		b.WriteString("Tel: " + j.Store.Phone + "\n")
	}
	if j.Store.TaxID != "" {
		b.WriteString("Tax ID: " + j.Store.TaxID + "\n")
	}
	b.WriteString(single + "\n")

	b.WriteString("Order: " + j.OrderID + "\n")
	b.WriteString("Date: " + j.Timestamp.Format("02.01.2006") + "\n")
	b.WriteString("Time: " + j.Timestamp.Format("15:04:05") + "\n")
	if j.CustomerName != "" {
		b.WriteString("Customer: " + j.CustomerName + "\n")
	}
	b.WriteString(double + "\n")

	for _, l := range j.Lines {
		b.WriteString(l.Name + "\n")
		fmt.Fprintf(&b, "  %d x %s %s = %s %s\n", l.Quantity, l.UnitPrice.StringFixed(2), cur, l.Subtotal.StringFixed(2), cur)
	}
	b.WriteString(single + "\n")

	rate := j.Store.TaxRate.Shift(2).String()
	b.WriteString(row("Net:", j.Net.StringFixed(2)+" "+cur, width))
	b.WriteString(row("VAT ("+rate+"% incl.):", j.Tax.StringFixed(2)+" "+cur, width))
	b.WriteString(row("TOTAL:", j.Total.StringFixed(2)+" "+cur, width))
	b.WriteString(row("Payment:", j.PaymentMethod, width))
	b.WriteString(double + "\n")

	b.WriteString(center("THANK YOU!", width))
	b.WriteString(center("Please come again", width))
	b.WriteString(double + "\n")
	return b.String()
}

// Format renders the whole receipt as plain text.
func (j Job) Format(width int) string {
	double := strings.Repeat("=", width)
	return double + "\n" + center(j.storeName(), width) + double + "\n" + j.Body(width)
}

func row(label, value string, width int) string {
	pad := width - len([]rune(label)) - len([]rune(value))
	if pad < 1 {
		pad = 1
	}
	return label + strings.Repeat(" ", pad) + value + "\n"
}

func center(s string, width int) string {
	pad := (width - len([]rune(s))) / 2
	if pad < 0 {
		pad = 0
	}
	return strings.Repeat(" ", pad) + s + "\n"
}
