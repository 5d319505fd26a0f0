package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"posbridge/internal/models"
)

// ErrOrderNotFound is returned when no order matches the id.
var ErrOrderNotFound = errors.New("order not found")

// PaymentUpdate is the write-back applied once a payment is confirmed.
type PaymentUpdate struct {
	Method         string
	GatewayOrderID string
	PaidAt         time.Time
}

// OrderRepository handles order database operations.
type OrderRepository struct {
	db *gorm.DB
}

func NewOrderRepository(db *gorm.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// FindPending returns orders still waiting for payment, oldest first.
func (r *OrderRepository) FindPending(ctx context.Context) ([]models.Order, error) {
	var orders []models.Order
	err := r.db.WithContext(ctx).
		Where("status = ? AND payment_status = ?", models.OrderStatusPending, models.PaymentStatusUnpaid).
		Order("created_at ASC").
		Find(&orders).Error
	return orders, err
}

// FindByID returns an order by id.
func (r *OrderRepository) FindByID(ctx context.Context, id string) (*models.Order, error) {
	var order models.Order
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
		}
		return nil, err
	}
	return &order, nil
}

// Create inserts a new order.
func (r *OrderRepository) Create(ctx context.Context, order *models.Order) error {
	return r.db.WithContext(ctx).Create(order).Error
}

// MarkPaid records a confirmed payment. Re-applying it to an already paid
// order is a no-op.
func (r *OrderRepository) MarkPaid(ctx context.Context, id string, update PaymentUpdate) error {
	paidAt := update.PaidAt
	if paidAt.IsZero() {
		paidAt = time.Now()
	}

	updates := map[string]interface{}{
		"status":         models.OrderStatusConfirmed,
		"payment_status": models.PaymentStatusPaid,
		"paid_at":        paidAt,
		"updated_at":     time.Now(),
	}
	if update.Method != "" {
		updates["payment_method"] = update.Method
	}
	if update.GatewayOrderID != "" {
		updates["gateway_order_id"] = update.GatewayOrderID
	}

	res := r.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ? AND payment_status <> ?", id, models.PaymentStatusPaid).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}

	// Nothing changed: either already paid or missing.
	if _, err := r.FindByID(ctx, id); err != nil {
		return err
	}
	return nil
}
