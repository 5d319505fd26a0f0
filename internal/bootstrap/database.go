package bootstrap

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"posbridge/internal/models"
)

// MigrateAndSeed ensures the order table exists and, when demo is set,
// inserts sample pending orders into an empty table.
func MigrateAndSeed(db *gorm.DB, demo bool) error {
	if err := db.AutoMigrate(allModels()...); err != nil {
		return fmt.Errorf("auto migrate failed: %w", err)
	}
	if !demo {
		return nil
	}
	if err := seedDemoOrders(db); err != nil {
		return fmt.Errorf("seed demo orders failed: %w", err)
	}
	return nil
}

func allModels() []interface{} {
	return []interface{}{
		&models.Order{},
	}
}

func seedDemoOrders(db *gorm.DB) error {
	return db.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.Order{}).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return nil
		}

		now := time.Now()
		for i, order := range demoOrders() {
			order.Subtotal = order.Items.Total()
			order.Total = order.Subtotal.Add(order.DeliveryFee)
			order.Status = models.OrderStatusPending
			order.PaymentStatus = models.PaymentStatusUnpaid
			order.PaymentMethod = "cash_on_delivery"
			order.CreatedAt = now.Add(-time.Duration(i) * time.Minute)
			order.UpdatedAt = order.CreatedAt
			if err := tx.Create(&order).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func demoOrders() []models.Order {
	return []models.Order{
		{
			ID:           "order_demo_001",
			UserID:       "user_001",
			CustomerName: "John Doe",
			Address:      "Table 4",
			Items: models.LineItems{
				{ID: "1", Name: "Coffee", Price: decimal.RequireFromString("28.50"), Quantity: 2},
				{ID: "2", Name: "Croissant", Price: decimal.RequireFromString("15.00"), Quantity: 1},
			},
		},
		{
			ID:           "order_demo_002",
			UserID:       "user_002",
			CustomerName: "Jane Smith",
			Address:      "Takeaway",
			Items: models.LineItems{
				{ID: "3", Name: "Tea", Price: decimal.RequireFromString("12.00"), Quantity: 1},
				{ID: "4", Name: "Cheesecake", Price: decimal.RequireFromString("45.00"), Quantity: 1},
			},
			DeliveryFee: decimal.RequireFromString("10.00"),
		},
	}
}
