package router

import (
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"posbridge/internal/handler"
	"posbridge/internal/middleware"
)

// Setup configures all routes for the Echo server.
func Setup(
	e *echo.Echo,
	paymentHandler *handler.PaymentHandler,
	logger *zap.Logger,
	rateLimit float64,
) {
	// Global middleware
	e.Use(echomw.Recover())
	e.Use(middleware.RequestLogger(logger))
	e.Use(middleware.CORS())

	// Payment routes
	paymentGroup := e.Group("/payment")
	paymentGroup.Use(middleware.PaymentSecurityHeaders())

	limited := middleware.RateLimit(rateLimit)
	paymentGroup.POST("/initiate", paymentHandler.Initiate, limited)
	paymentGroup.GET("/redirect/:orderId", paymentHandler.Redirect)
	paymentGroup.POST("/callback/success", paymentHandler.CallbackSuccess, limited)
	paymentGroup.POST("/callback/fail", paymentHandler.CallbackFail, limited)
	paymentGroup.GET("/:orderId/status", paymentHandler.Status)
	paymentGroup.POST("/:orderId/cancel", paymentHandler.Cancel)

	// Health check
	e.GET("/health", paymentHandler.Health)
}
