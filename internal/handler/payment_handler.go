package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"posbridge/internal/audit"
	"posbridge/internal/broker"
	"posbridge/internal/dedup"
	"posbridge/internal/models"
	"posbridge/internal/payment"
	"posbridge/internal/pkg/telegram"
)

// SessionStore is the part of the broker the HTTP layer drives.
type SessionStore interface {
	GetStatus(ctx context.Context, orderID string) (broker.Session, error)
	MarkResult(ctx context.Context, orderID string, outcome broker.Outcome, raw map[string]string) (broker.Session, error)
	Cancel(ctx context.Context, orderID string) (broker.Session, error)
	Counts() map[broker.Status]int
}

// AuditLog receives events that did not change state the normal way.
type AuditLog interface {
	Append(rec audit.Record) error
}

// PaymentConfig is what the handler needs from configuration.
type PaymentConfig struct {
	PublicURL      string
	DeepLinkScheme string
	Version        string
	TestMode       bool
}

// PaymentHandler serves the payment API, the redirect page and the gateway
// callbacks.
type PaymentHandler struct {
	gateway  payment.Gateway
	sessions SessionStore
	audit    AuditLog
	notifier *telegram.Notifier
	reported dedup.Marker
	cfg      PaymentConfig
	logger   *zap.Logger
}

// NewPaymentHandler creates a new payment handler. auditLog and notifier may
// be nil.
func NewPaymentHandler(
	gateway payment.Gateway,
	sessions SessionStore,
	auditLog AuditLog,
	notifier *telegram.Notifier,
	reported dedup.Marker,
	cfg PaymentConfig,
	logger *zap.Logger,
) *PaymentHandler {
	if reported == nil {
		reported = dedup.NewMemoryMarker(24 * time.Hour)
	}
	return &PaymentHandler{
		gateway:  gateway,
		sessions: sessions,
		audit:    auditLog,
		notifier: notifier,
		reported: reported,
		cfg:      cfg,
		logger:   logger,
	}
}

// ── Initiate ─────────────────────────────────────────────────────────

func (h *PaymentHandler) Initiate(c echo.Context) error {
	var req models.InitiatePaymentRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request body"})
	}

	var customer models.CustomerInfo
	if req.CustomerInfo != nil {
		customer = *req.CustomerInfo
	}

	session, err := h.gateway.Begin(c.Request().Context(), payment.SessionRequest{
		OrderID:   req.OrderID,
		Reference: req.Reference,
		Items:     req.Items,
		Customer:  customer,
	})
	if err != nil {
		var verr *payment.ValidationError
		switch {
		case errors.As(err, &verr), errors.Is(err, broker.ErrInvalidSession):
			return c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
		case errors.Is(err, broker.ErrDuplicateOrder):
			return c.JSON(http.StatusConflict, models.ErrorResponse{Error: fmt.Sprintf("Order %s already has a payment session", req.OrderID)})
		default:
			h.logger.Error("Payment initiation failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "Payment initiation failed"})
		}
	}

	return c.JSON(http.StatusOK, models.InitiatePaymentResponse{
		Success:    true,
		OrderID:    session.OrderID,
		PaymentURL: h.cfg.PublicURL + "/payment/redirect/" + url.PathEscape(session.OrderID),
	})
}

// ── Redirect page ────────────────────────────────────────────────────

func (h *PaymentHandler) Redirect(c echo.Context) error {
	orderID := c.Param("orderId")

	session, err := h.sessions.GetStatus(c.Request().Context(), orderID)
	if err != nil {
		return renderPage(c, http.StatusNotFound, "Payment not found", "This payment link is invalid or has expired.", orderID)
	}
	if session.Status != broker.StatusPending {
		return renderPage(c, http.StatusGone, "Payment closed", "This payment has already been completed or cancelled.", orderID)
	}

	c.Response().Header().Set(echo.HeaderContentType, echo.MIMETextHTMLCharsetUTF8)
	c.Response().WriteHeader(http.StatusOK)
	return h.gateway.RenderRedirect(c.Response().Writer, session)
}

// ── Gateway callbacks ────────────────────────────────────────────────

func (h *PaymentHandler) CallbackSuccess(c echo.Context) error {
	return h.callback(c, "callback/success")
}

func (h *PaymentHandler) CallbackFail(c echo.Context) error {
	return h.callback(c, "callback/fail")
}

// callback applies a gateway callback. The URL it arrived on is not trusted:
// only a verified payload decides the outcome, and the browser is sent to the
// success link only when the session is actually paid.
func (h *PaymentHandler) callback(c echo.Context, source string) error {
	ctx := c.Request().Context()

	form, err := c.FormParams()
	if err != nil {
		return c.String(http.StatusBadRequest, "invalid callback body")
	}
	p, err := h.gateway.ParseCallback(form)
	if err != nil {
		h.logger.Warn("Malformed gateway callback", zap.String("source", source), zap.Error(err))
		return c.String(http.StatusBadRequest, "invalid callback")
	}

	session, err := h.sessions.GetStatus(ctx, p.OrderID)
	if err != nil {
		h.logger.Warn("Callback for unknown payment", zap.String("order_id", p.OrderID), zap.String("source", source))
		return h.redirectToApp(c, p.OrderID, false)
	}

	outcome, err := h.gateway.VerifyCallback(p)
	if err == nil {
		err = checkAmount(p.Amount, session.Amount)
	}
	if err != nil {
		kind := audit.KindVerificationFailed
		if errors.Is(err, payment.ErrInconclusiveResult) {
			kind = audit.KindInconclusive
		}
		h.logger.Warn("Gateway callback not applied",
			zap.String("order_id", p.OrderID),
			zap.String("source", source),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		h.record(audit.Record{OrderID: p.OrderID, Kind: kind, Source: source, Detail: err.Error(), Payload: p.Raw})
		return h.redirectToApp(c, p.OrderID, session.Status == broker.StatusPaid)
	}

	session, err = h.sessions.MarkResult(ctx, p.OrderID, outcome, p.Raw)
	switch {
	case errors.Is(err, broker.ErrConflictingResult):
		h.record(audit.Record{OrderID: p.OrderID, Kind: audit.KindConflict, Source: source, Detail: err.Error(), Payload: p.Raw})
	case err != nil:
		h.logger.Error("Failed to apply gateway result", zap.String("order_id", p.OrderID), zap.Error(err))
		return h.redirectToApp(c, p.OrderID, false)
	default:
		h.settled(ctx, session, outcome, source, p.Raw)
	}

	return h.redirectToApp(c, p.OrderID, session.Status == broker.StatusPaid)
}

// checkAmount rejects a callback whose amount is missing or differs from the
// session's.
func checkAmount(claimed string, expected decimal.Decimal) error {
	if claimed == "" {
		return fmt.Errorf("%w: amount missing", payment.ErrVerificationFailed)
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(claimed))
	if err != nil || !amount.Equal(expected) {
		return fmt.Errorf("%w: amount %q does not match %s", payment.ErrVerificationFailed, claimed, expected.StringFixed(2))
	}
	return nil
}

// settled audits and reports a terminal result once per order.
func (h *PaymentHandler) settled(ctx context.Context, s broker.Session, outcome broker.Outcome, source string, raw map[string]string) {
	first, err := h.reported.Claim(ctx, "settled:"+s.OrderID)
	if err != nil || !first {
		return
	}

	h.record(audit.Record{OrderID: s.OrderID, Kind: audit.KindSettled, Source: source, Detail: string(outcome), Payload: raw})

	if h.notifier.Enabled() {
		report := telegram.Report{
			OrderID:  s.OrderID,
			Status:   string(s.Status),
			Amount:   s.Amount.StringFixed(2),
			Currency: s.Currency,
			Reason:   string(s.FailureReason),
		}
		go func() {
			nctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			h.notifier.Notify(nctx, report)
		}()
	}
}

func (h *PaymentHandler) record(rec audit.Record) {
	if h.audit == nil {
		return
	}
	if err := h.audit.Append(rec); err != nil {
		h.logger.Error("Audit record lost", zap.String("order_id", rec.OrderID), zap.Error(err))
	}
}

func (h *PaymentHandler) deepLink(orderID string, success bool) string {
	result := "fail"
	if success {
		result = "success"
	}
	return fmt.Sprintf("%s://payment/%s?orderId=%s", h.cfg.DeepLinkScheme, result, url.QueryEscape(orderID))
}

func (h *PaymentHandler) redirectToApp(c echo.Context, orderID string, success bool) error {
	return c.Redirect(http.StatusFound, h.deepLink(orderID, success))
}

// ── Status / cancel ──────────────────────────────────────────────────

func toStatus(s broker.Session) *models.SessionStatus {
	return &models.SessionStatus{
		ID:        s.OrderID,
		Status:    string(s.Status),
		Total:     s.Amount,
		Reference: s.Reference,
		CreatedAt: s.CreatedAt,
		PaidAt:    s.PaidAt,
	}
}

func (h *PaymentHandler) Status(c echo.Context) error {
	session, err := h.sessions.GetStatus(c.Request().Context(), c.Param("orderId"))
	if err != nil {
		return c.JSON(http.StatusNotFound, models.StatusResponse{Error: "Order not found"})
	}
	return c.JSON(http.StatusOK, models.StatusResponse{Success: true, Order: toStatus(session)})
}

func (h *PaymentHandler) Cancel(c echo.Context) error {
	orderID := c.Param("orderId")

	session, err := h.sessions.Cancel(c.Request().Context(), orderID)
	switch {
	case errors.Is(err, broker.ErrNotFound):
		return c.JSON(http.StatusNotFound, models.StatusResponse{Error: "Order not found"})
	case errors.Is(err, broker.ErrConflictingResult):
		return c.JSON(http.StatusConflict, models.StatusResponse{Error: "Payment already paid", Order: toStatus(session)})
	case err != nil:
		h.logger.Error("Cancel failed", zap.String("order_id", orderID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, models.StatusResponse{Error: "Cancel failed"})
	}

	h.settled(c.Request().Context(), session, broker.OutcomeCancelled, "cancel", nil)
	return c.JSON(http.StatusOK, models.StatusResponse{Success: true, Order: toStatus(session)})
}

// ── Health ───────────────────────────────────────────────────────────

func (h *PaymentHandler) Health(c echo.Context) error {
	gateway := "production"
	if h.cfg.TestMode {
		gateway = "test"
	}
	sessions := make(map[string]int)
	for status, n := range h.sessions.Counts() {
		sessions[string(status)] = n
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"version":   h.cfg.Version,
		"gateway":   gateway,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"sessions":  sessions,
	})
}
