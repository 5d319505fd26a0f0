package telegram

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"go.uber.org/zap"

	"posbridge/internal/pkg/httpclient"
)

const (
	defaultAPIURL = "https://api.telegram.org"
	userAgent     = "posbridge-notifier/1.0"
)

// Notifier posts payment reports to an operator chat through the Bot API.
// A notifier without token or chat is a no-op.
type Notifier struct {
	chatID string
	client *httpclient.Client
	logger *zap.Logger
}

// NewNotifier creates a notifier for chatID. apiURL may be empty.
func NewNotifier(token, chatID, apiURL string, logger *zap.Logger) *Notifier {
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	n := &Notifier{chatID: chatID, logger: logger}
	if token != "" && chatID != "" {
		n.client = httpclient.New().
			WithBaseURL(strings.TrimRight(apiURL, "/") + "/bot" + token).
			WithTimeout(10 * time.Second).
			WithHeader("User-Agent", userAgent)
	}
	return n
}

// Enabled reports whether messages are actually sent.
func (n *Notifier) Enabled() bool {
	return n != nil && n.client != nil
}

type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// SendMessage sends an HTML formatted message to the configured chat.
func (n *Notifier) SendMessage(ctx context.Context, text string) error {
	if !n.Enabled() {
		return nil
	}

	var out sendMessageResponse
	err := n.client.PostJSON(ctx, "/sendMessage", map[string]interface{}{
		"chat_id":    n.chatID,
		"text":       text,
		"parse_mode": "HTML",
	}, &out)
	if err != nil {
		return fmt.Errorf("telegram sendMessage failed: %w", err)
	}
	if !out.OK {
		return fmt.Errorf("telegram sendMessage rejected: %s", out.Description)
	}
	return nil
}

// Report is the subset of a settled payment shown to operators.
type Report struct {
	OrderID  string
	Status   string
	Amount   string
	Currency string
	Reason   string
}

// FormatReport renders a report as a Telegram HTML message.
func FormatReport(r Report) string {
	var b strings.Builder
	icon := "✅"
	if r.Status != "paid" {
		icon = "❌"
	}
	fmt.Fprintf(&b, "%s <b>Payment %s</b>\n", icon, html.EscapeString(r.Status))
	fmt.Fprintf(&b, "Order: <code>%s</code>\n", html.EscapeString(r.OrderID))
	fmt.Fprintf(&b, "Amount: %s %s", html.EscapeString(r.Amount), html.EscapeString(r.Currency))
	if r.Reason != "" {
		fmt.Fprintf(&b, "\nReason: %s", html.EscapeString(r.Reason))
	}
	return b.String()
}

// Notify formats and sends a report, logging instead of failing.
func (n *Notifier) Notify(ctx context.Context, r Report) {
	if !n.Enabled() {
		return
	}
	if err := n.SendMessage(ctx, FormatReport(r)); err != nil {
		n.logger.Warn("Payment report not delivered",
			zap.String("order_id", r.OrderID),
			zap.Error(err),
		)
	}
}
