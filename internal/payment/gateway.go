package payment

import (
	"context"
	"fmt"
	"html/template"
	"io"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"posbridge/internal/broker"
	"posbridge/internal/config"
	"posbridge/internal/models"
)

// ValidationError reports a malformed payment request. Nothing is registered
// when it is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// CMIGateway implements the Gateway interface for the CMI 3D pay hosted page.
type CMIGateway struct {
	cfg       config.GatewayConfig
	signer    *Signer
	registrar Registrar
	logger    *zap.Logger

	newNonce   func() (string, error)
	newOrderID func() string
}

// requiredHashFields are the callback fields that decide an outcome. Each must
// be covered by the callback hash.
var requiredHashFields = []string{"oid", "amount", "ProcReturnCode", "Response", "mdStatus"}

// NewCMIGateway validates cfg and creates the gateway. An empty callback hash
// field list is accepted; every callback then fails verification.
func NewCMIGateway(cfg config.GatewayConfig, registrar Registrar, logger *zap.Logger) (*CMIGateway, error) {
	signer, err := NewSigner(cfg.HashAlgorithm)
	if err != nil {
		return nil, err
	}
	if err := checkHashFields(cfg.CallbackHashFields); err != nil {
		return nil, err
	}
	return &CMIGateway{
		cfg:        cfg,
		signer:     signer,
		registrar:  registrar,
		logger:     logger,
		newNonce:   randomNonce,
		newOrderID: mintOrderID,
	}, nil
}

func checkHashFields(fields []string) error {
	if len(fields) == 0 {
		return nil
	}
	covered := make(map[string]bool, len(fields))
	for _, f := range fields {
		covered[f] = true
	}
	var missing []string
	for _, f := range requiredHashFields {
		if !covered[f] {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("payment: callback hash fields must include %s", strings.Join(missing, ", "))
	}
	return nil
}

func (g *CMIGateway) Name() string {
	return "cmi"
}

// Endpoint returns the hosted page URL the redirect document posts to.
func (g *CMIGateway) Endpoint() string {
	return g.cfg.Endpoint()
}

// Begin validates the cart, signs the request and registers a pending session.
func (g *CMIGateway) Begin(ctx context.Context, req SessionRequest) (broker.Session, error) {
	items, amount, err := validateItems(req.Items)
	if err != nil {
		return broker.Session{}, err
	}

	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		orderID = g.newOrderID()
	}

	nonce, err := g.newNonce()
	if err != nil {
		return broker.Session{}, fmt.Errorf("payment: nonce generation failed: %w", err)
	}

	formattedAmount := amount.StringFixed(2)
	signature := g.signer.Sign(g.requestFields(orderID, formattedAmount, nonce), g.cfg.StoreKey)

	session, err := g.registrar.CreateSession(ctx, broker.NewSession{
		OrderID:   orderID,
		Reference: req.Reference,
		Amount:    amount,
		Currency:  g.cfg.Currency,
		Items:     items,
		Customer:  req.Customer,
		Nonce:     nonce,
		Signature: signature,
	})
	if err != nil {
		return broker.Session{}, err
	}

	g.logger.Info("CMI payment initiated",
		zap.String("order_id", orderID),
		zap.String("amount", formattedAmount),
		zap.Bool("test_mode", g.cfg.TestMode),
	)
	return session, nil
}

// requestFields is the documented signing order:
// clientid, oid, amount, okUrl, failUrl, rnd (the store key is appended by Sign).
func (g *CMIGateway) requestFields(orderID, amount, nonce string) []string {
	return []string{g.cfg.ClientID, orderID, amount, g.cfg.OkURL, g.cfg.FailURL, nonce}
}

type formField struct {
	Name  string
	Value string
}

type redirectPage struct {
	Endpoint string
	OrderID  string
	Fields   []formField
	DelayMs  int64
}

var redirectTemplate = template.Must(template.New("redirect").Parse(`<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Secure Payment - Redirecting...</title>
    <style>
        body { font-family: Arial, sans-serif; display: flex; justify-content: center; align-items: center; min-height: 100vh; margin: 0; background: #4c51bf; color: #fff; }
        .container { text-align: center; padding: 40px; background: rgba(255,255,255,0.1); border-radius: 15px; }
        .spinner { border: 4px solid rgba(255,255,255,0.3); border-radius: 50%; border-top: 4px solid #fff; width: 40px; height: 40px; animation: spin 1s linear infinite; margin: 20px auto; }
        @keyframes spin { 0% { transform: rotate(0deg); } 100% { transform: rotate(360deg); } }
    </style>
</head>
<body>
    <div class="container">
        <h2>Secure Payment</h2>
        <div class="spinner"></div>
        <p>Redirecting to the payment gateway...</p>
        <p><small>Order: {{.OrderID}}</small></p>
    </div>
    <form id="cmiForm" action="{{.Endpoint}}" method="post">
{{- range .Fields}}
        <input type="hidden" name="{{.Name}}" value="{{.Value}}">
{{- end}}
    </form>
    <script>
        setTimeout(function () { document.getElementById('cmiForm').submit(); }, {{.DelayMs}});
    </script>
</body>
</html>
`))

// RenderRedirect writes the self-submitting form for a session.
func (g *CMIGateway) RenderRedirect(w io.Writer, s broker.Session) error {
	page := redirectPage{
		Endpoint: g.cfg.Endpoint(),
		OrderID:  s.OrderID,
		DelayMs:  g.cfg.RedirectDelay.Milliseconds(),
		Fields: []formField{
			{"clientid", g.cfg.ClientID},
			{"amount", s.Amount.StringFixed(2)},
			{"currency", g.cfg.Currency},
			{"oid", s.OrderID},
			{"okUrl", g.cfg.OkURL},
			{"failUrl", g.cfg.FailURL},
			{"rnd", s.Nonce},
			{"hash", s.Signature},
			{"storetype", g.cfg.StoreType},
			{"lang", g.cfg.Lang},
			{"email", s.Customer.Email},
			{"BillToName", s.Customer.Name},
			{"hashAlgorithm", g.signer.Algorithm()},
		},
	}
	return redirectTemplate.Execute(w, page)
}

func validateItems(cart []models.CartItem) (models.LineItems, decimal.Decimal, error) {
	if len(cart) == 0 {
		return nil, decimal.Zero, &ValidationError{Field: "items", Reason: "at least one item is required"}
	}

	items := make(models.LineItems, 0, len(cart))
	for i, it := range cart {
		if math.IsNaN(it.Price) || math.IsInf(it.Price, 0) || it.Price < 0 {
			return nil, decimal.Zero, &ValidationError{Field: fmt.Sprintf("items[%d].price", i), Reason: "must be a finite, non-negative number"}
		}
		if it.Quantity < 1 {
			return nil, decimal.Zero, &ValidationError{Field: fmt.Sprintf("items[%d].quantity", i), Reason: "must be at least 1"}
		}
		if strings.TrimSpace(it.Name) == "" {
			return nil, decimal.Zero, &ValidationError{Field: fmt.Sprintf("items[%d].name", i), Reason: "is required"}
		}
		items = append(items, models.LineItem{
			ID:       it.ID,
			Name:     it.Name,
			Price:    decimal.NewFromFloat(it.Price).Round(2),
			Quantity: it.Quantity,
		})
	}

	amount := items.Total()
	if !amount.IsPositive() {
		return nil, decimal.Zero, &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	return items, amount, nil
}

// randomNonce draws 128 bits from crypto/rand through uuid.NewRandom.
func randomNonce() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(id.String(), "-", ""), nil
}

func mintOrderID() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return fmt.Sprintf("ORD_%d_%s", time.Now().UnixMilli(), suffix)
}
