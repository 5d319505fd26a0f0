package payment

import (
	"context"
	"io"
	"net/url"

	"posbridge/internal/broker"
	"posbridge/internal/models"
)

// SessionRequest describes a cart to collect payment for.
type SessionRequest struct {
	OrderID   string // minted when empty
	Reference string // external order id, optional
	Items     []models.CartItem
	Customer  models.CustomerInfo
}

// Registrar is the part of the broker a gateway registers sessions with.
type Registrar interface {
	CreateSession(ctx context.Context, ns broker.NewSession) (broker.Session, error)
}

// Gateway defines the interface for hosted payment page integrations.
type Gateway interface {
	// Name returns the gateway identifier.
	Name() string

	// Begin validates the cart, signs a request and registers a pending session.
	Begin(ctx context.Context, req SessionRequest) (broker.Session, error)

	// RenderRedirect writes the self-submitting document for a session.
	RenderRedirect(w io.Writer, s broker.Session) error

	// ParseCallback checks a gateway callback against the strict schema.
	ParseCallback(form url.Values) (*CallbackPayload, error)

	// VerifyCallback authenticates a callback and maps it to an outcome.
	VerifyCallback(p *CallbackPayload) (broker.Outcome, error)
}
