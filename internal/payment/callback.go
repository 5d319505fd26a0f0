package payment

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"posbridge/internal/broker"
)

var (
	// ErrVerifierNotConfigured is returned when no callback hash fields are
	// configured. Every callback is then treated as unverifiable.
	ErrVerifierNotConfigured = fmt.Errorf("%w: callback hash fields not configured", ErrVerificationFailed)

	// ErrInconclusiveResult is returned for an authentic callback that neither
	// fully matches an approval nor reports a decline.
	ErrInconclusiveResult = errors.New("payment: inconclusive gateway result")
)

const (
	maxCallbackFields = 128
	maxFieldLength    = 2048
)

// CallbackPayload is the strict view of a gateway callback body.
type CallbackPayload struct {
	OrderID        string
	ClientID       string
	Amount         string
	ProcReturnCode string
	Response       string
	MDStatus       string
	AuthCode       string
	TransID        string
	ErrMsg         string
	Hash           string

	// Raw holds every submitted field, first value only.
	Raw map[string]string
}

// Approved reports whether every success indicator is present.
func (p *CallbackPayload) Approved() bool {
	return p.ProcReturnCode == "00" && p.Response == "Approved" && p.MDStatus == "1"
}

// Declined reports whether the callback explicitly reports a failure.
func (p *CallbackPayload) Declined() bool {
	if p.Response == "Declined" || p.Response == "Error" {
		return true
	}
	if p.ProcReturnCode != "" && p.ProcReturnCode != "00" {
		return true
	}
	return p.MDStatus != "" && p.MDStatus != "1"
}

// ParseCallback validates a callback form. Only oid is required; unknown
// fields are kept in Raw for hashing and auditing.
func (g *CMIGateway) ParseCallback(form url.Values) (*CallbackPayload, error) {
	if len(form) > maxCallbackFields {
		return nil, &ValidationError{Field: "body", Reason: "too many fields"}
	}

	raw := make(map[string]string, len(form))
	for k, v := range form {
		if len(v) == 0 {
			continue
		}
		if len(v) > 1 {
			return nil, &ValidationError{Field: k, Reason: "repeated field"}
		}
		if len(v[0]) > maxFieldLength {
			return nil, &ValidationError{Field: k, Reason: "value too long"}
		}
		raw[k] = v[0]
	}

	p := &CallbackPayload{
		OrderID:        strings.TrimSpace(raw["oid"]),
		ClientID:       raw["clientid"],
		Amount:         raw["amount"],
		ProcReturnCode: raw["ProcReturnCode"],
		Response:       raw["Response"],
		MDStatus:       raw["mdStatus"],
		AuthCode:       raw["AuthCode"],
		TransID:        raw["TransId"],
		ErrMsg:         raw["ErrMsg"],
		Hash:           raw["HASH"],
		Raw:            raw,
	}
	if p.Hash == "" {
		p.Hash = raw["hash"]
	}
	if p.OrderID == "" {
		return nil, &ValidationError{Field: "oid", Reason: "is required"}
	}
	return p, nil
}

// VerifyCallback recomputes the callback hash over the configured fields and
// maps an authentic callback to an outcome.
func (g *CMIGateway) VerifyCallback(p *CallbackPayload) (broker.Outcome, error) {
	if len(g.cfg.CallbackHashFields) == 0 {
		return "", ErrVerifierNotConfigured
	}
	if p.ClientID != "" && p.ClientID != g.cfg.ClientID {
		return "", fmt.Errorf("%w: unexpected client id", ErrVerificationFailed)
	}

	values := make([]string, 0, len(g.cfg.CallbackHashFields))
	for _, name := range g.cfg.CallbackHashFields {
		v, ok := p.Raw[name]
		if !ok {
			return "", fmt.Errorf("%w: missing field %s", ErrVerificationFailed, name)
		}
		values = append(values, v)
	}
	if err := g.signer.Verify(values, g.cfg.StoreKey, p.Hash); err != nil {
		return "", err
	}

	switch {
	case p.Approved():
		return broker.OutcomeApproved, nil
	case p.Declined():
		return broker.OutcomeDeclined, nil
	default:
		return "", ErrInconclusiveResult
	}
}
