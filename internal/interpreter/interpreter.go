// Package interpreter turns what the embedded browser sees (page loads and
// app deep links) into at most one payment decision per order.
package interpreter

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"posbridge/internal/dedup"
)

// Classification is the meaning of an observed signal.
type Classification string

const (
	Success   Classification = "success"
	Failure   Classification = "failure"
	Cancelled Classification = "cancelled"
)

// NavigationEvent is a page navigation reported by the embedded browser.
type NavigationEvent struct {
	URL     string
	Loading bool
}

// Decision is the single outcome dispatched for an order.
type Decision struct {
	OrderID        string
	Classification Classification
	Source         string // "navigation", "deeplink" or "cancel"
	URL            string
	At             time.Time
}

// Handler acts on a decision. It runs on its own goroutine.
type Handler func(ctx context.Context, d Decision)

type signal struct {
	source string
	url    string
}

// Interpreter classifies signals from every source in one loop.
type Interpreter struct {
	scheme  string
	marker  dedup.Marker
	handle  Handler
	logger  *zap.Logger
	nav     chan NavigationEvent
	links   chan string
	cancels chan string
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates an interpreter for deep links of the given scheme.
func New(scheme string, marker dedup.Marker, handle Handler, logger *zap.Logger) *Interpreter {
	return &Interpreter{
		scheme:  strings.ToLower(scheme),
		marker:  marker,
		handle:  handle,
		logger:  logger,
		nav:     make(chan NavigationEvent, 16),
		links:   make(chan string, 16),
		cancels: make(chan string, 4),
		done:    make(chan struct{}),
	}
}

// Navigate reports a navigation. Events still loading are ignored.
func (i *Interpreter) Navigate(ev NavigationEvent) {
	select {
	case i.nav <- ev:
	case <-i.done:
	}
}

// DeepLink reports a URL delivered to the app through its scheme.
func (i *Interpreter) DeepLink(raw string) {
	select {
	case i.links <- raw:
	case <-i.done:
	}
}

// Cancel reports that the operator abandoned the payment for orderID.
func (i *Interpreter) Cancel(orderID string) {
	select {
	case i.cancels <- orderID:
	case <-i.done:
	}
}

// ShouldStartLoad is the browser's pre-load hook. App scheme URLs are routed
// to DeepLink and never loaded.
func (i *Interpreter) ShouldStartLoad(raw string) bool {
	if strings.HasPrefix(strings.ToLower(raw), i.scheme+"://") {
		i.DeepLink(raw)
		return false
	}
	return true
}

// Run classifies signals until ctx ends. Signals already queued are still
// classified; Run then waits for running handlers.
func (i *Interpreter) Run(ctx context.Context) error {
	defer func() {
		close(i.done)
		i.wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			i.drain(context.WithoutCancel(ctx))
			return nil
		case ev := <-i.nav:
			i.navigation(ctx, ev)
		case raw := <-i.links:
			i.classify(ctx, signal{source: "deeplink", url: raw})
		case orderID := <-i.cancels:
			i.cancel(ctx, orderID)
		}
	}
}

func (i *Interpreter) drain(ctx context.Context) {
	for {
		select {
		case ev := <-i.nav:
			i.navigation(ctx, ev)
		case raw := <-i.links:
			i.classify(ctx, signal{source: "deeplink", url: raw})
		case orderID := <-i.cancels:
			i.cancel(ctx, orderID)
		default:
			return
		}
	}
}

func (i *Interpreter) navigation(ctx context.Context, ev NavigationEvent) {
	if ev.Loading {
		return
	}
	i.classify(ctx, signal{source: "navigation", url: ev.URL})
}

func (i *Interpreter) cancel(ctx context.Context, orderID string) {
	i.decide(ctx, Decision{OrderID: orderID, Classification: Cancelled, Source: "cancel"})
}

func (i *Interpreter) classify(ctx context.Context, s signal) {
	orderID, class, ok := Classify(i.scheme, s.url)
	if !ok {
		return
	}
	i.decide(ctx, Decision{OrderID: orderID, Classification: class, Source: s.source, URL: s.url})
}

func (i *Interpreter) decide(ctx context.Context, d Decision) {
	if d.OrderID == "" {
		return
	}

	first, err := i.marker.Claim(ctx, d.OrderID)
	if err != nil {
		i.logger.Error("Claim marker unavailable, signal dropped",
			zap.String("order_id", d.OrderID),
			zap.String("classification", string(d.Classification)),
			zap.Error(err),
		)
		return
	}
	if !first {
		i.logger.Debug("Duplicate signal ignored",
			zap.String("order_id", d.OrderID),
			zap.String("classification", string(d.Classification)),
			zap.String("source", d.Source),
		)
		return
	}

	d.At = time.Now()
	i.logger.Info("Payment decision",
		zap.String("order_id", d.OrderID),
		zap.String("classification", string(d.Classification)),
		zap.String("source", d.Source),
	)

	hctx := context.WithoutCancel(ctx)
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				i.logger.Error("Decision handler panicked",
					zap.String("order_id", d.OrderID),
					zap.Any("panic", r),
				)
			}
		}()
		i.handle(hctx, d)
	}()
}

// Classify maps a URL to an order id and outcome. Recognised forms are
// <scheme>://payment/success?orderId=X, <scheme>://payment/fail?orderId=X
// and any URL whose fragment is success-X or fail-X.
func Classify(scheme, raw string) (string, Classification, bool) {
	lower := strings.ToLower(raw)
	prefix := strings.ToLower(scheme) + "://payment/"

	if strings.HasPrefix(lower, prefix) {
		var class Classification
		switch {
		case strings.HasPrefix(lower, prefix+"success"):
			class = Success
		case strings.HasPrefix(lower, prefix+"fail"):
			class = Failure
		default:
			return "", "", false
		}
		u, err := url.Parse(raw)
		if err != nil {
			return "", "", false
		}
		orderID := strings.TrimSpace(u.Query().Get("orderId"))
		if orderID == "" {
			return "", "", false
		}
		return orderID, class, true
	}

	u, err := url.Parse(raw)
	if err != nil || u.Fragment == "" {
		return "", "", false
	}
	switch {
	case strings.HasPrefix(u.Fragment, "success-"):
		if id := strings.TrimPrefix(u.Fragment, "success-"); id != "" {
			return id, Success, true
		}
	case strings.HasPrefix(u.Fragment, "fail-"):
		if id := strings.TrimPrefix(u.Fragment, "fail-"); id != "" {
			return id, Failure, true
		}
	}
	return "", "", false
}
