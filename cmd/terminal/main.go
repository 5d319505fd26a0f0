package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"posbridge/internal/bootstrap"
	"posbridge/internal/config"
	"posbridge/internal/dedup"
	"posbridge/internal/interpreter"
	"posbridge/internal/models"
	"posbridge/internal/posclient"
	"posbridge/internal/printer"
	"posbridge/internal/reconcile"
	"posbridge/internal/repository"
)

func main() {
	pflag.Bool("list", false, "list orders waiting for payment and exit")
	pflag.String("order", "", "order id to collect payment for")
	pflag.Bool("cash", false, "record a cash payment instead of opening the card page")
	pflag.Bool("test-print", false, "print a test receipt and exit")
	pflag.Bool("seed-demo", false, "insert demo orders into an empty order table")
	pflag.Parse()

	// --- Logger ---
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// --- Config ---
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}
	if err := viper.BindPFlags(pflag.CommandLine); err != nil {
		logger.Fatal("Failed to bind flags", zap.Error(err))
	}
	if cfg.Server.Env == "development" {
		if devLogger, err := zap.NewDevelopment(); err == nil {
			logger = devLogger
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Terminal stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	store := printer.Store{
		Name:          cfg.Store.Name,
		Address:       cfg.Store.Address,
		Phone:         cfg.Store.Phone,
		TaxID:         cfg.Store.TaxID,
		CurrencyLabel: cfg.Store.CurrencyLabel,
		TaxRate:       cfg.Store.TaxRate,
	}

	// --- Printer ---
	adapter, closer, err := printer.New(cfg.Printer, logger)
	if err != nil {
		return err
	}
	defer closer.Close()
	_ = adapter.Initialize(ctx)

	if viper.GetBool("test-print") {
		return testPrint(ctx, adapter, store)
	}

	// --- Order repository ---
	db, err := config.NewDatabase(&cfg.Database)
	if err != nil {
		return err
	}
	if err := bootstrap.MigrateAndSeed(db, viper.GetBool("seed-demo")); err != nil {
		return err
	}
	orders := repository.NewOrderRepository(db)

	if viper.GetBool("list") {
		return listPending(ctx, orders, os.Stdout)
	}

	orderID := strings.TrimSpace(viper.GetString("order"))
	if orderID == "" {
		return errors.New("--order is required (use --list to see pending orders)")
	}
	order, err := orders.FindByID(ctx, orderID)
	if err != nil {
		return err
	}
	if !order.IsPayable() {
		return fmt.Errorf("order %s is not waiting for payment (status %s, payment %s)", order.ID, order.Status, order.PaymentStatus)
	}

	// --- Backend client and reconciler ---
	client := posclient.New(cfg.App.BackendURL, posclient.Options{
		Attempts:   cfg.Reconcile.Attempts,
		Backoff:    cfg.Reconcile.Backoff,
		MaxBackoff: cfg.Reconcile.MaxBackoff,
		Timeout:    cfg.Reconcile.Timeout,
	})
	rec := reconcile.New(client, client, orders, adapter, reconcile.Options{
		Timeout: cfg.Reconcile.Timeout,
		Store:   store,
	}, logger)

	items := cartFor(order)

	if viper.GetBool("cash") {
		res := rec.SettleCash(ctx, reconcile.Attempt{
			OrderID:      order.ID,
			Reference:    order.ID,
			Items:        items,
			CustomerName: order.CustomerName,
		})
		report(os.Stdout, res)
		return nil
	}

	return payByCard(ctx, cfg, logger, client, rec, order, items)
}

func payByCard(
	ctx context.Context,
	cfg *config.Config,
	logger *zap.Logger,
	client *posclient.Client,
	rec *reconcile.Reconciler,
	order *models.Order,
	items models.LineItems,
) error {
	resp, err := client.Initiate(ctx, models.InitiatePaymentRequest{
		Items:        toCart(items),
		CustomerInfo: &models.CustomerInfo{Name: order.CustomerName, Email: order.CustomerEmail},
		Reference:    order.ID,
	})
	if err != nil {
		return fmt.Errorf("payment initiation failed: %w", err)
	}

	rec.Track(reconcile.Attempt{
		OrderID:      resp.OrderID,
		Reference:    order.ID,
		Items:        items,
		CustomerName: order.CustomerName,
	})

	results := make(chan reconcile.Result, 1)
	interp := interpreter.New(cfg.App.DeepLinkScheme, dedup.NewMemoryMarker(0),
		sessionHandler(resp.OrderID, rec.Handle, results, logger), logger)

	runCtx, stopInterp := context.WithCancel(ctx)
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = interp.Run(runCtx)
	}()
	defer func() {
		stopInterp()
		<-runDone
	}()

	fmt.Fprintf(os.Stdout, "Order %s: %s %s\n", order.ID, items.Total().StringFixed(2), cfg.Store.CurrencyLabel)
	fmt.Fprintf(os.Stdout, "Open payment page: %s\n", resp.PaymentURL)
	fmt.Fprintln(os.Stdout, "Commands: nav <url> [loading] | link <url> | cancel")

	go feed(os.Stdin, interp, resp.OrderID, logger)

	select {
	case res := <-results:
		report(os.Stdout, res)
		return nil
	case <-ctx.Done():
		interp.Cancel(resp.OrderID)
		select {
		case res := <-results:
			report(os.Stdout, res)
		case <-time.After(cfg.Reconcile.Timeout):
		}
		return nil
	}
}

// sessionHandler forwards decisions for sessionID only. Signals naming another
// order never end the current payment.
func sessionHandler(
	sessionID string,
	handle func(context.Context, interpreter.Decision) reconcile.Result,
	results chan<- reconcile.Result,
	logger *zap.Logger,
) interpreter.Handler {
	return func(ctx context.Context, d interpreter.Decision) {
		if d.OrderID != sessionID {
			logger.Warn("Ignoring decision for another order",
				zap.String("order_id", d.OrderID),
				zap.String("session_id", sessionID),
				zap.String("classification", string(d.Classification)),
			)
			return
		}
		results <- handle(ctx, d)
	}
}

// feed reads browser and OS events from r. Closing r abandons the payment.
func feed(r io.Reader, interp *interpreter.Interpreter, sessionID string, logger *zap.Logger) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "nav":
			if len(fields) < 2 {
				continue
			}
			loading := len(fields) > 2 && fields[2] == "loading"
			if interp.ShouldStartLoad(fields[1]) {
				interp.Navigate(interpreter.NavigationEvent{URL: fields[1], Loading: loading})
			}
		case "link":
			if len(fields) < 2 {
				continue
			}
			interp.DeepLink(fields[1])
		case "cancel":
			interp.Cancel(sessionID)
		default:
			logger.Warn("Unknown terminal command", zap.String("command", fields[0]))
		}
	}
	interp.Cancel(sessionID)
}

// cartFor returns the order lines, with the delivery fee as an extra line so
// the charged amount equals the order total.
func cartFor(order *models.Order) models.LineItems {
	items := append(models.LineItems(nil), order.Items...)
	if order.DeliveryFee.IsPositive() {
		items = append(items, models.LineItem{
			ID:       "delivery",
			Name:     "Delivery fee",
			Price:    order.DeliveryFee,
			Quantity: 1,
		})
	}
	return items
}

func toCart(items models.LineItems) []models.CartItem {
	cart := make([]models.CartItem, 0, len(items))
	for _, it := range items {
		cart = append(cart, models.CartItem{
			ID:       it.ID,
			Name:     it.Name,
			Price:    it.Price.InexactFloat64(),
			Quantity: it.Quantity,
		})
	}
	return cart
}

func listPending(ctx context.Context, orders *repository.OrderRepository, w io.Writer) error {
	pending, err := orders.FindPending(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		fmt.Fprintln(w, "No orders waiting for payment.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ORDER\tCUSTOMER\tITEMS\tTOTAL\tCREATED")
	for _, o := range pending {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			o.ID, o.CustomerName, len(o.Items), o.Total.StringFixed(2), o.CreatedAt.Format("2006-01-02 15:04"))
	}
	return tw.Flush()
}

func testPrint(ctx context.Context, p printer.Printer, store printer.Store) error {
	st := p.Status(ctx)
	fmt.Fprintf(os.Stdout, "Printer: %s, connected=%t, paper=%s\n", st.Device, st.Connected, st.Paper)

	job := printer.NewJob("TEST", models.LineItems{
		{ID: "1", Name: "Test item", Price: decimal.RequireFromString("10.00"), Quantity: 1},
	}, "Test", time.Now(), "", store)
	if err := p.Print(ctx, job); err != nil {
		return fmt.Errorf("test print failed: %w", err)
	}
	fmt.Fprintln(os.Stdout, "Test receipt printed.")
	return nil
}

func report(w io.Writer, res reconcile.Result) {
	fmt.Fprintf(w, "[%s] %s\n", strings.ToUpper(string(res.Kind)), res.Message)
	if res.PrintWarning != "" {
		fmt.Fprintf(w, "WARNING: %s\n", res.PrintWarning)
	}
}
