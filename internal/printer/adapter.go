package printer

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"

	"posbridge/internal/config"
)

// Adapter picks the device class once, serializes jobs and falls back to the
// simulator whenever the hardware cannot take a job.
type Adapter struct {
	mode   string
	driver Driver
	sim    *Simulator
	logger *zap.Logger

	slot chan struct{}

	mu          sync.Mutex
	initialized bool
	device      DeviceClass
}

// NewAdapter wraps driver, which may be nil. mode is "auto", "hardware" or
// "simulated".
func NewAdapter(mode string, driver Driver, sim *Simulator, logger *zap.Logger) *Adapter {
	return &Adapter{
		mode:   mode,
		driver: driver,
		sim:    sim,
		logger: logger,
		slot:   make(chan struct{}, 1),
	}
}

// New builds the adapter described by cfg. The returned closer releases the
// journal file, if any.
func New(cfg config.PrinterConfig, logger *zap.Logger) (*Adapter, io.Closer, error) {
	var journal io.Writer
	var closer io.Closer = nopCloser{}
	if cfg.Journal != "" {
		f, err := os.OpenFile(cfg.Journal, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open printer journal: %w", err)
		}
		journal, closer = f, f
	}

	var driver Driver
	if cfg.Mode != "simulated" && cfg.Addr != "" {
		driver = NewESCPOS(cfg.Addr, cfg.Timeout)
	}

	return NewAdapter(cfg.Mode, driver, NewSimulator(journal, cfg.SimDelay, logger), logger), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Device returns the device class chosen by Initialize.
func (a *Adapter) Device() DeviceClass {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.device
}

// Initialize decides the device class. Only the first call probes hardware.
func (a *Adapter) Initialize(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.initialized {
		return nil
	}
	a.device = a.probe(ctx)
	a.initialized = true

	a.logger.Info("Printer initialized",
		zap.String("mode", a.mode),
		zap.String("device", string(a.device)),
	)
	return nil
}

func (a *Adapter) probe(ctx context.Context) (device DeviceClass) {
	if a.mode == "simulated" || a.driver == nil {
		return DeviceSimulated
	}

	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("Printer probe panicked, using simulation", zap.Any("panic", r))
			device = DeviceSimulated
		}
	}()

	if err := a.driver.Open(ctx); err != nil {
		a.logger.Warn("Printer not available, using simulation", zap.Error(err))
		return DeviceSimulated
	}
	if _, err := a.driver.Status(ctx); err != nil {
		a.logger.Warn("Printer status unavailable, using simulation", zap.Error(err))
		return DeviceSimulated
	}
	return DeviceHardware
}

// Status returns a fresh reading of the selected device.
func (a *Adapter) Status(ctx context.Context) (st State) {
	_ = a.Initialize(ctx)
	if a.Device() != DeviceHardware {
		return a.sim.Status(ctx)
	}

	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("Printer status panicked", zap.Any("panic", r))
			st = State{Paper: PaperEmpty, Device: DeviceHardware}
		}
	}()

	st, err := a.driver.Status(ctx)
	if err != nil {
		return State{Paper: PaperEmpty, Device: DeviceHardware}
	}
	return st
}

// Print runs one job at a time. Jobs wait for the slot until ctx ends.
func (a *Adapter) Print(ctx context.Context, job Job) (err error) {
	select {
	case a.slot <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrPrinterBusy, ctx.Err())
	}
	defer func() { <-a.slot }()

	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("Printer panicked", zap.String("order_id", job.OrderID), zap.Any("panic", r))
			err = fmt.Errorf("%w: panic: %v", ErrPrintFailed, r)
		}
	}()

	_ = a.Initialize(ctx)
	if a.Device() != DeviceHardware {
		return a.sim.Print(ctx, job)
	}

	st, statusErr := a.jobStatus(ctx)
	if statusErr != nil || !st.Ready() {
		a.logger.Warn("Printer not ready, simulating this job",
			zap.String("order_id", job.OrderID),
			zap.Bool("connected", st.Connected),
			zap.String("paper", string(st.Paper)),
			zap.NamedError("status_error", statusErr),
		)
		return a.sim.Print(ctx, job)
	}
	if st.Paper == PaperLow {
		a.logger.Warn("Printer paper low", zap.String("order_id", job.OrderID))
	}

	written, printErr := a.driver.Print(ctx, job)
	switch {
	case printErr == nil:
		a.logger.Info("Receipt printed", zap.String("order_id", job.OrderID), zap.Int("bytes", written))
		return nil
	case written == 0:
		a.logger.Warn("Printer rejected job before output, simulating",
			zap.String("order_id", job.OrderID),
			zap.Error(printErr),
		)
		return a.sim.Print(ctx, job)
	default:
		a.logger.Error("Printer failed mid-job",
			zap.String("order_id", job.OrderID),
			zap.Int("bytes", written),
			zap.Error(printErr),
		)
		return fmt.Errorf("%w: after %d bytes: %v", ErrPrintFailed, written, printErr)
	}
}

// jobStatus reads the device before a job. A panic becomes an error so the
// job still falls back to the simulator.
func (a *Adapter) jobStatus(ctx context.Context) (st State, err error) {
	defer func() {
		if r := recover(); r != nil {
			st, err = State{Device: DeviceHardware}, fmt.Errorf("%w: status panic: %v", ErrNotConnected, r)
		}
	}()
	return a.driver.Status(ctx)
}
