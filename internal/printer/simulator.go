package printer

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Simulator stands in for a printer. Receipts are logged and appended to an
// optional journal.
type Simulator struct {
	mu      sync.Mutex
	journal io.Writer
	delay   time.Duration
	logger  *zap.Logger
}

func NewSimulator(journal io.Writer, delay time.Duration, logger *zap.Logger) *Simulator {
	return &Simulator{journal: journal, delay: delay, logger: logger}
}

func (s *Simulator) Initialize(context.Context) error {
	return nil
}

func (s *Simulator) Status(context.Context) State {
	return State{Connected: true, Paper: PaperOK, Device: DeviceSimulated}
}

func (s *Simulator) Print(ctx context.Context, job Job) error {
	text := job.Format(Width)
	s.logger.Info("Simulated receipt",
		zap.String("order_id", job.OrderID),
		zap.String("total", job.Total.StringFixed(2)),
		zap.String("qr", job.QRData()),
		zap.String("receipt", text),
	)

	if s.journal != nil {
		s.mu.Lock()
		_, err := fmt.Fprintf(s.journal, "%s[QR %s]\n\n", text, job.QRData())
		s.mu.Unlock()
		if err != nil {
			return fmt.Errorf("%w: journal: %v", ErrPrintFailed, err)
		}
	}

	if s.delay <= 0 {
		return nil
	}
	t := time.NewTimer(s.delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrPrintFailed, ctx.Err())
	}
}
