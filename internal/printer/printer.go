// Package printer drives the receipt printer of a POS terminal. A hardware
// ESC/POS printer is used when one answers; otherwise receipts go to a
// simulator so a payment is never blocked on paper.
package printer

import (
	"context"
	"errors"
)

var (
	ErrPrintFailed  = errors.New("printer: print failed")
	ErrPrinterBusy  = errors.New("printer: busy")
	ErrNotConnected = errors.New("printer: not connected")
)

// Paper is the paper sensor reading.
type Paper string

const (
	PaperOK    Paper = "ok"
	PaperLow   Paper = "low"
	PaperEmpty Paper = "empty"
)

// DeviceClass tells whether output reaches real hardware.
type DeviceClass string

const (
	DeviceHardware  DeviceClass = "hardware"
	DeviceSimulated DeviceClass = "simulated"
)

// State is a fresh reading of the printer.
type State struct {
	Connected bool
	Paper     Paper
	Device    DeviceClass
}

// Ready reports whether a job can start on this device.
func (s State) Ready() bool {
	return s.Connected && s.Paper != PaperEmpty
}

// Printer is the capability the rest of the terminal prints through.
type Printer interface {
	Initialize(ctx context.Context) error
	Status(ctx context.Context) State
	Print(ctx context.Context, job Job) error
}

// Driver talks to a physical printer. Print returns the number of bytes
// that reached the device, even on error.
type Driver interface {
	Open(ctx context.Context) error
	Status(ctx context.Context) (State, error)
	Print(ctx context.Context, job Job) (int, error)
	Close() error
}
