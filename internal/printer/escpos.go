package printer

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"time"
)

var (
	escInit        = []byte{0x1b, 0x40}
	escAlignLeft   = []byte{0x1b, 0x61, 0x00}
	escAlignCenter = []byte{0x1b, 0x61, 0x01}
	escDoubleOn    = []byte{0x1d, 0x21, 0x11}
	escDoubleOff   = []byte{0x1d, 0x21, 0x00}
	escFeedCut     = []byte{0x1b, 0x64, 0x03, 0x1d, 0x56, 0x42, 0x00}
	dlePaperStatus = []byte{0x10, 0x04, 0x04}
)

// ESCPOS drives a network ESC/POS printer (raw TCP, usually port 9100).
// A connection is opened per operation.
type ESCPOS struct {
	addr    string
	timeout time.Duration
	dial    func(ctx context.Context, network, addr string) (net.Conn, error)
}

func NewESCPOS(addr string, timeout time.Duration) *ESCPOS {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	d := &net.Dialer{Timeout: timeout}
	return &ESCPOS{addr: addr, timeout: timeout, dial: d.DialContext}
}

func (p *ESCPOS) connect(ctx context.Context) (net.Conn, error) {
	if p.addr == "" {
		return nil, ErrNotConnected
	}
	conn, err := p.dial(ctx, "tcp", p.addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	deadline := time.Now().Add(p.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)
	return conn, nil
}

// Open checks that the printer accepts connections.
func (p *ESCPOS) Open(ctx context.Context) error {
	conn, err := p.connect(ctx)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Status queries the paper roll sensor (DLE EOT 4).
func (p *ESCPOS) Status(ctx context.Context) (State, error) {
	st := State{Paper: PaperEmpty, Device: DeviceHardware}

	conn, err := p.connect(ctx)
	if err != nil {
		return st, err
	}
	defer conn.Close()

	if _, err := conn.Write(dlePaperStatus); err != nil {
		return st, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err != nil {
		return st, fmt.Errorf("%w: no status reply: %v", ErrNotConnected, err)
	}

	st.Connected = true
	switch {
	case buf[0]&0x60 != 0:
		st.Paper = PaperEmpty
	case buf[0]&0x0c != 0:
		st.Paper = PaperLow
	default:
		st.Paper = PaperOK
	}
	return st, nil
}

// Print sends the receipt in a single write.
func (p *ESCPOS) Print(ctx context.Context, job Job) (int, error) {
	conn, err := p.connect(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	n, err := conn.Write(encodeJob(job))
	if err != nil {
		return n, fmt.Errorf("%w: %v", ErrPrintFailed, err)
	}
	return n, nil
}

func (p *ESCPOS) Close() error {
	return nil
}

func encodeJob(job Job) []byte {
	var b bytes.Buffer
	b.Write(escInit)
	b.Write(escAlignCenter)
	b.Write(escDoubleOn)
	b.WriteString(job.storeName() + "\n")
	b.Write(escDoubleOff)
	b.Write(escAlignLeft)
	b.WriteString(job.Body(Width))
	b.Write(escAlignCenter)
	writeQR(&b, job.QRData())
	b.Write(escFeedCut)
	return b.Bytes()
}

// writeQR emits the GS ( k sequence: model 2, module size 6, store, print.
func writeQR(b *bytes.Buffer, data string) {
	b.Write([]byte{0x1d, 0x28, 0x6b, 0x04, 0x00, 0x31, 0x41, 0x32, 0x00})
	b.Write([]byte{0x1d, 0x28, 0x6b, 0x03, 0x00, 0x31, 0x43, 0x06})
	b.Write([]byte{0x1d, 0x28, 0x6b, 0x03, 0x00, 0x31, 0x45, 0x31})
	n := len(data) + 3
	b.Write([]byte{0x1d, 0x28, 0x6b, byte(n % 256), byte(n / 256), 0x31, 0x50, 0x30})
	b.WriteString(data)
	b.Write([]byte{0x1d, 0x28, 0x6b, 0x03, 0x00, 0x31, 0x51, 0x30})
}
