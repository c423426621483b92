package bitforce

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/tarm/serial"
)

const (
	// baudRate is fixed for the whole BFL family.
	baudRate = 115200
	// normalReadTimeout bounds a single underlying read once a device has
	// been admitted by discovery.
	normalReadTimeout = 250 * time.Millisecond
	// initReadTimeout is used only during discovery, so a non-BFL port
	// fails fast instead of blocking for a quarter second per candidate.
	initReadTimeout = 10 * time.Millisecond
	// maxLineLen bounds a single read_line result; a device that never
	// sends '\n' within this many bytes is treated as a protocol error.
	maxLineLen = 4096
)

// Transport is the line-oriented serial transport the rest of the driver
// talks to. Implementations must serialize Write/ReadLine themselves only
// to the extent of not corrupting their own internal buffers — callers
// (DeviceSession) are responsible for not interleaving requests.
type Transport interface {
	// Write sends raw bytes (a command or a work frame) with no framing
	// added or removed.
	Write(data []byte) error
	// ReadLine returns one newline-terminated line with the terminator
	// stripped, bounded by maxLineLen. An empty string with a nil error
	// denotes a read timeout — the caller must treat that as "no reply",
	// never as an error.
	ReadLine() (string, error)
	Close() error
}

// serialTransport implements Transport over a real serial port.
type serialTransport struct {
	port    *serial.Port
	pending []byte
}

// openTransport opens path at the fixed BFL baud rate with the given
// per-read timeout. Discovery uses a short timeout to fail fast on
// non-BFL ports; normal operation uses the longer one. It is a package
// variable, not a plain func, so tests can substitute a fake transport
// without a real serial port.
var openTransport = func(path string, timeout time.Duration) (Transport, error) {
	cfg := &serial.Config{
		Name:        path,
		Baud:        baudRate,
		ReadTimeout: timeout,
	}
	port, err := serial.OpenPort(cfg)
	if err != nil {
		return nil, fmt.Errorf("bitforce: open %s: %w", path, err)
	}
	return &serialTransport{port: port}, nil
}

func (t *serialTransport) Write(data []byte) error {
	_, err := t.port.Write(data)
	if err != nil {
		return fmt.Errorf("bitforce: write: %w", err)
	}
	return nil
}

func (t *serialTransport) ReadLine() (string, error) {
	for {
		if i := bytes.IndexByte(t.pending, '\n'); i >= 0 {
			line := string(bytes.TrimRight(t.pending[:i], "\r"))
			t.pending = append([]byte(nil), t.pending[i+1:]...)
			return line, nil
		}
		if len(t.pending) > maxLineLen {
			return "", fmt.Errorf("bitforce: line exceeds %d bytes without terminator", maxLineLen)
		}
		buf := make([]byte, 256)
		n, err := t.port.Read(buf)
		if err != nil && !(n == 0 && errors.Is(err, io.EOF)) {
			return "", fmt.Errorf("bitforce: read: %w", err)
		}
		if n == 0 {
			// Per-byte read timeout elapsed with nothing pending: no
			// reply. The port file reports that zero-byte read as io.EOF.
			// Whatever partial bytes we already hold are kept for the
			// next call.
			return "", nil
		}
		t.pending = append(t.pending, buf[:n]...)
	}
}

func (t *serialTransport) Close() error {
	return t.port.Close()
}
