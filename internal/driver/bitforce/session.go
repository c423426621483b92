// Package bitforce implements a driver for the BFL/BitForce family of
// serial-attached SHA-256 hashing appliances: discovery over a serial port,
// an adaptive-polling scan engine, and the auxiliary temperature/LED
// operations that share the device's single command channel.
package bitforce

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Tuning constants, per the BFL protocol's observed timing behavior.
const (
	BaseSleepMs         = 500
	TimeoutS            = 7
	LongTimeoutS        = 25
	LongTimeoutMs       = LongTimeoutS * 1000
	CheckIntervalMs     = 10
	WorkCheckIntervalMs = 50
	MaxStartDelayMs     = 100
	TimeAvgConstant     = 8

	timeoutMs      = TimeoutS * 1000
	reinitQuiesce  = 5 * time.Second
	ledFlashQuiet  = 4 * time.Second
	clearBufferCap = 10
)

// DeviceSession holds the per-device state the driver maintains for one
// discovered BFL device. All I/O on handle, and every field marked
// "guarded" below, is only ever touched while mu is held.
type DeviceSession struct {
	// DevicePath is the OS path of the serial port. Immutable after
	// construction.
	DevicePath string
	// Name and Identity are the human-readable strings parsed from the
	// ZGX identity reply.
	Name     string
	Identity string

	mu     sync.Mutex
	handle Transport

	// guarded fields
	nonceRangeSupported bool
	sleepMs             int
	polling             bool
	flashLEDPending     bool
	noncesClaimed       uint32
	// rangeStart/rangeWindowEnd bound the slice programmed into the
	// device for the job currently in flight, recorded at submit time
	// since Work.StartingNonce is advanced past them before finish runs.
	rangeStart     uint32
	rangeWindowEnd uint32

	// waitMs/avgWait* are only ever written from the scan goroutine for
	// a given session (one worker per device), so they don't strictly
	// need mu, but we guard them anyway for GetStats callers.
	waitMs    int
	avgWaitF  float64
	avgWaitD  float64
	workStart time.Time

	temperatureC float64

	hwErrors     atomic.Uint64
	globalErrors *atomic.Uint64

	logger   Logger
	reporter ErrorReporter
	sink     NonceSink

	open func(path string, timeout time.Duration) (Transport, error)
}

// SessionOptions configures a newly discovered DeviceSession.
type SessionOptions struct {
	// RangeMode opts the session into nonce-range work, subject to
	// demotion on the first rejection or out-of-range reply.
	RangeMode bool
	// GlobalErrors is the process-wide hardware-error counter shared
	// across all sessions; may be nil, in which case only the
	// per-device counter is maintained.
	GlobalErrors *atomic.Uint64
	Logger       Logger
	Reporter     ErrorReporter
	Sink         NonceSink
}

func newSession(path string, opts SessionOptions) *DeviceSession {
	sleepMs := BaseSleepMs * 5
	if opts.RangeMode {
		sleepMs = BaseSleepMs
	}
	s := &DeviceSession{
		DevicePath:          path,
		nonceRangeSupported: opts.RangeMode,
		sleepMs:             sleepMs,
		globalErrors:        opts.GlobalErrors,
		logger:              opts.Logger,
		reporter:            opts.Reporter,
		sink:                opts.Sink,
		open:                openTransport,
	}
	if s.logger == nil {
		s.logger = defaultLogger
	}
	if s.reporter == nil {
		s.reporter = noopReporter{}
	}
	if s.sink == nil {
		s.sink = noopSink{}
	}
	return s
}

// addHWError increments both the per-device and (if present) the
// process-wide hardware-error counters.
func (s *DeviceSession) addHWError() {
	s.hwErrors.Add(1)
	if s.globalErrors != nil {
		s.globalErrors.Add(1)
	}
}

func (s *DeviceSession) clampSleep() {
	if s.sleepMs < CheckIntervalMs {
		s.sleepMs = CheckIntervalMs
	}
	if s.sleepMs > LongTimeoutMs {
		s.sleepMs = LongTimeoutMs
	}
}

// Prepare opens the device's serial port at the normal read timeout. It is
// called once discovery has admitted the path.
func (s *DeviceSession) Prepare() error {
	return s.prepare()
}

func (s *DeviceSession) prepare() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle != nil {
		return nil
	}
	h, err := s.open(s.DevicePath, normalReadTimeout)
	if err != nil {
		return fmt.Errorf("bitforce: prepare %s: %w", s.DevicePath, err)
	}
	s.handle = h
	return nil
}

// Reinit closes any existing handle, lets the device quiesce, reopens it
// and re-establishes the identity handshake. The 5s quiesce sleep is not
// cancellable: Reinit is not called from inside a job's cancellable wait
// points.
func (s *DeviceSession) Reinit() error {
	return s.reinit()
}

func (s *DeviceSession) reinit() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handle != nil {
		s.handle.Close()
		s.handle = nil
	}
	time.Sleep(reinitQuiesce)

	h, err := s.open(s.DevicePath, normalReadTimeout)
	if err != nil {
		return fmt.Errorf("bitforce: reinit %s: open: %w", s.DevicePath, err)
	}
	s.handle = h

	deadline := time.Now().Add(timeoutMs * time.Millisecond)
	for {
		if err := h.Write([]byte(opIdentify)); err != nil {
			return fmt.Errorf("bitforce: reinit %s: write identify: %w", s.DevicePath, err)
		}
		line, err := h.ReadLine()
		if err != nil {
			return fmt.Errorf("bitforce: reinit %s: read identify: %w", s.DevicePath, err)
		}
		switch classifyReply(line) {
		case replyBusy:
			if time.Now().After(deadline) {
				return fmt.Errorf("bitforce: reinit %s: device stayed busy past %dms", s.DevicePath, timeoutMs)
			}
			time.Sleep(10 * time.Millisecond)
			continue
		case replyEmpty:
			if time.Now().After(deadline) {
				return fmt.Errorf("bitforce: reinit %s: no identity reply within %dms", s.DevicePath, timeoutMs)
			}
			continue
		default:
			name, ok := parseIdentity(line)
			if !ok {
				s.logger.Warnf("bitforce: %s: reinit identity reply lacks SHA256 marker: %q", s.DevicePath, line)
				return fmt.Errorf("bitforce: reinit %s: not a SHA256 device", s.DevicePath)
			}
			s.Name = name
			s.Identity = line
			s.sleepMs = BaseSleepMs
			return nil
		}
	}
}

// Shutdown closes the handle and clears it. A subsequent Prepare or Reinit
// is required before further use.
func (s *DeviceSession) Shutdown() error {
	return s.shutdown()
}

func (s *DeviceSession) shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return nil
	}
	err := s.handle.Close()
	s.handle = nil
	return err
}

// clearBuffer discards any pending bytes on the wire by reading up to 10
// lines, stopping at the first read timeout. Used after a garbled response
// to resynchronize on the next command's reply.
func (s *DeviceSession) clearBuffer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearBufferLocked()
}

func (s *DeviceSession) clearBufferLocked() {
	if s.handle == nil {
		return
	}
	for i := 0; i < clearBufferCap; i++ {
		line, err := s.handle.ReadLine()
		if err != nil {
			return
		}
		if line == "" {
			return
		}
	}
}

// NonceRangeSupported reports whether this session is still attempting
// nonce-range jobs. Once demoted it never re-enables for the session's
// lifetime (Invariant: range demotion is sticky).
func (s *DeviceSession) NonceRangeSupported() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nonceRangeSupported
}

// demoteRangeLocked permanently disables range mode and widens sleepMs to
// compensate for the full nonce space now being searched. Caller must hold
// mu.
func (s *DeviceSession) demoteRangeLocked() {
	if !s.nonceRangeSupported {
		return
	}
	s.nonceRangeSupported = false
	s.sleepMs *= 5
	s.clampSleep()
}
