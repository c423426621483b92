package bitforce

import "testing"

func TestReadTemperatureParsesReply(t *testing.T) {
	ft := newFakeTransport("TEMP:42.5")
	s := newTestSession(ft, false)

	temp, ok := s.ReadTemperature()
	if !ok {
		t.Fatal("expected ok=true")
	}
	if temp != 42.5 {
		t.Errorf("got %v, want 42.5", temp)
	}
	if s.Temperature() != 42.5 {
		t.Errorf("cached temperature = %v, want 42.5", s.Temperature())
	}
}

func TestReadTemperatureLenientFallbackAboveOneHundred(t *testing.T) {
	// Trailing junk after the numeral makes the strict decode fail; the
	// permissive re-decode of the same line recovers the leading number.
	ft := newFakeTransport("TEMP:142.9extra")
	s := newTestSession(ft, false)

	temp, ok := s.ReadTemperature()
	if !ok {
		t.Fatal("expected ok=true")
	}
	if temp != 142.9 {
		t.Errorf("got %v, want 142.9 from the lenient re-decode", temp)
	}
}

func TestReadTemperatureGarbledReplyCountsHWErrorAndThrottle(t *testing.T) {
	ft := newFakeTransport("garbled", "")
	s := newTestSession(ft, false)

	throttled := false
	s.reporter = reporterFunc{throttle: func(string) { throttled = true }}

	if _, ok := s.ReadTemperature(); ok {
		t.Fatal("expected ok=false for a garbled TEMP reply")
	}
	if s.hwErrors.Load() != 1 {
		t.Errorf("hw_errors = %d, want 1", s.hwErrors.Load())
	}
	if !throttled {
		t.Error("expected a throttle event to be reported")
	}
}

func TestPollingExcludesTemperatureAndLED(t *testing.T) {
	ft := newFakeTransport("TEMP:10.0")
	s := newTestSession(ft, false)
	s.polling = true

	if _, ok := s.ReadTemperature(); ok {
		t.Error("expected ReadTemperature to skip itself while polling")
	}
	if s.FlashLED() {
		t.Error("expected FlashLED to skip itself while polling")
	}
	if ft.writeCount() != 0 {
		t.Errorf("polling exclusion must avoid touching the transport, got %d writes", ft.writeCount())
	}
}

func TestReadTemperatureSkipsOnContendedMutex(t *testing.T) {
	ft := newFakeTransport("TEMP:10.0")
	s := newTestSession(ft, false)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ReadTemperature(); ok {
		t.Error("expected ReadTemperature to try-lock and skip on contention")
	}
}

func TestIdentifyDoesNotFlashImmediately(t *testing.T) {
	ft := newFakeTransport()
	s := newTestSession(ft, false)

	s.Identify()

	s.mu.Lock()
	pending := s.flashLEDPending
	s.mu.Unlock()
	if !pending {
		t.Error("expected Identify to set flash_led_pending")
	}
	if ft.writeCount() != 0 {
		t.Errorf("expected Identify to defer the flash, got %d writes", ft.writeCount())
	}
}

func TestPendingIdentifyFlushesOnNextTemperatureCycle(t *testing.T) {
	ft := newFakeTransport("TEMP:42.5")
	s := newTestSession(ft, false)

	s.Identify()

	temp, ok := s.ReadTemperature()
	if ok {
		t.Error("expected the pending flash to consume this temperature-cycle slot")
	}
	if temp != 0 {
		t.Errorf("got temp %v, want 0 when the slot was spent flashing", temp)
	}
	if ft.lastWrite() != opFlashLED {
		t.Errorf("expected ZMX to have been written, got %q", ft.lastWrite())
	}

	s.mu.Lock()
	pending := s.flashLEDPending
	s.mu.Unlock()
	if pending {
		t.Error("expected flash_led_pending to be cleared after the flush")
	}

	// The slot after that reads temperature normally again.
	temp, ok = s.ReadTemperature()
	if !ok || temp != 42.5 {
		t.Errorf("got (%v, %v), want (42.5, true) on the following cycle", temp, ok)
	}
}

type reporterFunc struct {
	comms    func(string)
	throttle func(string)
	overheat func(string)
}

func (r reporterFunc) Comms(path string) {
	if r.comms != nil {
		r.comms(path)
	}
}
func (r reporterFunc) Throttle(path string) {
	if r.throttle != nil {
		r.throttle(path)
	}
}
func (r reporterFunc) Overheat(path string) {
	if r.overheat != nil {
		r.overheat(path)
	}
}
