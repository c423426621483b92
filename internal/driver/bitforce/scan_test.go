package bitforce

import (
	"testing"
	"time"
)

type captureSink struct {
	nonces []uint32
}

func (c *captureSink) SubmitNonce(path string, nonce uint32) {
	c.nonces = append(c.nonces, nonce)
}

func TestScanFullRangeSuccess(t *testing.T) {
	ft := newFakeTransport("OK", "OK", "B", "NO-NONCE")
	s := newTestSession(ft, false)

	got := s.Scan(&Work{})
	if got != 0xFFFFFFFF {
		t.Fatalf("got nonces_claimed %x, want FFFFFFFF", got)
	}
	if ft.writeCount() != 4 {
		t.Fatalf("expected 4 writes (ZDX, frame, ZFX, ZFX), got %d", ft.writeCount())
	}
}

func TestScanStaleWorkNeverWrites(t *testing.T) {
	ft := newFakeTransport()
	s := newTestSession(ft, false)

	work := &Work{IsStale: func() bool { return true }}
	if got := s.Scan(work); got != 0 {
		t.Fatalf("got %d, want 0 for already-stale work", got)
	}
	if ft.writeCount() != 0 {
		t.Fatalf("stale work must short-circuit before any write, got %d writes", ft.writeCount())
	}
}

func TestScanNonceFoundWithinRangeKeepsRangeMode(t *testing.T) {
	ft := newFakeTransport("OK", "OK", "NONCE-FOUND:00000005")
	s := newTestSession(ft, true)
	sink := &captureSink{}
	s.sink = sink

	work := &Work{StartingNonce: 1}
	got := s.Scan(work)

	if got != rangeSplitWidth {
		t.Fatalf("got nonces_claimed %x, want range split width %x", got, rangeSplitWidth)
	}
	if len(sink.nonces) != 1 || sink.nonces[0] != 5 {
		t.Fatalf("sink captured %v, want [5]", sink.nonces)
	}
	if !s.NonceRangeSupported() {
		t.Error("an in-range nonce must not demote range mode")
	}
}

func TestSubmitAdvancesStartingNonceInRangeMode(t *testing.T) {
	ft := newFakeTransport("OK", "OK", "NO-NONCE")
	s := newTestSession(ft, true)

	work := &Work{StartingNonce: 1}
	s.Scan(work)

	want := uint32(1) + rangeSplitWidth + 1
	if work.StartingNonce != want {
		t.Errorf("StartingNonce = %x, want %x (advanced past the programmed slice)", work.StartingNonce, want)
	}
}

func TestSubmitDoesNotAdvanceStartingNonceInFullRangeMode(t *testing.T) {
	ft := newFakeTransport("OK", "OK", "NO-NONCE")
	s := newTestSession(ft, false)

	work := &Work{StartingNonce: 7}
	s.Scan(work)

	if work.StartingNonce != 7 {
		t.Errorf("StartingNonce = %x, want unchanged 7 in full-range mode", work.StartingNonce)
	}
}

func TestScanNonceFoundOutOfRangeDemotes(t *testing.T) {
	ft := newFakeTransport("OK", "OK", "NONCE-FOUND:ffffffff")
	s := newTestSession(ft, true)
	sink := &captureSink{}
	s.sink = sink

	work := &Work{StartingNonce: 1}
	s.Scan(work)

	if s.NonceRangeSupported() {
		t.Error("an out-of-range nonce must demote range mode")
	}
	if len(sink.nonces) != 1 || sink.nonces[0] != 0xffffffff {
		t.Fatalf("sink captured %v, want [ffffffff]", sink.nonces)
	}
}

func TestScanGarbledTerminalReplyCountsHWError(t *testing.T) {
	ft := newFakeTransport("OK", "OK", "???")
	s := newTestSession(ft, false)

	got := s.Scan(&Work{})
	if got != 0 {
		t.Fatalf("got %d, want 0 on a garbled terminal reply", got)
	}
	if s.hwErrors.Load() != 1 {
		t.Errorf("hw_errors = %d, want 1", s.hwErrors.Load())
	}
}

func TestScanRejectedFirstReplyDemotesRangeAndRetries(t *testing.T) {
	// A non-OK, non-busy, non-empty reply to ZPX demotes range mode and
	// retries the submit (now as a full-range job).
	ft := newFakeTransport("ERROR", "OK", "OK", "NO-NONCE")
	s := newTestSession(ft, true)

	got := s.Scan(&Work{})
	if got != 0xFFFFFFFF {
		t.Fatalf("got %x, want FFFFFFFF after demotion-retry", got)
	}
	if s.NonceRangeSupported() {
		t.Error("expected range mode demoted after a non-OK/non-busy first reply")
	}
}

func TestScanCommsFailureTriggersRecovery(t *testing.T) {
	ft := newFakeTransport()
	ft.writeErr = errFakeTransport
	s := newTestSession(ft, false)

	recovered := newFakeTransport()
	s.open = func(path string, timeout time.Duration) (Transport, error) {
		return recovered, nil
	}

	got := s.Scan(&Work{})
	if got != 0 {
		t.Fatalf("got %d, want 0 on comms failure", got)
	}
	if s.hwErrors.Load() != 1 {
		t.Errorf("hw_errors = %d, want 1", s.hwErrors.Load())
	}
	if !ft.closed {
		t.Error("expected the failed handle to be closed during recovery")
	}
	s.mu.Lock()
	gotHandle := s.handle
	s.mu.Unlock()
	if gotHandle != Transport(recovered) {
		t.Error("expected recovery to install the reopened handle")
	}
}

func TestPollLoopHardTimeout(t *testing.T) {
	ft := newFakeTransport("B")
	s := newTestSession(ft, false)
	s.workStart = time.Now().Add(-(LongTimeoutS + 1) * time.Second)

	_, elapsed, _, status := s.pollLoop(&Work{})
	if status != pollHardTimeout {
		t.Fatalf("status = %v, want pollHardTimeout", status)
	}
	if elapsed < time.Duration(LongTimeoutS)*time.Second {
		t.Errorf("elapsed = %v, want >= %ds", elapsed, LongTimeoutS)
	}
}

func TestCancellableSleepStopsEarlyOnStale(t *testing.T) {
	ft := newFakeTransport()
	s := newTestSession(ft, false)

	stale := false
	work := &Work{IsStale: func() bool { return stale }}

	done := make(chan bool, 1)
	go func() {
		done <- s.cancellableSleep(time.Hour, work)
	}()

	time.Sleep(20 * time.Millisecond)
	stale = true

	select {
	case ok := <-done:
		if ok {
			t.Error("expected cancellableSleep to return false when work went stale")
		}
	case <-time.After(time.Second):
		t.Fatal("cancellableSleep did not observe the stale flag in time")
	}
}
