package bitforce

import "time"

// submitOutcome classifies the result of the submit step (§4.5 step 1).
type submitOutcome int

const (
	submitOK submitOutcome = iota
	submitRetry
	submitCommsFail
)

// Scan runs one full per-job cycle against work: submit, adaptive wait,
// poll until a terminal reply, parse any nonces, and tune sleepMs for the
// next job. It returns the nonce count to bill to the work-accounting
// layer (0xFFFFFFFF for a full-range job, the range width for a range
// job, or 0 if the job produced nothing usable).
func (s *DeviceSession) Scan(work *Work) uint32 {
	for {
		if work.stale() {
			return 0
		}
		switch s.submit(work) {
		case submitCommsFail:
			s.recoverComms()
			return 0
		case submitRetry:
			if !s.cancellableSleep(time.Duration(WorkCheckIntervalMs)*time.Millisecond, work) {
				return 0
			}
			continue
		}
		break
	}

	s.mu.Lock()
	sleep := s.sleepMs
	s.mu.Unlock()
	if !s.cancellableSleep(time.Duration(sleep)*time.Millisecond, work) {
		return 0
	}

	line, elapsed, waitMs, status := s.pollLoop(work)
	switch status {
	case pollCommsFail:
		s.recoverComms()
		return 0
	case pollStale, pollHardTimeout:
		return 0
	}

	kind := classifyReply(line)

	if elapsed > time.Duration(TimeoutS)*time.Second {
		s.reporter.Overheat(s.DevicePath)
		s.addHWError()
		if kind != replyNonceFound {
			return 0
		}
		// Open question (a): the source still submits nonces even when
		// the overtime threshold was crossed, but also counts the event
		// as a hardware error. Preserved verbatim.
	}

	// Tuning still runs here even on an overtime NONCE-FOUND reply,
	// following §4.5's sequential step 5 (overtime check) then step 6
	// (tuning) ordering; this diverges from the original, which skips
	// tuning in that case via an else-if.
	if kind == replyNoNonce || kind == replyNonceFound {
		s.tune(sleep + waitMs)
	}

	return s.finish(kind, line)
}

// submit sends the start-work command and, on OK, the work frame. It
// returns submitOK once the device has accepted the job and workStart has
// been recorded.
func (s *DeviceSession) submit(work *Work) submitOutcome {
	s.mu.Lock()
	rangeMode := s.nonceRangeSupported
	var frame []byte
	var start uint32
	opcode := opBeginFull
	if rangeMode {
		opcode = opBeginRange
		start = work.StartingNonce
		frame = buildRangeFrame(work, start, rangeEnd(start))
	} else {
		frame = buildFullRangeFrame(work)
	}

	// The opcode write, its ack, the frame write and its own ack are one
	// mutex segment: the protocol assumes a single outstanding request
	// per handle, and releasing the lock between the ack and the frame
	// write would let a try-locking aux op (ReadTemperature, FlashLED)
	// write its own command into the middle of this exchange.
	if err := s.handle.Write([]byte(opcode)); err != nil {
		s.mu.Unlock()
		return submitCommsFail
	}
	line, err := s.handle.ReadLine()
	if err != nil {
		s.mu.Unlock()
		return submitCommsFail
	}

	switch classifyReply(line) {
	case replyEmpty, replyBusy:
		s.mu.Unlock()
		return submitRetry
	case replyOK:
		// fall through to frame write below, still holding mu
	default:
		if rangeMode {
			s.demoteRangeLocked()
		}
		s.mu.Unlock()
		return submitRetry
	}

	werr := s.handle.Write(frame)
	var line2 string
	var rerr error
	if werr == nil {
		line2, rerr = s.handle.ReadLine()
	}
	if werr != nil || rerr != nil || classifyReply(line2) != replyOK {
		s.mu.Unlock()
		return submitCommsFail
	}
	if rangeMode {
		s.noncesClaimed = rangeSplitWidth
		s.rangeStart = start
		s.rangeWindowEnd = rangeEnd(start)
	} else {
		s.noncesClaimed = 0xFFFFFFFF
	}
	s.workStart = time.Now()
	s.mu.Unlock()

	if rangeMode {
		// Advance past the slice we just programmed so the next scan of
		// this work item sweeps the following fifth of the nonce space
		// instead of re-submitting an identical range.
		work.StartingNonce = start + rangeSplitWidth + 1
	}
	return submitOK
}

type pollStatus int

const (
	pollTerminal pollStatus = iota
	pollStale
	pollHardTimeout
	pollCommsFail
)

// pollLoop repeatedly polls ZFX until a non-busy reply, the stale-work
// predicate fires, or LONG_TIMEOUT_S elapses.
func (s *DeviceSession) pollLoop(work *Work) (line string, elapsed time.Duration, waitMs int, status pollStatus) {
	s.mu.Lock()
	s.polling = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.polling = false
		s.mu.Unlock()
	}()
	for {
		s.mu.Lock()
		werr := s.handle.Write([]byte(opPoll))
		var rerr error
		if werr == nil {
			line, rerr = s.handle.ReadLine()
		}
		start := s.workStart
		s.mu.Unlock()

		if werr != nil || rerr != nil {
			return "", 0, waitMs, pollCommsFail
		}

		elapsed = time.Since(start)
		if elapsed >= time.Duration(LongTimeoutS)*time.Second {
			return line, elapsed, waitMs, pollHardTimeout
		}

		kind := classifyReply(line)
		if line != "" && kind != replyBusy {
			return line, elapsed, waitMs, pollTerminal
		}

		var sleepDur time.Duration
		if line != "" {
			sleepDur = time.Duration(CheckIntervalMs) * time.Millisecond
		} else {
			sleepDur = 2 * time.Duration(WorkCheckIntervalMs) * time.Millisecond
		}
		if !s.cancellableSleep(sleepDur, work) {
			return "", elapsed, waitMs, pollStale
		}
		waitMs += int(sleepDur / time.Millisecond)
	}
}

// tune adjusts sleepMs for the next job based on how long this one
// actually took to complete, and updates the exponential average used for
// stats reporting.
func (s *DeviceSession) tune(waitMs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waitMs = waitMs
	switch {
	case waitMs > s.sleepMs+2*WorkCheckIntervalMs:
		s.sleepMs += (waitMs - s.sleepMs) / 2
	case waitMs == s.sleepMs:
		if s.sleepMs > WorkCheckIntervalMs {
			s.sleepMs -= WorkCheckIntervalMs
		} else {
			s.sleepMs -= CheckIntervalMs
		}
	}
	s.clampSleep()
	s.avgWaitF += (float64(waitMs) - s.avgWaitF) / TimeAvgConstant
}

// finish parses the terminal poll reply and reports any nonces found.
func (s *DeviceSession) finish(kind replyKind, line string) uint32 {
	switch kind {
	case replyNoNonce:
		s.mu.Lock()
		claimed := s.noncesClaimed
		s.mu.Unlock()
		return claimed

	case replyIdle:
		return 0

	case replyNonceFound:
		nonces, err := parseNonces(line)
		if err != nil {
			s.addHWError()
			s.clearBuffer()
			return 0
		}
		s.mu.Lock()
		rangeMode := s.nonceRangeSupported
		start := s.rangeStart
		end := s.rangeWindowEnd
		claimed := s.noncesClaimed
		for _, n := range nonces {
			if rangeMode && (n < start || n > end) {
				s.demoteRangeLocked()
			}
		}
		s.mu.Unlock()
		for _, n := range nonces {
			s.sink.SubmitNonce(s.DevicePath, n)
		}
		return claimed

	default:
		s.addHWError()
		s.clearBuffer()
		return 0
	}
}

// cancellableSleep sleeps for d, checking work's stale predicate every few
// milliseconds, and returns false as soon as the work goes stale (without
// waiting out the remainder of d).
func (s *DeviceSession) cancellableSleep(d time.Duration, work *Work) bool {
	const tick = 5 * time.Millisecond
	deadline := time.Now().Add(d)
	for {
		if work.stale() {
			return false
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return true
		}
		step := tick
		if remaining < step {
			step = remaining
		}
		time.Sleep(step)
	}
}

// recoverComms closes and reopens the handle after a catastrophic
// transport failure, flushing any garbage left on the wire.
func (s *DeviceSession) recoverComms() {
	s.reporter.Comms(s.DevicePath)
	s.addHWError()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle != nil {
		s.handle.Close()
		s.handle = nil
	}
	h, err := s.open(s.DevicePath, normalReadTimeout)
	if err != nil {
		s.logger.Errorf("bitforce: %s: comms recovery failed to reopen: %v", s.DevicePath, err)
		return
	}
	s.handle = h
	s.clearBufferLocked()
}
