package bitforce

import "time"

// ReadTemperature issues ZLX and updates the cached temperature. It is
// advisory: skipped entirely while polling is in progress, and it
// try-locks rather than blocking, so a busy scan loop never stalls for a
// stats read. ok is false whenever nothing was read (contended, mid-poll,
// or a comms/parse failure).
func (s *DeviceSession) ReadTemperature() (celsius float64, ok bool) {
	if !s.mu.TryLock() {
		return 0, false
	}
	defer s.mu.Unlock()

	if s.polling || s.handle == nil {
		return 0, false
	}

	if s.flashLEDPending {
		// §4.6: Identify only sets the pending flag; the next
		// temperature-cycle slot is what actually flushes it.
		s.flashLocked()
		return 0, false
	}

	if err := s.handle.Write([]byte(opReadTemp)); err != nil {
		return 0, false
	}
	line, err := s.handle.ReadLine()
	if err != nil || line == "" {
		return 0, false
	}

	temp, perr := parseTemperature(line)
	if perr != nil {
		// Strict decode failed outright; give the permissive reader a
		// chance before treating this as a garbled reply.
		lenient, lerr := parseTemperatureLenient(line)
		if lerr != nil {
			s.addHWError()
			s.clearBufferLocked()
			s.reporter.Throttle(s.DevicePath)
			return 0, false
		}
		temp = lenient
	} else if temp > 100 {
		// Older-firmware quirk: a strict decode that overshoots past 100
		// is re-read with the permissive parser.
		if lenient, lerr := parseTemperatureLenient(line); lerr == nil {
			temp = lenient
		}
	}
	s.temperatureC = temp
	return temp, true
}

// Temperature returns the last successfully read temperature.
func (s *DeviceSession) Temperature() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.temperatureC
}

// FlashLED issues ZMX and holds the mutex for the full 4s the device is
// unresponsive during the flash — deliberately, so it blocks a scan that's
// between command/reply pairs rather than racing it.
func (s *DeviceSession) FlashLED() bool {
	if !s.mu.TryLock() {
		return false
	}
	defer s.mu.Unlock()

	if s.polling || s.handle == nil {
		return false
	}

	return s.flashLocked()
}

// flashLocked writes ZMX and holds the 4s quiet period. Caller must
// already hold mu.
func (s *DeviceSession) flashLocked() bool {
	if err := s.handle.Write([]byte(opFlashLED)); err != nil {
		return false
	}
	s.flashLEDPending = false
	time.Sleep(ledFlashQuiet)
	return true
}

// Identify marks the LED-flash as pending. Per §4.6, it does not flash
// immediately; the next temperature-cycle slot (ReadTemperature) flushes
// it instead of reading a temperature that cycle.
func (s *DeviceSession) Identify() {
	s.mu.Lock()
	s.flashLEDPending = true
	s.mu.Unlock()
}
