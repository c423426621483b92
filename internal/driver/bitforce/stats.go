package bitforce

import "fmt"

// Stats is a point-in-time snapshot of a session's operating state, for
// the host's get_stats/status_line operations.
type Stats struct {
	DevicePath          string
	Name                string
	NonceRangeSupported bool
	SleepMs             int
	WaitMs              int
	AvgWaitF            float64
	TemperatureC        float64
	HWErrors            uint64
}

// Stats returns a snapshot of the session's current counters and tuning
// state.
func (s *DeviceSession) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		DevicePath:          s.DevicePath,
		Name:                s.Name,
		NonceRangeSupported: s.nonceRangeSupported,
		SleepMs:             s.sleepMs,
		WaitMs:              s.waitMs,
		AvgWaitF:            s.avgWaitF,
		TemperatureC:        s.temperatureC,
		HWErrors:            s.hwErrors.Load(),
	}
}

// StatusLine renders the session's stats as a single human-readable line,
// suitable for a host's periodic status log.
func (s *DeviceSession) StatusLine() string {
	st := s.Stats()
	mode := "range"
	if !st.NonceRangeSupported {
		mode = "full"
	}
	return fmt.Sprintf("%s (%s): mode=%s sleep=%dms avg_wait=%.1fms temp=%.1fC hw_errors=%d",
		st.DevicePath, st.Name, mode, st.SleepMs, st.AvgWaitF, st.TemperatureC, st.HWErrors)
}
