package bitforce

import "log"

// Logger is the leveled logging collaborator the host injects into every
// session. The zero value of any implementation is never used directly;
// newSession falls back to defaultLogger when none is supplied, the same
// way the teacher's commands fire log.Printf unconditionally rather than
// checking for a configured logger first.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// NonceSink receives each nonce found during a scan, tagged with the
// device path. The billed nonce count for the job is Scan's return value,
// not something passed to the sink.
type NonceSink interface {
	SubmitNonce(devicePath string, nonce uint32)
}

// ErrorReporter receives the three error-category events the spec
// distinguishes: communication loss, throttling/backpressure, and
// overheat/overtime.
type ErrorReporter interface {
	Comms(devicePath string)
	Throttle(devicePath string)
	Overheat(devicePath string)
}

type stdLogger struct{ l *log.Logger }

func (s stdLogger) Debugf(format string, args ...any) { s.l.Printf("DEBUG "+format, args...) }
func (s stdLogger) Infof(format string, args ...any)  { s.l.Printf("INFO "+format, args...) }
func (s stdLogger) Warnf(format string, args ...any)  { s.l.Printf("WARN "+format, args...) }
func (s stdLogger) Errorf(format string, args ...any) { s.l.Printf("ERROR "+format, args...) }

// defaultLogger wraps the standard library's log package, the same
// leveled-by-prefix convention the teacher uses ad hoc via log.Printf.
var defaultLogger Logger = stdLogger{l: log.Default()}

// DefaultLogger returns the package's stdlib-backed Logger, for callers
// that want the same fallback newSession uses without constructing their
// own.
func DefaultLogger() Logger { return defaultLogger }

type noopReporter struct{}

func (noopReporter) Comms(string)    {}
func (noopReporter) Throttle(string) {}
func (noopReporter) Overheat(string) {}

type noopSink struct{}

func (noopSink) SubmitNonce(string, uint32) {}
