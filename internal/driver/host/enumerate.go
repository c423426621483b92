// Package host wires the bitforce driver's per-device sessions into the
// handful of operations a host scheduler actually calls: detect, prepare,
// scan, stats, shutdown, reinit, and identify.
package host

import (
	"path/filepath"
	"sort"
)

// PortEnumerator lists candidate serial device paths a scheduler should
// probe for BFL devices. The default implementation globs the usual
// USB-serial device nodes; tests and alternate platforms supply their own.
type PortEnumerator interface {
	Candidates() ([]string, error)
}

// globEnumerator lists candidate paths by globbing the device-node
// patterns BFL devices actually show up under, plus any operator-supplied
// hints (useful for platforms or naming schemes the glob patterns miss).
type globEnumerator struct {
	patterns []string
	hints    []string
}

// NewPortEnumerator returns the default PortEnumerator, globbing the
// standard Linux/BSD/macOS USB-serial device nodes. extraHints are
// appended verbatim, letting an operator point at a non-standard path
// without patching the glob list.
func NewPortEnumerator(extraHints ...string) PortEnumerator {
	return &globEnumerator{
		patterns: []string{
			"/dev/ttyUSB*",
			"/dev/ttyACM*",
			"/dev/cu.usbserial*",
			"/dev/cu.usbmodem*",
		},
		hints: extraHints,
	}
}

func (e *globEnumerator) Candidates() ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, pattern := range e.patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			continue
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	for _, h := range e.hints {
		if h != "" && !seen[h] {
			seen[h] = true
			out = append(out, h)
		}
	}
	sort.Strings(out)
	return out, nil
}
