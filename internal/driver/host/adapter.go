package host

import (
	"fmt"
	"sync"
	"time"

	"bitforce-driver/internal/driver/bitforce"
)

// Adapter is the fixed surface a host scheduler drives: detect, prepare,
// thread_init, scan, shutdown, reinit, identify, get_stats, status_line.
// It owns the set of DeviceSessions discovered so far, keyed by serial
// path, and fans Detect out across candidate ports concurrently the same
// way the upstream network discovery sweep fans out across a subnet.
type Adapter struct {
	mu         sync.Mutex
	enumerator PortEnumerator
	opts       bitforce.SessionOptions
	sessions   map[string]*bitforce.DeviceSession
	logger     bitforce.Logger
}

// maxConcurrentProbes bounds how many serial ports Detect opens at once;
// most hosts have well under a dozen candidate paths, so this is plenty.
const maxConcurrentProbes = 8

// NewAdapter builds an Adapter over enumerator, constructing every
// discovered session with opts.
func NewAdapter(enumerator PortEnumerator, opts bitforce.SessionOptions) *Adapter {
	logger := opts.Logger
	if logger == nil {
		logger = bitforce.DefaultLogger()
	}
	return &Adapter{
		enumerator: enumerator,
		opts:       opts,
		sessions:   make(map[string]*bitforce.DeviceSession),
		logger:     logger,
	}
}

// Detect probes every not-yet-known candidate path the enumerator reports
// and admits the ones that self-identify as BFL devices. It is safe to
// call repeatedly; previously admitted sessions are left untouched.
func (a *Adapter) Detect() ([]*bitforce.DeviceSession, error) {
	candidates, err := a.enumerator.Candidates()
	if err != nil {
		return nil, fmt.Errorf("host: list candidate ports: %w", err)
	}

	var toProbe []string
	a.mu.Lock()
	for _, path := range candidates {
		if _, known := a.sessions[path]; !known {
			toProbe = append(toProbe, path)
		}
	}
	a.mu.Unlock()

	var wg sync.WaitGroup
	sem := make(chan struct{}, maxConcurrentProbes)
	results := make(chan *bitforce.DeviceSession, len(toProbe))

	for _, path := range toProbe {
		wg.Add(1)
		sem <- struct{}{}
		go func(p string) {
			defer wg.Done()
			defer func() { <-sem }()
			sess, err := bitforce.Discover(p, a.opts)
			if err != nil {
				a.logger.Debugf("host: %s: %v", p, err)
				results <- nil
				return
			}
			results <- sess
		}(path)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var found []*bitforce.DeviceSession
	a.mu.Lock()
	for sess := range results {
		if sess == nil {
			continue
		}
		a.sessions[sess.DevicePath] = sess
		found = append(found, sess)
	}
	a.mu.Unlock()

	return found, nil
}

// ThreadInit staggers a worker's start by workerIndex * MAX_START_DELAY_MS
// so a fleet of devices doesn't all issue their first command in lockstep.
func (a *Adapter) ThreadInit(workerIndex int) {
	time.Sleep(time.Duration(workerIndex*bitforce.MaxStartDelayMs) * time.Millisecond)
}

func (a *Adapter) session(path string) (*bitforce.DeviceSession, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	sess, ok := a.sessions[path]
	if !ok {
		return nil, fmt.Errorf("host: %s: not a known device (call Detect first)", path)
	}
	return sess, nil
}

// Prepare opens the serial handle for a previously detected device.
func (a *Adapter) Prepare(path string) error {
	sess, err := a.session(path)
	if err != nil {
		return err
	}
	return sess.Prepare()
}

// Scan runs one job against the named device and returns the billed nonce
// count.
func (a *Adapter) Scan(path string, work *bitforce.Work) (uint32, error) {
	sess, err := a.session(path)
	if err != nil {
		return 0, err
	}
	return sess.Scan(work), nil
}

// Shutdown closes the serial handle for a device.
func (a *Adapter) Shutdown(path string) error {
	sess, err := a.session(path)
	if err != nil {
		return err
	}
	return sess.Shutdown()
}

// Reinit re-establishes the handshake with a device after persistent
// communication trouble.
func (a *Adapter) Reinit(path string) error {
	sess, err := a.session(path)
	if err != nil {
		return err
	}
	return sess.Reinit()
}

// Identify marks a device's identification LED flash as pending; the flash
// itself happens on the session's next ReadTemperature call.
func (a *Adapter) Identify(path string) error {
	sess, err := a.session(path)
	if err != nil {
		return err
	}
	sess.Identify()
	return nil
}

// GetStats returns a snapshot of a device's operating state.
func (a *Adapter) GetStats(path string) (bitforce.Stats, error) {
	sess, err := a.session(path)
	if err != nil {
		return bitforce.Stats{}, err
	}
	return sess.Stats(), nil
}

// StatusLine renders a device's stats as one human-readable line.
func (a *Adapter) StatusLine(path string) (string, error) {
	sess, err := a.session(path)
	if err != nil {
		return "", err
	}
	return sess.StatusLine(), nil
}

// Sessions returns every device currently known to the adapter.
func (a *Adapter) Sessions() []*bitforce.DeviceSession {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*bitforce.DeviceSession, 0, len(a.sessions))
	for _, sess := range a.sessions {
		out = append(out, sess)
	}
	return out
}
