package bitforce

import "fmt"

// ErrNotBFLDevice is returned by Discover when the candidate path opened
// successfully but did not identify itself as a SHA256 device.
var ErrNotBFLDevice = fmt.Errorf("bitforce: device did not self-identify as SHA256")

// Discover probes a single candidate serial path: open it with a short
// read timeout, send the identity handshake, and admit it only if it
// self-identifies as a SHA256 device. The handle is closed before
// returning either way — prepare() reopens it with the normal timeout once
// the host decides to use the session.
func Discover(path string, opts SessionOptions) (*DeviceSession, error) {
	h, err := openTransport(path, initReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("bitforce: discover %s: %w", path, err)
	}
	defer h.Close()

	if err := h.Write([]byte(opIdentify)); err != nil {
		return nil, fmt.Errorf("bitforce: discover %s: write identify: %w", path, err)
	}
	line, err := h.ReadLine()
	if err != nil {
		return nil, fmt.Errorf("bitforce: discover %s: read identify: %w", path, err)
	}
	if line == "" {
		return nil, fmt.Errorf("bitforce: discover %s: %w (no reply)", path, ErrNotBFLDevice)
	}
	name, ok := parseIdentity(line)
	if !ok {
		return nil, fmt.Errorf("bitforce: discover %s: %w", path, ErrNotBFLDevice)
	}

	s := newSession(path, opts)
	s.Name = name
	s.Identity = line
	return s, nil
}
