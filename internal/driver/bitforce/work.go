package bitforce

// Work is a single block-header candidate handed to the driver by the
// host's work queue. The driver treats it as read-only except for
// StartingNonce, which it mutates when submitting a nonce-range job.
type Work struct {
	// Midstate is the 32-byte partial SHA-256 state computed by the host
	// from the first 64 bytes of the block header.
	Midstate [32]byte
	// Data is the full 128-byte scratch buffer the host uses to build
	// the block header; only bytes [64:76] (the block "tail": the last 4
	// bytes of the merkle root, time and bits) are read by the driver.
	Data [128]byte
	// StartingNonce is the first nonce of the range programmed into the
	// device for range-split jobs. After a successful range-mode submit
	// the engine advances it past the slice just programmed (start +
	// rangeSplitWidth + 1), so repeated scans of the same Work sweep
	// successive fifths of the nonce space. Ignored in full-range mode.
	StartingNonce uint32
	// IsStale reports whether this work item is no longer useful (a new
	// block arrived upstream). Checked at every cancellable wait point.
	IsStale func() bool
}

func (w *Work) stale() bool {
	return w.IsStale != nil && w.IsStale()
}

// tail returns the 12-byte block tail the wire protocol requires.
func (w *Work) tail() [12]byte {
	var t [12]byte
	copy(t[:], w.Data[64:76])
	return t
}
