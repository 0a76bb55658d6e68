// Package trace owns the append-only sample buffer for a single run
// and the run summary reported alongside it.
package trace

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// RecordBytes is the size of one sample or event record.
const RecordBytes = 16

const (
	HeaderGunEvent      = 0x07
	HeaderReactionEvent = 0x21
)

// Sizing constants, ported verbatim from the source firmware's buffer
// allocation: 5s at 2kHz of 16-byte samples, plus headroom for bursty
// FIFO drains and the two event trailers.
const (
	DurationSeconds = 5
	SampleRateHz    = 2048
	overheadBytes   = 4096 * 2
	TotalBytes      = DurationSeconds*SampleRateHz*RecordBytes + overheadBytes
)

var ErrInsufficientMemory = errors.New("trace: insufficient memory for buffer allocation")

// Buffer is a pre-allocated, append-only region holding an integral
// number of fixed-size records.
type Buffer struct {
	data []byte
	wp   int
}

// NewBuffer allocates a buffer of TotalBytes, after checking that free
// points to enough headroom; matches the source's "exercise the
// allocator and check a minimum-free precondition" step.
func NewBuffer(freeBytes int) (*Buffer, error) {
	const margin = 4096
	if freeBytes < TotalBytes+margin {
		return nil, fmt.Errorf("%w: free=%d needed=%d", ErrInsufficientMemory, freeBytes, TotalBytes+margin)
	}
	return &Buffer{data: make([]byte, TotalBytes)}, nil
}

// Reserve returns a slice of n bytes at the current write pointer for
// the caller to drain FIFO data into directly, then advances the
// pointer. n must be a multiple of RecordBytes.
func (b *Buffer) Reserve(n int) []byte {
	if n%RecordBytes != 0 {
		panic("trace: reserve length not a multiple of RecordBytes")
	}
	start := b.wp
	b.wp += n
	return b.data[start:b.wp]
}

// Written returns the committed portion of the buffer.
func (b *Buffer) Written() []byte {
	return b.data[:b.wp]
}

// Reset rewinds the write pointer for a new run (ARM).
func (b *Buffer) Reset() {
	b.wp = 0
}

// AppendEvent builds a synthetic 16-byte trailer record carrying only
// a timestamp, per §3's gun/reaction event records. It returns the
// record; the caller copies it into the buffer.
func AppendEvent(header byte, tick int64) []byte {
	rec := make([]byte, RecordBytes)
	rec[0] = header
	rec[13] = byte((tick >> 16) & 0x0F)
	rec[14] = byte(tick >> 8)
	rec[15] = byte(tick)
	return rec
}

// RunSummary is a structured telemetry value reported alongside the
// trace buffer (never written into it): sample count, interrupt count,
// lost-packet total, rollover count and event flags, promoted from
// incidental console logging in the source firmware (see DESIGN.md's
// trace entry).
type RunSummary struct {
	SampleCount     int  `cbor:"sample_count"`
	InterruptCount  int  `cbor:"interrupt_count"`
	LostPacketTotal int  `cbor:"lost_packet_total"`
	Rollovers       int  `cbor:"rollovers"`
	GunDetected     bool `cbor:"gun_detected"`
	ReactionLogged  bool `cbor:"reaction_logged"`
	// DrainOverrun reports whether drain latency approached the
	// ~152ms rollover-ambiguity bound (§9's watchdog) at any point
	// during the run.
	DrainOverrun bool `cbor:"drain_overrun"`
}

// EncodeSummary serializes a RunSummary with CBOR.
func EncodeSummary(s RunSummary) ([]byte, error) {
	b, err := cbor.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("trace: %w", err)
	}
	return b, nil
}

// DecodeSummary parses a CBOR-encoded RunSummary.
func DecodeSummary(b []byte) (RunSummary, error) {
	var s RunSummary
	if err := cbor.Unmarshal(b, &s); err != nil {
		return RunSummary{}, fmt.Errorf("trace: %w", err)
	}
	return s, nil
}
