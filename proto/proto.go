// Package proto implements the half-duplex multidrop bus framing and
// command dispatch shared by block firmware and the host client: one
// package serving both ends, the way the teacher's mjolnir package
// serves both the firmware protocol and the host driver.
package proto

import (
	"errors"
	"fmt"
)

const (
	STX         = 0xAA
	BroadcastID = 0x99
	ReplyFlag   = 0x40

	CmdPing          = 0x01
	CmdArm           = 0x02
	CmdSet           = 0x03
	CmdDump          = 0x04
	CmdSetSensor     = 0x05
	CmdSetGender     = 0x06
	CmdSendRTReport  = 0x07
	maxPayload       = 255
	// DumpChunkBytes is the largest DUMP chunk that still fits the
	// frame's single-byte length field; a length of 0 is reserved for
	// the end-of-stream marker, so chunks top out at 255, not 256.
	DumpChunkBytes = 255
	DefaultFrameMs = 100
)

var (
	ErrTimeout     = errors.New("proto: frame timeout")
	ErrChecksum    = errors.New("proto: bad checksum")
	ErrPayloadSize = errors.New("proto: payload too large")
)

// Frame is one bus transaction: STX | ID | Cmd | Length | Payload | Checksum.
type Frame struct {
	ID      byte
	Cmd     byte
	Payload []byte
}

// Checksum returns the 8-bit additive checksum of b modulo 256, taken
// over every byte of the frame including STX.
func Checksum(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum += v
	}
	return sum
}

// Encode serializes f into a wire-ready frame, appending the checksum.
func Encode(f Frame) ([]byte, error) {
	if len(f.Payload) > maxPayload {
		return nil, fmt.Errorf("%w: %d", ErrPayloadSize, len(f.Payload))
	}
	buf := make([]byte, 0, 4+len(f.Payload)+1)
	buf = append(buf, STX, f.ID, f.Cmd, byte(len(f.Payload)))
	buf = append(buf, f.Payload...)
	buf = append(buf, Checksum(buf))
	return buf, nil
}

// Reply tags cmd with the reply flag bit, per §4.6's "implementers
// MUST use tagged replies" rule. There is no untagged code path.
func Reply(cmd byte) byte {
	return cmd | ReplyFlag
}

// ByteSource is a non-blocking byte reader: ok is false when no byte
// is currently available (the caller should retry), and err is
// returned only for a fatal transport failure. machine.UART's
// ReadByte has exactly this shape on target; a simple queue-backed
// fake implements it for tests.
type ByteSource interface {
	ReadByte() (b byte, ok bool, err error)
}

// Clock abstracts wall-clock milliseconds for the per-frame timeout,
// mirroring session.Clock so both packages can be driven by the same
// fake in tests without importing one another.
type Clock interface {
	NowMillis() int64
}

// ReadFrame polls src for a complete, checksum-valid frame for up to
// timeoutMs milliseconds, the way the source firmware's read_packet
// polls uart.any() in a bounded loop. A timeout or checksum mismatch
// is reported as an error; per §7, both are meant to be silently
// dropped by the caller, not retried at this layer.
func ReadFrame(src ByteSource, clock Clock, timeoutMs int64) (Frame, error) {
	deadline := clock.NowMillis() + timeoutMs
	readByte := func() (byte, error) {
		for {
			if clock.NowMillis() > deadline {
				return 0, ErrTimeout
			}
			b, ok, err := src.ReadByte()
			if err != nil {
				return 0, err
			}
			if ok {
				return b, nil
			}
		}
	}

	for {
		b, err := readByte()
		if err != nil {
			return Frame{}, err
		}
		if b != STX {
			continue
		}
		break
	}

	header := make([]byte, 3)
	for i := range header {
		b, err := readByte()
		if err != nil {
			return Frame{}, err
		}
		header[i] = b
	}
	id, cmd, length := header[0], header[1], header[2]

	payload := make([]byte, length)
	for i := range payload {
		b, err := readByte()
		if err != nil {
			return Frame{}, err
		}
		payload[i] = b
	}

	checksum, err := readByte()
	if err != nil {
		return Frame{}, err
	}

	full := make([]byte, 0, 4+len(payload))
	full = append(full, STX, id, cmd, length)
	full = append(full, payload...)
	if Checksum(full) != checksum {
		return Frame{}, ErrChecksum
	}
	return Frame{ID: id, Cmd: cmd, Payload: payload}, nil
}

// Transmitter is a byte sink that can report when the hardware has
// finished shifting the last byte out, matching the source firmware's
// "while not uart.txdone(): pass" direction-control discipline.
type Transmitter interface {
	Write(p []byte) (int, error)
	TxDone() bool
}

// DigitalOut is a single GPIO output line (the bus direction-control
// pin). machine.Pin satisfies it on target.
type DigitalOut interface {
	Set(high bool)
}

// WriteFrame asserts txEnable, writes the encoded frame, waits for the
// transmitter to finish shifting it out, then clears txEnable. See
// §4.6's direction-control rule.
func WriteFrame(tx Transmitter, txEnable DigitalOut, f Frame) error {
	buf, err := Encode(f)
	if err != nil {
		return err
	}
	txEnable.Set(true)
	defer txEnable.Set(false)
	if _, err := tx.Write(buf); err != nil {
		return fmt.Errorf("proto: %w", err)
	}
	for !tx.TxDone() {
	}
	return nil
}
