package proto

import "fmt"

// Dispatcher is implemented by cmd/block's adapter over session.Session
// (or a test double) to carry out each bus command. Handlers return an error only for
// conditions the engine should log and otherwise ignore — per §7,
// errors are local to the block; there is no error reply frame.
type Dispatcher interface {
	Ping()
	Arm() error
	Set() error
	// Dump returns the full trace payload to stream back in
	// DumpChunkBytes-sized frames.
	Dump() []byte
	SetSensor(polarity string) error
	SetGender(gender byte) error
	// ReactionReport returns SEND_RT_REPORT's verdict: a 2-byte ASCII
	// status and, when hasReaction, a 3-byte big-endian reaction value.
	ReactionReport() (status [2]byte, reactionMicros int32, hasReaction bool)
}

// Engine owns one block's view of the bus: its own identity, the
// transport, and the direction-control line.
type Engine struct {
	BlockID  byte
	Src      ByteSource
	Tx       Transmitter
	TxEnable DigitalOut
	Clock    Clock
}

// ServeOne reads and dispatches a single frame, with the per-frame
// timeout from §4.6. A timeout or checksum error is swallowed: the
// caller's main loop simply tries again on the next iteration.
func (e *Engine) ServeOne(d Dispatcher, timeoutMs int64) error {
	frame, err := ReadFrame(e.Src, e.Clock, timeoutMs)
	if err != nil {
		if err == ErrTimeout || err == ErrChecksum {
			return nil
		}
		return err
	}
	if frame.ID != e.BlockID && frame.ID != BroadcastID {
		return nil
	}
	broadcast := frame.ID == BroadcastID
	return e.dispatch(d, frame, broadcast)
}

func (e *Engine) dispatch(d Dispatcher, frame Frame, broadcast bool) error {
	switch frame.Cmd {
	case CmdPing:
		d.Ping()
		if !broadcast {
			return e.ack(CmdPing)
		}
	case CmdArm:
		if err := d.Arm(); err != nil {
			return fmt.Errorf("proto: %w", err)
		}
		if !broadcast {
			return e.ack(CmdArm)
		}
	case CmdSet:
		return d.Set()
	case CmdDump:
		if !broadcast {
			return e.streamDump(d.Dump())
		}
	case CmdSetSensor:
		polarity := string(frame.Payload)
		if err := d.SetSensor(polarity); err != nil {
			return fmt.Errorf("proto: %w", err)
		}
		if !broadcast {
			return e.ack(CmdSetSensor)
		}
	case CmdSetGender:
		if len(frame.Payload) != 1 {
			return fmt.Errorf("proto: malformed SET_GENDER payload")
		}
		if err := d.SetGender(frame.Payload[0]); err != nil {
			return fmt.Errorf("proto: %w", err)
		}
		if !broadcast {
			return e.ack(CmdSetGender)
		}
	case CmdSendRTReport:
		if !broadcast {
			return e.sendRTReport(d)
		}
	default:
		// Unknown command: logged by the caller, no reply.
		return fmt.Errorf("proto: unknown command %#x", frame.Cmd)
	}
	return nil
}

func (e *Engine) ack(cmd byte) error {
	return WriteFrame(e.Tx, e.TxEnable, Frame{ID: e.BlockID, Cmd: Reply(cmd)})
}

// streamDump sends data in DumpChunkBytes chunks, each tagged as a
// CMD_DUMP reply, terminated by one empty frame, per §4.6.
func (e *Engine) streamDump(data []byte) error {
	for len(data) > 0 {
		n := len(data)
		if n > DumpChunkBytes {
			n = DumpChunkBytes
		}
		if err := WriteFrame(e.Tx, e.TxEnable, Frame{ID: e.BlockID, Cmd: Reply(CmdDump), Payload: data[:n]}); err != nil {
			return err
		}
		data = data[n:]
	}
	return WriteFrame(e.Tx, e.TxEnable, Frame{ID: e.BlockID, Cmd: Reply(CmdDump)})
}

func (e *Engine) sendRTReport(d Dispatcher) error {
	status, micros, hasReaction := d.ReactionReport()
	payload := status[:]
	if hasReaction {
		u := uint32(micros)
		payload = append(payload, byte(u>>16), byte(u>>8), byte(u))
	}
	return WriteFrame(e.Tx, e.TxEnable, Frame{ID: e.BlockID, Cmd: Reply(CmdSendRTReport), Payload: payload})
}
