package proto

import (
	"testing"
	"testing/quick"
)

func TestChecksumLaw(t *testing.T) {
	f := func(id, cmd byte, payload []byte) bool {
		if len(payload) > maxPayload {
			payload = payload[:maxPayload]
		}
		encoded, err := Encode(Frame{ID: id, Cmd: cmd, Payload: payload})
		if err != nil {
			return false
		}
		sum := Checksum(encoded[:len(encoded)-1])
		return sum == encoded[len(encoded)-1]
	}
	if err := quick.Check(f, nil); err != nil {
		t.Fatal(err)
	}
}

// queueSource is a fixed byte queue satisfying ByteSource.
type queueSource struct {
	buf []byte
	pos int
}

func (q *queueSource) ReadByte() (byte, bool, error) {
	if q.pos >= len(q.buf) {
		return 0, false, nil
	}
	b := q.buf[q.pos]
	q.pos++
	return b, true, nil
}

type fixedClock struct{ ms int64 }

func (c *fixedClock) NowMillis() int64 { c.ms++; return c.ms }

func TestReadFrameRoundTrip(t *testing.T) {
	want := Frame{ID: 3, Cmd: CmdPing, Payload: nil}
	encoded, err := Encode(want)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	src := &queueSource{buf: encoded}
	got, err := ReadFrame(src, &fixedClock{}, 100)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got.ID != want.ID || got.Cmd != want.Cmd || len(got.Payload) != 0 {
		t.Fatalf("got %+v want %+v", got, want)
	}
}

func TestReadFrameRejectsBadChecksum(t *testing.T) {
	encoded, _ := Encode(Frame{ID: 1, Cmd: CmdPing})
	encoded[len(encoded)-1] ^= 0xFF // corrupt checksum
	src := &queueSource{buf: encoded}
	_, err := ReadFrame(src, &fixedClock{}, 100)
	if err != ErrChecksum {
		t.Fatalf("got %v want ErrChecksum", err)
	}
}

func TestReadFrameTimesOutOnEmptySource(t *testing.T) {
	src := &queueSource{}
	_, err := ReadFrame(src, &fixedClock{}, 5)
	if err != ErrTimeout {
		t.Fatalf("got %v want ErrTimeout", err)
	}
}

// fakeTransmitter satisfies Transmitter, recording every frame sent.
type fakeTransmitter struct{ frames [][]byte }

func (f *fakeTransmitter) Write(p []byte) (int, error) {
	cp := append([]byte(nil), p...)
	f.frames = append(f.frames, cp)
	return len(p), nil
}
func (f *fakeTransmitter) TxDone() bool { return true }

type fakeTxEnable struct{ asserted bool }

func (e *fakeTxEnable) Set(high bool) { e.asserted = high }

type fakeDispatcher struct {
	pinged      bool
	armed       bool
	set         bool
	dumpPayload []byte
	gender      byte
}

func (d *fakeDispatcher) Ping()                         { d.pinged = true }
func (d *fakeDispatcher) Arm() error                     { d.armed = true; return nil }
func (d *fakeDispatcher) Set() error                     { d.set = true; return nil }
func (d *fakeDispatcher) Dump() []byte                   { return d.dumpPayload }
func (d *fakeDispatcher) SetSensor(p string) error       { return nil }
func (d *fakeDispatcher) SetGender(g byte) error         { d.gender = g; return nil }
func (d *fakeDispatcher) ReactionReport() ([2]byte, int32, bool) {
	return [2]byte{'N', 'D'}, 0, false
}

func TestBroadcastSilence(t *testing.T) {
	encoded, _ := Encode(Frame{ID: BroadcastID, Cmd: CmdPing})
	src := &queueSource{buf: encoded}
	tx := &fakeTransmitter{}
	engine := &Engine{BlockID: 3, Src: src, Tx: tx, TxEnable: &fakeTxEnable{}, Clock: &fixedClock{}}
	disp := &fakeDispatcher{}
	if err := engine.ServeOne(disp, 100); err != nil {
		t.Fatalf("ServeOne: %v", err)
	}
	if !disp.pinged {
		t.Fatalf("broadcast PING must still be acted upon")
	}
	if len(tx.frames) != 0 {
		t.Fatalf("broadcast frame must produce no reply, got %d frames", len(tx.frames))
	}
}

func TestUnicastPingReplies(t *testing.T) {
	encoded, _ := Encode(Frame{ID: 3, Cmd: CmdPing})
	src := &queueSource{buf: encoded}
	tx := &fakeTransmitter{}
	engine := &Engine{BlockID: 3, Src: src, Tx: tx, TxEnable: &fakeTxEnable{}, Clock: &fixedClock{}}
	disp := &fakeDispatcher{}
	if err := engine.ServeOne(disp, 100); err != nil {
		t.Fatalf("ServeOne: %v", err)
	}
	if len(tx.frames) != 1 {
		t.Fatalf("expected exactly one reply frame, got %d", len(tx.frames))
	}
	gotFrame, err := ReadFrame(&queueSource{buf: tx.frames[0]}, &fixedClock{}, 100)
	if err != nil {
		t.Fatalf("decoding reply: %v", err)
	}
	if gotFrame.Cmd != Reply(CmdPing) {
		t.Fatalf("reply not tagged with 0x40: got cmd %#x", gotFrame.Cmd)
	}
}

func TestDumpStreamEndsWithEmptyFrame(t *testing.T) {
	payload := make([]byte, DumpChunkBytes+10)
	for i := range payload {
		payload[i] = byte(i)
	}
	encoded, _ := Encode(Frame{ID: 3, Cmd: CmdDump})
	src := &queueSource{buf: encoded}
	tx := &fakeTransmitter{}
	engine := &Engine{BlockID: 3, Src: src, Tx: tx, TxEnable: &fakeTxEnable{}, Clock: &fixedClock{}}
	disp := &fakeDispatcher{dumpPayload: payload}
	if err := engine.ServeOne(disp, 100); err != nil {
		t.Fatalf("ServeOne: %v", err)
	}
	if len(tx.frames) != 3 { // one full chunk + remainder + terminator
		t.Fatalf("expected 3 frames, got %d", len(tx.frames))
	}
	last, err := ReadFrame(&queueSource{buf: tx.frames[len(tx.frames)-1]}, &fixedClock{}, 100)
	if err != nil {
		t.Fatalf("decoding terminator: %v", err)
	}
	if len(last.Payload) != 0 {
		t.Fatalf("expected empty terminator frame, got %d bytes", len(last.Payload))
	}
}

func TestTxEnableAssertedDuringWriteOnly(t *testing.T) {
	txe := &fakeTxEnable{}
	tx := &fakeTransmitter{}
	if err := WriteFrame(tx, txe, Frame{ID: 1, Cmd: CmdPing}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if txe.asserted {
		t.Fatalf("tx-enable must be cleared after the write completes")
	}
}
