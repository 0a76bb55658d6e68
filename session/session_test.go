package session

import (
	"testing"
	"time"

	"startline.dev/gun"
	"startline.dev/imu"
	"startline.dev/trace"
)

type fakeOut struct{ high bool }

func (o *fakeOut) Set(high bool) { o.high = high }

type fakeIn struct{ high bool }

func (i *fakeIn) Get() bool { return i.high }

// fakeClock reports ms, auto-advancing by step on every read so a
// capture loop with no other progress signal still terminates.
type fakeClock struct {
	ms   int64
	step int64
}

func (c *fakeClock) NowMillis() int64 {
	c.ms += c.step
	return c.ms
}

type noSleep struct{}

func (noSleep) Sleep(_ time.Duration) {}

func newTestSession(t *testing.T) (*Session, *imu.Simulator, *fakeClock) {
	t.Helper()
	sim := imu.NewSimulator()
	t.Cleanup(func() { sim.Close() })
	alert := &fakeOut{}
	abort := &fakeIn{}
	clk := &fakeClock{}
	sess := New(imu.New(sim, fakeCS{}), alert, abort, clk)
	if err := sess.SetGender('M'); err != nil {
		t.Fatalf("SetGender: %v", err)
	}
	if err := sess.Arm(trace.TotalBytes + 1<<20); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	return sess, sim, clk
}

type fakeCS struct{}

func (fakeCS) Set(bool) {}

func TestArmWithoutGenderLeavesDetectorInert(t *testing.T) {
	sim := imu.NewSimulator()
	defer sim.Close()
	sess := New(imu.New(sim, fakeCS{}), &fakeOut{}, &fakeIn{}, &fakeClock{})
	if err := sess.Arm(trace.TotalBytes + 1<<20); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	// Push an obviously over-threshold sample and confirm no start latches.
	rec := make([]byte, trace.RecordBytes)
	rec[1], rec[2] = 0x7F, 0xFF // large positive X
	sim.PushFIFO(rec)
	if err := sess.drain(); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if sess.det.Started() {
		t.Fatalf("detector must stay inert when gender was never configured")
	}
}

func TestCaptureNoStimulusReportsND(t *testing.T) {
	sess, sim, clk := newTestSession(t)
	_ = sim
	clk.ms = 0
	clk.step = 10
	if err := sess.capture(noSleep{}); err != nil {
		t.Fatalf("capture: %v", err)
	}
	status, _, _ := sess.ReactionReport()
	if status != [2]byte{'N', 'D'} {
		t.Fatalf("got status %s want ND", status[:])
	}
}

func TestCaptureWithGunAndReactionReportsCA(t *testing.T) {
	sess, sim, clk := newTestSession(t)

	// Stage the gun timestamp registers, then trigger the gun handler
	// as the board-level interrupt callback would.
	sim.SetBankRegister(1, 0x62, 0x00)
	sim.SetBankRegister(1, 0x63, 0x00)
	sim.SetBankRegister(1, 0x64, 0x00) // gun tick = 0
	if err := sess.GunHandler().Trigger(sess.IMU); err != nil {
		t.Fatalf("gun Trigger: %v", err)
	}

	// Feed a monotone rise well within the 100ms post-gun window.
	mkSample := func(xRaw int16) []byte {
		rec := make([]byte, trace.RecordBytes)
		rec[1] = byte(uint16(xRaw) >> 8)
		rec[2] = byte(uint16(xRaw))
		return rec
	}
	var samples []byte
	for _, g := range []float64{0.1, 0.4, 0.7, 1.0, 1.3} {
		raw := int16(g * 2048)
		samples = append(samples, mkSample(raw)...)
	}
	sim.PushFIFO(samples)

	clk.ms = 10
	if err := sess.drain(); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if err := sess.finish(); err != nil {
		t.Fatalf("finish: %v", err)
	}

	status, micros, hasReaction := sess.ReactionReport()
	if status != [2]byte{'C', 'A'} {
		t.Fatalf("got status %s want CA", status[:])
	}
	if !hasReaction {
		t.Fatalf("expected a reaction value")
	}
	if micros < 0 {
		t.Fatalf("expected a small positive reaction time, got %dus", micros)
	}
	if !sess.det.Alerted() {
		t.Fatalf("expected a false-start alert within the 100ms window")
	}
}

func TestGunHandlerImportIsExercised(t *testing.T) {
	var h gun.Handler
	h.Arm()
	if _, fired := h.GunTick(); fired {
		t.Fatalf("freshly armed handler must not report fired")
	}
}
