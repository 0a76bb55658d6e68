// Package session owns the per-run "Block Session" value: the trace
// buffer, timestamp reconstructor, false-start detector, gun capture
// handler, and the latch/counter view interrupt handlers touch,
// tying them together into the ARM/SET/DUMP lifecycle and capture
// loop described in SPEC_FULL.md §4.4 and §9.
package session

import (
	"fmt"
	"sync/atomic"
	"time"

	"startline.dev/detector"
	"startline.dev/gun"
	"startline.dev/imu"
	"startline.dev/tick"
	"startline.dev/trace"
)

// IRQView is the narrow slice of Session state interrupt handlers are
// allowed to touch: a data-ready latch and a diagnostic counter for
// the FIFO-threshold interrupt. Kept as its own type so a handler
// never has access to the rest of Session, per §9's "Session-IRQ
// view" design note.
type IRQView struct {
	fifoReady      atomic.Bool
	intCounter     atomic.Uint32
	lastDrainMilli atomic.Int64
}

// SignalFIFOReady is called from the FIFO-threshold interrupt
// handler. It must do only this: set the latch, bump the counter.
func (v *IRQView) SignalFIFOReady() {
	v.fifoReady.Store(true)
	v.intCounter.Add(1)
}

// take clears the latch and reports whether it had been set.
func (v *IRQView) take() bool {
	return v.fifoReady.CompareAndSwap(true, false)
}

// DrainAge reports how long it has been since the last successful
// drain, for a watchdog to compare against the ~152ms rollover bound
// noted in SPEC_FULL.md §9.
func (v *IRQView) DrainAge(now time.Time) time.Duration {
	last := v.lastDrainMilli.Load()
	if last == 0 {
		return 0
	}
	return now.Sub(time.UnixMilli(last))
}

// DigitalOut is a single GPIO output line. machine.Pin satisfies it on
// target.
type DigitalOut interface {
	Set(high bool)
}

// DigitalIn is a single GPIO input line.
type DigitalIn interface {
	Get() bool
}

// Clock abstracts wall-clock milliseconds so tests can drive the
// capture loop's timing deterministically.
type Clock interface {
	NowMillis() int64
}

type realClock struct{}

func (realClock) NowMillis() int64 { return time.Now().UnixMilli() }

// RealClock is the production Clock, backed by time.Now.
var RealClock Clock = realClock{}

// ErrGenderNotSet reports that no gender has been configured. Arm does
// not return it: with no gender, Arm succeeds and the run proceeds with
// an inert detector rather than picking an arbitrary threshold (§7).
var ErrGenderNotSet = fmt.Errorf("session: gender not configured")

// Session is the Block Session value: everything ARM resets and SET
// drives, owned by the main loop and passed by reference to drain,
// detector, and the protocol engine.
type Session struct {
	IMU   *imu.Device
	Alert DigitalOut
	Abort DigitalIn

	clock Clock
	irq   IRQView

	buffer *trace.Buffer
	recon  tick.Reconstructor
	det    *detector.Detector
	gun    *gun.Handler

	gender   byte
	polarity gun.Polarity

	drainOverrun bool
	summary      trace.RunSummary
}

// New constructs a Session. clock may be nil to use RealClock.
func New(dev *imu.Device, alert DigitalOut, abort DigitalIn, clock Clock) *Session {
	if clock == nil {
		clock = RealClock
	}
	return &Session{
		IMU:   dev,
		Alert: alert,
		Abort: abort,
		clock: clock,
		det:   detector.New(detector.Params{}, false),
		gun:   &gun.Handler{},
	}
}

// IRQ returns the view interrupt handlers are wired to.
func (s *Session) IRQ() *IRQView { return &s.irq }

// GunHandler returns the gun capture handler board wiring registers
// the gun-edge interrupt against.
func (s *Session) GunHandler() *gun.Handler { return s.gun }

// SetGender configures the detector threshold for 'M' or 'F'. It does
// not take effect until the next ARM.
func (s *Session) SetGender(gender byte) error {
	if _, ok := detector.ParamsForGender(gender); !ok {
		return fmt.Errorf("session: invalid gender %q", gender)
	}
	s.gender = gender
	return nil
}

// SetSensorPolarity configures gun-edge polarity for the next ARM.
func (s *Session) SetSensorPolarity(p gun.Polarity) {
	s.polarity = p
}

// Polarity returns the gun-edge polarity configured by SetSensorPolarity.
func (s *Session) Polarity() gun.Polarity {
	return s.polarity
}

// Arm resets all run state and reconfigures the IMU. Matches §4.2's
// setup sequence and §9's "reset on each ARM" lifecycle rule.
func (s *Session) Arm(freeBytes int) error {
	buf, err := trace.NewBuffer(freeBytes)
	if err != nil {
		return err
	}
	s.buffer = buf
	s.recon.Reset()
	s.gun.Arm()
	s.irq = IRQView{}
	s.drainOverrun = false
	s.summary = trace.RunSummary{}
	if s.Alert != nil {
		s.Alert.Set(false)
	}

	params, ok := detector.ParamsForGender(s.gender)
	s.det.Reset(params, ok)

	if err := s.IMU.Setup(); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	return nil
}

const (
	captureMaxDuration  = 5 * time.Second
	pollInterval        = 400 * time.Microsecond
	postStartTailMillis = 1000

	// drainWatchdogTicks is the rollover heuristic's own threshold
	// (tick.Reconstructor's -5000 step), expressed here as the bound
	// a missed drain must not approach, per §9's rollover-threshold
	// design note.
	drainWatchdogTicks = 5000
	drainWatchdogBound = drainWatchdogTicks * tick.Period * time.Nanosecond
)

// sleeper lets tests substitute a no-op sleep.
type sleeper interface{ Sleep(time.Duration) }
type realSleeper struct{}

func (realSleeper) Sleep(d time.Duration) { time.Sleep(d) }

// Capture runs the SET capture loop: poll the FIFO-ready latch,
// drain, check for the post-start tail timeout and host-driven abort,
// until the 5s ceiling. See SPEC_FULL.md §4.4.
func (s *Session) Capture() error {
	return s.capture(realSleeper{})
}

func (s *Session) capture(sl sleeper) error {
	if err := s.IMU.SetSensorsEnabled(true); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	start := s.clock.NowMillis()
	for s.clock.NowMillis()-start < captureMaxDuration.Milliseconds() {
		if s.irq.take() {
			if err := s.drain(); err != nil {
				return err
			}
		}
		sl.Sleep(pollInterval)
		if s.irq.DrainAge(time.UnixMilli(s.clock.NowMillis())) > drainWatchdogBound {
			s.drainOverrun = true
		}
		if ms, ok := s.det.RunnerStartedMillis(); ok {
			if s.clock.NowMillis()-ms > postStartTailMillis {
				break
			}
		}
		if s.Abort != nil && s.Abort.Get() {
			break
		}
	}
	if err := s.IMU.SetSensorsEnabled(false); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	// Final drain to recover any residual samples.
	if err := s.drain(); err != nil {
		return err
	}
	return s.finish()
}

// drain implements SPEC_FULL.md §4.2's drain procedure.
func (s *Session) drain() error {
	count, err := s.IMU.FIFOCount()
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}
	readLen := (count / trace.RecordBytes) * trace.RecordBytes
	if readLen == 0 {
		return nil
	}
	region := s.buffer.Reserve(readLen)
	if err := s.IMU.DrainFIFO(region); err != nil {
		return fmt.Errorf("session: %w", err)
	}

	for off := 0; off+trace.RecordBytes <= len(region); off += trace.RecordBytes {
		rec := region[off : off+trace.RecordBytes]
		raw := uint16(rec[14])<<8 | uint16(rec[15])
		full, rollover := s.recon.Observe(raw)
		tick.PackTimestamp(rec, rollover, raw)

		xRaw := int16(uint16(rec[1])<<8 | uint16(rec[2]))
		xG := float64(xRaw) / 2048

		if s.det.Observe(xG, full, s.clock.NowMillis(), s.gun) {
			if s.Alert != nil {
				s.Alert.Set(true)
			}
		}
	}
	s.irq.lastDrainMilli.Store(s.clock.NowMillis())
	return s.IMU.ClearIntStatus()
}

// finish writes event trailers and assembles the run summary, called
// once the capture loop exits. Sample count is captured before the
// trailers are appended so it reflects samples only, matching the
// source firmware's wp//16.
func (s *Session) finish() error {
	sampleCount := len(s.buffer.Written()) / trace.RecordBytes

	if gunTick, fired := s.gun.GunTick(); fired {
		rec := trace.AppendEvent(trace.HeaderGunEvent, gunTick)
		copy(s.buffer.Reserve(trace.RecordBytes), rec)
	}
	if rt, ok := s.det.ReactionTick(); ok {
		rec := trace.AppendEvent(trace.HeaderReactionEvent, rt)
		copy(s.buffer.Reserve(trace.RecordBytes), rec)
	}

	lost, err := s.IMU.LostPacketTotal()
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}
	_, gunFired := s.gun.GunTick()
	_, reactionLogged := s.det.ReactionTick()
	s.summary = trace.RunSummary{
		SampleCount:     sampleCount,
		InterruptCount:  int(s.irq.intCounter.Load()),
		LostPacketTotal: lost,
		Rollovers:       int(s.recon.Rollovers()),
		GunDetected:     gunFired,
		ReactionLogged:  reactionLogged,
		DrainOverrun:    s.drainOverrun,
	}
	return nil
}

// Buffer returns the trace buffer built by the most recent Arm.
func (s *Session) Buffer() *trace.Buffer { return s.buffer }

// Summary returns the run summary assembled by the most recent Capture.
func (s *Session) Summary() trace.RunSummary { return s.summary }

// ReactionReport computes the SEND_RT_REPORT verdict: a two-ASCII-byte
// status code, plus a 3-byte big-endian reaction value when status is
// "CA". See SPEC_FULL.md §4.6.
func (s *Session) ReactionReport() (status [2]byte, reactionMicros int32, hasReaction bool) {
	gunTick, gunFired := s.gun.GunTick()
	rtTick, rtOK := s.det.ReactionTick()
	switch {
	case rtOK && gunFired:
		return [2]byte{'C', 'A'}, tick.Micros(rtTick - gunTick), true
	case rtOK && !gunFired:
		return [2]byte{'N', 'G'}, 0, false
	case !rtOK && gunFired:
		return [2]byte{'N', 'R'}, 0, false
	default:
		return [2]byte{'N', 'D'}, 0, false
	}
}
