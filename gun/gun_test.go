package gun

import "testing"

type fakeDev struct {
	tick int32
	err  error
	n    int
}

func (d *fakeDev) StrobeGunTimestamp() (int32, error) {
	d.n++
	return d.tick, d.err
}

func TestTriggerIsOneShot(t *testing.T) {
	var h Handler
	h.Arm()
	dev := &fakeDev{tick: 0x01_02_03}

	if err := h.Trigger(dev); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if err := h.Trigger(dev); err != nil {
		t.Fatalf("second Trigger: %v", err)
	}
	if dev.n != 1 {
		t.Fatalf("expected exactly one IMU read, got %d", dev.n)
	}

	tick, fired := h.GunTick()
	if !fired || tick != 0x01_02_03 {
		t.Fatalf("got tick=%#x fired=%v", tick, fired)
	}
}

func TestGunTickUnfiredBeforeArm(t *testing.T) {
	var h Handler
	if _, fired := h.GunTick(); fired {
		t.Fatalf("unarmed handler must report not fired")
	}
	dev := &fakeDev{}
	if err := h.Trigger(dev); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if dev.n != 0 {
		t.Fatalf("Trigger on unarmed handler must not touch the device")
	}
}

func TestParsePolarity(t *testing.T) {
	if p, ok := ParsePolarity("NC"); !ok || p != NormallyClosed {
		t.Fatalf("NC mismatch")
	}
	if p, ok := ParsePolarity("NO"); !ok || p != NormallyOpen {
		t.Fatalf("NO mismatch")
	}
	if _, ok := ParsePolarity("XX"); ok {
		t.Fatalf("expected invalid polarity to be rejected")
	}
}
