package imu

import "testing"

type fakeCS struct{ held bool }

func (c *fakeCS) Set(high bool) { c.held = !high }

func TestResetAndSetup(t *testing.T) {
	sim := NewSimulator()
	defer sim.Close()
	dev := New(sim, &fakeCS{})
	if err := dev.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if err := dev.Setup(); err != nil {
		t.Fatalf("Setup: %v", err)
	}
}

func TestFIFOCountAndDrain(t *testing.T) {
	sim := NewSimulator()
	defer sim.Close()
	dev := New(sim, &fakeCS{})
	if err := dev.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	record := make([]byte, FIFORecordBytes)
	record[1], record[2] = 0x00, 0x10 // X axis raw = 0x0010
	sim.PushFIFO(append(append([]byte{}, record...), record...))

	n, err := dev.FIFOCount()
	if err != nil {
		t.Fatalf("FIFOCount: %v", err)
	}
	if n != 2*FIFORecordBytes {
		t.Fatalf("got %d want %d", n, 2*FIFORecordBytes)
	}

	into := make([]byte, 2*FIFORecordBytes)
	if err := dev.DrainFIFO(into); err != nil {
		t.Fatalf("DrainFIFO: %v", err)
	}
	if into[1] != 0x00 || into[2] != 0x10 {
		t.Fatalf("unexpected sample bytes: %v", into[:3])
	}

	n, err = dev.FIFOCount()
	if err != nil {
		t.Fatalf("FIFOCount after drain: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected empty FIFO after drain, got %d", n)
	}
}

func TestStrobeGunTimestamp(t *testing.T) {
	sim := NewSimulator()
	defer sim.Close()
	dev := New(sim, &fakeCS{})
	if err := dev.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	sim.SetBankRegister(1, regTimestamp, 0x34)
	sim.SetBankRegister(1, regTimestamp+1, 0x12)
	sim.SetBankRegister(1, regTimestamp+2, 0x01)

	got, err := dev.StrobeGunTimestamp()
	if err != nil {
		t.Fatalf("StrobeGunTimestamp: %v", err)
	}
	want := int32(0x01)<<16 | int32(0x12)<<8 | int32(0x34)
	if got != want {
		t.Fatalf("got %#x want %#x", got, want)
	}
}
