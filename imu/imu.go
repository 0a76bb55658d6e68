// Package imu drives an ICM-42688 accelerometer/gyroscope over a
// register-oriented SPI bus: bank switching, single-register and
// block reads, and the ARM-time configuration sequence that locks the
// FIFO to the timing and format the drain procedure expects.
package imu

import (
	"errors"
	"fmt"
	"time"
)

// Bus is the minimal SPI transaction the driver needs. machine.SPI0
// satisfies it directly on target; Simulator satisfies it for tests.
type Bus interface {
	Tx(w, r []byte) error
}

// ChipSelect is the single GPIO line the driver toggles around each
// transaction. machine.Pin satisfies it directly on target.
type ChipSelect interface {
	Set(high bool)
}

// Device is an ICM-42688 on a dedicated SPI bus and chip-select line.
type Device struct {
	bus     Bus
	cs      ChipSelect
	scratch [258]byte // header byte + up to a 256-byte FIFO chunk
}

// New returns a Device ready to Reset and Setup.
func New(bus Bus, cs ChipSelect) *Device {
	return &Device{bus: bus, cs: cs}
}

const (
	regBankSelect    = 0x76
	regPwrMgmt0      = 0x4E
	regDeviceConfig  = 0x11
	regWhoAmI        = 0x75
	regGyroConfig0   = 0x4F
	regAccelConfig0  = 0x50
	regAccelConfig1  = 0x53
	regGyroAccelCfg0 = 0x52
	regFIFOConfig    = 0x16
	regFIFOConfig1   = 0x5F
	regFIFOConfig2   = 0x60
	regFIFOConfig3   = 0x61
	regTMSTConfig    = 0x54
	regIntfConfig0   = 0x4C
	regIntConfig0    = 0x63
	regIntConfig     = 0x14
	regIntConfig1    = 0x64
	regIntSource0    = 0x65
	regAccelCfgStat2 = 0x03 // bank 2
	regPin9Function  = 0x7B // bank 1
	regIntfConfig1   = 0x4D
	regSignalPathRst = 0x4B
	regFIFOData      = 0x30
	regFIFOCountHi   = 0x2E
	regFIFOCountLo   = 0x2F
	regIntStatus     = 0x2D
	regFIFOLostPktHi = 0x6D
	regFIFOLostPktLo = 0x6C
	regTimestamp     = 0x62 // bank 1, 3 bytes lo/mid/hi

	readBit = 0x80

	whoAmIID = 0x47 // ICM-42688-P

	// FIFORecordBytes is the size of one FIFO record: a 1-byte header
	// plus accel/gyro/temp/timestamp fields.
	FIFORecordBytes = 16
)

var ErrWhoAmI = errors.New("imu: unexpected WHO_AM_I value")

// ReadReg reads a single register.
func (d *Device) ReadReg(reg byte) (byte, error) {
	w := d.scratch[:2]
	w[0] = reg | readBit
	w[1] = 0
	if err := d.transact(w, w); err != nil {
		return 0, fmt.Errorf("imu: %w", err)
	}
	return w[1], nil
}

// WriteReg writes a single register.
func (d *Device) WriteReg(reg, val byte) error {
	w := d.scratch[:2]
	w[0] = reg &^ readBit
	w[1] = val
	if err := d.transact(w, nil); err != nil {
		return fmt.Errorf("imu: %w", err)
	}
	return nil
}

// ReadBlock reads len(into) bytes starting at reg directly into the
// caller's buffer, the fast path used by FIFO drain.
func (d *Device) ReadBlock(reg byte, into []byte) error {
	d.cs.Set(false)
	defer d.cs.Set(true)
	header := d.scratch[:1]
	header[0] = reg | readBit
	if err := d.bus.Tx(header, nil); err != nil {
		return fmt.Errorf("imu: %w", err)
	}
	if err := d.bus.Tx(nil, into); err != nil {
		return fmt.Errorf("imu: %w", err)
	}
	return nil
}

// transact performs a chip-select-bracketed half-duplex exchange where
// w and r may alias the same buffer (full-duplex style, as a real SPI
// peripheral would do it).
func (d *Device) transact(w, r []byte) error {
	d.cs.Set(false)
	defer d.cs.Set(true)
	return d.bus.Tx(w, r)
}

// SetBank selects one of the ICM-42688's three register banks.
func (d *Device) SetBank(bank byte) error {
	if err := d.WriteReg(regBankSelect, bank&0x07); err != nil {
		return err
	}
	time.Sleep(10 * time.Microsecond)
	return nil
}

// Reset performs the power-up register reset and confirms WHO_AM_I.
func (d *Device) Reset() error {
	if err := d.SetBank(0); err != nil {
		return err
	}
	if err := d.WriteReg(regPwrMgmt0, 0x00); err != nil {
		return err
	}
	cfg, err := d.ReadReg(regDeviceConfig)
	if err != nil {
		return err
	}
	if err := d.WriteReg(regDeviceConfig, cfg^0x01); err != nil {
		return err
	}
	time.Sleep(10 * time.Millisecond)
	id, err := d.ReadReg(regWhoAmI)
	if err != nil {
		return err
	}
	if id != whoAmIID {
		return fmt.Errorf("imu: %w: got %#x want %#x", ErrWhoAmI, id, whoAmIID)
	}
	return nil
}

// Setup runs the ARM-time configuration sequence: 2kHz ODR on both
// accel and gyro, first-order filters with anti-aliasing disabled,
// FIFO streaming with a header byte and a ~512-byte watermark, 16-bit
// FIFO timestamps locked to an external CLKIN, latched active-high
// interrupt 1 sourced from the FIFO-threshold bit, then a residual
// FIFO drain.
func (d *Device) Setup() error {
	if err := d.Reset(); err != nil {
		return err
	}
	writes := []struct{ reg, val byte }{
		{regGyroConfig0, 0b00000101},
		{regAccelConfig0, 0b00000101},
		{regAccelConfig1, 0b00000101},
		{regGyroAccelCfg0, 0b00010000},
		{regFIFOConfig, 0b01000000},
		{regFIFOConfig1, 0b00001111},
		{regFIFOConfig2, 0x00},
		{regFIFOConfig3, 0x02},
		{regTMSTConfig, 0b00111001},
		{regIntfConfig0, 0b00110011},
		{regIntConfig0, 0b00000100},
		{regIntConfig, 0b00000111},
		{regIntConfig1, 0b00000000},
		{regIntSource0, 0b00000100},
	}
	for _, w := range writes {
		if err := d.WriteReg(w.reg, w.val); err != nil {
			return err
		}
	}
	if err := d.SetBank(2); err != nil {
		return err
	}
	if err := d.WriteReg(regAccelCfgStat2, 0b00110001); err != nil {
		return err
	}
	if err := d.SetBank(1); err != nil {
		return err
	}
	if err := d.WriteReg(regPin9Function, 0b00000100); err != nil {
		return err
	}
	if err := d.SetBank(0); err != nil {
		return err
	}
	if err := d.WriteReg(regIntfConfig1, 0b10010100); err != nil {
		return err
	}
	if err := d.WriteReg(regSignalPathRst, 0b00000010); err != nil {
		return err
	}
	drain := make([]byte, 2064)
	return d.ReadBlock(regFIFOData, drain)
}

// FIFOCount returns the number of bytes currently buffered in the FIFO.
func (d *Device) FIFOCount() (int, error) {
	hi, err := d.ReadReg(regFIFOCountHi)
	if err != nil {
		return 0, err
	}
	lo, err := d.ReadReg(regFIFOCountLo)
	if err != nil {
		return 0, err
	}
	return int(hi)<<8 | int(lo), nil
}

// DrainFIFO reads count bytes (rounded down to a whole number of
// records by the caller) from the FIFO directly into into.
func (d *Device) DrainFIFO(into []byte) error {
	return d.ReadBlock(regFIFOData, into)
}

// ClearIntStatus reads the interrupt-status register, clearing the
// latched FIFO-threshold interrupt.
func (d *Device) ClearIntStatus() error {
	_, err := d.ReadReg(regIntStatus)
	return err
}

// LostPacketTotal reads the IMU's cumulative FIFO-overflow packet
// loss counter.
func (d *Device) LostPacketTotal() (int, error) {
	hi, err := d.ReadReg(regFIFOLostPktHi)
	if err != nil {
		return 0, err
	}
	lo, err := d.ReadReg(regFIFOLostPktLo)
	if err != nil {
		return 0, err
	}
	return int(hi)<<8 | int(lo), nil
}

// SetSensorsEnabled enables or disables the accelerometer and
// gyroscope via the power-management register.
func (d *Device) SetSensorsEnabled(enabled bool) error {
	if enabled {
		return d.WriteReg(regPwrMgmt0, 0b00000011)
	}
	return d.WriteReg(regPwrMgmt0, 0x00)
}

// StrobeGunTimestamp strobes the signal-path-reset timestamp-latch bit
// and reads back the 3-byte (lo, mid, hi) gun tick from bank 1, per
// §4.5's gun edge capture sequence.
func (d *Device) StrobeGunTimestamp() (tick int32, err error) {
	if err := d.WriteReg(regSignalPathRst, 0b00000100); err != nil {
		return 0, err
	}
	if err := d.SetBank(1); err != nil {
		return 0, err
	}
	buf := d.scratch[:3]
	if err := d.ReadBlock(regTimestamp, buf); err != nil {
		return 0, err
	}
	lo, mid, hi := buf[0], buf[1], buf[2]
	if err := d.SetBank(0); err != nil {
		return 0, err
	}
	return int32(hi)<<16 | int32(mid)<<8 | int32(lo), nil
}
