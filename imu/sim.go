package imu

import "errors"

// Simulator is a goroutine-backed fake ICM-42688 satisfying Bus, for
// host-side testing without real SPI hardware.
type Simulator struct {
	close chan struct{}
	in    chan simRequest
	out   chan simResult
}

type simRequest struct {
	w, r []byte
}

type simResult struct {
	err error
}

// NewSimulator returns a running Simulator. WHO_AM_I is pre-seeded so
// Reset succeeds without further setup.
func NewSimulator() *Simulator {
	s := &Simulator{
		close: make(chan struct{}),
		in:    make(chan simRequest),
		out:   make(chan simResult),
	}
	go s.run()
	return s
}

type simState struct {
	regs       [3][128]byte
	bank       byte
	pendingReg byte
	pendingSet bool
	fifo       []byte
}

func (s *Simulator) run() {
	st := &simState{}
	st.regs[0][regWhoAmI] = whoAmIID
	for {
		select {
		case <-s.close:
			s.close <- struct{}{}
			return
		case req := <-s.in:
			handled, err := st.applyTestHelper(req.w, req.r)
			if !handled {
				err = st.apply(req.w, req.r)
			}
			s.out <- simResult{err}
		}
	}
}

func (st *simState) apply(w, r []byte) error {
	switch {
	case len(w) == 2 && r == nil:
		// WriteReg.
		reg, val := w[0]&0x7F, w[1]
		if reg == regBankSelect {
			st.bank = val & 0x07
			return nil
		}
		st.regs[st.bank][reg] = val
		st.pendingSet = false
		return nil
	case len(w) == 2 && r != nil:
		// ReadReg: r aliases w, r[1] carries the result out.
		reg := w[0] &^ readBit
		r[1] = st.regs[st.bank][reg]
		st.pendingSet = false
		return nil
	case len(w) == 1 && r == nil:
		// ReadBlock address phase.
		st.pendingReg = w[0] &^ readBit
		st.pendingSet = true
		return nil
	case w == nil && r != nil:
		if !st.pendingSet {
			return errors.New("imu: block read with no pending address")
		}
		if st.pendingReg == regFIFOData {
			n := copy(r, st.fifo)
			st.fifo = st.fifo[n:]
			for ; n < len(r); n++ {
				r[n] = 0
			}
			st.updateFIFOCountReg()
			return nil
		}
		for i := range r {
			r[i] = st.regs[st.bank][int(st.pendingReg)+i]
		}
		return nil
	default:
		return errors.New("imu: malformed simulator transaction")
	}
}

func (st *simState) updateFIFOCountReg() {
	n := len(st.fifo)
	st.regs[0][regFIFOCountHi] = byte(n >> 8)
	st.regs[0][regFIFOCountLo] = byte(n)
}

// Tx implements Bus.
func (s *Simulator) Tx(w, r []byte) error {
	s.in <- simRequest{w, r}
	res := <-s.out
	return res.err
}

// PushFIFO appends raw FIFO record bytes (must be a multiple of
// FIFORecordBytes) available to the next drain.
func (s *Simulator) PushFIFO(records []byte) {
	s.in <- simRequest{w: fifoPushMarker, r: records}
	<-s.out
}

// SetBankRegister directly seeds a register in a given bank, for
// tests that need to stage e.g. the gun timestamp registers.
func (s *Simulator) SetBankRegister(bank, reg, val byte) {
	s.in <- simRequest{w: bankSetMarker, r: []byte{bank, reg, val}}
	<-s.out
}

// Close stops the simulator goroutine.
func (s *Simulator) Close() error {
	s.close <- struct{}{}
	<-s.close
	return nil
}

// fifoPushMarker and bankSetMarker are sentinel w-slices recognized by
// applyTestHelper via identity, letting test helpers reuse the same request
// channel without growing the Bus interface.
var (
	fifoPushMarker = []byte{0xF1, 0xF0}
	bankSetMarker  = []byte{0xB5, 0xE7}
)

func (st *simState) applyTestHelper(w, r []byte) (bool, error) {
	switch {
	case len(w) == 2 && &w[0] == &fifoPushMarker[0]:
		st.fifo = append(st.fifo, r...)
		st.updateFIFOCountReg()
		return true, nil
	case len(w) == 2 && &w[0] == &bankSetMarker[0]:
		st.regs[r[0]][r[1]] = r[2]
		return true, nil
	}
	return false, nil
}
