//go:build !tinygo

// Bench entry point: runs the same dispatch loop against a simulated
// IMU and a loopback serial pair instead of real hardware, the way the
// controller command's debug build swaps in mjolnir.NewSimulator for
// the engraver.
package main

import (
	"flag"
	"log"

	"startline.dev/imu"
	"startline.dev/proto"
	"startline.dev/session"
)

var blockID = flag.Int("id", 1, "simulated block id")

type noopOut struct{}

func (noopOut) Set(bool) {}

type noopIn struct{}

func (noopIn) Get() bool { return false }

// loopback is the bench transport: an input byte channel the engine
// polls and an output channel that receives each written frame. main
// does not connect either channel to anything else.
type loopback struct {
	in  chan byte
	out chan []byte
}

func (l *loopback) ReadByte() (byte, bool, error) {
	select {
	case b := <-l.in:
		return b, true, nil
	default:
		return 0, false, nil
	}
}

func (l *loopback) Write(p []byte) (int, error) {
	cp := append([]byte(nil), p...)
	l.out <- cp
	return len(p), nil
}

func (l *loopback) TxDone() bool { return true }

func main() {
	flag.Parse()

	sim := imu.NewSimulator()
	defer sim.Close()
	dev := imu.New(sim, noopOut{})
	sess := session.New(dev, noopOut{}, noopIn{}, nil)

	lb := &loopback{in: make(chan byte, 4096), out: make(chan []byte, 64)}
	engine := &proto.Engine{
		BlockID:  byte(*blockID),
		Src:      lb,
		Tx:       lb,
		TxEnable: noopOut{},
		Clock:    session.RealClock,
	}

	d := &dispatcher{sess: sess}

	log.Printf("block: simulated block %d ready", *blockID)
	serve(engine, d)
}
