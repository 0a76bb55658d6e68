// command blockctl is a host-side tool for talking to a false-start
// detector block over its RS-485 bus, the way the driver/mjolnir
// command-line tools talk to the engraver.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	serial "github.com/daedaluz/goserial"

	"startline.dev/proto"
)

var (
	device  = flag.String("device", "/dev/ttyUSB0", "serial device")
	blockID = flag.Int("id", 1, "target block id, or 0x99 to broadcast")
	baud    = flag.Uint("baud", 1_000_000, "bus baud rate")
	timeout = flag.Int64("timeout-ms", 200, "reply timeout in milliseconds")
)

func main() {
	flag.Parse()
	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: blockctl [flags] ping|arm|set|dump|gender=M|F|sensor=NC|NO|report")
		os.Exit(2)
	}
	cmd := flag.Arg(0)

	port, err := openPort(*device, uint32(*baud))
	if err != nil {
		fmt.Fprintf(os.Stderr, "blockctl: %v\n", err)
		os.Exit(1)
	}
	defer port.Close()

	c := &client{port: port, id: byte(*blockID)}
	if err := c.run(cmd); err != nil {
		fmt.Fprintf(os.Stderr, "blockctl: %v\n", err)
		os.Exit(1)
	}
}

func openPort(dev string, baud uint32) (*serial.Port, error) {
	p, err := serial.Open(dev, serial.NewOptions().SetReadTimeout(50*time.Millisecond))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dev, err)
	}
	attrs, err := p.GetAttr2()
	if err != nil {
		p.Close()
		return nil, err
	}
	attrs.MakeRaw()
	attrs.SetCustomSpeed(baud)
	if err := p.SetAttr2(serial.TCSANOW, attrs); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// portClock reads wall-clock milliseconds for ReadFrame's timeout.
type portClock struct{}

func (portClock) NowMillis() int64 { return time.Now().UnixMilli() }

// portSource adapts *serial.Port's blocking-with-read-timeout Read
// into proto.ByteSource's single non-blocking byte poll.
type portSource struct {
	port *serial.Port
	buf  [256]byte
	n    int
	pos  int
}

func (s *portSource) ReadByte() (byte, bool, error) {
	if s.pos >= s.n {
		n, err := s.port.Read(s.buf[:])
		if err != nil {
			return 0, false, nil
		}
		s.n, s.pos = n, 0
		if n == 0 {
			return 0, false, nil
		}
	}
	b := s.buf[s.pos]
	s.pos++
	return b, true, nil
}

// portSink implements proto.Transmitter over a port with no hardware
// tx-done signal: the serial write itself is synchronous.
type portSink struct{ port *serial.Port }

func (s portSink) Write(p []byte) (int, error) { return s.port.Write(p) }
func (s portSink) TxDone() bool                { return true }

type noTxEnable struct{}

func (noTxEnable) Set(bool) {}

type client struct {
	port *serial.Port
	id   byte
}

func (c *client) request(cmd byte, payload []byte) (proto.Frame, error) {
	f := proto.Frame{ID: c.id, Cmd: cmd, Payload: payload}
	if err := proto.WriteFrame(portSink{c.port}, noTxEnable{}, f); err != nil {
		return proto.Frame{}, err
	}
	if c.id == proto.BroadcastID {
		return proto.Frame{}, nil
	}
	return proto.ReadFrame(&portSource{port: c.port}, portClock{}, *timeout)
}

func (c *client) run(cmd string) error {
	switch {
	case cmd == "ping":
		_, err := c.request(proto.CmdPing, nil)
		return err
	case cmd == "arm":
		_, err := c.request(proto.CmdArm, nil)
		return err
	case cmd == "set":
		_, err := c.request(proto.CmdSet, nil)
		return err
	case cmd == "dump":
		return c.dump()
	case cmd == "report":
		return c.report()
	case len(cmd) > len("gender=") && cmd[:len("gender=")] == "gender=":
		_, err := c.request(proto.CmdSetGender, []byte{cmd[len("gender="):][0]})
		return err
	case len(cmd) > len("sensor=") && cmd[:len("sensor=")] == "sensor=":
		_, err := c.request(proto.CmdSetSensor, []byte(cmd[len("sensor="):]))
		return err
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (c *client) dump() error {
	if err := proto.WriteFrame(portSink{c.port}, noTxEnable{}, proto.Frame{ID: c.id, Cmd: proto.CmdDump}); err != nil {
		return err
	}
	src := &portSource{port: c.port}
	for {
		frame, err := proto.ReadFrame(src, portClock{}, *timeout)
		if err != nil {
			return err
		}
		if len(frame.Payload) == 0 {
			return nil
		}
		if _, err := os.Stdout.Write(frame.Payload); err != nil {
			return err
		}
	}
}

func (c *client) report() error {
	frame, err := c.request(proto.CmdSendRTReport, nil)
	if err != nil {
		return err
	}
	if len(frame.Payload) < 2 {
		return fmt.Errorf("short report payload")
	}
	status := string(frame.Payload[:2])
	if len(frame.Payload) >= 5 {
		u := uint32(frame.Payload[2])<<16 | uint32(frame.Payload[3])<<8 | uint32(frame.Payload[4])
		if u&0x800000 != 0 {
			u |= 0xFF000000 // sign-extend the 24-bit two's-complement value
		}
		micros := int32(u)
		fmt.Printf("%s %dus\n", status, micros)
		return nil
	}
	fmt.Println(status)
	return nil
}
