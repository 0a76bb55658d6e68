//go:build tinygo && rp

package main

import (
	"startline.dev/board"
)

func main() {
	b := board.New()
	d := &dispatcher{
		sess: b.Session,
		arm:  func() error { b.ArmGunSensor(b.Session.Polarity()); return nil },
	}
	serve(b.Engine, d)
}
