// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package clkwiz drives a Xilinx Clocking Wizard dynamic reconfiguration
// port to retarget a kernel's output clock at runtime.
package clkwiz

import (
	"time"

	"vrt.dev/vrtrun/vrterr"
	"vrt.dev/vrtrun/vrtlog"
)

// Divisor search bounds, in the wizard's native units.
const (
	mMin = 4
	mMax = 432
	dMin = 1
	dMax = 123
	oMin = 2
	oMax = 511

	vcoMinHz = 2160 * mhz
	vcoMaxHz = 4320 * mhz
	mhz      = 1_000_000

	minErrHz = 50000
)

// Register offsets on the wizard's AXI-Lite control interface.
const (
	regStatus   = 0x004
	reg1        = 0x330
	reg2        = 0x334
	reg3        = 0x338
	reg4        = 0x33C
	reg11       = 0x378
	reg12       = 0x380
	reg13       = 0x384
	reg14       = 0x398
	reg15       = 0x39C
	reg16       = 0x3A0
	reg17       = 0x3A8
	reg25       = 0x3F0
	reg26       = 0x3FC
	regReconfig = 0x014

	reg1EdgeShift  = 8
	reg1EdgeMask   = 0x100
	clkfboutLMask  = 0xFF
	clkfboutHMask  = 0xFF00
	clkfboutHShift = 8
	edgeMask       = 1 << 10

	reg3Prediv2    = 1 << 11
	reg3Used       = 1 << 12
	reg3Mx         = 1 << 9
	reg1Prediv2    = 1 << 12
	reg1En         = 1 << 9
	reg1Mx         = 1 << 10
	reconfigLoad   = 1
	reconfigSaddr  = 2
	p5EnShift      = 13
	p5FEdgeShift   = 15
	reg12EdgeShift = 10

	lockBit = 1

	waitPollPeriod = 100 * time.Microsecond
	waitMaxPolls   = 1000
)

// RegIO is the narrow register access surface clkwiz needs out of a kernel's
// control interface; kernel.Kernel satisfies it.
type RegIO interface {
	ReadReg(offset uint32) (uint32, error)
	WriteReg(offset uint32, val uint32) error
}

// ClkWiz drives the dynamic reconfiguration port of one Clocking Wizard
// instance. Its state (m, d, o) reflects the last divisors written, not
// necessarily the divisors currently locked by the hardware.
type ClkWiz struct {
	io      RegIO
	refHz   uint64
	maxHz   uint64
	m, d, o uint32
}

// New creates a ClkWiz driven through io, referenced to a 100MHz input clock,
// clamping requested rates above maxHz down to maxHz.
func New(io RegIO, maxHz uint64) *ClkWiz {
	return &ClkWiz{io: io, refHz: 100 * mhz, maxHz: maxHz}
}

// calculateDivisors searches (M, D, O) in that nested order, within the VCO
// frequency band, and keeps the first integer triple whose output is within
// minErrHz of rateHz; it does not look for a closer triple after that.
func (c *ClkWiz) calculateDivisors(rateHz uint64) {
	for m := uint32(mMin); m <= mMax; m++ {
		for d := uint32(dMin); d <= dMax; d++ {
			fvco := c.refHz * uint64(m) / uint64(d)
			if fvco < vcoMinHz || fvco > vcoMaxHz {
				continue
			}
			for o := uint32(oMin); o <= oMax; o++ {
				freq := fvco / uint64(o)
				var diff uint64
				if freq > rateHz {
					diff = freq - rateHz
				} else {
					diff = rateHz - freq
				}
				if diff < minErrHz {
					c.m, c.d, c.o = m, d, o
					vrtlog.Get().Debugf("clkwiz: M=%d D=%d O=%d", m, d, o)
					return
				}
			}
		}
	}
}

func (c *ClkWiz) updateO() error {
	o := c.o
	if o > oMax {
		o = oMax
	}
	highTime := o / 4
	reg := uint32(reg3Prediv2 | reg3Used | reg3Mx)
	var divEdge uint32
	if o%4 > 1 {
		divEdge = 1
	}
	reg |= divEdge << 8
	p5 := o % 2
	reg |= p5<<p5EnShift | p5<<p5FEdgeShift
	if err := c.io.WriteReg(reg3, reg); err != nil {
		return err
	}
	reg = highTime | highTime<<8
	return c.io.WriteReg(reg3+4, reg)
}

func (c *ClkWiz) updateD() error {
	highTime := c.d / 2
	reg := (c.d % 2) << reg12EdgeShift
	if err := c.io.WriteReg(reg12, reg); err != nil {
		return err
	}
	reg = highTime | highTime<<8
	return c.io.WriteReg(reg13, reg)
}

func (c *ClkWiz) updateM() error {
	if err := c.io.WriteReg(reg25, 0); err != nil {
		return err
	}
	highTime := c.m / 2
	if err := c.io.WriteReg(reg2, highTime|highTime<<8); err != nil {
		return err
	}
	reg := uint32(reg1Prediv2 | reg1En | reg1Mx)
	if c.m%2 != 0 {
		reg |= 1 << reg1EdgeShift
	}
	return c.io.WriteReg(reg1, reg)
}

// magicBurst writes the fixed register values the wizard's dynamic
// reconfiguration sequence requires regardless of the target divisors.
func (c *ClkWiz) magicBurst() error {
	writes := []struct {
		off uint32
		val uint32
	}{
		{reg11, 0x2e},
		{reg14, 0xe80},
		{reg15, 0x4271},
		{reg16, 0x43e9},
		{reg17, 0x001C},
		{reg26, 0x0001},
	}
	for _, w := range writes {
		if err := c.io.WriteReg(w.off, w.val); err != nil {
			return err
		}
	}
	return nil
}

func (c *ClkWiz) waitForLock() error {
	for i := 0; i < waitMaxPolls; i++ {
		v, err := c.io.ReadReg(reg4)
		if err != nil {
			return err
		}
		if v&lockBit != 0 {
			return nil
		}
		time.Sleep(waitPollPeriod)
	}
	return vrterr.New(vrterr.ClockNotLocked, "clkwiz.waitForLock", "clock did not lock within 1000 polls")
}

// SetRateHz retargets the wizard's output to rateHz, clamping to the
// kernel's configured maximum rate. It blocks until the wizard reports lock
// or the poll budget is exhausted.
func (c *ClkWiz) SetRateHz(rateHz uint64) error {
	if rateHz > c.maxHz {
		vrtlog.Get().Warnf("clkwiz: requested rate %d exceeds max %d, clamping", rateHz, c.maxHz)
		rateHz = c.maxHz
	}

	if err := c.io.WriteReg(reg25, 0); err != nil {
		return err
	}
	c.calculateDivisors(rateHz)
	if c.m == 0 {
		return vrterr.New(vrterr.Unsupported, "clkwiz.SetRateHz", "no (M,D,O) triple approximates the requested rate")
	}
	if err := c.updateO(); err != nil {
		return err
	}
	if err := c.updateD(); err != nil {
		return err
	}
	if err := c.updateM(); err != nil {
		return err
	}
	if err := c.magicBurst(); err != nil {
		return err
	}
	if err := c.io.WriteReg(regReconfig, reconfigLoad|reconfigSaddr); err != nil {
		return err
	}
	return c.waitForLock()
}
