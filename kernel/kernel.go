// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package kernel drives one accelerator kernel's register file: argument
// marshalling, start/wait sequencing and register access, dispatched across
// the hardware, simulation and emulation backends.
package kernel

import (
	"fmt"

	"vrt.dev/vrtrun/messenger"
	"vrt.dev/vrtrun/register"
	"vrt.dev/vrtrun/sysmap"
	"vrt.dev/vrtrun/vrterr"
	"vrt.dev/vrtrun/vrtlog"
)

// controlOffset is the fixed control register every kernel exposes at
// offset 0: bit 0 starts the kernel (self-clearing to 0 when done), bit 7
// enables autorestart.
const (
	controlOffset  = 0x00
	controlStart   = 0x01
	controlAuto    = 0x80 | controlStart
	controlRunning = 0x01
	controlDoneAP  = 0x81
)

// State is the kernel's run state machine.
type State int

const (
	Idle State = iota
	Marshalling
	Writing
	Started
	Running
	Done
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Marshalling:
		return "Marshalling"
	case Writing:
		return "Writing"
	case Started:
		return "Started"
	case Running:
		return "Running"
	case Done:
		return "Done"
	default:
		return "Unknown"
	}
}

// BarIO is the hardware backend's PCIe BAR access surface. device supplies
// an implementation backed by an mmap'd resource file.
type BarIO interface {
	ReadBar(offset uint64) (uint32, error)
	WriteBar(offset uint64, value uint32) error
	WriteBarRange(offset uint64, values []uint32) error
}

// Argument is a marshalled kernel call argument: a 32-bit scalar, a 64-bit
// scalar spanning two registers, or a device buffer address. Concrete types
// are produced by the Scalar32/Scalar64/BufferRef builders — this is the
// idiomatic replacement for the variadic-template argument packs the
// original calling convention used.
type Argument interface {
	isArgument()
}

type scalar32 uint32

func (scalar32) isArgument() {}

// Scalar32 builds a 32-bit scalar argument.
func Scalar32(v uint32) Argument { return scalar32(v) }

type scalar64 uint64

func (scalar64) isArgument() {}

// Scalar64 builds a 64-bit scalar argument, consuming a register pair.
func Scalar64(v uint64) Argument { return scalar64(v) }

type bufferRef uint64

func (bufferRef) isArgument() {}

// BufferRef builds an argument referencing a device buffer by its device
// address.
func BufferRef(addr uint64) Argument { return bufferRef(addr) }

// Kernel is one accelerator kernel's control interface, bound to exactly
// one of the hardware, simulation or emulation backends.
type Kernel struct {
	name      string
	baseAddr  uint64
	registers []register.Descriptor
	platform  sysmap.Platform

	bar BarIO
	msg *messenger.Messenger

	state  State
	cursor int
	// regValues accumulates writeBatch's pending register values, keyed by
	// offset, for the hardware backend.
	regValues map[uint64]uint32
}

// New builds a Kernel for name from its descriptor, bound to the hardware
// BAR interface bar (used when platform is Hardware) and the messenger msg
// (used for Simulation and Emulation). Either may be nil if the platform
// never uses it.
func New(name string, kd sysmap.KernelDescriptor, platform sysmap.Platform, bar BarIO, msg *messenger.Messenger) *Kernel {
	return &Kernel{
		name:      name,
		baseAddr:  kd.BaseAddr,
		registers: kd.Registers,
		platform:  platform,
		bar:       bar,
		msg:       msg,
		state:     Idle,
	}
}

// ReadReg reads a single register by offset, satisfying clkwiz.RegIO so a
// Kernel can drive its own clock wizard sub-block.
func (k *Kernel) ReadReg(offset uint32) (uint32, error) {
	return k.read(uint64(offset))
}

// WriteReg writes a single register by offset, satisfying clkwiz.RegIO.
func (k *Kernel) WriteReg(offset uint32, val uint32) error {
	return k.write(uint64(offset), val)
}

func (k *Kernel) write(offset uint64, value uint32) error {
	switch k.platform {
	case sysmap.Hardware:
		vrtlog.Get().Debugf("kernel %s: write offset=%#x value=%#x", k.name, offset, value)
		return k.bar.WriteBar(k.baseAddr+offset, value)
	case sysmap.Simulation:
		return k.msg.WriteReg(k.baseAddr+offset, value)
	case sysmap.Emulation:
		return vrterr.New(vrterr.Unsupported, "kernel.write", "direct register write has no emulation equivalent")
	default:
		return vrterr.New(vrterr.PlatformUnknown, "kernel.write", k.platform.String())
	}
}

func (k *Kernel) read(offset uint64) (uint32, error) {
	switch k.platform {
	case sysmap.Hardware:
		if offset != 0 {
			vrtlog.Get().Debugf("kernel %s: read offset=%#x", k.name, offset)
		}
		return k.bar.ReadBar(k.baseAddr + offset)
	case sysmap.Simulation:
		return k.msg.FetchScalar(k.baseAddr + offset)
	case sysmap.Emulation:
		return k.readEmulationScalar(offset)
	default:
		return 0, vrterr.New(vrterr.PlatformUnknown, "kernel.read", k.platform.String())
	}
}

// readEmulationScalar maps a register offset back to the argument index the
// emulator knows it by, mirroring the write-side register cursor.
func (k *Kernel) readEmulationScalar(offset uint64) (uint32, error) {
	argIdx := 0
	for i := 4; i < len(k.registers); argIdx++ {
		r := k.registers[i]
		if r.Is64Lo {
			i += 2
			continue
		}
		if r.Offset == offset {
			return k.msg.FetchScalarArg(k.name, argIdx)
		}
		i++
	}
	return 0, vrterr.New(vrterr.OutOfRange, "kernel.readEmulationScalar", fmt.Sprintf("no argument register at offset %#x", offset))
}

// Wait blocks until the kernel's control register reports done. Emulation
// calls are synchronous and never reach Running, so Wait is a no-op there.
func (k *Kernel) Wait() error {
	if k.platform == sysmap.Emulation {
		k.state = Done
		return nil
	}
	k.state = Running
	for {
		v, err := k.read(controlOffset)
		if err != nil {
			return err
		}
		if v != controlRunning && v != controlDoneAP {
			break
		}
	}
	k.state = Done
	return nil
}

func (k *Kernel) startHardwareOrSim(autorestart bool) error {
	v := uint32(controlStart)
	if autorestart {
		v = controlAuto
	}
	k.state = Started
	return k.write(controlOffset, v)
}

// writeBatch flushes the accumulated register values for a hardware call in
// a single ranged BAR write, covering every register from index 4 to the
// last configured register.
func (k *Kernel) writeBatch() error {
	if len(k.registers) <= 4 {
		return nil
	}
	first := k.registers[4].Offset
	last := k.registers[len(k.registers)-1]
	count := (last.Offset + 4 - first) / 4
	values := make([]uint32, count)
	for off, v := range k.regValues {
		values[(off-first)/4] = v
		vrtlog.Get().Debugf("kernel %s: batched reg at offset %#x value %#x", k.name, off, v)
	}
	k.state = Writing
	return k.bar.WriteBarRange(k.baseAddr+first, values)
}

// marshal walks args against the register file starting at index 4,
// pairing 64-bit scalars across two Is64Lo-flagged registers, and either
// stages them for a batched hardware write, writes them individually over
// the simulation messenger, or builds an emulation "call" command.
func (k *Kernel) marshal(args []Argument) (map[string]interface{}, error) {
	k.cursor = 4
	k.regValues = map[uint64]uint32{}
	var emuArgs map[string]interface{}
	if k.platform == sysmap.Emulation {
		emuArgs = map[string]interface{}{}
	}

	for idx, arg := range args {
		if k.cursor >= len(k.registers) {
			return nil, vrterr.New(vrterr.TooManyArguments, "kernel.marshal", fmt.Sprintf("%s: no register left for argument %d", k.name, idx))
		}
		r := k.registers[k.cursor]

		switch v := arg.(type) {
		case scalar64:
			if !r.Is64Lo {
				return nil, vrterr.New(vrterr.TooManyArguments, "kernel.marshal", fmt.Sprintf("%s: argument %d is 64-bit but register %q is not paired", k.name, idx, r.Name))
			}
			hi := k.registers[k.cursor+1]
			lo32, hi32 := uint32(v&0xFFFFFFFF), uint32(v>>32)
			if err := k.stageScalar(r.Offset, lo32, emuArgs, idx); err != nil {
				return nil, err
			}
			if err := k.stageScalar(hi.Offset, hi32, nil, idx); err != nil {
				return nil, err
			}
			k.cursor += 2
		case scalar32:
			if err := k.stageScalar(r.Offset, uint32(v), emuArgs, idx); err != nil {
				return nil, err
			}
			k.cursor++
		case bufferRef:
			if err := k.stageBuffer(r.Offset, uint64(v), emuArgs, idx); err != nil {
				return nil, err
			}
			if r.Is64Lo {
				k.cursor += 2
			} else {
				k.cursor++
			}
		}
	}

	if emuArgs == nil {
		return nil, nil
	}
	return map[string]interface{}{
		"command":  "call",
		"function": k.name,
		"args":     emuArgs,
	}, nil
}

func (k *Kernel) stageScalar(offset uint64, value uint32, emuArgs map[string]interface{}, argIdx int) error {
	switch k.platform {
	case sysmap.Hardware:
		k.regValues[offset] = value
		return nil
	case sysmap.Simulation:
		return k.write(offset, value)
	case sysmap.Emulation:
		// The high word of a 64-bit scalar passes a nil map: the argument
		// was already emitted whole on the low-word call.
		if emuArgs == nil {
			return nil
		}
		emuArgs[fmt.Sprintf("arg%d", argIdx)] = map[string]interface{}{
			"type":  "scalar",
			"value": value,
		}
		return nil
	}
	return vrterr.New(vrterr.PlatformUnknown, "kernel.stageScalar", k.platform.String())
}

func (k *Kernel) stageBuffer(offset uint64, addr uint64, emuArgs map[string]interface{}, argIdx int) error {
	switch k.platform {
	case sysmap.Hardware:
		k.regValues[offset] = uint32(addr & 0xFFFFFFFF)
		k.regValues[offset+4] = uint32(addr >> 32)
		return nil
	case sysmap.Simulation:
		if err := k.write(offset, uint32(addr&0xFFFFFFFF)); err != nil {
			return err
		}
		return k.write(offset+4, uint32(addr>>32))
	case sysmap.Emulation:
		emuArgs[fmt.Sprintf("arg%d", argIdx)] = map[string]interface{}{
			"type": "buffer",
			"name": fmt.Sprintf("%d", addr),
		}
		return nil
	}
	return vrterr.New(vrterr.PlatformUnknown, "kernel.stageBuffer", k.platform.String())
}

// dispatch marshals args and, for the hardware and simulation backends,
// kicks the kernel off; for emulation it sends the synthesized call command
// and blocks for the reply since the emulator executes calls synchronously.
func (k *Kernel) dispatch(args []Argument, autorestart bool) error {
	k.state = Marshalling
	cmd, err := k.marshal(args)
	if err != nil {
		return err
	}

	switch k.platform {
	case sysmap.Hardware:
		if err := k.writeBatch(); err != nil {
			return err
		}
		return k.startHardwareOrSim(autorestart)
	case sysmap.Simulation:
		return k.startHardwareOrSim(autorestart)
	case sysmap.Emulation:
		return k.msg.Call(cmd["function"].(string), cmd["args"].(map[string]interface{}))
	}
	return vrterr.New(vrterr.PlatformUnknown, "kernel.dispatch", k.platform.String())
}

// Call marshals args, runs the kernel to completion and blocks until done.
func (k *Kernel) Call(args ...Argument) error {
	if err := k.dispatch(args, false); err != nil {
		return err
	}
	return k.Wait()
}

// Start marshals args and kicks the kernel off without waiting.
func (k *Kernel) Start(args ...Argument) error {
	return k.dispatch(args, false)
}

// Name returns the kernel's name as declared in the system map.
func (k *Kernel) Name() string { return k.name }

// State returns the kernel's current run state.
func (k *Kernel) State() State { return k.state }
