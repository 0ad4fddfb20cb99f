// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package device implements the accelerator lifecycle: bundle extraction,
// UUID reconciliation, fabric programming and boot, the PCIe hot-plug dance,
// DMA queue setup, system-map parsing and clock programming, dispatched over
// the hardware, simulation and emulation backends.
//
// A Device exclusively owns every resource below it: the management handle,
// the messenger, the DMA interfaces, the per-BDF advisory lock and, on the
// simulation and emulation paths, the backend child process.
package device

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"vrt.dev/vrtrun/bdf"
	"vrt.dev/vrtrun/buffer"
	"vrt.dev/vrtrun/bundle"
	"vrt.dev/vrtrun/clkwiz"
	"vrt.dev/vrtrun/fscache"
	"vrt.dev/vrtrun/kernel"
	"vrt.dev/vrtrun/memregion"
	"vrt.dev/vrtrun/messenger"
	"vrt.dev/vrtrun/pciehotplug"
	"vrt.dev/vrtrun/qdmaintf"
	"vrt.dev/vrtrun/sysmap"
	"vrt.dev/vrtrun/vrterr"
	"vrt.dev/vrtrun/vrtlog"
)

// ProgramType selects how a flat bundle's PDI reaches the fabric.
type ProgramType int

const (
	// Flash downloads the PDI to flash and reboots into it.
	Flash ProgramType = iota
	// JTAG programs the fabric through the external JTAG script.
	JTAG
)

// External collaborators invoked by shell. Overridable for tests.
var (
	jtagProgramScript = "/usr/local/vrt/jtag_program.sh"
	queueSetupScript  = "/usr/local/vrt/setup_queues.sh"
)

// Boot-sequence delays. The hot-plug driver gives no acknowledgement, so
// the lifecycle inserts fixed settle times between commands.
var (
	delayAfterRemove = time.Millisecond
	delayAfterSBR    = 5 * time.Second
	delayPartialBoot = 4 * time.Second
)

// hotplugSender is the slice of pciehotplug.Handler the lifecycle drives;
// tests substitute a recorder to capture the command stream.
type hotplugSender interface {
	Send(cmd pciehotplug.Command) error
}

// shellOut runs argv and returns its combined output, propagating a
// non-zero exit as the error. Overridable for tests.
var shellOut = func(argv []string) (string, error) {
	out, err := exec.Command(argv[0], argv[1:]...).CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// Options tunes Device construction.
type Options struct {
	// ProgramType selects flash or JTAG programming for flat bundles.
	ProgramType ProgramType
	// SkipProgram leaves the fabric as-is even on a UUID mismatch.
	SkipProgram bool
	// LogPath, when set, points the process-wide logger at a file for the
	// Device's lifetime.
	LogPath string
}

// Device is one accelerator card, keyed by BDF, bound to one extracted
// bundle. One Device per process per BDF is the only supported model,
// enforced by an exclusive advisory lock on a per-BDF lock file.
type Device struct {
	bdf         bdf.BDF
	bundle      *bundle.Bundle
	platform    sysmap.Platform
	programType ProgramType

	sm      *sysmap.SystemMap
	alloc   *memregion.Allocator
	kernels map[string]*kernel.Kernel

	ami     amiIO
	hotplug hotplugSender
	qdmaMM  *qdmaintf.Intf
	// qdmaStreams maps queue id to its streaming DMA interface.
	qdmaStreams map[int]*qdmaintf.Intf

	msg        *messenger.Messenger
	socketPath string
	child      *exec.Cmd

	clk     *clkwiz.ClkWiz
	clockHz uint64

	lockFile *os.File
	logFile  *os.File
}

// Open constructs a Device for bdfStr bound to the bundle archive at
// bundlePath, with default options (flash programming).
func Open(bdfStr, bundlePath string) (*Device, error) {
	return OpenWith(bdfStr, bundlePath, Options{})
}

// OpenWith constructs a Device with explicit options. Construction runs the
// full lifecycle: exclusive-access lock, bundle extraction, UUID
// reconciliation, programming and boot when needed, queue setup, system-map
// parse and clock programming — or, for simulation and emulation, spawning
// the backend child process instead.
func OpenWith(bdfStr, bundlePath string, opts Options) (*Device, error) {
	b, err := bdf.Parse(bdfStr)
	if err != nil {
		return nil, vrterr.Wrap(vrterr.HardwareNotFound, "device.Open", bdfStr, err)
	}

	d := &Device{
		bdf:         b,
		programType: opts.ProgramType,
		alloc:       memregion.New(memregion.DefaultSuperblockSize),
		kernels:     map[string]*kernel.Kernel{},
		qdmaStreams: map[int]*qdmaintf.Intf{},
		socketPath:  filepath.Join(fscache.RuntimeDir(), fmt.Sprintf("vrt_msg_%s.sock", b)),
	}

	if opts.LogPath != "" {
		f, err := vrtlog.ToFile(opts.LogPath)
		if err != nil {
			return nil, vrterr.Wrap(vrterr.IoError, "device.Open", opts.LogPath, err)
		}
		d.logFile = f
	}

	if err := d.lock(); err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			d.unlock()
		}
	}()

	d.bundle, err = bundle.Open(bundlePath, b)
	if err != nil {
		return nil, err
	}
	d.platform = d.bundle.Platform

	switch d.platform {
	case sysmap.Hardware:
		err = d.openHardware(opts)
	case sysmap.Simulation:
		err = d.openBackend(d.bundle.SimulationExec, true)
	case sysmap.Emulation:
		err = d.openBackend(d.bundle.EmulationExec, false)
	default:
		err = vrterr.New(vrterr.PlatformUnknown, "device.Open", d.platform.String())
	}
	if err != nil {
		return nil, err
	}
	ok = true
	return d, nil
}

// lock takes the exclusive, non-blocking per-BDF advisory lock; a lock held
// by another process surfaces as DeviceBusy before any device I/O happens.
func (d *Device) lock() error {
	dir := fscache.RuntimeDir()
	if err := fscache.EnsureDir(dir); err != nil {
		return vrterr.Wrap(vrterr.DeviceBusy, "device.lock", dir, err)
	}
	path := filepath.Join(dir, d.bdf.LockFileName())
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o666)
	if err != nil {
		return vrterr.Wrap(vrterr.DeviceBusy, "device.lock", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return vrterr.Wrap(vrterr.DeviceBusy, "device.lock", fmt.Sprintf("device %s locked by another instance", d.bdf), err)
	}
	d.lockFile = f
	return nil
}

func (d *Device) unlock() {
	if d.lockFile == nil {
		return
	}
	_ = unix.Flock(int(d.lockFile.Fd()), unix.LOCK_UN)
	d.lockFile.Close()
	d.lockFile = nil
}

// openHardware runs the hardware-only portion of the lifecycle.
func (d *Device) openHardware(opts Options) error {
	ami, err := openAmi(d.bdf)
	if err != nil {
		return err
	}
	d.ami = ami
	d.hotplug, err = pciehotplug.New(d.bdf)
	if err != nil {
		return err
	}
	if !opts.SkipProgram {
		if err := d.programAndBoot(); err != nil {
			return err
		}
	}
	if err := d.parseSystemMap(); err != nil {
		return err
	}
	d.qdmaMM = qdmaintf.OpenMM(d.bdf.Bus())
	for _, conn := range d.sm.Qdma {
		d.qdmaStreams[conn.Qid] = qdmaintf.OpenStream(d.bdf.Bus(), conn.Qid)
	}
	d.clk = clkwiz.New(&barReg{io: d.ami, base: clkWizBase}, d.clockHz)
	if err := d.clk.SetRateHz(d.clockHz); err != nil {
		return err
	}
	vrtlog.Get().WithField("bdf", d.bdf).Infof("clock programmed to %d Hz", d.clockHz)
	return nil
}

// openBackend spawns the simulation or emulation executable as an owned
// child process, dials the messenger once its socket appears, and parses
// the system map. withStart additionally sends the simulator's start
// command.
func (d *Device) openBackend(execPath string, withStart bool) error {
	if err := d.spawn(execPath); err != nil {
		return err
	}
	msg, err := dialRetry(d.socketPath)
	if err != nil {
		return err
	}
	d.msg = msg
	if withStart {
		if err := d.msg.Start(); err != nil {
			return err
		}
	}
	return d.parseSystemMap()
}

// spawn starts execPath as a child of this process; its lifetime is bounded
// by Cleanup, which sends the exit command and reaps it.
func (d *Device) spawn(execPath string) error {
	_ = os.Remove(d.socketPath)
	cmd := exec.Command(execPath, d.socketPath)
	if err := cmd.Start(); err != nil {
		return vrterr.Wrap(vrterr.TransportFailed, "device.spawn", execPath, err)
	}
	d.child = cmd
	vrtlog.Get().WithField("bdf", d.bdf).Infof("spawned backend %s (pid %d)", filepath.Base(execPath), cmd.Process.Pid)
	return nil
}

// dialRetry connects to the backend socket, retrying while the child is
// still binding it.
func dialRetry(addr string) (*messenger.Messenger, error) {
	var lastErr error
	for i := 0; i < 100; i++ {
		m, err := messenger.Dial(addr)
		if err == nil {
			return m, nil
		}
		lastErr = err
		time.Sleep(50 * time.Millisecond)
	}
	return nil, lastErr
}

// programAndBoot reconciles the on-flash UUID against the bundle's and runs
// the per-path program/boot sequence. An identical UUID never reaches a
// flash write.
func (d *Device) programAndBoot() error {
	cur, found := d.ami.ReadUUID()
	if found {
		vrtlog.Get().Infof("current UUID: %s", cur)
		vrtlog.Get().Infof("new UUID: %s", d.bundle.UUID)
	}
	match := found && bundle.SameUUID(cur, d.bundle.UUID)

	if d.bundle.BundleType == sysmap.Segmented {
		if match {
			// The base and partial images are already live; only the QDMA
			// handle needs refreshing.
			vrtlog.Get().Info("device already programmed with the same image")
			if err := d.hotplug.Send(pciehotplug.Hotplug); err != nil {
				return err
			}
			return d.setupQueues()
		}
		return d.bootSegmented()
	}

	if match {
		vrtlog.Get().Info("device already programmed with the same image")
		return d.bootFlat()
	}
	switch d.programType {
	case Flash:
		vrtlog.Get().Infof("programming device %s in FLASH mode, this might take a while", d.bdf)
		if err := d.ami.ProgramPDI(d.bundle.PdiPath, 1, false); err != nil {
			return err
		}
	case JTAG:
		vrtlog.Get().Infof("programming device %s in JTAG mode, this might take a while", d.bdf)
		if out, err := shellOut([]string{jtagProgramScript, d.bundle.PdiPath}); err != nil {
			return vrterr.Wrap(vrterr.ProgramFailed, "device.programAndBoot", out, err)
		}
	}
	return d.bootFlat()
}

// bootFlat reboots the fabric into the freshly programmed flat PDI and
// re-enumerates it. The flash path resets through the PMC GPIO and needs a
// secondary bus reset in the hot-plug dance; the JTAG path re-enumerates
// only.
func (d *Device) bootFlat() error {
	vrtlog.Get().Info("booting device")
	if d.programType == Flash {
		if err := d.bootPartitionTolerant(1); err != nil {
			return err
		}
		if err := d.ami.WritePmcGpio(); err != nil {
			return err
		}
		if err := d.ami.Close(); err != nil {
			vrtlog.Get().Debugf("device: ami close: %v", err)
		}
		if err := d.hotplugDance(true); err != nil {
			return err
		}
	} else {
		if err := d.ami.Close(); err != nil {
			vrtlog.Get().Debugf("device: ami close: %v", err)
		}
		if err := d.hotplugDance(false); err != nil {
			return err
		}
	}
	if err := d.ami.Reopen(); err != nil {
		return err
	}
	vrtlog.Get().Info("new PDI booted successfully")
	return d.setupQueues()
}

// bootSegmented boots to the base partition, streams the partial PDI into
// the live fabric, and re-enumerates twice: once for the base image, once
// after the partial load.
func (d *Device) bootSegmented() error {
	vrtlog.Get().Infof("programming device %s in SEGMENTED mode, this might take a while", d.bdf)
	// Partition 1 carries the segmented base PDI.
	if err := d.bootPartitionTolerant(1); err != nil {
		return err
	}
	if err := d.ami.WritePmcGpio(); err != nil {
		return err
	}
	if err := d.ami.Close(); err != nil {
		vrtlog.Get().Debugf("device: ami close: %v", err)
	}
	if err := d.hotplugDance(true); err != nil {
		return err
	}
	if err := d.ami.Reopen(); err != nil {
		return err
	}
	vrtlog.Get().Info("base segmented PDI booted successfully")

	if err := d.ami.ProgramPDI(d.bundle.PdiPath, 1, true); err != nil {
		return err
	}
	if err := d.ami.Close(); err != nil {
		vrtlog.Get().Debugf("device: ami close: %v", err)
	}
	if err := d.hotplug.Send(pciehotplug.Remove); err != nil {
		return err
	}
	// Enough time for the device to reset.
	time.Sleep(2 * delayPartialBoot)
	if err := d.hotplug.Send(pciehotplug.Rescan); err != nil {
		return err
	}
	if err := d.hotplug.Send(pciehotplug.Hotplug); err != nil {
		return err
	}
	if err := d.ami.Reopen(); err != nil {
		return err
	}
	vrtlog.Get().Info("PLD PDI booted successfully")
	return d.setupQueues()
}

// bootPartitionTolerant boots into partition, tolerating failure for
// non-root callers: on those setups the subsequent PMC GPIO reset is what
// actually takes the fabric down.
func (d *Device) bootPartitionTolerant(partition int) error {
	if err := d.ami.Boot(partition); err != nil {
		if os.Geteuid() == 0 {
			return vrterr.Wrap(vrterr.BootFailed, "device.boot", fmt.Sprintf("partition %d", partition), err)
		}
		vrtlog.Get().Debugf("device: non-root boot returned %v, continuing with PMC reset", err)
	}
	return nil
}

// hotplugDance issues the PCI re-enumeration sequence. Reordering these
// commands corrupts the PCI topology visible to userland.
func (d *Device) hotplugDance(withSBR bool) error {
	if err := d.hotplug.Send(pciehotplug.Remove); err != nil {
		return err
	}
	time.Sleep(delayAfterRemove)
	if withSBR {
		if err := d.hotplug.Send(pciehotplug.ToggleSBR); err != nil {
			return err
		}
		time.Sleep(delayAfterSBR)
	}
	if err := d.hotplug.Send(pciehotplug.Rescan); err != nil {
		return err
	}
	return d.hotplug.Send(pciehotplug.Hotplug)
}

// setupQueues invokes the external queue-setup script: one MM bidirectional
// queue plus one streaming queue per QDMA connection in the system map.
func (d *Device) setupQueues() error {
	sm, err := sysmap.ParseFile(d.bundle.SystemMapPath)
	if err != nil {
		return err
	}
	args := queueSetupArgs(d.bdf, sm.Qdma)
	vrtlog.Get().Infof("setting up QDMA queues: %s", strings.Join(args, " "))
	if out, err := shellOut(args); err != nil {
		return vrterr.Wrap(vrterr.IoError, "device.setupQueues", out, err)
	}
	vrtlog.Get().Info("QDMA queues setup successfully")
	return nil
}

// queueSetupArgs builds the queue-setup invocation for bdf and conns.
func queueSetupArgs(b bdf.BDF, conns []sysmap.QdmaConnection) []string {
	args := []string{"sudo", "bash", queueSetupScript, b.String(), "--mm", "0", "bi"}
	for _, conn := range conns {
		dir := "h2c"
		if conn.Direction == sysmap.DeviceToHost {
			dir = "c2h"
		}
		args = append(args, "--st", fmt.Sprint(conn.Qid), "--dir", dir)
	}
	return args
}

// parseSystemMap populates the kernels, clock frequency and QDMA
// connections from the bundle's system map.
func (d *Device) parseSystemMap() error {
	sm, err := sysmap.ParseFile(d.bundle.SystemMapPath)
	if err != nil {
		return err
	}
	d.sm = sm
	d.clockHz = sm.ClockHz
	var bar kernel.BarIO
	if d.platform == sysmap.Hardware {
		bar = d.ami
	}
	for name, kd := range sm.Kernels {
		d.kernels[name] = kernel.New(name, kd, d.platform, bar, d.msg)
	}
	return nil
}

// clkWizBase is the absolute kernel-window address of the clock wizard IP.
const clkWizBase = 0x20100010000

// barReg adapts the BAR access surface to clkwiz's register interface,
// rebasing offsets onto the wizard's block address.
type barReg struct {
	io   kernel.BarIO
	base uint64
}

func (r *barReg) ReadReg(offset uint32) (uint32, error) {
	return r.io.ReadBar(r.base + uint64(offset))
}

func (r *barReg) WriteReg(offset uint32, val uint32) error {
	return r.io.WriteBar(r.base+uint64(offset), val)
}

// BDF returns the device's canonical PCIe address.
func (d *Device) BDF() bdf.BDF { return d.bdf }

// Platform returns the backend this device dispatches to.
func (d *Device) Platform() sysmap.Platform { return d.platform }

// Allocator returns the device-memory allocator.
func (d *Device) Allocator() *memregion.Allocator { return d.alloc }

// Kernel returns the named kernel's control interface.
func (d *Device) Kernel(name string) (*kernel.Kernel, error) {
	k, ok := d.kernels[name]
	if !ok {
		return nil, vrterr.New(vrterr.HardwareNotFound, "device.Kernel", fmt.Sprintf("no kernel %q in the system map", name))
	}
	return k, nil
}

// KernelNames returns the names of every kernel in the system map.
func (d *Device) KernelNames() []string {
	names := make([]string, 0, len(d.kernels))
	for name := range d.kernels {
		names = append(names, name)
	}
	return names
}

// QdmaConnections returns the streaming queue bindings from the system map.
func (d *Device) QdmaConnections() []sysmap.QdmaConnection {
	if d.sm == nil {
		return nil
	}
	return d.sm.Qdma
}

// QdmaStreams returns the per-queue streaming DMA interfaces (hardware
// only).
func (d *Device) QdmaStreams() map[int]*qdmaintf.Intf { return d.qdmaStreams }

// Backend returns the transport bundle Buffers sync through.
func (d *Device) Backend() buffer.Backend {
	return buffer.Backend{Platform: d.platform, Qdma: d.qdmaMM, Msg: d.msg}
}

// Frequency returns the programmed kernel clock in Hz (0 off-hardware).
func (d *Device) Frequency() uint64 {
	if d.platform != sysmap.Hardware {
		return 0
	}
	return d.clockHz
}

// SetFrequency retargets the kernel clock; requests above the bundle's
// declared maximum are clamped, never rejected. Off-hardware this is a
// no-op.
func (d *Device) SetFrequency(hz uint64) error {
	if d.platform != sysmap.Hardware {
		return nil
	}
	return d.clk.SetRateHz(hz)
}

// Cleanup releases everything the Device owns: the DMA interfaces and
// management handle on hardware, the backend child process on simulation
// and emulation, and the per-BDF lock on every path. Safe to call once.
func (d *Device) Cleanup() error {
	var first error
	if d.platform == sysmap.Hardware {
		d.qdmaMM = nil
		d.qdmaStreams = map[int]*qdmaintf.Intf{}
		if d.ami != nil {
			if err := d.ami.Close(); err != nil && first == nil {
				first = err
			}
			d.ami = nil
		}
	} else if d.msg != nil {
		if err := d.msg.Exit(); err != nil && first == nil {
			first = err
		}
		if err := d.msg.Close(); err != nil && first == nil {
			first = err
		}
		d.msg = nil
		if d.child != nil {
			if err := d.child.Wait(); err != nil && first == nil {
				first = err
			}
			d.child = nil
		}
	}
	d.unlock()
	if d.logFile != nil {
		d.logFile.Close()
		d.logFile = nil
	}
	return first
}
