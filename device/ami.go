// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package device

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"vrt.dev/vrtrun/bdf"
	"vrt.dev/vrtrun/vrterr"
	"vrt.dev/vrtrun/vrtlog"
)

// barWindowBase is the host physical base of the BAR window that kernel base
// addresses in the system map are expressed against.
const barWindowBase = 0x20100000000

// pmcGpioOffset is the raw BAR0 offset of the PMC GPIO register whose write
// triggers the fabric reset during the boot sequence.
const pmcGpioOffset = 0x1040000

// amiToolPath is the management-interface CLI used for flash programming and
// partition boot; its exit code is propagated as a classified error.
var amiToolPath = "ami_tool"

// amiIO is the slice of the management-interface handle the lifecycle code
// drives: UUID discovery, BAR access, flash programming and partition boot.
// The concrete implementation is amiHandle; tests substitute a recorder.
type amiIO interface {
	ReadBar(offset uint64) (uint32, error)
	WriteBar(offset uint64, value uint32) error
	WriteBarRange(offset uint64, values []uint32) error

	ReadUUID() (string, bool)
	WritePmcGpio() error
	ProgramPDI(pdiPath string, partition int, partial bool) error
	Boot(partition int) error
	// Reopen re-binds the handle after a hot-plug re-enumeration.
	Reopen() error
	Close() error
}

// amiHandle is the hardware management-interface handle for one device: a
// sysfs presence check, an mmap of BAR0 for MMIO, a sysfs read for the logic
// UUID on flash, and the external ami_tool for programming and boot.
type amiHandle struct {
	bdf      bdf.BDF
	sysfsDir string
	res      *os.File
	bar      []byte
}

// openAmi locates the device in sysfs and maps its BAR0 for MMIO access.
func openAmi(b bdf.BDF) (*amiHandle, error) {
	h := &amiHandle{
		bdf:      b,
		sysfsDir: fmt.Sprintf("/sys/bus/pci/devices/0000:%s", b),
	}
	if _, err := os.Stat(h.sysfsDir); err != nil {
		return nil, vrterr.Wrap(vrterr.HardwareNotFound, "device.openAmi", h.sysfsDir, err)
	}
	if err := h.mapBar(); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *amiHandle) mapBar() error {
	path := h.sysfsDir + "/resource0"
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if os.IsPermission(err) {
			return vrterr.Wrap(vrterr.AccessDenied, "device.amiHandle.mapBar", path, err)
		}
		return vrterr.Wrap(vrterr.HardwareNotFound, "device.amiHandle.mapBar", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return vrterr.Wrap(vrterr.HardwareNotFound, "device.amiHandle.mapBar", path, err)
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return vrterr.Wrap(vrterr.AccessDenied, "device.amiHandle.mapBar", "mmap "+path, err)
	}
	h.res = f
	h.bar = mem
	return nil
}

// reg32 returns a pointer to the 32-bit register at the raw BAR0 offset off.
// MMIO registers need whole-word loads and stores, so accesses go through
// atomic 32-bit operations on the mapped page rather than byte-wise copies.
func (h *amiHandle) reg32(off uint64) (*uint32, error) {
	if h.bar == nil {
		return nil, vrterr.New(vrterr.HardwareNotFound, "device.amiHandle.reg32", "BAR not mapped")
	}
	if off%4 != 0 || off+4 > uint64(len(h.bar)) {
		return nil, vrterr.New(vrterr.IoError, "device.amiHandle.reg32", fmt.Sprintf("offset %#x outside BAR0 (%d bytes)", off, len(h.bar)))
	}
	return (*uint32)(unsafe.Pointer(&h.bar[off])), nil
}

// barOffset translates an absolute kernel-window address into a raw BAR0
// offset.
func barOffset(addr uint64) (uint64, error) {
	if addr < barWindowBase {
		return 0, vrterr.New(vrterr.IoError, "device.barOffset", fmt.Sprintf("address %#x below the BAR window at %#x", addr, uint64(barWindowBase)))
	}
	return addr - barWindowBase, nil
}

// ReadBar reads the 32-bit register at the absolute kernel-window address.
func (h *amiHandle) ReadBar(addr uint64) (uint32, error) {
	off, err := barOffset(addr)
	if err != nil {
		return 0, err
	}
	p, err := h.reg32(off)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint32(p), nil
}

// WriteBar writes the 32-bit register at the absolute kernel-window address.
func (h *amiHandle) WriteBar(addr uint64, value uint32) error {
	off, err := barOffset(addr)
	if err != nil {
		return err
	}
	p, err := h.reg32(off)
	if err != nil {
		return err
	}
	atomic.StoreUint32(p, value)
	return nil
}

// WriteBarRange writes values as one MMIO burst of consecutive registers
// starting at the absolute kernel-window address.
func (h *amiHandle) WriteBarRange(addr uint64, values []uint32) error {
	off, err := barOffset(addr)
	if err != nil {
		return err
	}
	for i, v := range values {
		p, err := h.reg32(off + uint64(i)*4)
		if err != nil {
			return err
		}
		atomic.StoreUint32(p, v)
	}
	return nil
}

// ReadUUID reads the logic UUID currently on flash from the device's sysfs
// node. A missing or unreadable node reports ok=false, which callers treat
// as "no match" rather than an error.
func (h *amiHandle) ReadUUID() (string, bool) {
	data, err := os.ReadFile(h.sysfsDir + "/logic_uuids")
	if err != nil {
		return "", false
	}
	s := strings.TrimSpace(string(data))
	if len(s) >= 32 {
		s = s[:32]
	}
	if s == "" {
		return "", false
	}
	return s, true
}

// WritePmcGpio sets the PMC GPIO bit that triggers the fabric reset.
func (h *amiHandle) WritePmcGpio() error {
	p, err := h.reg32(pmcGpioOffset)
	if err != nil {
		return err
	}
	atomic.StoreUint32(p, 1)
	return nil
}

// ProgramPDI downloads pdiPath to flash partition (or streams it as a
// partial reconfiguration when partial is set) through the management CLI.
func (h *amiHandle) ProgramPDI(pdiPath string, partition int, partial bool) error {
	args := []string{"cfgmem_program", "-d", h.bdf.String(), "-t", "primary", "-i", pdiPath, "-p", fmt.Sprint(partition)}
	if partial {
		args = append(args, "--partial")
	}
	out, err := exec.Command(amiToolPath, args...).CombinedOutput()
	if err != nil {
		return vrterr.Wrap(vrterr.ProgramFailed, "device.amiHandle.ProgramPDI", strings.TrimSpace(string(out)), err)
	}
	return nil
}

// Boot asks the management CLI to boot the device into partition.
func (h *amiHandle) Boot(partition int) error {
	out, err := exec.Command(amiToolPath, "device_boot", "-d", h.bdf.String(), "-p", fmt.Sprint(partition)).CombinedOutput()
	if err != nil {
		return vrterr.Wrap(vrterr.BootFailed, "device.amiHandle.Boot", strings.TrimSpace(string(out)), err)
	}
	return nil
}

// Reopen drops the current BAR mapping and re-binds to the device after a
// hot-plug re-enumeration has rebuilt its sysfs node.
func (h *amiHandle) Reopen() error {
	if err := h.Close(); err != nil {
		vrtlog.Get().Debugf("ami: close before reopen: %v", err)
	}
	if _, err := os.Stat(h.sysfsDir); err != nil {
		return vrterr.Wrap(vrterr.HardwareNotFound, "device.amiHandle.Reopen", h.sysfsDir, err)
	}
	return h.mapBar()
}

// Close unmaps BAR0 and releases the resource file.
func (h *amiHandle) Close() error {
	var first error
	if h.bar != nil {
		if err := unix.Munmap(h.bar); err != nil && first == nil {
			first = err
		}
		h.bar = nil
	}
	if h.res != nil {
		if err := h.res.Close(); err != nil && first == nil {
			first = err
		}
		h.res = nil
	}
	return first
}
