// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package device

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"vrt.dev/vrtrun/bdf"
	"vrt.dev/vrtrun/bundle"
	"vrt.dev/vrtrun/pciehotplug"
	"vrt.dev/vrtrun/sysmap"
	"vrt.dev/vrtrun/vrterr"
)

func testBDF(t *testing.T) bdf.BDF {
	t.Helper()
	b, err := bdf.Parse("21:00.0")
	if err != nil {
		t.Fatal(err)
	}
	return b
}

// fakeAmi records the management-interface calls the lifecycle makes.
type fakeAmi struct {
	uuid     string
	programs []string // "pdi:full" or "pdi:partial"
	boots    []int
	pmc      int
	closes   int
	reopens  int
}

func (f *fakeAmi) ReadBar(uint64) (uint32, error)         { return 0, nil }
func (f *fakeAmi) WriteBar(uint64, uint32) error          { return nil }
func (f *fakeAmi) WriteBarRange(uint64, []uint32) error   { return nil }
func (f *fakeAmi) ReadUUID() (string, bool)               { return f.uuid, f.uuid != "" }
func (f *fakeAmi) WritePmcGpio() error                    { f.pmc++; return nil }
func (f *fakeAmi) Boot(partition int) error               { f.boots = append(f.boots, partition); return nil }
func (f *fakeAmi) Reopen() error                          { f.reopens++; return nil }
func (f *fakeAmi) Close() error                           { f.closes++; return nil }
func (f *fakeAmi) ProgramPDI(pdi string, partition int, partial bool) error {
	suffix := "full"
	if partial {
		suffix = "partial"
	}
	f.programs = append(f.programs, pdi+":"+suffix)
	return nil
}

// fakeHotplug records the hot-plug command stream.
type fakeHotplug struct {
	cmds []pciehotplug.Command
}

func (f *fakeHotplug) Send(cmd pciehotplug.Command) error {
	f.cmds = append(f.cmds, cmd)
	return nil
}

// quietDelays zeroes the boot-sequence settle times for the duration of the
// test, and stubs out the external scripts.
func quietDelays(t *testing.T) *[][]string {
	t.Helper()
	savedRemove, savedSBR, savedPartial := delayAfterRemove, delayAfterSBR, delayPartialBoot
	delayAfterRemove, delayAfterSBR, delayPartialBoot = 0, 0, 0
	savedShell := shellOut
	var calls [][]string
	shellOut = func(argv []string) (string, error) {
		calls = append(calls, argv)
		return "", nil
	}
	t.Cleanup(func() {
		delayAfterRemove, delayAfterSBR, delayPartialBoot = savedRemove, savedSBR, savedPartial
		shellOut = savedShell
	})
	return &calls
}

const hwMapWithQdma = `<SystemMap>
  <Platform>Hardware</Platform>
  <Type>Full</Type>
  <ClockFrequency>300000000</ClockFrequency>
  <Qdma><kernel>k0</kernel><interface>in0</interface><qid>2</qid><direction>HostToDevice</direction></Qdma>
</SystemMap>`

// testDevice builds a Device wired to fakes, with a real system map on disk
// for the queue-setup pass.
func testDevice(t *testing.T, ami *fakeAmi, hp *fakeHotplug, bundleType sysmap.BundleType, pt ProgramType) *Device {
	t.Helper()
	mapPath := filepath.Join(t.TempDir(), "system_map.xml")
	if err := os.WriteFile(mapPath, []byte(hwMapWithQdma), 0o644); err != nil {
		t.Fatal(err)
	}
	return &Device{
		bdf:         testBDF(t),
		platform:    sysmap.Hardware,
		programType: pt,
		ami:         ami,
		hotplug:     hp,
		bundle: &bundle.Bundle{
			UUID:          "c8a5eed64a1cbd6fbda0b4735ef71a41",
			PdiPath:       "/tmp/design.pdi",
			BundleType:    bundleType,
			SystemMapPath: mapPath,
		},
	}
}

func TestHotplugSequenceFlashProgram(t *testing.T) {
	quietDelays(t)
	ami := &fakeAmi{uuid: "00000000000000000000000000000000"}
	hp := &fakeHotplug{}
	d := testDevice(t, ami, hp, sysmap.Flat, Flash)

	if err := d.programAndBoot(); err != nil {
		t.Fatal(err)
	}
	want := []pciehotplug.Command{pciehotplug.Remove, pciehotplug.ToggleSBR, pciehotplug.Rescan, pciehotplug.Hotplug}
	if diff := cmp.Diff(want, hp.cmds); diff != "" {
		t.Errorf("hot-plug command stream mismatch (-want +got):\n%s", diff)
	}
	if len(ami.programs) != 1 || !strings.HasSuffix(ami.programs[0], ":full") {
		t.Errorf("programs = %v, want one full PDI download", ami.programs)
	}
	if ami.pmc != 1 {
		t.Errorf("PMC GPIO written %d times, want 1", ami.pmc)
	}
}

func TestHotplugSequenceJTAGOmitsSBR(t *testing.T) {
	quietDelays(t)
	ami := &fakeAmi{uuid: "00000000000000000000000000000000"}
	hp := &fakeHotplug{}
	d := testDevice(t, ami, hp, sysmap.Flat, JTAG)

	if err := d.programAndBoot(); err != nil {
		t.Fatal(err)
	}
	want := []pciehotplug.Command{pciehotplug.Remove, pciehotplug.Rescan, pciehotplug.Hotplug}
	if diff := cmp.Diff(want, hp.cmds); diff != "" {
		t.Errorf("hot-plug command stream mismatch (-want +got):\n%s", diff)
	}
	if len(ami.programs) != 0 {
		t.Errorf("JTAG path must not touch flash, got %v", ami.programs)
	}
	if ami.pmc != 0 {
		t.Errorf("JTAG path must not write PMC GPIO, wrote %d times", ami.pmc)
	}
}

func TestHotplugSequenceSegmented(t *testing.T) {
	quietDelays(t)
	ami := &fakeAmi{uuid: "00000000000000000000000000000000"}
	hp := &fakeHotplug{}
	d := testDevice(t, ami, hp, sysmap.Segmented, Flash)

	if err := d.programAndBoot(); err != nil {
		t.Fatal(err)
	}
	// Base-image boot dance with SBR, then partial load, then a second
	// re-enumeration without SBR.
	want := []pciehotplug.Command{
		pciehotplug.Remove, pciehotplug.ToggleSBR, pciehotplug.Rescan, pciehotplug.Hotplug,
		pciehotplug.Remove, pciehotplug.Rescan, pciehotplug.Hotplug,
	}
	if diff := cmp.Diff(want, hp.cmds); diff != "" {
		t.Errorf("hot-plug command stream mismatch (-want +got):\n%s", diff)
	}
	if len(ami.programs) != 1 || !strings.HasSuffix(ami.programs[0], ":partial") {
		t.Errorf("programs = %v, want one partial PDI download", ami.programs)
	}
}

func TestUUIDMatchSkipsFlashWrite(t *testing.T) {
	quietDelays(t)
	ami := &fakeAmi{uuid: "c8a5eed64a1cbd6fbda0b4735ef71a41"}
	hp := &fakeHotplug{}
	d := testDevice(t, ami, hp, sysmap.Flat, Flash)

	if err := d.programAndBoot(); err != nil {
		t.Fatal(err)
	}
	if len(ami.programs) != 0 {
		t.Errorf("identical UUID must not reach a flash write, got %v", ami.programs)
	}
	// The boot sequence still runs so the fabric comes up on the image.
	if len(hp.cmds) == 0 {
		t.Error("boot sequence did not run")
	}
}

func TestSegmentedUUIDMatchRefreshesQdmaOnly(t *testing.T) {
	calls := quietDelays(t)
	ami := &fakeAmi{uuid: "c8a5eed64a1cbd6fbda0b4735ef71a41"}
	hp := &fakeHotplug{}
	d := testDevice(t, ami, hp, sysmap.Segmented, Flash)

	if err := d.programAndBoot(); err != nil {
		t.Fatal(err)
	}
	if len(ami.programs) != 0 || len(ami.boots) != 0 {
		t.Errorf("segmented match must not reprogram or reboot: programs=%v boots=%v", ami.programs, ami.boots)
	}
	want := []pciehotplug.Command{pciehotplug.Hotplug}
	if diff := cmp.Diff(want, hp.cmds); diff != "" {
		t.Errorf("hot-plug command stream mismatch (-want +got):\n%s", diff)
	}
	if len(*calls) != 1 {
		t.Fatalf("queue setup invoked %d times, want 1", len(*calls))
	}
}

func TestQueueSetupArgs(t *testing.T) {
	conns := []sysmap.QdmaConnection{
		{Kernel: "k0", Qid: 2, Interface: "in0", Direction: sysmap.HostToDevice},
		{Kernel: "k0", Qid: 3, Interface: "out0", Direction: sysmap.DeviceToHost},
	}
	got := queueSetupArgs(testBDF(t), conns)
	want := []string{"sudo", "bash", queueSetupScript, "21:00.0", "--mm", "0", "bi", "--st", "2", "--dir", "h2c", "--st", "3", "--dir", "c2h"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("queue setup args mismatch (-want +got):\n%s", diff)
	}
}

func TestExclusiveAccess(t *testing.T) {
	t.Setenv("SLASH_RUNTIME_PATH", t.TempDir())
	b := testBDF(t)

	d1 := &Device{bdf: b}
	if err := d1.lock(); err != nil {
		t.Fatal(err)
	}
	defer d1.unlock()

	d2 := &Device{bdf: b}
	err := d2.lock()
	if kind, ok := vrterr.KindOf(err); !ok || kind != vrterr.DeviceBusy {
		t.Fatalf("second lock: err = %v, want DeviceBusy", err)
	}
}

func TestLockReleasedOnUnlock(t *testing.T) {
	t.Setenv("SLASH_RUNTIME_PATH", t.TempDir())
	b := testBDF(t)

	d1 := &Device{bdf: b}
	if err := d1.lock(); err != nil {
		t.Fatal(err)
	}
	d1.unlock()

	d2 := &Device{bdf: b}
	if err := d2.lock(); err != nil {
		t.Fatalf("lock after unlock: %v", err)
	}
	d2.unlock()
}

func TestOpenRejectsBadBDF(t *testing.T) {
	_, err := Open("not-a-bdf", "/nonexistent.vrtbin")
	if kind, ok := vrterr.KindOf(err); !ok || kind != vrterr.HardwareNotFound {
		t.Fatalf("err = %v, want HardwareNotFound", err)
	}
}

func TestOpenMissingBundleReleasesLock(t *testing.T) {
	t.Setenv("SLASH_RUNTIME_PATH", t.TempDir())
	t.Setenv("SLASH_CACHE_PATH", t.TempDir())

	_, err := Open("21:00.0", filepath.Join(t.TempDir(), "missing.vrtbin"))
	if kind, ok := vrterr.KindOf(err); !ok || kind != vrterr.BundleInvalid {
		t.Fatalf("err = %v, want BundleInvalid", err)
	}
	// The failed construction must not leave the BDF locked.
	d := &Device{bdf: testBDF(t)}
	if err := d.lock(); err != nil {
		t.Fatalf("lock after failed Open: %v", err)
	}
	d.unlock()
}
