// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package kernel

import (
	"bufio"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"

	"vrt.dev/vrtrun/messenger"
	"vrt.dev/vrtrun/register"
	"vrt.dev/vrtrun/sysmap"
	"vrt.dev/vrtrun/vrterr"
)

// fakeBar is an in-memory stand-in for a PCIe BAR, recording every write.
type fakeBar struct {
	regs      map[uint64]uint32
	doneAfter int
	reads     int
}

func newFakeBar() *fakeBar { return &fakeBar{regs: map[uint64]uint32{}} }

func (b *fakeBar) ReadBar(offset uint64) (uint32, error) {
	if offset%0x10000 == controlOffset {
		b.reads++
		if b.reads >= b.doneAfter {
			return 0, nil
		}
		return controlRunning, nil
	}
	return b.regs[offset], nil
}

func (b *fakeBar) WriteBar(offset uint64, value uint32) error {
	b.regs[offset] = value
	return nil
}

func (b *fakeBar) WriteBarRange(offset uint64, values []uint32) error {
	for i, v := range values {
		b.regs[offset+uint64(i*4)] = v
	}
	return nil
}

func vaddDescriptor() sysmap.KernelDescriptor {
	return sysmap.KernelDescriptor{
		Name:     "vadd",
		BaseAddr: 0x20100010000,
		Range:    0x10000,
		Registers: []register.Descriptor{
			register.New("control", 0x00, 32, "RW", ""),
			register.New("gier", 0x04, 32, "RW", ""),
			register.New("ier", 0x08, 32, "RW", ""),
			register.New("isr", 0x0C, 32, "RW", ""),
			register.New("size", 0x10, 32, "RW", ""),
			register.New("ptr_0", 0x14, 32, "RW", ""),
			register.New("ptr_1", 0x18, 32, "RW", ""),
		},
	}
}

// S3 / properties #4-#6: hardware marshalling batches the register writes
// and runs the state machine Idle->Marshalling->Writing->Started->Running->Done.
func TestHardwareCallMarshalsAndRuns(t *testing.T) {
	bar := newFakeBar()
	bar.doneAfter = 1
	k := New("vadd", vaddDescriptor(), sysmap.Hardware, bar, nil)

	if err := k.Call(Scalar32(1024), BufferRef(0x40000001000)); err != nil {
		t.Fatal(err)
	}
	if k.State() != Done {
		t.Errorf("State = %v, want Done", k.State())
	}
	if bar.regs[0x20100010010] != 1024 {
		t.Errorf("size register = %#x", bar.regs[0x20100010010])
	}
	if bar.regs[0x20100010014] != 0x40000001000&0xFFFFFFFF {
		t.Errorf("ptr_0 = %#x", bar.regs[0x20100010014])
	}
	if bar.regs[0x20100010018] != 0x40000001000>>32 {
		t.Errorf("ptr_1 = %#x", bar.regs[0x20100010018])
	}
	if bar.regs[0x20100010000] != controlStart {
		t.Errorf("control = %#x, want %#x", bar.regs[0x20100010000], controlStart)
	}
}

func TestTooManyArguments(t *testing.T) {
	bar := newFakeBar()
	k := New("vadd", vaddDescriptor(), sysmap.Hardware, bar, nil)
	err := k.Start(Scalar32(1), Scalar32(2), Scalar32(3), Scalar32(4))
	if err == nil {
		t.Fatal("expected TooManyArguments error")
	}
	if kind, ok := vrterr.KindOf(err); !ok || kind != vrterr.TooManyArguments {
		t.Errorf("Kind = %v, want TooManyArguments", kind)
	}
}

func fakeSimServer(t *testing.T, addr string) *map[uint64]uint32 {
	regs := map[uint64]uint32{}
	l, err := net.Listen("unix", addr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		reads := 0
		for {
			hdr := make([]byte, 4)
			if _, err := readFull(r, hdr); err != nil {
				return
			}
			n := int(hdr[0])<<24 | int(hdr[1])<<16 | int(hdr[2])<<8 | int(hdr[3])
			body := make([]byte, n)
			if _, err := readFull(r, body); err != nil {
				return
			}
			var cmd map[string]interface{}
			json.Unmarshal(body, &cmd)
			var reply []byte
			switch cmd["command"] {
			case "reg":
				addr := uint64(cmd["addr"].(float64))
				regs[addr] = uint32(cmd["val"].(float64))
				reply = []byte("OK")
			case "fetch":
				addr := uint64(cmd["addr"].(float64))
				reads++
				if addr%0x10000 == controlOffset && reads < 2 {
					reply = []byte("1")
				} else {
					reply = []byte("0")
				}
			case "start":
				reply = []byte("OK")
			}
			writeLenPrefixed(conn, reply)
		}
	}()
	return &regs
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func writeLenPrefixed(w interface{ Write([]byte) (int, error) }, b []byte) {
	hdr := []byte{byte(len(b) >> 24), byte(len(b) >> 16), byte(len(b) >> 8), byte(len(b))}
	w.Write(hdr)
	w.Write(b)
}

func TestSimulationCallWritesOverMessenger(t *testing.T) {
	addr := filepath.Join(t.TempDir(), "kernel-sim.sock")
	regs := fakeSimServer(t, addr)

	m, err := messenger.Dial(addr)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	k := New("vadd", vaddDescriptor(), sysmap.Simulation, nil, m)
	if err := k.Call(Scalar32(99)); err != nil {
		t.Fatal(err)
	}
	if (*regs)[0x20100010010] != 99 {
		t.Errorf("simulated size register = %d, want 99", (*regs)[0x20100010010])
	}
}

// S3: a 64-bit argument fills exactly two consecutive offsets and the
// cursor lands past the last descriptor.
func TestScalar64Marshalling(t *testing.T) {
	kd := sysmap.KernelDescriptor{
		Name:     "scale",
		BaseAddr: 0x20100020000,
		Range:    0x10000,
		Registers: []register.Descriptor{
			register.New("control", 0x00, 32, "RW", ""),
			register.New("gier", 0x04, 32, "RW", ""),
			register.New("ier", 0x08, 32, "RW", ""),
			register.New("isr", 0x0C, 32, "RW", ""),
			register.New("size", 0x10, 32, "RW", ""),
			register.New("ptr_0", 0x14, 32, "RW", ""),
			register.New("ptr_1", 0x18, 32, "RW", ""),
			register.New("count", 0x1C, 32, "RW", ""),
			register.New("scale", 0x20, 32, "RW", ""),
		},
	}
	bar := newFakeBar()
	k := New("scale", kd, sysmap.Hardware, bar, nil)

	if err := k.Start(Scalar32(1024), Scalar64(0x123456789ABCDEF0), Scalar32(7), Scalar32(0x4048F5C3)); err != nil {
		t.Fatal(err)
	}
	want := map[uint64]uint32{
		0x10: 1024,
		0x14: 0x9ABCDEF0,
		0x18: 0x12345678,
		0x1C: 7,
		0x20: 0x4048F5C3,
	}
	for off, v := range want {
		if got := bar.regs[kd.BaseAddr+off]; got != v {
			t.Errorf("offset %#x = %#x, want %#x", off, got, v)
		}
	}
	if k.cursor != len(kd.Registers) {
		t.Errorf("cursor = %d, want %d", k.cursor, len(kd.Registers))
	}
}

// fakeEmuServer answers the emulation "call" command, capturing it.
func fakeEmuServer(t *testing.T, addr string) *map[string]interface{} {
	captured := map[string]interface{}{}
	l, err := net.Listen("unix", addr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		for {
			hdr := make([]byte, 4)
			if _, err := readFull(r, hdr); err != nil {
				return
			}
			n := int(hdr[0])<<24 | int(hdr[1])<<16 | int(hdr[2])<<8 | int(hdr[3])
			body := make([]byte, n)
			if _, err := readFull(r, body); err != nil {
				return
			}
			var cmd map[string]interface{}
			json.Unmarshal(body, &cmd)
			if cmd["command"] == "call" {
				for k, v := range cmd {
					captured[k] = v
				}
			}
			writeLenPrefixed(conn, []byte("OK"))
		}
	}()
	return &captured
}

// The emulator addresses buffers by the device address stringified as
// decimal; the convention is load-bearing on the emulator side.
func TestEmulationCallUsesDecimalBufferNames(t *testing.T) {
	addr := filepath.Join(t.TempDir(), "kernel-emu.sock")
	captured := fakeEmuServer(t, addr)

	m, err := messenger.Dial(addr)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	k := New("vadd", vaddDescriptor(), sysmap.Emulation, nil, m)
	if err := k.Call(Scalar32(1024), BufferRef(274877913088)); err != nil {
		t.Fatal(err)
	}
	if k.State() != Done {
		t.Errorf("State = %v, want Done", k.State())
	}

	if (*captured)["function"] != "vadd" {
		t.Fatalf("captured call = %v", *captured)
	}
	args := (*captured)["args"].(map[string]interface{})
	arg0 := args["arg0"].(map[string]interface{})
	if arg0["type"] != "scalar" || arg0["value"].(float64) != 1024 {
		t.Errorf("arg0 = %v", arg0)
	}
	arg1 := args["arg1"].(map[string]interface{})
	if arg1["type"] != "buffer" || arg1["name"] != "274877913088" {
		t.Errorf("arg1 = %v, want decimal buffer name", arg1)
	}
}
