// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package qdmaintf wraps a QDMA DMA character device for bounded-size
// sequential read/write with offset seek, chunking large transfers at the
// character device's maximum single-call size.
package qdmaintf

import (
	"fmt"
	"os"

	"vrt.dev/vrtrun/vrterr"
	"vrt.dev/vrtrun/vrtlog"
)

// MaxTransfer is the largest number of bytes the character device accepts
// in a single read/write call; larger transfers are chunked.
const MaxTransfer = 0x7FFF_F000

// Intf is a single open DMA character device, either the memory-mapped
// queue or one streaming queue.
type Intf struct {
	path     string
	queueIdx int
}

// OpenMM opens the memory-mapped bidirectional queue for bus (the two hex
// digits of the device's BDF).
func OpenMM(bus string) *Intf {
	return &Intf{path: fmt.Sprintf("/dev/qdma%s001-MM-0", bus)}
}

// OpenStream opens streaming queue qid for bus.
func OpenStream(bus string, qid int) *Intf {
	return &Intf{path: fmt.Sprintf("/dev/qdma%s001-ST-%d", bus, qid), queueIdx: qid}
}

// QueueIdx returns the streaming queue index this Intf was opened for (0 for
// the memory-mapped queue).
func (i *Intf) QueueIdx() int { return i.queueIdx }

// WriteBuff opens the device write-only, seeks to base when non-zero, and
// writes buf in chunks capped at MaxTransfer until all of it is consumed.
func (i *Intf) WriteBuff(buf []byte, base uint64) error {
	vrtlog.Get().Debugf("qdmaintf: writing %d bytes to %s at %#x", len(buf), i.path, base)
	f, err := os.OpenFile(i.path, os.O_WRONLY, 0)
	if err != nil {
		return vrterr.Wrap(vrterr.IoError, "qdmaintf.WriteBuff", i.path, err)
	}
	defer f.Close()

	if base != 0 {
		if _, err := f.Seek(int64(base), 0); err != nil {
			return vrterr.Wrap(vrterr.IoError, "qdmaintf.WriteBuff", fmt.Sprintf("seek to %#x", base), err)
		}
	}

	var count int
	for count < len(buf) {
		end := count + MaxTransfer
		if end > len(buf) {
			end = len(buf)
		}
		n, err := f.Write(buf[count:end])
		if err != nil {
			return vrterr.Wrap(vrterr.IoError, "qdmaintf.WriteBuff", i.path, err)
		}
		if n != end-count {
			return vrterr.New(vrterr.IoError, "qdmaintf.WriteBuff", fmt.Sprintf("short write: %d of %d bytes", n, end-count))
		}
		count += n
	}
	return nil
}

// ReadBuff opens the device read-only, seeks to base when non-zero, and
// reads into buf in chunks capped at MaxTransfer until buf is full.
func (i *Intf) ReadBuff(buf []byte, base uint64) error {
	vrtlog.Get().Debugf("qdmaintf: reading %d bytes from %s at %#x", len(buf), i.path, base)
	f, err := os.OpenFile(i.path, os.O_RDONLY, 0)
	if err != nil {
		return vrterr.Wrap(vrterr.IoError, "qdmaintf.ReadBuff", i.path, err)
	}
	defer f.Close()

	if base != 0 {
		if _, err := f.Seek(int64(base), 0); err != nil {
			return vrterr.Wrap(vrterr.IoError, "qdmaintf.ReadBuff", fmt.Sprintf("seek to %#x", base), err)
		}
	}

	var count int
	for count < len(buf) {
		end := count + MaxTransfer
		if end > len(buf) {
			end = len(buf)
		}
		n, err := f.Read(buf[count:end])
		if err != nil {
			return vrterr.Wrap(vrterr.IoError, "qdmaintf.ReadBuff", i.path, err)
		}
		if n != end-count {
			return vrterr.New(vrterr.IoError, "qdmaintf.ReadBuff", fmt.Sprintf("short read: %d of %d bytes", n, end-count))
		}
		count += n
	}
	return nil
}
