// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package buffer implements host-mirrored device buffers: a plain Buffer[T]
// backed by a device memory allocation, and a StreamingBuffer[T] bound to a
// QDMA stream queue.
//
// The original calling convention templated Buffer on its element type and
// held it behind raw owning pointers; here T is a Go type parameter and the
// host mirror is an ordinary slice the Buffer exclusively owns.
package buffer

import (
	"encoding/binary"
	"fmt"
	"math"

	"vrt.dev/vrtrun/memregion"
	"vrt.dev/vrtrun/messenger"
	"vrt.dev/vrtrun/qdmaintf"
	"vrt.dev/vrtrun/sysmap"
	"vrt.dev/vrtrun/vrterr"
)

// Direction is the direction a sync moves bytes.
type Direction int

const (
	HostToDevice Direction = iota
	DeviceToHost
)

// Number constrains the element types a Buffer can mirror: the fixed-width
// scalars the register file and DMA paths move as raw little-endian bytes.
type Number interface {
	int8 | uint8 | int16 | uint16 | int32 | uint32 | int64 | uint64 | float32 | float64
}

// sizeOf returns the encoded width in bytes of T.
func sizeOf[T Number]() int {
	var zero T
	switch any(zero).(type) {
	case int8, uint8:
		return 1
	case int16, uint16:
		return 2
	case int32, uint32, float32:
		return 4
	default:
		return 8
	}
}

// Backend is the narrow set of transports a Buffer syncs over, bound by the
// owning Device per the active Platform.
type Backend struct {
	Platform sysmap.Platform
	Qdma     *qdmaintf.Intf // hardware
	Msg      *messenger.Messenger
}

// Buffer is a host-mirrored region of N elements of T, paired with a device
// memory allocation.
type Buffer[T Number] struct {
	host  []T
	alloc memregion.Allocation
	be    Backend
}

// New allocates size elements of T in region of the device memregion
// Allocator backing be, and creates a zeroed host mirror of the same length.
func New[T Number](a *memregion.Allocator, size int, region memregion.Type, be Backend) (*Buffer[T], error) {
	alloc, err := a.Allocate(uint64(size*sizeOf[T]()), region)
	if err != nil {
		return nil, err
	}
	return &Buffer[T]{host: make([]T, size), alloc: alloc, be: be}, nil
}

// Len returns the number of elements in the buffer.
func (b *Buffer[T]) Len() int { return len(b.host) }

// DeviceAddr returns the device address of the buffer's allocation.
func (b *Buffer[T]) DeviceAddr() uint64 { return b.alloc.Addr }

// At returns the element at index, failing with OutOfRange if index is out
// of bounds.
func (b *Buffer[T]) At(index int) (T, error) {
	if index < 0 || index >= len(b.host) {
		var zero T
		return zero, vrterr.New(vrterr.OutOfRange, "buffer.At", fmt.Sprintf("index %d out of range [0,%d)", index, len(b.host)))
	}
	return b.host[index], nil
}

// Set writes the element at index, failing with OutOfRange if index is out
// of bounds.
func (b *Buffer[T]) Set(index int, v T) error {
	if index < 0 || index >= len(b.host) {
		return vrterr.New(vrterr.OutOfRange, "buffer.Set", fmt.Sprintf("index %d out of range [0,%d)", index, len(b.host)))
	}
	b.host[index] = v
	return nil
}

func (b *Buffer[T]) bytes() []byte {
	buf := make([]byte, len(b.host)*sizeOf[T]())
	writeElems(buf, b.host)
	return buf
}

func (b *Buffer[T]) setBytes(raw []byte) {
	readElems(raw, b.host)
}

// Sync moves the buffer's bytes between the host mirror and the device,
// dispatched on the owning device's platform.
func (b *Buffer[T]) Sync(dir Direction) error {
	switch b.be.Platform {
	case sysmap.Hardware:
		return b.syncHardware(dir)
	case sysmap.Simulation:
		return b.syncSimulation(dir)
	case sysmap.Emulation:
		return b.syncEmulation(dir)
	default:
		return vrterr.New(vrterr.PlatformUnknown, "buffer.Sync", b.be.Platform.String())
	}
}

func (b *Buffer[T]) syncHardware(dir Direction) error {
	if dir == HostToDevice {
		return b.be.Qdma.WriteBuff(b.bytes(), b.alloc.Addr)
	}
	raw := make([]byte, len(b.host)*sizeOf[T]())
	if err := b.be.Qdma.ReadBuff(raw, b.alloc.Addr); err != nil {
		return err
	}
	b.setBytes(raw)
	return nil
}

func (b *Buffer[T]) syncSimulation(dir Direction) error {
	if dir == HostToDevice {
		return b.be.Msg.Populate(b.alloc.Addr, b.bytes())
	}
	raw, err := b.be.Msg.FetchBuffer(b.alloc.Addr, uint64(len(b.host)*sizeOf[T]()))
	if err != nil {
		return err
	}
	b.setBytes(raw)
	return nil
}

func (b *Buffer[T]) syncEmulation(dir Direction) error {
	name := fmt.Sprintf("%d", b.alloc.Addr)
	if dir == HostToDevice {
		return b.be.Msg.StreamIn(name, b.bytes())
	}
	raw, err := b.be.Msg.StreamOut(name, uint64(len(b.host)*sizeOf[T]()))
	if err != nil {
		return err
	}
	b.setBytes(raw)
	return nil
}

func writeElems[T Number](dst []byte, src []T) {
	sz := sizeOf[T]()
	for i, v := range src {
		writeElem(dst[i*sz:(i+1)*sz], v)
	}
}

func readElems[T Number](src []byte, dst []T) {
	sz := sizeOf[T]()
	n := len(src) / sz
	if n > len(dst) {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		dst[i] = readElem[T](src[i*sz : (i+1)*sz])
	}
}

// writeElem and readElem marshal a single Number to/from little-endian
// bytes, matching the register file's word order.
func writeElem[T Number](dst []byte, v T) {
	switch x := any(v).(type) {
	case int8:
		dst[0] = byte(x)
	case uint8:
		dst[0] = x
	case int16:
		binary.LittleEndian.PutUint16(dst, uint16(x))
	case uint16:
		binary.LittleEndian.PutUint16(dst, x)
	case int32:
		binary.LittleEndian.PutUint32(dst, uint32(x))
	case uint32:
		binary.LittleEndian.PutUint32(dst, x)
	case int64:
		binary.LittleEndian.PutUint64(dst, uint64(x))
	case uint64:
		binary.LittleEndian.PutUint64(dst, x)
	case float32:
		binary.LittleEndian.PutUint32(dst, math.Float32bits(x))
	case float64:
		binary.LittleEndian.PutUint64(dst, math.Float64bits(x))
	}
}

func readElem[T Number](src []byte) T {
	var zero T
	switch any(zero).(type) {
	case int8:
		return any(int8(src[0])).(T)
	case uint8:
		return any(src[0]).(T)
	case int16:
		return any(int16(binary.LittleEndian.Uint16(src))).(T)
	case uint16:
		return any(binary.LittleEndian.Uint16(src)).(T)
	case int32:
		return any(int32(binary.LittleEndian.Uint32(src))).(T)
	case uint32:
		return any(binary.LittleEndian.Uint32(src)).(T)
	case int64:
		return any(int64(binary.LittleEndian.Uint64(src))).(T)
	case uint64:
		return any(binary.LittleEndian.Uint64(src)).(T)
	case float32:
		return any(math.Float32frombits(binary.LittleEndian.Uint32(src))).(T)
	case float64:
		return any(math.Float64frombits(binary.LittleEndian.Uint64(src))).(T)
	}
	return zero
}

// StreamingBuffer is a host-mirrored region bound to a QDMA stream queue by
// kernel name and port name, rather than to a device memory allocation.
type StreamingBuffer[T Number] struct {
	host []T
	dir  sysmap.Direction
	name string
	be   Backend
	qdma *qdmaintf.Intf
}

// NewStreaming looks up the QdmaConnection for (kernelName, portName) among
// conns, failing with BundleInvalid if none is found, and builds a
// StreamingBuffer of size elements bound to that connection's queue.
func NewStreaming[T Number](conns []sysmap.QdmaConnection, kernelName, portName string, size int, be Backend, qdmaByQueue map[int]*qdmaintf.Intf) (*StreamingBuffer[T], error) {
	var conn *sysmap.QdmaConnection
	for i := range conns {
		if conns[i].Kernel == kernelName && conns[i].Interface == portName {
			conn = &conns[i]
			break
		}
	}
	if conn == nil {
		return nil, vrterr.New(vrterr.BundleInvalid, "buffer.NewStreaming", fmt.Sprintf("no QDMA connection for kernel %q port %q", kernelName, portName))
	}

	name := fmt.Sprintf("streamingBuffer_%d", conn.Qid)
	if conn.Direction == sysmap.DeviceToHost {
		name = fmt.Sprintf("outputStreamingBuffer_%d", conn.Qid)
	}

	sb := &StreamingBuffer[T]{host: make([]T, size), dir: conn.Direction, name: name, be: be}
	if be.Platform == sysmap.Hardware {
		sb.qdma = qdmaByQueue[conn.Qid]
	}
	return sb, nil
}

// Len returns the number of elements currently in the host mirror, which
// may change after a DeviceToHost Sync if the fetched size differs.
func (s *StreamingBuffer[T]) Len() int { return len(s.host) }

// Name returns the transport name this buffer streams under.
func (s *StreamingBuffer[T]) Name() string { return s.name }

// At returns the element at index, failing with OutOfRange if out of bounds.
func (s *StreamingBuffer[T]) At(index int) (T, error) {
	if index < 0 || index >= len(s.host) {
		var zero T
		return zero, vrterr.New(vrterr.OutOfRange, "buffer.StreamingBuffer.At", fmt.Sprintf("index %d out of range [0,%d)", index, len(s.host)))
	}
	return s.host[index], nil
}

// Set writes the element at index, failing with OutOfRange if out of bounds.
func (s *StreamingBuffer[T]) Set(index int, v T) error {
	if index < 0 || index >= len(s.host) {
		return vrterr.New(vrterr.OutOfRange, "buffer.StreamingBuffer.Set", fmt.Sprintf("index %d out of range [0,%d)", index, len(s.host)))
	}
	s.host[index] = v
	return nil
}

// Sync moves bytes between the host mirror and the bound QDMA stream queue,
// in the direction fixed by the system map at construction. C2H on hardware
// has no implementation and fails with Unsupported.
func (s *StreamingBuffer[T]) Sync() error {
	switch s.be.Platform {
	case sysmap.Hardware:
		if s.dir != sysmap.HostToDevice {
			return vrterr.New(vrterr.Unsupported, "buffer.StreamingBuffer.Sync", "C2H streaming buffer not implemented in hardware")
		}
		buf := make([]byte, len(s.host)*sizeOf[T]())
		writeElems(buf, s.host)
		return s.qdma.WriteBuff(buf, 0)
	case sysmap.Emulation:
		if s.dir == sysmap.HostToDevice {
			buf := make([]byte, len(s.host)*sizeOf[T]())
			writeElems(buf, s.host)
			return s.be.Msg.StreamIn(s.name, buf)
		}
		raw, err := s.be.Msg.StreamOut(s.name, uint64(len(s.host)*sizeOf[T]()))
		if err != nil {
			return err
		}
		n := len(raw) / sizeOf[T]()
		s.host = make([]T, n)
		readElems(raw, s.host)
		return nil
	default:
		return vrterr.New(vrterr.Unsupported, "buffer.StreamingBuffer.Sync", fmt.Sprintf("streaming buffer not implemented for platform %s", s.be.Platform))
	}
}
