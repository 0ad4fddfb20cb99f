// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package memregion implements the device-side address allocator: an HBM
// and DDR (plus a second DDR region, DDR2), port-aware, superblock-backed
// bump allocator.
//
// Small allocations are carved out of fixed-size superblocks by simple bump
// allocation; large allocations are tracked with an explicit free list and
// used-block list and placed first-fit. HBM additionally supports placing an
// allocation within one of its 32 physically distinct memory-controller
// ports, which matters for bandwidth on this fabric: leaving every buffer in
// port 0 silently collapses it to a single controller.
package memregion

import (
	"fmt"
	"sync"

	"vrt.dev/vrtrun/vrterr"
)

// Type identifies which physical memory region an allocation belongs to.
type Type int

const (
	HBM Type = iota
	DDR
	// DDR2 is the second DIMM-backed DDR region; the specification gives it
	// the same base address as DDR, modeled here as a distinct region so
	// both are independently addressable rather than aliasing one another.
	DDR2
)

func (t Type) String() string {
	switch t {
	case HBM:
		return "HBM"
	case DDR:
		return "DDR"
	case DDR2:
		return "DDR2"
	default:
		return "Unknown"
	}
}

// Layout constants from the specification's data model (§3).
const (
	HBMStart    = 0x4000000000
	HBMSize     = 32 * 1024 * 1024 * 1024
	HBMPortSize = 1 * 1024 * 1024 * 1024
	HBMPorts    = 32

	DDRStart = 0x60000000000
	DDRSize  = 32 * 1024 * 1024 * 1024

	DDR2Start = 0x60000000000
	DDR2Size  = 32 * 1024 * 1024 * 1024

	// DefaultSuperblockSize is the default superblock carved for small
	// allocations when the caller doesn't override it.
	DefaultSuperblockSize = 4096
)

type usedBlock struct {
	addr uint64
	size uint64
}

func (b usedBlock) overlaps(addr, size uint64) bool {
	return addr < b.addr+b.size && b.addr < addr+size
}

// superblock is a contiguous sub-range carved from a region for
// bump-allocation of small buffers.
type superblock struct {
	start  uint64
	size   uint64
	offset uint64
	free   []usedBlock
}

// allocate carves size bytes out of the superblock, reusing a freed slot of
// at least size bytes if one is available, otherwise bumping the live
// offset. Returns false if the superblock has no room left.
func (s *superblock) allocate(size uint64) (uint64, bool) {
	for i, f := range s.free {
		if f.size >= size {
			s.free = append(s.free[:i], s.free[i+1:]...)
			return f.addr, true
		}
	}
	if s.offset+size > s.size {
		return 0, false
	}
	addr := s.start + s.offset
	s.offset += size
	return addr, true
}

// deallocate is a no-op in this design beyond recording the slot for reuse:
// the fixed-size carve means any later allocate() of the same or smaller
// size can reuse it; superblock memory itself is only released when the
// owning region is dropped.
func (s *superblock) deallocate(addr, size uint64) {
	s.free = append(s.free, usedBlock{addr, size})
}

// region is one of the top-level memory ranges (HBM, DDR or DDR2).
type region struct {
	start uint64
	size  uint64

	// offset is the bump cursor used to place new superblocks and, for
	// non-port large allocations, to bound the initial linear sweep.
	offset uint64

	superblocks []*superblock
	freeList    []uint64
	used        []usedBlock
}

// Allocation is a live device-memory allocation: an address, its size, and
// the region it was carved from. Allocations are owned by Buffer and
// returned to Allocator.Deallocate when the Buffer is dropped; they are
// never relocated.
type Allocation struct {
	Addr   uint64
	Size   uint64
	Region Type
}

// Allocator is the two-region device-address allocator.
type Allocator struct {
	mu             sync.Mutex
	superblockSize uint64
	regions        map[Type]*region
	addrToBlock    map[uint64]*superblock
}

// New constructs an Allocator with HBM, DDR and DDR2 regions registered at
// their fixed base addresses and sizes, using superblockSize for small
// allocations (DefaultSuperblockSize if 0).
func New(superblockSize uint64) *Allocator {
	if superblockSize == 0 {
		superblockSize = DefaultSuperblockSize
	}
	a := &Allocator{
		superblockSize: superblockSize,
		regions:        map[Type]*region{},
		addrToBlock:    map[uint64]*superblock{},
	}
	a.regions[HBM] = &region{start: HBMStart, size: HBMSize}
	a.regions[DDR] = &region{start: DDRStart, size: DDRSize}
	a.regions[DDR2] = &region{start: DDR2Start, size: DDR2Size}
	return a
}

// Size returns the configured size of region t.
func (a *Allocator) Size(t Type) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.regions[t]
	if !ok {
		return 0, vrterr.New(vrterr.OutOfMemory, "Allocator.Size", fmt.Sprintf("invalid region type %v", t))
	}
	return r.size, nil
}

// Allocate carves out size bytes from region t. For HBM this is equivalent
// to AllocatePort(size, HBM, 0).
func (a *Allocator) Allocate(size uint64, t Type) (Allocation, error) {
	if t == HBM {
		return a.AllocatePort(size, HBM, 0)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.regions[t]
	if !ok {
		return Allocation{}, vrterr.New(vrterr.OutOfMemory, "Allocator.Allocate", fmt.Sprintf("invalid region type %v", t))
	}
	addr, err := a.allocateIn(r, size)
	if err != nil {
		return Allocation{}, err
	}
	return Allocation{Addr: addr, Size: size, Region: t}, nil
}

// allocateIn implements the non-port-aware small/large allocation strategy,
// shared by Allocate and the non-HBM path of AllocatePort.
func (a *Allocator) allocateIn(r *region, size uint64) (uint64, error) {
	if size < a.superblockSize/2 {
		for _, sb := range r.superblocks {
			if addr, ok := sb.allocate(size); ok {
				a.addrToBlock[addr] = sb
				return addr, nil
			}
		}
		if r.offset+a.superblockSize > r.size {
			return 0, vrterr.New(vrterr.OutOfMemory, "Allocator.allocateIn", "region exhausted while growing a new superblock")
		}
		sb := &superblock{start: r.start + r.offset, size: a.superblockSize}
		r.offset += a.superblockSize
		r.superblocks = append(r.superblocks, sb)
		addr, ok := sb.allocate(size)
		if !ok {
			return 0, vrterr.New(vrterr.OutOfMemory, "Allocator.allocateIn", "fresh superblock too small")
		}
		a.addrToBlock[addr] = sb
		return addr, nil
	}

	if n := len(r.freeList); n > 0 {
		addr := r.freeList[n-1]
		r.freeList = r.freeList[:n-1]
		return addr, nil
	}
	if r.offset+size > r.size {
		return 0, vrterr.New(vrterr.OutOfMemory, "Allocator.allocateIn", "region exhausted")
	}
	for addr := r.start; addr+size <= r.start+r.size; addr += size {
		if !anyOverlap(r.used, addr, size) {
			r.used = append(r.used, usedBlock{addr, size})
			return addr, nil
		}
	}
	return 0, vrterr.New(vrterr.OutOfMemory, "Allocator.allocateIn", "no non-overlapping address found")
}

// AllocatePort carves out size bytes from region t, preferring placement
// within HBM port's 1GiB window (spilling into the next port rather than
// failing, per the specification). port is ignored for non-HBM regions.
func (a *Allocator) AllocatePort(size uint64, t Type, port uint8) (Allocation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.regions[t]
	if !ok {
		return Allocation{}, vrterr.New(vrterr.OutOfMemory, "Allocator.AllocatePort", fmt.Sprintf("invalid region type %v", t))
	}
	if port > 31 {
		return Allocation{}, vrterr.New(vrterr.OutOfMemory, "Allocator.AllocatePort", fmt.Sprintf("invalid HBM port %d", port))
	}
	if t != HBM {
		addr, err := a.allocateIn(r, size)
		if err != nil {
			return Allocation{}, err
		}
		return Allocation{Addr: addr, Size: size, Region: t}, nil
	}

	portBase := uint64(HBMStart) + uint64(port)*HBMPortSize
	portEnd := portBase + 2*HBMPortSize*8

	if size < a.superblockSize/2 {
		for _, sb := range r.superblocks {
			if sb.start < portBase || sb.start >= portBase+HBMPortSize {
				continue
			}
			if addr, ok := sb.allocate(size); ok {
				a.addrToBlock[addr] = sb
				return Allocation{Addr: addr, Size: size, Region: HBM}, nil
			}
		}
		if r.offset+a.superblockSize > r.size {
			return Allocation{}, vrterr.New(vrterr.OutOfMemory, "Allocator.AllocatePort", "region exhausted while growing a port superblock")
		}
		if !anyOverlap(r.used, portBase, a.superblockSize) {
			sb := &superblock{start: portBase, size: a.superblockSize}
			r.superblocks = append(r.superblocks, sb)
			addr, ok := sb.allocate(size)
			if !ok {
				return Allocation{}, vrterr.New(vrterr.OutOfMemory, "Allocator.AllocatePort", "fresh port superblock too small")
			}
			r.used = append(r.used, usedBlock{addr, a.superblockSize})
			a.addrToBlock[addr] = sb
			return Allocation{Addr: addr, Size: size, Region: HBM}, nil
		}
		next := advancePastCovering(r.used, portBase)
		if next+a.superblockSize > r.start+r.size {
			return Allocation{}, vrterr.New(vrterr.OutOfMemory, "Allocator.AllocatePort", "port window exhausted")
		}
		sb := &superblock{start: next, size: a.superblockSize}
		r.superblocks = append(r.superblocks, sb)
		addr, ok := sb.allocate(size)
		if !ok {
			return Allocation{}, vrterr.New(vrterr.OutOfMemory, "Allocator.AllocatePort", "fresh port superblock too small")
		}
		r.used = append(r.used, usedBlock{addr, size})
		a.addrToBlock[addr] = sb
		return Allocation{Addr: addr, Size: size, Region: HBM}, nil
	}

	// Large allocation: reuse a free address inside the port window if one
	// exists...
	for i, addr := range r.freeList {
		if addr >= portBase && addr < portEnd {
			r.freeList = append(r.freeList[:i], r.freeList[i+1:]...)
			return Allocation{Addr: addr, Size: size, Region: HBM}, nil
		}
	}
	// ...otherwise find the smallest free address in the port window
	// according to the used-block list: any gap starts at portBase or right
	// after a used block.
	next, found := uint64(0), false
	consider := func(c uint64) {
		if c >= portBase && c+size <= portEnd && !anyOverlap(r.used, c, size) && (!found || c < next) {
			next, found = c, true
		}
	}
	consider(portBase)
	for _, b := range r.used {
		consider(b.addr + b.size)
	}
	if found {
		r.used = append(r.used, usedBlock{next, size})
		return Allocation{Addr: next, Size: size, Region: HBM}, nil
	}
	// Window exhausted: fall back to a linear sweep from portBase over the
	// whole region.
	for addr := portBase; addr+size <= r.start+r.size; addr += size {
		if !anyOverlap(r.used, addr, size) {
			r.used = append(r.used, usedBlock{addr, size})
			return Allocation{Addr: addr, Size: size, Region: HBM}, nil
		}
	}
	return Allocation{}, vrterr.New(vrterr.OutOfMemory, "Allocator.AllocatePort", "no non-overlapping address found in or beyond the port window")
}

// Deallocate returns alloc's address to its region, either by handing it
// back to the superblock that carved it or, for large allocations, by
// pushing it onto the region's free list.
func (a *Allocator) Deallocate(alloc Allocation) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if sb, ok := a.addrToBlock[alloc.Addr]; ok {
		sb.deallocate(alloc.Addr, alloc.Size)
		delete(a.addrToBlock, alloc.Addr)
		return
	}
	if r, ok := a.regions[alloc.Region]; ok {
		r.freeList = append(r.freeList, alloc.Addr)
	}
}

func anyOverlap(blocks []usedBlock, addr, size uint64) bool {
	for _, b := range blocks {
		if b.overlaps(addr, size) {
			return true
		}
	}
	return false
}

// advancePastCovering returns the first address at or after addr that is
// not covered by any used block, walking forward one covering block at a
// time.
func advancePastCovering(blocks []usedBlock, addr uint64) uint64 {
	advanced := true
	for advanced {
		advanced = false
		for _, b := range blocks {
			if addr >= b.addr && addr < b.addr+b.size {
				addr = b.addr + b.size
				advanced = true
			}
		}
	}
	return addr
}
