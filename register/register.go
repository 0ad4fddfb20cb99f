// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package register describes a single MMIO register in a kernel's register
// file: its offset, bit width, access mode, name and description.
package register

import "regexp"

// lowWordOfU64 matches a register name like "ptr_0" that denotes the low 32
// bits of a 64-bit argument; the immediately following descriptor holds the
// high 32 bits. Computed once per descriptor at parse time (Descriptor.Is64Lo)
// rather than re-matched per argument during marshalling.
var lowWordOfU64 = regexp.MustCompile(`_[0-9]+$`)

// Access is the register's declared access mode, taken verbatim from the
// system map (e.g. "RW", "RO").
type Access string

// Descriptor is the static description of one MMIO register.
type Descriptor struct {
	Name        string
	Offset      uint64
	Width       uint32
	Access      Access
	Description string
	// Is64Lo is true when Name matches *_<digits>$, marking this descriptor
	// as the low word of a 64-bit argument whose high word lives in the
	// next descriptor in declaration order.
	Is64Lo bool
}

// New builds a Descriptor, precomputing Is64Lo from name.
func New(name string, offset uint64, width uint32, access Access, description string) Descriptor {
	return Descriptor{
		Name:        name,
		Offset:      offset,
		Width:       width,
		Access:      access,
		Description: description,
		Is64Lo:      lowWordOfU64.MatchString(name),
	}
}
