// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package sysmap parses the system_map.xml carried inside a bundle archive,
// producing the kernel register files, QDMA stream connections, platform and
// clock frequency that the rest of the runtime dispatches on.
package sysmap

import (
	"encoding/xml"
	"fmt"
	"os"
	"strconv"
	"strings"

	"vrt.dev/vrtrun/register"
	"vrt.dev/vrtrun/vrterr"
)

// Platform is the backend the bundle was built for.
type Platform int

const (
	Hardware Platform = iota
	Emulation
	Simulation
)

func (p Platform) String() string {
	switch p {
	case Hardware:
		return "Hardware"
	case Emulation:
		return "Emulation"
	case Simulation:
		return "Simulation"
	default:
		return "Unknown"
	}
}

// BundleType determines the programming strategy.
type BundleType int

const (
	// Flat writes the PDI to flash and reboots to the target partition.
	Flat BundleType = iota
	// Segmented assumes a base PDI is already on partition 1 and performs a
	// partial reconfiguration.
	Segmented
)

// Direction is the data-flow direction of a QDMA stream connection.
type Direction int

const (
	HostToDevice Direction = iota
	DeviceToHost
)

// QdmaConnection identifies one stream queue binding.
type QdmaConnection struct {
	Kernel    string
	Qid       int
	Interface string
	Direction Direction
}

// KernelDescriptor is a kernel's base address, address range and ordered
// register list.
type KernelDescriptor struct {
	Name       string
	BaseAddr   uint64
	Range      uint64
	Registers  []register.Descriptor
}

// SystemMap is the parsed contents of system_map.xml.
type SystemMap struct {
	Platform   Platform
	BundleType BundleType
	ClockHz    uint64
	Kernels    map[string]KernelDescriptor
	Qdma       []QdmaConnection
}

// barWindowBase is the fixed BAR window that every kernel's address range
// must fall inside, per the data model invariant on KernelDescriptor.
const barWindowBase = 0x20100000000

// xml wire types, matching the schema in the specification's §6.

type xmlSystemMap struct {
	XMLName        xml.Name     `xml:"SystemMap"`
	Platform       string       `xml:"Platform"`
	Type           string       `xml:"Type"`
	ClockFrequency string       `xml:"ClockFrequency"`
	Kernels        []xmlKernel  `xml:"Kernel"`
	Qdmas          []xmlQdma    `xml:"Qdma"`
}

type xmlKernel struct {
	Name        string        `xml:"Name"`
	BaseAddress string        `xml:"BaseAddress"`
	Range       string        `xml:"Range"`
	Registers   []xmlRegister `xml:"register"`
}

type xmlRegister struct {
	Offset      string `xml:"offset,attr"`
	Name        string `xml:"name,attr"`
	Access      string `xml:"access,attr"`
	Description string `xml:"description,attr"`
	Range       string `xml:"range,attr"`
}

type xmlQdma struct {
	Kernel    string `xml:"kernel"`
	Interface string `xml:"interface"`
	Qid       string `xml:"qid"`
	Direction string `xml:"direction"`
}

// ParseFile reads and parses the system_map.xml at path.
func ParseFile(path string) (*SystemMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, vrterr.Wrap(vrterr.BundleInvalid, "sysmap.ParseFile", path, err)
	}
	return Parse(data)
}

// Parse parses raw system_map.xml content.
func Parse(data []byte) (*SystemMap, error) {
	var doc xmlSystemMap
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, vrterr.Wrap(vrterr.BundleInvalid, "sysmap.Parse", "malformed system_map.xml", err)
	}

	sm := &SystemMap{Kernels: map[string]KernelDescriptor{}}

	switch doc.Platform {
	case "Hardware":
		sm.Platform = Hardware
	case "Emulation":
		sm.Platform = Emulation
	case "Simulation":
		sm.Platform = Simulation
	default:
		return nil, vrterr.New(vrterr.PlatformUnknown, "sysmap.Parse", fmt.Sprintf("unknown platform %q", doc.Platform))
	}

	if doc.Type == "Full" {
		sm.BundleType = Flat
	} else {
		sm.BundleType = Segmented
	}

	if doc.ClockFrequency != "" {
		hz, err := parseUint(doc.ClockFrequency)
		if err != nil {
			return nil, vrterr.Wrap(vrterr.BundleInvalid, "sysmap.Parse", "ClockFrequency", err)
		}
		sm.ClockHz = hz
	}

	for _, xk := range doc.Kernels {
		kd, err := parseKernel(xk)
		if err != nil {
			return nil, err
		}
		sm.Kernels[kd.Name] = kd
	}

	for _, xq := range doc.Qdmas {
		qc, err := parseQdma(xq)
		if err != nil {
			return nil, err
		}
		sm.Qdma = append(sm.Qdma, qc)
	}

	return sm, nil
}

func parseKernel(xk xmlKernel) (KernelDescriptor, error) {
	base, err := parseUint(xk.BaseAddress)
	if err != nil {
		return KernelDescriptor{}, vrterr.Wrap(vrterr.BundleInvalid, "sysmap.parseKernel", xk.Name+": BaseAddress", err)
	}
	rng, err := parseUint(xk.Range)
	if err != nil {
		return KernelDescriptor{}, vrterr.Wrap(vrterr.BundleInvalid, "sysmap.parseKernel", xk.Name+": Range", err)
	}
	if base < barWindowBase {
		return KernelDescriptor{}, vrterr.New(vrterr.BundleInvalid, "sysmap.parseKernel", fmt.Sprintf("%s: base address 0x%x is outside the BAR window at 0x%x", xk.Name, base, uint64(barWindowBase)))
	}
	var regs []register.Descriptor
	var lastOffset int64 = -1
	for _, xr := range xk.Registers {
		offset, err := parseUint(xr.Offset)
		if err != nil {
			return KernelDescriptor{}, vrterr.Wrap(vrterr.BundleInvalid, "sysmap.parseKernel", xk.Name+": register offset", err)
		}
		if int64(offset) <= lastOffset {
			return KernelDescriptor{}, vrterr.New(vrterr.BundleInvalid, "sysmap.parseKernel", fmt.Sprintf("%s: register offsets must be strictly increasing (got 0x%x after 0x%x)", xk.Name, offset, lastOffset))
		}
		lastOffset = int64(offset)
		width, err := strconv.ParseUint(xr.Range, 10, 32)
		if err != nil {
			return KernelDescriptor{}, vrterr.Wrap(vrterr.BundleInvalid, "sysmap.parseKernel", xk.Name+": register range", err)
		}
		regs = append(regs, register.New(xr.Name, offset, uint32(width), register.Access(xr.Access), xr.Description))
	}

	return KernelDescriptor{Name: xk.Name, BaseAddr: base, Range: rng, Registers: regs}, nil
}

func parseQdma(xq xmlQdma) (QdmaConnection, error) {
	qid, err := strconv.Atoi(strings.TrimSpace(xq.Qid))
	if err != nil {
		return QdmaConnection{}, vrterr.Wrap(vrterr.BundleInvalid, "sysmap.parseQdma", "qid", err)
	}
	if qid < 0 || qid > 15 {
		return QdmaConnection{}, vrterr.New(vrterr.BundleInvalid, "sysmap.parseQdma", fmt.Sprintf("qid %d out of range [0,15]", qid))
	}
	var dir Direction
	switch xq.Direction {
	case "HostToDevice":
		dir = HostToDevice
	case "DeviceToHost":
		dir = DeviceToHost
	default:
		return QdmaConnection{}, vrterr.New(vrterr.BundleInvalid, "sysmap.parseQdma", fmt.Sprintf("unknown direction %q", xq.Direction))
	}
	return QdmaConnection{Kernel: xq.Kernel, Qid: qid, Interface: xq.Interface, Direction: dir}, nil
}

// parseUint parses a hex literal with or without a leading "0x", or a
// decimal literal otherwise: width is implied by the literal, matching the
// specification's "permissive" numeric parsing.
func parseUint(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	trimmed := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if trimmed != s {
		return strconv.ParseUint(trimmed, 16, 64)
	}
	// No 0x prefix: still accept hex digits if any letter a-fA-F is present,
	// otherwise parse as decimal.
	if strings.ContainsAny(s, "abcdefABCDEF") {
		return strconv.ParseUint(s, 16, 64)
	}
	return strconv.ParseUint(s, 10, 64)
}
