// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package bdf parses and canonicalizes PCIe Bus:Device.Function addresses.
//
// The canonical form is the 7-character BB:DD.F. An optional "0000:" domain
// prefix and a trailing ":00.0" primary-function suffix, both seen in the
// wild from tools that address the primary function explicitly, are
// tolerated and stripped.
package bdf

import (
	"fmt"
	"regexp"
	"strings"
)

var canonical = regexp.MustCompile(`^[0-9A-Fa-f]{2}:[0-9A-Fa-f]{2}\.[0-7]$`)

// BDF is a canonicalized PCIe address, always 7 characters: BB:DD.F.
type BDF string

// Parse validates and canonicalizes a BDF string, accepting a leading
// "0000:" domain prefix and/or a trailing ":00.0" primary-function suffix.
func Parse(s string) (BDF, error) {
	t := strings.TrimPrefix(s, "0000:")
	if len(t) > len("BB:DD.F") {
		t = strings.TrimSuffix(t, ":00.0")
	}
	if !canonical.MatchString(t) {
		return "", fmt.Errorf("bdf: %q is not a valid BB:DD.F address", s)
	}
	return BDF(strings.ToLower(t)), nil
}

// String returns the canonical 7-character form.
func (b BDF) String() string { return string(b) }

// Bus returns the two hex digits of the bus number, as used to build DMA
// character device paths like /dev/qdma<bus>001-MM-0.
func (b BDF) Bus() string { return string(b)[:2] }

// LockFileName returns the name of the per-BDF advisory lock file, rooted
// under the runtime directory.
func (b BDF) LockFileName() string {
	return fmt.Sprintf("pcie_device_%s.lock", b)
}

// HotplugNodeName returns the PCIe hot-plug character device name for this
// BDF, as created by the kernel module under /dev/.
func (b BDF) HotplugNodeName() string {
	return fmt.Sprintf("pcie_hotplug_0000:%s", b)
}
