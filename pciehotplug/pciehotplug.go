// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package pciehotplug drives the PCIe hot-plug character device created by
// the kernel module: it writes short literal commands that trigger a PCI
// remove/rescan/SBR dance, making a reprogrammed fabric visible to the host
// again.
package pciehotplug

import (
	"fmt"
	"os"

	"vrt.dev/vrtrun/bdf"
	"vrt.dev/vrtrun/vrterr"
	"vrt.dev/vrtrun/vrtlog"
)

// Command is one of the literal payloads the driver accepts.
type Command string

const (
	Remove     Command = "remove"
	ToggleSBR  Command = "toggle_sbr"
	Rescan     Command = "rescan"
	Hotplug    Command = "hotplug"
	devDirRoot         = "/dev"
)

// Handler writes hot-plug commands for a single device. One Handler per BDF.
type Handler struct {
	bdf  bdf.BDF
	path string
}

// New constructs a Handler for bdf, failing fatally if the kernel module's
// character device node doesn't exist.
func New(b bdf.BDF) (*Handler, error) {
	path := fmt.Sprintf("%s/%s", devDirRoot, b.HotplugNodeName())
	if _, err := os.Stat(path); err != nil {
		return nil, vrterr.Wrap(vrterr.HardwareNotFound, "pciehotplug.New", fmt.Sprintf("expected hot-plug node at %s", path), err)
	}
	return &Handler{bdf: b, path: path}, nil
}

// Send opens the hot-plug node write-only, writes cmd's literal payload, and
// closes. There is no acknowledgement; inter-command delays are the caller's
// responsibility.
func (h *Handler) Send(cmd Command) error {
	f, err := os.OpenFile(h.path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return vrterr.Wrap(vrterr.IoError, "pciehotplug.Send", string(cmd), err)
	}
	defer f.Close()
	n, err := f.WriteString(string(cmd))
	if err != nil {
		return vrterr.Wrap(vrterr.IoError, "pciehotplug.Send", string(cmd), err)
	}
	if n != len(cmd) {
		return vrterr.New(vrterr.IoError, "pciehotplug.Send", fmt.Sprintf("short write: wrote %d of %d bytes for %q", n, len(cmd), cmd))
	}
	vrtlog.Get().WithField("bdf", h.bdf).Infof("hot-plug: %s", cmd)
	return nil
}
