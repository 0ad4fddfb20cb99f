// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package pciehotplug

import (
	"os"
	"path/filepath"
	"testing"

	"vrt.dev/vrtrun/bdf"
)

func TestNewMissingNode(t *testing.T) {
	b, _ := bdf.Parse("65:00.0")
	if _, err := New(b); err == nil {
		t.Fatal("expected error when hot-plug node does not exist")
	}
}

func TestSendWritesExactBytes(t *testing.T) {
	dir := t.TempDir()
	b, _ := bdf.Parse("65:00.0")
	path := filepath.Join(dir, b.HotplugNodeName())
	if err := os.WriteFile(path, nil, 0o666); err != nil {
		t.Fatal(err)
	}
	h := &Handler{bdf: b, path: path}

	var total int
	for _, cmd := range []Command{Remove, ToggleSBR, Rescan, Hotplug} {
		if err := h.Send(cmd); err != nil {
			t.Fatalf("Send(%s): %v", cmd, err)
		}
		total += len(cmd)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != total {
		t.Errorf("total bytes written = %d, want %d", len(data), total)
	}
	want := string(Remove) + string(ToggleSBR) + string(Rescan) + string(Hotplug)
	if string(data) != want {
		t.Errorf("content = %q, want %q", data, want)
	}
}
