// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package qdmaintf

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestOpenMMPath(t *testing.T) {
	i := OpenMM("5e")
	if i.path != "/dev/qdma5e001-MM-0" {
		t.Errorf("path = %s", i.path)
	}
}

func TestOpenStreamPath(t *testing.T) {
	i := OpenStream("5e", 3)
	if i.path != "/dev/qdma5e001-ST-3" {
		t.Errorf("path = %s", i.path)
	}
	if i.QueueIdx() != 3 {
		t.Errorf("QueueIdx = %d", i.QueueIdx())
	}
}

// TestWriteReadRoundTrip exercises the chunking loop against a regular file
// standing in for the character device, with a transfer well under
// MaxTransfer so the single-chunk path is taken.
func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "qdma-stand-in")
	if err := os.WriteFile(path, make([]byte, 4096), 0o600); err != nil {
		t.Fatal(err)
	}

	i := &Intf{path: path}
	want := bytes.Repeat([]byte{0xAB}, 1024)
	if err := i.WriteBuff(want, 512); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, len(want))
	if err := i.ReadBuff(got, 512); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("round trip mismatch")
	}
}

func TestWriteMissingDevice(t *testing.T) {
	i := &Intf{path: "/nonexistent/qdma-path"}
	if err := i.WriteBuff([]byte{1, 2, 3}, 0); err == nil {
		t.Fatal("expected error opening missing device")
	}
}
