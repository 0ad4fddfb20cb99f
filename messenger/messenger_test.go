// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package messenger

import (
	"bufio"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
)

// fakeServer accepts one connection and answers each request with a reply
// produced by respond, looping until the connection closes.
func fakeServer(t *testing.T, addr string, respond func(cmd map[string]interface{}, data []byte) ([]byte, []byte)) {
	l, err := net.Listen("unix", addr)
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		for {
			cmdBytes, err := readFrame(r)
			if err != nil {
				return
			}
			var cmd map[string]interface{}
			if err := json.Unmarshal(cmdBytes, &cmd); err != nil {
				return
			}
			var data []byte
			if cmd["command"] == "populate" || cmd["command"] == "stream_in" {
				data, err = readFrame(r)
				if err != nil {
					return
				}
			}
			reply, extra := respond(cmd, data)
			if err := writeFrame(conn, reply); err != nil {
				return
			}
			_ = extra
		}
	}()
	t.Cleanup(func() { l.Close() })
}

func TestPopulateAndFetchScalar(t *testing.T) {
	addr := filepath.Join(t.TempDir(), "msg.sock")
	fakeServer(t, addr, func(cmd map[string]interface{}, data []byte) ([]byte, []byte) {
		switch cmd["command"] {
		case "populate":
			return []byte("OK"), nil
		case "fetch":
			return []byte("42"), nil
		}
		return []byte("OK"), nil
	})

	m, err := Dial(addr)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	if err := m.Populate(0x1000, []byte{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}
	v, err := m.FetchScalar(0x1000)
	if err != nil {
		t.Fatal(err)
	}
	if v != 42 {
		t.Errorf("FetchScalar = %d, want 42", v)
	}
}

func TestFetchBuffer(t *testing.T) {
	addr := filepath.Join(t.TempDir(), "msg.sock")
	fakeServer(t, addr, func(cmd map[string]interface{}, data []byte) ([]byte, []byte) {
		b, _ := json.Marshal([]int{10, 20, 30})
		return b, nil
	})

	m, err := Dial(addr)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	got, err := m.FetchBuffer(0x2000, 3)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{10, 20, 30}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("byte %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestWriteRegStartExit(t *testing.T) {
	addr := filepath.Join(t.TempDir(), "msg.sock")
	var seen []string
	fakeServer(t, addr, func(cmd map[string]interface{}, data []byte) ([]byte, []byte) {
		seen = append(seen, cmd["command"].(string))
		return []byte("OK"), nil
	})

	m, err := Dial(addr)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	if err := m.WriteReg(0x10, 7); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	if err := m.Exit(); err != nil {
		t.Fatal(err)
	}
}

func TestStreamInOut(t *testing.T) {
	addr := filepath.Join(t.TempDir(), "msg.sock")
	fakeServer(t, addr, func(cmd map[string]interface{}, data []byte) ([]byte, []byte) {
		if cmd["command"] == "stream_in" {
			return []byte("OK"), nil
		}
		return []byte{0xAA, 0xBB, 0xCC}, nil
	})

	m, err := Dial(addr)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	if err := m.StreamIn("s0", []byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	out, err := m.StreamOut("s0", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 3 {
		t.Errorf("len(out) = %d, want 3", len(out))
	}
}

func TestDialFailure(t *testing.T) {
	if _, err := Dial(filepath.Join(t.TempDir(), "nonexistent.sock")); err == nil {
		t.Fatal("expected error dialing nonexistent socket")
	}
}
