// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// vrtinfo opens a device with a bundle archive and prints the fabric layout
// the runtime sees: platform, clock, kernels with their register files, and
// the QDMA stream connections.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/sirupsen/logrus"

	"vrt.dev/vrtrun/device"
	"vrt.dev/vrtrun/sysmap"
	"vrt.dev/vrtrun/vrtlog"
)

func mainImpl() error {
	bdfFlag := flag.String("d", "", "device BDF (BB:DD.F)")
	bundleFlag := flag.String("b", "", "path to the bundle archive")
	jtag := flag.Bool("jtag", false, "program over JTAG instead of flash")
	skip := flag.Bool("skip-program", false, "never reprogram, even on a UUID mismatch")
	verbose := flag.Bool("v", false, "verbose mode")
	flag.Parse()
	if *verbose {
		vrtlog.Configure(logrus.DebugLevel, os.Stderr)
	}
	if flag.NArg() != 0 {
		return errors.New("unexpected argument, try -help")
	}
	if *bdfFlag == "" || *bundleFlag == "" {
		return errors.New("both -d and -b are required, try -help")
	}

	opts := device.Options{SkipProgram: *skip}
	if *jtag {
		opts.ProgramType = device.JTAG
	}
	dev, err := device.OpenWith(*bdfFlag, *bundleFlag, opts)
	if err != nil {
		return err
	}
	defer dev.Cleanup()

	fmt.Printf("Device:   %s\n", dev.BDF())
	fmt.Printf("Platform: %s\n", dev.Platform())
	if hz := dev.Frequency(); hz != 0 {
		fmt.Printf("Clock:    %d Hz\n", hz)
	}
	names := dev.KernelNames()
	sort.Strings(names)
	if len(names) != 0 {
		fmt.Println("Kernels:")
		for _, name := range names {
			fmt.Printf("  %s\n", name)
		}
	}
	conns := dev.QdmaConnections()
	if len(conns) != 0 {
		fmt.Println("Streams:")
		for _, c := range conns {
			dir := "h2c"
			if c.Direction == sysmap.DeviceToHost {
				dir = "c2h"
			}
			fmt.Printf("  qid %2d  %-4s  %s.%s\n", c.Qid, dir, c.Kernel, c.Interface)
		}
	}
	return nil
}

func main() {
	if err := mainImpl(); err != nil {
		fmt.Fprintf(os.Stderr, "vrtinfo: %s.\n", err)
		os.Exit(1)
	}
}
