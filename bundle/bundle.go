// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package bundle manages the accelerator bundle archive: extraction into the
// per-user cache directory, platform classification via the embedded system
// map, hardware metadata persistence under $AMI_HOME, and logic-UUID
// discovery from version.json.
package bundle

import (
	"archive/tar"
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"vrt.dev/vrtrun/bdf"
	"vrt.dev/vrtrun/fscache"
	"vrt.dev/vrtrun/sysmap"
	"vrt.dev/vrtrun/vrterr"
	"vrt.dev/vrtrun/vrtlog"
)

// Well-known entry names inside the archive.
const (
	systemMapName   = "system_map.xml"
	pdiName         = "design.pdi"
	versionName     = "version.json"
	utilizationName = "report_utilization.xml"
	emuExecName     = "vpp_emu"
	simExecName     = "vpp_sim"
)

// Bundle is an extracted accelerator bundle: the archive's contents laid out
// in the cache directory, classified by platform, with the hardware metadata
// mirrored under $AMI_HOME/<BDF>/ when applicable.
type Bundle struct {
	// Path is the original archive location.
	Path string
	// ExtractDir is where the archive's entries were unpacked.
	ExtractDir string
	// Platform and BundleType come from the embedded system map.
	Platform   sysmap.Platform
	BundleType sysmap.BundleType
	// SystemMapPath is the authoritative system_map.xml for the rest of the
	// runtime: the $AMI_HOME copy for hardware, the extracted copy otherwise.
	SystemMapPath string
	// PdiPath is set only for hardware bundles.
	PdiPath string
	// EmulationExec / SimulationExec are set only for their platforms.
	EmulationExec  string
	SimulationExec string
	// UUID is the logic UUID scanned out of version.json, or "" when the
	// file is missing or carries none.
	UUID string
}

// Open extracts the archive at path for device b and classifies it.
//
// The archive must exist and contain system_map.xml; hardware bundles must
// additionally carry design.pdi, and their metadata is copied under
// $AMI_HOME/<BDF>/ (an unset AMI_HOME is fatal only on that path). A missing
// or malformed version.json leaves UUID empty rather than failing.
func Open(path string, b bdf.BDF) (*Bundle, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, vrterr.Wrap(vrterr.BundleInvalid, "bundle.Open", path, err)
	}

	dest := filepath.Join(fscache.CacheDir(), b.String())
	if err := fscache.EnsureDir(dest); err != nil {
		return nil, vrterr.Wrap(vrterr.BundleInvalid, "bundle.Open", "creating extraction dir "+dest, err)
	}
	if err := extract(path, dest); err != nil {
		return nil, err
	}

	sm, err := sysmap.ParseFile(filepath.Join(dest, systemMapName))
	if err != nil {
		return nil, err
	}

	bun := &Bundle{
		Path:          path,
		ExtractDir:    dest,
		Platform:      sm.Platform,
		BundleType:    sm.BundleType,
		SystemMapPath: filepath.Join(dest, systemMapName),
	}

	switch sm.Platform {
	case sysmap.Hardware:
		bun.PdiPath = filepath.Join(dest, pdiName)
		if _, err := os.Stat(bun.PdiPath); err != nil {
			return nil, vrterr.Wrap(vrterr.BundleInvalid, "bundle.Open", "hardware bundle missing "+pdiName, err)
		}
		if err := bun.persistMetadata(b); err != nil {
			return nil, err
		}
		bun.UUID = extractUUID(filepath.Join(dest, versionName))
	case sysmap.Emulation:
		bun.EmulationExec = filepath.Join(dest, emuExecName)
	case sysmap.Simulation:
		bun.SimulationExec = filepath.Join(dest, simExecName)
	}

	vrtlog.Get().WithField("bdf", b).Infof("bundle %s extracted: platform=%s uuid=%q", path, bun.Platform, bun.UUID)
	return bun, nil
}

// persistMetadata mirrors the hardware metadata files into $AMI_HOME/<BDF>/
// and repoints SystemMapPath at the persisted copy.
func (bun *Bundle) persistMetadata(b bdf.BDF) error {
	amiHome, ok := fscache.AmiHome()
	if !ok {
		return vrterr.New(vrterr.BundleInvalid, "bundle.persistMetadata", "AMI_HOME environment variable not set")
	}
	dir := filepath.Join(amiHome, b.String())
	if err := fscache.EnsureDir(dir); err != nil {
		return vrterr.Wrap(vrterr.BundleInvalid, "bundle.persistMetadata", dir, err)
	}
	for _, name := range []string{systemMapName, versionName, utilizationName} {
		if err := copyFile(filepath.Join(bun.ExtractDir, name), filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	bun.SystemMapPath = filepath.Join(dir, systemMapName)
	return nil
}

// extract unpacks the uncompressed tar archive at src into dest. Paths that
// would escape dest are rejected.
func extract(src, dest string) error {
	f, err := os.Open(src)
	if err != nil {
		return vrterr.Wrap(vrterr.BundleInvalid, "bundle.extract", src, err)
	}
	defer f.Close()

	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return vrterr.Wrap(vrterr.BundleInvalid, "bundle.extract", "reading "+src, err)
		}
		target := filepath.Join(dest, hdr.Name)
		if !strings.HasPrefix(filepath.Clean(target), filepath.Clean(dest)+string(os.PathSeparator)) {
			return vrterr.New(vrterr.BundleInvalid, "bundle.extract", fmt.Sprintf("entry %q escapes extraction dir", hdr.Name))
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return vrterr.Wrap(vrterr.BundleInvalid, "bundle.extract", target, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return vrterr.Wrap(vrterr.BundleInvalid, "bundle.extract", target, err)
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)&0o777)
			if err != nil {
				return vrterr.Wrap(vrterr.BundleInvalid, "bundle.extract", target, err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return vrterr.Wrap(vrterr.BundleInvalid, "bundle.extract", target, err)
			}
			out.Close()
		}
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return vrterr.Wrap(vrterr.BundleInvalid, "bundle.copyFile", src, err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return vrterr.Wrap(vrterr.BundleInvalid, "bundle.copyFile", dst, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return vrterr.Wrap(vrterr.BundleInvalid, "bundle.copyFile", dst, err)
	}
	return nil
}

// extractUUID scans version.json line-wise for the first "logic_uuid" entry
// and returns the quoted value; any failure yields "" since a missing UUID
// is non-fatal.
func extractUUID(versionPath string) string {
	f, err := os.Open(versionPath)
	if err != nil {
		return ""
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		pos := strings.Index(line, `"logic_uuid"`)
		if pos < 0 {
			continue
		}
		rest := line[pos+len(`"logic_uuid"`):]
		start := strings.Index(rest, `"`)
		if start < 0 {
			return ""
		}
		end := strings.Index(rest[start+1:], `"`)
		if end < 0 {
			return ""
		}
		return rest[start+1 : start+1+end]
	}
	return ""
}

// SameUUID reports whether two logic UUIDs name the same image. When both
// sides parse as UUIDs (with or without dashes) they compare by value, so a
// dashed version.json UUID matches the bare 32-hex form read back off
// flash; otherwise the comparison falls back to the raw strings.
func SameUUID(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	ua, errA := uuid.Parse(normalizeUUID(a))
	ub, errB := uuid.Parse(normalizeUUID(b))
	if errA == nil && errB == nil {
		return ua == ub
	}
	return strings.EqualFold(a, b)
}

// normalizeUUID rewrites a bare 32-hex-digit UUID into the canonical dashed
// form uuid.Parse accepts; anything else passes through untouched.
func normalizeUUID(s string) string {
	t := strings.ToLower(strings.TrimSpace(s))
	if len(t) != 32 {
		return t
	}
	return t[0:8] + "-" + t[8:12] + "-" + t[12:16] + "-" + t[16:20] + "-" + t[20:32]
}
