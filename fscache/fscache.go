// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package fscache resolves the per-user cache and runtime directories used to
// extract bundle archives and hold the per-BDF lock file.
package fscache

import (
	"fmt"
	"os"
)

// CacheDir resolves the bundle-extraction cache directory, in order:
// SLASH_CACHE_PATH, XDG_CACHE_HOME, HOME, falling back to
// /tmp/SLASH-cache-<uid>/vrt.
func CacheDir() string {
	if v := os.Getenv("SLASH_CACHE_PATH"); v != "" {
		return v
	}
	if v := os.Getenv("XDG_CACHE_HOME"); v != "" {
		return join(v, "vrt")
	}
	if v := os.Getenv("HOME"); v != "" {
		return join(v, ".cache", "vrt")
	}
	return fmt.Sprintf("/tmp/SLASH-cache-%d/vrt", os.Getuid())
}

// RuntimeDir resolves the runtime directory that holds the per-BDF advisory
// lock files, in order: SLASH_RUNTIME_PATH, XDG_RUNTIME_DIR, falling back to
// /tmp/SLASH-run-<uid>/vrt.
func RuntimeDir() string {
	if v := os.Getenv("SLASH_RUNTIME_PATH"); v != "" {
		return v
	}
	if v := os.Getenv("XDG_RUNTIME_DIR"); v != "" {
		return join(v, "vrt")
	}
	return fmt.Sprintf("/tmp/SLASH-run-%d/vrt", os.Getuid())
}

// AmiHome returns $AMI_HOME and whether it was set. Callers that need to
// persist hardware metadata treat an unset AMI_HOME as fatal per the
// specification; callers on the emulation/simulation path never call this.
func AmiHome() (string, bool) {
	v, ok := os.LookupEnv("AMI_HOME")
	return v, ok && v != ""
}

// EnsureDir creates dir (and parents) if it doesn't already exist.
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}

func join(parts ...string) string {
	out := ""
	for _, p := range parts {
		if out == "" {
			out = p
			continue
		}
		out += "/" + p
	}
	return out
}
