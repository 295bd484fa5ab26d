// Package env captures host-tooling defaults for xipfs: the backing image
// path, the FUSE mount point, and the page geometry used when none of these
// are given on the command line.
package env

import (
	"os"
	"strconv"
)

// ImagePath is the backing flash image file used by host tooling
// (mkxipfs, xipfsfuse, xipfs-snapshot, xipfs-analyze) when -image is not
// given on the command line.
var ImagePath = findImagePath()

// MountPath is a default FUSE mount point (XIPFS_MOUNT or $HOME/xipfs).
// xipfsfuse does not read it: its mount point is a required command-line
// argument.
var MountPath = findMountPath()

// PageCount is the default image geometry (in pages) used by mkxipfs when
// -pages is not given on the command line.
var PageCount = findPageCount()

func findImagePath() string {
	if v := os.Getenv("XIPFS_IMAGE"); v != "" {
		return v
	}
	return os.ExpandEnv("$HOME/xipfs.img") // default
}

func findMountPath() string {
	if v := os.Getenv("XIPFS_MOUNT"); v != "" {
		return v
	}
	return os.ExpandEnv("$HOME/xipfs") // default
}

func findPageCount() int {
	if v := os.Getenv("XIPFS_PAGES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 64 // default: 64 pages
}
