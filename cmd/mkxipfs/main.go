// Command mkxipfs builds a formatted xipfs flash image from a directory
// tree on the host, seeding it entirely through the façade's own
// Format/Mkdir/NewFile/Open/Write calls so the result is guaranteed to
// satisfy every core invariant; it never pokes image bytes directly.
package main

import (
	"flag"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/2xs/xipfs"
	"github.com/2xs/xipfs/internal/env"
	"github.com/2xs/xipfs/internal/flash"
	"github.com/2xs/xipfs/internal/xipexec"
)

var (
	image    = flag.String("image", env.ImagePath, "path to the flash image file to create")
	srcdir   = flag.String("srcdir", "", "directory tree to seed the image with (optional)")
	base     = flag.Uint64("base", 0x08000000, "base address of the mount window")
	pageSize = flag.Int("pagesize", 4096, "flash page size in bytes")
	pages    = flag.Int("pages", env.PageCount, "number of pages in the mount window")
	wbSize   = flag.Int("wbsize", 8, "flash write-block size in bytes")
	arch     = flag.String("arch", "sim", "target architecture to select when srcdir holds multiple cross-compiled variants of the same binary (e.g. blink-cortex-m4, blink-sim)")
)

func logic() error {
	dev, err := flash.CreateFileDevice(*image, uintptr(*base), *pageSize, *pages, *wbSize)
	if err != nil {
		return err
	}
	if err := xipfs.Format(dev, *pages); err != nil {
		return err
	}
	registry := xipexec.NewRegistry()
	mp, err := xipfs.Mount(*image, dev, *pages, &xipexec.SimCPU{Registry: registry})
	if err != nil {
		return err
	}

	if *srcdir != "" {
		if err := seed(mp, *srcdir); err != nil {
			return err
		}
	}

	if err := xipfs.Umount(mp); err != nil {
		return err
	}
	if err := dev.Flush(); err != nil {
		return err
	}
	return flash.WriteImageHeader(*image, flash.ImageHeader{
		Base:           uintptr(*base),
		PageSize:       *pageSize,
		NumPages:       *pages,
		WriteBlockSize: *wbSize,
	})
}

// seed walks srcdir and replays it onto mp as directories and files,
// preserving the host's executable bit as the record's exec flag.
func seed(mp *xipfs.MountPoint, srcdir string) error {
	return filepath.WalkDir(srcdir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcdir, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		xipfsPath := "/" + filepath.ToSlash(rel)

		if d.IsDir() {
			return mp.Mkdir(xipfsPath)
		}

		// A source tree may carry several cross-compiled variants of the
		// same binary side by side (blink-cortex-m4, blink-sim); embed only
		// the one matching -arch, under its unsuffixed name, and skip the
		// rest entirely.
		if got, ok := xipfs.HasArchSuffix(xipfsPath); ok {
			if got != *arch {
				return nil
			}
			xipfsPath = strings.TrimSuffix(xipfsPath, "-"+got)
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		exec := info.Mode()&0111 != 0
		if err := mp.NewFile(xipfsPath, uint32(len(data)), exec); err != nil {
			return err
		}
		if len(data) == 0 {
			return nil
		}
		fd, err := mp.Open(xipfsPath, xipfs.OWRONLY, 0)
		if err != nil {
			return err
		}
		if _, err := mp.Write(fd, data); err != nil {
			return err
		}
		return mp.Close(fd)
	})
}

func main() {
	log.SetPrefix("mkxipfs: ")
	log.SetFlags(0)
	flag.Parse()
	if err := logic(); err != nil {
		log.Fatal(err)
	}
}
