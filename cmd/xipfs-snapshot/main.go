// Command xipfs-snapshot gzip-compresses a flash image file for transport
// off-device, or decompresses one back, without ever mounting it as a
// filesystem.
package main

import (
	"flag"
	"io"
	"log"
	"os"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/xerrors"

	"github.com/2xs/xipfs/internal/env"
)

var (
	image      = flag.String("image", env.ImagePath, "path to the flash image file")
	out        = flag.String("out", "", "output path (required)")
	decompress = flag.Bool("d", false, "decompress -image into -out instead of compressing")
)

func compress(in, out string) error {
	src, err := os.Open(in)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := os.Create(out)
	if err != nil {
		return err
	}
	defer dst.Close()
	gw, err := gzip.NewWriterLevel(dst, gzip.BestCompression)
	if err != nil {
		return err
	}
	if _, err := io.Copy(gw, src); err != nil {
		return err
	}
	return gw.Close()
}

func decompressFile(in, out string) error {
	src, err := os.Open(in)
	if err != nil {
		return err
	}
	defer src.Close()
	gr, err := gzip.NewReader(src)
	if err != nil {
		return err
	}
	defer gr.Close()
	dst, err := os.Create(out)
	if err != nil {
		return err
	}
	defer dst.Close()
	if _, err := io.Copy(dst, gr); err != nil {
		return err
	}
	return dst.Close()
}

func logic() error {
	if *out == "" {
		return xerrors.Errorf("xipfs-snapshot: -out is required")
	}
	if *decompress {
		return decompressFile(*image, *out)
	}
	return compress(*image, *out)
}

func main() {
	log.SetPrefix("xipfs-snapshot: ")
	log.SetFlags(0)
	flag.Parse()
	if err := logic(); err != nil {
		log.Fatal(err)
	}
}
