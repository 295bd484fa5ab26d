// Command xipfs-analyze mounts a flash image read-only and reports
// per-record size/slack statistics: how much of each file's reserved span
// is actually used, and the mean/stddev of that utilization across the
// whole image.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"gonum.org/v1/gonum/stat"

	"github.com/2xs/xipfs"
	"github.com/2xs/xipfs/internal/env"
	"github.com/2xs/xipfs/internal/fileop"
	"github.com/2xs/xipfs/internal/flash"
	"github.com/2xs/xipfs/internal/xipexec"
)

var image = flag.String("image", env.ImagePath, "path to the flash image to analyze")

const colorGreen = "\x1b[32m"
const colorReset = "\x1b[0m"

func logic() error {
	hdr, err := flash.ReadImageHeader(*image)
	if err != nil {
		return err
	}
	dev, err := flash.OpenFileDevice(*image, hdr.Base, hdr.PageSize, hdr.NumPages, hdr.WriteBlockSize)
	if err != nil {
		return err
	}
	mp, err := xipfs.Mount(*image, dev, hdr.NumPages, &xipexec.SimCPU{Registry: xipexec.NewRegistry()})
	if err != nil {
		return err
	}
	defer xipfs.Umount(mp)

	records, err := mp.Store.All()
	if err != nil {
		return err
	}

	var utilization []float64
	for _, r := range records {
		if strings.HasSuffix(r.Path, "/") {
			continue // directory placeholder, no payload to measure
		}
		size := fileop.GetSize(r)
		slack := r.Reserved - size
		u := 1.0
		if r.Reserved > 0 {
			u = float64(size) / float64(r.Reserved)
		}
		utilization = append(utilization, u)
		fmt.Printf("%-40s size=%-8d reserved=%-8d slack=%-8d util=%.1f%%\n",
			r.Path, size, r.Reserved, slack, u*100)
	}

	if len(utilization) == 0 {
		fmt.Println("no files in image")
		return nil
	}
	mean := stat.Mean(utilization, nil)
	stddev := stat.StdDev(utilization, nil)
	summary := fmt.Sprintf("%d files, mean utilization %.1f%%, stddev %.1f%%",
		len(utilization), mean*100, stddev*100)
	if isatty.IsTerminal(os.Stdout.Fd()) {
		summary = colorGreen + summary + colorReset
	}
	fmt.Println(summary)
	return nil
}

func main() {
	log.SetPrefix("xipfs-analyze: ")
	log.SetFlags(0)
	flag.Parse()
	if err := logic(); err != nil {
		log.Fatal(err)
	}
}
