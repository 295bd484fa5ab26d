package xipfs

import "strings"

// TargetArchitectures lists the CPU identifiers host tooling (mkxipfs)
// recognizes in a binary's file name when multiple cross-compiled variants
// of the same program are candidates for embedding into a flash image.
var TargetArchitectures = map[string]bool{
	"cortex-m4": true,
	"cortex-m7": true,
	"sim":       true, // SimCPU, the host-side reference backend
}

// HasArchSuffix reports whether name ends in a known target identifier
// (e.g. "blink-cortex-m4") and returns it.
func HasArchSuffix(name string) (arch string, ok bool) {
	for a := range TargetArchitectures {
		if strings.HasSuffix(name, "-"+a) {
			return a, true
		}
	}
	return "", false
}
