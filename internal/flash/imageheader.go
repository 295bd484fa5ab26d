package flash

import (
	"encoding/json"
	"os"

	"github.com/google/renameio"
	"golang.org/x/xerrors"
)

// ImageHeader records the geometry of a flash image file as a small JSON
// sidecar (path+".hdr"), so host tooling (xipfsfuse, xipfs-analyze) can
// reopen an image mkxipfs built without being told its
// page size/count/base again on the command line. It is a tooling
// convenience only: the core filesystem never reads it, since a mounted
// MountPoint gets its geometry from the Device it was constructed with.
type ImageHeader struct {
	Base           uintptr
	PageSize       int
	NumPages       int
	WriteBlockSize int
}

func headerPath(imagePath string) string {
	return imagePath + ".hdr"
}

// WriteImageHeader atomically writes h's sidecar next to imagePath.
func WriteImageHeader(imagePath string, h ImageHeader) error {
	b, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return xerrors.Errorf("imageheader: marshal: %w", err)
	}
	if err := renameio.WriteFile(headerPath(imagePath), b, 0644); err != nil {
		return xerrors.Errorf("imageheader: write %s: %w", headerPath(imagePath), err)
	}
	return nil
}

// ReadImageHeader loads imagePath's sidecar header.
func ReadImageHeader(imagePath string) (ImageHeader, error) {
	var h ImageHeader
	b, err := os.ReadFile(headerPath(imagePath))
	if err != nil {
		return h, xerrors.Errorf("imageheader: read %s: %w", headerPath(imagePath), err)
	}
	if err := json.Unmarshal(b, &h); err != nil {
		return h, xerrors.Errorf("imageheader: unmarshal: %w", err)
	}
	return h, nil
}
