// Package classify implements the path classifier: purely structural
// inference of a path's kind (file / empty dir / non-empty dir / creatable
// / invalid) from the flat record list alone, per spec.md §4.6. There is no
// dedicated directory record type; directory-ness is inferred from path
// prefixes among the records already in memory, the same way the teacher's
// FUSE layer infers union-overlay directory contents from dirent tables
// rather than a stored directory object.
package classify

import (
	"strings"

	"golang.org/x/xerrors"

	"github.com/2xs/xipfs/internal/flash"
	"github.com/2xs/xipfs/internal/record"
)

// Tag is the classifier's verdict for a path.
type Tag int

const (
	Undefined Tag = iota
	Creatable
	ExistsAsFile
	ExistsAsEmptyDir
	ExistsAsNonemptyDir
	InvalidNotDirs
	InvalidNotFound
)

func (t Tag) String() string {
	switch t {
	case Creatable:
		return "Creatable"
	case ExistsAsFile:
		return "ExistsAsFile"
	case ExistsAsEmptyDir:
		return "ExistsAsEmptyDir"
	case ExistsAsNonemptyDir:
		return "ExistsAsNonemptyDir"
	case InvalidNotDirs:
		return "InvalidNotDirs"
	case InvalidNotFound:
		return "InvalidNotFound"
	default:
		return "Undefined"
	}
}

// Classification is the transient result of classifying one path against
// the current record list.
type Classification struct {
	Input    string
	Dirname  string
	Basename string
	Tag      Tag
	Witness  *record.FileRecord
	Parent   int // records whose path starts with Dirname
}

// splitPath computes dirname (prefix up to and including the last '/', or
// "/" for root) and basename (the final component, or "/" for root).
func splitPath(input string) (dirname, basename string) {
	if input == "/" {
		return "/", "/"
	}
	trimmed := strings.TrimSuffix(input, "/")
	idx := strings.LastIndexByte(trimmed, '/')
	return trimmed[:idx+1], trimmed[idx+1:]
}

// Classify evaluates input against records. File, nonempty-directory and
// empty-directory matches are collected over the whole list and resolved by
// priority; the not-a-directory and creatable checks follow in that order.
func Classify(records []*record.FileRecord, input string) (*Classification, error) {
	if !record.ValidPath(input) {
		return nil, xerrors.Errorf("classify: invalid path %q: %w", input, flash.EINVAL)
	}

	dirname, basename := splitPath(input)
	c := &Classification{Input: input, Dirname: dirname, Basename: basename}

	inputDir := input
	if !strings.HasSuffix(inputDir, "/") {
		inputDir += "/"
	}

	for _, r := range records {
		if strings.HasPrefix(r.Path, dirname) {
			c.Parent++
		}
	}

	if len(records) == 0 {
		if dirname == "/" {
			c.Tag = Creatable
		} else {
			c.Tag = InvalidNotFound
		}
		return c, nil
	}

	// A record can match more than one of these per path list (e.g. a
	// directory placeholder plus a descendant); priority is file > nonempty
	// dir > empty dir regardless of the records' address order, so collect
	// every match before deciding instead of returning on the first hit.
	var file, placeholder, descendant *record.FileRecord
	for _, r := range records {
		switch {
		case r.Path == input:
			file = r
		case r.Path == inputDir:
			placeholder = r
		case strings.HasPrefix(r.Path, inputDir):
			descendant = r
		}
	}
	switch {
	case file != nil:
		c.Tag, c.Witness = ExistsAsFile, file
		return c, nil
	case descendant != nil:
		c.Tag, c.Witness = ExistsAsNonemptyDir, descendant
		return c, nil
	case placeholder != nil:
		c.Tag, c.Witness = ExistsAsEmptyDir, placeholder
		return c, nil
	}

	// No record matches or is a descendant of input. If some ancestor
	// component of input exists as a non-directory record, every path
	// beneath it is invalid.
	for _, r := range records {
		if !strings.HasSuffix(r.Path, "/") && strings.HasPrefix(input, r.Path+"/") {
			c.Tag, c.Witness = InvalidNotDirs, r
			return c, nil
		}
	}

	// Otherwise input is creatable iff its parents all already exist,
	// i.e. some record shares its dirname prefix.
	for _, r := range records {
		if strings.HasPrefix(r.Path, dirname) {
			c.Tag, c.Witness = Creatable, r
			return c, nil
		}
	}
	if dirname == "/" {
		c.Tag = Creatable
		return c, nil
	}

	c.Tag = InvalidNotFound
	return c, nil
}
