// Package initrd implements spec.md §6's "initial ramdisk (USTAR)" reader:
// a flat parse of a USTAR-formatted byte image into an ordered list of
// entries, with no directory-tree construction (that belongs to whatever
// consumes these entries, not to the reader itself).
package initrd

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/open-computing-kit/ockernel/kernel"
)

const blockSize = 512

// Kind is a USTAR typeflag byte (spec.md §6: '0'=regular, '1'=hard link,
// '2'=symlink, '5'=directory; other values pass through unevaluated).
type Kind byte

const (
	KindRegular   Kind = '0'
	KindHardLink  Kind = '1'
	KindSymLink   Kind = '2'
	KindDirectory Kind = '5'
)

// Entry is one file's worth of USTAR header fields plus its content bytes,
// a view into the archive's own backing slice (no copy).
type Entry struct {
	Name     string
	Mode     uint32
	UID      uint32
	GID      uint32
	Size     uint64
	ModTime  uint64
	Kind     Kind
	LinkName string
	Contents []byte
}

var (
	errTruncated    = &kernel.Error{Module: "initrd", Message: "ustar archive truncated mid-header"}
	errBadChecksum  = &kernel.Error{Module: "initrd", Message: "ustar header checksum mismatch"}
	errShortContent = &kernel.Error{Module: "initrd", Message: "ustar entry's contents run past end of archive"}
)

// Parse walks a USTAR image and returns its entries in archive order.
// Parsing stops at the first header whose name field is empty, matching
// the reference reader's own end-of-archive convention, rather than
// requiring the full two-zero-block trailer some tar writers emit.
func Parse(data []byte) ([]Entry, *kernel.Error) {
	var entries []Entry

	for offset := 0; offset < len(data); {
		if offset+blockSize > len(data) {
			return nil, errTruncated
		}
		header := data[offset : offset+blockSize]

		name := cstr(header[0:100])
		if name == "" {
			break
		}

		if got, want := ustarChecksum(header), octal(header[148:156]); got != want {
			return nil, errBadChecksum
		}

		prefix := cstr(header[345:500])
		magic := string(header[257:263])
		if magic == "ustar " && prefix != "" {
			name = prefix + "/" + name
		}

		size := octal(header[124:136])
		contentsStart := offset + blockSize
		contentsEnd := contentsStart + int(size)
		if contentsEnd > len(data) {
			return nil, errShortContent
		}

		entries = append(entries, Entry{
			Name:     name,
			Mode:     uint32(octal(header[100:108])),
			UID:      uint32(octal(header[108:116])),
			GID:      uint32(octal(header[116:124])),
			Size:     size,
			ModTime:  octal(header[136:148]),
			Kind:     Kind(header[156]),
			LinkName: cstr(header[157:257]),
			Contents: data[contentsStart:contentsEnd],
		})

		next := contentsEnd
		if rem := next % blockSize; rem != 0 {
			next += blockSize - rem
		}
		offset = next
	}

	return entries, nil
}

// Lookup returns the first entry in entries with the given name.
func Lookup(entries []Entry, name string) (Entry, bool) {
	for _, e := range entries {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

// ustarChecksum sums every byte of header, substituting an ASCII space
// for each of the eight checksum-field bytes (spec.md §6: "Checksum = sum
// of all 512 bytes with the checksum field treated as eight spaces").
func ustarChecksum(header []byte) uint64 {
	var sum uint64
	for i, b := range header {
		if i >= 148 && i < 156 {
			b = ' '
		}
		sum += uint64(b)
	}
	return sum
}

// cstr reads a NUL-terminated (or, failing that, full-width) string field.
func cstr(field []byte) string {
	if i := bytes.IndexByte(field, 0); i >= 0 {
		field = field[:i]
	}
	return string(field)
}

// octal parses a space- or NUL-terminated octal numeric field (spec.md
// §6). An empty or unparseable field reads as zero rather than erroring:
// some writers leave numeric fields blank on entries where they don't
// apply (e.g. device major/minor on a regular file).
func octal(field []byte) uint64 {
	end := len(field)
	for i, b := range field {
		if b == 0 || b == ' ' {
			end = i
			break
		}
	}
	trimmed := strings.TrimSpace(string(field[:end]))
	if trimmed == "" {
		return 0
	}
	v, err := strconv.ParseUint(trimmed, 8, 64)
	if err != nil {
		return 0
	}
	return v
}
