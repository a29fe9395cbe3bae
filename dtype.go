package bigfile

import (
	"strconv"
	"sync"
	"unsafe"

	"golang.org/x/xerrors"
)

// Endian identifies how a Dtype's scalars are laid out on disk.
type Endian byte

const (
	// LittleEndian scalars store their least significant byte first.
	LittleEndian Endian = '<'
	// BigEndian scalars store their most significant byte first.
	BigEndian Endian = '>'
	// nativeMarker appears only in un-normalized input; ParseDtype always
	// resolves it to LittleEndian or BigEndian.
	nativeMarker Endian = '='
)

// Kind identifies the numeric family of a Dtype's scalars.
type Kind byte

const (
	KindInt   Kind = 'i'
	KindUint  Kind = 'u'
	KindFloat Kind = 'f'
)

// Dtype is the normalized three-field descriptor described in spec.md
// §3: an explicit endian marker, a numeric kind, and a byte width of 4
// or 8. The zero Dtype is invalid; always obtain one through
// ParseDtype or MustParseDtype.
type Dtype struct {
	Endian Endian
	Kind   Kind
	Width  int
}

var (
	nativeEndianOnce sync.Once
	nativeEndianByte Endian
)

// NativeEndian returns this process's runtime-detected endianness,
// probing the low byte of a known 32-bit value exactly as the
// original C implementation's MACHINE_ENDIAN_F does.
func NativeEndian() Endian {
	nativeEndianOnce.Do(func() {
		var i uint32 = 0x01234567
		buf := *(*[4]byte)(unsafe.Pointer(&i))
		if buf[0] == 0x67 {
			nativeEndianByte = LittleEndian
		} else {
			nativeEndianByte = BigEndian
		}
	})
	return nativeEndianByte
}

// ParseDtype normalizes src (spec.md §4.1): if the first character is
// not an endian marker, native endian is prepended; a leading '=' is
// then resolved to the runtime-detected native marker. Accepted forms
// are the six pairs {i,u,f}x{4,8} bytes wide, optionally preceded by
// '<', '>' or '='.
func ParseDtype(src string) (Dtype, error) {
	if src == "" {
		return Dtype{}, xerrors.Errorf("bigfile: empty dtype string")
	}

	rest := src
	endian := nativeMarker
	switch src[0] {
	case byte(LittleEndian), byte(BigEndian), byte(nativeMarker):
		endian = Endian(src[0])
		rest = src[1:]
	}
	if endian == nativeMarker {
		endian = NativeEndian()
	}

	if len(rest) < 2 {
		return Dtype{}, xerrors.Errorf("bigfile: malformed dtype %q", src)
	}
	kind := Kind(rest[0])
	switch kind {
	case KindInt, KindUint, KindFloat:
	default:
		return Dtype{}, xerrors.Errorf("bigfile: unknown dtype kind %q in %q", rest[0], src)
	}

	width, err := strconv.Atoi(rest[1:])
	if err != nil {
		return Dtype{}, xerrors.Errorf("bigfile: malformed dtype width in %q: %w", src, err)
	}
	if width != 4 && width != 8 {
		return Dtype{}, xerrors.Errorf("bigfile: unsupported dtype width %d in %q", width, src)
	}

	return Dtype{Endian: endian, Kind: kind, Width: width}, nil
}

// MustParseDtype is ParseDtype but panics on error; useful for
// constant-like dtypes known at compile time.
func MustParseDtype(src string) Dtype {
	d, err := ParseDtype(src)
	if err != nil {
		panic(err)
	}
	return d
}

// String renders the canonical three-or-more-character on-disk form,
// e.g. "<f8".
func (d Dtype) String() string {
	return string(byte(d.Endian)) + string(byte(d.Kind)) + strconv.Itoa(d.Width)
}

// ItemSize returns the byte width of one scalar.
func (d Dtype) ItemSize() int {
	return d.Width
}

// NeedsSwap reports whether d's endianness differs from the runtime's
// native endianness.
func (d Dtype) NeedsSwap() bool {
	return d.Endian != NativeEndian()
}

// Cmp compares two dtypes by their normalized canonical form, matching
// dtype_cmp's strcmp-of-normalized-forms semantics.
func Cmp(a, b Dtype) int {
	as, bs := a.String(), b.String()
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
}

// Equal reports whether a and b describe the same endian/kind/width.
func (d Dtype) Equal(o Dtype) bool {
	return d == o
}
