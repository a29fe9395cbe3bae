package bigfile

import (
	"encoding/binary"
	"math"

	"golang.org/x/xerrors"
)

// Number is the set of scalar kinds the cast dispatch in this file
// converts between. spec.md §4.3 enumerates the six supported
// (kind,width) pairs {i4,i8,u4,u8,f4,f8}; every one of the 36 ordered
// pairs among them is handled by instantiating castLoop once per pair
// (spec.md §9: "express as a single generic routine parameterized by
// the two numeric kinds; the compiler will monomorphize").
type Number interface {
	~int32 | ~int64 | ~uint32 | ~uint64 | ~float32 | ~float64
}

// Clone returns a deep copy of it, safe to advance independently of
// the original (the original C implementation achieves the same thing
// with a plain struct copy of BigArrayIter; our iterator carries a
// pos slice, which a shallow copy would alias).
func (it *BigArrayIter) Clone() *BigArrayIter {
	cp := *it
	cp.pos = append([]int64(nil), it.pos...)
	return &cp
}

// Convert copies n scalar elements from src to dst, performing endian
// normalization and numeric-kind casting (spec.md §4.3). It mutates
// src's underlying buffer in place if src's dtype is non-native, and
// dst's underlying buffer in place after casting if dst's dtype is
// non-native; both iterators are advanced by n elements. Callers that
// need src to remain unmodified must pass a copy of their buffer.
func Convert(dst, src *BigArrayIter, n int64) error {
	if src.Array.Dtype.NeedsSwap() {
		byteSwap(src.Clone(), n)
	}

	dstIter := dst.Clone()
	srcIter := src.Clone()
	if err := cast(dstIter, srcIter, n); err != nil {
		return err
	}

	if dst.Array.Dtype.NeedsSwap() {
		byteSwap(dst.Clone(), n)
	}

	*dst = *dstIter
	*src = *srcIter
	return nil
}

// ConvertSimple wraps dst and src as one-dimensional contiguous arrays
// and calls Convert; this is dtype_convert_simple from the original
// implementation, used by AttrSet for in-place attribute conversion.
func ConvertSimple(dst []byte, dstDtype Dtype, src []byte, srcDtype Dtype, n int64) error {
	dstArray, err := NewBigArray(dst, dstDtype, []int64{n}, nil)
	if err != nil {
		return err
	}
	srcArray, err := NewBigArray(src, srcDtype, []int64{n}, nil)
	if err != nil {
		return err
	}
	dstIter := NewBigArrayIter(dstArray)
	srcIter := NewBigArrayIter(srcArray)
	return Convert(dstIter, srcIter, n)
}

// byteSwap reverses the byte order of n elements in place, walking it
// forward. Width-1 dtypes (not reachable given ParseDtype only accepts
// widths 4 and 8) are a no-op.
func byteSwap(it *BigArrayIter, n int64) {
	width := it.Array.Dtype.ItemSize()
	if width <= 1 {
		return
	}
	for i := int64(0); i < n; i++ {
		b := it.Bytes(1)
		for j := 0; j < width/2; j++ {
			b[j], b[width-1-j] = b[width-1-j], b[j]
		}
		it.Advance()
	}
}

// cast converts nmemb scalars from src to dst, assuming both buffers
// already hold native-byte-order data (any endian swap is the caller's
// responsibility, performed by Convert before and after this step).
func cast(dst, src *BigArrayIter, n int64) error {
	if dst.Contiguous && src.Contiguous &&
		dst.Array.Dtype.Kind == src.Array.Dtype.Kind &&
		dst.Array.Dtype.Width == src.Array.Dtype.Width {
		itemsize := int64(dst.Array.Dtype.ItemSize())
		copy(dst.Bytes(n), src.Bytes(n))
		dst.offset += n * itemsize
		src.offset += n * itemsize
		return nil
	}

	dk, dw := dst.Array.Dtype.Kind, dst.Array.Dtype.Width
	sk, sw := src.Array.Dtype.Kind, src.Array.Dtype.Width

	switch dk {
	case KindInt:
		switch dw {
		case 8:
			return castBySrc[int64](dst, src, n, sk, sw)
		case 4:
			return castBySrc[int32](dst, src, n, sk, sw)
		}
	case KindUint:
		switch dw {
		case 8:
			return castBySrc[uint64](dst, src, n, sk, sw)
		case 4:
			return castBySrc[uint32](dst, src, n, sk, sw)
		}
	case KindFloat:
		switch dw {
		case 8:
			return castBySrc[float64](dst, src, n, sk, sw)
		case 4:
			return castBySrc[float32](dst, src, n, sk, sw)
		}
	}
	return xerrors.Errorf("bigfile: unsupported conversion to dtype kind %q width %d: %w", rune(dk), dw, ErrUnsupportedConversion)
}

// castBySrc completes the dst-type half of the 6x6 dispatch, picking
// the source numeric type to instantiate castLoop with.
func castBySrc[D Number](dst, src *BigArrayIter, n int64, sk Kind, sw int) error {
	switch sk {
	case KindInt:
		switch sw {
		case 8:
			castLoop[D, int64](dst, src, n)
			return nil
		case 4:
			castLoop[D, int32](dst, src, n)
			return nil
		}
	case KindUint:
		switch sw {
		case 8:
			castLoop[D, uint64](dst, src, n)
			return nil
		case 4:
			castLoop[D, uint32](dst, src, n)
			return nil
		}
	case KindFloat:
		switch sw {
		case 8:
			castLoop[D, float64](dst, src, n)
			return nil
		case 4:
			castLoop[D, float32](dst, src, n)
			return nil
		}
	}
	return xerrors.Errorf("bigfile: unsupported conversion from dtype kind %q width %d: %w", rune(sk), sw, ErrUnsupportedConversion)
}

// castLoop reads n scalars of type S from src, converts each to D
// using Go's native numeric conversion semantics (truncation for
// integer narrowing, IEEE round-to-nearest-even for float narrowing,
// per spec.md §4.3), and writes them to dst.
func castLoop[D, S Number](dst, src *BigArrayIter, n int64) {
	for i := int64(0); i < n; i++ {
		sv := loadNative[S](src.Bytes(1))
		storeNative(dst.Bytes(1), D(sv))
		dst.Advance()
		src.Advance()
	}
}

func loadNative[T Number](b []byte) T {
	var zero T
	switch any(zero).(type) {
	case int32:
		return T(int32(binary.NativeEndian.Uint32(b)))
	case uint32:
		return T(binary.NativeEndian.Uint32(b))
	case int64:
		return T(int64(binary.NativeEndian.Uint64(b)))
	case uint64:
		return T(binary.NativeEndian.Uint64(b))
	case float32:
		return T(math.Float32frombits(binary.NativeEndian.Uint32(b)))
	case float64:
		return T(math.Float64frombits(binary.NativeEndian.Uint64(b)))
	}
	panic("bigfile: unreachable numeric kind")
}

func storeNative[T Number](b []byte, v T) {
	switch vv := any(v).(type) {
	case int32:
		binary.NativeEndian.PutUint32(b, uint32(vv))
	case uint32:
		binary.NativeEndian.PutUint32(b, vv)
	case int64:
		binary.NativeEndian.PutUint64(b, uint64(vv))
	case uint64:
		binary.NativeEndian.PutUint64(b, vv)
	case float32:
		binary.NativeEndian.PutUint32(b, math.Float32bits(vv))
	case float64:
		binary.NativeEndian.PutUint64(b, math.Float64bits(vv))
	}
}
