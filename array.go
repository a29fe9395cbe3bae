package bigfile

import "golang.org/x/xerrors"

// MaxDims is the largest number of dimensions a BigArray may describe,
// matching the original implementation's fixed dims[32]/strides[32].
const MaxDims = 32

// BigArray is a strided view over a caller-owned buffer (spec.md §3).
// It does not own Data; callers must keep the backing memory alive for
// as long as the BigArray (or any iterator over it) is in use.
type BigArray struct {
	Data    []byte
	Dtype   Dtype
	Dims    []int64
	Strides []int64 // byte strides, one per dimension
	Size    int64   // product of Dims
}

// NewBigArray builds a BigArray over buf. If strides is nil, row-major
// contiguous strides are derived from dims (spec.md §3): the last
// dimension's stride is the item size, and each preceding dimension's
// stride is the next dimension's stride times its size.
func NewBigArray(buf []byte, dtype Dtype, dims []int64, strides []int64) (*BigArray, error) {
	if len(dims) == 0 {
		return nil, xerrors.Errorf("bigfile: array must have at least one dimension")
	}
	if len(dims) > MaxDims {
		return nil, xerrors.Errorf("bigfile: array has %d dimensions, max is %d", len(dims), MaxDims)
	}

	a := &BigArray{
		Data:  buf,
		Dtype: dtype,
		Dims:  append([]int64(nil), dims...),
	}

	a.Size = 1
	for _, d := range dims {
		a.Size *= d
	}

	if strides != nil {
		if len(strides) != len(dims) {
			return nil, xerrors.Errorf("bigfile: %d strides given for %d dims", len(strides), len(dims))
		}
		a.Strides = append([]int64(nil), strides...)
		return a, nil
	}

	a.Strides = make([]int64, len(dims))
	itemsize := int64(dtype.ItemSize())
	a.Strides[len(dims)-1] = itemsize
	for i := len(dims) - 2; i >= 0; i-- {
		a.Strides[i] = a.Strides[i+1] * a.Dims[i+1]
	}
	return a, nil
}

// BigArrayIter is a cursor over a BigArray (spec.md §3). The zero value
// is not usable; construct with NewBigArrayIter.
type BigArrayIter struct {
	Array      *BigArray
	pos        []int64
	offset     int64 // byte offset from Array.Data[0]
	Contiguous bool
}

// NewBigArrayIter positions a cursor at the start of array and
// precomputes the Contiguous fast-path flag by walking dimensions
// innermost-to-outermost, exactly as big_array_iter_init does.
func NewBigArrayIter(array *BigArray) *BigArrayIter {
	it := &BigArrayIter{
		Array: array,
		pos:   make([]int64, len(array.Dims)),
	}

	itemsize := int64(array.Dtype.ItemSize())
	expected := itemsize
	contiguous := true
	for i := len(array.Dims) - 1; i >= 0; i-- {
		if array.Strides[i] != expected {
			contiguous = false
			break
		}
		expected *= array.Dims[i]
	}
	it.Contiguous = contiguous
	return it
}

// Offset returns the iterator's current byte offset into its array's
// Data.
func (it *BigArrayIter) Offset() int64 {
	return it.offset
}

// Bytes returns a slice of the iterator's array data starting at the
// current position, n elements (of the array's item width) long.
func (it *BigArrayIter) Bytes(n int64) []byte {
	itemsize := int64(it.Array.Dtype.ItemSize())
	start := it.offset
	end := start + n*itemsize
	return it.Array.Data[start:end]
}

// Advance moves the cursor forward by one element (spec.md §4.2). On
// the contiguous fast path this is a single stride addition; otherwise
// the innermost position is incremented with carry into outer
// dimensions. Advancing exactly Array.Size times is safe; the
// iterator's state after that point is unspecified but harmless to
// discard.
func (it *BigArrayIter) Advance() {
	a := it.Array
	last := len(a.Dims) - 1

	if it.Contiguous {
		it.offset += a.Strides[last]
		return
	}

	it.pos[last]++
	it.offset += a.Strides[last]
	for k := last; k >= 0; k-- {
		if it.pos[k] != a.Dims[k] {
			break
		}
		it.offset -= a.Strides[k] * a.Dims[k]
		it.pos[k] = 0
		if k > 0 {
			it.pos[k-1]++
			it.offset += a.Strides[k-1]
		}
	}
}
