package buffer

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"
)

var (
	ErrShape = errors.New("buffer: shape does not match data")
	ErrDType = errors.New("buffer: dtype mismatch")
)

// Buffer is a typed, shaped view over a byte slice. Buffers built with New
// alias the caller's slice, so writes by collectives land in caller memory.
type Buffer struct {
	dtype dtypes.DType
	shape []int
	data  []byte
}

// New aliases data. With no shape the buffer is one-dimensional.
func New[T dtypes.Supported](data []T, shape ...int) (*Buffer, error) {
	dtype := dtypes.FromGenericsType[T]()
	if len(shape) == 0 {
		shape = []int{len(data)}
	}
	if n, err := numElements(shape); err != nil {
		return nil, err
	} else if n != len(data) {
		return nil, fmt.Errorf("%w: shape %v holds %d elements, data has %d", ErrShape, shape, n, len(data))
	}
	var raw []byte
	if len(data) > 0 {
		raw = unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(data))), len(data)*dtype.Size())
	}
	return &Buffer{dtype: dtype, shape: append([]int(nil), shape...), data: raw}, nil
}

// Zeros allocates a zeroed buffer aligned for any dtype.
func Zeros(dtype dtypes.DType, shape ...int) (*Buffer, error) {
	if dtype == dtypes.InvalidDType || dtype.Size() <= 0 {
		return nil, fmt.Errorf("%w: cannot allocate %s", ErrDType, dtype)
	}
	n, err := numElements(shape)
	if err != nil {
		return nil, err
	}
	return &Buffer{dtype: dtype, shape: append([]int(nil), shape...), data: alignedBytes(n * dtype.Size())}, nil
}

// FromFloat64s allocates a buffer of dtype holding values converted element by element.
func FromFloat64s(dtype dtypes.DType, values []float64, shape ...int) (*Buffer, error) {
	if len(shape) == 0 {
		shape = []int{len(values)}
	}
	b, err := Zeros(dtype, shape...)
	if err != nil {
		return nil, err
	}
	if b.Size() != len(values) {
		return nil, fmt.Errorf("%w: shape %v holds %d elements, got %d values", ErrShape, shape, b.Size(), len(values))
	}
	if err := b.setFloat64s(values); err != nil {
		return nil, err
	}
	return b, nil
}

// Arange returns 0..n-1 converted to dtype and reshaped.
func Arange(dtype dtypes.DType, shape ...int) (*Buffer, error) {
	n, err := numElements(shape)
	if err != nil {
		return nil, err
	}
	values := make([]float64, n)
	for i := range values {
		values[i] = float64(i)
	}
	return FromFloat64s(dtype, values, shape...)
}

func (b *Buffer) DType() dtypes.DType { return b.dtype }

func (b *Buffer) Shape() []int { return append([]int(nil), b.shape...) }

func (b *Buffer) Rank() int { return len(b.shape) }

// Size is the element count.
func (b *Buffer) Size() int {
	if b.dtype.Size() == 0 {
		return 0
	}
	return len(b.data) / b.dtype.Size()
}

// Bytes exposes the underlying memory; mutations are visible to the owner.
func (b *Buffer) Bytes() []byte { return b.data }

func (b *Buffer) ByteLen() int { return len(b.data) }

// Rows is the leading dimension, or 0 for scalars.
func (b *Buffer) Rows() int {
	if len(b.shape) == 0 {
		return 0
	}
	return b.shape[0]
}

// RowBytes returns row i of a row-addressed buffer.
func (b *Buffer) RowBytes(i int) []byte {
	rows := b.Rows()
	if rows == 0 {
		return nil
	}
	stride := len(b.data) / rows
	return b.data[i*stride : (i+1)*stride]
}

// ElemRange returns elements [lo, hi) as bytes.
func (b *Buffer) ElemRange(lo, hi int) []byte {
	size := b.dtype.Size()
	return b.data[lo*size : hi*size]
}

func (b *Buffer) Clone() *Buffer {
	out := &Buffer{dtype: b.dtype, shape: append([]int(nil), b.shape...), data: alignedBytes(len(b.data))}
	copy(out.data, b.data)
	return out
}

// CopyFrom overwrites b with src. Sizes and dtypes must match.
func (b *Buffer) CopyFrom(src *Buffer) error {
	if src.dtype != b.dtype {
		return fmt.Errorf("%w: %s into %s", ErrDType, src.dtype, b.dtype)
	}
	if len(src.data) != len(b.data) {
		return fmt.Errorf("%w: %d elements into %d", ErrShape, src.Size(), b.Size())
	}
	copy(b.data, src.data)
	return nil
}

// Equal reports identical dtype, shape, and bytes.
func (b *Buffer) Equal(other *Buffer) bool {
	if other == nil || b.dtype != other.dtype || len(b.shape) != len(other.shape) {
		return false
	}
	for i := range b.shape {
		if b.shape[i] != other.shape[i] {
			return false
		}
	}
	return string(b.data) == string(other.data)
}

func (b *Buffer) String() string {
	return fmt.Sprintf("Buffer(%s%v)", b.dtype, b.shape)
}

// Values aliases the buffer as []T.
func Values[T dtypes.Supported](b *Buffer) ([]T, error) {
	want := dtypes.FromGenericsType[T]()
	if b.dtype != want {
		return nil, fmt.Errorf("%w: buffer is %s, requested %s", ErrDType, b.dtype, want)
	}
	return castSlice[T](b.data), nil
}

// Float64s copies the buffer out as float64 values.
func Float64s(b *Buffer) ([]float64, error) {
	n := b.Size()
	out := make([]float64, n)
	switch b.dtype {
	case dtypes.Float64:
		copy(out, castSlice[float64](b.data))
	case dtypes.Float32:
		for i, v := range castSlice[float32](b.data) {
			out[i] = float64(v)
		}
	case dtypes.Float16:
		for i, v := range castSlice[float16.Float16](b.data) {
			out[i] = float64(v.Float32())
		}
	case dtypes.BFloat16:
		for i, v := range castSlice[bfloat16.BFloat16](b.data) {
			out[i] = float64(v.Float32())
		}
	case dtypes.Int64:
		convert(out, castSlice[int64](b.data))
	case dtypes.Int32:
		convert(out, castSlice[int32](b.data))
	case dtypes.Int16:
		convert(out, castSlice[int16](b.data))
	case dtypes.Int8:
		convert(out, castSlice[int8](b.data))
	case dtypes.Uint64:
		convert(out, castSlice[uint64](b.data))
	case dtypes.Uint32:
		convert(out, castSlice[uint32](b.data))
	case dtypes.Uint16:
		convert(out, castSlice[uint16](b.data))
	case dtypes.Uint8:
		convert(out, b.data)
	case dtypes.Bool:
		for i, v := range b.data {
			if v != 0 {
				out[i] = 1
			}
		}
	default:
		return nil, fmt.Errorf("%w: no float64 view of %s", ErrDType, b.dtype)
	}
	return out, nil
}

func (b *Buffer) setFloat64s(values []float64) error {
	switch b.dtype {
	case dtypes.Float64:
		copy(castSlice[float64](b.data), values)
	case dtypes.Float32:
		dst := castSlice[float32](b.data)
		for i, v := range values {
			dst[i] = float32(v)
		}
	case dtypes.Float16:
		dst := castSlice[float16.Float16](b.data)
		for i, v := range values {
			dst[i] = float16.Fromfloat32(float32(v))
		}
	case dtypes.BFloat16:
		dst := castSlice[bfloat16.BFloat16](b.data)
		for i, v := range values {
			dst[i] = bfloat16.FromFloat32(float32(v))
		}
	case dtypes.Int64:
		fill(castSlice[int64](b.data), values)
	case dtypes.Int32:
		fill(castSlice[int32](b.data), values)
	case dtypes.Int16:
		fill(castSlice[int16](b.data), values)
	case dtypes.Int8:
		fill(castSlice[int8](b.data), values)
	case dtypes.Uint64:
		fill(castSlice[uint64](b.data), values)
	case dtypes.Uint32:
		fill(castSlice[uint32](b.data), values)
	case dtypes.Uint16:
		fill(castSlice[uint16](b.data), values)
	case dtypes.Uint8:
		fill(b.data, values)
	case dtypes.Bool:
		for i, v := range values {
			if v != 0 {
				b.data[i] = 1
			}
		}
	default:
		return fmt.Errorf("%w: cannot fill %s from float64", ErrDType, b.dtype)
	}
	return nil
}

type integer interface {
	~int8 | ~int16 | ~int32 | ~int64 | ~uint8 | ~uint16 | ~uint32 | ~uint64
}

func convert[T integer](dst []float64, src []T) {
	for i, v := range src {
		dst[i] = float64(v)
	}
}

func fill[T integer](dst []T, src []float64) {
	for i, v := range src {
		dst[i] = T(v)
	}
}

func numElements(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("%w: negative dimension in %v", ErrShape, shape)
		}
		n *= d
	}
	return n, nil
}

// alignedBytes backs the slice with uint64 words so any dtype view is aligned.
func alignedBytes(n int) []byte {
	if n == 0 {
		return []byte{}
	}
	words := make([]uint64, (n+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), n)
}

// AlignedCopy returns src in freshly aligned memory.
func AlignedCopy(src []byte) []byte {
	out := alignedBytes(len(src))
	copy(out, src)
	return out
}

func castSlice[T any](raw []byte) []T {
	var zero T
	size := int(unsafe.Sizeof(zero))
	if len(raw) == 0 || size == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(raw))), len(raw)/size)
}
