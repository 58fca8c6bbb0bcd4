package buffer

import (
	"fmt"
	"unsafe"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"
)

// Reducible reports whether SumInto has a kernel for dtype.
func Reducible(dtype dtypes.DType) bool {
	switch dtype {
	case dtypes.Float64, dtypes.Float32, dtypes.Float16, dtypes.BFloat16,
		dtypes.Int64, dtypes.Int32, dtypes.Uint64, dtypes.Uint32:
		return true
	default:
		return false
	}
}

// SumInto adds src into dst elementwise. Both hold len(dst)/size elements of dtype.
// Half-precision types accumulate in float32 per element.
func SumInto(dtype dtypes.DType, dst, src []byte) error {
	if len(dst) != len(src) {
		return fmt.Errorf("%w: sum of %d bytes into %d", ErrShape, len(src), len(dst))
	}
	if len(dst) == 0 {
		return nil
	}
	if !Reducible(dtype) {
		return fmt.Errorf("%w: no sum kernel for %s", ErrDType, dtype)
	}
	if uintptr(unsafe.Pointer(unsafe.SliceData(src)))%uintptr(dtype.Size()) != 0 {
		src = AlignedCopy(src)
	}
	switch dtype {
	case dtypes.Float64:
		sum(castSlice[float64](dst), castSlice[float64](src))
	case dtypes.Float32:
		sum(castSlice[float32](dst), castSlice[float32](src))
	case dtypes.Int64:
		sum(castSlice[int64](dst), castSlice[int64](src))
	case dtypes.Int32:
		sum(castSlice[int32](dst), castSlice[int32](src))
	case dtypes.Uint64:
		sum(castSlice[uint64](dst), castSlice[uint64](src))
	case dtypes.Uint32:
		sum(castSlice[uint32](dst), castSlice[uint32](src))
	case dtypes.Float16:
		d, s := castSlice[float16.Float16](dst), castSlice[float16.Float16](src)
		for i := range d {
			d[i] = float16.Fromfloat32(d[i].Float32() + s[i].Float32())
		}
	case dtypes.BFloat16:
		d, s := castSlice[bfloat16.BFloat16](dst), castSlice[bfloat16.BFloat16](src)
		for i := range d {
			d[i] = bfloat16.FromFloat32(d[i].Float32() + s[i].Float32())
		}
	}
	return nil
}

type summable interface {
	~int32 | ~int64 | ~uint32 | ~uint64 | ~float32 | ~float64
}

func sum[T summable](dst, src []T) {
	for i := range dst {
		dst[i] += src[i]
	}
}
