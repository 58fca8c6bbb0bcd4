package scenarios

import (
	"fmt"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
)

// Single-character codes are numpy type codes.
var dtypeCodes = map[string]dtypes.DType{
	"e": dtypes.Float16,
	"f": dtypes.Float32,
	"d": dtypes.Float64,
	"b": dtypes.Int8,
	"B": dtypes.Uint8,
	"h": dtypes.Int16,
	"H": dtypes.Uint16,
	"i": dtypes.Int32,
	"I": dtypes.Uint32,
	"l": dtypes.Int64,
	"L": dtypes.Uint64,
	"q": dtypes.Int64,
	"Q": dtypes.Uint64,
	"?": dtypes.Bool,
}

// ParseDType accepts a numpy type code ("f", "H") or a dtype name ("float32", "bfloat16").
func ParseDType(raw string) (dtypes.DType, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return dtypes.Float32, nil
	}
	if d, ok := dtypeCodes[raw]; ok {
		return d, nil
	}
	if d, err := dtypes.DTypeString(raw); err == nil && d != dtypes.InvalidDType {
		return d, nil
	}
	name := strings.ToLower(raw)
	for _, d := range AllDTypes {
		if strings.ToLower(d.String()) == name {
			return d, nil
		}
	}
	switch name {
	case "half":
		return dtypes.Float16, nil
	case "float", "single":
		return dtypes.Float32, nil
	case "double":
		return dtypes.Float64, nil
	case "bf16":
		return dtypes.BFloat16, nil
	}
	return dtypes.InvalidDType, fmt.Errorf("%w: unknown dtype %q", ErrInvalidMetadata, raw)
}

// AllDTypes is the matrix commrunner sweeps with "all".
var AllDTypes = []dtypes.DType{
	dtypes.Float16, dtypes.BFloat16, dtypes.Float32, dtypes.Float64,
	dtypes.Int8, dtypes.Uint8, dtypes.Int16, dtypes.Uint16,
	dtypes.Int32, dtypes.Uint32, dtypes.Int64, dtypes.Uint64,
}

// tolerance mirrors allclose defaults, widened for half precision.
func tolerance(dtype dtypes.DType) float64 {
	switch dtype {
	case dtypes.Float16, dtypes.BFloat16:
		return 1e-2
	case dtypes.Float32:
		return 1e-6
	default:
		return 0
	}
}
