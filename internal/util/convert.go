package util

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cast"

	"github.com/mehmetymw/rec2table/internal/types"
)

// Coerce converts v to the Go representation of t: int8..int64, float32,
// float64, string, bool, []byte or time.Time.
func Coerce(v any, t types.FieldType) (any, error) {
	if n, ok := v.(json.Number); ok {
		v = n.String()
	}
	switch t {
	case types.TypeBool:
		return cast.ToBoolE(v)
	case types.TypeInt8:
		n, err := ranged(v, math.MinInt8, math.MaxInt8)
		return int8(n), err
	case types.TypeInt16:
		n, err := ranged(v, math.MinInt16, math.MaxInt16)
		return int16(n), err
	case types.TypeInt32:
		n, err := ranged(v, math.MinInt32, math.MaxInt32)
		return int32(n), err
	case types.TypeInt64:
		return toInt64(v)
	case types.TypeFloat:
		return cast.ToFloat32E(v)
	case types.TypeDouble:
		return cast.ToFloat64E(v)
	case types.TypeString:
		return cast.ToStringE(v)
	case types.TypeBinary:
		switch b := v.(type) {
		case []byte:
			return b, nil
		case string:
			return []byte(b), nil
		}
		return nil, fmt.Errorf("cannot convert %T to binary", v)
	case types.TypeTimestamp:
		return cast.ToTimeE(v)
	}
	return nil, fmt.Errorf("unsupported type %q", t)
}

func ranged(v any, lo, hi int64) (int64, error) {
	n, err := toInt64(v)
	if err != nil {
		return 0, err
	}
	if n < lo || n > hi {
		return 0, fmt.Errorf("value %d out of range [%d, %d]", n, lo, hi)
	}
	return n, nil
}

// toInt64 reads strings as base-10 only and refuses to truncate fractions.
func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case string:
		s := strings.TrimSpace(x)
		if i := strings.IndexByte(s, '.'); i >= 0 && strings.Trim(s[i+1:], "0") == "" {
			s = s[:i]
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not a base-10 integer", x)
		}
		return n, nil
	case float32:
		return integral(float64(x))
	case float64:
		return integral(x)
	}
	return cast.ToInt64E(v)
}

func integral(f float64) (int64, error) {
	if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, fmt.Errorf("%v is not an integer", f)
	}
	return int64(f), nil
}

// InferType picks a field type for an untyped decoded value.
func InferType(v any) types.FieldType {
	switch t := v.(type) {
	case bool:
		return types.TypeBool
	case json.Number:
		if _, err := t.Int64(); err == nil {
			return types.TypeInt64
		}
		return types.TypeDouble
	case float32, float64:
		return types.TypeDouble
	case int, int8, int16, int32, int64:
		return types.TypeInt64
	case []byte:
		return types.TypeBinary
	}
	return types.TypeString
}

func SortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
