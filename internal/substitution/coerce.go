package substitution

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/pitabwire/comfyflow/model"
)

// coerce converts v to the declared parameter type.
//
//   - string: any scalar becomes its string form; references, lists and maps
//     are rejected.
//   - int: integers pass; strings that parse as base-10 integers and floats
//     without a fractional part are converted; everything else is rejected,
//     including booleans.
//   - float: floats pass; integers widen; numeric strings parse; non-finite
//     results are rejected.
//   - bool: only native booleans are accepted.
//
// Unknown declared types leave the value unchanged.
func coerce(name string, typ model.ParamType, v model.Value) (model.Value, *model.FieldError) {
	switch typ {
	case model.ParamString:
		if v.IsScalar() {
			return model.String(v.Text()), nil
		}
	case model.ParamInt:
		switch v.Kind() {
		case model.KindInt:
			return v, nil
		case model.KindString:
			s, _ := v.AsString()
			if n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
				return model.Int(n), nil
			}
		case model.KindFloat:
			f, _ := v.AsFloat()
			if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
				return model.Int(int64(f)), nil
			}
		}
	case model.ParamFloat:
		switch v.Kind() {
		case model.KindFloat:
			return v, nil
		case model.KindInt:
			n, _ := v.AsInt()
			return model.Float(float64(n)), nil
		case model.KindString:
			s, _ := v.AsString()
			f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
				return model.Float(f), nil
			}
		}
	case model.ParamBool:
		if v.Kind() == model.KindBool {
			return v, nil
		}
	default:
		return v, nil
	}
	return model.Value{}, mismatch(name, typ, v)
}

func mismatch(name string, typ model.ParamType, v model.Value) *model.FieldError {
	return &model.FieldError{
		Field:    name,
		Code:     model.FieldTypeMismatch,
		Message:  fmt.Sprintf("parameter '%s' expected type %s, got %s %s", name, typ, v.Kind(), v),
		Expected: string(typ),
		Actual:   v.Kind().String(),
	}
}
