package serving

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"irisserve/errors"
	"irisserve/ml"
)

// FieldError is one rejected field, shaped like a FastAPI validation detail.
type FieldError struct {
	Loc   []any  `json:"loc"`
	Msg   string `json:"msg"`
	Type  string `json:"type"`
	Input any    `json:"input,omitempty"`
}

// ValidationError lists every problem found in a prediction request.
type ValidationError struct {
	Detail []FieldError `json:"detail"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Detail))
	for i, d := range e.Detail {
		parts[i] = fmt.Sprintf("%v: %s", d.Loc[len(d.Loc)-1], d.Msg)
	}
	return "invalid request: " + strings.Join(parts, "; ")
}

// ParseRequest decodes a JSON object with the four measurement fields. Each field
// may be a JSON number or a string holding one. The returned error, when not nil,
// is Invalid and wraps a *ValidationError.
func ParseRequest(body []byte) (ml.FeatureVector, error) {
	var v ml.FeatureVector

	dec := json.NewDecoder(bytes.NewReader(body))
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return v, invalid(FieldError{
			Loc:  []any{"body"},
			Msg:  "JSON decode error: " + err.Error(),
			Type: "json_invalid",
		})
	}
	if dec.More() {
		return v, invalid(FieldError{
			Loc:  []any{"body"},
			Msg:  "JSON decode error: trailing data",
			Type: "json_invalid",
		})
	}
	var fields map[string]json.RawMessage
	if trimmed := bytes.TrimSpace(raw); len(trimmed) == 0 || trimmed[0] != '{' || json.Unmarshal(trimmed, &fields) != nil {
		return v, invalid(FieldError{
			Loc:  []any{"body"},
			Msg:  "Input should be a valid dictionary",
			Type: "dict_type",
		})
	}

	var details []FieldError
	for i, name := range ml.FeatureNames() {
		field, ok := fields[name]
		if !ok {
			details = append(details, FieldError{
				Loc:  []any{"body", name},
				Msg:  "Field required",
				Type: "missing",
			})
			continue
		}
		value, fe := parseNumber(name, field)
		if fe != nil {
			details = append(details, *fe)
			continue
		}
		v[i] = value
	}
	if len(details) > 0 {
		return v, invalid(details...)
	}
	return v, nil
}

func parseNumber(name string, raw json.RawMessage) (float64, *FieldError) {
	loc := []any{"body", name}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return 0, &FieldError{Loc: loc, Msg: "Input should be a valid number", Type: "float_type"}
	}

	var value float64
	switch x := decoded.(type) {
	case float64:
		value = x
	case string:
		f, err := parseDecimal(x)
		if err != nil {
			return 0, &FieldError{
				Loc:   loc,
				Msg:   "Input should be a valid number, unable to parse string as a number",
				Type:  "float_parsing",
				Input: x,
			}
		}
		value = f
	default:
		return 0, &FieldError{Loc: loc, Msg: "Input should be a valid number", Type: "float_type", Input: decoded}
	}

	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, &FieldError{Loc: loc, Msg: "Input should be a finite number", Type: "finite_number"}
	}
	return value, nil
}

// parseDecimal parses a decimal number. strconv also reads Go hex floats such as
// "0x1p2", which clients never mean as a measurement.
func parseDecimal(s string) (float64, error) {
	s = strings.TrimSpace(s)
	digits := strings.TrimLeft(s, "+-")
	if len(digits) >= 2 && digits[0] == '0' && (digits[1] == 'x' || digits[1] == 'X') {
		return 0, strconv.ErrSyntax
	}
	return strconv.ParseFloat(s, 64)
}

func invalid(details ...FieldError) error {
	return errors.WrapInvalid(&ValidationError{Detail: details}, "Serving", "ParseRequest", "validate")
}
