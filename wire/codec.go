package wire

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// UnsupportedValueError reports a value that cannot be carried over the
// channel: a non-finite float, or text containing NUL or the reserved
// separator.
type UnsupportedValueError struct {
	Reason string
}

func (e *UnsupportedValueError) Error() string {
	return "unsupported value: " + e.Reason
}

// Truncation reports that encoding a float to six decimal places changed
// its value. It is informational; callers surface it as a warning.
type Truncation struct {
	Value float64
	Text  string
}

// Encode renders v as a tagged wire scalar: a five-character left-justified
// type tag, one space, then the value text. Floats are truncated to six
// decimal places with trailing zeros trimmed; when truncation loses
// precision the returned Truncation is non-nil.
func Encode(v Value) (string, *Truncation, error) {
	var text string
	var trunc *Truncation
	switch v.Kind() {
	case KindBool:
		if v.Bool() {
			text = "True"
		} else {
			text = "False"
		}
	case KindInt:
		text = strconv.FormatInt(v.Int(), 10)
	case KindFloat:
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return "", nil, &UnsupportedValueError{Reason: fmt.Sprintf("non-finite float %v", f)}
		}
		full := strconv.FormatFloat(f, 'f', 6, 64)
		if rt, err := strconv.ParseFloat(full, 64); err == nil && rt != f {
			trunc = &Truncation{Value: f, Text: full}
		}
		text = strings.TrimRight(full, "0")
		text = strings.TrimRight(text, ".")
	case KindText:
		s := v.Text()
		if strings.IndexByte(s, 0) >= 0 {
			return "", nil, &UnsupportedValueError{Reason: `text contains the NUL terminator '\x00', which the worker truncates at`}
		}
		if strings.IndexByte(s, Separator) >= 0 {
			return "", nil, &UnsupportedValueError{Reason: `text contains '\x03', which is reserved for channel framing`}
		}
		text = s
	}
	return fmt.Sprintf("%-5s %s", v.Kind().String(), text), trunc, nil
}

// DecodeTagged is the exact inverse of Encode: it reads the type tag and
// parses the value text accordingly. Unlike Coerce it never guesses.
func DecodeTagged(s string) (Value, error) {
	if len(s) < 6 || s[5] != ' ' {
		return Value{}, fmt.Errorf("malformed wire scalar %q", s)
	}
	tag := strings.TrimRight(s[:5], " ")
	text := s[6:]
	switch tag {
	case "bool":
		return Bool(text == "True" || text == "1"), nil
	case "int":
		i, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("parsing int scalar %q: %w", text, err)
		}
		return Int(i), nil
	case "float":
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return Value{}, fmt.Errorf("parsing float scalar %q: %w", text, err)
		}
		return Float(f), nil
	case "str":
		return Text(text), nil
	}
	return Value{}, fmt.Errorf("unknown wire scalar tag %q", tag)
}

// Coerce infers a primitive from raw result text, in the order the worker
// runtime's own dynamic typing would: hexadecimal integer, decimal integer
// (leading zeros stripped, empty residue is zero), decimal float, else raw
// text. The inference is lossy: text that looks like a number comes back as
// a number. Callers that need the exact text must use a raw call variant.
func Coerce(text string) Value {
	if len(text) > 2 && strings.HasPrefix(text, "0x") && isHexDigits(text[2:]) {
		if i, err := strconv.ParseInt(text[2:], 16, 64); err == nil {
			return Int(i)
		}
	}
	if isDecimal(text) {
		if i, err := strconv.ParseInt(text, 10, 64); err == nil {
			return Int(i)
		}
	}
	if isDecimal(strings.Replace(text, ".", "", 1)) {
		if f, err := strconv.ParseFloat(text, 64); err == nil {
			return Float(f)
		}
	}
	return Text(text)
}

// isDecimal reports whether s is all digits, with an optional leading minus.
func isDecimal(s string) bool {
	if strings.HasPrefix(s, "-") {
		s = s[1:]
	}
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func isHexDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return s != ""
}
