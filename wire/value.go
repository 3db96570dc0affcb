package wire

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind enumerates the primitive scalar kinds carried over the channel.
type Kind uint8

const (
	KindText Kind = iota
	KindBool
	KindInt
	KindFloat
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindText:
		return "str"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Value is a tagged union of the primitive scalar kinds. The zero Value is
// empty text.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
}

func Bool(v bool) Value     { return Value{kind: KindBool, b: v} }
func Int(v int64) Value     { return Value{kind: KindInt, i: v} }
func Float(v float64) Value { return Value{kind: KindFloat, f: v} }
func Text(v string) Value   { return Value{kind: KindText, s: v} }

func (v Value) Kind() Kind     { return v.kind }
func (v Value) Bool() bool     { return v.b }
func (v Value) Int() int64     { return v.i }
func (v Value) Float() float64 { return v.f }
func (v Value) Text() string   { return v.s }

// WireText is the raw textual form used for results and globals. Booleans
// render as 1/0, matching the worker runtime's dynamic typing; floats use
// the six-decimal truncated form.
func (v Value) WireText() string {
	switch v.kind {
	case KindBool:
		if v.b {
			return "1"
		}
		return "0"
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return floatText(v.f)
	}
	return v.s
}

func (v Value) String() string {
	if v.kind == KindText {
		return strconv.Quote(v.s)
	}
	return v.WireText()
}

func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindBool:
		return v.b == o.b
	case KindInt:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f
	}
	return v.s == o.s
}

// floatText renders f with six decimal places, then trims trailing zeros
// and the dangling point.
func floatText(f float64) string {
	s := strconv.FormatFloat(f, 'f', 6, 64)
	s = strings.TrimRight(s, "0")
	return strings.TrimRight(s, ".")
}
