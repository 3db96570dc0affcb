package wire

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	cases := []struct {
		name string
		val  Value
		exp  string
	}{
		{name: "bool true", val: Bool(true), exp: "bool  True"},
		{name: "bool false", val: Bool(false), exp: "bool  False"},
		{name: "int", val: Int(42), exp: "int   42"},
		{name: "negative int", val: Int(-7), exp: "int   -7"},
		{name: "zero", val: Int(0), exp: "int   0"},
		{name: "float trims zeros", val: Float(1.5), exp: "float 1.5"},
		{name: "float trims point", val: Float(2), exp: "float 2"},
		{name: "float keeps digits", val: Float(0.125), exp: "float 0.125"},
		{name: "text", val: Text("hello"), exp: "str   hello"},
		{name: "empty text", val: Text(""), exp: "str   "},
		{name: "text with newlines", val: Text("a\nb\r"), exp: "str   a\nb\r"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			s, trunc, err := Encode(c.val)
			require.NoError(t, err)
			assert.Nil(t, trunc)
			assert.Equal(t, c.exp, s)
		})
	}
}

func TestEncodeUnsupported(t *testing.T) {
	cases := []struct {
		name string
		val  Value
	}{
		{name: "NaN", val: Float(math.NaN())},
		{name: "positive infinity", val: Float(math.Inf(1))},
		{name: "negative infinity", val: Float(math.Inf(-1))},
		{name: "NUL in text", val: Text("a\x00b")},
		{name: "separator in text", val: Text("a\x03b")},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, _, err := Encode(c.val)
			var uve *UnsupportedValueError
			require.ErrorAs(t, err, &uve)
		})
	}
}

func TestEncodeTruncation(t *testing.T) {
	s, trunc, err := Encode(Float(1.0 / 3.0))
	require.NoError(t, err)
	require.NotNil(t, trunc)
	assert.Equal(t, 1.0/3.0, trunc.Value)
	assert.Equal(t, "float 0.333333", s)

	// The decoded value equals the truncated value.
	v, err := DecodeTagged(s)
	require.NoError(t, err)
	assert.Equal(t, 0.333333, v.Float())
}

func TestTaggedRoundTrip(t *testing.T) {
	vals := []Value{
		Bool(true),
		Bool(false),
		Int(0),
		Int(123456789),
		Int(-99),
		Float(0),
		Float(1.5),
		Float(-2.25),
		Float(100),
		Text(""),
		Text("hello world"),
		Text("multi\nline\r\ntext"),
		Text("0x1f looks numeric"),
	}
	for _, v := range vals {
		s, _, err := Encode(v)
		require.NoError(t, err)
		got, err := DecodeTagged(s)
		require.NoError(t, err)
		assert.True(t, v.Equal(got), "round-tripping %s: got %s", v, got)
	}
}

func TestDecodeTaggedMalformed(t *testing.T) {
	for _, s := range []string{"", "int", "int  5", "blob  x", "float x"} {
		_, err := DecodeTagged(s)
		assert.Error(t, err, "input %q", s)
	}
}

func TestCoerce(t *testing.T) {
	cases := []struct {
		in  string
		exp Value
	}{
		{in: "0x1A", exp: Int(26)},
		{in: "0xff", exp: Int(255)},
		{in: "0x", exp: Text("0x")},
		{in: "0xG1", exp: Text("0xG1")},
		{in: "42", exp: Int(42)},
		{in: "007", exp: Int(7)},
		{in: "0", exp: Int(0)},
		{in: "-12", exp: Int(-12)},
		{in: "1.5", exp: Float(1.5)},
		{in: ".5", exp: Float(0.5)},
		{in: "-0.5", exp: Float(-0.5)},
		{in: "1.2.3", exp: Text("1.2.3")},
		{in: "12a", exp: Text("12a")},
		{in: "-", exp: Text("-")},
		{in: "", exp: Text("")},
		{in: "hello", exp: Text("hello")},
	}
	for _, c := range cases {
		t.Run(c.in, func(t *testing.T) {
			got := Coerce(c.in)
			assert.True(t, c.exp.Equal(got), "Coerce(%q) = %s, want %s", c.in, got, c.exp)
		})
	}
}

func TestWireText(t *testing.T) {
	assert.Equal(t, "1", Bool(true).WireText())
	assert.Equal(t, "0", Bool(false).WireText())
	assert.Equal(t, "-3", Int(-3).WireText())
	assert.Equal(t, "2.5", Float(2.5).WireText())
	assert.Equal(t, "raw", Text("raw").WireText())
}

func TestChunkGeometry(t *testing.T) {
	assert.Zero(t, ChunkPayload%2, "chunk payload must be even")
	assert.Less(t, ChunkPayload, MaxTransferUnit)
	assert.Equal(t, strings.Repeat(string(Separator), 2), MoreMarker)
	assert.Equal(t, strings.Repeat(string(Separator), 3), EndMarker)
}

func TestHandshakeValidate(t *testing.T) {
	h := NewHandshake("tok", "", 0, 0)
	require.NoError(t, h.Validate())

	bad := h
	bad.CallCode = 0x9999
	assert.Error(t, bad.Validate())

	bad = h
	bad.Separator = '\x04'
	assert.Error(t, bad.Validate())

	bad = h
	bad.Token = ""
	assert.Error(t, bad.Validate())
}
