// Package frame implements the OpenWebNet ASCII frame codec (spec C1):
// parsing a byte stream into Frame values and re-emitting Frame values as
// bytes. It knows nothing about what a frame means — that is the message
// package's job — only how to split `*F1*F2*...*Fn##` into fields and
// `P1#P2#...#Pk` into parameters.
package frame

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/opennetty/opennetty-core/internal/opnerr"
)

// Field is an ordered, non-empty sequence of parameters. A parameter may
// itself be the empty string — that is significant, not absent.
type Field struct {
	Params []string
}

// NewField builds a Field from its parameters. Panics if called with zero
// parameters — every field must carry at least one, per the grammar; this
// is a programming error in a constructor, not a runtime condition.
func NewField(params ...string) Field {
	if len(params) == 0 {
		panic("frame: a field must have at least one parameter")
	}
	return Field{Params: params}
}

// String renders the field in its canonical "P1#P2#...#Pk" form.
func (f Field) String() string {
	return strings.Join(f.Params, "#")
}

// IsEmpty reports whether every parameter in the field is the empty
// string. Used by the codec to enforce that a fully empty field only
// appears in the two-field acknowledgement shape.
func (f Field) IsEmpty() bool {
	for _, p := range f.Params {
		if p != "" {
			return false
		}
	}
	return true
}

// Frame is an ordered sequence of fields: the whole parsed unit between
// the leading '*' and the trailing "##".
type Frame struct {
	Fields []Field
}

// New builds a Frame from its fields.
func New(fields ...Field) Frame {
	return Frame{Fields: fields}
}

// String renders the frame in its canonical "*F1*F2*...*Fn##" form.
func (fr Frame) String() string {
	parts := make([]string, len(fr.Fields))
	for i, f := range fr.Fields {
		parts[i] = f.String()
	}
	return "*" + strings.Join(parts, "*") + "##"
}

// Bytes renders the frame as the exact bytes that would be written to
// the wire.
func (fr Frame) Bytes() []byte {
	return []byte(fr.String())
}

// Equal reports whether two frames have identical fields and parameters.
func (fr Frame) Equal(other Frame) bool {
	if len(fr.Fields) != len(other.Fields) {
		return false
	}
	for i, f := range fr.Fields {
		g := other.Fields[i]
		if len(f.Params) != len(g.Params) {
			return false
		}
		for j, p := range f.Params {
			if p != g.Params[j] {
				return false
			}
		}
	}
	return true
}

// Parse parses exactly one frame out of data. Any bytes before the first
// '*' are treated as tolerated noise (a prior session's stray CR/LF) and
// skipped; the terminating "##" must be the very last thing in data —
// anything after it is treated as a forbidden embedded double-hash
// rather than silently ignored, since Parse's contract is "this buffer
// is one frame".
func Parse(data []byte) (Frame, error) {
	fr, consumed, err := scan(data)
	if err != nil {
		return Frame{}, err
	}
	if consumed != len(data) {
		return Frame{}, opnerr.New(opnerr.FrameContainsForbiddenDoubleHash,
			"trailing bytes after frame terminator")
	}
	return fr, nil
}

// Scan parses the next frame at the start of data (after skipping any
// leading noise up to the first '*') and reports how many bytes were
// consumed, including the skipped prefix. Unlike Parse, trailing bytes
// after the terminator are left unconsumed rather than rejected — this
// is what the framed pipe's streaming reader needs when frames arrive
// back to back on one connection.
func Scan(data []byte) (fr Frame, consumed int, err error) {
	return scan(data)
}

func scan(data []byte) (Frame, int, error) {
	start := bytes.IndexByte(data, '*')
	if start < 0 {
		return Frame{}, 0, opnerr.New(opnerr.FrameMalformed, "no frame start '*' found")
	}

	var fields []Field
	var params []string
	var cur strings.Builder

	i := start + 1
	for i < len(data) {
		c := data[i]
		switch {
		case c == '*':
			params = append(params, cur.String())
			fields = append(fields, Field{Params: params})
			params = nil
			cur.Reset()
			i++

		case c == '#':
			if i+1 < len(data) && data[i+1] == '#' {
				params = append(params, cur.String())
				fields = append(fields, Field{Params: params})
				if verr := validateFields(fields); verr != nil {
					return Frame{}, 0, verr
				}
				return Frame{Fields: fields}, i + 2, nil
			}
			params = append(params, cur.String())
			cur.Reset()
			i++

		default:
			if c < '0' || c > '9' {
				return Frame{}, 0, opnerr.New(opnerr.NonDigitParameter,
					fmt.Sprintf("byte %q at offset %d", c, i))
			}
			cur.WriteByte(c)
			i++
		}
	}

	return Frame{}, 0, opnerr.New(opnerr.FrameMalformed, "no terminator \"##\" found")
}

// validateFields enforces that a fully empty field (every parameter the
// empty string) only ever appears as the sole first field of a two-field
// frame — the acknowledgement/negative-acknowledgement/busy-nack shape.
// Anywhere else, a run of adjacent '#' characters with nothing between
// them almost always means a "##" terminator was consumed too early by
// an embedded double-hash, so the codec rejects it under the same error
// kind used for an embedded terminator.
func validateFields(fields []Field) error {
	for idx, f := range fields {
		if f.IsEmpty() && !(idx == 0 && len(fields) == 2) {
			return opnerr.New(opnerr.FrameContainsForbiddenDoubleHash,
				"empty field outside the two-field acknowledgement shape")
		}
	}
	return nil
}
