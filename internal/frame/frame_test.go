package frame

import (
	"testing"

	"github.com/opennetty/opennetty-core/internal/opnerr"
)

func TestRoundTrip(t *testing.T) {
	cases := []Frame{
		New(NewField("1", "0", "0")),
		New(NewField("1", "0", "0"), NewField("2", "1")),
		New(NewField(""), NewField("3")), // ACK shape: empty first field, 2 fields
	}
	for _, fr := range cases {
		b := fr.Bytes()
		got, err := Parse(b)
		if err != nil {
			t.Fatalf("Parse(%q) returned error: %v", b, err)
		}
		if !got.Equal(fr) {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, fr)
		}
		if got.String() != string(b) {
			t.Fatalf("emit(parse(%q)) = %q, want %q", b, got.String(), b)
		}
	}
}

func TestParseRejections(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want opnerr.Kind
	}{
		{"no frame start", "abc##", opnerr.FrameMalformed},
		{"no terminator", "*1*2#", opnerr.FrameMalformed},
		{"embedded terminator with trailing bytes", "*1##2##", opnerr.FrameContainsForbiddenDoubleHash},
		{"empty field outside ack shape", "*1*#*2##", opnerr.FrameContainsForbiddenDoubleHash},
		{"non-digit parameter", "*ab*1##", opnerr.NonDigitParameter},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Parse([]byte(c.in))
			if err == nil {
				t.Fatalf("Parse(%q) succeeded, want error kind %s", c.in, c.want)
			}
			if !opnerr.Is(err, c.want) {
				t.Fatalf("Parse(%q) returned %v, want kind %s", c.in, err, c.want)
			}
		})
	}
}

func TestParseToleratesLeadingJunk(t *testing.T) {
	fr, err := Parse([]byte("\r\n*1*0*0##"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := New(NewField("1"), NewField("0"), NewField("0"))
	if !fr.Equal(want) {
		t.Fatalf("got %+v, want %+v", fr, want)
	}
}

func TestScanLeavesTrailingBytesUnconsumed(t *testing.T) {
	fr, consumed, err := Scan([]byte("*1*0*0##*2*1##"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if consumed != len("*1*0*0##") {
		t.Fatalf("consumed = %d, want %d", consumed, len("*1*0*0##"))
	}
	want := New(NewField("1"), NewField("0"), NewField("0"))
	if !fr.Equal(want) {
		t.Fatalf("got %+v, want %+v", fr, want)
	}
}

func TestAckShapeAccepted(t *testing.T) {
	// "*#*1##" is the ACK shape: first field empty, second field "1".
	fr, err := Parse([]byte("*#*1##"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fr.Fields) != 2 || !fr.Fields[0].IsEmpty() {
		t.Fatalf("got %+v, want 2 fields with an empty first field", fr)
	}
}

func TestFieldString(t *testing.T) {
	f := NewField("1", "2", "3")
	if f.String() != "1#2#3" {
		t.Fatalf("got %q, want %q", f.String(), "1#2#3")
	}
}
