package manifest

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestRecordRoundTrip(t *testing.T) {
	id := uuid.New()
	tests := []struct {
		name string
		rec  Record
	}{
		{"identity", Record{Op: OpIdentity, DBID: id[:], Format: FormatVersion}},
		{"create", Record{Op: OpCreate, ID: 42, Name: []byte("users"), Options: []byte("comment = \"x\"\n")}},
		{"create default", Record{Op: OpCreate, ID: 0, Name: []byte("default")}},
		{"create empty name", Record{Op: OpCreate, ID: 3, Name: []byte{}}},
		{"dropping", Record{Op: OpMarkDropping, ID: 42}},
		{"dropped", Record{Op: OpMarkDropped, ID: 42}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Unmarshal(tt.rec.Marshal())
			if err != nil {
				t.Fatal(err)
			}
			if got.Op != tt.rec.Op || got.ID != tt.rec.ID || got.Format != tt.rec.Format {
				t.Errorf("scalar fields: got %+v, want %+v", got, tt.rec)
			}
			if !bytes.Equal(got.Name, tt.rec.Name) || !bytes.Equal(got.Options, tt.rec.Options) || !bytes.Equal(got.DBID, tt.rec.DBID) {
				t.Errorf("bytes fields: got %+v, want %+v", got, tt.rec)
			}
		})
	}
}

func TestUnmarshalDoesNotAlias(t *testing.T) {
	data := Record{Op: OpCreate, ID: 1, Name: []byte("abc")}.Marshal()
	rec, err := Unmarshal(data)
	if err != nil {
		t.Fatal(err)
	}
	for i := range data {
		data[i] = 0
	}
	if string(rec.Name) != "abc" {
		t.Fatalf("decoded name aliases input: %q", rec.Name)
	}
}

func TestUnmarshalChecksum(t *testing.T) {
	data := Record{Op: OpMarkDropping, ID: 9}.Marshal()
	data[1] ^= 0xff
	if _, err := Unmarshal(data); !errors.Is(err, ErrChecksum) {
		t.Fatalf("got %v, want ErrChecksum", err)
	}
}

func TestUnmarshalTruncated(t *testing.T) {
	if _, err := Unmarshal([]byte{1, 2}); !errors.Is(err, ErrTruncated) {
		t.Fatalf("got %v", err)
	}
}

// seal appends a valid checksum so the decoder reaches the body checks.
func seal(body []byte) []byte {
	return append(body, checksum(body)...)
}

func TestUnmarshalMalformed(t *testing.T) {
	var unknownOp []byte
	unknownOp = protowire.AppendTag(unknownOp, fieldOp, protowire.VarintType)
	unknownOp = protowire.AppendVarint(unknownOp, 99)

	var noOp []byte
	noOp = protowire.AppendTag(noOp, fieldID, protowire.VarintType)
	noOp = protowire.AppendVarint(noOp, 1)

	badLen := protowire.AppendTag(nil, fieldName, protowire.BytesType)
	badLen = protowire.AppendVarint(badLen, 50)

	for name, body := range map[string][]byte{
		"unknown op": unknownOp,
		"missing op": noOp,
		"bad length": badLen,
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := Unmarshal(seal(body)); !errors.Is(err, ErrMalformed) {
				t.Fatalf("got %v, want ErrMalformed", err)
			}
		})
	}
}

func TestUnmarshalSkipsUnknownFields(t *testing.T) {
	body := Record{Op: OpMarkDropped, ID: 5}.Marshal()
	body = body[:len(body)-checksumLen]
	body = protowire.AppendTag(body, 15, protowire.BytesType)
	body = protowire.AppendBytes(body, []byte("future"))

	rec, err := Unmarshal(seal(body))
	if err != nil {
		t.Fatal(err)
	}
	if rec.Op != OpMarkDropped || rec.ID != 5 {
		t.Fatalf("got %+v", rec)
	}
}

func TestOpString(t *testing.T) {
	if OpMarkDropping.String() != "MarkDropping" {
		t.Errorf("got %q", OpMarkDropping.String())
	}
	if Op(77).String() != "Op(77)" {
		t.Errorf("got %q", Op(77).String())
	}
}
