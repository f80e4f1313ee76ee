package wire

import (
	"bytes"
	"testing"

	"dtnmesh/pkg/bundle"
	"dtnmesh/pkg/wire/codec"
)

func TestFrameWriteRead(t *testing.T) {
	f := NewFrame(KindBundle, []byte("payload"))
	f.SetFlag(FlagAckRequested, true)

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		t.Fatalf("write: %v", err)
	}

	var d Frame
	if _, err := d.ReadFrom(&buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if d.Header.Kind != KindBundle {
		t.Fatalf("kind = %v", d.Header.Kind)
	}
	if !d.HasFlag(FlagAckRequested) {
		t.Fatalf("flag lost in transit")
	}
	if !bytes.Equal(d.Payload, f.Payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestHeaderRejectsBadVersion(t *testing.T) {
	f := NewFrame(KindKeepalive, nil)
	b, err := f.EncodeFrame()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	b[0] = 99
	var d Frame
	if err := d.DecodeFrame(b); err == nil {
		t.Fatalf("decoded frame with version 99")
	}
}

func TestBodyFormatPrefix(t *testing.T) {
	reg := codec.NewRegistry()
	m := bundle.Meta{
		ID:          bundle.ID{Source: "dtn://alpha", Timestamp: 7, Sequence: 1},
		Destination: "dtn://beta/inbox",
		Singleton:   true,
		Hopcount:    9,
	}
	body, err := EncodeBody(reg, FormatCBOR, m)
	if err != nil {
		t.Fatalf("encode body: %v", err)
	}
	if Format(body[0]) != FormatCBOR {
		t.Fatalf("format prefix = %d", body[0])
	}
	var out bundle.Meta
	got, err := DecodeBody(reg, body, &out)
	if err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if got != FormatCBOR {
		t.Fatalf("detected format = %v", got)
	}
	if out.ID != m.ID || out.Destination != m.Destination || out.Hopcount != m.Hopcount {
		t.Fatalf("roundtrip mismatch: %#v", out)
	}
}
