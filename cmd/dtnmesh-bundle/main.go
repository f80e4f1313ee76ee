package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dtnmesh/pkg/bundle"
	"dtnmesh/pkg/wire"
	"dtnmesh/pkg/wire/codec"
)

func main() {
	outDir := flag.String("out", "testdata/frame", "output directory for generated frames")
	show := flag.String("show", "", "decode and print one frame file instead of generating")
	flag.Parse()

	if *show != "" {
		showFrame(*show)
		return
	}
	genFrames(*outDir)
}

func genFrames(outDir string) {
	if err := os.MkdirAll(outDir, 0o755); err != nil { log.Fatal(err) }

	reg := codec.NewRegistry()

	// 1) Signed contact, the first frame on any session
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil { log.Fatal(err) }
	contact, err := wire.BuildContact("dtn://alpha", priv)
	if err != nil { log.Fatal(err) }
	body, err := wire.EncodeBody(reg, wire.FormatCBOR, contact)
	if err != nil { log.Fatal(err) }
	f := wire.NewFrame(wire.KindContact, body)
	writeOut(outDir, "frame_contact.bin", mustFrame(&f))

	// 2) Bundle frame with ack requested, CBOR body
	b := bundle.New("dtn://alpha/send", "dtn://beta/inbox", []byte("hello over the gap"))
	body, err = wire.EncodeBody(reg, wire.FormatCBOR, b)
	if err != nil { log.Fatal(err) }
	f2 := wire.NewFrame(wire.KindBundle, body)
	f2.SetFlag(wire.FlagAckRequested, true)
	writeOut(outDir, "frame_bundle_cbor.bin", mustFrame(&f2))

	// 3) Same bundle, JSON body
	body, err = wire.EncodeBody(reg, wire.FormatJSON, b)
	if err != nil { log.Fatal(err) }
	f3 := wire.NewFrame(wire.KindBundle, body)
	writeOut(outDir, "frame_bundle_json.bin", mustFrame(&f3))

	// 4) Ack for the bundle above
	body, err = wire.EncodeBody(reg, wire.FormatCBOR, wire.AckPayload{ID: b.ID.String(), OK: true})
	if err != nil { log.Fatal(err) }
	f4 := wire.NewFrame(wire.KindAck, body)
	writeOut(outDir, "frame_ack.bin", mustFrame(&f4))

	// 5) Empty keepalive
	f5 := wire.NewFrame(wire.KindKeepalive, nil)
	writeOut(outDir, "frame_keepalive.bin", mustFrame(&f5))

	fmt.Println("Generated wire frames in", outDir)
}

func showFrame(path string) {
	buf, err := os.ReadFile(path)
	if err != nil { log.Fatal(err) }
	var f wire.Frame
	if err := f.DecodeFrame(buf); err != nil { log.Fatal(err) }

	fmt.Printf("file:    %s (%d bytes)\n", path, len(buf))
	fmt.Printf("version: %d\n", f.Header.Version)
	fmt.Printf("kind:    %s\n", f.Header.Kind)
	fmt.Printf("flags:   0x%04x (ack-requested=%v)\n", f.Header.Flags, f.HasFlag(wire.FlagAckRequested))
	fmt.Printf("payload: %d bytes\n", f.Header.PayloadLen)

	reg := codec.NewRegistry()
	switch f.Header.Kind {
	case wire.KindContact:
		var c wire.Contact
		format, err := wire.DecodeBody(reg, f.Payload, &c)
		if err != nil { log.Fatal(err) }
		fmt.Printf("format:  %s\n", format)
		fmt.Printf("node:    %s\n", c.Node)
		fmt.Printf("alg:     %s\n", c.Alg)
		fmt.Printf("pubkey:  %s\n", base64.RawURLEncoding.EncodeToString(c.PubKey))
		fmt.Printf("ts:      %s\n", time.UnixMilli(c.Timestamp).UTC().Format(time.RFC3339))
		fmt.Printf("sig:     %s\n", shortHex(c.Sig, 16))
	case wire.KindBundle:
		var b bundle.Bundle
		format, err := wire.DecodeBody(reg, f.Payload, &b)
		if err != nil { log.Fatal(err) }
		fmt.Printf("format:  %s\n", format)
		fmt.Printf("id:      %s\n", b.ID.String())
		fmt.Printf("dest:    %s (singleton=%v)\n", b.Destination, b.Singleton)
		fmt.Printf("hops:    %d\n", b.Hopcount)
		fmt.Printf("life:    %s\n", b.Lifetime)
		fmt.Printf("body:    %d bytes  head: %s\n", len(b.Payload), shortHex(b.Payload, 32))
	case wire.KindAck:
		var a wire.AckPayload
		format, err := wire.DecodeBody(reg, f.Payload, &a)
		if err != nil { log.Fatal(err) }
		fmt.Printf("format:  %s\n", format)
		fmt.Printf("id:      %s\n", a.ID)
		fmt.Printf("ok:      %v\n", a.OK)
		if a.Reason != "" { fmt.Printf("reason:  %s\n", a.Reason) }
	case wire.KindKeepalive:
		// nothing inside
	default:
		fmt.Printf("raw:     %s\n", shortHex(f.Payload, 64))
	}
}

func mustFrame(f *wire.Frame) []byte {
	b, err := f.EncodeFrame()
	if err != nil { log.Fatal(err) }
	return b
}

func writeOut(dir, name string, b []byte) {
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, b, 0o644); err != nil { log.Fatal(err) }
	fmt.Printf("%-24s %5d bytes  head: %s\n", name, len(b), shortHex(b, 64))
}

func shortHex(b []byte, n int) string {
	if len(b) == 0 { return "" }
	if n > len(b) { n = len(b) }
	enc := hex.EncodeToString(b[:n])
	if len(b) > n { enc += "..." }
	var out []string
	for i := 0; i < len(enc); i += 4 {
		j := i + 4
		if j > len(enc) { j = len(enc) }
		out = append(out, enc[i:j])
	}
	return strings.Join(out, " ")
}
