package wire

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestEncodeFrameRoundTrip(t *testing.T) {
	payload := []byte("hello vendor")
	raw, err := EncodeFrame(TagMessage, payload)
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	if len(raw) != 5+len(payload) {
		t.Fatalf("frame length = %d, want %d", len(raw), 5+len(payload))
	}
	f, err := ReadFrame(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if f.Tag != TagMessage || !bytes.Equal(f.Payload, payload) {
		t.Fatalf("got tag %#x payload %q", f.Tag, f.Payload)
	}
	if f.IsError() {
		t.Fatal("message frame reported as error")
	}
}

func TestEncodeFrameRejectsReservedBits(t *testing.T) {
	if _, err := EncodeFrame(0x04, nil); !errors.Is(err, ErrUnknownTag) {
		t.Fatalf("reserved tag bits: got %v, want ErrUnknownTag", err)
	}
}

func TestEncodeMessageCompressesLargePayloads(t *testing.T) {
	small := []byte("tiny")
	raw, err := EncodeMessage(small)
	if err != nil {
		t.Fatalf("EncodeMessage small: %v", err)
	}
	if raw[0] != TagMessage {
		t.Fatalf("small payload tag = %#x, want plain message", raw[0])
	}

	big := bytes.Repeat([]byte("abcdefgh"), CompressThreshold/4)
	raw, err = EncodeMessage(big)
	if err != nil {
		t.Fatalf("EncodeMessage big: %v", err)
	}
	if raw[0] != TagMessage|FlagGzip {
		t.Fatalf("big payload tag = %#x, want gzip flag set", raw[0])
	}
	if len(raw) >= len(big) {
		t.Fatalf("compressed frame (%d) not smaller than input (%d)", len(raw), len(big))
	}

	f, err := ReadFrame(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("ReadFrame gzip: %v", err)
	}
	if f.Tag&FlagGzip != 0 {
		t.Fatal("gzip flag still set after inflate")
	}
	if !bytes.Equal(f.Payload, big) {
		t.Fatal("inflated payload differs from input")
	}
}

func TestReadFrameTruncation(t *testing.T) {
	raw, err := EncodeFrame(TagError, []byte(`{"error":{"code":"timeout"}}`))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := ReadFrame(bytes.NewReader(raw[:3])); !errors.Is(err, ErrTruncatedHeader) {
		t.Fatalf("mid-header: got %v, want ErrTruncatedHeader", err)
	}
	if _, err := ReadFrame(bytes.NewReader(raw[:10])); !errors.Is(err, ErrTruncatedBody) {
		t.Fatalf("mid-body: got %v, want ErrTruncatedBody", err)
	}
	if _, err := ReadFrame(strings.NewReader("")); err != io.EOF {
		t.Fatalf("clean EOF: got %v, want io.EOF", err)
	}
}

func TestReadFrameOversized(t *testing.T) {
	header := []byte{TagMessage, 0xFF, 0xFF, 0xFF, 0xFF}
	if _, err := ReadFrame(bytes.NewReader(header)); !errors.Is(err, ErrOversizedFrame) {
		t.Fatalf("got %v, want ErrOversizedFrame", err)
	}
}

func TestScannerAcrossChunkBoundaries(t *testing.T) {
	var stream []byte
	payloads := [][]byte{
		[]byte("first"),
		[]byte("second"),
		bytes.Repeat([]byte("z"), CompressThreshold+1),
	}
	for _, p := range payloads {
		raw, err := EncodeMessage(p)
		if err != nil {
			t.Fatal(err)
		}
		stream = append(stream, raw...)
	}

	var s Scanner
	var got [][]byte
	// Feed one byte at a time to exercise every split point.
	for _, b := range stream {
		s.Feed([]byte{b})
		for {
			f, ok, err := s.Next()
			if err != nil {
				t.Fatalf("Scanner.Next: %v", err)
			}
			if !ok {
				break
			}
			got = append(got, f.Payload)
		}
	}
	if len(got) != len(payloads) {
		t.Fatalf("decoded %d frames, want %d", len(got), len(payloads))
	}
	for i := range payloads {
		if !bytes.Equal(got[i], payloads[i]) {
			t.Fatalf("frame %d payload mismatch", i)
		}
	}
	if s.Pending() {
		t.Fatal("scanner reports pending bytes after full stream")
	}
}

func TestScannerReservedBits(t *testing.T) {
	var s Scanner
	s.Feed([]byte{0x10, 0, 0, 0, 0})
	if _, _, err := s.Next(); !errors.Is(err, ErrUnknownTag) {
		t.Fatalf("got %v, want ErrUnknownTag", err)
	}
}
