// Package wire implements the vendor's length-prefixed binary framing and
// the Protobuf messages carried inside the frames.
package wire

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// TagMessage marks a frame whose payload is Protobuf bytes.
	TagMessage byte = 0x00
	// TagError marks a frame whose payload is a JSON error blob.
	TagError byte = 0x01
	// FlagGzip marks a gzip-compressed payload; the low bit still selects
	// message vs error after inflation.
	FlagGzip byte = 0x02

	frameHeaderLen = 5

	// CompressThreshold is the payload size above which EncodeMessage
	// switches to gzip.
	CompressThreshold = 16 << 10

	maxFramePayload = 32 << 20
	maxInflatedSize = 64 << 20
)

var (
	ErrTruncatedHeader = errors.New("wire: truncated frame header")
	ErrTruncatedBody   = errors.New("wire: truncated frame body")
	ErrOversizedFrame  = errors.New("wire: frame exceeds size limit")
	ErrUnknownTag      = errors.New("wire: unknown frame tag bits")
)

// Frame is one decoded unit of the vendor wire protocol. Payload is already
// inflated when the gzip flag was set; Tag carries only the low (error) bit.
type Frame struct {
	Tag     byte
	Payload []byte
}

// IsError reports whether the payload is a JSON error blob.
func (f Frame) IsError() bool { return f.Tag&TagError != 0 }

// EncodeFrame prepends the 5-byte header to payload. The caller is
// responsible for compressing payload first when setting FlagGzip.
func EncodeFrame(tag byte, payload []byte) ([]byte, error) {
	if tag&^(TagError|FlagGzip) != 0 {
		return nil, ErrUnknownTag
	}
	if len(payload) > maxFramePayload {
		return nil, ErrOversizedFrame
	}
	out := make([]byte, frameHeaderLen+len(payload))
	out[0] = tag
	binary.BigEndian.PutUint32(out[1:5], uint32(len(payload)))
	copy(out[frameHeaderLen:], payload)
	return out, nil
}

// EncodeMessage frames Protobuf bytes, gzipping payloads above
// CompressThreshold.
func EncodeMessage(payload []byte) ([]byte, error) {
	if len(payload) <= CompressThreshold {
		return EncodeFrame(TagMessage, payload)
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return nil, fmt.Errorf("wire: compress frame: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("wire: compress frame: %w", err)
	}
	return EncodeFrame(TagMessage|FlagGzip, buf.Bytes())
}

// ReadFrame reads exactly one frame from r, inflating gzip payloads.
func ReadFrame(r io.Reader) (Frame, error) {
	var header [frameHeaderLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			if err == io.EOF {
				return Frame{}, io.EOF
			}
			return Frame{}, ErrTruncatedHeader
		}
		return Frame{}, err
	}
	tag := header[0]
	if tag&^(TagError|FlagGzip) != 0 {
		return Frame{}, ErrUnknownTag
	}
	length := binary.BigEndian.Uint32(header[1:5])
	if length > maxFramePayload {
		return Frame{}, ErrOversizedFrame
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrTruncatedBody
		}
		return Frame{}, err
	}
	if tag&FlagGzip != 0 {
		inflated, err := inflate(payload)
		if err != nil {
			return Frame{}, err
		}
		payload = inflated
		tag &^= FlagGzip
	}
	return Frame{Tag: tag, Payload: payload}, nil
}

func inflate(compressed []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("wire: inflate frame: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(io.LimitReader(zr, maxInflatedSize+1))
	if err != nil {
		return nil, fmt.Errorf("wire: inflate frame: %w", err)
	}
	if len(out) > maxInflatedSize {
		return nil, ErrOversizedFrame
	}
	return out, nil
}

// Scanner incrementally splits a byte stream into frames. Feed may be called
// with arbitrary chunk boundaries; Next returns false until a complete frame
// is buffered.
type Scanner struct {
	buf []byte
}

// Feed appends raw bytes from the upstream body.
func (s *Scanner) Feed(p []byte) { s.buf = append(s.buf, p...) }

// Pending reports whether partial frame bytes remain buffered.
func (s *Scanner) Pending() bool { return len(s.buf) > 0 }

// Next pops the next complete frame, if any.
func (s *Scanner) Next() (Frame, bool, error) {
	if len(s.buf) < frameHeaderLen {
		return Frame{}, false, nil
	}
	tag := s.buf[0]
	if tag&^(TagError|FlagGzip) != 0 {
		return Frame{}, false, ErrUnknownTag
	}
	length := binary.BigEndian.Uint32(s.buf[1:5])
	if length > maxFramePayload {
		return Frame{}, false, ErrOversizedFrame
	}
	total := frameHeaderLen + int(length)
	if len(s.buf) < total {
		return Frame{}, false, nil
	}
	payload := make([]byte, length)
	copy(payload, s.buf[frameHeaderLen:total])
	s.buf = s.buf[total:]
	if tag&FlagGzip != 0 {
		inflated, err := inflate(payload)
		if err != nil {
			return Frame{}, false, err
		}
		payload = inflated
		tag &^= FlagGzip
	}
	return Frame{Tag: tag, Payload: payload}, true, nil
}
