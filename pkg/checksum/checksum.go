// Package checksum builds and validates the vendor's request checksum
// header: an 8 character time prefix followed by one or two 64 character
// hex device secrets.
package checksum

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	secretHexLen = 64
	prefixLen    = 8

	// Single form: prefix then one secret. Paired form adds a slash
	// and the second secret.
	singleLen = prefixLen + secretHexLen     // 72
	pairedLen = singleLen + 1 + secretHexLen // 137
	slashIdx  = singleLen
)

var (
	ErrBadLength = errors.New("checksum: bad header length")
	ErrBadSecret = errors.New("checksum: secret is not 64 hex characters")
	ErrBadPrefix = errors.New("checksum: time prefix failed validation")
)

// NewSecret returns a fresh random device secret, 64 lowercase hex chars.
func NewSecret() string {
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		panic(err)
	}
	return hex.EncodeToString(raw[:])
}

// timeBytes lays out the coarse timestamp (unix millis / 1e6) so that
// byte 0 repeats at 4 and byte 1 repeats at 5, which is what the
// validation side checks.
func timeBytes(nowMs int64) [6]byte {
	t := uint64(nowMs) / 1_000_000
	return [6]byte{
		byte(t >> 8),
		byte(t),
		byte(t >> 24),
		byte(t >> 16),
		byte(t >> 8),
		byte(t),
	}
}

func obfuscate(p [6]byte) [6]byte {
	var o [6]byte
	prev := byte(165)
	for i := range p {
		o[i] = (p[i] ^ prev) + byte(i)
		prev = o[i]
	}
	return o
}

func deobfuscate(o [6]byte) [6]byte {
	var p [6]byte
	prev := byte(165)
	for i := range o {
		p[i] = (o[i] - byte(i)) ^ prev
		prev = o[i]
	}
	return p
}

// TimePrefix returns the 8 character obfuscated time prefix for nowMs.
func TimePrefix(nowMs int64) string {
	o := obfuscate(timeBytes(nowMs))
	return base64.RawURLEncoding.EncodeToString(o[:])
}

func validSecret(s string) bool {
	if len(s) != secretHexLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Build assembles the checksum header. An empty mac yields the
// 72 character single-secret form; otherwise the slash-separated
// paired form. Pure in (device, mac, now).
func Build(device, mac string, now time.Time) (string, error) {
	if !validSecret(device) {
		return "", fmt.Errorf("%w (device)", ErrBadSecret)
	}
	if mac == "" {
		return TimePrefix(now.UnixMilli()) + device, nil
	}
	if !validSecret(mac) {
		return "", fmt.Errorf("%w (mac)", ErrBadSecret)
	}
	return TimePrefix(now.UnixMilli()) + device + "/" + mac, nil
}

// Random returns a complete well formed header with fresh secrets,
// paired form, stamped at now.
func Random(now time.Time) string {
	h, _ := Build(NewSecret(), NewSecret(), now)
	return h
}

// Parse splits and validates a checksum header in either the single or
// the paired form. Mac is empty for the single form. The returned time
// is the coarse timestamp recovered from the prefix.
func Parse(header string) (device, mac string, stamp time.Time, err error) {
	switch len(header) {
	case singleLen:
		device = header[prefixLen:]
	case pairedLen:
		if header[slashIdx] != '/' {
			return "", "", time.Time{}, ErrBadLength
		}
		device = header[prefixLen:slashIdx]
		mac = header[slashIdx+1:]
		if !validSecret(mac) {
			return "", "", time.Time{}, ErrBadSecret
		}
	default:
		return "", "", time.Time{}, ErrBadLength
	}
	if !validSecret(device) {
		return "", "", time.Time{}, ErrBadSecret
	}

	raw, derr := base64.RawURLEncoding.DecodeString(header[:prefixLen])
	if derr != nil || len(raw) != 6 {
		return "", "", time.Time{}, ErrBadPrefix
	}
	var o [6]byte
	copy(o[:], raw)
	p := deobfuscate(o)
	if p[0] != p[4] || p[1] != p[5] {
		return "", "", time.Time{}, ErrBadPrefix
	}
	t := uint64(p[2])<<24 | uint64(p[3])<<16 | uint64(p[4])<<8 | uint64(p[5])
	stamp = time.UnixMilli(int64(t) * 1_000_000)
	return device, mac, stamp, nil
}

// Normalize lowercases a header's hex parts, leaving the prefix alone.
func Normalize(header string) string {
	if len(header) <= prefixLen {
		return header
	}
	return header[:prefixLen] + strings.ToLower(header[prefixLen:])
}
