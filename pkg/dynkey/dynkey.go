// Package dynkey implements the dynamic API key codec. A key wraps a
// pool-stable 192 bit numeric identifier plus optional per-key overrides,
// and serializes to three equivalent textual forms.
package dynkey

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

const (
	numericLen   = 24
	bodyVersion  = 0x01
	maxBodyBytes = 512

	tlvProxyName      = 0x01
	tlvTimezone       = 0x02
	tlvGcppHost       = 0x03
	tlvDisableVision  = 0x10
	tlvEnableSlowPool = 0x11
	tlvIncludeWebRefs = 0x12
	tlvUsageCheck     = 0x20
)

// GcppHost regions.
const (
	GcppAsia byte = 0
	GcppEU   byte = 1
	GcppUS   byte = 2
)

// Usage-check variants.
const (
	UsageCheckDefault  byte = 0
	UsageCheckDisabled byte = 1
	UsageCheckAll      byte = 2
	UsageCheckCustom   byte = 3
)

// InvalidKey describes a decode failure.
type InvalidKey struct {
	Format string
	Reason string
}

func (e *InvalidKey) Error() string {
	return fmt.Sprintf("dynkey: invalid %s key: %s", e.Format, e.Reason)
}

var ErrTooLong = errors.New("dynkey: encoded body exceeds 512 bytes")

// Numeric is the 192 bit identifier, big-endian u128 followed by u64.
type Numeric [numericLen]byte

// NewNumeric returns a random identifier.
func NewNumeric() Numeric {
	var n Numeric
	if _, err := rand.Read(n[:]); err != nil {
		panic(err)
	}
	return n
}

// NumericFromParts builds the identifier from its integer pair. hi must
// fit in 128 bits.
func NumericFromParts(hi *big.Int, lo uint64) (Numeric, error) {
	var n Numeric
	if hi.Sign() < 0 || hi.BitLen() > 128 {
		return n, &InvalidKey{Format: "numeric", Reason: "high part does not fit in 128 bits"}
	}
	hi.FillBytes(n[:16])
	for i := 0; i < 8; i++ {
		n[16+i] = byte(lo >> (56 - 8*i))
	}
	return n, nil
}

// Hi returns the u128 part.
func (n Numeric) Hi() *big.Int { return new(big.Int).SetBytes(n[:16]) }

// Lo returns the u64 part.
func (n Numeric) Lo() uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(n[16+i])
	}
	return v
}

// Int returns the whole identifier as one 192 bit integer.
func (n Numeric) Int() *big.Int { return new(big.Int).SetBytes(n[:]) }

// UsageCheck selects which models trigger a usage-profile lookup.
type UsageCheck struct {
	Variant byte
	Models  []string
}

// Overrides are the optional per-key settings carried after the numeric.
// Pointer and bool zero values mean "use the backing token's own value".
type Overrides struct {
	ProxyName            string
	Timezone             string
	GcppHost             *byte
	DisableVision        bool
	EnableSlowPool       bool
	IncludeWebReferences bool
	UsageCheck           *UsageCheck
}

func (o *Overrides) empty() bool {
	return o == nil || (o.ProxyName == "" && o.Timezone == "" && o.GcppHost == nil &&
		!o.DisableVision && !o.EnableSlowPool && !o.IncludeWebReferences && o.UsageCheck == nil)
}

// Payload is a fully decoded dynamic key.
type Payload struct {
	Numeric   Numeric
	Overrides Overrides
}

func appendTLV(b []byte, code byte, value []byte) ([]byte, error) {
	if len(value) > 255 {
		return nil, &InvalidKey{Format: "tlv", Reason: "value exceeds 255 bytes"}
	}
	b = append(b, code, byte(len(value)))
	return append(b, value...), nil
}

func (p *Payload) body() ([]byte, error) {
	b := make([]byte, 0, numericLen+16)
	b = append(b, p.Numeric[:]...)
	if p.Overrides.empty() {
		return b, nil
	}
	b = append(b, bodyVersion)
	o := &p.Overrides
	var err error
	if o.ProxyName != "" {
		if b, err = appendTLV(b, tlvProxyName, []byte(o.ProxyName)); err != nil {
			return nil, err
		}
	}
	if o.Timezone != "" {
		if b, err = appendTLV(b, tlvTimezone, []byte(o.Timezone)); err != nil {
			return nil, err
		}
	}
	if o.GcppHost != nil {
		if b, err = appendTLV(b, tlvGcppHost, []byte{*o.GcppHost}); err != nil {
			return nil, err
		}
	}
	if o.DisableVision {
		if b, err = appendTLV(b, tlvDisableVision, nil); err != nil {
			return nil, err
		}
	}
	if o.EnableSlowPool {
		if b, err = appendTLV(b, tlvEnableSlowPool, nil); err != nil {
			return nil, err
		}
	}
	if o.IncludeWebReferences {
		if b, err = appendTLV(b, tlvIncludeWebRefs, nil); err != nil {
			return nil, err
		}
	}
	if o.UsageCheck != nil {
		v := []byte{o.UsageCheck.Variant}
		if len(o.UsageCheck.Models) > 0 {
			v = append(v, []byte(strings.Join(o.UsageCheck.Models, ","))...)
		}
		if b, err = appendTLV(b, tlvUsageCheck, v); err != nil {
			return nil, err
		}
	}
	if len(b) > maxBodyBytes {
		return nil, ErrTooLong
	}
	return b, nil
}

// Encode returns the full textual form, "sk-" plus the base64url body.
func (p *Payload) Encode() (string, error) {
	b, err := p.body()
	if err != nil {
		return "", err
	}
	return "sk-" + base64.RawURLEncoding.EncodeToString(b), nil
}

// EncodeNumericB64 returns the numeric-only base64 form. Overrides are
// not representable here.
func (p *Payload) EncodeNumericB64() string {
	return base64.RawURLEncoding.EncodeToString(p.Numeric[:])
}

// EncodeNumericDecimal returns the numeric-only decimal form.
func (p *Payload) EncodeNumericDecimal() string {
	return p.Numeric.Int().String()
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Decode parses any of the three textual forms.
func Decode(s string) (*Payload, error) {
	switch {
	case strings.HasPrefix(s, "sk-"):
		body, err := base64.RawURLEncoding.DecodeString(s[3:])
		if err != nil {
			return nil, &InvalidKey{Format: "textual", Reason: "bad base64"}
		}
		return decodeBody(body)
	case isDigits(s):
		v, ok := new(big.Int).SetString(s, 10)
		if !ok || v.BitLen() > 192 {
			return nil, &InvalidKey{Format: "decimal", Reason: "does not fit in 192 bits"}
		}
		var p Payload
		v.FillBytes(p.Numeric[:])
		return &p, nil
	default:
		raw, err := base64.RawURLEncoding.DecodeString(s)
		if err != nil || len(raw) != numericLen {
			return nil, &InvalidKey{Format: "base64", Reason: "not a 24 byte numeric"}
		}
		var p Payload
		copy(p.Numeric[:], raw)
		return &p, nil
	}
}

func decodeBody(body []byte) (*Payload, error) {
	if len(body) < numericLen {
		return nil, &InvalidKey{Format: "textual", Reason: "body shorter than numeric"}
	}
	if len(body) > maxBodyBytes {
		return nil, &InvalidKey{Format: "textual", Reason: "body exceeds 512 bytes"}
	}
	var p Payload
	copy(p.Numeric[:], body[:numericLen])
	rest := body[numericLen:]
	if len(rest) == 0 {
		return &p, nil
	}
	if rest[0] != bodyVersion {
		return nil, &InvalidKey{Format: "textual", Reason: fmt.Sprintf("unknown body version %#x", rest[0])}
	}
	rest = rest[1:]
	for len(rest) > 0 {
		if len(rest) < 2 {
			return nil, &InvalidKey{Format: "textual", Reason: "truncated TLV header"}
		}
		code, length := rest[0], int(rest[1])
		rest = rest[2:]
		if len(rest) < length {
			return nil, &InvalidKey{Format: "textual", Reason: "truncated TLV value"}
		}
		value := rest[:length]
		rest = rest[length:]
		switch code {
		case tlvProxyName:
			p.Overrides.ProxyName = string(value)
		case tlvTimezone:
			p.Overrides.Timezone = string(value)
		case tlvGcppHost:
			if length != 1 || value[0] > GcppUS {
				return nil, &InvalidKey{Format: "textual", Reason: "bad gcpp host value"}
			}
			h := value[0]
			p.Overrides.GcppHost = &h
		case tlvDisableVision:
			p.Overrides.DisableVision = true
		case tlvEnableSlowPool:
			p.Overrides.EnableSlowPool = true
		case tlvIncludeWebRefs:
			p.Overrides.IncludeWebReferences = true
		case tlvUsageCheck:
			if length < 1 {
				return nil, &InvalidKey{Format: "textual", Reason: "empty usage check value"}
			}
			uc := &UsageCheck{Variant: value[0]}
			if length > 1 {
				uc.Models = strings.Split(string(value[1:]), ",")
			}
			p.Overrides.UsageCheck = uc
		default:
			// Unknown codes are skipped so newer keys still resolve.
		}
	}
	return &p, nil
}
