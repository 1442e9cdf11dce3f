// Package cache persists pool state snapshots. A snapshot file starts
// with a four byte magic and a version so stale or foreign files are
// rejected before any JSON is touched.
package cache

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var (
	ErrNotFound       = errors.New("cache: snapshot file not found")
	ErrBadMagic       = errors.New("cache: not a snapshot file")
	ErrUnknownVersion = errors.New("cache: unsupported snapshot version")
)

var magic = [4]byte{'C', 'A', 'P', 'I'}

// CurrentVersion is written by Save and is the only version Load accepts.
const CurrentVersion uint16 = 1

const headerLen = 6

// Load reads a snapshot file and decodes its JSON body into out.
func Load(path string, out any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("read snapshot: %w", err)
	}
	if len(b) < headerLen || !bytes.Equal(b[:4], magic[:]) {
		return ErrBadMagic
	}
	if v := binary.BigEndian.Uint16(b[4:6]); v != CurrentVersion {
		return fmt.Errorf("%w: %d", ErrUnknownVersion, v)
	}
	if err := json.Unmarshal(b[headerLen:], out); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	return nil
}

// Save writes a snapshot atomically: temp file in the same directory,
// then rename.
func Save(path string, value any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("mkdir snapshot dir: %w", err)
	}
	body, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	buf := make([]byte, headerLen, headerLen+len(body))
	copy(buf, magic[:])
	binary.BigEndian.PutUint16(buf[4:6], CurrentVersion)
	buf = append(buf, body...)

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o600); err != nil {
		return fmt.Errorf("write snapshot temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}
