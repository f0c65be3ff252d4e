// Package tsid generates time-sorted identifiers: 42 bits of milliseconds
// since 2020-01-01T00:00:00Z followed by 22 random bits, rendered as a
// 13-character Crockford Base32 string. IDs sort lexicographically by
// creation time and are case-insensitive.
package tsid

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"sync"
	"time"
)

const (
	epochMillis = 1577836800000 // 2020-01-01T00:00:00Z

	randomBits = 22
	encodedLen = 13

	alphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"
)

// ErrInvalidTSID is returned when decoding a string that is not a TSID.
var ErrInvalidTSID = errors.New("tsid: invalid identifier")

// Generator produces TSIDs. Within a single millisecond the low bits of the
// random component carry a counter so that IDs never collide in-process.
type Generator struct {
	mu       sync.Mutex
	lastMs   int64
	sequence uint32
}

var defaultGen Generator

// Generate returns a new TSID from the process-wide generator.
func Generate() string {
	return defaultGen.Generate()
}

// Generate returns a new TSID string.
func (g *Generator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	nowMs := time.Now().UnixMilli() - epochMillis

	var buf [4]byte
	rand.Read(buf[:])
	random := binary.BigEndian.Uint32(buf[:]) & ((1 << randomBits) - 1)

	if nowMs == g.lastMs {
		g.sequence++
		random = (random &^ 0xFFFF) | (g.sequence & 0xFFFF)
	} else {
		g.lastMs = nowMs
		g.sequence = 0
	}

	return encode(uint64(nowMs)<<randomBits | uint64(random))
}

// Timestamp extracts the creation time embedded in a TSID.
func Timestamp(id string) (time.Time, error) {
	v, err := decode(id)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(int64(v>>randomBits) + epochMillis), nil
}

// ToInt64 decodes a TSID to its numeric form.
func ToInt64(id string) (int64, error) {
	v, err := decode(id)
	if err != nil {
		return 0, err
	}
	return int64(v), nil
}

// FromInt64 encodes a numeric TSID back to its string form.
func FromInt64(v int64) string {
	return encode(uint64(v))
}

func encode(v uint64) string {
	out := make([]byte, encodedLen)
	for i := encodedLen - 1; i >= 0; i-- {
		out[i] = alphabet[v&0x1F]
		v >>= 5
	}
	return string(out)
}

func decode(s string) (uint64, error) {
	if len(s) != encodedLen {
		return 0, ErrInvalidTSID
	}
	var v uint64
	for i := 0; i < len(s); i++ {
		d := digit(s[i])
		if d < 0 {
			return 0, ErrInvalidTSID
		}
		v = v<<5 | uint64(d)
	}
	return v, nil
}

// digit maps a Crockford Base32 character to its value. I/L read as 1, O as
// 0, and lowercase is accepted.
func digit(c byte) int {
	if c >= 'a' && c <= 'z' {
		c -= 'a' - 'A'
	}
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c == 'I' || c == 'L':
		return 1
	case c == 'O':
		return 0
	case c == 'U':
		return 27
	case c >= 'A' && c <= 'H':
		return int(c-'A') + 10
	case c == 'J' || c == 'K':
		return int(c-'J') + 18
	case c == 'M' || c == 'N':
		return int(c-'M') + 20
	case c >= 'P' && c <= 'T':
		return int(c-'P') + 22
	case c >= 'V' && c <= 'Z':
		return int(c-'V') + 27
	}
	return -1
}
