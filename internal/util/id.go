package util

import (
	"encoding/binary"
	"hash/crc32"
	"sync/atomic"
	"time"
)

var idCounter atomic.Uint32

func init() {
	idCounter.Store(uint32(time.Now().UnixNano()))
}

// NewShortID returns a short human-friendly id shaped like "x00xx0x":
// letters and digits derived from the CRC-32 of a process-wide counter.
// Ids repeat only after 2^32 calls but may collide with ids from another
// process, so callers check for uniqueness.
func NewShortID() string {
	return shortIDFromValue(idCounter.Add(1))
}

// NewSessionKey is NewShortID with the session key prefix.
func NewSessionKey() string {
	return "S-" + NewShortID()
}

func shortIDFromValue(v uint32) string {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	x := crc32.ChecksumIEEE(buf[:])

	// Mixed radix 52*10*10*52*52*10*52 > 2^32, so every hash fits.
	var res [7]byte
	res[6] = letter(x % 52)
	x /= 52
	res[5] = digit(x % 10)
	x /= 10
	res[4] = letter(x % 52)
	x /= 52
	res[3] = letter(x % 52)
	x /= 52
	res[2] = digit(x % 10)
	x /= 10
	res[1] = digit(x % 10)
	x /= 10
	res[0] = letter(x % 52)
	return string(res[:])
}

func letter(n uint32) byte {
	if n < 26 {
		return byte('a' + n)
	}
	return byte('A' + n - 26)
}

func digit(n uint32) byte {
	return byte('0' + n)
}
