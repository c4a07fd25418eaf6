package memory

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
)

// Record keys are 13-character TIDs: a big-endian 64-bit value of
// (unix microseconds << 10 | 10 random bits) rendered in sortable base32.
// Lexicographic order equals creation order, which gives ListByDID its
// time ordering for free and keeps ids unique within (did, collection).
const sortableBase32 = "234567abcdefghijklmnopqrstuvwxyz"

var (
	tidMu   sync.Mutex
	tidLast uint64
)

// newTID returns a fresh monotonically increasing record key.
func newTID(nowMicros int64) string {
	var randBuf [2]byte
	_, _ = rand.Read(randBuf[:])
	val := uint64(nowMicros)<<10 | uint64(binary.BigEndian.Uint16(randBuf[:])&0x3ff)

	tidMu.Lock()
	if val <= tidLast {
		val = tidLast + 1
	}
	tidLast = val
	tidMu.Unlock()

	// 13 chars * 5 bits = 65 bits; the top character encodes only 4 bits.
	var out [13]byte
	for i := 12; i >= 0; i-- {
		out[i] = sortableBase32[val&0x1f]
		val >>= 5
	}
	return string(out[:])
}
