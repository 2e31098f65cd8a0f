// Package tsid generates short time-sorted identifiers. The worker loops
// use them to suffix worker ids, so concurrently started instances on the
// same host stay distinguishable in captured_by columns and logs.
package tsid

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"
)

// Layout: 42 bits of milliseconds since 2020-01-01T00:00:00Z, then 22
// random bits. Ids generated later compare greater as strings.
const (
	epochMillis = 1577836800000
	randomBits  = 22

	crockford = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"
)

var gen struct {
	mu         sync.Mutex
	lastMillis int64
	seq        uint32
}

// Generate returns a new 13-character Crockford Base32 id.
func Generate() string {
	gen.mu.Lock()
	defer gen.mu.Unlock()

	millis := time.Now().UnixMilli() - epochMillis

	var buf [4]byte
	rand.Read(buf[:])
	random := binary.BigEndian.Uint32(buf[:]) & ((1 << randomBits) - 1)

	// Within one millisecond a sequence replaces the low random bits, so
	// bursts of ids stay unique
	if millis == gen.lastMillis {
		gen.seq++
		random = (random &^ 0xFFFF) | (gen.seq & 0xFFFF)
	} else {
		gen.lastMillis = millis
		gen.seq = 0
	}

	return encode(uint64(millis)<<randomBits | uint64(random))
}

func encode(value uint64) string {
	var out [13]byte
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = crockford[value&0x1F]
		value >>= 5
	}
	return string(out[:])
}
