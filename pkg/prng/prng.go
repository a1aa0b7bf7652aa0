// Package prng provides a seeded io.Reader of pseudorandom bytes, used to
// make generated demo data reproducible run to run.
package prng

import (
	"encoding/binary"
	"io"
	"math/rand"
)

// Reader is a deterministic io.Reader backed by a math/rand RNG. Not safe
// for concurrent use.
type Reader struct {
	r *rand.Rand
}

// New returns a deterministic reader seeded by an integer.
func New(seed int64) io.Reader {
	return &Reader{r: rand.New(rand.NewSource(seed))}
}

// Read fills p with pseudorandom bytes. It never fails.
func (r *Reader) Read(p []byte) (int, error) {
	var buf [8]byte
	for i := 0; i < len(p); {
		binary.LittleEndian.PutUint64(buf[:], uint64(r.r.Int63()))
		i += copy(p[i:], buf[:])
	}
	return len(p), nil
}
