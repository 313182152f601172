// Package mbf implements many-body basis functions as fixed-width bit strings.
//
// Site i of a configuration is bit i%64 of word i/64.
// For spin systems a set bit is a spin up and a cleared bit a spin down.
package mbf

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

const (
	// NWord is the number of 64 bit words in a basis function.
	NWord = 2
	// MaxSite is the maximum number of sites representable.
	MaxSite = 64 * NWord
)

// MBF is an immutable many-body basis function.
type MBF [NWord]uint64

// New returns the basis function whose site i is set when sites[i] is 1.
func New(sites []byte) MBF {
	if len(sites) > MaxSite {
		panic(fmt.Sprintf("%d %d", len(sites), MaxSite))
	}
	var m MBF
	for i, b := range sites {
		if b == 1 {
			m = m.Set(i)
		}
	}
	return m
}

// Index returns the basis function whose first word is i.
func Index(i uint64) MBF {
	return MBF{i}
}

func (m MBF) Get(i int) bool {
	return m[i/64]&(1<<(i%64)) != 0
}

func (m MBF) Set(i int) MBF {
	m[i/64] |= 1 << (i % 64)
	return m
}

func (m MBF) Clr(i int) MBF {
	m[i/64] &^= 1 << (i % 64)
	return m
}

func (m MBF) Flip(i int) MBF {
	m[i/64] ^= 1 << (i % 64)
	return m
}

// Count returns the number of set sites.
func (m MBF) Count() int {
	var n int
	for _, w := range m {
		n += bits.OnesCount64(w)
	}
	return n
}

// Xor returns the sites that differ between m and o.
func (m MBF) Xor(o MBF) MBF {
	for i := range m {
		m[i] ^= o[i]
	}
	return m
}

// Ones iterates over the set sites in increasing order.
func (m MBF) Ones() func(yield func(int) bool) {
	return func(yield func(int) bool) {
		for wi, w := range m {
			for w != 0 {
				b := bits.TrailingZeros64(w)
				if !yield(wi*64 + b) {
					return
				}
				w &= w - 1
			}
		}
	}
}

// Sites returns the first n sites as a byte per site.
func (m MBF) Sites(n int) []byte {
	sites := make([]byte, n)
	for i := range n {
		if m.Get(i) {
			sites[i] = 1
		}
	}
	return sites
}

// Format prints the first n sites, site 0 first.
func (m MBF) Format(n int) string {
	var b strings.Builder
	for i := range n {
		switch {
		case m.Get(i):
			b.WriteByte('1')
		default:
			b.WriteByte('0')
		}
	}
	return b.String()
}

func (m MBF) String() string {
	return fmt.Sprintf("%016x%016x", m[1], m[0])
}

// Bytes returns the little-endian encoding of m.
func (m MBF) Bytes() []byte {
	b := make([]byte, 8*NWord)
	for i, w := range m {
		binary.LittleEndian.PutUint64(b[8*i:], w)
	}
	return b
}

// FromBytes decodes the output of Bytes.
func FromBytes(b []byte) (MBF, error) {
	var m MBF
	if len(b) != 8*NWord {
		return m, errors.Errorf("%d bytes, expected %d", len(b), 8*NWord)
	}
	for i := range m {
		m[i] = binary.LittleEndian.Uint64(b[8*i:])
	}
	return m, nil
}

// Hash is deterministic across processes, which rank allocation relies on.
func (m MBF) Hash() uint64 {
	var b [8 * NWord]byte
	for i, w := range m {
		binary.LittleEndian.PutUint64(b[8*i:], w)
	}
	return xxhash.Sum64(b[:])
}

// Compare orders basis functions lexicographically over their words.
func Compare(a, b MBF) int {
	for i := range a {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}
	return 0
}

// All iterates over every basis function of n sites.
// It is only meant for exhaustive reference computations on small systems.
func All(n int) func(yield func(int, MBF) bool) {
	if n > 62 {
		panic(fmt.Sprintf("%d", n))
	}
	return func(yield func(int, MBF) bool) {
		numStates := 1 << n
		for i := range numStates {
			if !yield(i, MBF{uint64(i)}) {
				return
			}
		}
	}
}
