package hotplug

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"
)

// BitMask is a fixed-size vector of bits addressed by vCPU index. Bit i lives in
// byte i/8 at position i%8, least significant bit first. Indices past the end are
// ignored by Set and Clear and read as unset.
type BitMask struct {
	size int
	bits *bitset.BitSet
}

// NewBitMask returns a zeroed mask of size bytes.
func NewBitMask(size int) *BitMask {
	if size < 0 {
		size = 0
	}

	return &BitMask{
		size: size,
		bits: bitset.New(uint(size) * 8),
	}
}

// Size returns the size of the mask in bytes.
func (m *BitMask) Size() int {
	return m.size
}

func (m *BitMask) Set(i int) {
	if m.inRange(i) {
		m.bits.Set(uint(i))
	}
}

func (m *BitMask) Clear(i int) {
	if m.inRange(i) {
		m.bits.Clear(uint(i))
	}
}

func (m *BitMask) IsSet(i int) bool {
	return m.inRange(i) && m.bits.Test(uint(i))
}

// Byte returns byte n of the mask, or 0 if n is out of range.
func (m *BitMask) Byte(n int) byte {
	if n < 0 || n >= m.size {
		return 0
	}

	var b byte
	for k := 0; k < 8; k++ {
		if m.bits.Test(uint(8*n + k)) {
			b |= 1 << k
		}
	}

	return b
}

// SetByte replaces byte n of the mask. It does nothing if n is out of range.
func (m *BitMask) SetByte(n int, v byte) {
	if n < 0 || n >= m.size {
		return
	}

	for k := 0; k < 8; k++ {
		m.bits.SetTo(uint(8*n+k), v&(1<<k) != 0)
	}
}

// Bytes returns the mask in its wire layout.
func (m *BitMask) Bytes() []byte {
	p := make([]byte, m.size)
	for n := range p {
		p[n] = m.Byte(n)
	}

	return p
}

// Zero clears every bit.
func (m *BitMask) Zero() {
	m.bits.ClearAll()
}

func (m *BitMask) Clone() *BitMask {
	return &BitMask{
		size: m.size,
		bits: m.bits.Clone(),
	}
}

// Indices returns the set bits in ascending order.
func (m *BitMask) Indices() []int {
	var ii []int
	for i, ok := m.bits.NextSet(0); ok; i, ok = m.bits.NextSet(i + 1) {
		ii = append(ii, int(i))
	}

	return ii
}

func (m *BitMask) String() string {
	return fmt.Sprintf("[% x]", m.Bytes())
}

func (m *BitMask) inRange(i int) bool {
	return i >= 0 && i/8 < m.size
}
