package hotplug

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestBitMaskSetClear(t *testing.T) {
	m := NewBitMask(2)

	for i := 0; i < 16; i++ {
		t.Run(fmt.Sprintf("bit %d", i), func(t *testing.T) {
			before := m.Bytes()

			m.Set(i)
			if !m.IsSet(i) {
				t.Fatal("bit not set")
			}

			m.Clear(i)
			if diff := cmp.Diff(before, m.Bytes()); diff != "" {
				t.Errorf("round trip (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBitMaskLayout(t *testing.T) {
	m := NewBitMask(2)
	m.Set(0)
	m.Set(5)
	m.Set(9)
	m.Set(15)

	if diff := cmp.Diff([]byte{0x21, 0x82}, m.Bytes()); diff != "" {
		t.Errorf("bytes (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]int{0, 5, 9, 15}, m.Indices()); diff != "" {
		t.Errorf("indices (-want +got):\n%s", diff)
	}

	if s := m.String(); s != "[21 82]" {
		t.Errorf("string %q != [21 82]", s)
	}
}

func TestBitMaskOutOfRange(t *testing.T) {
	m := NewBitMask(1)

	for _, i := range []int{-1, -8, 8, 9, 1000} {
		m.Set(i)
		if m.IsSet(i) {
			t.Errorf("bit %d reads as set", i)
		}

		m.Clear(i)
	}

	if b := m.Byte(0); b != 0 {
		t.Errorf("byte 0 %#x != 0", b)
	}

	if b := m.Byte(1); b != 0 {
		t.Errorf("byte 1 %#x != 0", b)
	}

	m.SetByte(1, 0xff)
	if m.IsSet(8) {
		t.Error("SetByte wrote past the end")
	}
}

func TestBitMaskSetByte(t *testing.T) {
	m := NewBitMask(2)
	m.Set(0)
	m.SetByte(1, 0xa5)

	if diff := cmp.Diff([]byte{0x01, 0xa5}, m.Bytes()); diff != "" {
		t.Errorf("bytes (-want +got):\n%s", diff)
	}

	m.SetByte(1, 0x00)
	if m.IsSet(8) || m.IsSet(10) {
		t.Error("SetByte didn't clear bits")
	}
}

func TestBitMaskCloneIsIndependent(t *testing.T) {
	m := NewBitMask(1)
	m.Set(3)

	c := m.Clone()
	m.Clear(3)

	if !c.IsSet(3) {
		t.Error("clone changed with its source")
	}

	if c.Size() != 1 {
		t.Errorf("clone size %d != 1", c.Size())
	}
}

func TestBitMaskZero(t *testing.T) {
	m := NewBitMask(3)
	m.SetByte(0, 0xff)
	m.SetByte(2, 0x10)
	m.Zero()

	if diff := cmp.Diff([]byte{0, 0, 0}, m.Bytes()); diff != "" {
		t.Errorf("bytes (-want +got):\n%s", diff)
	}

	if ii := m.Indices(); len(ii) != 0 {
		t.Errorf("indices %v after zero", ii)
	}
}
