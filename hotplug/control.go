package hotplug

import "strings"

// Control is the device's control byte.
//
//	| 7   6   5   4   3   2 | 1 | 0
//	|       reserved        |HPR|IPR
//
// A hotplug is pending from the moment the host fires a request until the guest
// has completed it and cleared HPR. The interrupt is pending until the guest
// reaches its ISR and clears IPR.
type Control uint8

const (
	IPR Control = 1 << 0 // interrupt pending
	HPR Control = 1 << 1 // hotplug pending

	reservedBits = ^(IPR | HPR)
)

// Transition reports which bits a guest write cleared.
type Transition struct {
	IPRCleared bool
	HPRCleared bool
}

// Has reports whether all of the bits in f are set.
func (c Control) Has(f Control) bool {
	return c&f == f
}

// Fire raises HPR and IPR together. It fails if a hotplug is already pending.
func (c Control) Fire() (Control, bool) {
	if c.Has(HPR) {
		return c, false
	}

	return c | HPR | IPR, true
}

// GuestWrite applies a control byte written by the guest. Only 1->0 transitions
// of IPR and HPR are observed; the guest can't set either bit, and reserved bits
// are dropped.
func (c Control) GuestWrite(v byte) (Control, Transition) {
	var (
		w  = Control(v)
		tr Transition
	)

	if c.Has(IPR) && !w.Has(IPR) {
		c &^= IPR
		tr.IPRCleared = true
	}

	if c.Has(HPR) && !w.Has(HPR) {
		c &^= HPR
		tr.HPRCleared = true
	}

	return c, tr
}

// Byte returns the register as the guest reads it.
func (c Control) Byte() byte {
	return byte(c &^ reservedBits)
}

func (c Control) String() string {
	var ff []string
	if c.Has(HPR) {
		ff = append(ff, "HPR")
	}

	if c.Has(IPR) {
		ff = append(ff, "IPR")
	}

	if len(ff) == 0 {
		return "0"
	}

	return strings.Join(ff, "|")
}
