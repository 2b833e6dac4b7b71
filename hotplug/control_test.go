package hotplug

import "testing"

func TestControlFire(t *testing.T) {
	c, ok := Control(0).Fire()
	if !ok {
		t.Fatal("fire from reset failed")
	}

	if c.Byte() != 0b11 {
		t.Errorf("control %#b != 0b11", c.Byte())
	}

	again, ok := c.Fire()
	if ok {
		t.Error("second fire succeeded")
	}

	if again != c {
		t.Errorf("rejected fire changed control: %v != %v", again, c)
	}

	// IPR alone doesn't block a new hotplug
	if _, ok := IPR.Fire(); !ok {
		t.Error("fire with only IPR set failed")
	}
}

func TestControlGuestWrite(t *testing.T) {
	tests := []struct {
		name string
		from Control
		v    byte
		want Control
		tr   Transition
	}{
		{"clear ipr", HPR | IPR, 0b10, HPR, Transition{IPRCleared: true}},
		{"clear both", HPR | IPR, 0b00, 0, Transition{IPRCleared: true, HPRCleared: true}},
		{"clear hpr after ipr", HPR, 0b00, 0, Transition{HPRCleared: true}},
		{"clear hpr keep ipr", HPR | IPR, 0b01, IPR, Transition{HPRCleared: true}},
		{"no change", HPR | IPR, 0b11, HPR | IPR, Transition{}},
		{"set ipr ignored", 0, 0b01, 0, Transition{}},
		{"set hpr ignored", 0, 0b10, 0, Transition{}},
		{"reserved ignored", HPR | IPR, 0xff, HPR | IPR, Transition{}},
		{"reserved dropped on clear", HPR | IPR, 0xfc, 0, Transition{IPRCleared: true, HPRCleared: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, tr := tt.from.GuestWrite(tt.v)
			if got != tt.want {
				t.Errorf("control %v != %v", got, tt.want)
			}

			if tr != tt.tr {
				t.Errorf("transition %+v != %+v", tr, tt.tr)
			}

			if got.Byte()&^0b11 != 0 {
				t.Errorf("reserved bits set: %#b", got.Byte())
			}
		})
	}
}

func TestControlString(t *testing.T) {
	tests := map[Control]string{
		0:         "0",
		IPR:       "IPR",
		HPR:       "HPR",
		HPR | IPR: "HPR|IPR",
	}

	for c, want := range tests {
		if c.String() != want {
			t.Errorf("%q != %q", c.String(), want)
		}
	}
}
