package usb

import "testing"

func TestParseID(t *testing.T) {
	tests := []struct {
		in       string
		vid, pid uint16
		ok       bool
	}{
		{"10c4:87a0", 0x10c4, 0x87a0, true},
		{"10C4:87A0", 0x10c4, 0x87a0, true},
		{"/dev/bus/usb/001/004", 0, 0, false},
		{"10c4-87a0", 0, 0, false},
		{"10c4:87a", 0, 0, false},
		{"zzzz:87a0", 0, 0, false},
	}

	for _, tt := range tests {
		vid, pid, ok := ParseID(tt.in)
		if ok != tt.ok || vid != tt.vid || pid != tt.pid {
			t.Errorf("ParseID(%q) = %04x, %04x, %v", tt.in, vid, pid, ok)
		}
	}
}
