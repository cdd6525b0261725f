package cmd

import "testing"

func TestParseAddr(t *testing.T) {
	tests := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{"0x100003f20", 0x100003f20, false},
		{"4096", 4096, false},
		{"0o17", 15, false},
		{"0xFFFFFFFFFFFFFFFF", 0xFFFFFFFFFFFFFFFF, false},
		{"", 0, true},
		{"main", 0, true},
		{"-1", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseAddr(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseAddr(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("parseAddr(%q) = %#x, want %#x", tt.in, got, tt.want)
			}
		})
	}
}
