package hexdump

import (
	"os"
	"strings"
	"testing"

	"github.com/fatih/color"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

func TestDump(t *testing.T) {
	tests := []struct {
		name  string
		data  []byte
		vaddr uint64
		want  string
	}{
		{
			name: "empty",
			want: "",
		},
		{
			name:  "full line",
			data:  []byte("0123456789abcdef"),
			vaddr: 0x1000,
			want:  "0000000000001000:  30 31 32 33 34 35 36 37  38 39 61 62 63 64 65 66  |0123456789abcdef|\n",
		},
		{
			name:  "partial trailing line",
			data:  []byte("0123456789abcdef\x00"),
			vaddr: 0x1000,
			want: "0000000000001000:  30 31 32 33 34 35 36 37  38 39 61 62 63 64 65 66  |0123456789abcdef|\n" +
				"0000000000001010:  00 " + strings.Repeat(" ", 47) + "|.|\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Dump(tt.data, tt.vaddr); got != tt.want {
				t.Errorf("Dump() =\n%q\nwant\n%q", got, tt.want)
			}
		})
	}
}

func TestLabeled(t *testing.T) {
	got := Labeled("__TEXT.__ustring", []byte{0x41}, 0)
	if !strings.HasPrefix(got, "__TEXT.__ustring\n0000000000000000:  41 ") {
		t.Errorf("Labeled() = %q", got)
	}
}

func TestDumperClosed(t *testing.T) {
	var sb strings.Builder
	d := Dumper(&sb, 0)
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Write([]byte{1}); err == nil {
		t.Error("Write after Close succeeded")
	}
}
