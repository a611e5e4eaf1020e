package platform_test

import (
	"testing"

	"github.com/projectceladon/kernelflinger-go/internal/platform"
)

func TestSanitiseSerial(t *testing.T) {
	cases := map[string]string{
		"ABC123_XYZ.":            "abc123_xyz",
		"System Serial Number":   "00badbios00badbios00",
		"To Be Filled By O.E.M.": "00badbios00badbios00",
		"abc":                    "00badbios00badbios00",
		"01234567890123456789999999": "01234567890123456789",
	}
	for in, want := range cases {
		if got := platform.SanitiseSerial(in); got != want {
			t.Errorf("SanitiseSerial(%q) = %q, want %q", in, got, want)
		}
	}
}
