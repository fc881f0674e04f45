package util

import "testing"

func TestNormalizeText(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Software Engineer", "software engineer"},
		{"  Software   Engineer  ", "software engineer"},
		{"Software\nEngineer\r\nat Acme", "software engineer at acme"},
		{"\t \n", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := NormalizeText(tc.in); got != tc.want {
			t.Fatalf("NormalizeText(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestContentHash_IgnoresFormatting(t *testing.T) {
	a := ContentHash("Software Engineer at Acme")
	b := ContentHash("  software   ENGINEER\nat acme ")
	if a != b {
		t.Fatalf("hashes differ for equivalent texts: %s vs %s", a, b)
	}
	if c := ContentHash("Staff Engineer at Acme"); c == a {
		t.Fatalf("different texts produced the same hash")
	}
	if len(a) != 64 {
		t.Fatalf("hash length = %d, want 64 hex chars", len(a))
	}
}
