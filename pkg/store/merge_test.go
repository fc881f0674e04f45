package store

import (
	"testing"
)

func TestConfidenceFor(t *testing.T) {
	cases := []struct {
		count int
		want  float64
	}{
		{0, 0.6},
		{1, 0.6},
		{2, 0.7},
		{4, 0.9},
		{5, 0.95},
		{50, 0.95},
	}
	for _, tc := range cases {
		if got := ConfidenceFor(tc.count); got != tc.want {
			t.Fatalf("ConfidenceFor(%d) = %v, want %v", tc.count, got, tc.want)
		}
	}
}

func TestMergePayload_FillsEmptyFields(t *testing.T) {
	existing := map[string]string{"title": "Engineer", "organization": ""}
	incoming := map[string]string{"organization": "Acme", "location": "Berlin"}

	merged, conflict := MergePayload(existing, incoming)
	if conflict {
		t.Fatalf("filling empty fields reported a conflict")
	}
	if merged["title"] != "Engineer" || merged["organization"] != "Acme" || merged["location"] != "Berlin" {
		t.Fatalf("merged = %v", merged)
	}
}

func TestMergePayload_ConflictingScalar(t *testing.T) {
	existing := map[string]string{"title": "Engineer"}
	incoming := map[string]string{"title": "Senior Engineer"}

	merged, conflict := MergePayload(existing, incoming)
	if !conflict {
		t.Fatalf("differing non-empty values did not report a conflict")
	}
	if merged["title"] != "Senior Engineer" {
		t.Fatalf("merged title = %q, want incoming value", merged["title"])
	}
}

func TestMergePayload_CaseOnlyDifferenceIsNoConflict(t *testing.T) {
	merged, conflict := MergePayload(
		map[string]string{"organization": "ACME"},
		map[string]string{"organization": "acme"},
	)
	if conflict {
		t.Fatalf("case-only difference reported a conflict")
	}
	if merged["organization"] != "ACME" {
		t.Fatalf("merged organization = %q, want existing value kept", merged["organization"])
	}
}

func TestMergePayload_IgnoresEmptyIncoming(t *testing.T) {
	merged, conflict := MergePayload(
		map[string]string{"title": "Engineer"},
		map[string]string{"title": "   "},
	)
	if conflict || merged["title"] != "Engineer" {
		t.Fatalf("merged = %v conflict = %v, want untouched payload", merged, conflict)
	}
}
