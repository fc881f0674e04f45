package extract

import (
	"strings"
	"testing"
)

func TestSplitIntoSentences_BulletsAndProse(t *testing.T) {
	text := "Senior Engineer at Acme.\n- Led migration to Kubernetes\n- Cut costs by 40%\n\nEarlier: intern at Initech. Wrote billing code."

	sentences := splitIntoSentences(text)
	want := []string{
		"Senior Engineer at Acme.",
		"Led migration to Kubernetes",
		"Cut costs by 40%",
		"Earlier: intern at Initech.",
		"Wrote billing code.",
	}
	if len(sentences) != len(want) {
		t.Fatalf("sentence count = %d, want %d (%v)", len(sentences), len(want), sentences)
	}
	for i := range want {
		if sentences[i] != want[i] {
			t.Fatalf("sentence[%d] = %q, want %q", i, sentences[i], want[i])
		}
	}
}

func TestSplitLineIntoSentences_NumericListing(t *testing.T) {
	sentences := splitLineIntoSentences("1. Shipped feature A and scaled it to 2. million users daily.")
	if len(sentences) != 1 {
		t.Fatalf("sentence count = %d, want 1 (numbered listing must not split): %v", len(sentences), sentences)
	}
}

func TestTransformIntoSpans_RespectsTokenBudget(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 40; i++ {
		b.WriteString("Built a reporting service used by hundreds of analysts every single day. ")
	}

	spans, err := transformIntoSpans(b.String(), "o200k_base", 60)
	if err != nil {
		t.Fatalf("transformIntoSpans() error = %v", err)
	}
	if len(spans) < 2 {
		t.Fatalf("span count = %d, want multiple spans under a tight budget", len(spans))
	}
	for i, s := range spans {
		if s.text == "" || s.end <= s.start {
			t.Fatalf("span[%d] malformed: %+v", i, s)
		}
	}
	if spans[0].start != 0 {
		t.Fatalf("first span start = %d, want 0", spans[0].start)
	}
	for i := 1; i < len(spans); i++ {
		if spans[i].start != spans[i-1].end {
			t.Fatalf("spans not contiguous at %d: %+v -> %+v", i, spans[i-1], spans[i])
		}
	}
}

func TestTransformIntoSpans_EmptyText(t *testing.T) {
	spans, err := transformIntoSpans("   ", "o200k_base", 100)
	if err != nil {
		t.Fatalf("transformIntoSpans() error = %v", err)
	}
	if len(spans) != 0 {
		t.Fatalf("span count = %d, want 0", len(spans))
	}
}
