package ai

import (
	"testing"
)

func TestUnmarshalFlexible_ObjectVariants(t *testing.T) {
	type entry struct {
		Category string `json:"category"`
		Quote    string `json:"quote,omitempty"`
	}

	tests := []struct {
		name  string
		input string
		want  entry
	}{
		{
			name:  "valid json object",
			input: `{"category":"skill-mention"}`,
			want:  entry{Category: "skill-mention"},
		},
		{
			name:  "unquoted key and single quotes",
			input: `{category: 'skill-mention'}`,
			want:  entry{Category: "skill-mention"},
		},
		{
			name:  "trailing comma",
			input: `{"category":"skill-mention",}`,
			want:  entry{Category: "skill-mention"},
		},
		{
			name:  "missing endbracket",
			input: `{"category":"skill-mention`,
			want:  entry{Category: "skill-mention"},
		},
		{
			name:  "stringified invalid json object",
			input: `"{category: 'skill-mention'}"`,
			want:  entry{Category: "skill-mention"},
		},
		{
			name:  "duplicate leading brace",
			input: "{\n{\n  \"category\": \"skill-mention\"\n}\n",
			want:  entry{Category: "skill-mention"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var got entry
			if err := UnmarshalFlexible(tc.input, &got); err != nil {
				t.Fatalf("UnmarshalFlexible() error = %v", err)
			}
			if got.Category != tc.want.Category || got.Quote != tc.want.Quote {
				t.Fatalf("UnmarshalFlexible() got = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestUnmarshalFlexible_ArrayVariants(t *testing.T) {
	type entry struct {
		Category string `json:"category"`
	}

	input := `[{category:'achievement'},{category:'education',}]`
	var got []entry
	if err := UnmarshalFlexible(input, &got); err != nil {
		t.Fatalf("UnmarshalFlexible() error = %v", err)
	}
	if len(got) != 2 || got[0].Category != "achievement" || got[1].Category != "education" {
		t.Fatalf("UnmarshalFlexible() got = %+v, want achievement,education", got)
	}
}

func TestUnmarshalFlexible_RejectsGarbage(t *testing.T) {
	type entry struct {
		Category string `json:"category"`
	}

	var got entry
	if err := UnmarshalFlexible(`not json at all: [[[`, &got); err == nil {
		t.Fatalf("UnmarshalFlexible() expected error, got %+v", got)
	}
}
