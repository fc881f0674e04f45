package store

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/cartahq/carta/backend/pkg/common"
)

func experienceFact(payload map[string]string) common.Fact {
	return common.Fact{
		ID:       "f1",
		TenantID: "t1",
		Type:     common.FactTypeExperience,
		Payload:  payload,
		Status:   common.FactActive,
	}
}

func TestMaterializeFact_Experience(t *testing.T) {
	nodes, relations := MaterializeFact(experienceFact(map[string]string{
		"title":        "Software Engineer",
		"organization": "Acme",
		"skills":       "Go, SQL",
	}))

	if len(nodes) != 4 {
		t.Fatalf("node count = %d, want experience, organization and two skills", len(nodes))
	}
	if nodes[0].Kind != common.NodeExperience || nodes[0].Label != "Software Engineer @ Acme" {
		t.Fatalf("experience node = %+v", nodes[0])
	}
	if nodes[1].Kind != common.NodeOrganization || nodes[1].Label != "Acme" {
		t.Fatalf("organization node = %+v", nodes[1])
	}

	if len(relations) != 3 {
		t.Fatalf("relation count = %d, want at + two demonstrates", len(relations))
	}
	if relations[0].Kind != common.RelationAt {
		t.Fatalf("first relation kind = %s, want at", relations[0].Kind)
	}
	for _, rel := range relations[1:] {
		if rel.Kind != common.RelationDemonstrates || rel.FromKey != nodes[0].Key {
			t.Fatalf("skill relation = %+v, want demonstrates from experience", rel)
		}
	}
}

func TestMaterializeFact_KeysNormalizeFormatting(t *testing.T) {
	a, _ := MaterializeFact(experienceFact(map[string]string{
		"title":        "Software Engineer",
		"organization": "Acme",
	}))
	b, _ := MaterializeFact(experienceFact(map[string]string{
		"title":        "  software   ENGINEER ",
		"organization": "ACME",
	}))

	if a[0].Key != b[0].Key {
		t.Fatalf("experience keys differ for equivalent payloads: %q vs %q", a[0].Key, b[0].Key)
	}
	if a[1].Key != b[1].Key {
		t.Fatalf("organization keys differ for equivalent payloads: %q vs %q", a[1].Key, b[1].Key)
	}
}

func TestMaterializeFact_ThinPayloadYieldsNothing(t *testing.T) {
	nodes, relations := MaterializeFact(experienceFact(map[string]string{
		"title": "Software Engineer",
	}))
	if len(nodes) != 0 || len(relations) != 0 {
		t.Fatalf("thin experience materialized %d nodes, %d relations", len(nodes), len(relations))
	}
}

func TestMaterializeFact_AchievementLinksExperience(t *testing.T) {
	fact := common.Fact{
		Type: common.FactTypeAchievement,
		Payload: map[string]string{
			"summary":      "Cut infrastructure costs by 40%",
			"title":        "Software Engineer",
			"organization": "Acme",
		},
	}
	nodes, relations := MaterializeFact(fact)

	if len(nodes) != 1 || nodes[0].Kind != common.NodeAchievement {
		t.Fatalf("nodes = %+v, want one achievement node", nodes)
	}
	if len(relations) != 1 || relations[0].Kind != common.RelationEarnedDuring {
		t.Fatalf("relations = %+v, want one earned_during edge", relations)
	}

	exp, _ := MaterializeFact(experienceFact(map[string]string{
		"title":        "Software Engineer",
		"organization": "Acme",
	}))
	if relations[0].ToKey != exp[0].Key {
		t.Fatalf("earned_during target = %q, want experience key %q", relations[0].ToKey, exp[0].Key)
	}
}

func TestTruncateLabel_KeepsValidUTF8(t *testing.T) {
	if got := truncateLabel("short", 120); got != "short" {
		t.Fatalf("short label altered: %q", got)
	}

	long := strings.Repeat("ü", 80)
	got := truncateLabel(long, 121)
	if !utf8.ValidString(got) {
		t.Fatalf("truncated label is invalid UTF-8: %q", got)
	}
	if !strings.HasSuffix(got, "…") {
		t.Fatalf("truncated label missing ellipsis: %q", got)
	}
	if utf8.RuneCountInString(got) != 61 {
		t.Fatalf("rune count = %d, want 60 kept runes plus ellipsis", utf8.RuneCountInString(got))
	}
}

func TestMaterializeFact_CertificationBecomesAchievementNode(t *testing.T) {
	fact := common.Fact{
		Type:    common.FactTypeCertification,
		Payload: map[string]string{"name": "CKA", "issuer": "CNCF"},
	}
	nodes, relations := MaterializeFact(fact)
	if len(nodes) != 1 || nodes[0].Kind != common.NodeAchievement || nodes[0].Label != "CKA (CNCF)" {
		t.Fatalf("nodes = %+v, want one achievement node labeled with issuer", nodes)
	}
	if len(relations) != 0 {
		t.Fatalf("relations = %+v, want none", relations)
	}
}
