package store

import (
	"strings"
	"unicode/utf8"

	"github.com/cartahq/carta/backend/internal/util"
	"github.com/cartahq/carta/backend/pkg/common"
)

// NodeSpec describes one node a fact materializes into. Key is the
// normalized natural key, unique per tenant and kind.
type NodeSpec struct {
	Kind  common.NodeKind
	Key   string
	Label string
}

// RelationSpec describes one edge between two materialized nodes, addressed
// by node key.
type RelationSpec struct {
	Kind    common.RelationKind
	FromKey string
	ToKey   string
}

func nodeKey(kind common.NodeKind, natural string) string {
	return strings.ToLower(string(kind)) + "|" + util.NormalizeText(natural)
}

// MaterializeFact derives the nodes and edges a fact supports. Both storage
// backends apply the same derivation so graph shape does not depend on the
// backend. Facts with payloads too thin to materialize yield nothing; they
// still exist as facts.
func MaterializeFact(fact common.Fact) ([]NodeSpec, []RelationSpec) {
	switch fact.Type {
	case common.FactTypeExperience:
		return materializeExperience(fact)
	case common.FactTypeEducation:
		return materializeEducation(fact)
	case common.FactTypeSkill:
		return materializeSkill(fact)
	case common.FactTypeAchievement:
		return materializeAchievement(fact)
	case common.FactTypeCertification:
		return materializeCertification(fact)
	}
	return nil, nil
}

func materializeExperience(fact common.Fact) ([]NodeSpec, []RelationSpec) {
	title := strings.TrimSpace(fact.Payload["title"])
	org := strings.TrimSpace(fact.Payload["organization"])
	if title == "" || org == "" {
		return nil, nil
	}

	expKey := nodeKey(common.NodeExperience, title+" "+org)
	orgKey := nodeKey(common.NodeOrganization, org)

	nodes := []NodeSpec{
		{Kind: common.NodeExperience, Key: expKey, Label: title + " @ " + org},
		{Kind: common.NodeOrganization, Key: orgKey, Label: org},
	}
	relations := []RelationSpec{
		{Kind: common.RelationAt, FromKey: expKey, ToKey: orgKey},
	}

	for _, skill := range splitList(fact.Payload["skills"]) {
		skillKey := nodeKey(common.NodeSkill, skill)
		nodes = append(nodes, NodeSpec{Kind: common.NodeSkill, Key: skillKey, Label: skill})
		relations = append(relations, RelationSpec{
			Kind:    common.RelationDemonstrates,
			FromKey: expKey,
			ToKey:   skillKey,
		})
	}

	return nodes, relations
}

func materializeEducation(fact common.Fact) ([]NodeSpec, []RelationSpec) {
	institution := strings.TrimSpace(fact.Payload["institution"])
	if institution == "" {
		return nil, nil
	}

	label := institution
	if degree := strings.TrimSpace(fact.Payload["degree"]); degree != "" {
		label = degree + " @ " + institution
	}
	return []NodeSpec{
		{Kind: common.NodeEducation, Key: nodeKey(common.NodeEducation, label), Label: label},
	}, nil
}

func materializeSkill(fact common.Fact) ([]NodeSpec, []RelationSpec) {
	name := strings.TrimSpace(fact.Payload["name"])
	if name == "" {
		return nil, nil
	}
	return []NodeSpec{
		{Kind: common.NodeSkill, Key: nodeKey(common.NodeSkill, name), Label: name},
	}, nil
}

func materializeAchievement(fact common.Fact) ([]NodeSpec, []RelationSpec) {
	summary := strings.TrimSpace(fact.Payload["summary"])
	if summary == "" {
		return nil, nil
	}

	achKey := string(common.NodeAchievement)
	achKey = strings.ToLower(achKey) + "|" + util.ContentHash(summary)[:16]

	nodes := []NodeSpec{
		{Kind: common.NodeAchievement, Key: achKey, Label: truncateLabel(summary, 120)},
	}

	var relations []RelationSpec
	title := strings.TrimSpace(fact.Payload["title"])
	org := strings.TrimSpace(fact.Payload["organization"])
	if title != "" && org != "" {
		expKey := nodeKey(common.NodeExperience, title+" "+org)
		relations = append(relations, RelationSpec{
			Kind:    common.RelationEarnedDuring,
			FromKey: achKey,
			ToKey:   expKey,
		})
	}

	return nodes, relations
}

func materializeCertification(fact common.Fact) ([]NodeSpec, []RelationSpec) {
	name := strings.TrimSpace(fact.Payload["name"])
	if name == "" {
		return nil, nil
	}

	label := name
	if issuer := strings.TrimSpace(fact.Payload["issuer"]); issuer != "" {
		label = name + " (" + issuer + ")"
	}
	return []NodeSpec{
		{Kind: common.NodeAchievement, Key: nodeKey(common.NodeAchievement, "cert "+name), Label: label},
	}, nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func truncateLabel(s string, max int) string {
	if len(s) <= max {
		return s
	}
	// Back off to a rune boundary so the cut never leaves invalid UTF-8.
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return strings.TrimSpace(s[:cut]) + "…"
}
