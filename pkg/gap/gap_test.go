package gap

import (
	"strings"
	"testing"
	"time"

	"github.com/cartahq/carta/backend/pkg/common"
)

func fixedNow() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func analyzer() *Analyzer {
	return NewAnalyzer(NewAnalyzerParams{Now: fixedNow})
}

func richSnapshot() common.Snapshot {
	return common.Snapshot{
		Nodes: []common.Node{
			{ID: "n-exp", TenantID: "t1", Kind: common.NodeExperience, Key: "experience|engineer acme", Label: "Engineer @ Acme"},
			{ID: "n-org", TenantID: "t1", Kind: common.NodeOrganization, Key: "organization|acme", Label: "Acme"},
			{ID: "n-go", TenantID: "t1", Kind: common.NodeSkill, Key: "skill|go", Label: "Go"},
			{ID: "n-sql", TenantID: "t1", Kind: common.NodeSkill, Key: "skill|sql", Label: "SQL"},
			{ID: "n-k8s", TenantID: "t1", Kind: common.NodeSkill, Key: "skill|kubernetes", Label: "Kubernetes"},
			{ID: "n-edu", TenantID: "t1", Kind: common.NodeEducation, Key: "education|bsc uni", Label: "BSc @ Uni"},
		},
		Relations: []common.Relation{
			{ID: "r1", TenantID: "t1", Kind: common.RelationDemonstrates, FromID: "n-exp", ToID: "n-go"},
			{ID: "r2", TenantID: "t1", Kind: common.RelationAt, FromID: "n-exp", ToID: "n-org"},
		},
		Facts: []common.Fact{
			{
				ID: "f-exp", TenantID: "t1", Type: common.FactTypeExperience, Status: common.FactActive,
				Payload: map[string]string{"title": "Engineer", "organization": "Acme", "start_date": "2019-01"},
			},
			{
				ID: "f-ach", TenantID: "t1", Type: common.FactTypeAchievement, Status: common.FactActive,
				Payload: map[string]string{"summary": "Cut costs", "metric": "40%"},
			},
		},
	}
}

func keys(signals []common.GapSignal) []string {
	out := make([]string, len(signals))
	for i, s := range signals {
		out[i] = s.Key
	}
	return out
}

func TestAnalyze_CompleteGraphHasNoSignals(t *testing.T) {
	signals := analyzer().Analyze(richSnapshot(), nil)
	if len(signals) != 0 {
		t.Fatalf("Analyze(complete graph) = %v, want no signals", keys(signals))
	}
}

func TestAnalyze_EmptyGraphFlagsFoundationalGaps(t *testing.T) {
	signals := analyzer().Analyze(common.Snapshot{}, nil)

	want := map[string]bool{
		"no-quantified-achievement": true,
		"few-skills":                true,
		"no-education":              true,
	}
	if len(signals) != len(want) {
		t.Fatalf("Analyze(empty) keys = %v, want %d signals", keys(signals), len(want))
	}
	for _, s := range signals {
		if !want[s.Key] {
			t.Fatalf("unexpected signal %q", s.Key)
		}
		if s.Priority <= 0 || s.Message == "" {
			t.Fatalf("signal %q lacks priority or message: %+v", s.Key, s)
		}
	}
}

func TestAnalyze_ExperienceWithoutSkillsAndDates(t *testing.T) {
	snap := richSnapshot()
	snap.Relations = []common.Relation{
		{ID: "r2", TenantID: "t1", Kind: common.RelationAt, FromID: "n-exp", ToID: "n-org"},
	}
	snap.Facts[0].Payload = map[string]string{"title": "Engineer", "organization": "Acme"}

	signals := analyzer().Analyze(snap, nil)

	var haveNoSkills, haveMissingDates bool
	for _, s := range signals {
		if s.Kind == "experience-no-skills" && s.NodeID == "n-exp" {
			haveNoSkills = true
		}
		if s.Kind == "experience-missing-dates" && strings.Contains(s.Message, "Engineer at Acme") {
			haveMissingDates = true
		}
	}
	if !haveNoSkills || !haveMissingDates {
		t.Fatalf("signals = %v, want experience-no-skills and experience-missing-dates", keys(signals))
	}
}

func TestAnalyze_OrderedByPriorityDescending(t *testing.T) {
	signals := analyzer().Analyze(common.Snapshot{}, nil)
	for i := 1; i < len(signals); i++ {
		if signals[i].Priority > signals[i-1].Priority {
			t.Fatalf("signals not sorted by priority: %v", signals)
		}
	}
}

func TestAnalyze_RecentAttemptLowersPriority(t *testing.T) {
	fresh := analyzer().Analyze(common.Snapshot{}, nil)

	attempts := map[string]time.Time{
		"no-education": fixedNow().Add(-time.Hour),
	}
	asked := analyzer().Analyze(common.Snapshot{}, attempts)

	findPriority := func(signals []common.GapSignal, key string) float64 {
		for _, s := range signals {
			if s.Key == key {
				return s.Priority
			}
		}
		t.Fatalf("signal %q missing from %v", key, keys(signals))
		return 0
	}

	if findPriority(asked, "no-education") >= findPriority(fresh, "no-education") {
		t.Fatalf("recently asked gap did not sink: fresh=%v asked=%v",
			findPriority(fresh, "no-education"), findPriority(asked, "no-education"))
	}
}

func TestAnalyze_IsDeterministic(t *testing.T) {
	snap := richSnapshot()
	snap.Nodes = snap.Nodes[:3]
	snap.Facts[0].Payload = map[string]string{"title": "Engineer", "organization": "Acme"}

	first := analyzer().Analyze(snap, nil)
	for i := 0; i < 5; i++ {
		again := analyzer().Analyze(snap, nil)
		if len(again) != len(first) {
			t.Fatalf("signal count varies: %d vs %d", len(again), len(first))
		}
		for j := range first {
			if again[j].Key != first[j].Key {
				t.Fatalf("signal order varies at %d: %s vs %s", j, again[j].Key, first[j].Key)
			}
		}
	}
}
