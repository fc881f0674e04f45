// Package gap inspects a tenant's graph snapshot and names the missing or
// weak regions worth asking the user about. The analyzer is a pure function
// over snapshot state; phrasing the follow-up question is an external
// capability.
package gap

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cartahq/carta/backend/pkg/common"
)

const (
	weightMissingDates  = 0.8
	weightNoSkillEdges  = 0.7
	weightNoAchievement = 0.6
	weightFewSkills     = 0.5
	weightNoEducation   = 0.4

	// stalenessBoost is the maximum priority bonus for a gap that has not
	// been surfaced recently; never-asked gaps get the full boost.
	stalenessBoost  = 0.2
	stalenessWindow = 14 * 24 * time.Hour

	minSkillCount = 3
)

// Analyzer derives gap signals from graph snapshots.
type Analyzer struct {
	now func() time.Time
}

// NewAnalyzerParams configures an Analyzer. Now overrides the clock in
// tests.
type NewAnalyzerParams struct {
	Now func() time.Time
}

// NewAnalyzer creates an Analyzer.
func NewAnalyzer(params NewAnalyzerParams) *Analyzer {
	now := params.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Analyzer{now: now}
}

// Analyze returns the snapshot's gap signals ordered by descending priority.
// lastAttempts maps gap keys to when each was last surfaced; recently asked
// gaps sink, never-asked gaps rise.
func (a *Analyzer) Analyze(snapshot common.Snapshot, lastAttempts map[string]time.Time) []common.GapSignal {
	var signals []common.GapSignal

	signals = append(signals, a.experienceGaps(snapshot)...)
	signals = append(signals, a.achievementGaps(snapshot)...)
	signals = append(signals, a.skillGaps(snapshot)...)
	signals = append(signals, a.educationGaps(snapshot)...)

	for i := range signals {
		signals[i].Priority += a.staleness(signals[i].Key, lastAttempts)
	}

	sort.SliceStable(signals, func(i, j int) bool {
		if signals[i].Priority != signals[j].Priority {
			return signals[i].Priority > signals[j].Priority
		}
		return signals[i].Key < signals[j].Key
	})
	return signals
}

func (a *Analyzer) staleness(key string, lastAttempts map[string]time.Time) float64 {
	last, ok := lastAttempts[key]
	if !ok {
		return stalenessBoost
	}
	age := a.now().Sub(last)
	if age <= 0 {
		return 0
	}
	if age >= stalenessWindow {
		return stalenessBoost
	}
	return stalenessBoost * float64(age) / float64(stalenessWindow)
}

// experienceGaps flags experiences without demonstrated skills and
// experience facts missing date ranges.
func (a *Analyzer) experienceGaps(snapshot common.Snapshot) []common.GapSignal {
	var signals []common.GapSignal

	demonstrates := make(map[string]bool)
	for _, rel := range snapshot.Relations {
		if rel.Kind == common.RelationDemonstrates {
			demonstrates[rel.FromID] = true
		}
	}

	for _, node := range snapshot.Nodes {
		if node.Kind != common.NodeExperience {
			continue
		}
		if demonstrates[node.ID] {
			continue
		}
		signals = append(signals, common.GapSignal{
			Key:      "experience-no-skills:" + node.Key,
			Kind:     "experience-no-skills",
			NodeID:   node.ID,
			Message:  fmt.Sprintf("No skills are linked to %q yet. Which tools or skills did this role rely on?", node.Label),
			Priority: weightNoSkillEdges,
		})
	}

	for _, fact := range snapshot.Facts {
		if fact.Type != common.FactTypeExperience || fact.Status != common.FactActive {
			continue
		}
		if strings.TrimSpace(fact.Payload["start_date"]) != "" {
			continue
		}
		label := fact.Payload["title"]
		if org := fact.Payload["organization"]; org != "" {
			label += " at " + org
		}
		signals = append(signals, common.GapSignal{
			Key:      "experience-missing-dates:" + fact.ID,
			Kind:     "experience-missing-dates",
			Message:  fmt.Sprintf("When did %q start and end?", label),
			Priority: weightMissingDates,
		})
	}

	return signals
}

// achievementGaps flags the absence of any quantified achievement.
func (a *Analyzer) achievementGaps(snapshot common.Snapshot) []common.GapSignal {
	for _, fact := range snapshot.Facts {
		if fact.Type != common.FactTypeAchievement || fact.Status != common.FactActive {
			continue
		}
		if strings.TrimSpace(fact.Payload["metric"]) != "" {
			return nil
		}
	}
	return []common.GapSignal{{
		Key:      "no-quantified-achievement",
		Kind:     "no-quantified-achievement",
		Message:  "No achievement carries a measurable outcome yet. Can you quantify the impact of your work?",
		Priority: weightNoAchievement,
	}}
}

func (a *Analyzer) skillGaps(snapshot common.Snapshot) []common.GapSignal {
	count := 0
	for _, node := range snapshot.Nodes {
		if node.Kind == common.NodeSkill {
			count++
		}
	}
	if count >= minSkillCount {
		return nil
	}
	return []common.GapSignal{{
		Key:      "few-skills",
		Kind:     "few-skills",
		Message:  fmt.Sprintf("Only %d skills are recorded. What else do you work with regularly?", count),
		Priority: weightFewSkills,
	}}
}

func (a *Analyzer) educationGaps(snapshot common.Snapshot) []common.GapSignal {
	for _, node := range snapshot.Nodes {
		if node.Kind == common.NodeEducation {
			return nil
		}
	}
	return []common.GapSignal{{
		Key:      "no-education",
		Kind:     "no-education",
		Message:  "No education or training is recorded. Did you complete any degrees, courses or certifications?",
		Priority: weightNoEducation,
	}}
}
