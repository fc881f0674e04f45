package store

import "strings"

const (
	// BaseConfidence is the confidence of a fact supported by one chunk.
	BaseConfidence = 0.6

	// ConfidenceStep is the gain per additional provenance entry.
	ConfidenceStep = 0.1

	// ConfidenceCap bounds confidence; the pipeline never claims certainty.
	ConfidenceCap = 0.95
)

// ConfidenceFor computes fact confidence from its provenance count.
func ConfidenceFor(provenanceCount int) float64 {
	if provenanceCount < 1 {
		provenanceCount = 1
	}
	c := BaseConfidence + ConfidenceStep*float64(provenanceCount-1)
	if c > ConfidenceCap {
		return ConfidenceCap
	}
	return c
}

// MergePayload folds incoming evidence into an existing payload. Empty
// fields fill from the incoming side. A non-empty field that differs between
// the two sides is a conflict: the incoming value wins in the merged payload
// and the caller must write a superseding revision instead of updating in
// place.
func MergePayload(existing, incoming map[string]string) (map[string]string, bool) {
	merged := make(map[string]string, len(existing)+len(incoming))
	for k, v := range existing {
		merged[k] = v
	}

	conflict := false
	for k, v := range incoming {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		current := strings.TrimSpace(merged[k])
		if current == "" {
			merged[k] = v
			continue
		}
		if !strings.EqualFold(current, v) {
			merged[k] = v
			conflict = true
		}
	}
	return merged, conflict
}
