package llm

import "github.com/attendite/ieim/internal/ieimmodel"

// GateInput is every fact the classification/extraction gates need to
// decide whether an LLM call is permitted (§4.G).
type GateInput struct {
	DeterminismMode       bool
	LLMEnabled            bool
	IncidentDisableLLM    bool
	DeterministicRiskFlags []ieimmodel.LabeledItem
	PrimaryIntentConfidence float64
	MinConfidenceForAuto  float64
}

// ClassificationGateOpen reports whether the LLM classification fallback
// may run: determinism mode is off, LLM is enabled, the incident
// disable_llm toggle is off, the deterministic classifier produced no risk
// flags, and its primary intent confidence is below the configured
// threshold.
func ClassificationGateOpen(in GateInput) bool {
	if in.DeterminismMode || !in.LLMEnabled || in.IncidentDisableLLM {
		return false
	}
	if len(in.DeterministicRiskFlags) > 0 {
		return false
	}
	return in.PrimaryIntentConfidence < in.MinConfidenceForAuto
}

// ExtractionGateOpen reports whether the LLM extraction fallback may run:
// only after LLM classification actually ran, and only when deterministic
// extraction produced no entities.
func ExtractionGateOpen(llmClassificationUsed bool, deterministicEntityCount int) bool {
	return llmClassificationUsed && deterministicEntityCount == 0
}
