package llm

import (
	"encoding/json"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/attendite/ieim/internal/classify"
	"github.com/attendite/ieim/internal/determinism"
	"github.com/attendite/ieim/internal/ieimerrors"
	"github.com/attendite/ieim/internal/ieimmodel"
)

// ClassificationContractSchema is the tight JSON Schema (additionalProperties:
// false) the LLM classification response must validate against.
const ClassificationContractSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["primary_intent", "confidence", "evidence_snippet"],
  "properties": {
    "primary_intent": {"type": "string"},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "evidence_snippet": {"type": "string"},
    "evidence_source": {"type": "string", "enum": ["SUBJECT_C14N", "BODY_C14N"]}
  }
}`

// ExtractionContractSchema is the tight JSON Schema for LLM extraction
// responses: a flat list of entities, each carrying its own grounding
// snippet.
const ExtractionContractSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["entities"],
  "properties": {
    "entities": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["entity_type", "value", "evidence_snippet"],
        "properties": {
          "entity_type": {"type": "string"},
          "value": {"type": "string"},
          "confidence": {"type": "number", "minimum": 0, "maximum": 1},
          "evidence_snippet": {"type": "string"},
          "evidence_source": {"type": "string", "enum": ["SUBJECT_C14N", "BODY_C14N"]}
        }
      }
    }
  }
}`

var validIntentLabels = map[string]bool{
	classify.IntentGDPRRequest: true, classify.IntentLegal: true, classify.IntentComplaint: true,
	classify.IntentClaimUpdate: true, classify.IntentClaimNew: true, classify.IntentBillingQuestion: true,
	classify.IntentBrokerIntermediary: true, classify.IntentTechnical: true,
	classify.IntentDocumentSubmission: true, classify.IntentGeneralInquiry: true,
}

// CompileSchema compiles a JSON-Schema string for repeated Validate calls.
func CompileSchema(id, schemaJSON string) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(id, strings.NewReader(schemaJSON)); err != nil {
		return nil, ieimerrors.Wrap(ieimerrors.KindConfigInvalid, "llm: add schema resource", err)
	}
	schema, err := compiler.Compile(id)
	if err != nil {
		return nil, ieimerrors.Wrap(ieimerrors.KindConfigInvalid, "llm: compile schema", err)
	}
	return schema, nil
}

// ClassificationContract is the parsed, schema-validated shape of an LLM
// classification response before re-grounding.
type ClassificationContract struct {
	PrimaryIntent   string  `json:"primary_intent"`
	Confidence      float64 `json:"confidence"`
	EvidenceSnippet string  `json:"evidence_snippet"`
	EvidenceSource  string  `json:"evidence_source"`
}

// ParseClassificationContract validates raw (after code-fence stripping)
// against the schema and the canonical label set, then re-grounds its
// evidence snippet to offsets in the redacted canonical subject/body. Any
// non-canonical label or ungroundable snippet is a contract violation.
func ParseClassificationContract(schema *jsonschema.Schema, raw string, redactedSubjectC14N, redactedBodyC14N string) (ieimmodel.LabeledItem, error) {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return ieimmodel.LabeledItem{}, ieimerrors.Wrap(ieimerrors.KindLLMContractViolation, "llm: response is not valid JSON", err)
	}
	if err := schema.Validate(v); err != nil {
		return ieimmodel.LabeledItem{}, ieimerrors.Wrap(ieimerrors.KindLLMContractViolation, "llm: response failed schema validation", err)
	}

	var contract ClassificationContract
	if err := json.Unmarshal([]byte(raw), &contract); err != nil {
		return ieimmodel.LabeledItem{}, ieimerrors.Wrap(ieimerrors.KindLLMContractViolation, "llm: decode contract", err)
	}
	if !validIntentLabels[contract.PrimaryIntent] {
		return ieimmodel.LabeledItem{}, ieimerrors.New(ieimerrors.KindLLMContractViolation, "llm: non-canonical intent label "+contract.PrimaryIntent)
	}

	ev, ok := groundSnippet(contract.EvidenceSource, contract.EvidenceSnippet, redactedSubjectC14N, redactedBodyC14N)
	if !ok {
		return ieimmodel.LabeledItem{}, ieimerrors.New(ieimerrors.KindLLMContractViolation, "llm: evidence snippet not found in canonical text")
	}

	return ieimmodel.LabeledItem{
		Label:      contract.PrimaryIntent,
		Confidence: contract.Confidence,
		Evidence:   []ieimmodel.Evidence{ev},
	}, nil
}

// ExtractionContractEntity is one raw entity from an LLM extraction
// response before re-grounding.
type ExtractionContractEntity struct {
	EntityType      string  `json:"entity_type"`
	Value           string  `json:"value"`
	Confidence      float64 `json:"confidence"`
	EvidenceSnippet string  `json:"evidence_snippet"`
	EvidenceSource  string  `json:"evidence_source"`
}

type extractionContract struct {
	Entities []ExtractionContractEntity `json:"entities"`
}

// ParseExtractionContract validates and re-grounds every entity in an LLM
// extraction response. A single ungroundable entity fails the whole
// mapping, per §4.G ("any ... ungroundable snippet causes the entire LLM
// mapping to fail").
func ParseExtractionContract(schema *jsonschema.Schema, raw string, redactedSubjectC14N, redactedBodyC14N string) ([]ieimmodel.Entity, error) {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, ieimerrors.Wrap(ieimerrors.KindLLMContractViolation, "llm: response is not valid JSON", err)
	}
	if err := schema.Validate(v); err != nil {
		return nil, ieimerrors.Wrap(ieimerrors.KindLLMContractViolation, "llm: response failed schema validation", err)
	}

	var contract extractionContract
	if err := json.Unmarshal([]byte(raw), &contract); err != nil {
		return nil, ieimerrors.Wrap(ieimerrors.KindLLMContractViolation, "llm: decode contract", err)
	}

	entities := make([]ieimmodel.Entity, 0, len(contract.Entities))
	for _, e := range contract.Entities {
		ev, ok := groundSnippet(e.EvidenceSource, e.EvidenceSnippet, redactedSubjectC14N, redactedBodyC14N)
		if !ok {
			return nil, ieimerrors.New(ieimerrors.KindLLMContractViolation, "llm: evidence snippet not found for entity "+e.EntityType)
		}
		value := e.Value
		entities = append(entities, ieimmodel.Entity{
			EntityType: e.EntityType,
			Value:      &value,
			Confidence: e.Confidence,
			Evidence:   []ieimmodel.Evidence{ev},
		})
	}
	return entities, nil
}

func groundSnippet(source, snippet, redactedSubjectC14N, redactedBodyC14N string) (ieimmodel.Evidence, bool) {
	if snippet == "" {
		return ieimmodel.Evidence{}, false
	}
	texts := []struct {
		src  ieimmodel.EvidenceSource
		text string
	}{
		{ieimmodel.SourceSubjectC14N, redactedSubjectC14N},
		{ieimmodel.SourceBodyC14N, redactedBodyC14N},
	}
	if source == string(ieimmodel.SourceSubjectC14N) {
		texts[0], texts[1] = texts[0], texts[1]
	} else if source == string(ieimmodel.SourceBodyC14N) {
		texts[0], texts[1] = texts[1], texts[0]
	}
	for _, t := range texts {
		idx := strings.Index(t.text, snippet)
		if idx < 0 {
			continue
		}
		return ieimmodel.Evidence{
			Source:          t.src,
			Start:           idx,
			End:             idx + len(snippet),
			SnippetRedacted: snippet,
			SnippetSHA256:   determinism.Sha256Prefixed([]byte(snippet)),
		}, true
	}
	return ieimmodel.Evidence{}, false
}

// FailClosedClassification is the documented fail-closed path when LLM
// mapping fails: a zero-confidence general inquiry classification. The
// caller retains any deterministic risk flags alongside it at the
// ClassificationResult level -- this stage never drops them.
func FailClosedClassification() ieimmodel.LabeledItem {
	return ieimmodel.LabeledItem{
		Label:      classify.IntentGeneralInquiry,
		Confidence: 0.0,
	}
}
