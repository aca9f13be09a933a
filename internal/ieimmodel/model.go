// Package ieimmodel holds the artifact shapes shared across pipeline stages
// (§3 of the specification): the normalized message, attachment artifacts,
// evidence spans, and the per-stage decision records. Keeping these in one
// package avoids import cycles between the stages that both produce and
// consume them (e.g. classify reads NormalizedMessage and AttachmentArtifact,
// route reads ClassificationResult and IdentityResult).
package ieimmodel

// EvidenceSource identifies which canonical text an evidence span was found
// in.
type EvidenceSource string

const (
	SourceSubjectC14N   EvidenceSource = "SUBJECT_C14N"
	SourceBodyC14N      EvidenceSource = "BODY_C14N"
	SourceAttachmentText EvidenceSource = "ATTACHMENT_TEXT"
)

// Evidence is a grounded span: the byte offsets into the named canonical
// text, plus a redacted snippet and its hash.
type Evidence struct {
	Source         EvidenceSource `json:"source"`
	Start          int            `json:"start"`
	End            int            `json:"end"`
	SnippetRedacted string        `json:"snippet_redacted"`
	SnippetSHA256  string         `json:"snippet_sha256"`
	AttachmentID   string         `json:"attachment_id,omitempty"`
}

// ArtifactRef is a content-addressed pointer to a previously written
// artifact: {schema_id, uri, sha256}.
type ArtifactRef struct {
	SchemaID string `json:"schema_id"`
	URI      string `json:"uri"`
	SHA256   string `json:"sha256"`
}

// NormalizedMessage is the output of the normalizer (component C).
type NormalizedMessage struct {
	SchemaID        string   `json:"schema_id"`
	MessageID       string   `json:"message_id"`
	RunID           string   `json:"run_id"`
	IngestedAt      string   `json:"ingested_at"`
	ReceivedAt      string   `json:"received_at"`
	From            string   `json:"from"`
	To              []string `json:"to"`
	Cc              []string `json:"cc,omitempty"`
	InternetMessageID string `json:"internet_message_id,omitempty"`
	InReplyTo       string   `json:"in_reply_to,omitempty"`
	Subject         string   `json:"subject"`
	SubjectC14N     string   `json:"subject_c14n"`
	Body            string   `json:"body"`
	BodyC14N        string   `json:"body_c14n"`
	Language        string   `json:"language"`
	ThreadKeys      []string `json:"thread_keys,omitempty"`
	AttachmentIDs   []string `json:"attachment_ids"`
	RawMimeURI      string   `json:"raw_mime_uri"`
	RawMimeSHA256   string   `json:"raw_mime_sha256"`
	MessageFingerprint string `json:"message_fingerprint"`
}

// AttachmentArtifact is the output of the attachment stage (component D).
type AttachmentArtifact struct {
	SchemaID          string   `json:"schema_id"`
	AttachmentID      string   `json:"attachment_id"`
	MessageID         string   `json:"message_id"`
	Filename          string   `json:"filename"`
	MimeType          string   `json:"mime_type"`
	Size              int      `json:"size"`
	SHA256            string   `json:"sha256"`
	RawURI            string   `json:"raw_uri"`
	AVStatus          string   `json:"av_status"` // CLEAN | INFECTED | SUSPICIOUS | FAILED
	ExtractedTextURI  string   `json:"extracted_text_uri,omitempty"`
	ExtractedTextSHA256 string `json:"extracted_text_sha256,omitempty"`
	OCRApplied        bool     `json:"ocr_applied,omitempty"`
	OCRConfidence     float64  `json:"ocr_confidence,omitempty"`
	DocTypeCandidates []string `json:"doc_type_candidates,omitempty"`
}

// IdentityCandidate is one ranked candidate from identity resolution.
type IdentityCandidate struct {
	Rank       int        `json:"rank"`
	EntityType string     `json:"entity_type"`
	EntityID   string     `json:"entity_id"`
	Score      float64    `json:"score"`
	Signals    []string   `json:"signals"`
	Evidence   []Evidence `json:"evidence"`
}

// IdentityResult is the output of identity resolution (component E).
type IdentityResult struct {
	SchemaID          string              `json:"schema_id"`
	MessageID         string              `json:"message_id"`
	RunID             string              `json:"run_id"`
	Status            string              `json:"status"`
	SelectedEntityType string             `json:"selected_entity_type,omitempty"`
	SelectedEntityID  string              `json:"selected_entity_id,omitempty"`
	SelectedScore     float64             `json:"selected_score,omitempty"`
	TopK              []IdentityCandidate `json:"top_k"`
	Thresholds        map[string]float64  `json:"thresholds"`
	DecisionHash      string              `json:"decision_hash"`
}

// LabeledItem is a label with confidence and evidence, the common shape for
// intents/product_line/urgency/risk_flags.
type LabeledItem struct {
	Label      string     `json:"label"`
	Confidence float64    `json:"confidence"`
	Evidence   []Evidence `json:"evidence"`
}

// ClassificationResult is the output of the deterministic classifier, merged
// with LLM fallback output when one ran (component F/G).
type ClassificationResult struct {
	SchemaID      string        `json:"schema_id"`
	MessageID     string        `json:"message_id"`
	RunID         string        `json:"run_id"`
	Intents       []LabeledItem `json:"intents"`
	PrimaryIntent string        `json:"primary_intent"`
	ProductLine   LabeledItem   `json:"product_line"`
	Urgency       LabeledItem   `json:"urgency"`
	RiskFlags     []LabeledItem `json:"risk_flags"`
	DecisionHash  string        `json:"decision_hash"`
	ModelInfo     *ModelInfo    `json:"model_info,omitempty"`
}

type ModelInfo struct {
	Provider     string `json:"provider"`
	ModelName    string `json:"model_name"`
	ModelVersion string `json:"model_version"`
	PromptVersion string `json:"prompt_version"`
	Cached       bool   `json:"cached"`
}

// Entity is one extracted entity (component F).
type Entity struct {
	EntityType     string     `json:"entity_type"`
	Value          *string    `json:"value"`
	ValueRedacted  string     `json:"value_redacted,omitempty"`
	ValueSHA256    string     `json:"value_sha256,omitempty"`
	StoreMode      string     `json:"store_mode,omitempty"`
	Confidence     float64    `json:"confidence"`
	Evidence       []Evidence `json:"evidence"`
}

// ExtractionResult is the output of the deterministic extractor, merged with
// LLM fallback output when one ran (component F/G). It has no decision_hash
// field -- extraction is never itself hashed into a reproducibility gate, per
// the data model table.
type ExtractionResult struct {
	SchemaID  string   `json:"schema_id"`
	MessageID string   `json:"message_id"`
	RunID     string   `json:"run_id"`
	Entities  []Entity `json:"entities"`
}

// Draft is a generated request-for-info or reply message attached to a case
// pending human approval (§4.J/§4.K).
type Draft struct {
	Kind     string `json:"kind"` // REQUEST_INFO or REPLY
	Language string `json:"language"`
	Body     string `json:"body"`
}

// RoutingDecision is the output of the routing evaluator (component H).
type RoutingDecision struct {
	SchemaID         string   `json:"schema_id"`
	MessageID        string   `json:"message_id"`
	RunID            string   `json:"run_id"`
	QueueID          string   `json:"queue_id"`
	SLAID            string   `json:"sla_id"`
	Priority         int      `json:"priority"`
	Actions          []string `json:"actions"`
	RuleID           string   `json:"rule_id"`
	RuleVersion      string   `json:"rule_version"`
	FailClosed       bool     `json:"fail_closed"`
	FailClosedReason string   `json:"fail_closed_reason,omitempty"`
	DecisionHash     string   `json:"decision_hash"`
}
