package classify

// Canonical label sets. The original parses these from a canonical-labels
// document (spec/00_CANONICAL.md) that is not part of this distribution;
// they are compiled in here as a fixed set instead (see DESIGN.md).

const (
	IntentGDPRRequest        = "INTENT_GDPR_REQUEST"
	IntentLegal              = "INTENT_LEGAL"
	IntentComplaint          = "INTENT_COMPLAINT"
	IntentClaimUpdate        = "INTENT_CLAIM_UPDATE"
	IntentClaimNew           = "INTENT_CLAIM_NEW"
	IntentBillingQuestion    = "INTENT_BILLING_QUESTION"
	IntentBrokerIntermediary = "INTENT_BROKER_INTERMEDIARY"
	IntentTechnical          = "INTENT_TECHNICAL"
	IntentDocumentSubmission = "INTENT_DOCUMENT_SUBMISSION"
	IntentGeneralInquiry     = "INTENT_GENERAL_INQUIRY"
)

const (
	ProdAuto     = "PROD_AUTO"
	ProdProperty = "PROD_PROPERTY"
	ProdUnknown  = "PROD_UNKNOWN"
)

const (
	UrgHigh     = "URG_HIGH"
	UrgCritical = "URG_CRITICAL"
	UrgNormal   = "URG_NORMAL"
)

const (
	RiskSecurityMalware     = "RISK_SECURITY_MALWARE"
	RiskLanguageUnsupported = "RISK_LANGUAGE_UNSUPPORTED"
	RiskRegulatory          = "RISK_REGULATORY"
	RiskPrivacySensitive    = "RISK_PRIVACY_SENSITIVE"
	RiskLegalThreat         = "RISK_LEGAL_THREAT"
	RiskAutoreplyLoop       = "RISK_AUTOREPLY_LOOP"
)

// PrimaryIntentPriority resolves Open Question (b): the priority table is
// parsed at runtime from a canonical document in the original. It is inlined
// here in the same specificity order the cascade below populates intents[]
// in, lowest index wins when more than one intent label is present (this
// only matters when INTENT_DOCUMENT_SUBMISSION, which is checked
// unconditionally after the cascade, co-occurs with INTENT_GDPR_REQUEST or a
// cascade match; GDPR itself skips the cascade).
var PrimaryIntentPriority = []string{
	IntentGDPRRequest,
	IntentLegal,
	IntentComplaint,
	IntentClaimUpdate,
	IntentClaimNew,
	IntentBillingQuestion,
	IntentBrokerIntermediary,
	IntentTechnical,
	IntentDocumentSubmission,
	IntentGeneralInquiry,
}

func priorityIndex(label string) int {
	for i, l := range PrimaryIntentPriority {
		if l == label {
			return i
		}
	}
	return len(PrimaryIntentPriority)
}
