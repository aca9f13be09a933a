package classify

import "testing"

func TestClassifyRiskPrecedenceMalwareWinsOverRegulatory(t *testing.T) {
	in := Input{
		SubjectC14N:          "schaden",
		BodyC14N:             "bitte wenden sie sich an den ombudsmann",
		Language:             "de",
		SupportedLanguages:   []string{"en", "de"},
		AnyAttachmentUnclean: true,
	}
	result := Classify(in)
	if len(result.RiskFlags) != 1 || result.RiskFlags[0].Label != RiskSecurityMalware {
		t.Fatalf("expected only RISK_SECURITY_MALWARE, got %+v", result.RiskFlags)
	}
}

func TestClassifyRiskRegulatoryWhenNoMalware(t *testing.T) {
	in := Input{
		BodyC14N:           "bitte wenden sie sich an den ombudsmann",
		SupportedLanguages: []string{"en", "de"},
		Language:           "de",
	}
	result := Classify(in)
	if len(result.RiskFlags) != 1 || result.RiskFlags[0].Label != RiskRegulatory {
		t.Fatalf("expected RISK_REGULATORY, got %+v", result.RiskFlags)
	}
}

func TestClassifyDefaultsToGeneralInquiry(t *testing.T) {
	result := Classify(Input{SubjectC14N: "hello", BodyC14N: "just checking in", Language: "en", SupportedLanguages: []string{"en"}})
	if result.PrimaryIntent != IntentGeneralInquiry {
		t.Fatalf("expected INTENT_GENERAL_INQUIRY, got %s", result.PrimaryIntent)
	}
}

func TestClassifyPrimaryIntentPriorityGDPROverComplaint(t *testing.T) {
	// INTENT_GDPR_REQUEST fires unconditionally on bare "dsgvo" and, once it
	// has fired, the exclusive cascade (which would otherwise match
	// "beschwerde" as INTENT_COMPLAINT) never runs.
	in := Input{
		BodyC14N:           "dsgvo auskunftsersuchen und auch eine beschwerde",
		Language:           "en",
		SupportedLanguages: []string{"en"},
	}
	result := Classify(in)
	if result.PrimaryIntent != IntentGDPRRequest {
		t.Fatalf("expected INTENT_GDPR_REQUEST to win priority, got %s", result.PrimaryIntent)
	}
	for _, it := range result.Intents {
		if it.Label == IntentComplaint {
			t.Fatalf("expected INTENT_COMPLAINT to be suppressed once GDPR fired, got %+v", result.Intents)
		}
	}
}

func TestClassifyClaimNewCascadeSubBranches(t *testing.T) {
	result := Classify(Input{BodyC14N: "ich möchte einen schaden melden", Language: "en", SupportedLanguages: []string{"en"}})
	if result.PrimaryIntent != IntentClaimNew {
		t.Fatalf("expected INTENT_CLAIM_NEW via schaden melden, got %s", result.PrimaryIntent)
	}

	result = Classify(Input{SubjectC14N: "sturmschaden am dach", Language: "en", SupportedLanguages: []string{"en"}})
	if result.PrimaryIntent != IntentClaimNew {
		t.Fatalf("expected INTENT_CLAIM_NEW via sturmschaden subject, got %s", result.PrimaryIntent)
	}
}

func TestClassifyDocumentSubmissionCoOccursWithGDPR(t *testing.T) {
	// INTENT_DOCUMENT_SUBMISSION is checked unconditionally again even when
	// GDPR already fired.
	result := Classify(Input{
		SubjectC14N:    "dsgvo anbei unterlagen",
		HasAttachments: true,
		Language:       "en", SupportedLanguages: []string{"en"},
	})
	labels := map[string]bool{}
	for _, it := range result.Intents {
		labels[it.Label] = true
	}
	if !labels[IntentGDPRRequest] || !labels[IntentDocumentSubmission] {
		t.Fatalf("expected both GDPR and DOCUMENT_SUBMISSION, got %+v", result.Intents)
	}
}

func TestClassifyEveryLabelHasEvidence(t *testing.T) {
	result := Classify(Input{SubjectC14N: "kfz schaden", BodyC14N: "dringend bitte antworten", Language: "en", SupportedLanguages: []string{"en"}})
	if len(result.ProductLine.Evidence) == 0 {
		t.Fatal("expected product_line evidence")
	}
	if len(result.Urgency.Evidence) == 0 {
		t.Fatal("expected urgency evidence")
	}
	for _, it := range result.Intents {
		if len(it.Evidence) == 0 {
			t.Fatalf("intent %s missing evidence", it.Label)
		}
	}
}
