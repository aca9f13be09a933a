package classify

import (
	"testing"

	"github.com/attendite/ieim/internal/ieimmodel"
)

func TestExtractPolicyAndClaimNumbers(t *testing.T) {
	entities := Extract(ExtractInput{
		BodyC14N: "your policy is 12-3456789 and claim clm-2024-0007 was received on 2024-05-01",
	})
	found := map[string]string{}
	for _, e := range entities {
		if e.Value != nil {
			found[e.EntityType] = *e.Value
		}
	}
	if found[EntPolicyNumber] != "12-3456789" {
		t.Fatalf("expected policy number, got %+v", found)
	}
	if found[EntClaimNumber] != "CLM-2024-0007" {
		t.Fatalf("expected uppercased claim number, got %+v", found)
	}
	if found[EntDate] != "2024-05-01" {
		t.Fatalf("expected date entity, got %+v", found)
	}
}

func TestExtractPolicyNumberPrefersBodyOverSubject(t *testing.T) {
	entities := Extract(ExtractInput{
		SubjectC14N: "re: policy 99-9999999",
		BodyC14N:    "your policy is 12-3456789, thank you",
	})
	for _, e := range entities {
		if e.EntityType == EntPolicyNumber {
			if *e.Value != "12-3456789" {
				t.Fatalf("expected body match to win over subject, got %q", *e.Value)
			}
			if e.Evidence[0].Source != ieimmodel.SourceBodyC14N {
				t.Fatalf("expected evidence source BODY_C14N, got %s", e.Evidence[0].Source)
			}
			return
		}
	}
	t.Fatal("expected a policy number entity")
}

func TestExtractDateNeverFallsBackToSubject(t *testing.T) {
	entities := Extract(ExtractInput{
		SubjectC14N: "termin am 2024-01-01",
		BodyC14N:    "no date mentioned here",
	})
	for _, e := range entities {
		if e.EntityType == EntDate {
			t.Fatalf("expected no ENT_DATE when only the subject has a date, got %+v", e)
		}
	}
}

func TestExtractIBANHashOnlyNilsValue(t *testing.T) {
	entities := Extract(ExtractInput{
		BodyC14N: "please transfer to DE89370400440532013000",
		IBAN:     IBANPolicy{Enabled: true, StoreMode: "HASH_ONLY"},
	})
	for _, e := range entities {
		if e.EntityType == EntIBAN {
			if e.Value != nil {
				t.Fatalf("expected nil value for HASH_ONLY store mode, got %q", *e.Value)
			}
			if e.ValueSHA256 == "" {
				t.Fatal("expected value_sha256 to be present")
			}
			if e.ValueRedacted != "de89…3000" {
				t.Fatalf("expected first4...last4 redaction, got %q", e.ValueRedacted)
			}
			return
		}
	}
	t.Fatal("expected an IBAN entity")
}

func TestExtractSkipsIBANWhenDisabled(t *testing.T) {
	entities := Extract(ExtractInput{
		BodyC14N: "please transfer to DE89370400440532013000",
		IBAN:     IBANPolicy{Enabled: false},
	})
	for _, e := range entities {
		if e.EntityType == EntIBAN {
			t.Fatal("expected no IBAN entity when policy disabled")
		}
	}
}

func TestExtractDocumentTypesOnlyWhenAllAttachmentsClean(t *testing.T) {
	entities := Extract(ExtractInput{
		BodyC14N:            "see attached",
		AttachmentDocTypes:  []string{"INVOICE", "PHOTO"},
		AllAttachmentsClean: false,
	})
	for _, e := range entities {
		if e.EntityType == EntDocumentType {
			t.Fatal("expected no document type entities when not all attachments clean")
		}
	}

	entities = Extract(ExtractInput{
		BodyC14N:            "see attached",
		AttachmentDocTypes:  []string{"INVOICE", "PHOTO"},
		AllAttachmentsClean: true,
	})
	count := 0
	for _, e := range entities {
		if e.EntityType == EntDocumentType {
			count++
		}
	}
	if count != 2 {
		t.Fatalf("expected 2 document type entities, got %d", count)
	}
}
