package normalize

import "testing"

const sampleMIME = "From: Sender <sender@example.com>\r\n" +
	"To: dest@example.com\r\n" +
	"Subject: Schaden melden\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"Message-ID: <abc123@example.com>\r\n" +
	"\r\n" +
	"Ich moechte einen Schaden melden. Ort: Berlin\r\n"

func TestParseBasicMessage(t *testing.T) {
	parsed, err := Parse([]byte(sampleMIME))
	if err != nil {
		t.Fatal(err)
	}
	if parsed.From != "sender@example.com" {
		t.Errorf("From = %q", parsed.From)
	}
	if len(parsed.To) != 1 || parsed.To[0] != "dest@example.com" {
		t.Errorf("To = %v", parsed.To)
	}
	if parsed.Subject != "Schaden melden" {
		t.Errorf("Subject = %q", parsed.Subject)
	}
	if parsed.InternetMessageID != "abc123@example.com" {
		t.Errorf("InternetMessageID = %q", parsed.InternetMessageID)
	}
}

func TestParseRequiresFromAndTo(t *testing.T) {
	missing := "Subject: hi\r\n\r\nbody\r\n"
	if _, err := Parse([]byte(missing)); err == nil {
		t.Fatal("expected error for missing From/To")
	}
}

func TestCanonicalizePreservesLength(t *testing.T) {
	s := "Schaden MELDEN"
	c := Canonicalize(s)
	if len(c) != len(s) {
		t.Fatalf("canonicalization changed length: %d != %d", len(c), len(s))
	}
	if c != "schaden melden" {
		t.Fatalf("got %q", c)
	}
}

func TestFingerprintStableUnderFieldOrder(t *testing.T) {
	h1, err := Fingerprint([]string{"a2", "a1"}, "body", []string{"c@x"}, "f@x", "", "mid", "subj", []string{"t@x"})
	if err != nil {
		t.Fatal(err)
	}
	h2, err := Fingerprint([]string{"a1", "a2"}, "body", []string{"c@x"}, "f@x", "", "mid", "subj", []string{"t@x"})
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatalf("expected fingerprint to sort attachment_ids: %s != %s", h1, h2)
	}
}
