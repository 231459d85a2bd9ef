package pii

import (
	"strings"
	"testing"
)

func TestLuhnValid(t *testing.T) {
	cases := []struct {
		digits string
		valid  bool
	}{
		{"4111111111111111", true},  // well-known test Visa PAN
		{"4111111111111112", false}, // last digit corrupted
		{"", false},
	}
	for _, c := range cases {
		if got := luhnValid(c.digits); got != c.valid {
			t.Errorf("luhnValid(%q) = %v, want %v", c.digits, got, c.valid)
		}
	}
}

func TestCreditCardRecognizer(t *testing.T) {
	r := For(TypeCreditCard)
	results := r.Recognize("card number 4111 1111 1111 1111 on file")
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d: %+v", len(results), results)
	}
	if results[0].Score != 0.95 {
		t.Errorf("score = %v, want 0.95 (recognized issuer prefix)", results[0].Score)
	}

	// Fails Luhn: no match at all.
	none := r.Recognize("card number 4111 1111 1111 1112 on file")
	if len(none) != 0 {
		t.Errorf("expected no results for a Luhn-invalid PAN, got %+v", none)
	}
}

func TestCASINRecognizer(t *testing.T) {
	r := For(TypeCASIN)
	// 046-454-286 is a commonly cited Luhn-valid test SIN.
	results := r.Recognize("sin 046-454-286 provided")
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d: %+v", len(results), results)
	}
	if results[0].Score != 0.9 {
		t.Errorf("score = %v, want 0.9", results[0].Score)
	}
}

func TestSSNRecognizerRejectsInvalidAreaGroup(t *testing.T) {
	r := For(TypeSSN)
	if got := r.Recognize("ssn 000-12-3456 on file"); len(got) != 0 {
		t.Errorf("expected area 000 to be rejected, got %+v", got)
	}
	if got := r.Recognize("ssn 123-00-3456 on file"); len(got) != 0 {
		t.Errorf("expected group 00 to be rejected, got %+v", got)
	}
	if got := r.Recognize("ssn 666-12-3456 on file"); len(got) != 0 {
		t.Errorf("expected area 666 to be rejected, got %+v", got)
	}
	if got := r.Recognize("ssn 123-45-6789 on file"); len(got) != 1 {
		t.Errorf("expected a valid SSN to match, got %+v", got)
	}
}

func TestEmailAndURLRecognizers(t *testing.T) {
	if got := For(TypeEmail).Recognize("contact alice@example.com today"); len(got) != 1 {
		t.Errorf("expected 1 email match, got %+v", got)
	}
	if got := For(TypeURL).Recognize("see https://example.com/path?q=1 for more"); len(got) != 1 {
		t.Errorf("expected 1 url match, got %+v", got)
	}
}

func TestMaskIdempotent(t *testing.T) {
	text := "email me at alice@example.com or call 415-555-0100"
	results := Scan(text, []Type{TypeEmail, TypePhoneNumber}, 0.5)
	once := Mask(text, results)
	twice := Mask(once, Scan(once, []Type{TypeEmail, TypePhoneNumber}, 0.5))
	if once != twice {
		t.Errorf("masking is not idempotent:\n once = %q\n twice = %q", once, twice)
	}
	if strings.Contains(once, "alice@example.com") {
		t.Errorf("email not masked: %q", once)
	}
}

func TestMaskNonOverlappingGreedySelection(t *testing.T) {
	text := "0123456789"
	// Two overlapping spans; the greedy descending-start scan reaches the
	// later-starting URL span first and selects it, so the overlapping
	// EMAIL span is dropped entirely.
	results := []Result{
		{Type: TypeEmail, Start: 2, End: 8},
		{Type: TypeURL, Start: 4, End: 6},
	}
	out := Mask(text, results)
	if strings.Contains(out, "<EMAIL>") {
		t.Errorf("overlapping span should have been dropped, got %q", out)
	}
	if !strings.Contains(out, "<URL>") {
		t.Errorf("winning span should be masked, got %q", out)
	}
}

func TestMaskPreservesInvalidUTF8BoundarySpans(t *testing.T) {
	text := "héllo" // 'é' is 2 bytes, straddles offsets 1-3
	bad := []Result{{Type: TypeEmail, Start: 2, End: 4}}
	out := Mask(text, bad)
	if out != text {
		t.Errorf("span crossing a UTF-8 boundary should be discarded, got %q want %q", out, text)
	}
}

func TestMaskNoResultsReturnsOriginal(t *testing.T) {
	text := "nothing to see here"
	if got := Mask(text, nil); got != text {
		t.Errorf("Mask with no results should return text unchanged, got %q", got)
	}
}
