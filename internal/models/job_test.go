package models

import (
	"testing"
)

func TestFiringTokenRoundTrip(t *testing.T) {
	token := FiringToken("eval-123", KindViewableInstructors)
	if token != "eval-123/viewable_instructors" {
		t.Fatalf("unexpected token %q", token)
	}

	id, kind, err := ParseFiringToken(token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if id != "eval-123" || kind != KindViewableInstructors {
		t.Fatalf("got id=%q kind=%q", id, kind)
	}
}

func TestParseFiringTokenRejectsMalformed(t *testing.T) {
	for _, token := range []string{"", "noslash", "/active", "eval-123/", "eval-123/bogus"} {
		if _, _, err := ParseFiringToken(token); err == nil {
			t.Fatalf("expected error for %q", token)
		}
	}
}

func TestParseJobKind(t *testing.T) {
	for _, kind := range AllJobKinds {
		parsed, err := ParseJobKind(string(kind))
		if err != nil || parsed != kind {
			t.Fatalf("round trip failed for %q: %v", kind, err)
		}
	}
	if _, err := ParseJobKind("nonsense"); err == nil {
		t.Fatal("expected error for unrecognized kind")
	}
}
