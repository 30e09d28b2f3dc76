package allowlist

import "testing"

func TestPolicyAllow(t *testing.T) {
	t.Parallel()

	p := New("kjfk", " KLAX ", "")
	if p.Len() != 2 {
		t.Fatalf("expected 2 entities, got %d", p.Len())
	}
	if !p.Allow("KJFK") || !p.Allow("klax") {
		t.Fatal("expected listed airports to be allowed")
	}
	if p.Allow("KSFO") {
		t.Fatal("expected unlisted airport to be rejected")
	}
}

func TestEmptyPolicyAllowsEverything(t *testing.T) {
	t.Parallel()

	var nilPolicy *Policy
	if !nilPolicy.Allow("ANY") || !New().Allow("ANY") {
		t.Fatal("expected empty policy to allow")
	}
}

func TestFromDesignatorsKeepsICAOCodes(t *testing.T) {
	t.Parallel()

	p := FromDesignators([]string{"KJFK", "JFK", "EGLL", "ZZZZZ"})
	if p.Len() != 2 || !p.Allow("EGLL") || p.Allow("JFK") {
		t.Fatalf("unexpected policy contents: %+v", p.entities)
	}
}
