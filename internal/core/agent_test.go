package core

import "testing"

func TestParseRole(t *testing.T) {
	tests := map[string]Role{
		"guardian":       RoleGuardian,
		"arbiter":        RoleArbiter,
		"scribe":         RoleScribe,
		"humanReviewer":  RoleHumanReviewer,
		"human_reviewer": RoleHumanReviewer,
	}
	for in, want := range tests {
		got, err := ParseRole(in)
		if err != nil || got != want {
			t.Errorf("ParseRole(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseRole("jester"); err == nil {
		t.Error("expected error for unknown role")
	}
}

func TestAgent_Validate(t *testing.T) {
	ok := Agent{ID: "g1", Role: RoleGuardian, Weight: 1}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid agent rejected: %v", err)
	}
	bad := []Agent{
		{ID: "", Role: RoleGuardian},
		{ID: "x", Role: "jester"},
		{ID: "x", Role: RoleScribe, Weight: -1},
	}
	for _, a := range bad {
		if err := a.Validate(); !IsCode(err, CodeInvalidAgent) {
			t.Errorf("expected INVALID_AGENT for %+v, got %v", a, err)
		}
	}
}

func TestValidateConfidence(t *testing.T) {
	for _, c := range []float64{0, 0.5, 1} {
		if err := ValidateConfidence(c); err != nil {
			t.Errorf("confidence %v rejected: %v", c, err)
		}
	}
	for _, c := range []float64{-0.01, 1.01} {
		if err := ValidateConfidence(c); !IsCode(err, CodeInvalidVote) {
			t.Errorf("confidence %v accepted", c)
		}
	}
}
