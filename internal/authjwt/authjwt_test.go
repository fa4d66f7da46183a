package authjwt

import "testing"

func TestIssueAndValidateRoundTrip(t *testing.T) {
	secret := []byte("test-secret")
	token, exp, err := IssueAppJWT(secret, "alice")
	if err != nil {
		t.Fatalf("IssueAppJWT: %v", err)
	}
	if exp.IsZero() {
		t.Fatal("expected non-zero expiry")
	}

	claims, err := ValidateAppJWT(secret, token)
	if err != nil {
		t.Fatalf("ValidateAppJWT: %v", err)
	}
	if claims.Username != "alice" {
		t.Errorf("Username = %q, want alice", claims.Username)
	}
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	token, _, err := IssueAppJWT([]byte("right-secret"), "alice")
	if err != nil {
		t.Fatalf("IssueAppJWT: %v", err)
	}
	if _, err := ValidateAppJWT([]byte("wrong-secret"), token); err == nil {
		t.Fatal("expected validation to fail with wrong secret")
	}
}

func TestValidateRejectsGarbage(t *testing.T) {
	if _, err := ValidateAppJWT([]byte("secret"), "not-a-jwt"); err == nil {
		t.Fatal("expected validation to fail for malformed token")
	}
}
