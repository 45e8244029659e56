package auth

import (
	"strings"
	"testing"
	"time"
)

func TestGenerateAuthToken(t *testing.T) {
	gen, err := GenerateAuthToken()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(gen.Key, PrefixAuthToken) {
		t.Errorf("token should start with %q, got %q", PrefixAuthToken, gen.Key[:8])
	}
	if !strings.HasPrefix(gen.Hash, "$argon2id$") {
		t.Errorf("hash should be PHC format, got %q", gen.Hash[:20])
	}

	other, err := GenerateAuthToken()
	if err != nil {
		t.Fatal(err)
	}
	if other.Key == gen.Key || other.Hash == gen.Hash {
		t.Error("generated tokens and hashes must differ")
	}
}

func TestNewAccessToken(t *testing.T) {
	a, err := NewAccessToken()
	if err != nil {
		t.Fatal(err)
	}
	b, _ := NewAccessToken()
	if !strings.HasPrefix(a, PrefixAccessToken) || a == b {
		t.Errorf("tokens = %q, %q", a, b)
	}
}

func TestValidateKeyPrefix(t *testing.T) {
	tests := []struct {
		key        string
		wantPrefix string
		wantErr    bool
	}{
		{"tkn_abc", PrefixAuthToken, false},
		{"atk_abc", PrefixAccessToken, false},
		{"rtr_abc", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		prefix, err := ValidateKeyPrefix(tt.key)
		if tt.wantErr != (err != nil) {
			t.Errorf("%q: err = %v, wantErr %v", tt.key, err, tt.wantErr)
			continue
		}
		if prefix != tt.wantPrefix {
			t.Errorf("%q: prefix = %q, want %q", tt.key, prefix, tt.wantPrefix)
		}
	}
}

func TestHashAndVerify(t *testing.T) {
	hash, err := HashKey("tkn_secret")
	if err != nil {
		t.Fatalf("hashing: %v", err)
	}

	ok, err := VerifyKey("tkn_secret", hash)
	if err != nil || !ok {
		t.Errorf("correct key: ok=%v err=%v", ok, err)
	}
	ok, err = VerifyKey("tkn_wrong", hash)
	if err != nil || ok {
		t.Errorf("wrong key: ok=%v err=%v", ok, err)
	}
}

func TestVerifyKey_BadHash(t *testing.T) {
	for _, h := range []string{
		"",
		"not-a-phc",
		"$bcrypt$v=19$m=1,t=1,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=19$garbage$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=1,t=1,p=1$!!!$aGFzaA",
	} {
		if _, err := VerifyKey("k", h); err == nil {
			t.Errorf("expected error for %q", h)
		}
	}
}

func TestVerifier(t *testing.T) {
	gen, err := GenerateAuthToken()
	if err != nil {
		t.Fatal(err)
	}
	v := NewVerifier(gen.Hash, time.Minute)
	if !v.Enforcing() {
		t.Error("verifier with hash should enforce")
	}

	for i := range 2 {
		ok, err := v.Verify(gen.Key)
		if err != nil || !ok {
			t.Errorf("attempt %d: ok=%v err=%v", i, ok, err)
		}
	}
	if ok, _ := v.Verify("tkn_other"); ok {
		t.Error("wrong token accepted")
	}
	if ok, _ := v.Verify(""); ok {
		t.Error("empty token accepted")
	}
}

func TestVerifier_PresenceOnly(t *testing.T) {
	v := NewVerifier("", time.Minute)
	if v.Enforcing() {
		t.Error("verifier without hash should not enforce")
	}
	if ok, _ := v.Verify("anything"); !ok {
		t.Error("any non-empty token should pass")
	}
	if ok, _ := v.Verify(""); ok {
		t.Error("empty token must be rejected")
	}
}
