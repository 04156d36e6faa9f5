package crypto

import (
	"testing"
)

func TestSignHMAC(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		secret  string
		wantErr bool
	}{
		{"valid", "1700000000000apikey5000category=spot", "secret123", false},
		{"empty secret", "payload", "", true},
		{"empty payload", "", "secret123", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig, err := SignHMAC(tt.payload, tt.secret)
			if (err != nil) != tt.wantErr {
				t.Fatalf("SignHMAC error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && len(sig) != 64 {
				t.Errorf("SignHMAC signature length = %d, want 64 hex chars", len(sig))
			}
		})
	}
}

func TestSignHMAC_Deterministic(t *testing.T) {
	sig1, err := SignHMAC("payload", "secret")
	if err != nil {
		t.Fatalf("SignHMAC error: %v", err)
	}
	sig2, err := SignHMAC("payload", "secret")
	if err != nil {
		t.Fatalf("SignHMAC error: %v", err)
	}
	if sig1 != sig2 {
		t.Error("SignHMAC should be deterministic")
	}

	sig3, _ := SignHMAC("payload", "other-secret")
	if sig1 == sig3 {
		t.Error("different secrets must produce different signatures")
	}
}

func TestSignHMAC_KnownVector(t *testing.T) {
	// HMAC-SHA256("The quick brown fox jumps over the lazy dog", "key")
	sig, err := SignHMAC("The quick brown fox jumps over the lazy dog", "key")
	if err != nil {
		t.Fatalf("SignHMAC error: %v", err)
	}
	expected := "f7bc83f430538424b13298e6aa6fb143ef4d59a14946175997479dbc2d1a3cd8"
	if sig != expected {
		t.Errorf("SignHMAC = %s, want %s", sig, expected)
	}
}

func TestVerifyHMAC(t *testing.T) {
	sig, err := SignHMAC("payload", "secret")
	if err != nil {
		t.Fatalf("SignHMAC error: %v", err)
	}

	if !VerifyHMAC("payload", "secret", sig) {
		t.Error("VerifyHMAC rejected a valid signature")
	}
	if VerifyHMAC("payload", "secret", "deadbeef") {
		t.Error("VerifyHMAC accepted an invalid signature")
	}
	if VerifyHMAC("tampered", "secret", sig) {
		t.Error("VerifyHMAC accepted a signature for different payload")
	}
	if VerifyHMAC("payload", "", sig) {
		t.Error("VerifyHMAC accepted empty secret")
	}
}
