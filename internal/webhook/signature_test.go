package webhook

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
)

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	signer, err := NewSigner(hex.EncodeToString(crypto.FromECDSA(key)))
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}
	return signer
}

func TestSignAndRecoverRoundTrip(t *testing.T) {
	signer := newTestSigner(t)
	body := []byte(`{"event_id":"evt-1","event_type":"escrow_created"}`)

	signature, err := signer.Sign(body)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if !strings.HasPrefix(signature, "0x") {
		t.Errorf("signature %q missing 0x prefix", signature)
	}

	recovered, err := RecoverSigner(body, signature)
	if err != nil {
		t.Fatalf("RecoverSigner() error = %v", err)
	}
	if recovered != strings.ToLower(signer.Address()) {
		t.Errorf("recovered %s, want %s", recovered, strings.ToLower(signer.Address()))
	}
}

func TestRecoverSignerRejectsTamperedBody(t *testing.T) {
	signer := newTestSigner(t)
	body := []byte(`{"event_id":"evt-1"}`)

	signature, err := signer.Sign(body)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	tampered := []byte(`{"event_id":"evt-2"}`)
	recovered, err := RecoverSigner(tampered, signature)
	if err == nil && recovered == strings.ToLower(signer.Address()) {
		t.Error("tampered body recovered the original signer")
	}
}

func TestRecoverSignerDistinguishesKeys(t *testing.T) {
	alice := newTestSigner(t)
	mallory := newTestSigner(t)
	body := []byte(`{"event_id":"evt-1"}`)

	signature, err := mallory.Sign(body)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	recovered, err := RecoverSigner(body, signature)
	if err != nil {
		t.Fatalf("RecoverSigner() error = %v", err)
	}
	if recovered == strings.ToLower(alice.Address()) {
		t.Error("signature from a different key recovered as alice")
	}
	if recovered != strings.ToLower(mallory.Address()) {
		t.Errorf("recovered %s, want %s", recovered, strings.ToLower(mallory.Address()))
	}
}

func TestRecoverSignerRejectsMalformedSignatures(t *testing.T) {
	body := []byte(`{}`)

	tests := []struct {
		name      string
		signature string
	}{
		{"empty", ""},
		{"not hex", "0xzzzz"},
		{"too short", "0xdeadbeef"},
		{"wrong length", "0x" + strings.Repeat("ab", 64)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := RecoverSigner(body, tt.signature); err == nil {
				t.Errorf("RecoverSigner(%q) error = nil, want error", tt.signature)
			}
		})
	}
}

func TestNewSignerAcceptsPrefixedKey(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	hexKey := hex.EncodeToString(crypto.FromECDSA(key))

	plain, err := NewSigner(hexKey)
	if err != nil {
		t.Fatalf("NewSigner(plain) error = %v", err)
	}
	prefixed, err := NewSigner("0x" + hexKey)
	if err != nil {
		t.Fatalf("NewSigner(prefixed) error = %v", err)
	}
	if plain.Address() != prefixed.Address() {
		t.Errorf("addresses differ: %s vs %s", plain.Address(), prefixed.Address())
	}
}

func TestNewSignerRejectsGarbage(t *testing.T) {
	if _, err := NewSigner("not-a-key"); err == nil {
		t.Error("NewSigner() error = nil for garbage key, want error")
	}
}
