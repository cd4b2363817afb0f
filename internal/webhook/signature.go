package webhook

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"

	oracleerrors "github.com/exchange-oracle/internal/errors"
)

// SignatureHeader carries the sender's recoverable signature over the raw
// request body.
const SignatureHeader = "Signature"

// Signer produces recoverable ECDSA signatures over webhook bodies using the
// oracle's wallet key.
type Signer struct {
	key     *ecdsa.PrivateKey
	address string
}

// NewSigner parses a hex-encoded private key
func NewSigner(privateKeyHex string) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}
	return &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey).Hex(),
	}, nil
}

// Address returns the wallet address peers should trust for this oracle.
func (s *Signer) Address() string {
	return s.address
}

// Sign signs the body with the personal-message prefix and returns the
// 65-byte signature as 0x-prefixed hex. The recovery id is offset by 27 to
// match wallet conventions.
func (s *Signer) Sign(body []byte) (string, error) {
	digest := accounts.TextHash(body)
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign webhook body: %w", err)
	}
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

// RecoverSigner recovers the wallet address that signed the body. The
// returned address is lowercased for map lookups against the trusted peer
// registry.
func RecoverSigner(body []byte, signatureHex string) (string, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(signatureHex, "0x"))
	if err != nil {
		return "", oracleerrors.NewAuthenticationError("malformed signature encoding")
	}
	if len(sig) != 65 {
		return "", oracleerrors.NewAuthenticationError("signature must be 65 bytes")
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	digest := accounts.TextHash(body)
	pubkey, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return "", oracleerrors.NewAuthenticationError("signature recovery failed")
	}
	return strings.ToLower(crypto.PubkeyToAddress(*pubkey).Hex()), nil
}
